package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/coinledger/internal/connpool"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode   = "23505"
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectTransaction = "transaction"
	errorCodeBegin          = "begin"
	errorCodeCommit         = "commit"
	errorCodeDelete         = "delete"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeUpdate         = "update"

	sqlSelectAccountID = `select id from accounts where identity = $1`

	sqlInsertAccount = `insert into accounts(identity) values ($1)`

	sqlSelectIdentity = `select identity from accounts where id = $1`

	sqlSelectBalance = `select amount from balances where account_id = $1`

	sqlInsertBalance = `
		insert into balances(account_id, amount) values ($1, $2)
		on conflict (account_id) do nothing
	`

	sqlDeleteBalance = `delete from balances where account_id = $1`

	sqlUpdateBalance = `update balances set amount = $2 where account_id = $1`

	sqlAddToBalance = `update balances set amount = amount + $2 where account_id = $1`

	sqlSelectTopBalances = `
		select account_id, amount from balances
		order by amount desc
		limit $1 offset $2
	`
)

// querier is satisfied by both a pooled connection and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
// Every call checks out one connection and releases it before returning.
type Store struct {
	pool       *pgxpool.Pool
	poolConfig connpool.Config
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool, poolConfig connpool.Config) *Store {
	return &Store{pool: pool, poolConfig: poolConfig}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.transact(ctx, func(tx pgx.Tx) error {
		return fn(ctx, &TxStore{tx: tx})
	})
}

func (store *Store) transact(ctx context.Context, fn func(tx pgx.Tx) error) error {
	conn, err := store.poolConfig.AcquirePGX(ctx, store.pool)
	if err != nil {
		return err
	}
	defer conn.Release()
	tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return storeFailure(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storeFailure(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) withConn(ctx context.Context, fn func(conn querier) error) error {
	conn, err := store.poolConfig.AcquirePGX(ctx, store.pool)
	if err != nil {
		return err
	}
	defer conn.Release()
	return fn(conn)
}

func (store *Store) FindAccountID(ctx context.Context, identity ledger.Identity) (accountID ledger.AccountID, found bool, err error) {
	err = store.withConn(ctx, func(conn querier) error {
		accountID, found, err = findAccountID(ctx, conn, identity)
		return err
	})
	return accountID, found, err
}

func (store *Store) InsertAccount(ctx context.Context, identity ledger.Identity) error {
	return store.withConn(ctx, func(conn querier) error {
		return insertAccount(ctx, conn, identity)
	})
}

func (store *Store) FindIdentity(ctx context.Context, accountID ledger.AccountID) (identity ledger.Identity, found bool, err error) {
	err = store.withConn(ctx, func(conn querier) error {
		identity, found, err = findIdentity(ctx, conn, accountID)
		return err
	})
	return identity, found, err
}

func (store *Store) GetBalance(ctx context.Context, accountID ledger.AccountID) (amount ledger.Amount, found bool, err error) {
	err = store.withConn(ctx, func(conn querier) error {
		amount, found, err = getBalance(ctx, conn, accountID)
		return err
	})
	return amount, found, err
}

func (store *Store) InsertBalance(ctx context.Context, accountID ledger.AccountID, amount ledger.Amount) (applied bool, err error) {
	err = store.withConn(ctx, func(conn querier) error {
		applied, err = execAffecting(ctx, conn, errorCodeInsert, sqlInsertBalance, accountID.Int64(), amount.Int64())
		return err
	})
	return applied, err
}

func (store *Store) DeleteBalance(ctx context.Context, accountID ledger.AccountID) (applied bool, err error) {
	err = store.withConn(ctx, func(conn querier) error {
		applied, err = execAffecting(ctx, conn, errorCodeDelete, sqlDeleteBalance, accountID.Int64())
		return err
	})
	return applied, err
}

func (store *Store) UpdateBalance(ctx context.Context, accountID ledger.AccountID, amount ledger.Amount) (applied bool, err error) {
	err = store.withConn(ctx, func(conn querier) error {
		applied, err = execAffecting(ctx, conn, errorCodeUpdate, sqlUpdateBalance, accountID.Int64(), amount.Int64())
		return err
	})
	return applied, err
}

func (store *Store) AddToBalance(ctx context.Context, accountID ledger.AccountID, delta ledger.Amount) (applied bool, err error) {
	err = store.withConn(ctx, func(conn querier) error {
		applied, err = execAffecting(ctx, conn, errorCodeUpdate, sqlAddToBalance, accountID.Int64(), delta.Int64())
		return err
	})
	return applied, err
}

func (store *Store) ListTopBalances(ctx context.Context, limit int, offset int) (entries []ledger.RankEntry, err error) {
	err = store.withConn(ctx, func(conn querier) error {
		entries, err = listTopBalances(ctx, conn, limit, offset)
		return err
	})
	return entries, err
}

// TxStore methods run on the open transaction.

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) FindAccountID(ctx context.Context, identity ledger.Identity) (ledger.AccountID, bool, error) {
	return findAccountID(ctx, store.tx, identity)
}

func (store *TxStore) InsertAccount(ctx context.Context, identity ledger.Identity) error {
	return insertAccount(ctx, store.tx, identity)
}

func (store *TxStore) FindIdentity(ctx context.Context, accountID ledger.AccountID) (ledger.Identity, bool, error) {
	return findIdentity(ctx, store.tx, accountID)
}

func (store *TxStore) GetBalance(ctx context.Context, accountID ledger.AccountID) (ledger.Amount, bool, error) {
	return getBalance(ctx, store.tx, accountID)
}

func (store *TxStore) InsertBalance(ctx context.Context, accountID ledger.AccountID, amount ledger.Amount) (bool, error) {
	return execAffecting(ctx, store.tx, errorCodeInsert, sqlInsertBalance, accountID.Int64(), amount.Int64())
}

func (store *TxStore) DeleteBalance(ctx context.Context, accountID ledger.AccountID) (bool, error) {
	return execAffecting(ctx, store.tx, errorCodeDelete, sqlDeleteBalance, accountID.Int64())
}

func (store *TxStore) UpdateBalance(ctx context.Context, accountID ledger.AccountID, amount ledger.Amount) (bool, error) {
	return execAffecting(ctx, store.tx, errorCodeUpdate, sqlUpdateBalance, accountID.Int64(), amount.Int64())
}

func (store *TxStore) AddToBalance(ctx context.Context, accountID ledger.AccountID, delta ledger.Amount) (bool, error) {
	return execAffecting(ctx, store.tx, errorCodeUpdate, sqlAddToBalance, accountID.Int64(), delta.Int64())
}

func (store *TxStore) ListTopBalances(ctx context.Context, limit int, offset int) ([]ledger.RankEntry, error) {
	return listTopBalances(ctx, store.tx, limit, offset)
}

func findAccountID(ctx context.Context, conn querier, identity ledger.Identity) (ledger.AccountID, bool, error) {
	var rawID int64
	err := conn.QueryRow(ctx, sqlSelectAccountID, identity.UUID()).Scan(&rawID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storeFailure(errorSubjectAccount, errorCodeLookup, err)
	}
	accountID, err := ledger.NewAccountID(rawID)
	if err != nil {
		return 0, false, storeFailure(errorSubjectAccount, errorCodeInvalid, err)
	}
	return accountID, true, nil
}

func insertAccount(ctx context.Context, conn querier, identity ledger.Identity) error {
	_, err := conn.Exec(ctx, sqlInsertAccount, identity.UUID())
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrIdentityConflict)
	}
	if err != nil {
		return storeFailure(errorSubjectAccount, errorCodeInsert, err)
	}
	return nil
}

func findIdentity(ctx context.Context, conn querier, accountID ledger.AccountID) (ledger.Identity, bool, error) {
	var value uuid.UUID
	err := conn.QueryRow(ctx, sqlSelectIdentity, accountID.Int64()).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Identity{}, false, nil
	}
	if err != nil {
		return ledger.Identity{}, false, storeFailure(errorSubjectAccount, errorCodeLookup, err)
	}
	identity, err := ledger.NewIdentity(value)
	if err != nil {
		return ledger.Identity{}, false, storeFailure(errorSubjectAccount, errorCodeInvalid, err)
	}
	return identity, true, nil
}

func getBalance(ctx context.Context, conn querier, accountID ledger.AccountID) (ledger.Amount, bool, error) {
	var amount int64
	err := conn.QueryRow(ctx, sqlSelectBalance, accountID.Int64()).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storeFailure(errorSubjectBalance, errorCodeGet, err)
	}
	return ledger.Amount(amount), true, nil
}

func execAffecting(ctx context.Context, conn querier, code string, sql string, args ...any) (bool, error) {
	tag, err := conn.Exec(ctx, sql, args...)
	if err != nil {
		return false, storeFailure(errorSubjectBalance, code, err)
	}
	return tag.RowsAffected() > 0, nil
}

func listTopBalances(ctx context.Context, conn querier, limit int, offset int) ([]ledger.RankEntry, error) {
	rows, err := conn.Query(ctx, sqlSelectTopBalances, limit, offset)
	if err != nil {
		return nil, storeFailure(errorSubjectBalance, errorCodeList, err)
	}
	defer rows.Close()
	entries := []ledger.RankEntry{}
	for rows.Next() {
		var accountID, amount int64
		if err := rows.Scan(&accountID, &amount); err != nil {
			return nil, storeFailure(errorSubjectBalance, errorCodeList, err)
		}
		entries = append(entries, ledger.RankEntry{AccountID: ledger.AccountID(accountID), Amount: ledger.Amount(amount)})
	}
	if err := rows.Err(); err != nil {
		return nil, storeFailure(errorSubjectBalance, errorCodeList, err)
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func storeFailure(subject string, code string, err error) error {
	return wrapStoreError(subject, code, ledger.StorageFailure(err))
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
