package gormstore

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/MarkoPoloResearchLab/coinledger/internal/connpool"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dialectMySQL            = "mysql"
	mysqlDuplicateEntryCode = 1062
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectConnection  = "connection"
	errorSubjectTransaction = "transaction"
	errorCodeAcquire        = "acquire"
	errorCodeCommit         = "commit"
	errorCodeDelete         = "delete"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeUpdate         = "update"
)

var errBalanceOutOfRange = errors.New("balance out of int64 range")

// Store implements ledger.Store using GORM. Outside a transaction every call checks out
// one pooled connection and returns it before returning.
type Store struct {
	db          *gorm.DB
	pool        connpool.Config
	transaction bool
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB, pool connpool.Config) *Store {
	return &Store{db: db, pool: pool}
}

// WithTx executes fn within a transaction held on a single connection.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	if store.transaction {
		return fn(ctx, store)
	}
	return store.transact(ctx, func(transactionStore *Store) error {
		return fn(ctx, transactionStore)
	})
}

func (store *Store) transact(ctx context.Context, fn func(transactionStore *Store) error) error {
	session, release, err := store.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	var callbackError error
	err = session.Transaction(func(transaction *gorm.DB) error {
		callbackError = fn(&Store{db: transaction, pool: store.pool, transaction: true})
		return callbackError
	})
	if err == nil {
		return nil
	}
	if callbackError != nil {
		return callbackError
	}
	return storeFailure(errorSubjectTransaction, errorCodeCommit, err)
}

// acquire checks out one connection and binds a session to it.
func (store *Store) acquire(ctx context.Context) (*gorm.DB, func(), error) {
	if store.transaction {
		return store.db.WithContext(ctx), func() {}, nil
	}
	sqlDB, err := store.db.DB()
	if err != nil {
		return nil, nil, wrapStoreError(errorSubjectConnection, errorCodeAcquire, ledger.ConnectionFailure(err))
	}
	conn, err := store.pool.AcquireSQL(ctx, sqlDB)
	if err != nil {
		return nil, nil, err
	}
	session := store.db.Session(&gorm.Session{Context: ctx, NewDB: true})
	session.Statement.ConnPool = conn
	return session, func() { _ = conn.Close() }, nil
}

func (store *Store) withConnection(ctx context.Context, fn func(session *gorm.DB) error) error {
	session, release, err := store.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(session)
}

func (store *Store) FindAccountID(ctx context.Context, identity ledger.Identity) (ledger.AccountID, bool, error) {
	var (
		account Account
		found   bool
	)
	err := store.withConnection(ctx, func(session *gorm.DB) error {
		err := session.Where("identity = ?", identity.Bytes()).Take(&account).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		return 0, false, storeFailure(errorSubjectAccount, errorCodeLookup, err)
	}
	if !found {
		return 0, false, nil
	}
	accountID, err := ledger.NewAccountID(account.ID)
	if err != nil {
		return 0, false, wrapStoreError(errorSubjectAccount, errorCodeInvalid, ledger.StorageFailure(err))
	}
	return accountID, true, nil
}

func (store *Store) InsertAccount(ctx context.Context, identity ledger.Identity) error {
	err := store.withConnection(ctx, func(session *gorm.DB) error {
		return session.Create(&Account{Identity: identity.Bytes()}).Error
	})
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, ledger.ErrIdentityConflict)
	}
	if err != nil {
		return storeFailure(errorSubjectAccount, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) FindIdentity(ctx context.Context, accountID ledger.AccountID) (ledger.Identity, bool, error) {
	var (
		account Account
		found   bool
	)
	err := store.withConnection(ctx, func(session *gorm.DB) error {
		err := session.Where("id = ?", accountID.Int64()).Take(&account).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		return ledger.Identity{}, false, storeFailure(errorSubjectAccount, errorCodeLookup, err)
	}
	if !found {
		return ledger.Identity{}, false, nil
	}
	identity, err := ledger.IdentityFromBytes(account.Identity)
	if err != nil {
		return ledger.Identity{}, false, wrapStoreError(errorSubjectAccount, errorCodeInvalid, ledger.StorageFailure(err))
	}
	return identity, true, nil
}

func (store *Store) GetBalance(ctx context.Context, accountID ledger.AccountID) (ledger.Amount, bool, error) {
	var (
		balance Balance
		found   bool
	)
	err := store.withConnection(ctx, func(session *gorm.DB) error {
		err := session.Where("account_id = ?", accountID.Int64()).Take(&balance).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		found = err == nil
		return err
	})
	if err != nil {
		return 0, false, storeFailure(errorSubjectBalance, errorCodeGet, err)
	}
	return ledger.Amount(balance.Amount), found, nil
}

// InsertBalance is an insert-or-ignore; a duplicate affects no rows.
func (store *Store) InsertBalance(ctx context.Context, accountID ledger.AccountID, amount ledger.Amount) (bool, error) {
	var rowsAffected int64
	err := store.withConnection(ctx, func(session *gorm.DB) error {
		result := session.Clauses(store.insertIgnore()).Create(&Balance{AccountID: accountID.Int64(), Amount: amount.Int64()})
		rowsAffected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return false, storeFailure(errorSubjectBalance, errorCodeInsert, err)
	}
	return rowsAffected > 0, nil
}

func (store *Store) DeleteBalance(ctx context.Context, accountID ledger.AccountID) (bool, error) {
	var rowsAffected int64
	err := store.withConnection(ctx, func(session *gorm.DB) error {
		result := session.Where("account_id = ?", accountID.Int64()).Delete(&Balance{})
		rowsAffected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return false, storeFailure(errorSubjectBalance, errorCodeDelete, err)
	}
	return rowsAffected > 0, nil
}

func (store *Store) UpdateBalance(ctx context.Context, accountID ledger.AccountID, amount ledger.Amount) (bool, error) {
	return store.updateAmount(ctx, accountID, amount.Int64())
}

// AddToBalance applies the delta in one statement so concurrent deposits serialize on the row.
// The statement only matches rows whose sum stays within int64; SQLite would otherwise
// store an overflowing sum as a float.
func (store *Store) AddToBalance(ctx context.Context, accountID ledger.AccountID, delta ledger.Amount) (bool, error) {
	var rowsAffected int64
	err := store.withConnection(ctx, func(session *gorm.DB) error {
		query := session.Model(&Balance{}).Where("account_id = ?", accountID.Int64())
		switch {
		case delta > 0:
			query = query.Where("amount <= ?", math.MaxInt64-delta.Int64())
		case delta < 0:
			query = query.Where("amount >= ?", math.MinInt64-delta.Int64())
		}
		result := query.Update("amount", gorm.Expr("amount + ?", delta.Int64()))
		if result.Error != nil {
			return result.Error
		}
		rowsAffected = result.RowsAffected
		if rowsAffected > 0 || delta == 0 {
			return nil
		}
		var existing int64
		if err := session.Model(&Balance{}).Where("account_id = ?", accountID.Int64()).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("%w: account %d delta %d", errBalanceOutOfRange, accountID.Int64(), delta.Int64())
		}
		return nil
	})
	if err != nil {
		return false, storeFailure(errorSubjectBalance, errorCodeUpdate, err)
	}
	return rowsAffected > 0, nil
}

func (store *Store) updateAmount(ctx context.Context, accountID ledger.AccountID, value interface{}) (bool, error) {
	var rowsAffected int64
	err := store.withConnection(ctx, func(session *gorm.DB) error {
		result := session.Model(&Balance{}).Where("account_id = ?", accountID.Int64()).Update("amount", value)
		rowsAffected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return false, storeFailure(errorSubjectBalance, errorCodeUpdate, err)
	}
	return rowsAffected > 0, nil
}

func (store *Store) ListTopBalances(ctx context.Context, limit int, offset int) ([]ledger.RankEntry, error) {
	var rows []Balance
	err := store.withConnection(ctx, func(session *gorm.DB) error {
		return session.Order("amount DESC").Limit(limit).Offset(offset).Find(&rows).Error
	})
	if err != nil {
		return nil, storeFailure(errorSubjectBalance, errorCodeList, err)
	}
	entries := make([]ledger.RankEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, ledger.RankEntry{AccountID: ledger.AccountID(row.AccountID), Amount: ledger.Amount(row.Amount)})
	}
	return entries, nil
}

// insertIgnore returns the dialect's insert-or-ignore clause. MySQL's upsert form would report
// a found row under CLIENT_FOUND_ROWS, so it uses INSERT IGNORE instead.
func (store *Store) insertIgnore() clause.Expression {
	if store.db.Dialector.Name() == dialectMySQL {
		return clause.Insert{Modifier: "IGNORE"}
	}
	return clause.OnConflict{DoNothing: true}
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func storeFailure(subject string, code string, err error) error {
	return wrapStoreError(subject, code, ledger.StorageFailure(err))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntryCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
