package pgstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/MarkoPoloResearchLab/coinledger/internal/connpool"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	// Name is the backend name reported by Backend.Name.
	Name = "postgres"

	// ImportBatchSize is the number of rows copied per CopyFrom during conversion.
	ImportBatchSize = 500

	errorSubjectBackend = "backend"
	errorSubjectExport  = "export"
	errorSubjectImport  = "import"
	errorCodeOpen       = "open"
	errorCodePing       = "ping"
	errorCodeReplace    = "replace"
	errorCodeSequence   = "sequence"

	sqlExportAccounts = `select id, identity from accounts order by id`
	sqlExportBalances = `select account_id, amount from balances order by account_id`
	sqlDeleteAccounts = `delete from accounts`
	sqlDeleteBalances = `delete from balances`

	sqlRestoreAccountSequence = `
		select setval(pg_get_serial_sequence('accounts', 'id'), coalesce((select max(id) from accounts), 0) + 1, false)
	`
)

var (
	tableAccounts  = pgx.Identifier{"accounts"}
	tableBalances  = pgx.Identifier{"balances"}
	accountColumns = []string{"id", "identity"}
	balanceColumns = []string{"account_id", "amount"}
)

// Options configures the PostgreSQL backend. User and Password override the credentials in ConnString;
// RuntimeParams are sent as session parameters on every connection.
type Options struct {
	ConnString    string
	User          string
	Password      string
	RuntimeParams map[string]string
	Pool          connpool.Config
	Logger        *zap.Logger
}

// Backend is a pgx-backed ledger.Backend owning its connection pool.
// DDL runs through gorm's postgres migrator on the same pool.
type Backend struct {
	*Store
	sqlDB  *sql.DB
	gormDB *gorm.DB
	logger *zap.Logger
}

// Open builds the pool. Connections are established lazily.
func Open(ctx context.Context, options Options) (*Backend, error) {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := options.Pool.Validate(); err != nil {
		return nil, err
	}
	poolConfig, err := pgxpool.ParseConfig(options.ConnString)
	if err != nil {
		return nil, wrapStoreError(errorSubjectBackend, errorCodeOpen, errors.Join(ledger.ErrInvalidServiceConfig, err))
	}
	if options.User != "" {
		poolConfig.ConnConfig.User = options.User
	}
	if options.Password != "" {
		poolConfig.ConnConfig.Password = options.Password
	}
	for key, value := range options.RuntimeParams {
		poolConfig.ConnConfig.RuntimeParams[key] = value
	}
	options.Pool.ConfigurePGX(poolConfig)
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, storeFailure(errorSubjectBackend, errorCodeOpen, ledger.ConnectionFailure(err))
	}
	sqlDB := stdlib.OpenDBFromPool(pool)
	// Hand connections straight back to pgxpool.
	sqlDB.SetMaxIdleConns(0)
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(zap.NewStdLog(logger), gormlogger.Config{
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		_ = sqlDB.Close()
		pool.Close()
		return nil, storeFailure(errorSubjectBackend, errorCodeOpen, err)
	}
	logger.Info("ledger backend opened", zap.String("backend", Name), zap.Int32("max_conns", poolConfig.MaxConns))
	return &Backend{Store: New(pool, options.Pool), sqlDB: sqlDB, gormDB: gormDB, logger: logger}, nil
}

// Name reports the backend family.
func (backend *Backend) Name() string {
	return Name
}

// Ping checks out a connection and pings the server.
func (backend *Backend) Ping(ctx context.Context) error {
	conn, err := backend.poolConfig.AcquirePGX(ctx, backend.pool)
	if err != nil {
		return err
	}
	defer conn.Release()
	if err := conn.Ping(ctx); err != nil {
		return wrapStoreError(errorSubjectBackend, errorCodePing, ledger.ConnectionFailure(err))
	}
	return nil
}

// Close releases every pooled connection.
func (backend *Backend) Close() error {
	err := backend.sqlDB.Close()
	backend.pool.Close()
	return err
}

// ExportAccounts streams accounts in id order over one connection.
func (backend *Backend) ExportAccounts(ctx context.Context, fn func(account ledger.Account) error) error {
	return backend.withConn(ctx, func(conn querier) error {
		rows, err := conn.Query(ctx, sqlExportAccounts)
		if err != nil {
			return storeFailure(errorSubjectExport, errorSubjectAccount, err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				accountID int64
				value     uuid.UUID
			)
			if err := rows.Scan(&accountID, &value); err != nil {
				return storeFailure(errorSubjectExport, errorSubjectAccount, err)
			}
			identity, err := ledger.NewIdentity(value)
			if err != nil {
				return storeFailure(errorSubjectExport, errorCodeInvalid, err)
			}
			if err := fn(ledger.Account{ID: ledger.AccountID(accountID), Identity: identity}); err != nil {
				return err
			}
		}
		if err := rows.Err(); err != nil {
			return storeFailure(errorSubjectExport, errorSubjectAccount, err)
		}
		return nil
	})
}

// ExportBalances streams balances in account id order over one connection.
func (backend *Backend) ExportBalances(ctx context.Context, fn func(record ledger.BalanceRecord) error) error {
	return backend.withConn(ctx, func(conn querier) error {
		rows, err := conn.Query(ctx, sqlExportBalances)
		if err != nil {
			return storeFailure(errorSubjectExport, errorSubjectBalance, err)
		}
		defer rows.Close()
		for rows.Next() {
			var accountID, amount int64
			if err := rows.Scan(&accountID, &amount); err != nil {
				return storeFailure(errorSubjectExport, errorSubjectBalance, err)
			}
			if err := fn(ledger.BalanceRecord{AccountID: ledger.AccountID(accountID), Amount: ledger.Amount(amount)}); err != nil {
				return err
			}
		}
		if err := rows.Err(); err != nil {
			return storeFailure(errorSubjectExport, errorSubjectBalance, err)
		}
		return nil
	})
}

// ReplaceAll empties both tables, copies the rows fn hands to the sink and moves the id
// sequence past the largest imported id, all in one transaction.
func (backend *Backend) ReplaceAll(ctx context.Context, fn func(ctx context.Context, sink ledger.ImportSink) error) error {
	return backend.transact(ctx, func(tx pgx.Tx) error {
		for _, statement := range []string{sqlDeleteAccounts, sqlDeleteBalances} {
			if _, err := tx.Exec(ctx, statement); err != nil {
				return storeFailure(errorSubjectImport, errorCodeReplace, err)
			}
		}
		sink := &copySink{conn: tx}
		if err := fn(ctx, sink); err != nil {
			return err
		}
		if err := sink.flush(ctx); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, sqlRestoreAccountSequence); err != nil {
			return storeFailure(errorSubjectImport, errorCodeSequence, err)
		}
		return nil
	})
}

// copySink buffers imported rows and copies them ImportBatchSize at a time.
// All accounts are copied before the first balance.
type copySink struct {
	conn     querier
	accounts [][]any
	balances [][]any
}

func (sink *copySink) PutAccount(ctx context.Context, account ledger.Account) error {
	sink.accounts = append(sink.accounts, []any{account.ID.Int64(), account.Identity.UUID()})
	if len(sink.accounts) >= ImportBatchSize {
		return sink.flushAccounts(ctx)
	}
	return nil
}

func (sink *copySink) PutBalance(ctx context.Context, record ledger.BalanceRecord) error {
	if err := sink.flushAccounts(ctx); err != nil {
		return err
	}
	sink.balances = append(sink.balances, []any{record.AccountID.Int64(), record.Amount.Int64()})
	if len(sink.balances) >= ImportBatchSize {
		return sink.flushBalances(ctx)
	}
	return nil
}

func (sink *copySink) flush(ctx context.Context) error {
	if err := sink.flushAccounts(ctx); err != nil {
		return err
	}
	return sink.flushBalances(ctx)
}

func (sink *copySink) flushAccounts(ctx context.Context) error {
	if len(sink.accounts) == 0 {
		return nil
	}
	if _, err := sink.conn.CopyFrom(ctx, tableAccounts, accountColumns, pgx.CopyFromRows(sink.accounts)); err != nil {
		return storeFailure(errorSubjectImport, errorSubjectAccount, err)
	}
	sink.accounts = sink.accounts[:0]
	return nil
}

func (sink *copySink) flushBalances(ctx context.Context) error {
	if len(sink.balances) == 0 {
		return nil
	}
	if _, err := sink.conn.CopyFrom(ctx, tableBalances, balanceColumns, pgx.CopyFromRows(sink.balances)); err != nil {
		return storeFailure(errorSubjectImport, errorSubjectBalance, err)
	}
	sink.balances = sink.balances[:0]
	return nil
}
