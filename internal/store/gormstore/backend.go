package gormstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/connpool"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/glebarez/sqlite"
	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	mysqldriver "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	// NameSQLite and NameMySQL are the backend names reported by Backend.Name.
	NameSQLite = "sqlite"
	NameMySQL  = "mysql"

	// ImportBatchSize is the number of rows written per insert during conversion.
	ImportBatchSize = 500

	sqliteMemoryPath       = ":memory:"
	sqliteBusyTimeoutParam = "busy_timeout(5000)"
	sqliteJournalParam     = "journal_mode(WAL)"
	sqlitePragmaKey        = "_pragma"
	slowQueryThreshold     = 200 * time.Millisecond
	errorSubjectBackend    = "backend"
	errorSubjectExport     = "export"
	errorSubjectImport     = "import"
	errorCodeOpen          = "open"
	errorCodeReplace       = "replace"
	errorCodePing          = "ping"
)

// Backend is a gorm-backed ledger.Backend owning its connection pool.
type Backend struct {
	*Store
	name   string
	sqlDB  *sql.DB
	logger *zap.Logger
}

// SQLiteOptions configures the embedded-file backend.
type SQLiteOptions struct {
	Path       string
	Properties map[string]string
	Pool       connpool.Config
	Logger     *zap.Logger
}

// MySQLOptions configures the networked MySQL backend.
type MySQLOptions struct {
	Config *mysql.Config
	Pool   connpool.Config
	Logger *zap.Logger
}

// OpenSQLite opens an embedded database file. SQLite allows one writer, so the pool
// defaults to a single connection unless max-pool-size says otherwise.
func OpenSQLite(ctx context.Context, options SQLiteOptions) (*Backend, error) {
	path, err := normalizeSQLitePath(options.Path)
	if err != nil {
		return nil, wrapStoreError(errorSubjectBackend, errorCodeOpen, ledger.StorageFailure(err))
	}
	dsn := sqliteDSN(path, options.Properties)
	connector, err := connpool.DriverConnector(&gosqlite.Driver{}, dsn)
	if err != nil {
		return nil, wrapStoreError(errorSubjectBackend, errorCodeOpen, ledger.ConnectionFailure(err))
	}
	dialect := func(conn gorm.ConnPool) gorm.Dialector {
		return &sqlite.Dialector{DSN: dsn, Conn: conn}
	}
	return open(ctx, NameSQLite, connector, dialect, options.Pool.WithDefaultMaxPoolSize(1), options.Logger)
}

// OpenMySQL opens a MySQL database. Rows-affected counts found rows so an unchanged
// update still reports its row.
func OpenMySQL(ctx context.Context, options MySQLOptions) (*Backend, error) {
	if options.Config == nil {
		return nil, fmt.Errorf("%w: mysql config is nil", ledger.ErrInvalidServiceConfig)
	}
	config := options.Config.Clone()
	config.ClientFoundRows = true
	config.ParseTime = true
	if config.Timeout == 0 {
		config.Timeout = options.Pool.ConnectionTimeout()
	}
	connector, err := mysql.NewConnector(config)
	if err != nil {
		return nil, wrapStoreError(errorSubjectBackend, errorCodeOpen, fmt.Errorf("%w: %w", ledger.ErrInvalidServiceConfig, err))
	}
	dialect := func(conn gorm.ConnPool) gorm.Dialector {
		return mysqldriver.New(mysqldriver.Config{DSNConfig: config, Conn: conn})
	}
	return open(ctx, NameMySQL, connector, dialect, options.Pool, options.Logger)
}

// open builds the database/sql pool from connector, so the pool's init SQL runs on every
// connection it opens, and hands that pool to gorm.
func open(ctx context.Context, name string, connector driver.Connector, dialect func(conn gorm.ConnPool) gorm.Dialector, pool connpool.Config, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Validate(); err != nil {
		return nil, err
	}
	sqlDB := sql.OpenDB(pool.Connector(connector))
	pool.ConfigureSQL(sqlDB)
	db, err := gorm.Open(dialect(sqlDB), &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(zap.NewStdLog(logger), gormlogger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, wrapStoreError(errorSubjectBackend, errorCodeOpen, ledger.ConnectionFailure(err))
	}
	backend := &Backend{Store: New(db, pool), name: name, sqlDB: sqlDB, logger: logger}
	if err := backend.Ping(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	logger.Info("ledger backend opened", zap.String("backend", name), zap.Int("max_open_conns", sqlDB.Stats().MaxOpenConnections))
	return backend, nil
}

// Name reports the backend family.
func (backend *Backend) Name() string {
	return backend.name
}

// Ping checks out a connection and pings the server.
func (backend *Backend) Ping(ctx context.Context) error {
	conn, err := backend.pool.AcquireSQL(ctx, backend.sqlDB)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.PingContext(ctx); err != nil {
		return wrapStoreError(errorSubjectBackend, errorCodePing, ledger.ConnectionFailure(err))
	}
	return nil
}

// Close releases every pooled connection.
func (backend *Backend) Close() error {
	return backend.sqlDB.Close()
}

// ExportAccounts streams accounts in id order, ImportBatchSize rows at a time.
func (backend *Backend) ExportAccounts(ctx context.Context, fn func(account ledger.Account) error) error {
	var batch []Account
	err := backend.withConnection(ctx, func(session *gorm.DB) error {
		return session.Model(&Account{}).FindInBatches(&batch, ImportBatchSize, func(_ *gorm.DB, _ int) error {
			for _, row := range batch {
				identity, err := ledger.IdentityFromBytes(row.Identity)
				if err != nil {
					return err
				}
				if err := fn(ledger.Account{ID: ledger.AccountID(row.ID), Identity: identity}); err != nil {
					return err
				}
			}
			return nil
		}).Error
	})
	if err != nil {
		return storeFailure(errorSubjectExport, errorSubjectAccount, err)
	}
	return nil
}

// ExportBalances streams balances in account id order, ImportBatchSize rows at a time.
func (backend *Backend) ExportBalances(ctx context.Context, fn func(record ledger.BalanceRecord) error) error {
	var batch []Balance
	err := backend.withConnection(ctx, func(session *gorm.DB) error {
		return session.Model(&Balance{}).FindInBatches(&batch, ImportBatchSize, func(_ *gorm.DB, _ int) error {
			for _, row := range batch {
				if err := fn(ledger.BalanceRecord{AccountID: ledger.AccountID(row.AccountID), Amount: ledger.Amount(row.Amount)}); err != nil {
					return err
				}
			}
			return nil
		}).Error
	})
	if err != nil {
		return storeFailure(errorSubjectExport, errorSubjectBalance, err)
	}
	return nil
}

// ReplaceAll empties both tables and loads the rows fn hands to the sink, all in one transaction.
func (backend *Backend) ReplaceAll(ctx context.Context, fn func(ctx context.Context, sink ledger.ImportSink) error) error {
	return backend.transact(ctx, func(transactionStore *Store) error {
		session := transactionStore.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true})
		if err := session.Delete(&Account{}).Error; err != nil {
			return storeFailure(errorSubjectImport, errorCodeReplace, err)
		}
		if err := session.Delete(&Balance{}).Error; err != nil {
			return storeFailure(errorSubjectImport, errorCodeReplace, err)
		}
		sink := &batchSink{db: transactionStore.db.WithContext(ctx)}
		if err := fn(ctx, sink); err != nil {
			return err
		}
		return sink.flush()
	})
}

// batchSink buffers imported rows and writes them ImportBatchSize at a time.
// All accounts are written before the first balance.
type batchSink struct {
	db       *gorm.DB
	accounts []Account
	balances []Balance
}

func (sink *batchSink) PutAccount(_ context.Context, account ledger.Account) error {
	sink.accounts = append(sink.accounts, Account{ID: account.ID.Int64(), Identity: account.Identity.Bytes()})
	if len(sink.accounts) >= ImportBatchSize {
		return sink.flushAccounts()
	}
	return nil
}

func (sink *batchSink) PutBalance(_ context.Context, record ledger.BalanceRecord) error {
	if err := sink.flushAccounts(); err != nil {
		return err
	}
	sink.balances = append(sink.balances, Balance{AccountID: record.AccountID.Int64(), Amount: record.Amount.Int64()})
	if len(sink.balances) >= ImportBatchSize {
		return sink.flushBalances()
	}
	return nil
}

func (sink *batchSink) flush() error {
	if err := sink.flushAccounts(); err != nil {
		return err
	}
	return sink.flushBalances()
}

func (sink *batchSink) flushAccounts() error {
	if len(sink.accounts) == 0 {
		return nil
	}
	if err := sink.db.CreateInBatches(&sink.accounts, ImportBatchSize).Error; err != nil {
		return storeFailure(errorSubjectImport, errorSubjectAccount, err)
	}
	sink.accounts = sink.accounts[:0]
	return nil
}

func (sink *batchSink) flushBalances() error {
	if len(sink.balances) == 0 {
		return nil
	}
	if err := sink.db.CreateInBatches(&sink.balances, ImportBatchSize).Error; err != nil {
		return storeFailure(errorSubjectImport, errorSubjectBalance, err)
	}
	sink.balances = sink.balances[:0]
	return nil
}

func sqliteDSN(path string, properties map[string]string) string {
	query := url.Values{}
	query.Add(sqlitePragmaKey, sqliteBusyTimeoutParam)
	if path != sqliteMemoryPath {
		query.Add(sqlitePragmaKey, sqliteJournalParam)
	}
	for key, value := range properties {
		query.Add(key, value)
	}
	return path + "?" + query.Encode()
}

func normalizeSQLitePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty sqlite path", ledger.ErrInvalidServiceConfig)
	}
	if path == sqliteMemoryPath {
		return path, nil
	}
	cleaned := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleaned), 0o755); err != nil {
		return "", err
	}
	return cleaned, nil
}
