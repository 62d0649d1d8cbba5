// Package connpool applies the ledger's pool tuning knobs to database/sql and pgx pools
// and bounds every connection acquisition by the configured timeout.
package connpool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UseBackendDefault leaves a knob at whatever the driver would choose on its own.
const UseBackendDefault = -1

const (
	errorOperationPool   = "pool"
	errorSubjectConn     = "connection"
	errorSubjectInitSQL  = "init_sql"
	errorCodeAcquire     = "acquire"
	errorCodeExec        = "exec"
	errorCodeInvalidKnob = "invalid"
)

// ErrInvalidConfig reports a pool knob below UseBackendDefault.
var ErrInvalidConfig = errors.New("invalid pool config")

// Config carries the five pool knobs and the per-session init statement.
// Values of zero or UseBackendDefault keep the backend default.
type Config struct {
	MaxPoolSize             int
	MinimumIdle             int
	MaxLifetimeMillis       int64
	ConnectionTimeoutMillis int64
	IdleTimeoutMillis       int64
	InitSQL                 string
}

// DefaultConfig keeps every knob at the backend default.
func DefaultConfig() Config {
	return Config{
		MaxPoolSize:             UseBackendDefault,
		MinimumIdle:             UseBackendDefault,
		MaxLifetimeMillis:       UseBackendDefault,
		ConnectionTimeoutMillis: UseBackendDefault,
		IdleTimeoutMillis:       UseBackendDefault,
	}
}

// Validate rejects knobs below UseBackendDefault.
func (config Config) Validate() error {
	knobs := []struct {
		name  string
		value int64
	}{
		{name: "max-pool-size", value: int64(config.MaxPoolSize)},
		{name: "minimum-idle", value: int64(config.MinimumIdle)},
		{name: "max-lifetime-ms", value: config.MaxLifetimeMillis},
		{name: "connection-timeout-ms", value: config.ConnectionTimeoutMillis},
		{name: "idle-timeout-ms", value: config.IdleTimeoutMillis},
	}
	for _, knob := range knobs {
		if knob.value < UseBackendDefault {
			return ledger.WrapError(errorOperationPool, knob.name, errorCodeInvalidKnob, fmt.Errorf("%w: %d", ErrInvalidConfig, knob.value))
		}
	}
	return nil
}

// WithDefaultMaxPoolSize fills MaxPoolSize when it is left at the backend default.
func (config Config) WithDefaultMaxPoolSize(size int) Config {
	if config.MaxPoolSize == 0 || config.MaxPoolSize == UseBackendDefault {
		config.MaxPoolSize = size
	}
	return config
}

// ConnectionTimeout is the acquisition bound, zero when unset.
func (config Config) ConnectionTimeout() time.Duration {
	return millis(config.ConnectionTimeoutMillis)
}

// ConfigureSQL applies the knobs to a database/sql pool.
// database/sql keeps no minimum idle count, so MinimumIdle raises the idle cap instead.
func (config Config) ConfigureSQL(db *sql.DB) {
	if config.MaxPoolSize > 0 {
		db.SetMaxOpenConns(config.MaxPoolSize)
	}
	if config.MinimumIdle > 0 {
		db.SetMaxIdleConns(config.MinimumIdle)
	}
	if lifetime := millis(config.MaxLifetimeMillis); lifetime > 0 {
		db.SetConnMaxLifetime(lifetime)
	}
	if idle := millis(config.IdleTimeoutMillis); idle > 0 {
		db.SetConnMaxIdleTime(idle)
	}
}

// ConfigurePGX applies the knobs to a pgxpool configuration and runs InitSQL on every new connection.
func (config Config) ConfigurePGX(poolConfig *pgxpool.Config) {
	if config.MaxPoolSize > 0 {
		poolConfig.MaxConns = int32(config.MaxPoolSize)
	}
	if config.MinimumIdle > 0 {
		poolConfig.MinConns = int32(config.MinimumIdle)
		if poolConfig.MinConns > poolConfig.MaxConns {
			poolConfig.MaxConns = poolConfig.MinConns
		}
	}
	if lifetime := millis(config.MaxLifetimeMillis); lifetime > 0 {
		poolConfig.MaxConnLifetime = lifetime
	}
	if idle := millis(config.IdleTimeoutMillis); idle > 0 {
		poolConfig.MaxConnIdleTime = idle
	}
	if timeout := config.ConnectionTimeout(); timeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = timeout
	}
	initSQL := strings.TrimSpace(config.InitSQL)
	if initSQL == "" {
		return
	}
	previous := poolConfig.AfterConnect
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if previous != nil {
			if err := previous(ctx, conn); err != nil {
				return err
			}
		}
		if _, err := conn.Exec(ctx, initSQL); err != nil {
			return ledger.WrapError(errorOperationPool, errorSubjectInitSQL, errorCodeExec, err)
		}
		return nil
	}
}

// Connector wraps base so InitSQL runs on every new physical connection, the database/sql
// counterpart of the AfterConnect hook installed by ConfigurePGX.
func (config Config) Connector(base driver.Connector) driver.Connector {
	initSQL := strings.TrimSpace(config.InitSQL)
	if initSQL == "" {
		return base
	}
	return &initConnector{base: base, initSQL: initSQL}
}

// DriverConnector returns a connector for dsn, using the driver's own when it has one.
func DriverConnector(drv driver.Driver, dsn string) (driver.Connector, error) {
	if contextDriver, ok := drv.(driver.DriverContext); ok {
		return contextDriver.OpenConnector(dsn)
	}
	return dsnConnector{driver: drv, dsn: dsn}, nil
}

type dsnConnector struct {
	driver driver.Driver
	dsn    string
}

func (connector dsnConnector) Connect(context.Context) (driver.Conn, error) {
	return connector.driver.Open(connector.dsn)
}

func (connector dsnConnector) Driver() driver.Driver {
	return connector.driver
}

type initConnector struct {
	base    driver.Connector
	initSQL string
}

func (connector *initConnector) Connect(ctx context.Context) (driver.Conn, error) {
	conn, err := connector.base.Connect(ctx)
	if err != nil {
		return nil, err
	}
	if err := execDriver(ctx, conn, connector.initSQL); err != nil {
		_ = conn.Close()
		return nil, ledger.WrapError(errorOperationPool, errorSubjectInitSQL, errorCodeExec, ledger.ConnectionFailure(err))
	}
	return conn, nil
}

func (connector *initConnector) Driver() driver.Driver {
	return connector.base.Driver()
}

// execDriver runs query on a raw driver connection without arguments.
func execDriver(ctx context.Context, conn driver.Conn, query string) error {
	if execer, ok := conn.(driver.ExecerContext); ok {
		_, err := execer.ExecContext(ctx, query, nil)
		if !errors.Is(err, driver.ErrSkip) {
			return err
		}
	}
	// The sqlite driver implements only the older Execer.
	if execer, ok := conn.(driver.Execer); ok {
		_, err := execer.Exec(query, nil)
		if !errors.Is(err, driver.ErrSkip) {
			return err
		}
	}
	stmt, err := conn.Prepare(query)
	if err != nil {
		return err
	}
	defer stmt.Close()
	_, err = stmt.Exec(nil)
	return err
}

// AcquireContext derives the context used only while waiting for a pooled connection.
func (config Config) AcquireContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if timeout := config.ConnectionTimeout(); timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// AcquireSQL checks out one connection from a database/sql pool.
// The caller must Close it on every path.
func (config Config) AcquireSQL(ctx context.Context, db *sql.DB) (*sql.Conn, error) {
	acquireCtx, cancel := config.AcquireContext(ctx)
	defer cancel()
	conn, err := db.Conn(acquireCtx)
	if err != nil {
		return nil, acquireFailure(err)
	}
	return conn, nil
}

// AcquirePGX checks out one connection from a pgx pool.
// The caller must Release it on every path.
func (config Config) AcquirePGX(ctx context.Context, pool *pgxpool.Pool) (*pgxpool.Conn, error) {
	acquireCtx, cancel := config.AcquireContext(ctx)
	defer cancel()
	conn, err := pool.Acquire(acquireCtx)
	if err != nil {
		return nil, acquireFailure(err)
	}
	return conn, nil
}

func acquireFailure(err error) error {
	return ledger.WrapError(errorOperationPool, errorSubjectConn, errorCodeAcquire, ledger.ConnectionFailure(err))
}

func millis(value int64) time.Duration {
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}
