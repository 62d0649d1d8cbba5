// Package backend turns a connection target into an opened ledger storage driver.
package backend

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/coinledger/internal/connpool"
	"github.com/MarkoPoloResearchLab/coinledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/coinledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

// Kind names a storage driver family.
type Kind string

const (
	KindSQLite   Kind = gormstore.NameSQLite
	KindMySQL    Kind = gormstore.NameMySQL
	KindPostgres Kind = pgstore.Name

	jdbcPrefix          = "jdbc:"
	sqliteURLPrefix     = "sqlite://"
	sqlitePrefix        = "sqlite:"
	postgresPrefix      = "postgres://"
	postgresqlPrefix    = "postgresql://"
	mysqlPrefix         = "mysql://"
	mysqlDefaultPort    = "3306"
	postgresDefaultPort = "5432"
	sqliteMemoryPath    = ":memory:"
	mysqlNetwork        = "tcp"
	errorSubjectTarget  = "target"
	errorCodeParse      = "parse"
	errorCodeOpen       = "open"
	errorCodeMigrate    = "migrate"
	errorOperationSetup = "backend"
)

// Target is a parsed connection target. Exactly one of Path, ConnString and MySQL is set,
// matching Kind.
type Target struct {
	Kind       Kind
	Path       string
	ConnString string
	MySQL      *mysql.Config
	// Properties carries query parameters found on a sqlite target.
	Properties map[string]string
}

// Settings describes everything needed to open a backend.
type Settings struct {
	Target string
	// Username and Password override URL credentials for networked targets.
	Username   string
	Password   string
	Properties map[string]string
	Pool       connpool.Config
	Logger     *zap.Logger
	// Migrate runs EnsureSchema before returning.
	Migrate bool
}

// ParseTarget recognizes sqlite, postgres and mysql targets, optionally prefixed with "jdbc:".
func ParseTarget(raw string) (Target, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), jdbcPrefix)
	switch {
	case strings.HasPrefix(trimmed, sqliteURLPrefix):
		return parseSQLite(strings.TrimPrefix(trimmed, sqliteURLPrefix))
	case strings.HasPrefix(trimmed, sqlitePrefix):
		return parseSQLite(strings.TrimPrefix(trimmed, sqlitePrefix))
	case strings.HasPrefix(trimmed, postgresPrefix), strings.HasPrefix(trimmed, postgresqlPrefix):
		return Target{Kind: KindPostgres, ConnString: trimmed}, nil
	case strings.HasPrefix(trimmed, mysqlPrefix):
		return parseMySQL(trimmed)
	default:
		return Target{}, fmt.Errorf("%w: %q", ledger.ErrUnsupportedBackend, scheme(trimmed))
	}
}

// Location names the database a target points at, ignoring credentials and session
// properties. Two targets with the same Location address the same ledger.
func (target Target) Location() string {
	switch target.Kind {
	case KindSQLite:
		path := filepath.Clean(strings.TrimSpace(target.Path))
		if path != sqliteMemoryPath {
			if absolute, err := filepath.Abs(path); err == nil {
				path = absolute
			}
		}
		return fmt.Sprintf("%s:%s", target.Kind, path)
	case KindMySQL:
		if target.MySQL == nil {
			return string(target.Kind)
		}
		return fmt.Sprintf("%s://%s/%s", target.Kind, target.MySQL.Addr, target.MySQL.DBName)
	case KindPostgres:
		parsed, err := url.Parse(target.ConnString)
		if err != nil {
			return fmt.Sprintf("%s:%s", target.Kind, target.ConnString)
		}
		host := parsed.Host
		if parsed.Port() == "" {
			host = net.JoinHostPort(parsed.Hostname(), postgresDefaultPort)
		}
		return fmt.Sprintf("%s://%s/%s", target.Kind, host, strings.TrimPrefix(parsed.Path, "/"))
	default:
		return ""
	}
}

func parseSQLite(rest string) (Target, error) {
	path, rawQuery, _ := strings.Cut(rest, "?")
	if strings.TrimSpace(path) == "" {
		return Target{}, invalidTarget(fmt.Errorf("sqlite target has no path"))
	}
	target := Target{Kind: KindSQLite, Path: path}
	if rawQuery == "" {
		return target, nil
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return Target{}, invalidTarget(err)
	}
	target.Properties = firstValues(values)
	return target, nil
}

func parseMySQL(raw string) (Target, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return Target{}, invalidTarget(err)
	}
	if parsed.Host == "" {
		return Target{}, invalidTarget(fmt.Errorf("mysql target has no host"))
	}
	config := mysql.NewConfig()
	config.Net = mysqlNetwork
	config.Addr = parsed.Host
	if parsed.Port() == "" {
		config.Addr = net.JoinHostPort(parsed.Hostname(), mysqlDefaultPort)
	}
	config.DBName = strings.TrimPrefix(parsed.Path, "/")
	if parsed.User != nil {
		config.User = parsed.User.Username()
		config.Passwd, _ = parsed.User.Password()
	}
	if params := firstValues(parsed.Query()); len(params) > 0 {
		config.Params = params
	}
	return Target{Kind: KindMySQL, MySQL: config}, nil
}

// Open parses the target, opens the matching driver and optionally migrates its schema.
func Open(ctx context.Context, settings Settings) (ledger.Backend, error) {
	logger := settings.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	target, err := ParseTarget(settings.Target)
	if err != nil {
		return nil, err
	}
	logger.Info(fmt.Sprintf("using %s backend", target.Kind))

	var opened ledger.Backend
	switch target.Kind {
	case KindSQLite:
		opened, err = gormstore.OpenSQLite(ctx, gormstore.SQLiteOptions{
			Path:       target.Path,
			Properties: mergeProperties(target.Properties, settings.Properties),
			Pool:       settings.Pool,
			Logger:     logger,
		})
	case KindPostgres:
		opened, err = pgstore.Open(ctx, pgstore.Options{
			ConnString:    target.ConnString,
			User:          settings.Username,
			Password:      settings.Password,
			RuntimeParams: settings.Properties,
			Pool:          settings.Pool,
			Logger:        logger,
		})
	case KindMySQL:
		config := target.MySQL.Clone()
		if settings.Username != "" {
			config.User = settings.Username
		}
		if settings.Password != "" {
			config.Passwd = settings.Password
		}
		config.Params = mergeProperties(config.Params, settings.Properties)
		opened, err = gormstore.OpenMySQL(ctx, gormstore.MySQLOptions{Config: config, Pool: settings.Pool, Logger: logger})
	}
	if err != nil {
		return nil, ledger.WrapError(errorOperationSetup, string(target.Kind), errorCodeOpen, err)
	}
	if !settings.Migrate {
		return opened, nil
	}
	if err := opened.EnsureSchema(ctx); err != nil {
		_ = opened.Close()
		return nil, ledger.WrapError(errorOperationSetup, string(target.Kind), errorCodeMigrate, err)
	}
	return opened, nil
}

func invalidTarget(err error) error {
	return ledger.WrapError(errorOperationSetup, errorSubjectTarget, errorCodeParse, fmt.Errorf("%w: %w", ledger.ErrInvalidServiceConfig, err))
}

// scheme keeps credentials out of error messages.
func scheme(target string) string {
	if prefix, _, found := strings.Cut(target, ":"); found {
		return prefix
	}
	return target
}

func firstValues(values url.Values) map[string]string {
	properties := make(map[string]string, len(values))
	for key, entries := range values {
		if len(entries) > 0 {
			properties[key] = entries[0]
		}
	}
	return properties
}

// mergeProperties returns base overlaid with overrides; nil when both are empty.
func mergeProperties(base map[string]string, overrides map[string]string) map[string]string {
	if len(base) == 0 && len(overrides) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(overrides))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range overrides {
		merged[key] = value
	}
	return merged
}
