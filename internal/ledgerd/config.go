package ledgerd

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/connpool"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
)

const (
	defaultTarget         = "sqlite:coinledger.db"
	defaultListenAddr     = ":8080"
	defaultRequestTimeout = 3 * time.Second
)

// Config aggregates runtime settings for the ledger daemon.
type Config struct {
	Target         string
	Username       string
	Password       string
	Properties     map[string]string
	Pool           connpool.Config
	ListenAddr     string
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// DefaultConfig returns a config whose pool knobs keep the backend defaults.
func DefaultConfig() Config {
	return Config{Pool: connpool.DefaultConfig()}
}

// Validate fills defaults and rejects values the daemon cannot run with.
func (cfg *Config) Validate() error {
	cfg.Target = defaultIfEmpty(strings.TrimSpace(cfg.Target), defaultTarget)
	cfg.ListenAddr = defaultIfEmpty(strings.TrimSpace(cfg.ListenAddr), defaultListenAddr)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if err := cfg.Pool.Validate(); err != nil {
		return err
	}
	cfg.Pool.InitSQL = strings.TrimSpace(cfg.Pool.InitSQL)
	for key := range cfg.Properties {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: empty backend property name", ledger.ErrInvalidServiceConfig)
		}
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	return splitList(raw)
}

// ParseProperties turns comma-delimited key=value pairs into a map.
func ParseProperties(raw string) (map[string]string, error) {
	pairs := splitList(raw)
	if len(pairs) == 0 {
		return nil, nil
	}
	properties := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return nil, fmt.Errorf("%w: backend property %q is not key=value", ledger.ErrInvalidServiceConfig, pair)
		}
		properties[key] = strings.TrimSpace(value)
	}
	return properties, nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
