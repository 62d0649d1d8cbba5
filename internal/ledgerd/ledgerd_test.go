package ledgerd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/internal/connpool"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	identityX            = "11111111-2222-4333-8444-555555555555"
	identityY            = "99999999-8888-4777-8666-555555555555"
	errorMismatchMessage = "expected %v, got %v"
)

func sqliteConfig(test *testing.T, name string) Config {
	test.Helper()
	cfg := DefaultConfig()
	cfg.Target = "sqlite:" + filepath.Join(test.TempDir(), name)
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	return cfg
}

func mustOpen(test *testing.T, cfg Config) *ledger.Service {
	test.Helper()
	service, err := OpenService(context.Background(), cfg, zap.NewNop())
	if err != nil {
		test.Fatalf("open %s: %v", cfg.Target, err)
	}
	return service
}

func mustIdentity(test *testing.T, raw string) ledger.Identity {
	test.Helper()
	identity, err := ledger.ParseIdentity(raw)
	if err != nil {
		test.Fatalf("identity: %v", err)
	}
	return identity
}

func TestConfigValidateDefaults(test *testing.T) {
	test.Parallel()
	cfg := Config{Pool: connpool.Config{InitSQL: "  PRAGMA foreign_keys = ON  "}}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.Target != defaultTarget || cfg.ListenAddr != defaultListenAddr || cfg.RequestTimeout != defaultRequestTimeout {
		test.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Pool.InitSQL != "PRAGMA foreign_keys = ON" {
		test.Fatalf("expected trimmed init sql, got %q", cfg.Pool.InitSQL)
	}
}

func TestConfigValidateRejects(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		cfg      Config
		expected error
	}{
		{name: "pool knob", cfg: Config{Pool: connpool.Config{IdleTimeoutMillis: -9}}, expected: connpool.ErrInvalidConfig},
		{name: "blank property", cfg: Config{Properties: map[string]string{" ": "x"}}, expected: ledger.ErrInvalidServiceConfig},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if err := testCase.cfg.Validate(); !errors.Is(err, testCase.expected) {
				test.Fatalf(errorMismatchMessage, testCase.expected, err)
			}
		})
	}
}

func TestParseProperties(test *testing.T) {
	test.Parallel()
	properties, err := ParseProperties(" sslmode=disable , application_name = coinledger,")
	if err != nil {
		test.Fatalf("parse: %v", err)
	}
	if len(properties) != 2 || properties["sslmode"] != "disable" || properties["application_name"] != "coinledger" {
		test.Fatalf("unexpected properties %v", properties)
	}
	if empty, err := ParseProperties("  "); err != nil || empty != nil {
		test.Fatalf("expected nil properties, got %v err=%v", empty, err)
	}
	if _, err := ParseProperties("sslmode"); !errors.Is(err, ledger.ErrInvalidServiceConfig) {
		test.Fatalf(errorMismatchMessage, ledger.ErrInvalidServiceConfig, err)
	}
}

func TestParseAllowedOrigins(test *testing.T) {
	test.Parallel()
	origins := ParseAllowedOrigins("http://a.test, ,http://b.test")
	if len(origins) != 2 || origins[0] != "http://a.test" || origins[1] != "http://b.test" {
		test.Fatalf("unexpected origins %v", origins)
	}
}

func TestMigrateLogsReadyBackend(test *testing.T) {
	test.Parallel()
	core, logs := observer.New(zapcore.InfoLevel)
	cfg := sqliteConfig(test, "migrate.db")
	if err := Migrate(context.Background(), cfg, zap.New(core)); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	ready := logs.FilterMessage("schema ready").All()
	if len(ready) != 1 || ready[0].ContextMap()["backend"] != "sqlite" {
		test.Fatalf("expected schema ready log, got %v", logs.All())
	}
	if err := Migrate(context.Background(), cfg, zap.NewNop()); err != nil {
		test.Fatalf("second migrate: %v", err)
	}
}

func TestOpenServiceRejectsUnsupportedTarget(test *testing.T) {
	test.Parallel()
	cfg := DefaultConfig()
	cfg.Target = "jdbc:h2:mem:ledger"
	if _, err := OpenService(context.Background(), cfg, zap.NewNop()); !errors.Is(err, ledger.ErrUnsupportedBackend) {
		test.Fatalf(errorMismatchMessage, ledger.ErrUnsupportedBackend, err)
	}
}

func TestConvertBetweenSQLiteFiles(test *testing.T) {
	test.Parallel()
	ctx := context.Background()
	sourceConfig := sqliteConfig(test, "source.db")
	destinationConfig := sqliteConfig(test, "destination.db")

	source := mustOpen(test, sourceConfig)
	sourceID, err := source.Resolve(ctx, mustIdentity(test, identityX))
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	if _, err := source.CreateAccount(ctx, sourceID, 700); err != nil {
		test.Fatalf("create: %v", err)
	}
	if err := source.Close(); err != nil {
		test.Fatalf("close source: %v", err)
	}
	destination := mustOpen(test, destinationConfig)
	staleID, err := destination.Resolve(ctx, mustIdentity(test, identityY))
	if err != nil {
		test.Fatalf("resolve: %v", err)
	}
	if _, err := destination.CreateAccount(ctx, staleID, 50); err != nil {
		test.Fatalf("create: %v", err)
	}
	if err := destination.Close(); err != nil {
		test.Fatalf("close destination: %v", err)
	}

	result, err := Convert(ctx, sourceConfig, destinationConfig, zap.NewNop())
	if err != nil {
		test.Fatalf("convert: %v", err)
	}
	if result.Accounts != 1 || result.Balances != 1 {
		test.Fatalf("unexpected result %+v", result)
	}

	reopened := mustOpen(test, destinationConfig)
	defer reopened.Close()
	identity, found, err := reopened.IdentityOf(ctx, sourceID)
	if err != nil || !found || identity != mustIdentity(test, identityX) {
		test.Fatalf("expected converted mapping, got %s found=%t err=%v", identity, found, err)
	}
	amount, found, err := reopened.Balance(ctx, sourceID)
	if err != nil || !found || amount != 700 {
		test.Fatalf("expected 700, got %d found=%t err=%v", amount, found, err)
	}
	returning, err := reopened.Resolve(ctx, mustIdentity(test, identityY))
	if err != nil || returning == sourceID {
		test.Fatalf("expected a fresh id for the dropped identity, got %d err=%v", returning, err)
	}
}

func TestConvertRejectsSameTarget(test *testing.T) {
	test.Parallel()
	cfg := sqliteConfig(test, "same.db")
	alias := cfg
	alias.Target = "jdbc:sqlite://" + strings.TrimPrefix(cfg.Target, "sqlite:") + "?_txlock=immediate"
	for _, destination := range []Config{cfg, alias} {
		_, err := Convert(context.Background(), cfg, destination, zap.NewNop())
		if !errors.Is(err, ledger.ErrSameLedger) || !errors.Is(err, ledger.ErrMigrationFailed) {
			test.Fatalf(errorMismatchMessage, ledger.ErrSameLedger, err)
		}
	}
}

func TestServerRoutesAndMetrics(test *testing.T) {
	test.Parallel()
	cfg := sqliteConfig(test, "serve.db")
	server, service, err := newServer(context.Background(), cfg, zap.NewNop(), prometheus.NewRegistry())
	if err != nil {
		test.Fatalf("server: %v", err)
	}
	defer service.Close()
	if server.Addr != defaultListenAddr {
		test.Fatalf(errorMismatchMessage, defaultListenAddr, server.Addr)
	}

	request := httptest.NewRequest(http.MethodPost, "/api/accounts/resolve", bytes.NewReader([]byte(`{"identity":"`+uuid.NewString()+`"}`)))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	server.Handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		test.Fatalf("resolve: %d %s", recorder.Code, recorder.Body.String())
	}
	var payload struct {
		AccountID int64 `json:"account_id"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil || payload.AccountID <= 0 {
		test.Fatalf("unexpected payload %s err=%v", recorder.Body.String(), err)
	}

	health := httptest.NewRecorder()
	server.Handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if health.Code != http.StatusOK {
		test.Fatalf("healthz: %d", health.Code)
	}

	scrape := httptest.NewRecorder()
	server.Handler.ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := scrape.Body.String()
	for _, fragment := range []string{
		`ledger_operations_total{applied="true",operation="resolve",status="ok"} 1`,
		`ledger_http_requests_total{method="POST",route="/api/accounts/resolve",status="200"} 1`,
	} {
		if !strings.Contains(body, fragment) {
			test.Fatalf("expected %q in metrics output:\n%s", fragment, body)
		}
	}
}

func TestServeStopsOnCancel(test *testing.T) {
	test.Parallel()
	cfg := sqliteConfig(test, "stop.db")
	cfg.ListenAddr = "127.0.0.1:0"
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, cfg, zap.NewNop()) }()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			test.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		test.Fatalf("serve did not stop")
	}
}
