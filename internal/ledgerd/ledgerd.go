// Package ledgerd wires configuration, storage and the HTTP API into the ledger daemon.
package ledgerd

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarkoPoloResearchLab/coinledger/internal/backend"
	"github.com/MarkoPoloResearchLab/coinledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/coinledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/coinledger/internal/oplog"
	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// OpenService opens the configured backend, migrates its schema and wraps it in a ledger.Service.
func OpenService(ctx context.Context, cfg Config, logger *zap.Logger, options ...ledger.ServiceOption) (*ledger.Service, error) {
	opened, err := backend.Open(ctx, backend.Settings{
		Target:     cfg.Target,
		Username:   cfg.Username,
		Password:   cfg.Password,
		Properties: cfg.Properties,
		Pool:       cfg.Pool,
		Logger:     logger,
		Migrate:    true,
	})
	if err != nil {
		return nil, err
	}
	service, err := ledger.NewService(opened, options...)
	if err != nil {
		_ = opened.Close()
		return nil, fmt.Errorf("ledger service init: %w", err)
	}
	return service, nil
}

// Serve runs the HTTP API until ctx is cancelled.
func Serve(ctx context.Context, cfg Config, logger *zap.Logger) error {
	server, service, err := newServer(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := service.Close(); closeErr != nil {
			logger.Warn("ledger close failed", zap.Error(closeErr))
		}
	}()
	return httpapi.Serve(ctx, server, logger)
}

func newServer(ctx context.Context, cfg Config, logger *zap.Logger, registry *prometheus.Registry) (*http.Server, *ledger.Service, error) {
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	service, err := OpenService(ctx, cfg, logger,
		ledger.WithOperationLogger(oplog.New(logger)),
		ledger.WithOperationLogger(metrics.NewRecorder(registry)),
	)
	if err != nil {
		return nil, nil, err
	}
	router := httpapi.NewRouter(service, httpapi.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		RequestTimeout: cfg.RequestTimeout,
		Gatherer:       registry,
		Observer:       metrics.NewRequestRecorder(registry),
		Logger:         logger,
	})
	return &http.Server{Addr: cfg.ListenAddr, Handler: router}, service, nil
}

// Migrate brings the configured backend's schema to the latest version.
func Migrate(ctx context.Context, cfg Config, logger *zap.Logger) error {
	service, err := OpenService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("schema ready", zap.String("backend", service.BackendName()))
	return service.Close()
}

// Convert replaces the destination ledger with the contents of the source ledger.
func Convert(ctx context.Context, source Config, destination Config, logger *zap.Logger) (ledger.ConversionResult, error) {
	if sameLedger(source, destination) {
		return ledger.ConversionResult{}, fmt.Errorf("%w: %w", ledger.ErrMigrationFailed, ledger.ErrSameLedger)
	}
	sourceService, err := OpenService(ctx, source, logger)
	if err != nil {
		return ledger.ConversionResult{}, fmt.Errorf("open source: %w", err)
	}
	defer sourceService.Close()
	destinationService, err := OpenService(ctx, destination, logger, ledger.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		return ledger.ConversionResult{}, fmt.Errorf("open destination: %w", err)
	}
	defer destinationService.Close()

	result, err := destinationService.ConvertFrom(ctx, sourceService)
	if err != nil {
		return ledger.ConversionResult{}, err
	}
	logger.Info("conversion complete",
		zap.String("source", sourceService.BackendName()),
		zap.String("destination", destinationService.BackendName()),
		zap.Int("accounts", result.Accounts),
		zap.Int("balances", result.Balances),
	)
	return result, nil
}

// sameLedger compares parsed targets so spellings of one database match. Unparseable
// targets fall back to a textual comparison and fail later when opened.
func sameLedger(source Config, destination Config) bool {
	sourceTarget, sourceErr := backend.ParseTarget(source.Target)
	destinationTarget, destinationErr := backend.ParseTarget(destination.Target)
	if sourceErr != nil || destinationErr != nil {
		return strings.TrimSpace(source.Target) == strings.TrimSpace(destination.Target)
	}
	return sourceTarget.Location() == destinationTarget.Location()
}
