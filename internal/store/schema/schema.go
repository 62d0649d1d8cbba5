// Package schema runs ordered, forward-only schema steps gated by a persisted version marker.
package schema

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"go.uber.org/zap"
)

const (
	errorOperationSchema = "schema"
	errorSubjectVersion  = "version"
	errorCodeEnsure      = "ensure"
	errorCodeRead        = "read"
	errorCodeRecord      = "record"
	errorCodeApply       = "apply"
	errorCodeOrder       = "order"
	errorCodeAhead       = "ahead"
)

// Step is one forward schema change. Apply must detect objects that already exist.
type Step struct {
	Version int
	Name    string
	Apply   func(ctx context.Context) error
}

// VersionStore persists the last applied step version.
type VersionStore interface {
	EnsureVersionTable(ctx context.Context) error
	CurrentVersion(ctx context.Context) (int, error)
	RecordVersion(ctx context.Context, version int) error
}

// Latest returns the highest version in steps.
func Latest(steps []Step) int {
	latest := 0
	for _, step := range steps {
		if step.Version > latest {
			latest = step.Version
		}
	}
	return latest
}

// Apply runs every step newer than the stored version, recording each one after it succeeds.
// It returns the version the schema ends at.
func Apply(ctx context.Context, store VersionStore, steps []Step, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := validateOrder(steps); err != nil {
		return 0, err
	}
	if err := store.EnsureVersionTable(ctx); err != nil {
		return 0, ledger.WrapError(errorOperationSchema, errorSubjectVersion, errorCodeEnsure, ledger.StorageFailure(err))
	}
	current, err := store.CurrentVersion(ctx)
	if err != nil {
		return 0, ledger.WrapError(errorOperationSchema, errorSubjectVersion, errorCodeRead, ledger.StorageFailure(err))
	}
	if latest := Latest(steps); current > latest {
		return current, ledger.WrapError(errorOperationSchema, errorSubjectVersion, errorCodeAhead, fmt.Errorf("%w: stored %d, known %d", ledger.ErrSchemaAhead, current, latest))
	}
	for _, step := range steps {
		if step.Version <= current {
			continue
		}
		if err := step.Apply(ctx); err != nil {
			return current, ledger.WrapError(errorOperationSchema, step.Name, errorCodeApply, ledger.StorageFailure(err))
		}
		if err := store.RecordVersion(ctx, step.Version); err != nil {
			return current, ledger.WrapError(errorOperationSchema, step.Name, errorCodeRecord, ledger.StorageFailure(err))
		}
		current = step.Version
		logger.Info("schema step applied", zap.Int("version", step.Version), zap.String("step", step.Name))
	}
	return current, nil
}

func validateOrder(steps []Step) error {
	previous := 0
	for _, step := range steps {
		if step.Version <= previous || step.Apply == nil {
			return ledger.WrapError(errorOperationSchema, step.Name, errorCodeOrder, fmt.Errorf("%w: step %d out of order after %d", ledger.ErrInvalidServiceConfig, step.Version, previous))
		}
		previous = step.Version
	}
	return nil
}
