package ledger

import (
	"context"
	"fmt"
)

// ConversionResult counts the rows copied by Convert.
type ConversionResult struct {
	Accounts int
	Balances int
}

// Convert replaces the destination's accounts and balances with a structural copy of the source.
// Account ids are preserved. The destination runs one transaction and is left untouched on failure;
// the source is only read. It must not run alongside live ledger traffic.
func Convert(ctx context.Context, source Exporter, destination Importer) (ConversionResult, error) {
	if source == nil || destination == nil {
		return ConversionResult{}, fmt.Errorf("%w: conversion requires a source and a destination", ErrInvalidServiceConfig)
	}
	var result ConversionResult
	err := destination.ReplaceAll(ctx, func(ctx context.Context, sink ImportSink) error {
		result = ConversionResult{}
		if err := source.ExportAccounts(ctx, func(account Account) error {
			result.Accounts++
			return sink.PutAccount(ctx, account)
		}); err != nil {
			return err
		}
		return source.ExportBalances(ctx, func(record BalanceRecord) error {
			result.Balances++
			return sink.PutBalance(ctx, record)
		})
	})
	if err != nil {
		return ConversionResult{}, WrapError(errorOperationService, errorSubjectLedger, errorCodeConvert, fmt.Errorf("%w: %w", ErrMigrationFailed, err))
	}
	return result, nil
}

// ConvertFrom replaces this ledger's contents with the contents of source.
func (service *Service) ConvertFrom(ctx context.Context, source *Service) (ConversionResult, error) {
	startedAt := service.nowFn()
	var (
		result         ConversionResult
		operationError error
	)
	switch {
	case source == nil:
		operationError = WrapError(errorOperationService, errorSubjectLedger, errorCodeConvert, fmt.Errorf("%w: %w: source ledger is nil", ErrMigrationFailed, ErrInvalidServiceConfig))
	case source == service || source.backend == service.backend:
		operationError = WrapError(errorOperationService, errorSubjectLedger, errorCodeConvert, fmt.Errorf("%w: %w", ErrMigrationFailed, ErrSameLedger))
	default:
		result, operationError = Convert(ctx, source.backend, service.backend)
	}
	service.logOperation(ctx, startedAt, OperationLog{
		Operation: OperationConvert,
		Applied:   operationError == nil,
		Error:     operationError,
	})
	return result, operationError
}
