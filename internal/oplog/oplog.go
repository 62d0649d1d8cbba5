// Package oplog writes ledger operation callbacks to a zap logger.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"go.uber.org/zap"
)

const messageOperation = "ledger operation"

// Logger implements ledger.OperationLogger on top of zap.
type Logger struct {
	logger *zap.Logger
}

// New returns a Logger; a nil zap logger discards everything.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger}
}

// LogOperation writes one entry per operation. Failures are logged at error level.
func (operationLogger *Logger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.Bool("applied", entry.Applied),
		zap.Duration("duration", entry.Duration),
	}
	if entry.AccountID != 0 {
		fields = append(fields, zap.Int64("account_id", entry.AccountID.Int64()))
	}
	if !entry.Identity.IsZero() {
		fields = append(fields, zap.Stringer("identity", entry.Identity))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.Error != nil {
		operationLogger.logger.Error(messageOperation, append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info(messageOperation, fields...)
}
