package ledger

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation string
	AccountID AccountID
	Identity  Identity
	Amount    Amount
	// Applied is false when the operation hit an expected absence (no row, already exists).
	Applied  bool
	Duration time.Duration
	Status   string
	Error    error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
// It may be given more than once; loggers are called in order.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.loggers = append(service.loggers, logger)
		}
	}
}

// WithClock replaces the clock used to time operations.
func WithClock(now func() time.Time) ServiceOption {
	return func(service *Service) {
		if now != nil {
			service.nowFn = now
		}
	}
}
