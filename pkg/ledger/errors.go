package ledger

import (
	"errors"
	"fmt"
)

// Error kinds returned by the ledger and its storage drivers.
var (
	ErrConnectionUnavailable          = errors.New("connection unavailable")
	ErrUnsupportedBackend             = errors.New("unsupported backend")
	ErrIdentityResolutionFailed       = errors.New("identity resolution failed")
	ErrIdentityAllocationInconsistent = errors.New("identity allocation inconsistent")
	ErrStorageUnavailable             = errors.New("storage unavailable")
	ErrMigrationFailed                = errors.New("migration failed")
)

// Validation and internal signalling errors.
var (
	ErrIdentityConflict     = errors.New("identity already mapped")
	ErrInvalidIdentity      = errors.New("invalid identity")
	ErrInvalidAccountID     = errors.New("invalid account id")
	ErrInvalidPagination    = errors.New("invalid pagination")
	ErrInvalidServiceConfig = errors.New("invalid service config")
	ErrSameLedger           = errors.New("source and destination are the same ledger")
	ErrSchemaAhead          = errors.New("stored schema version is newer than supported")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// StorageFailure classifies a backend error as ErrStorageUnavailable unless it already
// carries a connection or conflict kind.
func StorageFailure(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConnectionUnavailable) || errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrIdentityConflict) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

// ConnectionFailure classifies a pool acquisition error as ErrConnectionUnavailable.
func ConnectionFailure(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConnectionUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnectionUnavailable, err)
}
