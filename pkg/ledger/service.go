package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Service is an opened ledger: identity resolution, balances and ranking over one Backend.
// It owns the backend; Close releases every pooled connection.
type Service struct {
	backend Backend
	nowFn   func() time.Time
	loggers []OperationLogger
}

// NewService wires a Service.
func NewService(backend Backend, options ...ServiceOption) (*Service, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{backend: backend, nowFn: time.Now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// BackendName reports which storage driver serves this ledger.
func (service *Service) BackendName() string {
	return service.backend.Name()
}

// Ping reports whether the backend can serve a connection.
func (service *Service) Ping(ctx context.Context) error {
	return service.backend.Ping(ctx)
}

// Close releases the backend and its connection pool.
func (service *Service) Close() error {
	return service.backend.Close()
}

// Resolve returns the account id mapped to identity, allocating one on first use.
func (service *Service) Resolve(ctx context.Context, identity Identity) (AccountID, error) {
	startedAt := service.nowFn()
	var (
		accountID      AccountID
		created        bool
		operationError error
	)
	if identity.IsZero() {
		operationError = fmt.Errorf("%w: empty value", ErrInvalidIdentity)
	} else {
		for attempt := 0; attempt < resolveAttempts; attempt++ {
			accountID, created, operationError = service.resolveOnce(ctx, identity)
			if !errors.Is(operationError, ErrIdentityConflict) {
				break
			}
		}
		operationError = classifyResolveError(operationError)
	}
	service.logOperation(ctx, startedAt, OperationLog{
		Operation: OperationResolve,
		AccountID: accountID,
		Identity:  identity,
		Applied:   created,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return accountID, nil
}

func (service *Service) resolveOnce(ctx context.Context, identity Identity) (AccountID, bool, error) {
	var (
		accountID AccountID
		created   bool
	)
	err := service.backend.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existingID, found, err := transactionStore.FindAccountID(ctx, identity)
		if err != nil {
			return err
		}
		if found {
			accountID = existingID
			return nil
		}
		if err := transactionStore.InsertAccount(ctx, identity); err != nil {
			return err
		}
		allocatedID, found, err := transactionStore.FindAccountID(ctx, identity)
		if err != nil {
			return err
		}
		if !found {
			return WrapError(errorOperationService, errorSubjectIdentity, errorCodeAllocate, ErrIdentityAllocationInconsistent)
		}
		accountID = allocatedID
		created = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return accountID, created, nil
}

func classifyResolveError(err error) error {
	if err == nil || errors.Is(err, ErrIdentityAllocationInconsistent) {
		return err
	}
	return WrapError(errorOperationService, errorSubjectIdentity, errorCodeResolve, fmt.Errorf("%w: %w", ErrIdentityResolutionFailed, err))
}

// IdentityOf returns the identity mapped to accountID; found is false for unknown ids.
func (service *Service) IdentityOf(ctx context.Context, accountID AccountID) (Identity, bool, error) {
	return service.backend.FindIdentity(ctx, accountID)
}

// Balance returns the stored amount; found is false when the account has no ledger row.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Amount, bool, error) {
	return service.backend.GetBalance(ctx, accountID)
}

// CreateAccount inserts a balance row; it returns false when one already exists.
func (service *Service) CreateAccount(ctx context.Context, accountID AccountID, initial Amount) (bool, error) {
	startedAt := service.nowFn()
	created, operationError := service.backend.InsertBalance(ctx, accountID, initial)
	service.logOperation(ctx, startedAt, OperationLog{
		Operation: OperationCreateAccount,
		AccountID: accountID,
		Amount:    initial,
		Applied:   created,
		Error:     operationError,
	})
	return created, operationError
}

// RemoveAccount deletes the balance row; it returns false when none existed.
// The identity mapping is kept so the same identity resolves to the same id again.
func (service *Service) RemoveAccount(ctx context.Context, accountID AccountID) (bool, error) {
	startedAt := service.nowFn()
	removed, operationError := service.backend.DeleteBalance(ctx, accountID)
	service.logOperation(ctx, startedAt, OperationLog{
		Operation: OperationRemoveAccount,
		AccountID: accountID,
		Applied:   removed,
		Error:     operationError,
	})
	return removed, operationError
}

// SetBalance overwrites the balance; it returns false when no row exists and never creates one.
func (service *Service) SetBalance(ctx context.Context, accountID AccountID, amount Amount) (bool, error) {
	startedAt := service.nowFn()
	updated, operationError := service.backend.UpdateBalance(ctx, accountID, amount)
	service.logOperation(ctx, startedAt, OperationLog{
		Operation: OperationSetBalance,
		AccountID: accountID,
		Amount:    amount,
		Applied:   updated,
		Error:     operationError,
	})
	return updated, operationError
}

// Deposit adds delta (negative for withdrawals) in a single backend statement.
// Non-negativity is the caller's policy, not enforced here.
func (service *Service) Deposit(ctx context.Context, accountID AccountID, delta Amount) (bool, error) {
	startedAt := service.nowFn()
	updated, operationError := service.backend.AddToBalance(ctx, accountID, delta)
	service.logOperation(ctx, startedAt, OperationLog{
		Operation: OperationDeposit,
		AccountID: accountID,
		Amount:    delta,
		Applied:   updated,
		Error:     operationError,
	})
	return updated, operationError
}

// Top lists balances in descending order. Ties have no stable order.
// The backend sorts the whole balance relation on every call.
func (service *Service) Top(ctx context.Context, limit int, offset int) ([]RankEntry, error) {
	if limit < 0 || offset < 0 {
		return nil, fmt.Errorf("%w: limit %d offset %d", ErrInvalidPagination, limit, offset)
	}
	if limit == 0 {
		return []RankEntry{}, nil
	}
	return service.backend.ListTopBalances(ctx, limit, offset)
}

func (service *Service) logOperation(ctx context.Context, startedAt time.Time, entry OperationLog) {
	if len(service.loggers) == 0 {
		return
	}
	entry.Duration = service.nowFn().Sub(startedAt)
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = OperationStatusError
		} else {
			entry.Status = OperationStatusOK
		}
	}
	for _, logger := range service.loggers {
		logger.LogOperation(ctx, entry)
	}
}
