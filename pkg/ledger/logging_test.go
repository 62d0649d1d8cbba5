package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recorderLogger) snapshot() []OperationLog {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	return append([]OperationLog(nil), logger.entries...)
}

type steppingClock struct {
	current time.Time
	step    time.Duration
}

func (clock *steppingClock) now() time.Time {
	clock.current = clock.current.Add(clock.step)
	return clock.current
}

func TestServiceLogsDepositOperation(test *testing.T) {
	test.Parallel()
	backend := newStubBackend(test)
	backend.seedAccount(test, 1, newIdentity(test), 100)
	logger := &recorderLogger{}
	clock := &steppingClock{current: time.Unix(1700000000, 0), step: 5 * time.Millisecond}
	service := mustNewService(test, backend, WithOperationLogger(logger), WithClock(clock.now))

	if _, err := service.Deposit(context.Background(), 1, 25); err != nil {
		test.Fatalf("deposit failed: %v", err)
	}
	entries := logger.snapshot()
	if len(entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Operation != OperationDeposit || entry.AccountID != 1 || entry.Amount != 25 || !entry.Applied {
		test.Fatalf("unexpected log entry: %+v", entry)
	}
	if entry.Error != nil || entry.Status != OperationStatusOK {
		test.Fatalf("expected successful log entry, got %+v", entry)
	}
	if entry.Duration != 5*time.Millisecond {
		test.Fatalf("expected 5ms duration, got %s", entry.Duration)
	}
}

func TestServiceLogsErrorStatus(test *testing.T) {
	test.Parallel()
	backend := newStubBackend(test)
	backend.balanceError = errors.New("boom")
	logger := &recorderLogger{}
	service := mustNewService(test, backend, WithOperationLogger(logger))

	if _, err := service.SetBalance(context.Background(), 1, 10); err == nil {
		test.Fatalf("expected error")
	}
	entries := logger.snapshot()
	if len(entries) != 1 {
		test.Fatalf("expected one log entry, got %d", len(entries))
	}
	if entries[0].Status != OperationStatusError || entries[0].Error == nil || entries[0].Applied {
		test.Fatalf("expected error log entry, got %+v", entries[0])
	}
}

func TestServiceLogsResolveCreation(test *testing.T) {
	test.Parallel()
	backend := newStubBackend(test)
	logger := &recorderLogger{}
	service := mustNewService(test, backend, WithOperationLogger(logger))
	identity := newIdentity(test)

	for attempt := 0; attempt < 2; attempt++ {
		if _, err := service.Resolve(context.Background(), identity); err != nil {
			test.Fatalf("resolve failed: %v", err)
		}
	}
	entries := logger.snapshot()
	if len(entries) != 2 {
		test.Fatalf("expected two log entries, got %d", len(entries))
	}
	if !entries[0].Applied || entries[1].Applied {
		test.Fatalf("expected only the first resolve to allocate, got %+v", entries)
	}
	if entries[0].Identity != identity || entries[0].AccountID != entries[1].AccountID {
		test.Fatalf("unexpected resolve entries: %+v", entries)
	}
}

func TestServiceWithMultipleLoggers(test *testing.T) {
	test.Parallel()
	backend := newStubBackend(test)
	first := &recorderLogger{}
	second := &recorderLogger{}
	service := mustNewService(test, backend, WithOperationLogger(first), WithOperationLogger(nil), WithOperationLogger(second))

	if _, err := service.CreateAccount(context.Background(), 3, 0); err != nil {
		test.Fatalf("create failed: %v", err)
	}
	if len(first.snapshot()) != 1 || len(second.snapshot()) != 1 {
		test.Fatalf("expected both loggers to receive the entry")
	}
}
