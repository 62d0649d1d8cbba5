package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
)

const stubBackendName = "stub"

// stubBackend is an in-memory Backend with error injection.
type stubBackend struct {
	mu            sync.Mutex
	nextAccountID AccountID
	accounts      map[Identity]AccountID
	balances      map[AccountID]Amount
	externalRows  []Identity
	closed        bool
	transactions  int

	txError             error
	findError           error
	insertAccountError  error
	insertConflicts     int
	dropInsertedRows    bool
	findIdentityError   error
	balanceError        error
	topError            error
	exportAccountsError error
	exportBalancesError error
	putBalanceError     error
}

type stubSink struct {
	backend *stubBackend
}

func newStubBackend(test *testing.T) *stubBackend {
	test.Helper()
	return &stubBackend{
		accounts: map[Identity]AccountID{},
		balances: map[AccountID]Amount{},
	}
}

func (backend *stubBackend) Name() string { return stubBackendName }

func (backend *stubBackend) EnsureSchema(context.Context) error { return nil }

func (backend *stubBackend) Ping(context.Context) error { return backend.txError }

func (backend *stubBackend) Close() error {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	backend.closed = true
	return nil
}

func (backend *stubBackend) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if backend.txError != nil {
		return backend.txError
	}
	accounts, balances, nextAccountID := backend.snapshot()
	err := fn(ctx, backend)
	backend.mu.Lock()
	defer backend.mu.Unlock()
	backend.transactions++
	if err != nil {
		backend.accounts = accounts
		backend.balances = balances
		backend.nextAccountID = nextAccountID
	}
	for _, identity := range backend.externalRows {
		if _, exists := backend.accounts[identity]; !exists {
			backend.nextAccountID++
			backend.accounts[identity] = backend.nextAccountID
		}
	}
	backend.externalRows = nil
	return err
}

func (backend *stubBackend) FindAccountID(_ context.Context, identity Identity) (AccountID, bool, error) {
	if backend.findError != nil {
		return 0, false, backend.findError
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	accountID, found := backend.accounts[identity]
	return accountID, found, nil
}

func (backend *stubBackend) InsertAccount(_ context.Context, identity Identity) error {
	if backend.insertAccountError != nil {
		return backend.insertAccountError
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if backend.insertConflicts > 0 {
		backend.insertConflicts--
		backend.externalRows = append(backend.externalRows, identity)
		return WrapError("store", "account", "duplicate", ErrIdentityConflict)
	}
	if _, exists := backend.accounts[identity]; exists {
		return WrapError("store", "account", "duplicate", ErrIdentityConflict)
	}
	if backend.dropInsertedRows {
		return nil
	}
	backend.nextAccountID++
	backend.accounts[identity] = backend.nextAccountID
	return nil
}

func (backend *stubBackend) FindIdentity(_ context.Context, accountID AccountID) (Identity, bool, error) {
	if backend.findIdentityError != nil {
		return Identity{}, false, backend.findIdentityError
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	for identity, mappedID := range backend.accounts {
		if mappedID == accountID {
			return identity, true, nil
		}
	}
	return Identity{}, false, nil
}

func (backend *stubBackend) GetBalance(_ context.Context, accountID AccountID) (Amount, bool, error) {
	if backend.balanceError != nil {
		return 0, false, backend.balanceError
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	amount, found := backend.balances[accountID]
	return amount, found, nil
}

func (backend *stubBackend) InsertBalance(_ context.Context, accountID AccountID, amount Amount) (bool, error) {
	if backend.balanceError != nil {
		return false, backend.balanceError
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if _, exists := backend.balances[accountID]; exists {
		return false, nil
	}
	backend.balances[accountID] = amount
	return true, nil
}

func (backend *stubBackend) DeleteBalance(_ context.Context, accountID AccountID) (bool, error) {
	if backend.balanceError != nil {
		return false, backend.balanceError
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if _, exists := backend.balances[accountID]; !exists {
		return false, nil
	}
	delete(backend.balances, accountID)
	return true, nil
}

func (backend *stubBackend) UpdateBalance(_ context.Context, accountID AccountID, amount Amount) (bool, error) {
	if backend.balanceError != nil {
		return false, backend.balanceError
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if _, exists := backend.balances[accountID]; !exists {
		return false, nil
	}
	backend.balances[accountID] = amount
	return true, nil
}

func (backend *stubBackend) AddToBalance(_ context.Context, accountID AccountID, delta Amount) (bool, error) {
	if backend.balanceError != nil {
		return false, backend.balanceError
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	current, exists := backend.balances[accountID]
	if !exists {
		return false, nil
	}
	backend.balances[accountID] = current + delta
	return true, nil
}

func (backend *stubBackend) ListTopBalances(_ context.Context, limit int, offset int) ([]RankEntry, error) {
	if backend.topError != nil {
		return nil, backend.topError
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	entries := make([]RankEntry, 0, len(backend.balances))
	for accountID, amount := range backend.balances {
		entries = append(entries, RankEntry{AccountID: accountID, Amount: amount})
	}
	sort.Slice(entries, func(left, right int) bool {
		if entries[left].Amount == entries[right].Amount {
			return entries[left].AccountID < entries[right].AccountID
		}
		return entries[left].Amount > entries[right].Amount
	})
	if offset >= len(entries) {
		return []RankEntry{}, nil
	}
	end := offset + limit
	if end > len(entries) {
		end = len(entries)
	}
	return entries[offset:end], nil
}

func (backend *stubBackend) ExportAccounts(_ context.Context, fn func(account Account) error) error {
	if backend.exportAccountsError != nil {
		return backend.exportAccountsError
	}
	for _, account := range backend.sortedAccounts() {
		if err := fn(account); err != nil {
			return err
		}
	}
	return nil
}

func (backend *stubBackend) ExportBalances(_ context.Context, fn func(record BalanceRecord) error) error {
	for index, record := range backend.sortedBalances() {
		if backend.exportBalancesError != nil && index > 0 {
			return backend.exportBalancesError
		}
		if err := fn(record); err != nil {
			return err
		}
	}
	if backend.exportBalancesError != nil {
		return backend.exportBalancesError
	}
	return nil
}

func (backend *stubBackend) ReplaceAll(ctx context.Context, fn func(ctx context.Context, sink ImportSink) error) error {
	if backend.txError != nil {
		return backend.txError
	}
	accounts, balances, nextAccountID := backend.snapshot()
	backend.mu.Lock()
	backend.accounts = map[Identity]AccountID{}
	backend.balances = map[AccountID]Amount{}
	backend.mu.Unlock()
	if err := fn(ctx, stubSink{backend: backend}); err != nil {
		backend.mu.Lock()
		backend.accounts = accounts
		backend.balances = balances
		backend.nextAccountID = nextAccountID
		backend.mu.Unlock()
		return err
	}
	return nil
}

func (sink stubSink) PutAccount(_ context.Context, account Account) error {
	sink.backend.mu.Lock()
	defer sink.backend.mu.Unlock()
	sink.backend.accounts[account.Identity] = account.ID
	if account.ID > sink.backend.nextAccountID {
		sink.backend.nextAccountID = account.ID
	}
	return nil
}

func (sink stubSink) PutBalance(_ context.Context, record BalanceRecord) error {
	if sink.backend.putBalanceError != nil {
		return sink.backend.putBalanceError
	}
	sink.backend.mu.Lock()
	defer sink.backend.mu.Unlock()
	sink.backend.balances[record.AccountID] = record.Amount
	return nil
}

func (backend *stubBackend) snapshot() (map[Identity]AccountID, map[AccountID]Amount, AccountID) {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	accounts := make(map[Identity]AccountID, len(backend.accounts))
	for identity, accountID := range backend.accounts {
		accounts[identity] = accountID
	}
	balances := make(map[AccountID]Amount, len(backend.balances))
	for accountID, amount := range backend.balances {
		balances[accountID] = amount
	}
	return accounts, balances, backend.nextAccountID
}

func (backend *stubBackend) sortedAccounts() []Account {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	accounts := make([]Account, 0, len(backend.accounts))
	for identity, accountID := range backend.accounts {
		accounts = append(accounts, Account{ID: accountID, Identity: identity})
	}
	sort.Slice(accounts, func(left, right int) bool { return accounts[left].ID < accounts[right].ID })
	return accounts
}

func (backend *stubBackend) sortedBalances() []BalanceRecord {
	backend.mu.Lock()
	defer backend.mu.Unlock()
	records := make([]BalanceRecord, 0, len(backend.balances))
	for accountID, amount := range backend.balances {
		records = append(records, BalanceRecord{AccountID: accountID, Amount: amount})
	}
	sort.Slice(records, func(left, right int) bool { return records[left].AccountID < records[right].AccountID })
	return records
}

func (backend *stubBackend) seedAccount(test *testing.T, accountID AccountID, identity Identity, amount Amount) {
	test.Helper()
	backend.mu.Lock()
	defer backend.mu.Unlock()
	backend.accounts[identity] = accountID
	backend.balances[accountID] = amount
	if accountID > backend.nextAccountID {
		backend.nextAccountID = accountID
	}
}

func mustNewService(test *testing.T, backend Backend, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(backend, options...)
	if err != nil {
		test.Fatalf("service init failed: %v", err)
	}
	return service
}

func mustIdentity(test *testing.T, raw string) Identity {
	test.Helper()
	identity, err := ParseIdentity(raw)
	if err != nil {
		test.Fatalf("identity %q: %v", raw, err)
	}
	return identity
}

func newIdentity(test *testing.T) Identity {
	test.Helper()
	identity, err := NewIdentity(uuid.New())
	if err != nil {
		test.Fatalf("identity: %v", err)
	}
	return identity
}

func mustBalance(test *testing.T, service *Service, accountID AccountID) Amount {
	test.Helper()
	amount, found, err := service.Balance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance %d: %v", accountID, err)
	}
	if !found {
		test.Fatalf("expected balance row for account %d", accountID)
	}
	return amount
}

func describeEntries(entries []RankEntry) string {
	return fmt.Sprintf("%+v", entries)
}
