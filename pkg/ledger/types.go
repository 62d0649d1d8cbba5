package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountID is the locally issued integer paired with one Identity.
type AccountID int64

// Amount is a signed balance in minor currency units.
type Amount int64

// Identity is the externally supplied 128-bit value identifying an account holder.
type Identity struct {
	value uuid.UUID
}

// Account pairs an account id with its identity.
type Account struct {
	ID       AccountID
	Identity Identity
}

// BalanceRecord is one row of the balance relation.
type BalanceRecord struct {
	AccountID AccountID
	Amount    Amount
}

// RankEntry is one row of a ranking page.
type RankEntry struct {
	AccountID AccountID
	Amount    Amount
}

// NewIdentity wraps a UUID, rejecting the nil UUID.
func NewIdentity(value uuid.UUID) (Identity, error) {
	if value == uuid.Nil {
		return Identity{}, fmt.Errorf("%w: nil uuid", ErrInvalidIdentity)
	}
	return Identity{value: value}, nil
}

// ParseIdentity parses the textual UUID form.
func ParseIdentity(raw string) (Identity, error) {
	parsed, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return NewIdentity(parsed)
}

// IdentityFromBytes decodes the fixed-width 16 byte encoding.
func IdentityFromBytes(raw []byte) (Identity, error) {
	parsed, err := uuid.FromBytes(raw)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	return NewIdentity(parsed)
}

// UUID returns the underlying UUID.
func (identity Identity) UUID() uuid.UUID {
	return identity.value
}

// Bytes returns the fixed-width 16 byte encoding.
func (identity Identity) Bytes() []byte {
	encoded := make([]byte, len(identity.value))
	copy(encoded, identity.value[:])
	return encoded
}

// String returns the canonical textual form.
func (identity Identity) String() string {
	return identity.value.String()
}

// IsZero reports whether the identity was never set.
func (identity Identity) IsZero() bool {
	return identity.value == uuid.Nil
}

// NewAccountID validates a raw account id.
func NewAccountID(raw int64) (AccountID, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAccountID)
	}
	return AccountID(raw), nil
}

// Int64 returns the raw id.
func (id AccountID) Int64() int64 {
	return int64(id)
}

// Int64 returns the raw amount.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// Store is the persistence contract used by Service.
// Every method is either fully applied or not applied at all.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	FindAccountID(ctx context.Context, identity Identity) (AccountID, bool, error)
	// InsertAccount returns an error matching ErrIdentityConflict when the identity already exists.
	InsertAccount(ctx context.Context, identity Identity) error
	FindIdentity(ctx context.Context, accountID AccountID) (Identity, bool, error)
	GetBalance(ctx context.Context, accountID AccountID) (Amount, bool, error)
	InsertBalance(ctx context.Context, accountID AccountID, amount Amount) (bool, error)
	DeleteBalance(ctx context.Context, accountID AccountID) (bool, error)
	UpdateBalance(ctx context.Context, accountID AccountID, amount Amount) (bool, error)
	AddToBalance(ctx context.Context, accountID AccountID, delta Amount) (bool, error)
	ListTopBalances(ctx context.Context, limit int, offset int) ([]RankEntry, error)
}

// Exporter streams every row of a ledger in the source role of a conversion.
type Exporter interface {
	ExportAccounts(ctx context.Context, fn func(account Account) error) error
	ExportBalances(ctx context.Context, fn func(record BalanceRecord) error) error
}

// ImportSink receives rows inside the destination transaction of a conversion.
type ImportSink interface {
	PutAccount(ctx context.Context, account Account) error
	PutBalance(ctx context.Context, record BalanceRecord) error
}

// Importer replaces a ledger's contents in a single transaction.
// ReplaceAll deletes every account and balance row, hands fn a sink, and commits only when fn succeeds.
type Importer interface {
	ReplaceAll(ctx context.Context, fn func(ctx context.Context, sink ImportSink) error) error
}

// Backend is a fully initialized storage driver owning its connection pool.
type Backend interface {
	Store
	Exporter
	Importer
	Name() string
	EnsureSchema(ctx context.Context) error
	// Ping acquires a pooled connection and checks the backend answers.
	Ping(ctx context.Context) error
	Close() error
}
