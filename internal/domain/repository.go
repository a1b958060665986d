package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when no transaction matches the lookup key.
	ErrNotFound = errors.New("transaction not found")

	// ErrCheckoutIDConflict is returned when a checkout request id is
	// attached to a transaction that already holds a different one, or when
	// another transaction already holds the same id.
	ErrCheckoutIDConflict = errors.New("checkout request id conflict")
)

// Finalization is the terminal write applied by the state transition engine.
// The store must apply it only while the row is still PENDING.
type Finalization struct {
	Status          TxStatus
	MpesaReceipt    string
	ConfirmedAmount *decimal.Decimal
	ResultCode      string
	ResultDesc      string
	RawCallback     []byte
}

// TransactionStore is the durable record of payment attempts.
type TransactionStore interface {
	Create(ctx context.Context, phoneNumber string, amount decimal.Decimal) (*Transaction, error)

	GetByID(ctx context.Context, id string) (*Transaction, error)

	// AttachCheckoutID sets the checkout request id on a PENDING
	// transaction. The operation is atomic with respect to concurrent
	// lookups and enforces that a non-empty id belongs to at most one row.
	// Re-attaching the same id is a no-op; a different id is a conflict.
	AttachCheckoutID(ctx context.Context, id, checkoutID string) error

	FindByCheckoutID(ctx context.Context, checkoutID string) (*Transaction, error)

	// FindLatestPendingByPhone returns the most recently created PENDING
	// transaction for the phone number. Best-effort fallback for callbacks
	// that match no checkout request id; inherently racy when a customer
	// has two concurrent pending payments (most recent wins).
	FindLatestPendingByPhone(ctx context.Context, phoneNumber string) (*Transaction, error)

	// Finalize applies f only if the row is still PENDING and reports
	// whether the transition took effect. A false return with nil error
	// means another writer already resolved the transaction.
	Finalize(ctx context.Context, id string, f Finalization) (bool, error)

	// RecordCallback stores the raw callback payload for audit. Legal on
	// terminal rows; touches nothing but the audit field and UpdatedAt.
	RecordCallback(ctx context.Context, id string, raw []byte) error
}
