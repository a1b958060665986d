package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TxStatus string

const (
	StatusPending TxStatus = "PENDING"
	StatusSuccess TxStatus = "SUCCESS"
	StatusFailed  TxStatus = "FAILED"
)

// Transaction is one STK push attempt. CheckoutRequestID is assigned by
// Daraja on synchronous accept and may stay empty when the accept never
// carried one; such rows remain matchable by phone number.
type Transaction struct {
	Seq               int64
	ID                string
	PhoneNumber       string
	Amount            decimal.Decimal
	CheckoutRequestID string
	MpesaReceipt      string
	ResultCode        string
	ResultDesc        string
	Status            TxStatus
	RawCallback       []byte
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsTerminal reports whether the transaction has been resolved. A terminal
// row never transitions again; only the raw callback audit field may change.
func (t *Transaction) IsTerminal() bool {
	return t.Status == StatusSuccess || t.Status == StatusFailed
}
