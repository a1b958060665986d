package usecase

import (
	"context"
	"errors"
	"fmt"
	"mpesa_backend/internal/daraja"
	"mpesa_backend/internal/domain"
	"mpesa_backend/internal/metrics"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// ErrNoCheckoutRequestID is returned when a status query is attempted on a
// transaction whose push was never assigned a checkout request id. Checked
// before any provider call.
var ErrNoCheckoutRequestID = errors.New("transaction has no checkout request id")

// Provider is the Daraja collaborator as the reconciliation core needs it.
type Provider interface {
	STKPush(ctx context.Context, phone string, amount decimal.Decimal) (*daraja.PushResponse, error)
	QueryStatus(ctx context.Context, checkoutID string) (*daraja.QueryResponse, error)
}

// Query result codes Daraja documents as definitive failures. Anything else
// non-zero on the query path leaves the transaction pending.
var queryFailureCodes = map[string]bool{
	"1":    true,
	"2":    true,
	"1032": true,
	"2001": true,
}

type PaymentUsecase struct {
	store    domain.TransactionStore
	provider Provider
}

func NewPaymentUsecase(store domain.TransactionStore, provider Provider) *PaymentUsecase {
	return &PaymentUsecase{store: store, provider: provider}
}

// Initiate creates a PENDING transaction and asks Daraja to push the payment
// prompt. A synchronous reject or a provider failure marks the transaction
// FAILED immediately; the asynchronous callback resolves accepted pushes.
func (u *PaymentUsecase) Initiate(ctx context.Context, phone string, amount decimal.Decimal) (*domain.Transaction, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("amount must be > 0")
	}

	txn, err := u.store.Create(ctx, phone, amount)
	if err != nil {
		return nil, err
	}

	push, err := u.provider.STKPush(ctx, phone, amount)
	if err != nil {
		metrics.PaymentsInitiated.WithLabelValues("provider_error").Inc()
		log.WithFields(log.Fields{
			"transaction_id": txn.ID,
			"error":          err.Error(),
		}).Warn("STK push call failed")

		if _, ferr := u.store.Finalize(ctx, txn.ID, domain.Finalization{
			Status:     domain.StatusFailed,
			ResultDesc: err.Error(),
		}); ferr != nil {
			return nil, ferr
		}

		failed, gerr := u.store.GetByID(ctx, txn.ID)
		if gerr != nil {
			return nil, gerr
		}
		return failed, fmt.Errorf("stk push failed: %w", err)
	}

	if !push.Accepted {
		metrics.PaymentsInitiated.WithLabelValues("rejected").Inc()

		code := push.ErrorCode
		desc := push.ErrorMessage
		if code == "" {
			code = push.ResponseCode
			desc = push.ResponseDesc
		}

		if _, ferr := u.store.Finalize(ctx, txn.ID, domain.Finalization{
			Status:     domain.StatusFailed,
			ResultCode: code,
			ResultDesc: desc,
		}); ferr != nil {
			return nil, ferr
		}

		return u.store.GetByID(ctx, txn.ID)
	}

	if push.CheckoutRequestID != "" {
		if err := u.store.AttachCheckoutID(ctx, txn.ID, push.CheckoutRequestID); err != nil {
			return nil, err
		}
	}

	metrics.PaymentsInitiated.WithLabelValues("accepted").Inc()
	log.WithFields(log.Fields{
		"transaction_id":      txn.ID,
		"checkout_request_id": push.CheckoutRequestID,
		"amount":              amount.String(),
	}).Info("STK push accepted")

	return u.store.GetByID(ctx, txn.ID)
}

// CallbackResult is the caller-visible outcome of processing one callback.
type CallbackResult struct {
	Matched     bool
	Applied     bool
	Transaction *domain.Transaction
}

// HandleCallback reconciles one asynchronous Daraja notification. Orphans
// (no matching transaction) are not errors: the provider still gets an
// acknowledgment so it stops retrying.
func (u *PaymentUsecase) HandleCallback(ctx context.Context, raw []byte) (*CallbackResult, error) {
	n, err := ParseCallback(raw)
	if err != nil {
		metrics.CallbacksTotal.WithLabelValues("malformed").Inc()
		return nil, err
	}

	txn, err := u.resolve(ctx, n)
	if err != nil {
		return nil, err
	}

	if txn == nil {
		metrics.CallbacksTotal.WithLabelValues("ignored").Inc()
		log.WithFields(log.Fields{
			"checkout_request_id": n.CheckoutRequestID,
			"phone_number":        n.PhoneNumber,
		}).Info("Callback matched no transaction, ignoring")
		return &CallbackResult{Matched: false}, nil
	}

	applied, fresh, err := u.apply(ctx, txn, n)
	if err != nil {
		return nil, err
	}

	if applied {
		metrics.CallbacksTotal.WithLabelValues(normalizeOutcome(n.ResultCode)).Inc()
	} else {
		metrics.CallbacksTotal.WithLabelValues("duplicate").Inc()
	}

	log.WithFields(log.Fields{
		"transaction_id": fresh.ID,
		"status":         fresh.Status,
		"result_code":    n.ResultCode,
		"applied":        applied,
	}).Info("Callback reconciled")

	return &CallbackResult{Matched: true, Applied: applied, Transaction: fresh}, nil
}

// resolve correlates a notification with a transaction. Checkout request id
// wins; the phone-number fallback covers accepts that never carried one.
// A nil, nil return means orphan.
func (u *PaymentUsecase) resolve(ctx context.Context, n *Notification) (*domain.Transaction, error) {
	if n.CheckoutRequestID != "" {
		txn, err := u.store.FindByCheckoutID(ctx, n.CheckoutRequestID)
		if err == nil {
			return txn, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	if n.PhoneNumber != "" {
		txn, err := u.store.FindLatestPendingByPhone(ctx, n.PhoneNumber)
		if err == nil {
			return txn, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	return nil, nil
}

// apply is the state transition engine. Terminal rows absorb duplicates as
// audit-only no-ops; pending rows are finalized through the store's
// conditional update so a concurrent writer cannot double-resolve.
func (u *PaymentUsecase) apply(ctx context.Context, txn *domain.Transaction, n *Notification) (bool, *domain.Transaction, error) {
	if txn.IsTerminal() {
		if n.Raw != nil {
			if err := u.store.RecordCallback(ctx, txn.ID, n.Raw); err != nil {
				log.WithField("transaction_id", txn.ID).WithError(err).Warn("Audit write failed")
			}
		}
		return false, txn, nil
	}

	f := domain.Finalization{
		ResultCode:  n.ResultCode,
		ResultDesc:  n.ResultDesc,
		RawCallback: n.Raw,
	}

	if n.ResultCode == "0" {
		f.Status = domain.StatusSuccess
		f.MpesaReceipt = n.Receipt
		// the provider-confirmed amount is authoritative over the
		// originally requested one
		f.ConfirmedAmount = n.Amount
	} else {
		f.Status = domain.StatusFailed
	}

	applied, err := u.store.Finalize(ctx, txn.ID, f)
	if err != nil {
		return false, nil, err
	}

	if !applied && n.Raw != nil {
		if err := u.store.RecordCallback(ctx, txn.ID, n.Raw); err != nil {
			log.WithField("transaction_id", txn.ID).WithError(err).Warn("Audit write failed")
		}
	}

	fresh, err := u.store.GetByID(ctx, txn.ID)
	if err != nil {
		return false, nil, err
	}

	return applied, fresh, nil
}

// QueryResult reports a pull-path status check. Definitive is false when the
// provider's code is unrecognized and the transaction stays PENDING.
type QueryResult struct {
	Transaction *domain.Transaction
	ResultCode  string
	ResultDesc  string
	Definitive  bool
}

// Query asks Daraja for the outcome of an accepted push and applies the
// answer through the same engine as the callback path. Already-terminal
// transactions are returned as stored without a provider call.
func (u *PaymentUsecase) Query(ctx context.Context, id string) (*QueryResult, error) {
	txn, err := u.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if txn.IsTerminal() {
		return &QueryResult{
			Transaction: txn,
			ResultCode:  txn.ResultCode,
			ResultDesc:  txn.ResultDesc,
			Definitive:  true,
		}, nil
	}

	if txn.CheckoutRequestID == "" {
		return nil, ErrNoCheckoutRequestID
	}

	qr, err := u.provider.QueryStatus(ctx, txn.CheckoutRequestID)
	if err != nil {
		// transaction stays PENDING; the failure is the caller's to see
		return nil, fmt.Errorf("status query failed: %w", err)
	}

	if qr.ResultCode != "0" && !queryFailureCodes[qr.ResultCode] {
		log.WithFields(log.Fields{
			"transaction_id": txn.ID,
			"result_code":    qr.ResultCode,
		}).Info("Query result inconclusive, transaction stays pending")
		return &QueryResult{
			Transaction: txn,
			ResultCode:  qr.ResultCode,
			ResultDesc:  qr.ResultDesc,
			Definitive:  false,
		}, nil
	}

	n := &Notification{
		CheckoutRequestID: txn.CheckoutRequestID,
		ResultCode:        qr.ResultCode,
		ResultDesc:        qr.ResultDesc,
	}

	_, fresh, err := u.apply(ctx, txn, n)
	if err != nil {
		return nil, err
	}

	return &QueryResult{
		Transaction: fresh,
		ResultCode:  qr.ResultCode,
		ResultDesc:  qr.ResultDesc,
		Definitive:  true,
	}, nil
}

func normalizeOutcome(resultCode string) string {
	if resultCode == "0" {
		return "success"
	}
	return "failed"
}
