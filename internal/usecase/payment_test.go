package usecase

import (
	"context"
	"fmt"
	"mpesa_backend/internal/daraja"
	"mpesa_backend/internal/domain"
	"mpesa_backend/internal/repository"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockProvider is a mock implementation of Provider for testing
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) STKPush(ctx context.Context, phone string, amount decimal.Decimal) (*daraja.PushResponse, error) {
	args := m.Called(ctx, phone, amount)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*daraja.PushResponse), args.Error(1)
}

func (m *MockProvider) QueryStatus(ctx context.Context, checkoutID string) (*daraja.QueryResponse, error) {
	args := m.Called(ctx, checkoutID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*daraja.QueryResponse), args.Error(1)
}

func newTestRepo(t *testing.T) *repository.SQLiteRepo {
	t.Helper()
	repo, err := repository.NewSQLiteRepo(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func acceptedPush(checkoutID string) *daraja.PushResponse {
	return &daraja.PushResponse{
		Accepted:          true,
		MerchantRequestID: "29115-34620561-1",
		CheckoutRequestID: checkoutID,
		ResponseCode:      "0",
		ResponseDesc:      "Success. Request accepted for processing",
	}
}

func successCallback(checkoutID, receipt, phone, amount string) []byte {
	return []byte(fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"CheckoutRequestID": %q,
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": %s},
						{"Name": "MpesaReceiptNumber", "Value": %q},
						{"Name": "PhoneNumber", "Value": %s}
					]
				}
			}
		}
	}`, checkoutID, amount, receipt, phone))
}

func failedCallback(checkoutID string, code int) []byte {
	return []byte(fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"CheckoutRequestID": %q,
				"ResultCode": %d,
				"ResultDesc": "Request cancelled by user."
			}
		}
	}`, checkoutID, code))
}

func TestInitiate_AcceptAttachesCheckoutID(t *testing.T) {
	repo := newTestRepo(t)
	provider := new(MockProvider)
	uc := NewPaymentUsecase(repo, provider)

	amount := decimal.NewFromInt(100)
	provider.On("STKPush", mock.Anything, "254708374149", amount).Return(acceptedPush("ABC"), nil)

	txn, err := uc.Initiate(context.Background(), "254708374149", amount)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, txn.Status)
	assert.Equal(t, "ABC", txn.CheckoutRequestID)
	assert.True(t, txn.Amount.Equal(amount))
	provider.AssertExpectations(t)
}

func TestInitiate_SyncRejectMarksFailed(t *testing.T) {
	repo := newTestRepo(t)
	provider := new(MockProvider)
	uc := NewPaymentUsecase(repo, provider)

	provider.On("STKPush", mock.Anything, mock.Anything, mock.Anything).Return(&daraja.PushResponse{
		Accepted:     false,
		ErrorCode:    "500.001.1001",
		ErrorMessage: "Invalid Access Token",
	}, nil)

	txn, err := uc.Initiate(context.Background(), "254708374149", decimal.NewFromInt(100))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusFailed, txn.Status)
	assert.Equal(t, "500.001.1001", txn.ResultCode)
	assert.Equal(t, "Invalid Access Token", txn.ResultDesc)
}

func TestInitiate_ProviderFailureMarksFailed(t *testing.T) {
	repo := newTestRepo(t)
	provider := new(MockProvider)
	uc := NewPaymentUsecase(repo, provider)

	provider.On("STKPush", mock.Anything, mock.Anything, mock.Anything).Return(nil, fmt.Errorf("connection refused"))

	txn, err := uc.Initiate(context.Background(), "254708374149", decimal.NewFromInt(100))
	require.Error(t, err)
	require.NotNil(t, txn)

	assert.Equal(t, domain.StatusFailed, txn.Status)
	assert.Contains(t, txn.ResultDesc, "connection refused")
}

func TestInitiate_RejectsNonPositiveAmount(t *testing.T) {
	repo := newTestRepo(t)
	provider := new(MockProvider)
	uc := NewPaymentUsecase(repo, provider)

	_, err := uc.Initiate(context.Background(), "254708374149", decimal.Zero)
	require.Error(t, err)
	provider.AssertNotCalled(t, "STKPush")
}

// Scenario A: accepted push resolved SUCCESS by the callback.
func TestHandleCallback_SuccessByCheckoutID(t *testing.T) {
	repo := newTestRepo(t)
	provider := new(MockProvider)
	uc := NewPaymentUsecase(repo, provider)

	provider.On("STKPush", mock.Anything, mock.Anything, mock.Anything).Return(acceptedPush("ABC"), nil)
	txn, err := uc.Initiate(context.Background(), "254708374149", decimal.NewFromInt(100))
	require.NoError(t, err)

	res, err := uc.HandleCallback(context.Background(), successCallback("ABC", "R1", "254708374149", "100"))
	require.NoError(t, err)

	require.True(t, res.Matched)
	assert.True(t, res.Applied)
	assert.Equal(t, txn.ID, res.Transaction.ID)
	assert.Equal(t, domain.StatusSuccess, res.Transaction.Status)
	assert.Equal(t, "R1", res.Transaction.MpesaReceipt)
	assert.NotEmpty(t, res.Transaction.RawCallback)
}

// Scenario B: the same callback delivered twice is absorbed without change.
func TestHandleCallback_DuplicateIsNoOp(t *testing.T) {
	repo := newTestRepo(t)
	provider := new(MockProvider)
	uc := NewPaymentUsecase(repo, provider)

	provider.On("STKPush", mock.Anything, mock.Anything, mock.Anything).Return(acceptedPush("ABC"), nil)
	_, err := uc.Initiate(context.Background(), "254708374149", decimal.NewFromInt(100))
	require.NoError(t, err)

	payload := successCallback("ABC", "R1", "254708374149", "100")

	first, err := uc.HandleCallback(context.Background(), payload)
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := uc.HandleCallback(context.Background(), payload)
	require.NoError(t, err)

	assert.True(t, second.Matched)
	assert.False(t, second.Applied)
	assert.Equal(t, domain.StatusSuccess, second.Transaction.Status)
	assert.Equal(t, "R1", second.Transaction.MpesaReceipt)
	assert.True(t, second.Transaction.Amount.Equal(first.Transaction.Amount))
}

// No backward transition: a conflicting failure after success changes nothing.
func TestHandleCallback_ConflictingOutcomeAfterTerminal(t *testing.T) {
	repo := newTestRepo(t)
	provider := new(MockProvider)
	uc := NewPaymentUsecase(repo, provider)

	provider.On("STKPush", mock.Anything, mock.Anything, mock.Anything).Return(acceptedPush("ABC"), nil)
	_, err := uc.Initiate(context.Background(), "254708374149", decimal.NewFromInt(100))
	require.NoError(t, err)

	_, err = uc.HandleCallback(context.Background(), successCallback("ABC", "R1", "254708374149", "100"))
	require.NoError(t, err)

	res, err := uc.HandleCallback(context.Background(), failedCallback("ABC", 1032))
	require.NoError(t, err)

	assert.False(t, res.Applied)
	assert.Equal(t, domain.StatusSuccess, res.Transaction.Status)
	assert.Equal(t, "R1", res.Transaction.MpesaReceipt)
}

// Scenario C: accept without a checkout id, matched by phone fallback.
func TestHandleCallback_PhoneFallback(t *testing.T) {
	repo := newTestRepo(t)
	provider := new(MockProvider)
	uc := NewPaymentUsecase(repo, provider)

	provider.On("STKPush", mock.Anything, mock.Anything, mock.Anything).Return(acceptedPush(""), nil)
	txn, err := uc.Initiate(context.Background(), "254708374149", decimal.NewFromInt(100))
	require.NoError(t, err)
	require.Empty(t, txn.CheckoutRequestID)

	res, err := uc.HandleCallback(context.Background(), successCallback("ws_CO_unknown", "R2", "254708374149", "100"))
	require.NoError(t, err)

	require.True(t, res.Matched)
	assert.Equal(t, txn.ID, res.Transaction.ID)
	assert.Equal(t, domain.StatusSuccess, res.Transaction.Status)
	assert.Equal(t, "R2", res.Transaction.MpesaReceipt)
}

// Resolver precedence: an exact checkout id match beats a phone fallback
// that would pick a different pending transaction.
func TestHandleCallback_CheckoutIDWinsOverPhone(t *testing.T) {
	repo := newTestRepo(t)
	provider := new(MockProvider)
	uc := NewPaymentUsecase(repo, provider)

	provider.On("STKPush", mock.Anything, "254708374149", mock.Anything).Return(acceptedPush("KEYED"), nil).Once()
	keyed, err := uc.Initiate(context.Background(), "254708374149", decimal.NewFromInt(100))
	require.NoError(t, err)

	provider.On("STKPush", mock.Anything, "254700000000", mock.Anything).Return(acceptedPush(""), nil).Once()
	unkeyed, err := uc.Initiate(context.Background(), "254700000000", decimal.NewFromInt(50))
	require.NoError(t, err)

	// callback carries the first transaction's key but the second's phone
	res, err := uc.HandleCallback(context.Background(), successCallback("KEYED", "R3", "254700000000", "100"))
	require.NoError(t, err)

	require.True(t, res.Matched)
	assert.Equal(t, keyed.ID, res.Transaction.ID)

	other, err := repo.GetByID(context.Background(), unkeyed.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, other.Status)
}

// Phone fallback picks the most recently created pending transaction.
func TestHandleCallback_PhoneFallbackLatestWins(t *testing.T) {
	repo := newTestRepo(t)
	provider := new(MockProvider)
	uc := NewPaymentUsecase(repo, provider)

	provider.On("STKPush", mock.Anything, mock.Anything, mock.Anything).Return(acceptedPush(""), nil)

	_, err := uc.Initiate(context.Background(), "254708374149", decimal.NewFromInt(100))
	require.NoError(t, err)
	latest, err := uc.Initiate(context.Background(), "254708374149", decimal.NewFromInt(200))
	require.NoError(t, err)

	res, err := uc.HandleCallback(context.Background(), successCallback("", "R4", "254708374149", "200"))
	require.NoError(t, err)

	require.True(t, res.Matched)
	assert.Equal(t, latest.ID, res.Transaction.ID)
}

// Scenario D: callback for an unknown checkout id is acknowledged-ignored.
func TestHandleCallback_OrphanIgnored(t *testing.T) {
	repo := newTestRepo(t)
	provider := new(MockProvider)
	uc := NewPaymentUsecase(repo, provider)

	res, err := uc.HandleCallback(context.Background(), successCallback("NOPE", "R5", "254711111111", "10"))
	require.NoError(t, err)

	assert.False(t, res.Matched)
	assert.Nil(t, res.Transaction)
}

func TestHandleCallback_MalformedRejected(t *testing.T) {
	repo := newTestRepo(t)
	provider := new(MockProvider)
	uc := NewPaymentUsecase(repo, provider)

	_, err := uc.HandleCallback(context.Background(), []byte(`{"Body":{}}`))
	assert.ErrorIs(t, err, ErrMalformedCallback)
}

func TestHandleCallback_FailureOutcome(t *testing.T) {
	repo := newTestRepo(t)
	provider := new(MockProvider)
	uc := NewPaymentUsecase(repo, provider)

	provider.On("STKPush", mock.Anything, mock.Anything, mock.Anything).Return(acceptedPush("ABC"), nil)
	_, err := uc.Initiate(context.Background(), "254708374149", decimal.NewFromInt(100))
	require.NoError(t, err)

	res, err := uc.HandleCallback(context.Background(), failedCallback("ABC", 1032))
	require.NoError(t, err)

	assert.True(t, res.Applied)
	assert.Equal(t, domain.StatusFailed, res.Transaction.Status)
	assert.Equal(t, "1032", res.Transaction.ResultCode)
	assert.Empty(t, res.Transaction.MpesaReceipt)
}

// Confirmed amount from the provider overwrites the requested amount.
func TestHandleCallback_ConfirmedAmountOverwrites(t *testing.T) {
	repo := newTestRepo(t)
	provider := new(MockProvider)
	uc := NewPaymentUsecase(repo, provider)

	provider.On("STKPush", mock.Anything, mock.Anything, mock.Anything).Return(acceptedPush("ABC"), nil)
	_, err := uc.Initiate(context.Background(), "254708374149", decimal.NewFromInt(100))
	require.NoError(t, err)

	res, err := uc.HandleCallback(context.Background(), successCallback("ABC", "R6", "254708374149", "95"))
	require.NoError(t, err)

	assert.Equal(t, "95", res.Transaction.Amount.String())
}

// Scenario E: query without a checkout id fails before any provider call.
func TestQuery_NoCheckoutIDPrecondition(t *testing.T) {
	repo := newTestRepo(t)
	provider := new(MockProvider)
	uc := NewPaymentUsecase(repo, provider)

	provider.On("STKPush", mock.Anything, mock.Anything, mock.Anything).Return(acceptedPush(""), nil)
	txn, err := uc.Initiate(context.Background(), "254708374149", decimal.NewFromInt(100))
	require.NoError(t, err)

	_, err = uc.Query(context.Background(), txn.ID)
	assert.ErrorIs(t, err, ErrNoCheckoutRequestID)
	provider.AssertNotCalled(t, "QueryStatus", mock.Anything, mock.Anything)
}

// Scenario F: an unrecognized query result code leaves the row PENDING.
func TestQuery_UnknownCodeStaysPending(t *testing.T) {
	repo := newTestRepo(t)
	provider := new(MockProvider)
	uc := NewPaymentUsecase(repo, provider)

	provider.On("STKPush", mock.Anything, mock.Anything, mock.Anything).Return(acceptedPush("ABC"), nil)
	txn, err := uc.Initiate(context.Background(), "254708374149", decimal.NewFromInt(100))
	require.NoError(t, err)

	provider.On("QueryStatus", mock.Anything, "ABC").Return(&daraja.QueryResponse{
		ResultCode: "500.001.1001",
		ResultDesc: "The transaction is being processed",
	}, nil)

	res, err := uc.Query(context.Background(), txn.ID)
	require.NoError(t, err)

	assert.False(t, res.Definitive)
	assert.Equal(t, domain.StatusPending, res.Transaction.Status)
}

func TestQuery_SuccessCodeResolves(t *testing.T) {
	repo := newTestRepo(t)
	provider := new(MockProvider)
	uc := NewPaymentUsecase(repo, provider)

	provider.On("STKPush", mock.Anything, mock.Anything, mock.Anything).Return(acceptedPush("ABC"), nil)
	txn, err := uc.Initiate(context.Background(), "254708374149", decimal.NewFromInt(100))
	require.NoError(t, err)

	provider.On("QueryStatus", mock.Anything, "ABC").Return(&daraja.QueryResponse{
		ResultCode: "0",
		ResultDesc: "The service request is processed successfully.",
	}, nil)

	res, err := uc.Query(context.Background(), txn.ID)
	require.NoError(t, err)

	assert.True(t, res.Definitive)
	assert.Equal(t, domain.StatusSuccess, res.Transaction.Status)
}

func TestQuery_DefinitiveFailureCodeResolves(t *testing.T) {
	repo := newTestRepo(t)
	provider := new(MockProvider)
	uc := NewPaymentUsecase(repo, provider)

	provider.On("STKPush", mock.Anything, mock.Anything, mock.Anything).Return(acceptedPush("ABC"), nil)
	txn, err := uc.Initiate(context.Background(), "254708374149", decimal.NewFromInt(100))
	require.NoError(t, err)

	provider.On("QueryStatus", mock.Anything, "ABC").Return(&daraja.QueryResponse{
		ResultCode: "1032",
		ResultDesc: "Request cancelled by user.",
	}, nil)

	res, err := uc.Query(context.Background(), txn.ID)
	require.NoError(t, err)

	assert.True(t, res.Definitive)
	assert.Equal(t, domain.StatusFailed, res.Transaction.Status)
}

// Concurrent-arrival shape: callback resolves first, query must not call the
// provider again or flip the state.
func TestQuery_TerminalSkipsProvider(t *testing.T) {
	repo := newTestRepo(t)
	provider := new(MockProvider)
	uc := NewPaymentUsecase(repo, provider)

	provider.On("STKPush", mock.Anything, mock.Anything, mock.Anything).Return(acceptedPush("ABC"), nil)
	txn, err := uc.Initiate(context.Background(), "254708374149", decimal.NewFromInt(100))
	require.NoError(t, err)

	_, err = uc.HandleCallback(context.Background(), successCallback("ABC", "R7", "254708374149", "100"))
	require.NoError(t, err)

	res, err := uc.Query(context.Background(), txn.ID)
	require.NoError(t, err)

	assert.True(t, res.Definitive)
	assert.Equal(t, domain.StatusSuccess, res.Transaction.Status)
	provider.AssertNotCalled(t, "QueryStatus", mock.Anything, mock.Anything)
}

func TestQuery_ProviderFailureLeavesPending(t *testing.T) {
	repo := newTestRepo(t)
	provider := new(MockProvider)
	uc := NewPaymentUsecase(repo, provider)

	provider.On("STKPush", mock.Anything, mock.Anything, mock.Anything).Return(acceptedPush("ABC"), nil)
	txn, err := uc.Initiate(context.Background(), "254708374149", decimal.NewFromInt(100))
	require.NoError(t, err)

	provider.On("QueryStatus", mock.Anything, "ABC").Return(nil, fmt.Errorf("timeout"))

	_, err = uc.Query(context.Background(), txn.ID)
	require.Error(t, err)

	fresh, err := repo.GetByID(context.Background(), txn.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, fresh.Status)
}

func TestQuery_UnknownTransaction(t *testing.T) {
	repo := newTestRepo(t)
	provider := new(MockProvider)
	uc := NewPaymentUsecase(repo, provider)

	_, err := uc.Query(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
