package httpd

import (
	"encoding/json"
	"errors"
	"io"
	"mpesa_backend/internal/domain"
	"mpesa_backend/internal/metrics"
	"mpesa_backend/internal/repository"
	"mpesa_backend/internal/usecase"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const callbackPath = "/api/v1/payments/mpesa/callback"

type Handler struct {
	uc       *usecase.PaymentUsecase
	repo     *repository.SQLiteRepo
	validate *validator.Validate
}

func NewHandler(uc *usecase.PaymentUsecase, repo *repository.SQLiteRepo) *Handler {
	return &Handler{
		uc:       uc,
		repo:     repo,
		validate: validator.New(),
	}
}

func (h *Handler) Routes(sig SigConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Use(RequestLogger)
	r.Use(metrics.Middleware)

	sig.ExemptPaths = append(sig.ExemptPaths, callbackPath)
	r.Use(SignatureMiddleware(sig))

	r.Post("/api/v1/payments/mpesa/initiate", h.InitiatePayment)
	r.Post(callbackPath, h.MpesaCallback)
	r.Post("/api/v1/payments/{id}/query", h.QueryStatus)
	r.Get("/api/v1/payments", h.ListTransactions)
	r.Get("/api/v1/payments/{id}", h.GetTransaction)
	r.Get("/api/v1/healthz", h.Healthz)
	r.Method("GET", "/metrics", promhttp.Handler())

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// POST /api/v1/payments/mpesa/initiate
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req InitiatePaymentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid amount format"})
		return
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount must be > 0"})
		return
	}

	txn, err := h.uc.Initiate(r.Context(), req.PhoneNumber, amount)
	if err != nil {
		if txn != nil {
			// push call failed; the transaction is already marked FAILED
			writeJSON(w, http.StatusBadGateway, InitiatePaymentResp{
				TransactionID: txn.ID,
				Status:        string(txn.Status),
				ResultDesc:    "payment provider unavailable",
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, InitiatePaymentResp{
		TransactionID:     txn.ID,
		Status:            string(txn.Status),
		CheckoutRequestID: txn.CheckoutRequestID,
		ResultCode:        txn.ResultCode,
		ResultDesc:        txn.ResultDesc,
	})
}

// POST /api/v1/payments/mpesa/callback
//
// Always acknowledges structurally valid payloads with a 200, matched or
// not; only bodies missing the stkCallback envelope get a 400. Internal
// failures are logged and acknowledged so Daraja does not retry forever.
func (h *Handler) MpesaCallback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body error"})
		return
	}

	res, err := h.uc.HandleCallback(r.Context(), raw)
	if err != nil {
		if errors.Is(err, usecase.ErrMalformedCallback) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		log.WithError(err).Error("Callback processing failed")
		writeJSON(w, http.StatusOK, CallbackAck{ResultCode: 0, ResultDesc: "Accepted", Status: "accepted"})
		return
	}

	status := "ignored"
	if res.Matched {
		status = string(res.Transaction.Status)
	}

	writeJSON(w, http.StatusOK, CallbackAck{ResultCode: 0, ResultDesc: "Accepted", Status: status})
}

// POST /api/v1/payments/{id}/query
func (h *Handler) QueryStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	res, err := h.uc.Query(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "transaction not found"})
		case errors.Is(err, usecase.ErrNoCheckoutRequestID):
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": "cannot query status: transaction has no checkout request id",
			})
		default:
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "status query failed"})
		}
		return
	}

	message := "final status confirmed by query"
	if !res.Definitive {
		message = "still pending or unknown"
	}

	writeJSON(w, http.StatusOK, QueryStatusResp{
		TransactionID: res.Transaction.ID,
		Status:        string(res.Transaction.Status),
		ResultCode:    res.ResultCode,
		ResultDesc:    res.ResultDesc,
		Message:       message,
	})
}

// GET /api/v1/payments?phone=&status=&checkoutRequestId=&limit=&offset=
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.TxFilter{
		PhoneNumber:       q.Get("phone"),
		CheckoutRequestID: q.Get("checkoutRequestId"),
	}
	if st := q.Get("status"); st != "" {
		filter.Status = domain.TxStatus(st)
	}

	limit := 50
	offset := 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	items, err := h.repo.ListTransactions(r.Context(), filter, limit, offset)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	out := make([]TxItem, 0, len(items))
	for _, t := range items {
		out = append(out, toTxItem(t))
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/v1/payments/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "transaction not found"})
		return
	}

	writeJSON(w, http.StatusOK, toTxItem(*t))
}

func toTxItem(t domain.Transaction) TxItem {
	return TxItem{
		TransactionID:     t.ID,
		PhoneNumber:       t.PhoneNumber,
		Amount:            t.Amount.String(),
		CheckoutRequestID: t.CheckoutRequestID,
		MpesaReceipt:      t.MpesaReceipt,
		ResultCode:        t.ResultCode,
		ResultDesc:        t.ResultDesc,
		Status:            string(t.Status),
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
