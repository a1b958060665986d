package daraja

import (
	"context"
	"encoding/base64"
	"fmt"
	"mpesa_backend/internal/metrics"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	sandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	productionBaseURL = "https://api.safaricom.co.ke"
)

// Config enumerates the Daraja credentials and settings. BaseURL overrides
// the environment-derived URL; used by tests.
type Config struct {
	Env              string
	ConsumerKey      string
	ConsumerSecret   string
	Shortcode        string
	Passkey          string
	CallbackURL      string
	AccountReference string
	TransactionDesc  string
	Timeout          time.Duration
	BaseURL          string
}

// PushResponse is the normalized synchronous answer to an STK push request.
// Accepted=false with ErrorCode set is a structured reject, not a transport
// failure.
type PushResponse struct {
	Accepted          bool
	MerchantRequestID string
	CheckoutRequestID string
	ResponseCode      string
	ResponseDesc      string
	ErrorCode         string
	ErrorMessage      string
}

// QueryResponse is the normalized answer to an STK push status query.
type QueryResponse struct {
	ResultCode string
	ResultDesc string
}

type Client struct {
	cfg     Config
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time
}

func NewClient(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = sandboxBaseURL
		if cfg.Env == "production" {
			base = productionBaseURL
		}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "daraja",
		MaxRequests: 3,
		Interval:    15 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			state := float64(0)
			switch to {
			case gobreaker.StateOpen:
				state = 1
			case gobreaker.StateHalfOpen:
				state = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(state)

			log.WithFields(log.Fields{
				"circuit": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Info("Circuit breaker state changed")
		},
	})

	return &Client{
		cfg: cfg,
		http: resty.New().
			SetBaseURL(base).
			SetTimeout(timeout).
			SetRetryCount(0),
		breaker: breaker,
		now:     time.Now,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// AccessToken fetches an OAuth client-credentials token.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	var body tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret).
		SetHeader("Accept", "application/json").
		SetResult(&body).
		Get("/oauth/v1/generate?grant_type=client_credentials")
	if err != nil {
		return "", fmt.Errorf("daraja oauth: %w", err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("daraja oauth: status=%d body=%s", resp.StatusCode(), resp.String())
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("daraja oauth: missing access_token in %s", resp.String())
	}

	return body.AccessToken, nil
}

// password derives the Lipa Na M-Pesa password for the given timestamp.
func (c *Client) password(timestamp string) string {
	raw := c.cfg.Shortcode + c.cfg.Passkey + timestamp
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

func (c *Client) timestamp() string {
	return c.now().Format("20060102150405")
}

type pushAPIResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

// STKPush asks Daraja to prompt the payer's device for authorization.
// Amounts are truncated to whole units, which is what the API accepts.
func (c *Client) STKPush(ctx context.Context, phone string, amount decimal.Decimal) (*PushResponse, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		token, err := c.AccessToken(ctx)
		if err != nil {
			metrics.ProviderRequests.WithLabelValues("stkpush", "oauth_error").Inc()
			return nil, err
		}

		timestamp := c.timestamp()
		payload := map[string]any{
			"BusinessShortCode": c.cfg.Shortcode,
			"Password":          c.password(timestamp),
			"Timestamp":         timestamp,
			"TransactionType":   "CustomerPayBillOnline",
			"Amount":            amount.IntPart(),
			"PartyA":            phone,
			"PartyB":            c.cfg.Shortcode,
			"PhoneNumber":       phone,
			"CallBackURL":       c.cfg.CallbackURL,
			"AccountReference":  c.cfg.AccountReference,
			"TransactionDesc":   c.cfg.TransactionDesc,
		}

		var body pushAPIResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetBody(payload).
			SetResult(&body).
			SetError(&body).
			Post("/mpesa/stkpush/v1/processrequest")
		if err != nil {
			metrics.ProviderRequests.WithLabelValues("stkpush", "transport_error").Inc()
			return nil, fmt.Errorf("daraja stkpush: %w", err)
		}

		// structured rejects come back with errorCode, sometimes on a
		// non-2xx status; keep them instead of failing the call
		if body.ErrorCode == "" && body.ResponseCode == "" {
			metrics.ProviderRequests.WithLabelValues("stkpush", "bad_response").Inc()
			return nil, fmt.Errorf("daraja stkpush: status=%d body=%s", resp.StatusCode(), resp.String())
		}

		res := &PushResponse{
			Accepted:          body.ErrorCode == "" && body.ResponseCode == "0",
			MerchantRequestID: body.MerchantRequestID,
			CheckoutRequestID: body.CheckoutRequestID,
			ResponseCode:      body.ResponseCode,
			ResponseDesc:      body.ResponseDescription,
			ErrorCode:         body.ErrorCode,
			ErrorMessage:      body.ErrorMessage,
		}

		if res.Accepted {
			metrics.ProviderRequests.WithLabelValues("stkpush", "accepted").Inc()
		} else {
			metrics.ProviderRequests.WithLabelValues("stkpush", "rejected").Inc()
		}

		log.WithFields(log.Fields{
			"accepted":            res.Accepted,
			"checkout_request_id": res.CheckoutRequestID,
			"response_code":       res.ResponseCode,
			"error_code":          res.ErrorCode,
		}).Info("STK push response")

		return res, nil
	})
	if err != nil {
		return nil, breakerError(err)
	}

	return out.(*PushResponse), nil
}

type queryAPIResponse struct {
	ResultCode   string `json:"ResultCode"`
	ResultDesc   string `json:"ResultDesc"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// QueryStatus asks Daraja for the outcome of a previously accepted push.
func (c *Client) QueryStatus(ctx context.Context, checkoutID string) (*QueryResponse, error) {
	out, err := c.breaker.Execute(func() (interface{}, error) {
		token, err := c.AccessToken(ctx)
		if err != nil {
			metrics.ProviderRequests.WithLabelValues("stkquery", "oauth_error").Inc()
			return nil, err
		}

		timestamp := c.timestamp()
		payload := map[string]any{
			"BusinessShortCode": c.cfg.Shortcode,
			"Password":          c.password(timestamp),
			"Timestamp":         timestamp,
			"CheckoutRequestID": checkoutID,
		}

		var body queryAPIResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetAuthToken(token).
			SetBody(payload).
			SetResult(&body).
			SetError(&body).
			Post("/mpesa/stkpushquery/v1/query")
		if err != nil {
			metrics.ProviderRequests.WithLabelValues("stkquery", "transport_error").Inc()
			return nil, fmt.Errorf("daraja stkquery: %w", err)
		}

		if body.ResultCode == "" && body.ErrorCode == "" {
			metrics.ProviderRequests.WithLabelValues("stkquery", "bad_response").Inc()
			return nil, fmt.Errorf("daraja stkquery: status=%d body=%s", resp.StatusCode(), resp.String())
		}

		if body.ErrorCode != "" {
			// e.g. "transaction is being processed"; surface as an
			// unrecognized code so the caller keeps the row pending
			metrics.ProviderRequests.WithLabelValues("stkquery", "provider_error").Inc()
			return &QueryResponse{ResultCode: body.ErrorCode, ResultDesc: body.ErrorMessage}, nil
		}

		metrics.ProviderRequests.WithLabelValues("stkquery", "ok").Inc()
		return &QueryResponse{ResultCode: body.ResultCode, ResultDesc: body.ResultDesc}, nil
	})
	if err != nil {
		return nil, breakerError(err)
	}

	return out.(*QueryResponse), nil
}

func breakerError(err error) error {
	if err == gobreaker.ErrOpenState {
		return fmt.Errorf("daraja circuit open (provider unavailable)")
	}
	if err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("daraja circuit half-open: too many requests")
	}
	return err
}
