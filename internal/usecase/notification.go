package usecase

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrMalformedCallback marks a callback body that does not carry the
// Body.stkCallback envelope. These are rejected at the transport boundary;
// structurally valid but unmatched callbacks are acknowledged instead.
var ErrMalformedCallback = errors.New("malformed callback payload")

// Notification is the flat, normalized view of a Daraja STK callback.
// ResultCode is "" when the callback carried none; the engine treats that as
// a definitive failure.
type Notification struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        string
	ResultDesc        string
	Receipt           string
	PhoneNumber       string
	Amount            *decimal.Decimal
	Raw               []byte
}

// flexString absorbs Daraja's habit of sending the same field as either a
// JSON string or a JSON number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexString(n.String())
		return nil
	}

	return fmt.Errorf("value is neither string nor number: %s", b)
}

type metadataItem struct {
	Name  string      `json:"Name"`
	Value *flexString `json:"Value"`
}

type stkCallback struct {
	MerchantRequestID string      `json:"MerchantRequestID"`
	CheckoutRequestID string      `json:"CheckoutRequestID"`
	ResultCode        *flexString `json:"ResultCode"`
	ResultDesc        string      `json:"ResultDesc"`
	CallbackMetadata  struct {
		Item []metadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type callbackEnvelope struct {
	Body struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback maps the nested Daraja callback structure to a flat
// Notification. Pure; the raw body is retained for audit.
func ParseCallback(raw []byte) (*Notification, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	stk := env.Body.StkCallback
	if stk == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", ErrMalformedCallback)
	}

	n := &Notification{
		MerchantRequestID: stk.MerchantRequestID,
		CheckoutRequestID: stk.CheckoutRequestID,
		ResultDesc:        stk.ResultDesc,
		Raw:               raw,
	}

	if stk.ResultCode != nil {
		n.ResultCode = string(*stk.ResultCode)
	}

	for _, item := range stk.CallbackMetadata.Item {
		if item.Value == nil {
			continue
		}
		v := string(*item.Value)

		switch item.Name {
		case "MpesaReceiptNumber":
			n.Receipt = v
		case "PhoneNumber":
			n.PhoneNumber = v
		case "Amount", "TransactionAmount":
			if amount, err := decimal.NewFromString(v); err == nil {
				n.Amount = &amount
			}
		}
	}

	return n, nil
}
