package httpd

import "time"

type InitiatePaymentReq struct {
	PhoneNumber string `json:"phoneNumber" validate:"required,min=10,max=13"`
	Amount      string `json:"amount" validate:"required"`
}

type InitiatePaymentResp struct {
	TransactionID     string `json:"transactionId"`
	Status            string `json:"status"`
	CheckoutRequestID string `json:"checkoutRequestId,omitempty"`
	ResultCode        string `json:"resultCode,omitempty"`
	ResultDesc        string `json:"resultDesc,omitempty"`
}

// CallbackAck is the acknowledgment Daraja expects; anything but a 200 with
// this shape triggers provider-side retries.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
	Status     string `json:"status"`
}

type QueryStatusResp struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	ResultCode    string `json:"resultCode,omitempty"`
	ResultDesc    string `json:"resultDesc,omitempty"`
	Message       string `json:"message"`
}

type TxItem struct {
	TransactionID     string    `json:"transactionId"`
	PhoneNumber       string    `json:"phoneNumber"`
	Amount            string    `json:"amount"`
	CheckoutRequestID string    `json:"checkoutRequestId,omitempty"`
	MpesaReceipt      string    `json:"mpesaReceipt,omitempty"`
	ResultCode        string    `json:"resultCode,omitempty"`
	ResultDesc        string    `json:"resultDesc,omitempty"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}
