package messages

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// PaymentResult is published by the worker (status polls and retry
// re-initiations) and consumed by the API, which applies it through
// the same reconcile path as webhook callbacks.
type PaymentResult struct {
	PaymentID uuid.UUID `json:"payment_id"`
	OrderID   uint64    `json:"order_id"`

	// Target payment status: PENDING (re-initiated), COMPLETED, FAILED.
	Status string `json:"status"`

	MerchantRequestID *string `json:"merchant_request_id,omitempty"`
	CheckoutRequestID string  `json:"checkout_request_id,omitempty"`

	ResultCode *int   `json:"result_code,omitempty"`
	ResultDesc string `json:"result_desc,omitempty"`
	Receipt    *string `json:"receipt,omitempty"`

	// Retry marks results produced by a retry re-initiation attempt;
	// they bump the payment's retry counter.
	Retry bool `json:"retry,omitempty"`

	CheckedAt     time.Time  `json:"checked_at"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	RawCallback json.RawMessage `json:"raw_callback,omitempty"`
}

// OrderUpdated is the outbound notification to the storefront: order
// pages and the customer status page consume it outside this service.
type OrderUpdated struct {
	OrderID       uint64    `json:"order_id"`
	OrderNumber   string    `json:"order_number"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"payment_status"`
	UpdatedAt     time.Time `json:"updated_at"`
}
