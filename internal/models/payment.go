package models

import (
	"time"

	"github.com/google/uuid"
)

// Payment attempt statuses. A payment stays 1:1 with its order;
// retries grow its transaction list instead of creating new payments.
const (
	PaymentStatusUnpaid    = "UNPAID"
	PaymentStatusPending   = "PENDING"
	PaymentStatusCompleted = "COMPLETED"
	PaymentStatusFailed    = "FAILED"
)

// Transaction statuses: one transaction per initiate attempt or
// callback received.
const (
	TxStatusPending   = "PENDING"
	TxStatusCompleted = "COMPLETED"
	TxStatusFailed    = "FAILED"
)

// MaxPaymentRetries bounds the retry sweep. A FAILED payment with
// RetryCount >= MaxPaymentRetries is terminal and surfaced for manual
// handling.
const MaxPaymentRetries = 3

type Payment struct {
	ID      uuid.UUID
	OrderID uint64

	AmountCents int64
	Phone       string

	Status          string
	ProviderReceipt *string
	FailureReason   *string

	RetryCount  int32
	LastRetryAt *time.Time

	// NextAttemptAt drives the sweeper's claim queries (poll-after
	// window for PENDING, backoff schedule for FAILED).
	NextAttemptAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p *Payment) Retryable() bool {
	return p.Status == PaymentStatusFailed && p.RetryCount < MaxPaymentRetries
}

type Transaction struct {
	ID        uuid.UUID
	PaymentID uuid.UUID

	Phone       string
	AmountCents int64

	// Provider correlation ids; nil until the provider acknowledged
	// the request.
	MerchantRequestID *string
	CheckoutRequestID *string

	Status     string
	ResultCode *int
	ResultDesc string

	// RawCallback keeps the provider payload verbatim for audit.
	RawCallback []byte

	InitiatedAt time.Time
	CompletedAt *time.Time
}
