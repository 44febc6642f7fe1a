package mpesa

import (
	"context"

	"github.com/pkg/errors"
)

// Canonical status-query outcomes shared by both gateway
// implementations.
const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusTimeout   = "TIMEOUT"
)

type InitiateRequest struct {
	Phone       string
	AmountCents int64
	// OrderNumber goes out as the provider-side account reference.
	OrderNumber string
	Description string
}

// Validate normalizes the phone number and rejects impossible requests
// before anything touches the network.
func (r InitiateRequest) Validate() (string, error) {
	if r.AmountCents <= 0 {
		return "", errors.New("amount must be positive")
	}
	if r.OrderNumber == "" {
		return "", errors.New("order number is required")
	}
	phone, err := NormalizePhone(r.Phone)
	if err != nil {
		return "", err
	}
	return phone, nil
}

// InitiateResult reports provider acceptance of the request, not
// completion: money moves (or not) only via the later callback or a
// status poll.
type InitiateResult struct {
	Accepted bool
	Message  string

	MerchantRequestID string
	CheckoutRequestID string
}

type StatusResult struct {
	Status        string
	ReceiptNumber string
	ResultCode    int
	ResultDesc    string
}

type Client interface {
	// InitiatePayment sends the STK push request. Transport and auth
	// failures come back as an error; a definitive provider rejection
	// comes back as Accepted=false with the provider's message.
	InitiatePayment(ctx context.Context, req InitiateRequest) (InitiateResult, error)

	// CheckStatus resolves an accepted request when no callback has
	// arrived within the expected window.
	CheckStatus(ctx context.Context, checkoutRequestID string) (StatusResult, error)
}
