package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rodneydean/kaimosi-pay/internal/integrations/mpesa"
)

// Gateway simulates the provider for local development and tests. It
// owns its request table (injected per instance, no package state) so
// parallel tests stay isolated. InitiatePayment always accepts;
// completion and failure are explicit operator actions that produce a
// callback payload shaped exactly like the real provider's, so the
// reconcile path downstream is identical in both modes.
type Gateway struct {
	secret string
	now    func() time.Time

	mu   sync.Mutex
	seq  uint64
	reqs map[string]*request
}

type request struct {
	merchantRequestID string
	phone             string
	amountCents       int64
	orderNumber       string
	initiatedAt       time.Time

	status     string
	receipt    string
	resultCode int
	resultDesc string
}

// New builds a sandbox gateway. secret signs generated callbacks and
// may be empty.
func New(secret string) *Gateway {
	return &Gateway{
		secret: secret,
		now:    time.Now,
		reqs:   make(map[string]*request),
	}
}

func (g *Gateway) InitiatePayment(ctx context.Context, req mpesa.InitiateRequest) (mpesa.InitiateResult, error) {
	phone, err := req.Validate()
	if err != nil {
		return mpesa.InitiateResult{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.seq++
	now := g.now().UTC()
	checkoutID := fmt.Sprintf("ws_CO_%s%04d", now.Format("02012006150405"), g.seq)
	merchantID := fmt.Sprintf("sbx-%d-%d", now.Unix(), g.seq)

	g.reqs[checkoutID] = &request{
		merchantRequestID: merchantID,
		phone:             phone,
		amountCents:       req.AmountCents,
		orderNumber:       req.OrderNumber,
		initiatedAt:       now,
		status:            mpesa.StatusPending,
	}

	return mpesa.InitiateResult{
		Accepted:          true,
		Message:           "Success. Request accepted for processing",
		MerchantRequestID: merchantID,
		CheckoutRequestID: checkoutID,
	}, nil
}

func (g *Gateway) CheckStatus(ctx context.Context, checkoutRequestID string) (mpesa.StatusResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.reqs[checkoutRequestID]
	if !ok {
		return mpesa.StatusResult{}, errors.Errorf("unknown checkout request id %q", checkoutRequestID)
	}
	return mpesa.StatusResult{
		Status:        r.status,
		ReceiptNumber: r.receipt,
		ResultCode:    r.resultCode,
		ResultDesc:    r.resultDesc,
	}, nil
}

// Complete resolves an outstanding request as paid and returns the
// provider-shaped callback payload plus its signature.
func (g *Gateway) Complete(checkoutRequestID, receipt string) ([]byte, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.reqs[checkoutRequestID]
	if !ok {
		return nil, "", errors.Errorf("unknown checkout request id %q", checkoutRequestID)
	}
	if r.status != mpesa.StatusPending {
		return nil, "", errors.Errorf("request %s already %s", checkoutRequestID, r.status)
	}

	r.status = mpesa.StatusCompleted
	r.receipt = receipt
	r.resultCode = 0
	r.resultDesc = "The service request is processed successfully."

	return g.callbackPayload(checkoutRequestID, r)
}

// Fail resolves an outstanding request with a provider-style result
// code and description ("1" / insufficient balance, "1032" / cancelled
// by user, and so on).
func (g *Gateway) Fail(checkoutRequestID string, code int, desc string) ([]byte, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.reqs[checkoutRequestID]
	if !ok {
		return nil, "", errors.Errorf("unknown checkout request id %q", checkoutRequestID)
	}
	if r.status != mpesa.StatusPending {
		return nil, "", errors.Errorf("request %s already %s", checkoutRequestID, r.status)
	}
	if code == 0 {
		return nil, "", errors.New("failure result code must be non-zero")
	}

	r.status = mpesa.StatusFailed
	r.resultCode = code
	r.resultDesc = desc

	return g.callbackPayload(checkoutRequestID, r)
}

type metaItem struct {
	Name  string `json:"Name"`
	Value any    `json:"Value"`
}

func (g *Gateway) callbackPayload(checkoutRequestID string, r *request) ([]byte, string, error) {
	cb := map[string]any{
		"MerchantRequestID": r.merchantRequestID,
		"CheckoutRequestID": checkoutRequestID,
		"ResultCode":        r.resultCode,
		"ResultDesc":        r.resultDesc,
	}
	if r.resultCode == 0 {
		ts, _ := stringsToInt(g.now().UTC().Format("20060102150405"))
		phone, _ := stringsToInt(r.phone)
		cb["CallbackMetadata"] = map[string]any{
			"Item": []metaItem{
				{Name: "Amount", Value: float64(r.amountCents) / 100},
				{Name: "MpesaReceiptNumber", Value: r.receipt},
				{Name: "TransactionDate", Value: ts},
				{Name: "PhoneNumber", Value: phone},
			},
		}
	}

	body, err := json.Marshal(map[string]any{
		"Body": map[string]any{"stkCallback": cb},
	})
	if err != nil {
		return nil, "", errors.Wrap(err, "marshal callback")
	}
	return body, mpesa.SignCallback(g.secret, body), nil
}

func stringsToInt(s string) (int64, error) {
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.Errorf("not a number: %q", s)
		}
		n = n*10 + int64(r-'0')
	}
	return n, nil
}
