package paymentsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rodneydean/kaimosi-pay/internal/integrations/mpesa"
	"github.com/rodneydean/kaimosi-pay/internal/integrations/mpesa/sandbox"
	"github.com/rodneydean/kaimosi-pay/internal/models"
	"github.com/rodneydean/kaimosi-pay/internal/services/checkout"
	"github.com/rodneydean/kaimosi-pay/internal/storage/pgpayments"
	"github.com/stretchr/testify/require"
)

// memRepo is a map-backed stand-in for pgpayments with just enough of
// its semantics for handler tests.
type memRepo struct {
	mu       sync.Mutex
	nextID   uint64
	orders   map[uint64]*models.Order
	payments map[uint64]*models.Payment
	byCkout  map[string]uuid.UUID
}

func newMemRepo() *memRepo {
	return &memRepo{
		orders:   map[uint64]*models.Order{},
		payments: map[uint64]*models.Payment{},
		byCkout:  map[string]uuid.UUID{},
	}
}

func (m *memRepo) CreateOrder(ctx context.Context, in models.OrderCreateInput) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	now := time.Now().UTC()
	o := &models.Order{
		ID: m.nextID, OrderNumber: models.NewOrderNumber(now, fixedRand{}),
		UserID:        in.UserID,
		SubtotalCents: in.SubtotalCents, TaxCents: in.TaxCents,
		ShippingCents: in.ShippingCents, TotalCents: in.TotalCents(),
		Status: models.OrderStatusPending, PaymentStatus: models.OrderPaymentUnpaid,
		ShippingAddress: in.ShippingAddress,
		CreatedAt:       now, UpdatedAt: now,
		Timeline: []*models.TimelineEntry{{ID: 1, OrderID: m.nextID, Status: models.OrderStatusPending, Message: "Order created", CreatedAt: now}},
	}
	m.orders[o.ID] = o
	return o, nil
}

type fixedRand struct{}

func (fixedRand) Intn(n int) int { return 7 % n }

func (m *memRepo) GetOrder(ctx context.Context, id uint64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, pgpayments.ErrNotFound
	}
	return o, nil
}

func (m *memRepo) GetOrderByNumber(ctx context.Context, number string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.OrderNumber == number {
			return o, nil
		}
	}
	return nil, pgpayments.ErrNotFound
}

func (m *memRepo) ListTimeline(ctx context.Context, orderID uint64, limit, offset int) ([]*models.TimelineEntry, error) {
	o, err := m.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return o.Timeline, nil
}

func (m *memRepo) AdvanceOrderStatus(ctx context.Context, orderID uint64, newStatus, message string, trackingNumber *string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, pgpayments.ErrNotFound
	}
	if err := models.CanTransitOrder(o.Status, newStatus); err != nil {
		return nil, err
	}
	o.Status = newStatus
	if trackingNumber != nil {
		o.TrackingNumber = trackingNumber
	}
	o.Timeline = append(o.Timeline, &models.TimelineEntry{Status: newStatus, Message: message})
	return o, nil
}

func (m *memRepo) CancelOrder(ctx context.Context, orderID uint64, message string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, pgpayments.ErrNotFound
	}
	if p := m.payments[orderID]; p != nil && p.Status == models.PaymentStatusPending {
		return nil, pgpayments.ErrPaymentPending
	}
	if err := models.CanTransitOrder(o.Status, models.OrderStatusCancelled); err != nil {
		return nil, err
	}
	o.Status = models.OrderStatusCancelled
	return o, nil
}

func (m *memRepo) CreatePayment(ctx context.Context, orderID uint64, phone string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, pgpayments.ErrNotFound
	}
	if _, exists := m.payments[orderID]; exists {
		return nil, pgpayments.ErrActivePaymentExists
	}
	p := &models.Payment{
		ID: uuid.New(), OrderID: orderID,
		AmountCents: o.TotalCents, Phone: phone,
		Status: models.PaymentStatusUnpaid,
	}
	m.payments[orderID] = p
	return p, nil
}

func (m *memRepo) GetPaymentByOrder(ctx context.Context, orderID uint64) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[orderID]
	if !ok {
		return nil, pgpayments.ErrNotFound
	}
	return p, nil
}

func (m *memRepo) GetPaymentByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCkout[checkoutRequestID]
	if !ok {
		return nil, pgpayments.ErrNotFound
	}
	for _, p := range m.payments {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, pgpayments.ErrNotFound
}

func (m *memRepo) ListTransactions(ctx context.Context, paymentID uuid.UUID) ([]*models.Transaction, error) {
	return nil, nil
}

func (m *memRepo) ApplyPaymentResult(ctx context.Context, upd pgpayments.PaymentResultUpdate) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pay *models.Payment
	for _, p := range m.payments {
		if p.ID == upd.PaymentID {
			pay = p
		}
	}
	if pay == nil {
		return nil, pgpayments.ErrNotFound
	}
	if upd.Status == pay.Status && pay.Status != models.PaymentStatusPending {
		return nil, pgpayments.ErrAlreadyReconciled
	}
	if err := models.CanTransitPayment(pay.Status, upd.Status); err != nil {
		return nil, err
	}
	if upd.Status == models.PaymentStatusCompleted && upd.AmountCents > 0 && upd.AmountCents != pay.AmountCents {
		return nil, pgpayments.ErrAmountMismatch
	}
	pay.Status = upd.Status
	if upd.CheckoutRequestID != "" {
		m.byCkout[upd.CheckoutRequestID] = pay.ID
	}
	o := m.orders[pay.OrderID]
	switch upd.Status {
	case models.PaymentStatusPending:
		o.PaymentStatus = models.OrderPaymentPending
	case models.PaymentStatusCompleted:
		pay.ProviderReceipt = upd.Receipt
		o.Status = models.OrderStatusPaid
		o.PaymentStatus = models.OrderPaymentCompleted
		return o, nil
	case models.PaymentStatusFailed:
		o.PaymentStatus = models.OrderPaymentFailed
	}
	return nil, nil
}

func newTestAPI(t *testing.T) (*chi.Mux, *memRepo, *sandbox.Gateway) {
	t.Helper()
	repo := newMemRepo()
	gw := sandbox.New("test-secret")
	svc := checkout.New(repo, gw, nil, nil, nil, checkout.Options{
		CallbackSecret: "test-secret",
	})
	r := chi.NewRouter()
	New(svc, gw, nil).Routes(r)
	return r, repo, gw
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func createTestOrder(t *testing.T, r http.Handler) orderDTO {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/v1/orders", createOrderRequest{
		UserID: "u1", SubtotalCents: 400000, TaxCents: 64000, ShippingCents: 50000,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var o orderDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &o))
	return o
}

func TestAPI_CreateAndGetOrder(t *testing.T) {
	r, _, _ := newTestAPI(t)

	o := createTestOrder(t, r)
	require.Equal(t, int64(514000), o.TotalCents)
	require.Equal(t, models.OrderStatusPending, o.Status)
	require.Regexp(t, `^ORD-\d{14}-[0-9a-z]{4}$`, o.OrderNumber)

	w := doJSON(t, r, http.MethodGet, "/v1/orders/1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/v1/orders/99", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_CreateOrder_validation(t *testing.T) {
	r, _, _ := newTestAPI(t)

	w := doJSON(t, r, http.MethodPost, "/v1/orders", createOrderRequest{SubtotalCents: 100})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/orders", createOrderRequest{UserID: "u", SubtotalCents: -5})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_CheckoutFlow_sandboxComplete(t *testing.T) {
	r, repo, _ := newTestAPI(t)
	o := createTestOrder(t, r)

	w := doJSON(t, r, http.MethodPost, "/v1/orders/1/checkout", checkoutRequest{Phone: "0712345678"})
	require.Equal(t, http.StatusAccepted, w.Code)

	var res struct {
		Accepted          bool   `json:"accepted"`
		CheckoutRequestID string `json:"checkoutRequestId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.True(t, res.Accepted)
	require.NotEmpty(t, res.CheckoutRequestID)

	// cancelling while the push is pending is refused
	w = doJSON(t, r, http.MethodPost, "/v1/orders/1/cancel", cancelRequest{Reason: "oops"})
	require.Equal(t, http.StatusConflict, w.Code)

	// resolve it through the sandbox route
	w = doJSON(t, r, http.MethodPost, "/v1/sandbox/"+res.CheckoutRequestID+"/complete", sandboxCompleteRequest{Receipt: "TAB12XYZ9"})
	require.Equal(t, http.StatusOK, w.Code)

	require.Equal(t, models.OrderStatusPaid, repo.orders[o.ID].Status)
	require.Equal(t, models.OrderPaymentCompleted, repo.orders[o.ID].PaymentStatus)

	// a second push for a paid order is refused
	w = doJSON(t, r, http.MethodPost, "/v1/orders/1/checkout", checkoutRequest{Phone: "0712345678"})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestAPI_Checkout_badPhone(t *testing.T) {
	r, _, _ := newTestAPI(t)
	createTestOrder(t, r)

	w := doJSON(t, r, http.MethodPost, "/v1/orders/1/checkout", checkoutRequest{Phone: "12345"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_Callback_badSignature(t *testing.T) {
	r, _, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/payments/callback", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Callback-Signature", "bogus")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_Callback_unknownStillAcks(t *testing.T) {
	r, _, _ := newTestAPI(t)

	other := sandbox.New("test-secret")
	init, err := other.InitiatePayment(context.Background(), mpesa.InitiateRequest{
		Phone: "0712345678", AmountCents: 1000, OrderNumber: "ORD-X",
	})
	require.NoError(t, err)
	body, sig, err := other.Complete(init.CheckoutRequestID, "RCPT")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/payments/callback", bytes.NewReader(body))
	req.Header.Set("X-Callback-Signature", sig)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var ack struct {
		ResultCode int `json:"ResultCode"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ack))
	require.Equal(t, 0, ack.ResultCode)
}

func TestAPI_Callback_amountMismatch(t *testing.T) {
	r, repo, gw := newTestAPI(t)
	createTestOrder(t, r)

	w := doJSON(t, r, http.MethodPost, "/v1/orders/1/checkout", checkoutRequest{Phone: "0712345678"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var res struct {
		CheckoutRequestID string `json:"checkoutRequestId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))

	// the callback will carry the initiated 514000; shrink the stored
	// payment so the amounts disagree
	repo.payments[1].AmountCents = 100000

	body, sig, err := gw.Complete(res.CheckoutRequestID, "TAB12XYZ9")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/callback", bytes.NewReader(body))
	req.Header.Set("X-Callback-Signature", sig)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	// nothing settled, the correct delivery can still land
	require.Equal(t, models.PaymentStatusPending, repo.payments[1].Status)
	require.Equal(t, models.OrderStatusPending, repo.orders[1].Status)
}

func TestAPI_AdvanceOrder(t *testing.T) {
	r, repo, _ := newTestAPI(t)
	o := createTestOrder(t, r)
	repo.orders[o.ID].Status = models.OrderStatusPaid

	w := doJSON(t, r, http.MethodPost, "/v1/orders/1/advance", advanceRequest{
		Status: models.OrderStatusProcessing, Message: "picked up by ops",
	})
	require.Equal(t, http.StatusOK, w.Code)

	// skipping stages is refused
	w = doJSON(t, r, http.MethodPost, "/v1/orders/1/advance", advanceRequest{
		Status: models.OrderStatusDelivered,
	})
	require.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/orders/1/advance", advanceRequest{})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_Timeline(t *testing.T) {
	r, _, _ := newTestAPI(t)
	createTestOrder(t, r)

	w := doJSON(t, r, http.MethodGet, "/v1/orders/1/timeline", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var out struct {
		Entries []timelineEntryDTO `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Entries, 1)
	require.Equal(t, "Order created", out.Entries[0].Message)
}
