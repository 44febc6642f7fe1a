package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rodneydean/kaimosi-pay/internal/broker/messages"
	"github.com/rodneydean/kaimosi-pay/internal/cache"
	"github.com/rodneydean/kaimosi-pay/internal/integrations/mpesa"
	"github.com/rodneydean/kaimosi-pay/internal/models"
	"github.com/rodneydean/kaimosi-pay/internal/storage/pgpayments"
)

var (
	ErrInvalidSignature  = errors.New("callback signature mismatch")
	ErrUnknownCallback   = errors.New("callback references no known payment attempt")
	ErrPaymentInProgress = errors.New("a payment is already awaiting confirmation")
	ErrOrderAlreadyPaid  = errors.New("order is already paid")
	ErrRetriesExhausted  = errors.New("payment retries exhausted")
)

type Repository interface {
	CreateOrder(ctx context.Context, in models.OrderCreateInput) (*models.Order, error)
	GetOrder(ctx context.Context, id uint64) (*models.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*models.Order, error)
	ListTimeline(ctx context.Context, orderID uint64, limit, offset int) ([]*models.TimelineEntry, error)
	AdvanceOrderStatus(ctx context.Context, orderID uint64, newStatus, message string, trackingNumber *string) (*models.Order, error)
	CancelOrder(ctx context.Context, orderID uint64, message string) (*models.Order, error)

	CreatePayment(ctx context.Context, orderID uint64, phone string) (*models.Payment, error)
	GetPaymentByOrder(ctx context.Context, orderID uint64) (*models.Payment, error)
	GetPaymentByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.Payment, error)
	ListTransactions(ctx context.Context, paymentID uuid.UUID) ([]*models.Transaction, error)
	ApplyPaymentResult(ctx context.Context, upd pgpayments.PaymentResultUpdate) (*models.Order, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Options struct {
	OrderTopic       string
	CallbackSecret   string
	OrderTTL         time.Duration
	PendingPollAfter time.Duration

	// RetryBackoff[i] is the delay before retry attempt i+1. The last
	// entry repeats if there are more retries than entries.
	RetryBackoff []time.Duration
}

type Service struct {
	repo     Repository
	gateway  mpesa.Client
	cache    cache.BytesCache
	producer Producer
	log      *slog.Logger

	orderTopic       string
	callbackSecret   string
	orderTTL         time.Duration
	pendingPollAfter time.Duration
	retryBackoff     []time.Duration

	locks *keyedMutex
}

func New(repo Repository, gateway mpesa.Client, c cache.BytesCache, producer Producer, log *slog.Logger, opts Options) *Service {
	if log == nil {
		log = slog.Default()
	}
	if opts.PendingPollAfter <= 0 {
		opts.PendingPollAfter = 2 * time.Minute
	}
	if len(opts.RetryBackoff) == 0 {
		opts.RetryBackoff = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}
	}
	return &Service{
		repo:             repo,
		gateway:          gateway,
		cache:            c,
		producer:         producer,
		log:              log,
		orderTopic:       opts.OrderTopic,
		callbackSecret:   opts.CallbackSecret,
		orderTTL:         opts.OrderTTL,
		pendingPollAfter: opts.PendingPollAfter,
		retryBackoff:     opts.RetryBackoff,
		locks:            newKeyedMutex(),
	}
}

func (s *Service) CreateOrder(ctx context.Context, in models.OrderCreateInput) (*models.Order, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return s.repo.CreateOrder(ctx, in)
}

// GetOrder reads through a best-effort cache of the order's current
// state. Cache errors degrade to a DB read, never to a failure.
func (s *Service) GetOrder(ctx context.Context, id uint64) (*models.Order, error) {
	if s.cache != nil && s.orderTTL > 0 {
		if b, ok, err := s.cache.Get(ctx, orderKey(id)); err == nil && ok {
			var o models.Order
			if json.Unmarshal(b, &o) == nil {
				return &o, nil
			}
		}
	}
	o, err := s.repo.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheOrder(ctx, o)
	return o, nil
}

func (s *Service) GetOrderByNumber(ctx context.Context, number string) (*models.Order, error) {
	if number == "" {
		return nil, errors.New("orderNumber is required")
	}
	return s.repo.GetOrderByNumber(ctx, number)
}

func (s *Service) ListTimeline(ctx context.Context, orderID uint64, limit, offset int) ([]*models.TimelineEntry, error) {
	return s.repo.ListTimeline(ctx, orderID, limit, offset)
}

// CheckoutResult is what the customer sees right after tapping pay:
// the push either reached their phone or it did not.
type CheckoutResult struct {
	Payment           *models.Payment
	Accepted          bool
	Message           string
	CheckoutRequestID string
}

// InitiateCheckout sends (or re-sends) the payment push for an order.
// Initiations for the same order are serialized on an in-process gate
// so only one push can be in flight per order; no DB locks are held
// across the gateway call, and the outcome is written through the same
// path callbacks use.
func (s *Service) InitiateCheckout(ctx context.Context, orderID uint64, phone string) (*CheckoutResult, error) {
	unlock := s.locks.Lock(checkoutKey(orderID))
	defer unlock()

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Terminal() {
		return nil, errors.Errorf("order %s is %s", order.OrderNumber, order.Status)
	}

	pay, err := s.repo.GetPaymentByOrder(ctx, orderID)
	switch {
	case errors.Is(err, pgpayments.ErrNotFound):
		normalized, nErr := mpesa.NormalizePhone(phone)
		if nErr != nil {
			return nil, nErr
		}
		pay, err = s.repo.CreatePayment(ctx, orderID, normalized)
		if errors.Is(err, pgpayments.ErrActivePaymentExists) {
			// lost the race; pick up the winner's record
			pay, err = s.repo.GetPaymentByOrder(ctx, orderID)
		}
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	switch pay.Status {
	case models.PaymentStatusCompleted:
		return nil, ErrOrderAlreadyPaid
	case models.PaymentStatusPending:
		return nil, ErrPaymentInProgress
	case models.PaymentStatusFailed:
		if !pay.Retryable() {
			return nil, ErrRetriesExhausted
		}
	}

	req := mpesa.InitiateRequest{
		Phone:       pay.Phone,
		AmountCents: pay.AmountCents,
		OrderNumber: order.OrderNumber,
		Description: "Order " + order.OrderNumber,
	}
	if phone != "" {
		req.Phone = phone
	}

	res, err := s.gateway.InitiatePayment(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "initiate payment")
	}
	if !res.Accepted {
		s.log.Warn("payment push rejected",
			"order", order.OrderNumber, "payment", pay.ID.String(), "reason", res.Message)
		return &CheckoutResult{Payment: pay, Accepted: false, Message: res.Message}, nil
	}

	pollAt := time.Now().UTC().Add(s.pendingPollAfter)
	upd := pgpayments.PaymentResultUpdate{
		PaymentID:         pay.ID,
		Status:            models.PaymentStatusPending,
		CheckoutRequestID: res.CheckoutRequestID,
		ResultDesc:        res.Message,
		Retry:             pay.Status == models.PaymentStatusFailed,
		NextAttemptAt:     &pollAt,
	}
	if res.MerchantRequestID != "" {
		upd.MerchantRequestID = &res.MerchantRequestID
	}
	if _, err := s.repo.ApplyPaymentResult(ctx, upd); err != nil {
		return nil, err
	}
	s.invalidateOrder(ctx, orderID)

	pay, err = s.repo.GetPaymentByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &CheckoutResult{
		Payment:           pay,
		Accepted:          true,
		Message:           res.Message,
		CheckoutRequestID: res.CheckoutRequestID,
	}, nil
}

// HandleCallback reconciles a provider callback. Replays are
// idempotent, unknown checkout ids are rejected, and a bad signature
// never reaches storage.
func (s *Service) HandleCallback(ctx context.Context, raw []byte, signature string) error {
	if !mpesa.VerifyCallback(s.callbackSecret, raw, signature) {
		return ErrInvalidSignature
	}

	cb := mpesa.ParseCallback(raw)
	if !cb.OK {
		return errors.Errorf("malformed callback: %s", cb.Reason)
	}

	pay, err := s.repo.GetPaymentByCheckoutRequestID(ctx, cb.CheckoutRequestID)
	if errors.Is(err, pgpayments.ErrNotFound) {
		s.log.Warn("callback for unknown checkout request",
			"checkout_request_id", cb.CheckoutRequestID)
		return ErrUnknownCallback
	}
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(pay.ID.String())
	defer unlock()

	upd := pgpayments.PaymentResultUpdate{
		PaymentID:         pay.ID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        &cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
		RawCallback:       cb.Raw,
	}
	if cb.MerchantRequestID != "" {
		upd.MerchantRequestID = &cb.MerchantRequestID
	}
	if cb.ResultCode == 0 {
		upd.Status = models.PaymentStatusCompleted
		upd.AmountCents = cb.AmountCents
		if cb.ReceiptNumber != "" {
			upd.Receipt = &cb.ReceiptNumber
		}
	} else {
		upd.Status = models.PaymentStatusFailed
		upd.NextAttemptAt = s.nextRetryAt(time.Now().UTC(), pay.RetryCount)
	}

	return s.apply(ctx, pay.OrderID, upd)
}

// ApplyPollResult lands a result the worker produced (status poll or
// retry re-initiation) through the same reconcile path as callbacks.
func (s *Service) ApplyPollResult(ctx context.Context, msg messages.PaymentResult) error {
	if msg.PaymentID == uuid.Nil {
		return errors.New("payment_id is required")
	}

	unlock := s.locks.Lock(msg.PaymentID.String())
	defer unlock()

	return s.apply(ctx, msg.OrderID, pgpayments.PaymentResultUpdate{
		PaymentID:         msg.PaymentID,
		Status:            msg.Status,
		MerchantRequestID: msg.MerchantRequestID,
		CheckoutRequestID: msg.CheckoutRequestID,
		ResultCode:        msg.ResultCode,
		ResultDesc:        msg.ResultDesc,
		Receipt:           msg.Receipt,
		RawCallback:       msg.RawCallback,
		CheckedAt:         msg.CheckedAt,
		Retry:             msg.Retry,
		NextAttemptAt:     msg.NextAttemptAt,
	})
}

func (s *Service) apply(ctx context.Context, orderID uint64, upd pgpayments.PaymentResultUpdate) error {
	order, err := s.repo.ApplyPaymentResult(ctx, upd)
	if errors.Is(err, pgpayments.ErrAlreadyReconciled) {
		s.log.Info("duplicate payment result ignored",
			"payment", upd.PaymentID.String(), "status", upd.Status)
		return nil
	}
	if err != nil {
		return err
	}

	s.invalidateOrder(ctx, orderID)
	if order != nil {
		s.cacheOrder(ctx, order)
		s.publishOrderUpdated(ctx, order)
	}
	return nil
}

func (s *Service) CancelOrder(ctx context.Context, orderID uint64, reason string) (*models.Order, error) {
	order, err := s.repo.CancelOrder(ctx, orderID, reason)
	if err != nil {
		return nil, err
	}
	s.cacheOrder(ctx, order)
	s.publishOrderUpdated(ctx, order)
	return order, nil
}

func (s *Service) AdvanceStatus(ctx context.Context, orderID uint64, newStatus, message string, trackingNumber *string) (*models.Order, error) {
	order, err := s.repo.AdvanceOrderStatus(ctx, orderID, newStatus, message, trackingNumber)
	if err != nil {
		return nil, err
	}
	s.cacheOrder(ctx, order)
	s.publishOrderUpdated(ctx, order)
	return order, nil
}

func (s *Service) GetPaymentByOrder(ctx context.Context, orderID uint64) (*models.Payment, error) {
	return s.repo.GetPaymentByOrder(ctx, orderID)
}

func (s *Service) ListTransactions(ctx context.Context, paymentID uuid.UUID) ([]*models.Transaction, error) {
	return s.repo.ListTransactions(ctx, paymentID)
}

func (s *Service) nextRetryAt(now time.Time, retryCount int32) *time.Time {
	if retryCount >= models.MaxPaymentRetries {
		return nil
	}
	i := int(retryCount)
	if i >= len(s.retryBackoff) {
		i = len(s.retryBackoff) - 1
	}
	t := now.Add(s.retryBackoff[i])
	return &t
}

// Publish failures are logged, not returned: the DB state already
// committed and the storefront catches up on the next event.
func (s *Service) publishOrderUpdated(ctx context.Context, o *models.Order) {
	if s.producer == nil || s.orderTopic == "" {
		return
	}
	b, err := json.Marshal(messages.OrderUpdated{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		UpdatedAt:     o.UpdatedAt,
	})
	if err != nil {
		return
	}
	if err := s.producer.Publish(ctx, s.orderTopic, []byte(o.OrderNumber), b); err != nil {
		s.log.Error("publish order update", "order", o.OrderNumber, "err", err)
	}
}

func (s *Service) cacheOrder(ctx context.Context, o *models.Order) {
	if s.cache == nil || s.orderTTL <= 0 {
		return
	}
	if b, err := json.Marshal(o); err == nil {
		_ = s.cache.Set(ctx, orderKey(o.ID), b, s.orderTTL)
	}
}

func (s *Service) invalidateOrder(ctx context.Context, id uint64) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Del(ctx, orderKey(id))
}

func orderKey(id uint64) string {
	return fmt.Sprintf("order:%d:current", id)
}

func checkoutKey(id uint64) string {
	return fmt.Sprintf("checkout:%d", id)
}
