package sweeper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rodneydean/kaimosi-pay/internal/broker/messages"
	"github.com/rodneydean/kaimosi-pay/internal/integrations/mpesa"
	"github.com/rodneydean/kaimosi-pay/internal/models"
	"github.com/rodneydean/kaimosi-pay/internal/storage/pgpayments"
)

type Repository interface {
	ClaimStalePendingPayments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]pgpayments.PendingPoll, error)
	ClaimRetryablePayments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]pgpayments.RetryCandidate, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Sweeper resolves payments the callback never reached: it polls the
// provider for stale PENDING pushes and re-initiates FAILED ones whose
// backoff elapsed. Outcomes are published, never written to the DB
// from here; the API owns the reconcile path.
type Sweeper struct {
	repo     Repository
	gateway  mpesa.Client
	producer Producer
	rl       RateLimiter

	topic string

	planner *Planner

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	rateLimitPerMinute int64

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalPolled         atomic.Int64
	totalRetried        atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, gateway mpesa.Client, producer Producer, rl RateLimiter, topic string) *Sweeper {
	return &Sweeper{
		repo: repo, gateway: gateway, producer: producer, rl: rl, topic: topic,
		planner:            NewPlanner(DefaultPlannerConfig()),
		pollInterval:       5 * time.Second,
		batchSize:          50,
		concurrency:        5,
		lease:              120 * time.Second,
		rateLimitPerMinute: 60,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (s *Sweeper) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Sweeper {
	if pollInterval > 0 {
		s.pollInterval = pollInterval
	}
	if batchSize > 0 {
		s.batchSize = batchSize
	}
	if concurrency > 0 {
		s.concurrency = concurrency
	}
	if lease > 0 {
		s.lease = lease
	}
	if rlPerMin > 0 {
		s.rateLimitPerMinute = rlPerMin
	}
	return s
}

func (s *Sweeper) WithPlanner(cfg PlannerConfig) *Sweeper {
	s.planner = NewPlanner(cfg)
	return s
}

// Trigger forces an immediate sweep cycle (best-effort, non-blocking).
func (s *Sweeper) Trigger() {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt     time.Time  `json:"startedAt"`
	LastCycleAt   *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed  int64      `json:"totalClaimed"`
	TotalPolled   int64      `json:"totalPolled"`
	TotalRetried  int64      `json:"totalRetried"`
	TotalErrors   int64      `json:"totalErrors"`
	InFlight      int64      `json:"inFlight"`
	LastError     string     `json:"lastError,omitempty"`
}

func (s *Sweeper) Stats() Stats {
	st := Stats{
		StartedAt:    time.Unix(0, s.startedAtUnixNano).UTC(),
		TotalClaimed: s.totalClaimed.Load(),
		TotalPolled:  s.totalPolled.Load(),
		TotalRetried: s.totalRetried.Load(),
		TotalErrors:  s.totalErrors.Load(),
		InFlight:     s.inFlight.Load(),
	}
	if n := s.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := s.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.runOnce(ctx)
		case <-s.triggerCh:
			s.runOnce(ctx)
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	s.lastCycleUnixNano.Store(now.UnixNano())

	stale, err := s.repo.ClaimStalePendingPayments(ctx, now, s.batchSize, s.lease)
	if err != nil {
		s.recordError(err)
		slog.Error("claim stale pending payments", "error", err.Error())
		return
	}
	retries, err := s.repo.ClaimRetryablePayments(ctx, now, s.batchSize, s.lease)
	if err != nil {
		s.recordError(err)
		slog.Error("claim retryable payments", "error", err.Error())
		return
	}
	s.totalClaimed.Add(int64(len(stale) + len(retries)))

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup

	run := func(work func(context.Context) error, kind string) {
		sem <- struct{}{}
		wg.Add(1)
		s.inFlight.Add(1)
		go func() {
			defer func() {
				s.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := work(ctx); err != nil {
				s.totalErrors.Add(1)
				s.recordError(err)
				slog.Error("sweep "+kind, "error", err.Error())
			}
		}()
	}

	for _, pp := range stale {
		ppCopy := pp
		run(func(ctx context.Context) error {
			err := s.pollOne(ctx, ppCopy)
			if err == nil {
				s.totalPolled.Add(1)
			}
			return err
		}, "poll")
	}
	for _, rc := range retries {
		rcCopy := rc
		run(func(ctx context.Context) error {
			err := s.retryOne(ctx, rcCopy)
			if err == nil {
				s.totalRetried.Add(1)
			}
			return err
		}, "retry")
	}
	wg.Wait()
}

func (s *Sweeper) pollOne(ctx context.Context, pp pgpayments.PendingPoll) error {
	now := time.Now().UTC()
	pay := pp.Payment

	// A PENDING payment with no checkout id was never accepted by the
	// provider; there is nothing to query.
	if pp.CheckoutRequestID == "" {
		return s.publish(ctx, messages.PaymentResult{
			PaymentID:     pay.ID,
			OrderID:       pay.OrderID,
			Status:        models.PaymentStatusFailed,
			ResultDesc:    "no provider request recorded for this attempt",
			CheckedAt:     now,
			NextAttemptAt: s.nextRetryAt(now, pay.RetryCount),
		})
	}

	if err := s.throttle(ctx, now); err != nil {
		return err
	}

	res, err := s.gateway.CheckStatus(ctx, pp.CheckoutRequestID)
	if err != nil {
		// leave the lease in place; the next cycle after it expires
		// will ask again
		return errors.Wrap(err, "check status")
	}

	msg := messages.PaymentResult{
		PaymentID:         pay.ID,
		OrderID:           pay.OrderID,
		CheckoutRequestID: pp.CheckoutRequestID,
		ResultCode:        &res.ResultCode,
		ResultDesc:        res.ResultDesc,
		CheckedAt:         now,
	}

	switch res.Status {
	case mpesa.StatusCompleted:
		msg.Status = models.PaymentStatusCompleted
		if res.ReceiptNumber != "" {
			msg.Receipt = &res.ReceiptNumber
		}
	case mpesa.StatusPending:
		// The polling window already expired once. One query is the
		// courtesy; an answer that is still pending counts as a
		// timeout so the customer can retry.
		msg.Status = models.PaymentStatusFailed
		msg.ResultDesc = "no confirmation within the payment window"
		msg.NextAttemptAt = s.nextRetryAt(now, pay.RetryCount)
	default: // FAILED, TIMEOUT
		msg.Status = models.PaymentStatusFailed
		msg.NextAttemptAt = s.nextRetryAt(now, pay.RetryCount)
	}

	return s.publish(ctx, msg)
}

func (s *Sweeper) retryOne(ctx context.Context, rc pgpayments.RetryCandidate) error {
	now := time.Now().UTC()
	pay := rc.Payment

	if err := s.throttle(ctx, now); err != nil {
		return err
	}

	res, err := s.gateway.InitiatePayment(ctx, mpesa.InitiateRequest{
		Phone:       pay.Phone,
		AmountCents: pay.AmountCents,
		OrderNumber: rc.OrderNumber,
		Description: "Order " + rc.OrderNumber,
	})
	if err != nil {
		return errors.Wrap(err, "initiate retry")
	}

	msg := messages.PaymentResult{
		PaymentID: pay.ID,
		OrderID:   pay.OrderID,
		Retry:     true,
		CheckedAt: now,
	}
	if res.Accepted {
		msg.Status = models.PaymentStatusPending
		msg.CheckoutRequestID = res.CheckoutRequestID
		if res.MerchantRequestID != "" {
			msg.MerchantRequestID = &res.MerchantRequestID
		}
		msg.ResultDesc = res.Message
		pollAt := now.Add(s.planner.PollDelay())
		msg.NextAttemptAt = &pollAt
	} else {
		msg.Status = models.PaymentStatusFailed
		msg.ResultDesc = res.Message
		// this rejection consumes an attempt
		msg.NextAttemptAt = s.nextRetryAt(now, pay.RetryCount+1)
	}

	return s.publish(ctx, msg)
}

func (s *Sweeper) nextRetryAt(now time.Time, retryCount int32) *time.Time {
	if retryCount >= models.MaxPaymentRetries {
		return nil
	}
	t := now.Add(s.planner.RetryDelay(retryCount + 1))
	return &t
}

func (s *Sweeper) throttle(ctx context.Context, now time.Time) error {
	if s.rl == nil || s.rateLimitPerMinute <= 0 {
		return nil
	}
	key := fmt.Sprintf("rl:mpesa:%s", now.Format("200601021504"))
	allowed, n, err := s.rl.Allow(ctx, key, s.rateLimitPerMinute, 70*time.Second)
	if err != nil {
		return err
	}
	if !allowed {
		slog.Warn("provider rate limit exceeded", "count", n)
		time.Sleep(500 * time.Millisecond)
	}
	return nil
}

func (s *Sweeper) publish(ctx context.Context, msg messages.PaymentResult) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal payment result")
	}

	key := []byte(msg.PaymentID.String())
	// Kafka may not be up right after compose start; retry briefly.
	var pubErr error
	for i := 0; i < 10; i++ {
		if err := s.producer.Publish(ctx, s.topic, key, b); err == nil {
			return nil
		} else {
			pubErr = err
			time.Sleep(time.Duration(150*(i+1)) * time.Millisecond)
		}
	}
	return pubErr
}

func (s *Sweeper) recordError(err error) {
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
}
