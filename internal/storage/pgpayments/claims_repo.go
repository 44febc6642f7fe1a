package pgpayments

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rodneydean/kaimosi-pay/internal/models"
)

// PendingPoll is a PENDING payment whose window expired together with
// the checkout request id its status must be queried under.
type PendingPoll struct {
	Payment           *models.Payment
	CheckoutRequestID string
}

// RetryCandidate is a FAILED payment whose backoff elapsed, plus the
// order fields a fresh push request needs.
type RetryCandidate struct {
	Payment     *models.Payment
	OrderNumber string
}

// ClaimStalePendingPayments picks up to limit PENDING payments whose
// next_attempt_at is due and leases them for lease so concurrent
// workers never poll the same payment twice. SKIP LOCKED keeps
// claimers from queueing behind each other.
func (s *Storage) ClaimStalePendingPayments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]PendingPoll, error) {
	rows, err := s.db.Query(ctx, `
WITH due AS (
  SELECT id FROM payments
  WHERE status = $1 AND next_attempt_at IS NOT NULL AND next_attempt_at <= $2
  ORDER BY next_attempt_at
  LIMIT $3
  FOR UPDATE SKIP LOCKED
)
UPDATE payments p SET next_attempt_at = $4, updated_at = $2
FROM due
LEFT JOIN LATERAL (
  SELECT checkout_request_id FROM payment_transactions t
  WHERE t.payment_id = due.id AND t.checkout_request_id IS NOT NULL
  ORDER BY t.initiated_at DESC
  LIMIT 1
) last ON TRUE
WHERE p.id = due.id
RETURNING
  p.id, p.order_id, p.amount_cents, p.phone, p.status,
  p.provider_receipt, p.failure_reason,
  p.retry_count, p.last_retry_at, p.next_attempt_at,
  p.created_at, p.updated_at,
  last.checkout_request_id
`, models.PaymentStatusPending, now, limit, now.Add(lease))
	if err != nil {
		return nil, errors.Wrap(err, "claim stale pending payments")
	}
	defer rows.Close()

	var out []PendingPoll
	for rows.Next() {
		var p models.Payment
		var checkoutID *string
		if err := rows.Scan(
			&p.ID, &p.OrderID, &p.AmountCents, &p.Phone, &p.Status,
			&p.ProviderReceipt, &p.FailureReason,
			&p.RetryCount, &p.LastRetryAt, &p.NextAttemptAt,
			&p.CreatedAt, &p.UpdatedAt,
			&checkoutID,
		); err != nil {
			return nil, errors.Wrap(err, "scan claimed payment")
		}
		pp := PendingPoll{Payment: &p}
		if checkoutID != nil {
			pp.CheckoutRequestID = *checkoutID
		}
		out = append(out, pp)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ClaimRetryablePayments picks FAILED payments with retries left whose
// backoff elapsed, leasing them the same way. Oldest failures go
// first.
func (s *Storage) ClaimRetryablePayments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]RetryCandidate, error) {
	rows, err := s.db.Query(ctx, `
WITH due AS (
  SELECT id, order_id FROM payments
  WHERE status = $1 AND retry_count < $2
    AND next_attempt_at IS NOT NULL AND next_attempt_at <= $3
  ORDER BY next_attempt_at
  LIMIT $4
  FOR UPDATE SKIP LOCKED
)
UPDATE payments p SET next_attempt_at = $5, updated_at = $3
FROM due
JOIN orders o ON o.id = due.order_id
WHERE p.id = due.id
RETURNING
  p.id, p.order_id, p.amount_cents, p.phone, p.status,
  p.provider_receipt, p.failure_reason,
  p.retry_count, p.last_retry_at, p.next_attempt_at,
  p.created_at, p.updated_at,
  o.order_number
`, models.PaymentStatusFailed, models.MaxPaymentRetries, now, limit, now.Add(lease))
	if err != nil {
		return nil, errors.Wrap(err, "claim retryable payments")
	}
	defer rows.Close()

	var out []RetryCandidate
	for rows.Next() {
		var p models.Payment
		var orderNumber string
		if err := rows.Scan(
			&p.ID, &p.OrderID, &p.AmountCents, &p.Phone, &p.Status,
			&p.ProviderReceipt, &p.FailureReason,
			&p.RetryCount, &p.LastRetryAt, &p.NextAttemptAt,
			&p.CreatedAt, &p.UpdatedAt,
			&orderNumber,
		); err != nil {
			return nil, errors.Wrap(err, "scan retry candidate")
		}
		out = append(out, RetryCandidate{Payment: &p, OrderNumber: orderNumber})
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
