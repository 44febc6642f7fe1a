package pgpayments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/rodneydean/kaimosi-pay/internal/models"
)

// CreatePayment opens the single payment record for an order. The
// amount is copied from the order's total inside the transaction so
// the two can never disagree.
func (s *Storage) CreatePayment(ctx context.Context, orderID uint64, phone string) (*models.Payment, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var total int64
	err = tx.QueryRow(ctx, `SELECT total_cents FROM orders WHERE id = $1`, orderID).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select order total")
	}

	id := uuid.New()
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
INSERT INTO payments (id, order_id, amount_cents, phone, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$6)
`, id, orderID, total, phone, models.PaymentStatusUnpaid, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, ErrActivePaymentExists
		}
		return nil, errors.Wrap(err, "insert payment")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return s.GetPayment(ctx, id)
}

const selectPaymentSQL = `
SELECT
  id, order_id, amount_cents, phone, status,
  provider_receipt, failure_reason,
  retry_count, last_retry_at, next_attempt_at,
  created_at, updated_at
FROM payments`

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(
		&p.ID, &p.OrderID, &p.AmountCents, &p.Phone, &p.Status,
		&p.ProviderReceipt, &p.FailureReason,
		&p.RetryCount, &p.LastRetryAt, &p.NextAttemptAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan payment")
	}
	return &p, nil
}

func (s *Storage) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return scanPayment(s.db.QueryRow(ctx, selectPaymentSQL+` WHERE id = $1`, id))
}

func (s *Storage) GetPaymentByOrder(ctx context.Context, orderID uint64) (*models.Payment, error) {
	return scanPayment(s.db.QueryRow(ctx, selectPaymentSQL+` WHERE order_id = $1`, orderID))
}

// GetPaymentByCheckoutRequestID correlates a provider callback with
// the payment that issued the request. Unknown ids mean the callback
// must be rejected, never turned into new state.
func (s *Storage) GetPaymentByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.Payment, error) {
	return scanPayment(s.db.QueryRow(ctx, selectPaymentSQL+`
WHERE id = (
  SELECT payment_id FROM payment_transactions
  WHERE checkout_request_id = $1
  ORDER BY initiated_at DESC
  LIMIT 1
)`, checkoutRequestID))
}

func (s *Storage) ListTransactions(ctx context.Context, paymentID uuid.UUID) ([]*models.Transaction, error) {
	rows, err := s.db.Query(ctx, `
SELECT
  id, payment_id, phone, amount_cents,
  merchant_request_id, checkout_request_id,
  status, result_code, result_desc, raw_callback,
  initiated_at, completed_at
FROM payment_transactions
WHERE payment_id = $1
ORDER BY initiated_at
`, paymentID)
	if err != nil {
		return nil, errors.Wrap(err, "select transactions")
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		var raw *string
		if err := rows.Scan(
			&t.ID, &t.PaymentID, &t.Phone, &t.AmountCents,
			&t.MerchantRequestID, &t.CheckoutRequestID,
			&t.Status, &t.ResultCode, &t.ResultDesc, &raw,
			&t.InitiatedAt, &t.CompletedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan transaction")
		}
		if raw != nil {
			t.RawCallback = []byte(*raw)
		}
		out = append(out, &t)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// PaymentResultUpdate carries one resolved (or re-initiated) payment
// attempt into storage. Every write path — webhook callback, status
// poll, initiate acceptance, retry — funnels through ApplyPaymentResult
// so the transition table is enforced in exactly one place.
type PaymentResultUpdate struct {
	PaymentID uuid.UUID

	// Target payment status: PENDING, COMPLETED or FAILED.
	Status string

	MerchantRequestID *string
	CheckoutRequestID string

	ResultCode *int
	ResultDesc string
	Receipt    *string

	// AmountCents from the callback metadata; 0 means not reported.
	AmountCents int64

	RawCallback []byte
	CheckedAt   time.Time

	// Retry marks a retry re-initiation outcome; it bumps the retry
	// counter whether the attempt was accepted or rejected.
	Retry bool

	// NextAttemptAt schedules the sweeeper's next look (poll window
	// for PENDING, backoff for a retryable FAILED). Nil clears it.
	NextAttemptAt *time.Time
}

// ApplyPaymentResult applies one attempt outcome as a single
// all-or-nothing transaction: payment status, the transaction record,
// and — on completion — the order flip to PAID plus its timeline entry
// all commit together or not at all.
func (s *Storage) ApplyPaymentResult(ctx context.Context, upd PaymentResultUpdate) (*models.Order, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur struct {
		orderID     uint64
		amountCents int64
		phone       string
		status      string
		retryCount  int32
	}
	err = tx.QueryRow(ctx, `
SELECT order_id, amount_cents, phone, status, retry_count
FROM payments WHERE id = $1 FOR UPDATE
`, upd.PaymentID).Scan(&cur.orderID, &cur.amountCents, &cur.phone, &cur.status, &cur.retryCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock payment")
	}

	now := upd.CheckedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var paidOrder bool
	switch upd.Status {
	case models.PaymentStatusPending:
		if upd.Retry && cur.retryCount >= models.MaxPaymentRetries {
			return nil, errors.Errorf("payment %s has exhausted its %d retries", upd.PaymentID, models.MaxPaymentRetries)
		}
		if err := models.CanTransitPayment(cur.status, models.PaymentStatusPending); err != nil {
			return nil, err
		}
		if upd.Retry {
			_, err = tx.Exec(ctx, `
UPDATE payments SET status = $2, retry_count = retry_count + 1, last_retry_at = $3,
  next_attempt_at = $4, updated_at = $3
WHERE id = $1
`, upd.PaymentID, models.PaymentStatusPending, now, upd.NextAttemptAt)
		} else {
			_, err = tx.Exec(ctx, `
UPDATE payments SET status = $2, next_attempt_at = $3, updated_at = $4
WHERE id = $1
`, upd.PaymentID, models.PaymentStatusPending, upd.NextAttemptAt, now)
		}
		if err != nil {
			return nil, errors.Wrap(err, "update payment (pending)")
		}

		_, err = tx.Exec(ctx, `
INSERT INTO payment_transactions (
  id, payment_id, phone, amount_cents,
  merchant_request_id, checkout_request_id,
  status, result_desc, initiated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`, uuid.New(), upd.PaymentID, cur.phone, cur.amountCents,
			upd.MerchantRequestID, nullable(upd.CheckoutRequestID),
			models.TxStatusPending, upd.ResultDesc, now)
		if err != nil {
			return nil, errors.Wrap(err, "insert transaction")
		}

		_, err = tx.Exec(ctx, `UPDATE orders SET payment_status = $2, updated_at = $3 WHERE id = $1`,
			cur.orderID, models.OrderPaymentPending, now)
		if err != nil {
			return nil, errors.Wrap(err, "update order payment status")
		}

	case models.PaymentStatusCompleted:
		if cur.status == models.PaymentStatusCompleted {
			return nil, ErrAlreadyReconciled
		}
		if err := models.CanTransitPayment(cur.status, models.PaymentStatusCompleted); err != nil {
			return nil, err
		}
		if upd.AmountCents > 0 && upd.AmountCents != cur.amountCents {
			return nil, errors.Wrapf(ErrAmountMismatch, "callback %d, payment %d", upd.AmountCents, cur.amountCents)
		}

		if err := s.settleTransaction(ctx, tx, upd, cur.phone, cur.amountCents, models.TxStatusCompleted, now); err != nil {
			return nil, err
		}

		_, err = tx.Exec(ctx, `
UPDATE payments SET status = $2, provider_receipt = $3, failure_reason = NULL,
  next_attempt_at = NULL, updated_at = $4
WHERE id = $1
`, upd.PaymentID, models.PaymentStatusCompleted, upd.Receipt, now)
		if err != nil {
			return nil, errors.Wrap(err, "update payment (completed)")
		}

		var orderStatus string
		err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, cur.orderID).Scan(&orderStatus)
		if err != nil {
			return nil, errors.Wrap(err, "lock order")
		}
		if err := models.CanTransitOrder(orderStatus, models.OrderStatusPaid); err != nil {
			return nil, err
		}

		msg := "Payment received"
		if upd.Receipt != nil && *upd.Receipt != "" {
			msg = "Payment received, receipt " + *upd.Receipt
		}
		_, err = tx.Exec(ctx, `UPDATE orders SET status = $2, payment_status = $3, updated_at = $4 WHERE id = $1`,
			cur.orderID, models.OrderStatusPaid, models.OrderPaymentCompleted, now)
		if err != nil {
			return nil, errors.Wrap(err, "update order (paid)")
		}
		_, err = tx.Exec(ctx, `
INSERT INTO order_timeline (order_id, status, message, created_at)
VALUES ($1,$2,$3,$4)
`, cur.orderID, models.OrderStatusPaid, msg, now)
		if err != nil {
			return nil, errors.Wrap(err, "insert timeline entry")
		}
		paidOrder = true

	case models.PaymentStatusFailed:
		switch {
		case cur.status == models.PaymentStatusFailed && upd.Retry:
			// A rejected retry attempt: no status change, just the
			// bookkeeping and the failed transaction.
			_, err = tx.Exec(ctx, `
UPDATE payments SET retry_count = retry_count + 1, last_retry_at = $2,
  failure_reason = $3, next_attempt_at = $4, updated_at = $2
WHERE id = $1
`, upd.PaymentID, now, upd.ResultDesc, upd.NextAttemptAt)
			if err != nil {
				return nil, errors.Wrap(err, "update payment (retry failed)")
			}
			if err := s.insertFailedTransaction(ctx, tx, upd, cur.phone, cur.amountCents, now); err != nil {
				return nil, err
			}

		case cur.status == models.PaymentStatusFailed:
			return nil, ErrAlreadyReconciled

		default:
			if err := models.CanTransitPayment(cur.status, models.PaymentStatusFailed); err != nil {
				return nil, err
			}
			if err := s.settleTransaction(ctx, tx, upd, cur.phone, cur.amountCents, models.TxStatusFailed, now); err != nil {
				return nil, err
			}
			_, err = tx.Exec(ctx, `
UPDATE payments SET status = $2, failure_reason = $3, next_attempt_at = $4, updated_at = $5
WHERE id = $1
`, upd.PaymentID, models.PaymentStatusFailed, upd.ResultDesc, upd.NextAttemptAt, now)
			if err != nil {
				return nil, errors.Wrap(err, "update payment (failed)")
			}
			// The order stays in its fulfillment state; only its
			// payment marker changes.
			_, err = tx.Exec(ctx, `UPDATE orders SET payment_status = $2, updated_at = $3 WHERE id = $1`,
				cur.orderID, models.OrderPaymentFailed, now)
			if err != nil {
				return nil, errors.Wrap(err, "update order payment status")
			}
		}

	default:
		return nil, errors.Errorf("unsupported target payment status %q", upd.Status)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}

	if paidOrder {
		return s.GetOrder(ctx, cur.orderID)
	}
	return nil, nil
}

// settleTransaction resolves the PENDING transaction that carries this
// checkout request id, or inserts a terminal one when the poll path
// discovered an attempt storage never saw accepted.
func (s *Storage) settleTransaction(ctx context.Context, tx pgx.Tx, upd PaymentResultUpdate, phone string, amountCents int64, status string, now time.Time) error {
	var raw *string
	if len(upd.RawCallback) > 0 {
		v := string(upd.RawCallback)
		raw = &v
	}

	tag, err := tx.Exec(ctx, `
UPDATE payment_transactions
SET status = $3, result_code = $4, result_desc = $5, raw_callback = COALESCE($6, raw_callback), completed_at = $7
WHERE payment_id = $1 AND checkout_request_id = $2 AND status = $8
`, upd.PaymentID, nullable(upd.CheckoutRequestID), status, upd.ResultCode, upd.ResultDesc, raw, now, models.TxStatusPending)
	if err != nil {
		return errors.Wrap(err, "settle transaction")
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	_, err = tx.Exec(ctx, `
INSERT INTO payment_transactions (
  id, payment_id, phone, amount_cents,
  merchant_request_id, checkout_request_id,
  status, result_code, result_desc, raw_callback,
  initiated_at, completed_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
`, uuid.New(), upd.PaymentID, phone, amountCents,
		upd.MerchantRequestID, nullable(upd.CheckoutRequestID),
		status, upd.ResultCode, upd.ResultDesc, raw, now)
	return errors.Wrap(err, "insert settled transaction")
}

func (s *Storage) insertFailedTransaction(ctx context.Context, tx pgx.Tx, upd PaymentResultUpdate, phone string, amountCents int64, now time.Time) error {
	var raw *string
	if len(upd.RawCallback) > 0 {
		v := string(upd.RawCallback)
		raw = &v
	}
	_, err := tx.Exec(ctx, `
INSERT INTO payment_transactions (
  id, payment_id, phone, amount_cents,
  merchant_request_id, checkout_request_id,
  status, result_code, result_desc, raw_callback,
  initiated_at, completed_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
`, uuid.New(), upd.PaymentID, phone, amountCents,
		upd.MerchantRequestID, nullable(upd.CheckoutRequestID),
		models.TxStatusFailed, upd.ResultCode, upd.ResultDesc, raw, now)
	return errors.Wrap(err, "insert failed transaction")
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
