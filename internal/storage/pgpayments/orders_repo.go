package pgpayments

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/rodneydean/kaimosi-pay/internal/models"
)

const pgUniqueViolation = "23505"

func (s *Storage) CreateOrder(ctx context.Context, in models.OrderCreateInput) (*models.Order, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	// The random suffix makes same-second collisions unlikely; the
	// unique constraint makes them impossible. One regenerate retry.
	var id uint64
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		number := models.NewOrderNumber(now, randFn(s.randIntn))
		id, lastErr = s.insertOrder(ctx, in, number, now)
		if lastErr == nil {
			return s.GetOrder(ctx, id)
		}
		var pgErr *pgconn.PgError
		if !errors.As(lastErr, &pgErr) || pgErr.Code != pgUniqueViolation {
			return nil, lastErr
		}
	}
	return nil, errors.Wrap(lastErr, "order number collision")
}

type randFn func(n int) int

func (f randFn) Intn(n int) int { return f(n) }

func (s *Storage) insertOrder(ctx context.Context, in models.OrderCreateInput, number string, now time.Time) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id uint64
	err = tx.QueryRow(ctx, `
INSERT INTO orders (
  order_number, user_id,
  subtotal_cents, tax_cents, shipping_cents, total_cents,
  status, payment_status, shipping_address,
  created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
RETURNING id
`, number, in.UserID,
		in.SubtotalCents, in.TaxCents, in.ShippingCents, in.TotalCents(),
		models.OrderStatusPending, models.OrderPaymentUnpaid, in.ShippingAddress,
		now).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "insert order")
	}

	_, err = tx.Exec(ctx, `
INSERT INTO order_timeline (order_id, status, message, created_at)
VALUES ($1,$2,$3,$4)
`, id, models.OrderStatusPending, "Order created", now)
	if err != nil {
		return 0, errors.Wrap(err, "insert timeline entry")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit tx")
	}
	return id, nil
}

func (s *Storage) GetOrder(ctx context.Context, id uint64) (*models.Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, selectOrderSQL+` WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	o.Timeline, err = s.ListTimeline(ctx, id, 0, 0)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Storage) GetOrderByNumber(ctx context.Context, number string) (*models.Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, selectOrderSQL+` WHERE order_number = $1`, number))
	if err != nil {
		return nil, err
	}
	o.Timeline, err = s.ListTimeline(ctx, o.ID, 0, 0)
	if err != nil {
		return nil, err
	}
	return o, nil
}

const selectOrderSQL = `
SELECT
  id, order_number, user_id,
  subtotal_cents, tax_cents, shipping_cents, total_cents,
  status, payment_status,
  tracking_number, shipping_address, deleted_at,
  created_at, updated_at
FROM orders`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	err := row.Scan(
		&o.ID, &o.OrderNumber, &o.UserID,
		&o.SubtotalCents, &o.TaxCents, &o.ShippingCents, &o.TotalCents,
		&o.Status, &o.PaymentStatus,
		&o.TrackingNumber, &o.ShippingAddress, &o.DeletedAt,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan order")
	}
	return &o, nil
}

func (s *Storage) ListTimeline(ctx context.Context, orderID uint64, limit, offset int) ([]*models.TimelineEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT id, order_id, status, message, created_at
FROM order_timeline
WHERE order_id = $1
ORDER BY id
LIMIT $2 OFFSET $3
`, orderID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select timeline")
	}
	defer rows.Close()

	var out []*models.TimelineEntry
	for rows.Next() {
		var e models.TimelineEntry
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Status, &e.Message, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan timeline entry")
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// AdvanceOrderStatus moves the order one fulfillment stage forward (an
// administrative action) and appends the matching timeline entry in
// the same transaction, keeping the denormalized status and the
// timeline in lockstep.
func (s *Storage) AdvanceOrderStatus(ctx context.Context, orderID uint64, newStatus, message string, trackingNumber *string) (*models.Order, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock order")
	}

	if err := models.CanTransitOrder(cur, newStatus); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if trackingNumber != nil {
		_, err = tx.Exec(ctx, `UPDATE orders SET status = $2, tracking_number = $3, updated_at = $4 WHERE id = $1`,
			orderID, newStatus, *trackingNumber, now)
	} else {
		_, err = tx.Exec(ctx, `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`,
			orderID, newStatus, now)
	}
	if err != nil {
		return nil, errors.Wrap(err, "update order status")
	}

	_, err = tx.Exec(ctx, `
INSERT INTO order_timeline (order_id, status, message, created_at)
VALUES ($1,$2,$3,$4)
`, orderID, newStatus, message, now)
	if err != nil {
		return nil, errors.Wrap(err, "insert timeline entry")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return s.GetOrder(ctx, orderID)
}

// CancelOrder cancels a non-terminal order. While the payment is
// PENDING the provider still owes an answer, so cancellation is
// refused until the attempt resolves.
func (s *Storage) CancelOrder(ctx context.Context, orderID uint64, message string) (*models.Order, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock payment before order, same order as ApplyPaymentResult, so a
	// cancel racing a completion callback cannot deadlock.
	var payStatus *string
	err = tx.QueryRow(ctx, `SELECT status FROM payments WHERE order_id = $1 FOR UPDATE`, orderID).Scan(&payStatus)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(err, "lock payment")
	}
	if payStatus != nil && *payStatus == models.PaymentStatusPending {
		return nil, ErrPaymentPending
	}

	var cur string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "lock order")
	}

	if err := models.CanTransitOrder(cur, models.OrderStatusCancelled); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if message == "" {
		message = "Order cancelled"
	}
	_, err = tx.Exec(ctx, `UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`,
		orderID, models.OrderStatusCancelled, now)
	if err != nil {
		return nil, errors.Wrap(err, "update order status")
	}
	_, err = tx.Exec(ctx, `
INSERT INTO order_timeline (order_id, status, message, created_at)
VALUES ($1,$2,$3,$4)
`, orderID, models.OrderStatusCancelled, message, now)
	if err != nil {
		return nil, errors.Wrap(err, "insert timeline entry")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return s.GetOrder(ctx, orderID)
}
