package pgpayments

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS orders (
  id BIGSERIAL PRIMARY KEY,
  order_number TEXT NOT NULL UNIQUE,
  user_id TEXT NOT NULL,
  subtotal_cents BIGINT NOT NULL CHECK (subtotal_cents >= 0),
  tax_cents BIGINT NOT NULL CHECK (tax_cents >= 0),
  shipping_cents BIGINT NOT NULL CHECK (shipping_cents >= 0),
  total_cents BIGINT NOT NULL CHECK (total_cents >= 0),
  status TEXT NOT NULL,
  payment_status TEXT NOT NULL,
  tracking_number TEXT NULL,
  shipping_address TEXT NULL,
  deleted_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_user_id ON orders(user_id)`,
		`
CREATE TABLE IF NOT EXISTS order_timeline (
  id BIGSERIAL PRIMARY KEY,
  order_id BIGINT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
  status TEXT NOT NULL,
  message TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_order_timeline_order_id ON order_timeline(order_id, id)`,
		`
CREATE TABLE IF NOT EXISTS payments (
  id UUID PRIMARY KEY,
  order_id BIGINT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
  amount_cents BIGINT NOT NULL CHECK (amount_cents > 0),
  phone TEXT NOT NULL,
  status TEXT NOT NULL,
  provider_receipt TEXT NULL,
  failure_reason TEXT NULL,
  retry_count INT NOT NULL DEFAULT 0,
  last_retry_at TIMESTAMPTZ NULL,
  next_attempt_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		// One payment record per order: retries grow the transaction
		// list, they never create a second payment.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_payments_order_id ON payments(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_sweep ON payments(status, next_attempt_at)`,
		`
CREATE TABLE IF NOT EXISTS payment_transactions (
  id UUID PRIMARY KEY,
  payment_id UUID NOT NULL REFERENCES payments(id) ON DELETE CASCADE,
  phone TEXT NOT NULL,
  amount_cents BIGINT NOT NULL,
  merchant_request_id TEXT NULL,
  checkout_request_id TEXT NULL,
  status TEXT NOT NULL,
  result_code INT NULL,
  result_desc TEXT NOT NULL DEFAULT '',
  raw_callback TEXT NULL,
  initiated_at TIMESTAMPTZ NOT NULL,
  completed_at TIMESTAMPTZ NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_transactions_payment_id ON payment_transactions(payment_id, initiated_at)`,
		// Callback lookup path: checkout request id -> payment.
		`CREATE INDEX IF NOT EXISTS idx_payment_transactions_checkout_id ON payment_transactions(checkout_request_id) WHERE checkout_request_id IS NOT NULL`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
