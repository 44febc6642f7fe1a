package pgpayments

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrActivePaymentExists = errors.New("order already has a payment")
	// ErrAlreadyReconciled marks a duplicate delivery of a result the
	// payment has already reached; callers acknowledge it idempotently.
	ErrAlreadyReconciled = errors.New("payment already reconciled")
	ErrAmountMismatch    = errors.New("callback amount does not match payment")
	// ErrPaymentPending blocks cancellation while the provider still
	// owes a definitive answer for an accepted request.
	ErrPaymentPending = errors.New("payment is awaiting provider resolution")
)

type Storage struct {
	db *pgxpool.Pool

	randMu sync.Mutex
	rand   *rand.Rand
}

func New(connString string) (*Storage, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.Wrap(err, "parse pg config")
	}

	db, err := pgxpool.NewWithConfig(context.Background(), cfg)
	if err != nil {
		return nil, errors.Wrap(err, "connect pg")
	}

	s := &Storage{
		db:   db,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s *Storage) randIntn(n int) int {
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return s.rand.Intn(n)
}
