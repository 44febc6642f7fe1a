package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Fulfillment statuses. The order's Status field always mirrors the
// status of the last timeline entry.
const (
	OrderStatusPending      = "PENDING"
	OrderStatusPaid         = "PAID"
	OrderStatusProcessing   = "PROCESSING"
	OrderStatusProduction   = "PRODUCTION"
	OrderStatusQualityCheck = "QUALITY_CHECK"
	OrderStatusShipping     = "SHIPPING"
	OrderStatusDelivered    = "DELIVERED"
	OrderStatusCancelled    = "CANCELLED"
)

// Order-level payment statuses.
const (
	OrderPaymentUnpaid    = "UNPAID"
	OrderPaymentPending   = "PENDING"
	OrderPaymentCompleted = "COMPLETED"
	OrderPaymentFailed    = "FAILED"
	OrderPaymentRefunded  = "REFUNDED"
)

type Order struct {
	ID          uint64
	OrderNumber string
	UserID      string

	// Money is whole KES kept in cents. Total is computed once at
	// creation and never recomputed from mutated parts.
	SubtotalCents int64
	TaxCents      int64
	ShippingCents int64
	TotalCents    int64

	Status        string
	PaymentStatus string

	TrackingNumber  *string
	ShippingAddress *string
	DeletedAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	Timeline []*TimelineEntry
}

// TimelineEntry is one append-only fulfillment audit record. Entries
// are never edited or deleted.
type TimelineEntry struct {
	ID      uint64
	OrderID uint64
	Status  string
	Message string

	CreatedAt time.Time
}

type OrderCreateInput struct {
	UserID          string
	SubtotalCents   int64
	TaxCents        int64
	ShippingCents   int64
	ShippingAddress *string
}

func (in OrderCreateInput) Validate() error {
	if in.UserID == "" {
		return errors.New("userId is required")
	}
	if in.SubtotalCents < 0 || in.TaxCents < 0 || in.ShippingCents < 0 {
		return errors.New("money amounts must be non-negative")
	}
	return nil
}

// TotalCents is the only place the order total is derived.
func (in OrderCreateInput) TotalCents() int64 {
	return in.SubtotalCents + in.TaxCents + in.ShippingCents
}

const orderNumberAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

type Rand interface {
	Intn(n int) int
}

// NewOrderNumber builds a human-readable order number: time-based plus
// a random base36 suffix. Global uniqueness is enforced by the storage
// layer; the suffix only makes same-second collisions unlikely.
func NewOrderNumber(now time.Time, r Rand) string {
	var b strings.Builder
	for i := 0; i < 4; i++ {
		b.WriteByte(orderNumberAlphabet[r.Intn(len(orderNumberAlphabet))])
	}
	return fmt.Sprintf("ORD-%s-%s", now.UTC().Format("20060102150405"), b.String())
}

// Terminal reports whether the order can change status at all.
func (o *Order) Terminal() bool {
	return o.Status == OrderStatusDelivered || o.Status == OrderStatusCancelled
}
