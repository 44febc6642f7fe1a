package models

import "github.com/pkg/errors"

// ErrIllegalTransition marks an integrity error: some code path tried
// to move a status along an edge that does not exist.
var ErrIllegalTransition = errors.New("illegal status transition")

var paymentTransitions = map[string][]string{
	PaymentStatusUnpaid:  {PaymentStatusPending},
	PaymentStatusPending: {PaymentStatusCompleted, PaymentStatusFailed},
	// A failed attempt may be re-initiated by the retry sweep; the
	// retry bound is enforced separately via RetryCount. FAILED may
	// also go straight to COMPLETED: a success callback can arrive
	// after the polling window already marked the payment failed.
	PaymentStatusFailed:    {PaymentStatusPending, PaymentStatusCompleted},
	PaymentStatusCompleted: {},
}

var orderTransitions = map[string][]string{
	OrderStatusPending:      {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:         {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing:   {OrderStatusProduction, OrderStatusCancelled},
	OrderStatusProduction:   {OrderStatusQualityCheck, OrderStatusCancelled},
	OrderStatusQualityCheck: {OrderStatusShipping, OrderStatusCancelled},
	OrderStatusShipping:     {OrderStatusDelivered, OrderStatusCancelled},
	OrderStatusDelivered:    {},
	OrderStatusCancelled:    {},
}

func canTransit(table map[string][]string, from, to string) error {
	allowed, ok := table[from]
	if !ok {
		return errors.Wrapf(ErrIllegalTransition, "unknown status %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return errors.Wrapf(ErrIllegalTransition, "%s -> %s", from, to)
}

// CanTransitPayment is the single transition table for payment
// statuses. Every status write goes through it; nothing else compares
// status strings.
func CanTransitPayment(from, to string) error {
	return canTransit(paymentTransitions, from, to)
}

// CanTransitOrder is the fulfillment counterpart of CanTransitPayment.
func CanTransitOrder(from, to string) error {
	return canTransit(orderTransitions, from, to)
}
