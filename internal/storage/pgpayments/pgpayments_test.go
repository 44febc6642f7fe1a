package pgpayments

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rodneydean/kaimosi-pay/internal/models"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *Storage {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "kaimosi_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/kaimosi_test?sslmode=disable"
	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func TestPGPayments_RepoFlow(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	addr := "Kaimosi, Vihiga County"
	order, err := st.CreateOrder(ctx, models.OrderCreateInput{
		UserID:          "user-42",
		SubtotalCents:   400000,
		ShippingCents:   64000,
		TaxCents:        50000,
		ShippingAddress: &addr,
	})
	require.NoError(t, err)
	require.NotZero(t, order.ID)
	require.Equal(t, int64(514000), order.TotalCents)
	require.Equal(t, models.OrderStatusPending, order.Status)
	require.Equal(t, models.OrderPaymentUnpaid, order.PaymentStatus)
	require.Len(t, order.Timeline, 1)

	byNumber, err := st.GetOrderByNumber(ctx, order.OrderNumber)
	require.NoError(t, err)
	require.Equal(t, order.ID, byNumber.ID)

	pay, err := st.CreatePayment(ctx, order.ID, "254712345678")
	require.NoError(t, err)
	require.Equal(t, order.TotalCents, pay.AmountCents)
	require.Equal(t, models.PaymentStatusUnpaid, pay.Status)

	// one payment per order, ever
	_, err = st.CreatePayment(ctx, order.ID, "254712345678")
	require.ErrorIs(t, err, ErrActivePaymentExists)

	// push accepted by the provider
	merchant := "sbx-1"
	checkout := "ws_CO_280820261230001"
	pollAt := time.Now().UTC().Add(2 * time.Minute)
	changed, err := st.ApplyPaymentResult(ctx, PaymentResultUpdate{
		PaymentID:         pay.ID,
		Status:            models.PaymentStatusPending,
		MerchantRequestID: &merchant,
		CheckoutRequestID: checkout,
		ResultDesc:        "Request accepted for processing",
		NextAttemptAt:     &pollAt,
	})
	require.NoError(t, err)
	require.Nil(t, changed)

	byCheckout, err := st.GetPaymentByCheckoutRequestID(ctx, checkout)
	require.NoError(t, err)
	require.Equal(t, pay.ID, byCheckout.ID)
	require.Equal(t, models.PaymentStatusPending, byCheckout.Status)

	// callback confirms the charge
	receipt := "TAB12XYZ9"
	code := 0
	paid, err := st.ApplyPaymentResult(ctx, PaymentResultUpdate{
		PaymentID:         pay.ID,
		Status:            models.PaymentStatusCompleted,
		CheckoutRequestID: checkout,
		ResultCode:        &code,
		ResultDesc:        "The service request is processed successfully.",
		Receipt:           &receipt,
		AmountCents:       514000,
		RawCallback:       []byte(`{"Body":{}}`),
	})
	require.NoError(t, err)
	require.NotNil(t, paid)
	require.Equal(t, models.OrderStatusPaid, paid.Status)
	require.Equal(t, models.OrderPaymentCompleted, paid.PaymentStatus)
	require.Len(t, paid.Timeline, 2)

	pay, err = st.GetPaymentByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusCompleted, pay.Status)
	require.NotNil(t, pay.ProviderReceipt)
	require.Equal(t, receipt, *pay.ProviderReceipt)
	require.Nil(t, pay.NextAttemptAt)

	// a replayed callback is a no-op
	_, err = st.ApplyPaymentResult(ctx, PaymentResultUpdate{
		PaymentID:         pay.ID,
		Status:            models.PaymentStatusCompleted,
		CheckoutRequestID: checkout,
		Receipt:           &receipt,
	})
	require.ErrorIs(t, err, ErrAlreadyReconciled)

	txs, err := st.ListTransactions(ctx, pay.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, models.TxStatusCompleted, txs[0].Status)
	require.NotNil(t, txs[0].CompletedAt)
}

func TestPGPayments_AmountMismatch(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	order, err := st.CreateOrder(ctx, models.OrderCreateInput{
		UserID: "user-1", SubtotalCents: 100000,
	})
	require.NoError(t, err)
	pay, err := st.CreatePayment(ctx, order.ID, "254712345678")
	require.NoError(t, err)

	checkout := "ws_CO_1"
	_, err = st.ApplyPaymentResult(ctx, PaymentResultUpdate{
		PaymentID: pay.ID, Status: models.PaymentStatusPending, CheckoutRequestID: checkout,
	})
	require.NoError(t, err)

	_, err = st.ApplyPaymentResult(ctx, PaymentResultUpdate{
		PaymentID:         pay.ID,
		Status:            models.PaymentStatusCompleted,
		CheckoutRequestID: checkout,
		AmountCents:       99999,
	})
	require.ErrorIs(t, err, ErrAmountMismatch)

	// still pending, the good callback can land later
	pay, err = st.GetPaymentByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusPending, pay.Status)
}

func TestPGPayments_ClaimsAndRetry(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	order, err := st.CreateOrder(ctx, models.OrderCreateInput{
		UserID: "user-2", SubtotalCents: 250000,
	})
	require.NoError(t, err)
	pay, err := st.CreatePayment(ctx, order.ID, "254712345678")
	require.NoError(t, err)

	checkout := "ws_CO_2"
	past := time.Now().UTC().Add(-time.Minute)
	_, err = st.ApplyPaymentResult(ctx, PaymentResultUpdate{
		PaymentID: pay.ID, Status: models.PaymentStatusPending,
		CheckoutRequestID: checkout, NextAttemptAt: &past,
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	lease := 10 * time.Second
	stale, err := st.ClaimStalePendingPayments(ctx, now, 10, lease)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, pay.ID, stale[0].Payment.ID)
	require.Equal(t, checkout, stale[0].CheckoutRequestID)
	require.WithinDuration(t, now.Add(lease), *stale[0].Payment.NextAttemptAt, 2*time.Second)

	// leased rows stay claimed until the lease runs out
	again, err := st.ClaimStalePendingPayments(ctx, now, 10, lease)
	require.NoError(t, err)
	require.Empty(t, again)

	// poll says the push never completed
	code := 1037
	backoff := now.Add(-time.Second)
	_, err = st.ApplyPaymentResult(ctx, PaymentResultUpdate{
		PaymentID: pay.ID, Status: models.PaymentStatusFailed,
		CheckoutRequestID: checkout, ResultCode: &code,
		ResultDesc: "DS timeout", NextAttemptAt: &backoff,
	})
	require.NoError(t, err)

	retries, err := st.ClaimRetryablePayments(ctx, now, 10, lease)
	require.NoError(t, err)
	require.Len(t, retries, 1)
	require.Equal(t, pay.ID, retries[0].Payment.ID)
	require.Equal(t, order.OrderNumber, retries[0].OrderNumber)

	// provider accepts the retry push
	checkout2 := "ws_CO_3"
	_, err = st.ApplyPaymentResult(ctx, PaymentResultUpdate{
		PaymentID: pay.ID, Status: models.PaymentStatusPending,
		CheckoutRequestID: checkout2, Retry: true,
	})
	require.NoError(t, err)

	pay, err = st.GetPaymentByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, models.PaymentStatusPending, pay.Status)
	require.Equal(t, int32(1), pay.RetryCount)
	require.NotNil(t, pay.LastRetryAt)

	txs, err := st.ListTransactions(ctx, pay.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
}

func TestPGPayments_CancelRacesCompletion(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	for i := 0; i < 15; i++ {
		order, err := st.CreateOrder(ctx, models.OrderCreateInput{
			UserID: "user-4", SubtotalCents: 90000,
		})
		require.NoError(t, err)
		pay, err := st.CreatePayment(ctx, order.ID, "254712345678")
		require.NoError(t, err)

		checkout := fmt.Sprintf("ws_CO_race_%d", i)
		_, err = st.ApplyPaymentResult(ctx, PaymentResultUpdate{
			PaymentID: pay.ID, Status: models.PaymentStatusPending, CheckoutRequestID: checkout,
		})
		require.NoError(t, err)

		var wg sync.WaitGroup
		var completeErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			code := 0
			_, completeErr = st.ApplyPaymentResult(ctx, PaymentResultUpdate{
				PaymentID: pay.ID, Status: models.PaymentStatusCompleted,
				CheckoutRequestID: checkout, ResultCode: &code, AmountCents: 90000,
			})
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = st.CancelOrder(ctx, order.ID, "race")
		}()
		wg.Wait()

		// both paths lock payment then order, so each side either wins
		// cleanly or fails with its own guard, never with a deadlock
		if completeErr != nil {
			require.ErrorIs(t, completeErr, models.ErrIllegalTransition)
		}
		if cancelErr != nil {
			require.ErrorIs(t, cancelErr, ErrPaymentPending)
		}
	}
}

func TestPGPayments_CancelBlockedWhilePending(t *testing.T) {
	ctx := context.Background()
	st := startPostgres(t)

	order, err := st.CreateOrder(ctx, models.OrderCreateInput{
		UserID: "user-3", SubtotalCents: 120000,
	})
	require.NoError(t, err)
	pay, err := st.CreatePayment(ctx, order.ID, "254712345678")
	require.NoError(t, err)

	_, err = st.ApplyPaymentResult(ctx, PaymentResultUpdate{
		PaymentID: pay.ID, Status: models.PaymentStatusPending, CheckoutRequestID: "ws_CO_4",
	})
	require.NoError(t, err)

	_, err = st.CancelOrder(ctx, order.ID, "customer changed their mind")
	require.ErrorIs(t, err, ErrPaymentPending)

	code := 1032
	_, err = st.ApplyPaymentResult(ctx, PaymentResultUpdate{
		PaymentID: pay.ID, Status: models.PaymentStatusFailed,
		CheckoutRequestID: "ws_CO_4", ResultCode: &code, ResultDesc: "Request cancelled by user",
	})
	require.NoError(t, err)

	cancelled, err := st.CancelOrder(ctx, order.ID, "customer changed their mind")
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusCancelled, cancelled.Status)
}
