package lease

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/leasewise/internal/events"
	"github.com/mmynk/leasewise/internal/models"
	"github.com/mmynk/leasewise/internal/processor"
	"github.com/mmynk/leasewise/internal/storage"
)

func lastOutcome(t *testing.T, rec *events.Recorder) events.PaymentOutcome {
	t.Helper()
	outcomes := rec.OfKind(events.KindPaymentOutcome)
	require.NotEmpty(t, outcomes)
	return outcomes[len(outcomes)-1].(events.PaymentOutcome)
}

func TestHandleFailedPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("declined retry leaves the subscription past due", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribed(t)
		invoice := h.proc.OpenInvoice(sub.ExternalID, 1000)
		h.proc.FailCharges("card_declined")

		err := h.m.HandleFailedPayment(ctx, FailedPayment{SubscriptionID: sub.ID, InvoiceID: invoice, DaysLate: 8, AttemptCount: 1})
		require.NoError(t, err)

		assert.Equal(t, models.SubscriptionPastDue, h.status(t, sub.ID))
		out := lastOutcome(t, h.events)
		assert.False(t, out.Success)
		assert.Equal(t, int64(50), out.LateFee)
		assert.Equal(t, "card_declined", out.FailureReason)

		attempts, err := h.m.ListPaymentAttempts(ctx, sub.ID)
		require.NoError(t, err)
		require.Len(t, attempts, 2)
		assert.Equal(t, 1, attempts[0].AttemptNumber)
		assert.Equal(t, 2, attempts[1].AttemptNumber)
		assert.Equal(t, models.PaymentFailed, attempts[1].Outcome)
	})

	t.Run("late fee is applied once per invoice", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribed(t)
		invoice := h.proc.OpenInvoice(sub.ExternalID, 1000)
		h.proc.FailCharges("card_declined", "card_declined")

		require.NoError(t, h.m.HandleFailedPayment(ctx, FailedPayment{SubscriptionID: sub.ID, InvoiceID: invoice, DaysLate: 8, AttemptCount: 1}))
		require.NoError(t, h.m.HandleFailedPayment(ctx, FailedPayment{SubscriptionID: sub.ID, InvoiceID: invoice, DaysLate: 15, AttemptCount: 3}))

		items := h.proc.InvoiceItems()
		require.Len(t, items, 1)
		assert.Equal(t, int64(50), items[0].Amount)
		assert.Equal(t, sub.ID, items[0].Metadata["subscription_id"])
		assert.Equal(t, invoice, items[0].Metadata["invoice_id"])
		assert.Equal(t, int64(50), lastOutcome(t, h.events).LateFee)

		fee, err := h.store.GetLateFee(ctx, invoice)
		require.NoError(t, err)
		assert.NotEmpty(t, fee.ExternalItemID)
		assert.Equal(t, float64(50), testutil.ToFloat64(h.metrics.LateFeeMinorUnits))
	})

	t.Run("grace period has no fee", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribed(t)
		invoice := h.proc.OpenInvoice(sub.ExternalID, 1000)
		h.proc.FailCharges("insufficient_funds")

		require.NoError(t, h.m.HandleFailedPayment(ctx, FailedPayment{SubscriptionID: sub.ID, InvoiceID: invoice, DaysLate: 5, AttemptCount: 1}))

		assert.Empty(t, h.proc.InvoiceItems())
		assert.Equal(t, int64(0), lastOutcome(t, h.events).LateFee)
		_, err := h.store.GetLateFee(ctx, invoice)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("last retry declined is exhausted", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribed(t)
		invoice := h.proc.OpenInvoice(sub.ExternalID, 1000)
		h.proc.FailCharges("card_declined")

		require.NoError(t, h.m.HandleFailedPayment(ctx, FailedPayment{SubscriptionID: sub.ID, InvoiceID: invoice, DaysLate: 20, AttemptCount: DefaultMaxChargeRetries}))

		assert.Equal(t, 1, h.proc.Calls("ChargeInvoice"))
		assert.Empty(t, h.events.OfKind(events.KindPaymentOutcome))
		exhausted := h.events.OfKind(events.KindPaymentExhausted)
		require.Len(t, exhausted, 1)
		assert.Equal(t, int64(100), exhausted[0].(events.PaymentExhausted).LateFee)
	})

	t.Run("spent budget does not charge", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribed(t)
		invoice := h.proc.OpenInvoice(sub.ExternalID, 1000)

		require.NoError(t, h.m.HandleFailedPayment(ctx, FailedPayment{SubscriptionID: sub.ID, InvoiceID: invoice, DaysLate: 30, AttemptCount: DefaultMaxChargeRetries + 1}))

		assert.Equal(t, 0, h.proc.Calls("ChargeInvoice"))
		assert.Len(t, h.events.OfKind(events.KindPaymentExhausted), 1)
		assert.Equal(t, models.SubscriptionPastDue, h.status(t, sub.ID))
	})

	t.Run("failure of the last retry is exhausted once", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribed(t)
		invoice := h.proc.OpenInvoice(sub.ExternalID, 1000)
		h.proc.FailCharges("card_declined")

		require.NoError(t, h.m.HandleFailedPayment(ctx, FailedPayment{SubscriptionID: sub.ID, InvoiceID: invoice, DaysLate: 20, AttemptCount: 3}))
		// The processor reports the handler's declined retry as attempt 4.
		require.NoError(t, h.m.HandleFailedPayment(ctx, FailedPayment{SubscriptionID: sub.ID, InvoiceID: invoice, DaysLate: 20, AttemptCount: 4, FailureReason: "card_declined"}))

		assert.Equal(t, 1, h.proc.Calls("ChargeInvoice"))
		exhausted := h.events.OfKind(events.KindPaymentExhausted)
		require.Len(t, exhausted, 1)
		assert.Equal(t, 4, exhausted[0].(events.PaymentExhausted).Attempts)
		assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.PaymentOutcomes.WithLabelValues("exhausted")))

		retry, err := h.store.GetPaymentAttempt(ctx, invoice, 4)
		require.NoError(t, err)
		assert.Equal(t, models.SourceRetry, retry.Source)
	})

	t.Run("spent budget reported twice is exhausted once", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribed(t)
		invoice := h.proc.OpenInvoice(sub.ExternalID, 1000)

		fp := FailedPayment{SubscriptionID: sub.ID, InvoiceID: invoice, DaysLate: 30, AttemptCount: DefaultMaxChargeRetries + 2}
		require.NoError(t, h.m.HandleFailedPayment(ctx, fp))
		require.NoError(t, h.m.HandleFailedPayment(ctx, fp))

		assert.Equal(t, 0, h.proc.Calls("ChargeInvoice"))
		assert.Len(t, h.events.OfKind(events.KindPaymentExhausted), 1)
	})

	t.Run("redelivered failure is charged once", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribed(t)
		invoice := h.proc.OpenInvoice(sub.ExternalID, 1000)
		h.proc.FailCharges("card_declined")

		fp := FailedPayment{EventID: "evt_1", SubscriptionID: sub.ID, InvoiceID: invoice, DaysLate: 8, AttemptCount: 1}
		require.NoError(t, h.m.HandleFailedPayment(ctx, fp))
		require.NoError(t, h.m.HandleFailedPayment(ctx, fp))

		assert.Equal(t, 1, h.proc.Calls("ChargeInvoice"))
		assert.Len(t, h.events.OfKind(events.KindPaymentOutcome), 1)
		assert.Equal(t, models.SubscriptionPastDue, h.status(t, sub.ID))

		attempts, err := h.m.ListPaymentAttempts(ctx, sub.ID)
		require.NoError(t, err)
		require.Len(t, attempts, 2)
		assert.Equal(t, models.SourceProcessor, attempts[0].Source)
		assert.Equal(t, models.SourceRetry, attempts[1].Source)
	})

	t.Run("redelivery after a successful retry keeps the subscription active", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribed(t)
		invoice := h.proc.OpenInvoice(sub.ExternalID, 1000)

		fp := FailedPayment{SubscriptionID: sub.ID, InvoiceID: invoice, DaysLate: 8, AttemptCount: 1}
		require.NoError(t, h.m.HandleFailedPayment(ctx, fp))
		require.Equal(t, models.SubscriptionActive, h.status(t, sub.ID))
		require.NoError(t, h.m.HandleFailedPayment(ctx, fp))

		assert.Equal(t, models.SubscriptionActive, h.status(t, sub.ID))
		assert.Equal(t, 1, h.proc.Calls("ChargeInvoice"))
		assert.Len(t, h.events.OfKind(events.KindPaymentOutcome), 1)
	})

	t.Run("processor outage surfaces after retries", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribed(t)
		invoice := h.proc.OpenInvoice(sub.ExternalID, 1000)
		h.proc.FailNext("ChargeInvoice", 3)

		err := h.m.HandleFailedPayment(ctx, FailedPayment{SubscriptionID: sub.ID, InvoiceID: invoice, DaysLate: 8, AttemptCount: 1})
		require.ErrorIs(t, err, processor.ErrUnavailable)
		assert.Equal(t, 3, h.proc.Calls("ChargeInvoice"))
		assert.Empty(t, h.events.OfKind(events.KindPaymentOutcome))

		fee, err := h.store.GetLateFee(ctx, invoice)
		require.NoError(t, err)
		assert.NotEmpty(t, fee.ExternalItemID, "the fee stays applied for the redelivery")
	})

	t.Run("failed fee item is released and nothing is charged", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribed(t)
		invoice := h.proc.OpenInvoice(sub.ExternalID, 1000)
		h.proc.FailNext("AddInvoiceItem", 3)

		err := h.m.HandleFailedPayment(ctx, FailedPayment{SubscriptionID: sub.ID, InvoiceID: invoice, DaysLate: 8, AttemptCount: 1})
		require.ErrorIs(t, err, processor.ErrUnavailable)

		_, err = h.store.GetLateFee(ctx, invoice)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.Equal(t, 0, h.proc.Calls("ChargeInvoice"))
	})

	t.Run("canceled subscription is ignored", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribed(t)
		_, err := h.m.CancelSubscription(ctx, sub.ID, false)
		require.NoError(t, err)

		require.NoError(t, h.m.HandleFailedPayment(ctx, FailedPayment{SubscriptionID: sub.ID, InvoiceID: "in_x", DaysLate: 8, AttemptCount: 1}))
		assert.Equal(t, models.SubscriptionCanceled, h.status(t, sub.ID))
		assert.Equal(t, 0, h.proc.Calls("ChargeInvoice"))
	})

	t.Run("validation", func(t *testing.T) {
		h := newHarness(t)
		err := h.m.HandleFailedPayment(ctx, FailedPayment{SubscriptionID: "s", DaysLate: 1})
		assert.ErrorIs(t, err, ErrInvalidInput)
		err = h.m.HandleFailedPayment(ctx, FailedPayment{SubscriptionID: "missing", InvoiceID: "in", DaysLate: 1})
		assert.ErrorIs(t, err, ErrUnknownSubscription)
	})
}

func TestHandlePaymentSucceeded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.subscribed(t)
	invoice := h.proc.OpenInvoice(sub.ExternalID, 1000)
	h.proc.FailCharges("card_declined")
	require.NoError(t, h.m.HandleFailedPayment(ctx, FailedPayment{SubscriptionID: sub.ID, InvoiceID: invoice, DaysLate: 8, AttemptCount: 1}))

	ps := PaymentSucceeded{SubscriptionID: sub.ID, InvoiceID: invoice, Amount: 1050, AttemptCount: 3}
	require.NoError(t, h.m.HandlePaymentSucceeded(ctx, ps))
	assert.Equal(t, models.SubscriptionActive, h.status(t, sub.ID))

	out := lastOutcome(t, h.events)
	assert.True(t, out.Success)
	assert.Equal(t, int64(50), out.LateFee)

	before := len(h.events.Events())
	require.NoError(t, h.m.HandlePaymentSucceeded(ctx, ps))
	assert.Len(t, h.events.Events(), before, "a repeated success is not reported twice")
}
