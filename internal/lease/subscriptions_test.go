package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/leasewise/internal/events"
	"github.com/mmynk/leasewise/internal/models"
	"github.com/mmynk/leasewise/internal/processor"
	"github.com/mmynk/leasewise/internal/processor/fake"
)

func TestCreateSubscription(t *testing.T) {
	ctx := context.Background()

	t.Run("requires an executed contract", func(t *testing.T) {
		h := newHarness(t)
		c := h.draft(t, "prop-1", h.now)
		h.sign(t, c, models.RoleTenant)

		_, err := h.m.CreateSubscription(ctx, c.ID)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		_, err = h.m.CreateSubscription(ctx, "missing")
		assert.ErrorIs(t, err, ErrUnknownContract)
	})

	t.Run("lease starting now bills immediately", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribed(t)

		assert.NotEmpty(t, sub.ExternalID)
		assert.NotEmpty(t, sub.CustomerID)
		assert.NotEmpty(t, sub.ProductID)
		assert.Equal(t, int64(1000), sub.MonthlyAmount)
		assert.Equal(t, "eur", sub.Currency)

		created := h.events.OfKind(events.KindSubscriptionCreated)
		require.Len(t, created, 1)
		ev := created[0].(events.SubscriptionCreated)
		assert.Equal(t, int64(0), ev.TrialDays)
		assert.True(t, ev.NextPaymentDue.Equal(sub.CurrentPeriodEnd))
	})

	t.Run("future lease start gets a trial", func(t *testing.T) {
		h := newHarness(t)
		c := h.executed(t, "prop-1", time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC))

		sub, err := h.m.CreateSubscription(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SubscriptionActive, sub.Status)

		ev := h.events.OfKind(events.KindSubscriptionCreated)[0].(events.SubscriptionCreated)
		assert.Equal(t, int64(16), ev.TrialDays)
		assert.True(t, sub.NextPaymentDue.Equal(h.now.AddDate(0, 0, 16)))
	})

	t.Run("second create is rejected", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribed(t)

		_, err := h.m.CreateSubscription(ctx, sub.ContractID)
		require.ErrorIs(t, err, ErrAlreadySubscribed)

		open, err := h.m.GetSubscriptionByContract(ctx, sub.ContractID)
		require.NoError(t, err)
		assert.Equal(t, sub.ID, open.ID)
		assert.Equal(t, 1, h.proc.Calls("CreateSubscription"))
	})

	t.Run("concurrent creates reach the processor once", func(t *testing.T) {
		h := newHarness(t)
		c := h.executed(t, "prop-1", h.now)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded int
		)
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.m.CreateSubscription(ctx, c.ID)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					succeeded++
				case !errors.Is(err, ErrAlreadySubscribed):
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, succeeded)
		assert.Equal(t, 1, h.proc.Calls("CreateSubscription"))
	})

	t.Run("transient processor failures are retried", func(t *testing.T) {
		h := newHarness(t)
		c := h.executed(t, "prop-1", h.now)
		h.proc.FailNext("CreateSubscription", 2)

		_, err := h.m.CreateSubscription(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, h.proc.Calls("CreateSubscription"))
	})

	t.Run("exhausted retries release the reservation", func(t *testing.T) {
		h := newHarness(t)
		c := h.executed(t, "prop-1", h.now)
		h.proc.FailNext("CreateSubscription", 3)

		_, err := h.m.CreateSubscription(ctx, c.ID)
		require.ErrorIs(t, err, processor.ErrUnavailable)

		_, err = h.m.GetSubscriptionByContract(ctx, c.ID)
		require.ErrorIs(t, err, ErrUnknownSubscription)
		assert.Empty(t, h.events.OfKind(events.KindSubscriptionCreated))

		_, err = h.m.CreateSubscription(ctx, c.ID)
		require.NoError(t, err)
	})
}

// racingProcessor hides existing products from the first lookups, like a
// concurrent resolver creating the product between our lookup and create.
type racingProcessor struct {
	*fake.Processor
	misses int
}

func (p *racingProcessor) FindProduct(ctx context.Context, propertyID string) (processor.Product, error) {
	if p.misses > 0 {
		p.misses--
		return processor.Product{}, processor.ErrNotFound
	}
	return p.Processor.FindProduct(ctx, propertyID)
}

func TestResolveProduct(t *testing.T) {
	ctx := context.Background()
	property := Property{ID: "prop-1", MonthlyRent: 1000, Currency: "eur"}

	t.Run("repeated calls return the same product", func(t *testing.T) {
		h := newHarness(t)
		first, err := h.m.ResolveProduct(ctx, property)
		require.NoError(t, err)
		second, err := h.m.ResolveProduct(ctx, property)
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Equal(t, 1, h.proc.Calls("CreateProduct"))
		assert.Equal(t, 1, h.proc.Calls("FindProduct"), "second call should hit the cache")
	})

	t.Run("existing product is reused", func(t *testing.T) {
		h := newHarness(t)
		seeded := h.proc.SeedProduct(property.ID)

		got, err := h.m.ResolveProduct(ctx, property)
		require.NoError(t, err)
		assert.Equal(t, seeded, got)
		assert.Equal(t, 0, h.proc.Calls("CreateProduct"))
	})

	t.Run("already exists is success", func(t *testing.T) {
		h := newHarness(t)
		seeded := h.proc.SeedProduct(property.ID)
		m := New(h.store, &racingProcessor{Processor: h.proc, misses: 1}, Config{Now: func() time.Time { return h.now }, Retry: &RetryPolicy{MaxAttempts: 1}})

		got, err := m.ResolveProduct(ctx, property)
		require.NoError(t, err)
		assert.Equal(t, seeded, got)
		assert.Equal(t, 1, h.proc.Calls("CreateProduct"))
	})
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.subscribed(t)
	resumeAt := h.now.AddDate(0, 0, 2)
	h.now = h.now.Add(time.Hour)

	paused, err := h.m.PauseSubscription(ctx, sub.ID, &resumeAt)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionPaused, paused.Status)
	assert.True(t, paused.UpdatedAt.Equal(h.now), "transitions are stamped with the manager clock")
	require.NotNil(t, paused.PauseResumesAt)
	assert.True(t, paused.PauseResumesAt.Equal(resumeAt))

	_, err = h.m.PauseSubscription(ctx, sub.ID, nil)
	require.NoError(t, err, "pausing twice is a no-op")
	assert.Equal(t, 1, h.proc.Calls("UpdateSubscription"))

	resumed, err := h.m.ResumeSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionActive, resumed.Status)
	assert.Nil(t, resumed.PauseResumesAt)

	_, err = h.m.ResumeSubscription(ctx, sub.ID)
	require.NoError(t, err, "resuming an active subscription is a no-op")

	past := h.now.Add(-time.Hour)
	_, err = h.m.PauseSubscription(ctx, sub.ID, &past)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.m.PauseSubscription(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownSubscription)
}

func TestPauseCanceledSubscription(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.subscribed(t)

	_, err := h.m.CancelSubscription(ctx, sub.ID, false)
	require.NoError(t, err)

	_, err = h.m.PauseSubscription(ctx, sub.ID, nil)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, models.SubscriptionCanceled, h.status(t, sub.ID))

	_, err = h.m.ResumeSubscription(ctx, sub.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelSubscription(t *testing.T) {
	ctx := context.Background()

	t.Run("immediate cancel is idempotent", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribed(t)

		canceled, err := h.m.CancelSubscription(ctx, sub.ID, false)
		require.NoError(t, err)
		assert.Equal(t, models.SubscriptionCanceled, canceled.Status)
		require.NotNil(t, canceled.CanceledAt)

		again, err := h.m.CancelSubscription(ctx, sub.ID, false)
		require.NoError(t, err)
		assert.Equal(t, models.SubscriptionCanceled, again.Status)
		assert.Equal(t, 1, h.proc.Calls("CancelSubscription"))

		// A new subscription may follow a canceled one.
		_, err = h.m.CreateSubscription(ctx, sub.ContractID)
		assert.NoError(t, err)
	})

	t.Run("at period end twice is a no-op", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribed(t)

		first, err := h.m.CancelSubscription(ctx, sub.ID, true)
		require.NoError(t, err)
		assert.Equal(t, models.SubscriptionActive, first.Status)
		assert.True(t, first.CancelAtPeriodEnd)

		second, err := h.m.CancelSubscription(ctx, sub.ID, true)
		require.NoError(t, err)
		assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
		assert.Equal(t, 1, h.proc.Calls("UpdateSubscription"))
	})

	t.Run("sweep cancels at the boundary", func(t *testing.T) {
		h := newHarness(t)
		sub := h.subscribed(t)
		_, err := h.m.CancelSubscription(ctx, sub.ID, true)
		require.NoError(t, err)

		res, err := h.m.SweepBoundaries(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Canceled)
		assert.Equal(t, models.SubscriptionActive, h.status(t, sub.ID))

		h.now = sub.CurrentPeriodEnd.Add(time.Minute)
		res, err = h.m.SweepBoundaries(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Canceled)

		got, err := h.m.GetSubscription(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SubscriptionCanceled, got.Status)
		require.NotNil(t, got.CanceledAt)
		assert.True(t, got.CanceledAt.Equal(sub.CurrentPeriodEnd))

		res, err = h.m.SweepBoundaries(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Canceled)
	})
}

func TestSweepResumesPausedSubscriptions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sub := h.subscribed(t)
	resumeAt := h.now.AddDate(0, 0, 2)

	_, err := h.m.PauseSubscription(ctx, sub.ID, &resumeAt)
	require.NoError(t, err)

	h.now = h.now.AddDate(0, 0, 3)
	res, err := h.m.SweepBoundaries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resumed)
	assert.Equal(t, models.SubscriptionActive, h.status(t, sub.ID))
}
