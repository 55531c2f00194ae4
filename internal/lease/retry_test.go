package lease

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mmynk/leasewise/internal/processor"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{40, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryPolicy_Do(t *testing.T) {
	var slept []time.Duration
	p := RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    25 * time.Millisecond,
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}
	unavailable := fmt.Errorf("charge: %w", processor.ErrUnavailable)

	t.Run("retries transient errors until success", func(t *testing.T) {
		slept = nil
		calls := 0
		err := p.Do(context.Background(), func(context.Context) error {
			calls++
			if calls < 3 {
				return unavailable
			}
			return nil
		}, nil)
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, slept)
	})

	t.Run("gives up at the ceiling", func(t *testing.T) {
		slept = nil
		calls := 0
		retries := 0
		err := p.Do(context.Background(), func(context.Context) error {
			calls++
			return unavailable
		}, func(int, error) { retries++ })
		assert.ErrorIs(t, err, processor.ErrUnavailable)
		assert.Equal(t, 4, calls)
		assert.Equal(t, 3, retries)
		assert.Equal(t, 25*time.Millisecond, slept[len(slept)-1])
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		calls := 0
		declined := &processor.ChargeError{InvoiceID: "in_1", Reason: "card_declined"}
		err := p.Do(context.Background(), func(context.Context) error {
			calls++
			return declined
		}, nil)
		assert.ErrorIs(t, err, processor.ErrChargeFailed)
		assert.Equal(t, 1, calls)
	})

	t.Run("canceled context stops the wait", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		real := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour}
		err := real.Do(ctx, func(context.Context) error { return unavailable }, nil)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.ErrorIs(t, err, processor.ErrUnavailable)
	})
}
