// Package lease implements the lease execution and rent billing lifecycle:
// the signature ledger, the billing product resolver, the subscription state
// machine and the payment failure handler.
//
// The Manager holds no domain state of its own. Every write goes through a
// conditional update in the store, so any number of Managers may serve the
// same database concurrently.
package lease

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mmynk/leasewise/internal/cache"
	"github.com/mmynk/leasewise/internal/calculator"
	"github.com/mmynk/leasewise/internal/events"
	"github.com/mmynk/leasewise/internal/metrics"
	"github.com/mmynk/leasewise/internal/processor"
	"github.com/mmynk/leasewise/internal/storage"
)

// DefaultMaxChargeRetries is the number of re-charges made on a failed invoice
// before it is reported as exhausted.
const DefaultMaxChargeRetries = 3

// DefaultEventClaimTimeout is how long a processing claim on a processor
// event holds before a redelivery may take it over.
const DefaultEventClaimTimeout = 10 * time.Minute

// Config tunes a Manager. Zero fields take defaults.
type Config struct {
	Now              func() time.Time
	MaxChargeRetries int
	// EventClaimTimeout bounds how long a crashed handler blocks an event.
	EventClaimTimeout time.Duration
	Policies          *calculator.PolicySet
	Retry             *RetryPolicy
	Publisher         events.Publisher
	ProductCache      cache.ProductCache
	Metrics           *metrics.Metrics
}

// Manager runs the lease lifecycle operations.
type Manager struct {
	store      storage.Store
	proc       processor.Processor
	products   *ProductResolver
	publisher  events.Publisher
	metrics    *metrics.Metrics
	now        func() time.Time
	maxRetries int
	claimTTL   time.Duration
	policies   calculator.PolicySet
	retry      RetryPolicy
}

// New creates a Manager over store and proc.
func New(store storage.Store, proc processor.Processor, cfg Config) *Manager {
	m := &Manager{
		store:      store,
		proc:       proc,
		publisher:  cfg.Publisher,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		maxRetries: cfg.MaxChargeRetries,
		claimTTL:   cfg.EventClaimTimeout,
		policies:   calculator.DefaultPolicySet(),
		retry:      DefaultRetryPolicy(),
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.maxRetries <= 0 {
		m.maxRetries = DefaultMaxChargeRetries
	}
	if m.claimTTL <= 0 {
		m.claimTTL = DefaultEventClaimTimeout
	}
	if cfg.Policies != nil {
		m.policies = *cfg.Policies
	}
	if cfg.Retry != nil {
		m.retry = *cfg.Retry
	}
	if m.publisher == nil {
		m.publisher = events.Discard
	}
	productCache := cfg.ProductCache
	if productCache == nil {
		productCache = cache.NewMemoryProductCache()
	}
	m.products = NewProductResolver(m, productCache)
	return m
}

func (m *Manager) clock() time.Time {
	return m.now().UTC()
}

// call runs one processor operation under the retry policy.
func (m *Manager) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := m.retry.Do(ctx, fn, func(attempt int, err error) {
		m.metrics.ProcessorRetry(op)
		slog.Warn("Processor call failed, retrying", "op", op, "attempt", attempt, "error", err)
	})
	switch {
	case err == nil:
		m.metrics.ProcessorCall(op, "ok")
	case errors.Is(err, processor.ErrUnavailable):
		m.metrics.ProcessorCall(op, "unavailable")
		slog.Error("Processor unavailable, giving up", "op", op, "error", err)
	default:
		m.metrics.ProcessorCall(op, "error")
	}
	return err
}

// emit publishes an event. Delivery failures are logged and never undo the
// state change that produced the event.
func (m *Manager) emit(ctx context.Context, event events.Event) {
	if err := m.publisher.Publish(ctx, event); err != nil {
		slog.Error("Failed to publish event", "kind", event.Kind(), "key", event.Key(), "error", err)
	}
}
