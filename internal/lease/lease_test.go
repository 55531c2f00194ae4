package lease

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/leasewise/internal/events"
	"github.com/mmynk/leasewise/internal/metrics"
	"github.com/mmynk/leasewise/internal/models"
	"github.com/mmynk/leasewise/internal/processor/fake"
	"github.com/mmynk/leasewise/internal/storage/sqlite"
)

type harness struct {
	m       *Manager
	store   *sqlite.SQLiteStore
	proc    *fake.Processor
	events  *events.Recorder
	metrics *metrics.Metrics
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := sqlite.New(filepath.Join(t.TempDir(), "lease.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		store:   store,
		events:  &events.Recorder{},
		metrics: metrics.New(prometheus.NewRegistry()),
		now:     time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	h.proc = fake.New(clock)

	retry := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		Sleep:       func(context.Context, time.Duration) error { return nil },
	}
	h.m = New(store, h.proc, Config{
		Now:       clock,
		Publisher: h.events,
		Retry:     &retry,
		Metrics:   h.metrics,
	})
	return h
}

// draft creates a contract for a rent of 1000 starting at leaseStart.
func (h *harness) draft(t *testing.T, propertyID string, leaseStart time.Time) *models.Contract {
	t.Helper()
	c, err := h.m.DraftContract(context.Background(), DraftRequest{
		PropertyID:  propertyID,
		TenantID:    "tenant-1",
		LandlordID:  "landlord-1",
		MonthlyRent: 1000,
		Currency:    "EUR",
		LeaseStart:  leaseStart,
		LeaseEnd:    leaseStart.AddDate(1, 0, 0),
	})
	require.NoError(t, err)
	return c
}

func (h *harness) sign(t *testing.T, c *models.Contract, role models.SignerRole) SignResult {
	t.Helper()
	res, err := h.m.RecordSignature(context.Background(), SignRequest{
		ContractID: c.ID,
		SignerID:   c.PartyFor(role),
		Role:       role,
		Payload:    []byte("sig:" + string(role)),
	})
	require.NoError(t, err)
	return res
}

func (h *harness) executed(t *testing.T, propertyID string, leaseStart time.Time) *models.Contract {
	t.Helper()
	c := h.draft(t, propertyID, leaseStart)
	h.sign(t, c, models.RoleTenant)
	h.sign(t, c, models.RoleLandlord)
	return c
}

// subscribed returns an active subscription for a lease starting now.
func (h *harness) subscribed(t *testing.T) *models.Subscription {
	t.Helper()
	c := h.executed(t, "prop-1", h.now)
	sub, err := h.m.CreateSubscription(context.Background(), c.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubscriptionActive, sub.Status)
	return sub
}

func (h *harness) status(t *testing.T, subscriptionID string) models.SubscriptionStatus {
	t.Helper()
	sub, err := h.m.GetSubscription(context.Background(), subscriptionID)
	require.NoError(t, err)
	return sub.Status
}
