package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/leasewise/internal/models"
	"github.com/mmynk/leasewise/internal/storage"
)

// newTestStore connects to DATABASE_URL. Every test uses fresh UUIDs, so
// runs against a shared database do not interfere.
func newTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	store, err := New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newContract(t *testing.T, store *PostgresStore) *models.Contract {
	t.Helper()
	c := &models.Contract{
		PropertyID:  "prop-" + uuid.NewString(),
		TenantID:    "tenant-1",
		LandlordID:  "landlord-1",
		MonthlyRent: 100000,
		Currency:    "eur",
		LeaseStart:  time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC),
		LeaseEnd:    time.Date(2027, 10, 31, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.CreateContract(context.Background(), c))
	return c
}

func TestPostgresStore_Signatures(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	c := newContract(t, store)

	res, err := store.RecordSignature(ctx, &models.Signature{ContractID: c.ID, SignerID: c.TenantID, Role: models.RoleTenant, IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, models.ContractPartiallySigned, res.Status)
	assert.False(t, res.Executed)

	_, err = store.RecordSignature(ctx, &models.Signature{ContractID: c.ID, SignerID: c.TenantID, Role: models.RoleTenant})
	assert.ErrorIs(t, err, storage.ErrConflict)

	res, err = store.RecordSignature(ctx, &models.Signature{ContractID: c.ID, SignerID: c.LandlordID, Role: models.RoleLandlord})
	require.NoError(t, err)
	assert.Equal(t, models.ContractFullyExecuted, res.Status)
	assert.True(t, res.Executed)

	sig, err := store.GetSignature(ctx, c.ID, models.RoleTenant)
	require.NoError(t, err)
	assert.Equal(t, "k1", sig.IdempotencyKey)

	sigs, err := store.ListSignatures(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, sigs, 2)

	_, err = store.RecordSignature(ctx, &models.Signature{ContractID: uuid.NewString(), SignerID: "x", Role: models.RoleTenant})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPostgresStore_ConcurrentSignersExecuteOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	c := newContract(t, store)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		executed int
	)
	for _, role := range []models.SignerRole{models.RoleTenant, models.RoleLandlord} {
		wg.Add(1)
		go func(role models.SignerRole) {
			defer wg.Done()
			res, err := store.RecordSignature(ctx, &models.Signature{ContractID: c.ID, SignerID: c.PartyFor(role), Role: role})
			if err != nil {
				t.Errorf("RecordSignature(%s): %v", role, err)
				return
			}
			if res.Executed {
				mu.Lock()
				executed++
				mu.Unlock()
			}
		}(role)
	}
	wg.Wait()
	assert.Equal(t, 1, executed)
}

func TestPostgresStore_Subscriptions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	c := newContract(t, store)

	sub := &models.Subscription{
		ContractID:    c.ID,
		TenantID:      c.TenantID,
		LandlordID:    c.LandlordID,
		PropertyID:    c.PropertyID,
		MonthlyAmount: c.MonthlyRent,
		Currency:      c.Currency,
	}
	require.NoError(t, store.ReserveSubscription(ctx, sub))

	second := *sub
	second.ID = ""
	assert.ErrorIs(t, store.ReserveSubscription(ctx, &second), storage.ErrConflict)

	ext := "sub_" + uuid.NewString()
	periodEnd := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	transitionedAt := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	ok, err := store.TransitionSubscription(ctx, sub.ID,
		[]models.SubscriptionStatus{models.SubscriptionIncomplete}, models.SubscriptionActive,
		models.SubscriptionPatch{ExternalID: &ext, CurrentPeriodEnd: &periodEnd}, transitionedAt)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.TransitionSubscription(ctx, sub.ID,
		[]models.SubscriptionStatus{models.SubscriptionIncomplete}, models.SubscriptionPastDue, models.SubscriptionPatch{}, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "stale expectation must not match")

	got, err := store.GetSubscriptionByExternalID(ctx, ext)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionActive, got.Status)
	assert.True(t, got.CurrentPeriodEnd.Equal(periodEnd))
	assert.True(t, got.CurrentPeriodStart.IsZero())
	assert.True(t, got.UpdatedAt.Equal(transitionedAt), "updated_at comes from the caller's clock")

	marked, err := store.MarkCancelAtPeriodEnd(ctx, sub.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, marked)
	marked, err = store.MarkCancelAtPeriodEnd(ctx, sub.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, marked)

	due, err := store.ListDueCancellations(ctx, periodEnd.Add(time.Second))
	require.NoError(t, err)
	var ids []string
	for _, d := range due {
		ids = append(ids, d.ID)
	}
	assert.Contains(t, ids, sub.ID)
}

func TestPostgresStore_PaymentsAndEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	c := newContract(t, store)
	sub := &models.Subscription{ContractID: c.ID, TenantID: c.TenantID, LandlordID: c.LandlordID, PropertyID: c.PropertyID, MonthlyAmount: 1000, Currency: "eur"}
	require.NoError(t, store.ReserveSubscription(ctx, sub))
	invoice := "in_" + uuid.NewString()

	attempt := &models.PaymentAttempt{SubscriptionID: sub.ID, InvoiceID: invoice, AttemptNumber: 1, Amount: 1000, Outcome: models.PaymentFailed}
	inserted, err := store.RecordPaymentAttempt(ctx, attempt)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = store.RecordPaymentAttempt(ctx, &models.PaymentAttempt{SubscriptionID: sub.ID, InvoiceID: invoice, AttemptNumber: 1, Amount: 1000, Outcome: models.PaymentFailed})
	require.NoError(t, err)
	assert.False(t, inserted)

	reserved, err := store.ReserveLateFee(ctx, &models.LateFee{InvoiceID: invoice, SubscriptionID: sub.ID, Amount: 50, DaysLate: 8})
	require.NoError(t, err)
	assert.True(t, reserved)
	reserved, err = store.ReserveLateFee(ctx, &models.LateFee{InvoiceID: invoice, SubscriptionID: sub.ID, Amount: 50, DaysLate: 9})
	require.NoError(t, err)
	assert.False(t, reserved)

	require.NoError(t, store.MarkLateFeeApplied(ctx, invoice, "ii_1"))
	require.NoError(t, store.ReleaseLateFee(ctx, invoice))
	fee, err := store.GetLateFee(ctx, invoice)
	require.NoError(t, err, "an applied fee survives release")
	assert.Equal(t, "ii_1", fee.ExternalItemID)

	retry := &models.PaymentAttempt{SubscriptionID: sub.ID, InvoiceID: invoice, AttemptNumber: 2, Amount: 1000, Outcome: models.PaymentFailed, Source: models.SourceRetry}
	inserted, err = store.RecordPaymentAttempt(ctx, retry)
	require.NoError(t, err)
	assert.True(t, inserted)
	got, err := store.GetPaymentAttempt(ctx, invoice, 2)
	require.NoError(t, err)
	assert.Equal(t, models.SourceRetry, got.Source)
	got, err = store.GetPaymentAttempt(ctx, invoice, 1)
	require.NoError(t, err)
	assert.Equal(t, models.SourceProcessor, got.Source)
	_, err = store.GetPaymentAttempt(ctx, invoice, 3)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	won, err := store.ClaimExhaustion(ctx, invoice, sub.ID, 4, time.Now())
	require.NoError(t, err)
	assert.True(t, won)
	won, err = store.ClaimExhaustion(ctx, invoice, sub.ID, 5, time.Now())
	require.NoError(t, err)
	assert.False(t, won)

	now := time.Now()
	eventID := "evt_" + uuid.NewString()
	state, err := store.ClaimEvent(ctx, eventID, "invoice.payment_failed", now, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, storage.ClaimAcquired, state)
	state, err = store.ClaimEvent(ctx, eventID, "invoice.payment_failed", now, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, storage.ClaimInProgress, state)
	require.NoError(t, store.ReleaseEvent(ctx, eventID))
	state, err = store.ClaimEvent(ctx, eventID, "invoice.payment_failed", now, now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, storage.ClaimAcquired, state)

	later := now.Add(11 * time.Minute)
	state, err = store.ClaimEvent(ctx, eventID, "invoice.payment_failed", later, later.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, storage.ClaimAcquired, state, "a stale processing claim is taken over")

	require.NoError(t, store.CompleteEvent(ctx, eventID, later))
	require.NoError(t, store.ReleaseEvent(ctx, eventID))
	state, err = store.ClaimEvent(ctx, eventID, "invoice.payment_failed", later.Add(time.Hour), later.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, storage.ClaimDone, state)
}
