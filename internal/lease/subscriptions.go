package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/mmynk/leasewise/internal/calculator"
	"github.com/mmynk/leasewise/internal/events"
	"github.com/mmynk/leasewise/internal/models"
	"github.com/mmynk/leasewise/internal/processor"
	"github.com/mmynk/leasewise/internal/storage"
)

// CreateSubscription starts recurring rent billing for a fully executed
// contract. A row is reserved in incomplete first so that concurrent calls
// for one contract collide in the store; only the winner reaches the
// processor.
func (m *Manager) CreateSubscription(ctx context.Context, contractID string) (*models.Subscription, error) {
	contract, err := m.getContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if contract.Status != models.ContractFullyExecuted {
		return nil, fmt.Errorf("%w: contract %s is %s", ErrInvalidTransition, contractID, contract.Status)
	}

	now := m.clock()
	sub := &models.Subscription{
		ContractID:    contract.ID,
		TenantID:      contract.TenantID,
		LandlordID:    contract.LandlordID,
		PropertyID:    contract.PropertyID,
		Status:        models.SubscriptionIncomplete,
		MonthlyAmount: contract.MonthlyRent,
		Currency:      contract.Currency,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err = m.store.ReserveSubscription(ctx, sub)
	if errors.Is(err, storage.ErrConflict) {
		return nil, fmt.Errorf("%w: contract %s", ErrAlreadySubscribed, contractID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve subscription: %w", err)
	}

	trialDays := calculator.TrialDays(now, contract.LeaseStart)
	created, err := m.startBilling(ctx, contract, sub, trialDays)
	if err != nil {
		if derr := m.store.DeleteReservation(context.WithoutCancel(ctx), sub.ID); derr != nil {
			slog.Error("Failed to delete subscription reservation", "subscription_id", sub.ID, "error", derr)
		}
		return nil, err
	}

	slog.Info("Subscription created",
		"subscription_id", created.ID,
		"contract_id", contract.ID,
		"external_id", created.ExternalID,
		"status", created.Status,
		"trial_days", trialDays,
	)
	m.emit(ctx, events.SubscriptionCreated{
		SubscriptionID: created.ID,
		ContractID:     created.ContractID,
		TenantID:       created.TenantID,
		LandlordID:     created.LandlordID,
		MonthlyAmount:  created.MonthlyAmount,
		Currency:       created.Currency,
		TrialDays:      trialDays,
		NextPaymentDue: created.NextPaymentDue,
	})
	return created, nil
}

// startBilling creates the processor side of a reserved subscription and
// mirrors it onto the row.
func (m *Manager) startBilling(ctx context.Context, contract *models.Contract, sub *models.Subscription, trialDays int64) (*models.Subscription, error) {
	product, err := m.products.ResolveProduct(ctx, Property{
		ID:          contract.PropertyID,
		MonthlyRent: contract.MonthlyRent,
		Currency:    contract.Currency,
	})
	if err != nil {
		return nil, err
	}

	var customerID string
	err = m.call(ctx, "ensure_customer", func(ctx context.Context) error {
		var err error
		customerID, err = m.proc.EnsureCustomer(ctx, processor.CustomerSpec{UserID: contract.TenantID})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure customer: %w", err)
	}

	var remote processor.Subscription
	err = m.call(ctx, "create_subscription", func(ctx context.Context) error {
		var err error
		remote, err = m.proc.CreateSubscription(ctx, processor.SubscriptionSpec{
			IdempotencyKey: "subscription-" + sub.ID,
			CustomerID:     customerID,
			ProductID:      product.ProductID,
			MonthlyAmount:  contract.MonthlyRent,
			Currency:       contract.Currency,
			TrialDays:      trialDays,
			Metadata: map[string]string{
				"subscription_id": sub.ID,
				"contract_id":     contract.ID,
				"property_id":     contract.PropertyID,
			},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create processor subscription: %w", err)
	}

	priceID := lo.Ternary(remote.PriceID != "", remote.PriceID, product.PriceID)
	patch := models.SubscriptionPatch{
		ExternalID:         &remote.ID,
		CustomerID:         &customerID,
		ProductID:          &product.ProductID,
		PriceID:            &priceID,
		CurrentPeriodStart: &remote.CurrentPeriodStart,
		CurrentPeriodEnd:   &remote.CurrentPeriodEnd,
		NextPaymentDue:     &remote.CurrentPeriodEnd,
	}
	status := remote.Status.Lifecycle()
	if status == models.SubscriptionCanceled {
		status = models.SubscriptionIncomplete
	}
	created, _, err := m.transition(ctx, sub.ID, []models.SubscriptionStatus{models.SubscriptionIncomplete}, status, patch)
	if err != nil {
		// The processor holds a subscription the row does not know about.
		if _, cerr := m.proc.CancelSubscription(context.WithoutCancel(ctx), remote.ID); cerr != nil {
			slog.Error("Failed to cancel orphaned processor subscription", "external_id", remote.ID, "error", cerr)
		}
		return nil, err
	}
	return created, nil
}

// PauseSubscription suspends collection until resumeAt, or indefinitely when
// resumeAt is nil. Pausing a paused subscription is a no-op.
func (m *Manager) PauseSubscription(ctx context.Context, subscriptionID string, resumeAt *time.Time) (*models.Subscription, error) {
	sub, err := m.getSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	switch sub.Status {
	case models.SubscriptionPaused:
		return sub, nil
	case models.SubscriptionActive:
	default:
		return nil, invalidTransition(sub, models.SubscriptionPaused)
	}
	if resumeAt != nil {
		if !resumeAt.After(m.clock()) {
			return nil, fmt.Errorf("%w: resume time must be in the future", ErrInvalidInput)
		}
		utc := resumeAt.UTC()
		resumeAt = &utc
	}

	err = m.call(ctx, "pause_subscription", func(ctx context.Context) error {
		_, err := m.proc.UpdateSubscription(ctx, sub.ExternalID, processor.SubscriptionUpdate{Pause: true, ResumesAt: resumeAt})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to pause at processor: %w", err)
	}

	sub, _, err = m.transition(ctx, sub.ID,
		[]models.SubscriptionStatus{models.SubscriptionActive}, models.SubscriptionPaused,
		models.SubscriptionPatch{SetPauseResumesAt: true, PauseResumesAt: resumeAt},
	)
	return sub, err
}

// ResumeSubscription clears a pause. Resuming an active subscription is a no-op.
func (m *Manager) ResumeSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	sub, err := m.getSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	switch sub.Status {
	case models.SubscriptionActive:
		return sub, nil
	case models.SubscriptionPaused:
	default:
		return nil, invalidTransition(sub, models.SubscriptionActive)
	}

	err = m.call(ctx, "resume_subscription", func(ctx context.Context) error {
		_, err := m.proc.UpdateSubscription(ctx, sub.ExternalID, processor.SubscriptionUpdate{Resume: true})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resume at processor: %w", err)
	}

	sub, _, err = m.transition(ctx, sub.ID,
		[]models.SubscriptionStatus{models.SubscriptionPaused}, models.SubscriptionActive,
		models.SubscriptionPatch{SetPauseResumesAt: true},
	)
	return sub, err
}

// CancelSubscription cancels now, or at the end of the current period when
// atPeriodEnd is set. Canceling a canceled subscription, or flagging one
// that is already flagged, is a no-op.
func (m *Manager) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*models.Subscription, error) {
	sub, err := m.getSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == models.SubscriptionCanceled {
		return sub, nil
	}
	if sub.ExternalID == "" {
		return nil, fmt.Errorf("%w: subscription %s is still being created", ErrInvalidTransition, sub.ID)
	}
	if atPeriodEnd {
		return m.cancelAtPeriodEnd(ctx, sub)
	}

	err = m.call(ctx, "cancel_subscription", func(ctx context.Context) error {
		_, err := m.proc.CancelSubscription(ctx, sub.ExternalID)
		return err
	})
	if err != nil && !errors.Is(err, processor.ErrNotFound) {
		return nil, fmt.Errorf("failed to cancel at processor: %w", err)
	}

	now := m.clock()
	sub, _, err = m.transition(ctx, sub.ID,
		models.SourcesOf(models.SubscriptionCanceled), models.SubscriptionCanceled,
		models.SubscriptionPatch{CanceledAt: &now},
	)
	return sub, err
}

func (m *Manager) cancelAtPeriodEnd(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	if sub.CancelAtPeriodEnd {
		return sub, nil
	}

	err := m.call(ctx, "cancel_at_period_end", func(ctx context.Context) error {
		_, err := m.proc.UpdateSubscription(ctx, sub.ExternalID, processor.SubscriptionUpdate{CancelAtPeriodEnd: lo.ToPtr(true)})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule cancellation at processor: %w", err)
	}

	marked, err := m.store.MarkCancelAtPeriodEnd(ctx, sub.ID, m.clock())
	if err != nil {
		return nil, fmt.Errorf("failed to flag cancellation: %w", err)
	}
	if marked {
		slog.Info("Subscription will cancel at period end", "subscription_id", sub.ID, "period_end", sub.CurrentPeriodEnd)
	}
	return m.getSubscription(ctx, sub.ID)
}

// SweepResult counts what a boundary sweep changed.
type SweepResult struct {
	Canceled int
	Resumed  int
}

// SweepBoundaries applies the time-driven transitions the processor performs
// on its side: deferred cancellations whose period ended and pauses whose
// resume time passed. Safe to run from several schedulers at once.
func (m *Manager) SweepBoundaries(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := m.clock()

	due, err := m.store.ListDueCancellations(ctx, now)
	if err != nil {
		return result, fmt.Errorf("failed to list due cancellations: %w", err)
	}
	for _, sub := range due {
		canceledAt := sub.CurrentPeriodEnd
		_, applied, err := m.transition(ctx, sub.ID,
			models.SourcesOf(models.SubscriptionCanceled), models.SubscriptionCanceled,
			models.SubscriptionPatch{CanceledAt: &canceledAt},
		)
		if err != nil {
			slog.Warn("Skipping due cancellation", "subscription_id", sub.ID, "error", err)
			continue
		}
		if applied {
			result.Canceled++
		}
	}

	resumable, err := m.store.ListDueResumptions(ctx, now)
	if err != nil {
		return result, fmt.Errorf("failed to list due resumptions: %w", err)
	}
	for _, sub := range resumable {
		_, applied, err := m.transition(ctx, sub.ID,
			[]models.SubscriptionStatus{models.SubscriptionPaused}, models.SubscriptionActive,
			models.SubscriptionPatch{SetPauseResumesAt: true},
		)
		if err != nil {
			slog.Warn("Skipping due resumption", "subscription_id", sub.ID, "error", err)
			continue
		}
		if applied {
			result.Resumed++
		}
	}

	slog.Info("Boundary sweep finished", "canceled", result.Canceled, "resumed", result.Resumed)
	return result, nil
}

// GetSubscription returns a subscription by ID.
func (m *Manager) GetSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	return m.getSubscription(ctx, subscriptionID)
}

// GetSubscriptionByContract returns the open subscription of a contract.
func (m *Manager) GetSubscriptionByContract(ctx context.Context, contractID string) (*models.Subscription, error) {
	sub, err := m.store.GetOpenSubscriptionByContract(ctx, contractID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: no open subscription for contract %s", ErrUnknownSubscription, contractID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// ListPaymentAttempts returns the charge history of a subscription.
func (m *Manager) ListPaymentAttempts(ctx context.Context, subscriptionID string) ([]*models.PaymentAttempt, error) {
	if _, err := m.getSubscription(ctx, subscriptionID); err != nil {
		return nil, err
	}
	attempts, err := m.store.ListPaymentAttempts(ctx, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment attempts: %w", err)
	}
	return attempts, nil
}

func (m *Manager) getSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	sub, err := m.store.GetSubscription(ctx, subscriptionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSubscription, subscriptionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// transition moves a subscription from one of from to to in a single
// conditional write. When the write matches nothing, the live status
// decides: already at to is a no-op, anything else is ErrInvalidTransition.
// The returned bool reports whether this call changed the row.
func (m *Manager) transition(ctx context.Context, subscriptionID string, from []models.SubscriptionStatus, to models.SubscriptionStatus, patch models.SubscriptionPatch) (*models.Subscription, bool, error) {
	applied, err := m.store.TransitionSubscription(ctx, subscriptionID, from, to, patch, m.clock())
	if err != nil {
		return nil, false, fmt.Errorf("failed to update subscription: %w", err)
	}
	sub, err := m.getSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, false, err
	}
	if applied {
		m.metrics.Transition(string(to))
		slog.Info("Subscription transitioned", "subscription_id", subscriptionID, "to", to)
		return sub, true, nil
	}
	if sub.Status == to {
		return sub, false, nil
	}
	return nil, false, invalidTransition(sub, to)
}

func invalidTransition(sub *models.Subscription, to models.SubscriptionStatus) error {
	return fmt.Errorf("%w: subscription %s is %s, cannot move to %s", ErrInvalidTransition, sub.ID, sub.Status, to)
}
