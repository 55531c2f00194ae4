package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mmynk/leasewise/internal/calculator"
	"github.com/mmynk/leasewise/internal/models"
	"github.com/mmynk/leasewise/internal/processor"
	"github.com/mmynk/leasewise/internal/storage"
)

// HandleProcessorEvent processes one inbound processor event exactly once per
// event ID. The event is marked done only after it was handled; a failed
// event is released so the processor's redelivery gets another try, and a
// claim left behind by a crashed handler is taken over once it is stale.
func (m *Manager) HandleProcessorEvent(ctx context.Context, ev processor.Event) (err error) {
	if ev.ID == "" {
		return fmt.Errorf("%w: event id is required", ErrInvalidInput)
	}
	log := slog.With("event_id", ev.ID, "type", ev.Type, "external_subscription_id", ev.SubscriptionID)

	now := m.clock()
	state, err := m.store.ClaimEvent(ctx, ev.ID, string(ev.Type), now, now.Add(-m.claimTTL))
	if err != nil {
		return fmt.Errorf("failed to claim event: %w", err)
	}
	switch state {
	case storage.ClaimDone:
		m.metrics.Webhook(string(ev.Type), "duplicate")
		log.Info("Duplicate processor event ignored")
		return nil
	case storage.ClaimInProgress:
		m.metrics.Webhook(string(ev.Type), "in_progress")
		log.Info("Processor event is being handled elsewhere")
		return fmt.Errorf("%w: %s", ErrEventInProgress, ev.ID)
	}
	defer func() {
		if err == nil {
			m.metrics.Webhook(string(ev.Type), "processed")
			if cerr := m.store.CompleteEvent(context.WithoutCancel(ctx), ev.ID, m.clock()); cerr != nil {
				log.Error("Failed to complete processor event", "error", cerr)
			}
			return
		}
		m.metrics.Webhook(string(ev.Type), "failed")
		if rerr := m.store.ReleaseEvent(context.WithoutCancel(ctx), ev.ID); rerr != nil {
			log.Error("Failed to release processor event", "error", rerr)
		}
	}()

	sub, err := m.store.GetSubscriptionByExternalID(ctx, ev.SubscriptionID)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: processor subscription %s", ErrUnknownSubscription, ev.SubscriptionID)
	}
	if err != nil {
		return fmt.Errorf("failed to get subscription: %w", err)
	}

	switch ev.Type {
	case processor.EventSubscriptionUpdated, processor.EventSubscriptionDeleted:
		return m.ApplyProcessorStatus(ctx, sub, ev)

	case processor.EventInvoicePaymentSucceeded:
		return m.HandlePaymentSucceeded(ctx, PaymentSucceeded{
			SubscriptionID: sub.ID,
			InvoiceID:      ev.InvoiceID,
			Amount:         ev.Amount,
			AttemptCount:   ev.AttemptCount,
		})

	case processor.EventInvoicePaymentFailed:
		at := ev.OccurredAt
		if at.IsZero() {
			at = m.clock()
		}
		return m.HandleFailedPayment(ctx, FailedPayment{
			EventID:        ev.ID,
			SubscriptionID: sub.ID,
			InvoiceID:      ev.InvoiceID,
			DaysLate:       calculator.DaysBetween(ev.InvoiceDueAt, at),
			AttemptCount:   ev.AttemptCount,
			FailureReason:  ev.FailureReason,
		})
	}

	log.Info("Unhandled processor event type")
	return nil
}

// ApplyProcessorStatus mirrors a processor-side status change. The event's
// previous status is the expected persisted status, so a delivery that
// arrives after a later change matches nothing and is dropped.
func (m *Manager) ApplyProcessorStatus(ctx context.Context, sub *models.Subscription, ev processor.Event) error {
	target := ev.Status.Lifecycle()
	if ev.Type == processor.EventSubscriptionDeleted {
		target = models.SubscriptionCanceled
	}
	if target == models.SubscriptionIncomplete {
		return nil
	}

	var from []models.SubscriptionStatus
	switch prev := ev.PreviousStatus.Lifecycle(); {
	case target == models.SubscriptionCanceled:
		from = models.SourcesOf(target)
	case ev.PreviousStatus == "":
		// No status change: refresh the period of a row already in target.
		from = []models.SubscriptionStatus{target}
	case prev == target:
		from = []models.SubscriptionStatus{target}
	case prev.CanTransition(target):
		from = []models.SubscriptionStatus{prev}
	default:
		slog.Warn("Ignoring unsupported processor transition", "subscription_id", sub.ID, "from", prev, "to", target)
		return nil
	}

	patch := models.SubscriptionPatch{}
	if !ev.CurrentPeriodEnd.IsZero() {
		patch.CurrentPeriodStart = &ev.CurrentPeriodStart
		patch.CurrentPeriodEnd = &ev.CurrentPeriodEnd
		patch.NextPaymentDue = &ev.CurrentPeriodEnd
	}
	switch target {
	case models.SubscriptionCanceled:
		at := ev.OccurredAt
		if at.IsZero() {
			at = m.clock()
		}
		patch.CanceledAt = &at
	case models.SubscriptionActive:
		patch.SetPauseResumesAt = true
		cancelFlag := ev.CancelAtPeriodEnd
		patch.CancelAtPeriodEnd = &cancelFlag
	}

	_, _, err := m.transition(ctx, sub.ID, from, target, patch)
	if errors.Is(err, ErrInvalidTransition) {
		slog.Info("Stale processor status ignored", "subscription_id", sub.ID, "event_id", ev.ID, "error", err)
		return nil
	}
	return err
}
