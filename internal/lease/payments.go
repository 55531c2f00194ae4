package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmynk/leasewise/internal/calculator"
	"github.com/mmynk/leasewise/internal/events"
	"github.com/mmynk/leasewise/internal/models"
	"github.com/mmynk/leasewise/internal/processor"
	"github.com/mmynk/leasewise/internal/storage"
)

// FailedPayment reports a failed charge of an invoice.
type FailedPayment struct {
	// EventID is the processor event that reported the failure, if any.
	EventID string

	SubscriptionID string
	InvoiceID      string
	DaysLate       int

	// AttemptCount is how many charges the processor has already made on
	// the invoice, the failed one included.
	AttemptCount int

	FailureReason string
}

// HandleFailedPayment reacts to a failed rent charge: the subscription goes
// past_due, the invoice gets its late fee (once), and unless the retry budget
// is spent the invoice is charged again. A declined retry is an outcome, not
// an error; only store and processor outages are returned.
func (m *Manager) HandleFailedPayment(ctx context.Context, fp FailedPayment) error {
	if fp.InvoiceID == "" || fp.DaysLate < 0 || fp.AttemptCount < 0 {
		return fmt.Errorf("%w: invoice id, days late and attempt count are required", ErrInvalidInput)
	}
	if fp.AttemptCount == 0 {
		fp.AttemptCount = 1
	}
	log := slog.With("subscription_id", fp.SubscriptionID, "invoice_id", fp.InvoiceID, "event_id", fp.EventID)

	sub, err := m.getSubscription(ctx, fp.SubscriptionID)
	if err != nil {
		return err
	}
	switch sub.Status {
	case models.SubscriptionCanceled, models.SubscriptionPaused:
		log.Info("Ignoring failed payment", "status", sub.Status)
		return nil
	}
	contract, err := m.getContract(ctx, sub.ContractID)
	if err != nil {
		return err
	}

	// A redelivered failure must not charge the invoice a second time.
	if retried, err := m.attemptRecorded(ctx, fp.InvoiceID, fp.AttemptCount+1); err != nil {
		return err
	} else if retried != nil {
		log.Info("Failed payment already retried", "attempt", fp.AttemptCount, "retry_outcome", retried.Outcome)
		return nil
	}
	// The processor also reports the failures of our own retries. The next
	// charge of the invoice is left to the processor's schedule.
	if own, err := m.attemptRecorded(ctx, fp.InvoiceID, fp.AttemptCount); err != nil {
		return err
	} else if own != nil && own.Source == models.SourceRetry {
		log.Info("Failure of our own retry reported, not charging again", "attempt", fp.AttemptCount)
		return nil
	}

	_, _, err = m.transition(ctx, sub.ID,
		[]models.SubscriptionStatus{models.SubscriptionActive, models.SubscriptionIncomplete}, models.SubscriptionPastDue,
		models.SubscriptionPatch{},
	)
	if errors.Is(err, ErrInvalidTransition) {
		log.Info("Subscription moved concurrently, ignoring failed payment", "error", err)
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := m.store.RecordPaymentAttempt(ctx, &models.PaymentAttempt{
		SubscriptionID: sub.ID,
		InvoiceID:      fp.InvoiceID,
		AttemptNumber:  fp.AttemptCount,
		Amount:         sub.MonthlyAmount,
		Outcome:        models.PaymentFailed,
		Source:         models.SourceProcessor,
		FailureReason:  fp.FailureReason,
		RecordedAt:     m.clock(),
	}); err != nil {
		return fmt.Errorf("failed to record payment attempt: %w", err)
	}

	fee, err := m.applyLateFee(ctx, sub, calculator.LateFee(sub.MonthlyAmount, fp.DaysLate, m.policies.For(contract.Region)), fp)
	if err != nil {
		return err
	}

	retriesUsed := fp.AttemptCount - 1
	if retriesUsed >= m.maxRetries {
		return m.reportExhausted(ctx, sub, fp.InvoiceID, fp.AttemptCount, fee, fp.FailureReason, m.clock())
	}

	return m.retryCharge(ctx, sub, fp, fee, retriesUsed+1 >= m.maxRetries)
}

// retryCharge charges the invoice once more and reports the outcome. last
// marks the final retry the budget allows.
func (m *Manager) retryCharge(ctx context.Context, sub *models.Subscription, fp FailedPayment, fee int64, last bool) error {
	log := slog.With("subscription_id", sub.ID, "invoice_id", fp.InvoiceID)
	attempt := &models.PaymentAttempt{
		SubscriptionID: sub.ID,
		InvoiceID:      fp.InvoiceID,
		AttemptNumber:  fp.AttemptCount + 1,
		Amount:         sub.MonthlyAmount + fee,
		LateFee:        fee,
		Source:         models.SourceRetry,
	}

	var charge processor.Charge
	err := m.call(ctx, "charge_invoice", func(ctx context.Context) error {
		var err error
		charge, err = m.proc.ChargeInvoice(ctx, fp.InvoiceID)
		return err
	})

	var declined *processor.ChargeError
	switch {
	case err == nil:
		attempt.Outcome = models.PaymentSucceeded
		if charge.AmountPaid > 0 {
			attempt.Amount = charge.AmountPaid
		}
	case errors.As(err, &declined):
		attempt.Outcome = models.PaymentFailed
		attempt.FailureReason = declined.Reason
	default:
		return fmt.Errorf("failed to retry charge: %w", err)
	}

	attempt.RecordedAt = m.clock()
	if _, err := m.store.RecordPaymentAttempt(ctx, attempt); err != nil {
		return fmt.Errorf("failed to record payment attempt: %w", err)
	}

	if attempt.Outcome == models.PaymentSucceeded {
		m.metrics.Payment("succeeded")
		log.Info("Retried charge succeeded", "amount", attempt.Amount)
		if _, _, err := m.transition(ctx, sub.ID,
			[]models.SubscriptionStatus{models.SubscriptionPastDue, models.SubscriptionIncomplete}, models.SubscriptionActive,
			models.SubscriptionPatch{},
		); err != nil && !errors.Is(err, ErrInvalidTransition) {
			return err
		}
		m.emitOutcome(ctx, sub, attempt)
		return nil
	}

	m.metrics.Payment("failed")
	log.Warn("Retried charge declined", "reason", attempt.FailureReason, "attempt", attempt.AttemptNumber, "last", last)
	if last {
		return m.reportExhausted(ctx, sub, fp.InvoiceID, attempt.AttemptNumber, fee, attempt.FailureReason, attempt.RecordedAt)
	}
	m.emitOutcome(ctx, sub, attempt)
	return nil
}

// reportExhausted emits PaymentExhausted for an invoice. Only the handler
// that wins the invoice's exhaustion record emits it.
func (m *Manager) reportExhausted(ctx context.Context, sub *models.Subscription, invoiceID string, attempts int, fee int64, reason string, at time.Time) error {
	won, err := m.store.ClaimExhaustion(ctx, invoiceID, sub.ID, attempts, at)
	if err != nil {
		return fmt.Errorf("failed to record exhaustion: %w", err)
	}
	if !won {
		slog.Info("Exhaustion already reported", "subscription_id", sub.ID, "invoice_id", invoiceID, "attempts", attempts)
		return nil
	}

	slog.Warn("Charge retries exhausted", "subscription_id", sub.ID, "invoice_id", invoiceID, "attempts", attempts)
	m.metrics.Payment("exhausted")
	m.emit(ctx, events.PaymentExhausted{
		SubscriptionID: sub.ID,
		InvoiceID:      invoiceID,
		TenantID:       sub.TenantID,
		LandlordID:     sub.LandlordID,
		Attempts:       attempts,
		LateFee:        fee,
		Currency:       sub.Currency,
		FailureReason:  reason,
		OccurredAt:     at,
	})
	return nil
}

// attemptRecorded returns the stored attempt, or nil when there is none.
func (m *Manager) attemptRecorded(ctx context.Context, invoiceID string, attemptNumber int) (*models.PaymentAttempt, error) {
	a, err := m.store.GetPaymentAttempt(ctx, invoiceID, attemptNumber)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment attempt: %w", err)
	}
	return a, nil
}

// applyLateFee adds the late fee of an invoice at the processor unless the
// invoice already carries one, and returns the fee standing against it.
func (m *Manager) applyLateFee(ctx context.Context, sub *models.Subscription, amount int64, fp FailedPayment) (int64, error) {
	existing, err := m.store.GetLateFee(ctx, fp.InvoiceID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("failed to get late fee: %w", err)
	}
	if existing != nil && existing.ExternalItemID != "" {
		return existing.Amount, nil
	}
	if existing == nil {
		if amount == 0 {
			return 0, nil
		}
		fee := &models.LateFee{
			InvoiceID:      fp.InvoiceID,
			SubscriptionID: sub.ID,
			Amount:         amount,
			DaysLate:       fp.DaysLate,
			AppliedAt:      m.clock(),
		}
		reserved, err := m.store.ReserveLateFee(ctx, fee)
		if err != nil {
			return 0, fmt.Errorf("failed to reserve late fee: %w", err)
		}
		if !reserved {
			// Another handler reserved it first.
			if existing, err = m.store.GetLateFee(ctx, fp.InvoiceID); err != nil {
				return 0, fmt.Errorf("failed to get late fee: %w", err)
			}
			if existing.ExternalItemID != "" {
				return existing.Amount, nil
			}
		} else {
			existing = fee
		}
	}

	// A reservation without an item means a previous handler stopped
	// midway; the processor idempotency key makes adding it again safe.
	var itemID string
	err = m.call(ctx, "add_invoice_item", func(ctx context.Context) error {
		var err error
		itemID, err = m.proc.AddInvoiceItem(ctx, processor.InvoiceItemSpec{
			IdempotencyKey: "latefee-" + fp.InvoiceID,
			CustomerID:     sub.CustomerID,
			SubscriptionID: sub.ExternalID,
			Amount:         existing.Amount,
			Currency:       sub.Currency,
			Description:    fmt.Sprintf("Late fee, invoice %s paid %d days late", fp.InvoiceID, existing.DaysLate),
			Metadata: map[string]string{
				"subscription_id": sub.ID,
				"invoice_id":      fp.InvoiceID,
			},
		})
		return err
	})
	if err != nil {
		if rerr := m.store.ReleaseLateFee(context.WithoutCancel(ctx), fp.InvoiceID); rerr != nil {
			slog.Error("Failed to release late fee", "invoice_id", fp.InvoiceID, "error", rerr)
		}
		return 0, fmt.Errorf("failed to add late fee: %w", err)
	}
	if err := m.store.MarkLateFeeApplied(ctx, fp.InvoiceID, itemID); err != nil {
		return 0, fmt.Errorf("failed to mark late fee applied: %w", err)
	}

	m.metrics.LateFee(existing.Amount)
	slog.Info("Late fee applied",
		"subscription_id", sub.ID,
		"invoice_id", fp.InvoiceID,
		"amount", existing.Amount,
		"days_late", existing.DaysLate,
	)
	return existing.Amount, nil
}

// PaymentSucceeded reports a paid invoice.
type PaymentSucceeded struct {
	SubscriptionID string
	InvoiceID      string
	Amount         int64
	AttemptCount   int
}

// HandlePaymentSucceeded records a successful charge made by the processor
// and brings a past_due subscription back to active.
func (m *Manager) HandlePaymentSucceeded(ctx context.Context, ps PaymentSucceeded) error {
	if ps.InvoiceID == "" {
		return fmt.Errorf("%w: invoice id is required", ErrInvalidInput)
	}
	sub, err := m.getSubscription(ctx, ps.SubscriptionID)
	if err != nil {
		return err
	}
	if sub.Status == models.SubscriptionCanceled {
		return nil
	}

	var fee int64
	if lf, err := m.store.GetLateFee(ctx, ps.InvoiceID); err == nil {
		fee = lf.Amount
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to get late fee: %w", err)
	}

	attempt := &models.PaymentAttempt{
		SubscriptionID: sub.ID,
		InvoiceID:      ps.InvoiceID,
		AttemptNumber:  max(ps.AttemptCount, 1),
		Amount:         ps.Amount,
		Outcome:        models.PaymentSucceeded,
		LateFee:        fee,
		RecordedAt:     m.clock(),
	}
	recorded, err := m.store.RecordPaymentAttempt(ctx, attempt)
	if err != nil {
		return fmt.Errorf("failed to record payment attempt: %w", err)
	}

	if _, _, err := m.transition(ctx, sub.ID,
		[]models.SubscriptionStatus{models.SubscriptionPastDue, models.SubscriptionIncomplete}, models.SubscriptionActive,
		models.SubscriptionPatch{},
	); err != nil && !errors.Is(err, ErrInvalidTransition) {
		return err
	}

	if recorded {
		m.metrics.Payment("succeeded")
		m.emitOutcome(ctx, sub, attempt)
	}
	return nil
}

func (m *Manager) emitOutcome(ctx context.Context, sub *models.Subscription, attempt *models.PaymentAttempt) {
	m.emit(ctx, events.PaymentOutcome{
		SubscriptionID: sub.ID,
		InvoiceID:      attempt.InvoiceID,
		TenantID:       sub.TenantID,
		LandlordID:     sub.LandlordID,
		Success:        attempt.Outcome == models.PaymentSucceeded,
		Amount:         attempt.Amount,
		LateFee:        attempt.LateFee,
		Currency:       sub.Currency,
		AttemptNumber:  attempt.AttemptNumber,
		FailureReason:  attempt.FailureReason,
		OccurredAt:     attempt.RecordedAt,
	})
}
