package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmynk/leasewise/internal/models"
	"github.com/mmynk/leasewise/internal/storage"
)

// RecordPaymentAttempt persists a charge attempt; a replayed (invoice,
// attempt number) pair is ignored.
func (s *PostgresStore) RecordPaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) (bool, error) {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.RecordedAt.IsZero() {
		attempt.RecordedAt = time.Now().UTC()
	}
	if attempt.Source == "" {
		attempt.Source = models.SourceProcessor
	}

	tag, err := s.pool.Exec(ctx, `
INSERT INTO payment_attempts (id, subscription_id, invoice_id, attempt_number, amount, outcome,
  source, failure_reason, late_fee, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (invoice_id, attempt_number) DO NOTHING`,
		attempt.ID, attempt.SubscriptionID, attempt.InvoiceID, attempt.AttemptNumber, attempt.Amount,
		string(attempt.Outcome), string(attempt.Source), attempt.FailureReason, attempt.LateFee, attempt.RecordedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert payment attempt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const attemptColumns = `id, subscription_id, invoice_id, attempt_number, amount, outcome, source,
  failure_reason, late_fee, recorded_at`

func scanAttempt(row pgx.Row) (*models.PaymentAttempt, error) {
	a := &models.PaymentAttempt{}
	var outcome, source string
	if err := row.Scan(&a.ID, &a.SubscriptionID, &a.InvoiceID, &a.AttemptNumber, &a.Amount, &outcome, &source,
		&a.FailureReason, &a.LateFee, &a.RecordedAt); err != nil {
		return nil, err
	}
	a.Outcome = models.PaymentOutcome(outcome)
	a.Source = models.PaymentSource(source)
	a.RecordedAt = a.RecordedAt.UTC()
	return a, nil
}

// ListPaymentAttempts retrieves all attempts of a subscription.
func (s *PostgresStore) ListPaymentAttempts(ctx context.Context, subscriptionID string) ([]*models.PaymentAttempt, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+attemptColumns+" FROM payment_attempts WHERE subscription_id = $1 ORDER BY recorded_at, attempt_number",
		subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*models.PaymentAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payment attempts: %w", err)
	}
	return attempts, nil
}

// GetPaymentAttempt retrieves one attempt of an invoice.
func (s *PostgresStore) GetPaymentAttempt(ctx context.Context, invoiceID string, attemptNumber int) (*models.PaymentAttempt, error) {
	a, err := scanAttempt(s.pool.QueryRow(ctx,
		"SELECT "+attemptColumns+" FROM payment_attempts WHERE invoice_id = $1 AND attempt_number = $2",
		invoiceID, attemptNumber))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("attempt %d of invoice %s: %w", attemptNumber, invoiceID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment attempt: %w", err)
	}
	return a, nil
}

// ClaimExhaustion inserts the exhaustion record of an invoice unless one exists.
func (s *PostgresStore) ClaimExhaustion(ctx context.Context, invoiceID, subscriptionID string, attempts int, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO invoice_exhaustions (invoice_id, subscription_id, attempts, exhausted_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (invoice_id) DO NOTHING`,
		invoiceID, subscriptionID, attempts, now.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert exhaustion: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReserveLateFee inserts the late fee of an invoice unless one exists.
func (s *PostgresStore) ReserveLateFee(ctx context.Context, fee *models.LateFee) (bool, error) {
	if fee.AppliedAt.IsZero() {
		fee.AppliedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO late_fees (invoice_id, subscription_id, amount, days_late, external_item_id, applied_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (invoice_id) DO NOTHING`,
		fee.InvoiceID, fee.SubscriptionID, fee.Amount, fee.DaysLate, fee.ExternalItemID, fee.AppliedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert late fee: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkLateFeeApplied stores the processor line item of a reserved fee.
func (s *PostgresStore) MarkLateFeeApplied(ctx context.Context, invoiceID, externalItemID string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE late_fees SET external_item_id = $1 WHERE invoice_id = $2",
		externalItemID, invoiceID)
	if err != nil {
		return fmt.Errorf("failed to mark late fee applied: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("late fee %s: %w", invoiceID, storage.ErrNotFound)
	}
	return nil
}

// ReleaseLateFee deletes a fee reservation that has no processor line item.
func (s *PostgresStore) ReleaseLateFee(ctx context.Context, invoiceID string) error {
	if _, err := s.pool.Exec(ctx,
		"DELETE FROM late_fees WHERE invoice_id = $1 AND external_item_id = ''", invoiceID); err != nil {
		return fmt.Errorf("failed to release late fee: %w", err)
	}
	return nil
}

// GetLateFee retrieves the late fee of an invoice.
func (s *PostgresStore) GetLateFee(ctx context.Context, invoiceID string) (*models.LateFee, error) {
	fee := &models.LateFee{}
	err := s.pool.QueryRow(ctx, `
SELECT invoice_id, subscription_id, amount, days_late, external_item_id, applied_at
FROM late_fees WHERE invoice_id = $1`, invoiceID,
	).Scan(&fee.InvoiceID, &fee.SubscriptionID, &fee.Amount, &fee.DaysLate, &fee.ExternalItemID, &fee.AppliedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("late fee %s: %w", invoiceID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get late fee: %w", err)
	}
	fee.AppliedAt = fee.AppliedAt.UTC()
	return fee, nil
}

// ClaimEvent inserts a processing claim for an event. An existing claim is
// taken over only while it is still processing and older than staleBefore.
func (s *PostgresStore) ClaimEvent(ctx context.Context, eventID, eventType string, now, staleBefore time.Time) (storage.ClaimState, error) {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO processed_events (event_id, event_type, state, claimed_at) VALUES ($1, $2, 'processing', $3)
ON CONFLICT (event_id) DO UPDATE SET claimed_at = EXCLUDED.claimed_at
WHERE processed_events.state = 'processing' AND processed_events.claimed_at <= $4`,
		eventID, eventType, now.UTC(), staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to claim event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return storage.ClaimAcquired, nil
	}

	var state string
	err = s.pool.QueryRow(ctx, "SELECT state FROM processed_events WHERE event_id = $1", eventID).Scan(&state)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return storage.ClaimInProgress, nil
	case err != nil:
		return 0, fmt.Errorf("failed to read event claim: %w", err)
	case state == "done":
		return storage.ClaimDone, nil
	}
	return storage.ClaimInProgress, nil
}

// CompleteEvent marks a claim done.
func (s *PostgresStore) CompleteEvent(ctx context.Context, eventID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE processed_events SET state = 'done', processed_at = $2 WHERE event_id = $1",
		eventID, now.UTC())
	if err != nil {
		return fmt.Errorf("failed to complete event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event %s: %w", eventID, storage.ErrNotFound)
	}
	return nil
}

// ReleaseEvent deletes a claim that is still processing.
func (s *PostgresStore) ReleaseEvent(ctx context.Context, eventID string) error {
	if _, err := s.pool.Exec(ctx,
		"DELETE FROM processed_events WHERE event_id = $1 AND state = 'processing'", eventID); err != nil {
		return fmt.Errorf("failed to release event: %w", err)
	}
	return nil
}
