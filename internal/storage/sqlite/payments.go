package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/leasewise/internal/models"
	"github.com/mmynk/leasewise/internal/storage"
)

// RecordPaymentAttempt persists a charge attempt. A replayed attempt for the
// same invoice and attempt number is ignored.
func (s *SQLiteStore) RecordPaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) (bool, error) {
	if attempt.ID == "" {
		attempt.ID = uuid.New().String()
	}
	if attempt.RecordedAt.IsZero() {
		attempt.RecordedAt = time.Now().UTC()
	}
	if attempt.Source == "" {
		attempt.Source = models.SourceProcessor
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO payment_attempts (id, subscription_id, invoice_id, attempt_number, amount, outcome,
		   source, failure_reason, late_fee, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (invoice_id, attempt_number) DO NOTHING`,
		attempt.ID, attempt.SubscriptionID, attempt.InvoiceID, attempt.AttemptNumber, attempt.Amount,
		string(attempt.Outcome), string(attempt.Source), attempt.FailureReason, attempt.LateFee, toUnix(attempt.RecordedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert payment attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

const attemptColumns = `id, subscription_id, invoice_id, attempt_number, amount, outcome, source,
	failure_reason, late_fee, recorded_at`

func scanAttempt(row rowScanner) (*models.PaymentAttempt, error) {
	a := &models.PaymentAttempt{}
	var (
		outcome    string
		source     string
		recordedAt int64
	)
	if err := row.Scan(&a.ID, &a.SubscriptionID, &a.InvoiceID, &a.AttemptNumber, &a.Amount, &outcome, &source,
		&a.FailureReason, &a.LateFee, &recordedAt); err != nil {
		return nil, err
	}
	a.Outcome = models.PaymentOutcome(outcome)
	a.Source = models.PaymentSource(source)
	a.RecordedAt = fromUnix(recordedAt)
	return a, nil
}

// ListPaymentAttempts retrieves all attempts of a subscription.
func (s *SQLiteStore) ListPaymentAttempts(ctx context.Context, subscriptionID string) ([]*models.PaymentAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+attemptColumns+" FROM payment_attempts WHERE subscription_id = ? ORDER BY recorded_at, attempt_number",
		subscriptionID,
	)
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
func (s *SQLiteStore) GetPaymentAttempt(ctx context.Context, invoiceID string, attemptNumber int) (*models.PaymentAttempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx,
		"SELECT "+attemptColumns+" FROM payment_attempts WHERE invoice_id = ? AND attempt_number = ?",
		invoiceID, attemptNumber,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attempt %d of invoice %s: %w", attemptNumber, invoiceID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment attempt: %w", err)
	}
	return a, nil
}

// ClaimExhaustion inserts the exhaustion record of an invoice unless one exists.
func (s *SQLiteStore) ClaimExhaustion(ctx context.Context, invoiceID, subscriptionID string, attempts int, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO invoice_exhaustions (invoice_id, subscription_id, attempts, exhausted_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (invoice_id) DO NOTHING`,
		invoiceID, subscriptionID, attempts, toUnix(now),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert exhaustion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// ReserveLateFee inserts the late fee of an invoice unless one exists.
func (s *SQLiteStore) ReserveLateFee(ctx context.Context, fee *models.LateFee) (bool, error) {
	if fee.AppliedAt.IsZero() {
		fee.AppliedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO late_fees (invoice_id, subscription_id, amount, days_late, external_item_id, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (invoice_id) DO NOTHING`,
		fee.InvoiceID, fee.SubscriptionID, fee.Amount, fee.DaysLate, fee.ExternalItemID, toUnix(fee.AppliedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert late fee: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkLateFeeApplied stores the processor line item of a reserved fee.
func (s *SQLiteStore) MarkLateFeeApplied(ctx context.Context, invoiceID, externalItemID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE late_fees SET external_item_id = ? WHERE invoice_id = ?",
		externalItemID, invoiceID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark late fee applied: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("late fee %s: %w", invoiceID, storage.ErrNotFound)
	}
	return nil
}

// ReleaseLateFee deletes a fee reservation that has no processor line item.
func (s *SQLiteStore) ReleaseLateFee(ctx context.Context, invoiceID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM late_fees WHERE invoice_id = ? AND external_item_id = ''",
		invoiceID,
	)
	if err != nil {
		return fmt.Errorf("failed to release late fee: %w", err)
	}
	return nil
}

// GetLateFee retrieves the late fee of an invoice.
func (s *SQLiteStore) GetLateFee(ctx context.Context, invoiceID string) (*models.LateFee, error) {
	fee := &models.LateFee{}
	var appliedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT invoice_id, subscription_id, amount, days_late, external_item_id, applied_at
		 FROM late_fees WHERE invoice_id = ?`,
		invoiceID,
	).Scan(&fee.InvoiceID, &fee.SubscriptionID, &fee.Amount, &fee.DaysLate, &fee.ExternalItemID, &appliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("late fee %s: %w", invoiceID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get late fee: %w", err)
	}
	fee.AppliedAt = fromUnix(appliedAt)
	return fee, nil
}
