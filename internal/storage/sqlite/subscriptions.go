package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/leasewise/internal/models"
	"github.com/mmynk/leasewise/internal/storage"
)

const subscriptionColumns = `id, contract_id, tenant_id, landlord_id, property_id, external_id, customer_id,
	product_id, price_id, status, monthly_amount, currency, current_period_start, current_period_end,
	next_payment_due, cancel_at_period_end, pause_resumes_at, canceled_at, created_at, updated_at`

// ReserveSubscription inserts a subscription row in incomplete status.
// The partial unique index on contract_id lets only one open row exist per contract.
func (s *SQLiteStore) ReserveSubscription(ctx context.Context, sub *models.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	sub.UpdatedAt = sub.CreatedAt
	sub.Status = models.SubscriptionIncomplete

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, contract_id, tenant_id, landlord_id, property_id, status,
		   monthly_amount, currency, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.ContractID, sub.TenantID, sub.LandlordID, sub.PropertyID, string(sub.Status),
		sub.MonthlyAmount, sub.Currency, toUnix(sub.CreatedAt), toUnix(sub.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("subscription for contract %s: %w", sub.ContractID, storage.ErrConflict)
		}
		return fmt.Errorf("failed to insert subscription: %w", err)
	}
	return nil
}

// DeleteReservation removes an incomplete subscription that has no processor ID.
func (s *SQLiteStore) DeleteReservation(ctx context.Context, subscriptionID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM subscriptions WHERE id = ? AND status = 'incomplete' AND external_id = ''",
		subscriptionID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete subscription reservation: %w", err)
	}
	return nil
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	sub := &models.Subscription{}
	var (
		status                       string
		periodStart, periodEnd, next int64
		cancelAtPeriodEnd            int
		resumesAt, canceledAt        sql.NullInt64
		createdAt, updatedAt         int64
	)
	if err := row.Scan(&sub.ID, &sub.ContractID, &sub.TenantID, &sub.LandlordID, &sub.PropertyID,
		&sub.ExternalID, &sub.CustomerID, &sub.ProductID, &sub.PriceID, &status,
		&sub.MonthlyAmount, &sub.Currency, &periodStart, &periodEnd, &next, &cancelAtPeriodEnd,
		&resumesAt, &canceledAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sub.Status = models.SubscriptionStatus(status)
	sub.CurrentPeriodStart = fromUnix(periodStart)
	sub.CurrentPeriodEnd = fromUnix(periodEnd)
	sub.NextPaymentDue = fromUnix(next)
	sub.CancelAtPeriodEnd = cancelAtPeriodEnd == 1
	sub.PauseResumesAt = fromNullUnix(resumesAt)
	sub.CanceledAt = fromNullUnix(canceledAt)
	sub.CreatedAt = fromUnix(createdAt)
	sub.UpdatedAt = fromUnix(updatedAt)
	return sub, nil
}

func (s *SQLiteStore) getSubscriptionWhere(ctx context.Context, where string, arg any) (*models.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE "+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", arg, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetSubscription retrieves a subscription by ID.
func (s *SQLiteStore) GetSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	return s.getSubscriptionWhere(ctx, "id = ?", subscriptionID)
}

// GetSubscriptionByExternalID retrieves a subscription by its processor ID.
func (s *SQLiteStore) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*models.Subscription, error) {
	if externalID == "" {
		return nil, fmt.Errorf("subscription with empty external id: %w", storage.ErrNotFound)
	}
	return s.getSubscriptionWhere(ctx, "external_id = ?", externalID)
}

// GetOpenSubscriptionByContract retrieves the non-canceled subscription of a contract.
func (s *SQLiteStore) GetOpenSubscriptionByContract(ctx context.Context, contractID string) (*models.Subscription, error) {
	return s.getSubscriptionWhere(ctx, "contract_id = ? AND status != 'canceled'", contractID)
}

// patchAssignments renders the SET clause entries of a patch.
func patchAssignments(patch models.SubscriptionPatch) ([]string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if patch.ExternalID != nil {
		add("external_id", *patch.ExternalID)
	}
	if patch.CustomerID != nil {
		add("customer_id", *patch.CustomerID)
	}
	if patch.ProductID != nil {
		add("product_id", *patch.ProductID)
	}
	if patch.PriceID != nil {
		add("price_id", *patch.PriceID)
	}
	if patch.CurrentPeriodStart != nil {
		add("current_period_start", toUnix(*patch.CurrentPeriodStart))
	}
	if patch.CurrentPeriodEnd != nil {
		add("current_period_end", toUnix(*patch.CurrentPeriodEnd))
	}
	if patch.NextPaymentDue != nil {
		add("next_payment_due", toUnix(*patch.NextPaymentDue))
	}
	if patch.CancelAtPeriodEnd != nil {
		flag := 0
		if *patch.CancelAtPeriodEnd {
			flag = 1
		}
		add("cancel_at_period_end", flag)
	}
	if patch.SetPauseResumesAt {
		add("pause_resumes_at", toNullUnix(patch.PauseResumesAt))
	}
	if patch.CanceledAt != nil {
		add("canceled_at", toNullUnix(patch.CanceledAt))
	}
	return sets, args
}

// TransitionSubscription is a compare-and-set on the status column: the
// update only matches while the persisted status is one of from.
func (s *SQLiteStore) TransitionSubscription(ctx context.Context, subscriptionID string, from []models.SubscriptionStatus, to models.SubscriptionStatus, patch models.SubscriptionPatch, now time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}

	sets, args := patchAssignments(patch)
	sets = append([]string{"status = ?", "updated_at = ?"}, sets...)
	args = append([]any{string(to), toUnix(now)}, args...)
	args = append(args, subscriptionID)
	args = append(args, statusArgs(from)...)

	query := fmt.Sprintf("UPDATE subscriptions SET %s WHERE id = ? AND status IN (%s)",
		strings.Join(sets, ", "), placeholders(len(from)))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("subscription %s: %w", subscriptionID, storage.ErrConflict)
		}
		return false, fmt.Errorf("failed to transition subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkCancelAtPeriodEnd sets the deferred-cancel flag once.
func (s *SQLiteStore) MarkCancelAtPeriodEnd(ctx context.Context, subscriptionID string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET cancel_at_period_end = 1, updated_at = ?
		 WHERE id = ? AND status != 'canceled' AND cancel_at_period_end = 0`,
		toUnix(now), subscriptionID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark cancel at period end: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) listSubscriptions(ctx context.Context, where string, args ...any) ([]*models.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE "+where+" ORDER BY created_at", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subscriptions: %w", err)
	}
	return subs, nil
}

// ListDueCancellations returns flagged subscriptions whose period has ended.
func (s *SQLiteStore) ListDueCancellations(ctx context.Context, now time.Time) ([]*models.Subscription, error) {
	return s.listSubscriptions(ctx,
		"cancel_at_period_end = 1 AND status != 'canceled' AND current_period_end > 0 AND current_period_end <= ?",
		toUnix(now))
}

// ListDueResumptions returns paused subscriptions whose resume time has passed.
func (s *SQLiteStore) ListDueResumptions(ctx context.Context, now time.Time) ([]*models.Subscription, error) {
	return s.listSubscriptions(ctx,
		"status = 'paused' AND pause_resumes_at IS NOT NULL AND pause_resumes_at <= ?",
		toUnix(now))
}
