package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmynk/leasewise/internal/models"
	"github.com/mmynk/leasewise/internal/storage"
)

const subscriptionColumns = `id, contract_id, tenant_id, landlord_id, property_id, external_id, customer_id,
	product_id, price_id, status, monthly_amount, currency, current_period_start, current_period_end,
	next_payment_due, cancel_at_period_end, pause_resumes_at, canceled_at, created_at, updated_at`

// ReserveSubscription inserts an incomplete subscription; the partial unique
// index rejects a second open row for the contract.
func (s *PostgresStore) ReserveSubscription(ctx context.Context, sub *models.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	sub.UpdatedAt = sub.CreatedAt
	sub.Status = models.SubscriptionIncomplete

	_, err := s.pool.Exec(ctx, `
INSERT INTO subscriptions (id, contract_id, tenant_id, landlord_id, property_id, status,
  monthly_amount, currency, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sub.ID, sub.ContractID, sub.TenantID, sub.LandlordID, sub.PropertyID, string(sub.Status),
		sub.MonthlyAmount, sub.Currency, sub.CreatedAt.UTC(), sub.UpdatedAt.UTC(),
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
func (s *PostgresStore) DeleteReservation(ctx context.Context, subscriptionID string) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM subscriptions WHERE id = $1 AND status = 'incomplete' AND external_id = ''",
		subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to delete subscription reservation: %w", err)
	}
	return nil
}

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	sub := &models.Subscription{}
	var (
		status                       string
		periodStart, periodEnd, next *time.Time
	)
	if err := row.Scan(&sub.ID, &sub.ContractID, &sub.TenantID, &sub.LandlordID, &sub.PropertyID,
		&sub.ExternalID, &sub.CustomerID, &sub.ProductID, &sub.PriceID, &status,
		&sub.MonthlyAmount, &sub.Currency, &periodStart, &periodEnd, &next, &sub.CancelAtPeriodEnd,
		&sub.PauseResumesAt, &sub.CanceledAt, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
		return nil, err
	}
	sub.Status = models.SubscriptionStatus(status)
	sub.CurrentPeriodStart = valueTime(periodStart)
	sub.CurrentPeriodEnd = valueTime(periodEnd)
	sub.NextPaymentDue = valueTime(next)
	sub.PauseResumesAt = utcPtr(sub.PauseResumesAt)
	sub.CanceledAt = utcPtr(sub.CanceledAt)
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return sub, nil
}

func (s *PostgresStore) getSubscriptionWhere(ctx context.Context, where string, arg any) (*models.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		"SELECT "+subscriptionColumns+" FROM subscriptions WHERE "+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("subscription %s: %w", arg, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetSubscription retrieves a subscription by ID.
func (s *PostgresStore) GetSubscription(ctx context.Context, subscriptionID string) (*models.Subscription, error) {
	return s.getSubscriptionWhere(ctx, "id = $1", subscriptionID)
}

// GetSubscriptionByExternalID retrieves a subscription by its processor ID.
func (s *PostgresStore) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*models.Subscription, error) {
	if externalID == "" {
		return nil, fmt.Errorf("subscription with empty external id: %w", storage.ErrNotFound)
	}
	return s.getSubscriptionWhere(ctx, "external_id = $1", externalID)
}

// GetOpenSubscriptionByContract retrieves the non-canceled subscription of a contract.
func (s *PostgresStore) GetOpenSubscriptionByContract(ctx context.Context, contractID string) (*models.Subscription, error) {
	return s.getSubscriptionWhere(ctx, "contract_id = $1 AND status <> 'canceled'", contractID)
}

// patchAssignments renders the SET entries of a patch, numbering
// placeholders after the first `offset` arguments.
func patchAssignments(patch models.SubscriptionPatch, offset int) ([]string, []any) {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, offset+len(args)))
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
		add("current_period_start", nullTime(*patch.CurrentPeriodStart))
	}
	if patch.CurrentPeriodEnd != nil {
		add("current_period_end", nullTime(*patch.CurrentPeriodEnd))
	}
	if patch.NextPaymentDue != nil {
		add("next_payment_due", nullTime(*patch.NextPaymentDue))
	}
	if patch.CancelAtPeriodEnd != nil {
		add("cancel_at_period_end", *patch.CancelAtPeriodEnd)
	}
	if patch.SetPauseResumesAt {
		add("pause_resumes_at", utcPtr(patch.PauseResumesAt))
	}
	if patch.CanceledAt != nil {
		add("canceled_at", utcPtr(patch.CanceledAt))
	}
	return sets, args
}

// TransitionSubscription is a compare-and-set on the status column.
func (s *PostgresStore) TransitionSubscription(ctx context.Context, subscriptionID string, from []models.SubscriptionStatus, to models.SubscriptionStatus, patch models.SubscriptionPatch, now time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}

	args := []any{subscriptionID, statusArgs(from), string(to), now.UTC()}
	sets, patchArgs := patchAssignments(patch, len(args))
	sets = append([]string{"status = $3", "updated_at = $4"}, sets...)
	args = append(args, patchArgs...)

	query := fmt.Sprintf("UPDATE subscriptions SET %s WHERE id = $1 AND status = ANY($2)", strings.Join(sets, ", "))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("subscription %s: %w", subscriptionID, storage.ErrConflict)
		}
		return false, fmt.Errorf("failed to transition subscription: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCancelAtPeriodEnd sets the deferred-cancel flag once.
func (s *PostgresStore) MarkCancelAtPeriodEnd(ctx context.Context, subscriptionID string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE subscriptions SET cancel_at_period_end = TRUE, updated_at = $1
WHERE id = $2 AND status <> 'canceled' AND NOT cancel_at_period_end`,
		now.UTC(), subscriptionID)
	if err != nil {
		return false, fmt.Errorf("failed to mark cancel at period end: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) listSubscriptions(ctx context.Context, where string, args ...any) ([]*models.Subscription, error) {
	rows, err := s.pool.Query(ctx,
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
func (s *PostgresStore) ListDueCancellations(ctx context.Context, now time.Time) ([]*models.Subscription, error) {
	return s.listSubscriptions(ctx,
		"cancel_at_period_end AND status <> 'canceled' AND current_period_end IS NOT NULL AND current_period_end <= $1",
		now.UTC())
}

// ListDueResumptions returns paused subscriptions whose resume time has passed.
func (s *PostgresStore) ListDueResumptions(ctx context.Context, now time.Time) ([]*models.Subscription, error) {
	return s.listSubscriptions(ctx,
		"status = 'paused' AND pause_resumes_at IS NOT NULL AND pause_resumes_at <= $1",
		now.UTC())
}
