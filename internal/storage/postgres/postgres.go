// Package postgres provides a PostgreSQL-backed implementation of the
// storage.Store interface on top of a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mmynk/leasewise/internal/models"
	"github.com/mmynk/leasewise/internal/storage"
)

var _ storage.Store = (*PostgresStore)(nil)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore implements storage.Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// New connects to dsn and runs the schema migrations.
func New(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func statusArgs(statuses []models.SubscriptionStatus) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func valueTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

const schema = `
CREATE TABLE IF NOT EXISTS contracts (
    id TEXT PRIMARY KEY,
    property_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    landlord_id TEXT NOT NULL,
    monthly_rent BIGINT NOT NULL,
    currency TEXT NOT NULL,
    region TEXT NOT NULL DEFAULT '',
    lease_start TIMESTAMPTZ NOT NULL,
    lease_end TIMESTAMPTZ NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    supersedes_id TEXT REFERENCES contracts(id),
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS signatures (
    id TEXT PRIMARY KEY,
    contract_id TEXT NOT NULL REFERENCES contracts(id),
    signer_id TEXT NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('tenant', 'landlord')),
    payload BYTEA,
    idempotency_key TEXT NOT NULL DEFAULT '',
    signed_at TIMESTAMPTZ NOT NULL,
    UNIQUE (contract_id, role)
);

CREATE TABLE IF NOT EXISTS subscriptions (
    id TEXT PRIMARY KEY,
    contract_id TEXT NOT NULL REFERENCES contracts(id),
    tenant_id TEXT NOT NULL,
    landlord_id TEXT NOT NULL,
    property_id TEXT NOT NULL,
    external_id TEXT NOT NULL DEFAULT '',
    customer_id TEXT NOT NULL DEFAULT '',
    product_id TEXT NOT NULL DEFAULT '',
    price_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    monthly_amount BIGINT NOT NULL,
    currency TEXT NOT NULL,
    current_period_start TIMESTAMPTZ,
    current_period_end TIMESTAMPTZ,
    next_payment_due TIMESTAMPTZ,
    cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
    pause_resumes_at TIMESTAMPTZ,
    canceled_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS payment_attempts (
    id TEXT PRIMARY KEY,
    subscription_id TEXT NOT NULL REFERENCES subscriptions(id),
    invoice_id TEXT NOT NULL,
    attempt_number INTEGER NOT NULL,
    amount BIGINT NOT NULL,
    outcome TEXT NOT NULL CHECK (outcome IN ('succeeded', 'failed')),
    source TEXT NOT NULL DEFAULT 'processor' CHECK (source IN ('processor', 'retry')),
    failure_reason TEXT NOT NULL DEFAULT '',
    late_fee BIGINT NOT NULL DEFAULT 0,
    recorded_at TIMESTAMPTZ NOT NULL,
    UNIQUE (invoice_id, attempt_number)
);

CREATE TABLE IF NOT EXISTS late_fees (
    invoice_id TEXT PRIMARY KEY,
    subscription_id TEXT NOT NULL REFERENCES subscriptions(id),
    amount BIGINT NOT NULL,
    days_late INTEGER NOT NULL,
    external_item_id TEXT NOT NULL DEFAULT '',
    applied_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS invoice_exhaustions (
    invoice_id TEXT PRIMARY KEY,
    subscription_id TEXT NOT NULL REFERENCES subscriptions(id),
    attempts INTEGER NOT NULL,
    exhausted_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_events (
    event_id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    state TEXT NOT NULL CHECK (state IN ('processing', 'done')),
    claimed_at TIMESTAMPTZ NOT NULL,
    processed_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_open_contract
    ON subscriptions(contract_id) WHERE status <> 'canceled';
CREATE INDEX IF NOT EXISTS idx_subscriptions_external_id ON subscriptions(external_id);
CREATE INDEX IF NOT EXISTS idx_signatures_contract_id ON signatures(contract_id);
CREATE INDEX IF NOT EXISTS idx_payment_attempts_subscription_id ON payment_attempts(subscription_id);
`
