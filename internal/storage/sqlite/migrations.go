package sqlite

import "database/sql"

// schema contains the SQL statements to set up the database schema.
// These run on startup to ensure tables exist.
// Timestamps are Unix seconds.
const schema = `
CREATE TABLE IF NOT EXISTS contracts (
    id TEXT PRIMARY KEY,
    property_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    landlord_id TEXT NOT NULL,
    monthly_rent INTEGER NOT NULL,
    currency TEXT NOT NULL,
    region TEXT NOT NULL DEFAULT '',
    lease_start INTEGER NOT NULL,
    lease_end INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    supersedes_id TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY (supersedes_id) REFERENCES contracts(id)
);

CREATE TABLE IF NOT EXISTS signatures (
    id TEXT PRIMARY KEY,
    contract_id TEXT NOT NULL,
    signer_id TEXT NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('tenant', 'landlord')),
    payload BLOB,
    idempotency_key TEXT NOT NULL DEFAULT '',
    signed_at INTEGER NOT NULL,
    UNIQUE (contract_id, role),
    FOREIGN KEY (contract_id) REFERENCES contracts(id)
);

CREATE TABLE IF NOT EXISTS subscriptions (
    id TEXT PRIMARY KEY,
    contract_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    landlord_id TEXT NOT NULL,
    property_id TEXT NOT NULL,
    external_id TEXT NOT NULL DEFAULT '',
    customer_id TEXT NOT NULL DEFAULT '',
    product_id TEXT NOT NULL DEFAULT '',
    price_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    monthly_amount INTEGER NOT NULL,
    currency TEXT NOT NULL,
    current_period_start INTEGER NOT NULL DEFAULT 0,
    current_period_end INTEGER NOT NULL DEFAULT 0,
    next_payment_due INTEGER NOT NULL DEFAULT 0,
    cancel_at_period_end INTEGER NOT NULL DEFAULT 0,
    pause_resumes_at INTEGER,
    canceled_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY (contract_id) REFERENCES contracts(id)
);

CREATE TABLE IF NOT EXISTS payment_attempts (
    id TEXT PRIMARY KEY,
    subscription_id TEXT NOT NULL,
    invoice_id TEXT NOT NULL,
    attempt_number INTEGER NOT NULL,
    amount INTEGER NOT NULL,
    outcome TEXT NOT NULL CHECK (outcome IN ('succeeded', 'failed')),
    source TEXT NOT NULL DEFAULT 'processor' CHECK (source IN ('processor', 'retry')),
    failure_reason TEXT NOT NULL DEFAULT '',
    late_fee INTEGER NOT NULL DEFAULT 0,
    recorded_at INTEGER NOT NULL,
    UNIQUE (invoice_id, attempt_number),
    FOREIGN KEY (subscription_id) REFERENCES subscriptions(id)
);

CREATE TABLE IF NOT EXISTS late_fees (
    invoice_id TEXT PRIMARY KEY,
    subscription_id TEXT NOT NULL,
    amount INTEGER NOT NULL,
    days_late INTEGER NOT NULL,
    external_item_id TEXT NOT NULL DEFAULT '',
    applied_at INTEGER NOT NULL,
    FOREIGN KEY (subscription_id) REFERENCES subscriptions(id)
);

CREATE TABLE IF NOT EXISTS invoice_exhaustions (
    invoice_id TEXT PRIMARY KEY,
    subscription_id TEXT NOT NULL,
    attempts INTEGER NOT NULL,
    exhausted_at INTEGER NOT NULL,
    FOREIGN KEY (subscription_id) REFERENCES subscriptions(id)
);

CREATE TABLE IF NOT EXISTS processed_events (
    event_id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    state TEXT NOT NULL CHECK (state IN ('processing', 'done')),
    claimed_at INTEGER NOT NULL,
    processed_at INTEGER
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_open_contract
    ON subscriptions(contract_id) WHERE status != 'canceled';
CREATE INDEX IF NOT EXISTS idx_subscriptions_external_id ON subscriptions(external_id);
CREATE INDEX IF NOT EXISTS idx_signatures_contract_id ON signatures(contract_id);
CREATE INDEX IF NOT EXISTS idx_payment_attempts_subscription_id ON payment_attempts(subscription_id);
`

// runMigrations executes the schema setup.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
