package repository

// Schema definitions for Kestrel database.
// Compatible with both SQLite and PostgreSQL.
// Amounts and balances are stored as decimal strings.

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    type TEXT NOT NULL,
    sender_id TEXT NOT NULL,
    recipient_id TEXT NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    metadata TEXT,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_sender ON transactions(tenant_id, sender_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_transactions_recipient ON transactions(tenant_id, recipient_id, timestamp);
`

const schemaWallets = `
CREATE TABLE IF NOT EXISTS wallets (
    user_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    balance TEXT NOT NULL,
    currency TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, user_id)
);
`

const schemaAnalyses = `
CREATE TABLE IF NOT EXISTS analyses (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    transaction_id TEXT,
    status TEXT NOT NULL,
    overall_risk TEXT NOT NULL,
    risk_score REAL NOT NULL,
    result TEXT NOT NULL,
    alerts TEXT,
    metadata TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analyses_user ON analyses(tenant_id, user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_analyses_status ON analyses(tenant_id, status);
`

const schemaPolicies = `
CREATE TABLE IF NOT EXISTS alert_policies (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    severity TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_alert_policies_enabled ON alert_policies(tenant_id, enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTransactions,
		schemaWallets,
		schemaAnalyses,
		schemaPolicies,
	}
}
