// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Ledger operations
	SaveTransaction(ctx context.Context, tenantID string, tx *Transaction) error
	GetTransaction(ctx context.Context, tenantID string, txID string) (*Transaction, error)
	// ListTransactionsByUser returns transactions the user sent or received since the given time,
	// ordered by timestamp ascending.
	ListTransactionsByUser(ctx context.Context, tenantID string, userID string, since time.Time) ([]*Transaction, error)
	// ListTransactionsBySenders returns outgoing transactions of the given senders since the given time.
	ListTransactionsBySenders(ctx context.Context, tenantID string, senderIDs []string, since time.Time) ([]*Transaction, error)

	// Wallet operations
	SaveWallet(ctx context.Context, tenantID string, w *Wallet) error
	GetWallet(ctx context.Context, tenantID string, userID string) (*Wallet, error)

	// Analysis results
	SaveAnalysis(ctx context.Context, tenantID string, a *Analysis) error
	GetAnalysis(ctx context.Context, tenantID string, analysisID string) (*Analysis, error)
	ListAnalysesByUser(ctx context.Context, tenantID string, userID string, limit int) ([]*Analysis, error)

	// Alert policy operations
	SavePolicy(ctx context.Context, tenantID string, p *Policy) error
	GetPolicy(ctx context.Context, tenantID string, policyID string) (*Policy, error)
	ListPolicies(ctx context.Context, tenantID string) ([]*Policy, error)
	DeletePolicy(ctx context.Context, tenantID string, policyID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
