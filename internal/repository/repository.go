// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Listing limits for analyses.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := NewWithDB(db, cfg.Driver)

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

// NewWithDB wraps an existing connection without running migrations.
func NewWithDB(db *sql.DB, driver string) *SQLRepository {
	return &SQLRepository{db: db, driver: driver}
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

func requireTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	return nil
}

// SaveTransaction stores a ledger transaction with tenant isolation.
func (r *SQLRepository) SaveTransaction(ctx context.Context, tenantID string, tx *domain.Transaction) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if tx == nil || tx.ID == "" || tx.SenderID == "" || tx.RecipientID == "" {
		return fmt.Errorf("%w: transaction id, sender and recipient are required", ErrInvalidInput)
	}
	if tx.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidInput)
	}

	metadata, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("%w: metadata: %v", ErrInvalidInput, err)
	}

	query := `
		INSERT INTO transactions (
			id, tenant_id, type, sender_id, recipient_id,
			amount, currency, timestamp, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		tx.ID, tenantID, tx.Type,
		tx.SenderID, tx.RecipientID,
		tx.Amount.String(), tx.Currency,
		tx.Timestamp.UTC(), tx.CreatedAt.UTC(),
		string(metadata),
	)
	return err
}

const transactionColumns = `id, tenant_id, type, sender_id, recipient_id, amount, currency, timestamp, created_at, metadata`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var metadata sql.NullString

	if err := s.Scan(
		&tx.ID, &tx.TenantID, &tx.Type,
		&tx.SenderID, &tx.RecipientID,
		&tx.Amount, &tx.Currency,
		&tx.Timestamp, &tx.CreatedAt,
		&metadata,
	); err != nil {
		return nil, err
	}

	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &tx.Metadata); err != nil {
			return nil, fmt.Errorf("failed to parse metadata for %s: %w", tx.ID, err)
		}
	}
	return &tx, nil
}

// GetTransaction retrieves a transaction by ID with tenant isolation.
func (r *SQLRepository) GetTransaction(ctx context.Context, tenantID string, txID string) (*domain.Transaction, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE tenant_id = ? AND id = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// ListTransactionsByUser returns transactions the user sent or received since
// the given time. A zero since returns the user's whole history.
func (r *SQLRepository) ListTransactionsByUser(ctx context.Context, tenantID string, userID string, since time.Time) ([]*domain.Transaction, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	args := []any{tenantID, userID, userID}
	filter, args := sinceFilter(since, args)
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE tenant_id = ? AND (sender_id = ? OR recipient_id = ?)` + filter + `
		ORDER BY timestamp, id
	`

	return r.queryTransactions(ctx, query, args...)
}

// sinceFilter appends a lower timestamp bound unless since is zero.
func sinceFilter(since time.Time, args []any) (string, []any) {
	if since.IsZero() {
		return "", args
	}
	return " AND timestamp >= ?", append(args, since.UTC())
}

// ListTransactionsBySenders returns outgoing transactions of the given senders
// since the given time. A zero since applies no time bound.
func (r *SQLRepository) ListTransactionsBySenders(ctx context.Context, tenantID string, senderIDs []string, since time.Time) ([]*domain.Transaction, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if len(senderIDs) == 0 {
		return nil, nil
	}

	args := make([]any, 0, len(senderIDs)+2)
	args = append(args, tenantID)
	for _, id := range senderIDs {
		args = append(args, id)
	}
	filter, args := sinceFilter(since, args)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(senderIDs)), ", ")
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE tenant_id = ? AND sender_id IN (` + placeholders + `)` + filter + `
		ORDER BY timestamp, id
	`

	return r.queryTransactions(ctx, query, args...)
}

func (r *SQLRepository) queryTransactions(ctx context.Context, query string, args ...any) ([]*domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// SaveWallet creates or replaces a wallet balance.
func (r *SQLRepository) SaveWallet(ctx context.Context, tenantID string, w *domain.Wallet) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if w == nil || w.UserID == "" {
		return fmt.Errorf("%w: wallet user is required", ErrInvalidInput)
	}
	if w.Balance.IsNegative() {
		return fmt.Errorf("%w: balance must not be negative", ErrInvalidInput)
	}

	updated := w.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	query := `
		INSERT INTO wallets (user_id, tenant_id, balance, currency, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, user_id) DO UPDATE SET
			balance = excluded.balance,
			currency = excluded.currency,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		w.UserID, tenantID, w.Balance.String(), w.Currency, updated.UTC(),
	)
	return err
}

// GetWallet retrieves a user's wallet.
func (r *SQLRepository) GetWallet(ctx context.Context, tenantID string, userID string) (*domain.Wallet, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT user_id, tenant_id, balance, currency, updated_at
		FROM wallets
		WHERE tenant_id = ? AND user_id = ?
	`

	var w domain.Wallet
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, userID).Scan(
		&w.UserID, &w.TenantID, &w.Balance, &w.Currency, &w.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// SaveAnalysis stores a completed analysis.
func (r *SQLRepository) SaveAnalysis(ctx context.Context, tenantID string, a *domain.Analysis) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if a == nil || a.ID == "" || a.Result == nil {
		return fmt.Errorf("%w: analysis id and result are required", ErrInvalidInput)
	}

	result, err := json.Marshal(a.Result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	alerts, _ := json.Marshal(a.Alerts)
	metadata, _ := json.Marshal(a.Metadata)

	query := `
		INSERT INTO analyses (
			id, tenant_id, user_id, transaction_id, status,
			overall_risk, risk_score, result, alerts, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		a.ID, tenantID, a.UserID, a.TransactionID, a.Status,
		string(a.Result.OverallRisk), a.Result.RiskScore,
		string(result), string(alerts), string(metadata),
		a.CreatedAt.UTC(),
	)
	return err
}

const analysisColumns = `id, tenant_id, user_id, transaction_id, status, result, alerts, metadata, created_at`

func scanAnalysis(s scanner) (*domain.Analysis, error) {
	var a domain.Analysis
	var txID, alerts sql.NullString
	var result, metadata string

	if err := s.Scan(
		&a.ID, &a.TenantID, &a.UserID, &txID, &a.Status,
		&result, &alerts, &metadata, &a.CreatedAt,
	); err != nil {
		return nil, err
	}

	a.TransactionID = txID.String
	if err := json.Unmarshal([]byte(result), &a.Result); err != nil {
		return nil, fmt.Errorf("failed to parse result for %s: %w", a.ID, err)
	}
	if alerts.Valid && alerts.String != "" {
		if err := json.Unmarshal([]byte(alerts.String), &a.Alerts); err != nil {
			return nil, fmt.Errorf("failed to parse alerts for %s: %w", a.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(metadata), &a.Metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata for %s: %w", a.ID, err)
	}
	return &a, nil
}

// GetAnalysis retrieves an analysis by ID with tenant isolation.
func (r *SQLRepository) GetAnalysis(ctx context.Context, tenantID string, analysisID string) (*domain.Analysis, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + analysisColumns + ` FROM analyses WHERE tenant_id = ? AND id = ?`

	a, err := scanAnalysis(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, analysisID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListAnalysesByUser returns a user's analyses, newest first.
func (r *SQLRepository) ListAnalysesByUser(ctx context.Context, tenantID string, userID string, limit int) ([]*domain.Analysis, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	query := `
		SELECT ` + analysisColumns + `
		FROM analyses
		WHERE tenant_id = ? AND user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SavePolicy creates or updates an alert policy.
func (r *SQLRepository) SavePolicy(ctx context.Context, tenantID string, p *domain.Policy) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if p == nil || p.ID == "" || p.Expression == "" {
		return fmt.Errorf("%w: policy id and expression are required", ErrInvalidInput)
	}

	enabled := 0
	if p.Enabled {
		enabled = 1
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO alert_policies (
			id, tenant_id, name, description, expression, severity, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			severity = excluded.severity,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		p.ID, tenantID, p.Name, p.Description, p.Expression, string(p.Severity), enabled,
		now, now,
	)
	return err
}

const policyColumns = `id, tenant_id, name, description, expression, severity, enabled`

func scanPolicy(s scanner) (*domain.Policy, error) {
	var p domain.Policy
	var desc sql.NullString
	var severity string
	var enabled int

	if err := s.Scan(&p.ID, &p.TenantID, &p.Name, &desc, &p.Expression, &severity, &enabled); err != nil {
		return nil, err
	}
	p.Description = desc.String
	p.Severity = domain.RiskTier(severity)
	p.Enabled = enabled == 1
	return &p, nil
}

// GetPolicy retrieves a policy by ID.
func (r *SQLRepository) GetPolicy(ctx context.Context, tenantID string, policyID string) (*domain.Policy, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + policyColumns + ` FROM alert_policies WHERE tenant_id = ? AND id = ?`

	p, err := scanPolicy(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, policyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPolicies returns enabled policies ordered by ID.
func (r *SQLRepository) ListPolicies(ctx context.Context, tenantID string) ([]*domain.Policy, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	query := `
		SELECT ` + policyColumns + `
		FROM alert_policies
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []*domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// DeletePolicy disables a policy. The row is kept for audit.
func (r *SQLRepository) DeletePolicy(ctx context.Context, tenantID string, policyID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	query := `
		UPDATE alert_policies
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND enabled = 1
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, policyID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
