package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetTransaction", func(t *testing.T) {
		tx := &domain.Transaction{
			ID:          "tx-001",
			Type:        "transfer",
			SenderID:    "alice",
			RecipientID: "bob",
			Amount:      decimal.RequireFromString("1000.25"),
			Currency:    "USD",
			Timestamp:   base,
			CreatedAt:   base,
			Metadata:    map[string]any{"recipientCountry": "KE"},
		}

		if err := repo.SaveTransaction(ctx, tenantID, tx); err != nil {
			t.Fatalf("SaveTransaction failed: %v", err)
		}

		retrieved, err := repo.GetTransaction(ctx, tenantID, tx.ID)
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}

		if retrieved.ID != tx.ID {
			t.Errorf("expected ID %s, got %s", tx.ID, retrieved.ID)
		}
		if !retrieved.Amount.Equal(tx.Amount) {
			t.Errorf("expected Amount %s, got %s", tx.Amount, retrieved.Amount)
		}
		if retrieved.TenantID != tenantID {
			t.Errorf("expected TenantID %s, got %s", tenantID, retrieved.TenantID)
		}
		if !retrieved.Timestamp.Equal(base) {
			t.Errorf("expected Timestamp %v, got %v", base, retrieved.Timestamp)
		}
		if retrieved.Metadata["recipientCountry"] != "KE" {
			t.Errorf("expected metadata to round-trip, got %v", retrieved.Metadata)
		}
	})

	t.Run("DuplicateTransaction", func(t *testing.T) {
		tx := &domain.Transaction{
			ID: "tx-001", Type: "transfer", SenderID: "alice", RecipientID: "bob",
			Amount: decimal.NewFromInt(1), Currency: "USD", Timestamp: base, CreatedAt: base,
		}
		if err := repo.SaveTransaction(ctx, tenantID, tx); err == nil {
			t.Error("expected error for duplicate transaction ID")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_, err := repo.GetTransaction(ctx, "tenant-002", "tx-001")
		if err != ErrNotFound {
			t.Errorf("expected ErrNotFound for different tenant, got %v", err)
		}
	})

	t.Run("EmptyTenantRejected", func(t *testing.T) {
		_, err := repo.GetTransaction(ctx, "", "tx-001")
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("ListTransactionsByUser", func(t *testing.T) {
		txs := []*domain.Transaction{
			{ID: "tx-002", SenderID: "bob", RecipientID: "alice", Timestamp: base.Add(time.Hour)},
			{ID: "tx-003", SenderID: "carol", RecipientID: "dave", Timestamp: base.Add(2 * time.Hour)},
			{ID: "tx-004", SenderID: "alice", RecipientID: "carol", Timestamp: base.Add(-48 * time.Hour)},
		}
		for _, tx := range txs {
			tx.Type = "transfer"
			tx.Amount = decimal.NewFromInt(50)
			tx.Currency = "USD"
			tx.CreatedAt = base
			if err := repo.SaveTransaction(ctx, tenantID, tx); err != nil {
				t.Fatalf("SaveTransaction %s failed: %v", tx.ID, err)
			}
		}

		got, err := repo.ListTransactionsByUser(ctx, tenantID, "alice", base.Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("ListTransactionsByUser failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 transactions in window, got %d", len(got))
		}
		if got[0].ID != "tx-001" || got[1].ID != "tx-002" {
			t.Errorf("expected ascending order tx-001, tx-002, got %s, %s", got[0].ID, got[1].ID)
		}
	})

	t.Run("ListTransactionsByUserUnbounded", func(t *testing.T) {
		got, err := repo.ListTransactionsByUser(ctx, tenantID, "alice", time.Time{})
		if err != nil {
			t.Fatalf("ListTransactionsByUser failed: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected full history of 3 transactions, got %d", len(got))
		}
		if got[0].ID != "tx-004" {
			t.Errorf("expected oldest transaction tx-004 first, got %s", got[0].ID)
		}
	})

	t.Run("ListTransactionsBySenders", func(t *testing.T) {
		got, err := repo.ListTransactionsBySenders(ctx, tenantID, []string{"bob", "carol"}, base.Add(-time.Hour))
		if err != nil {
			t.Fatalf("ListTransactionsBySenders failed: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("expected 2 transactions, got %d", len(got))
		}
		for _, tx := range got {
			if tx.SenderID != "bob" && tx.SenderID != "carol" {
				t.Errorf("unexpected sender %s", tx.SenderID)
			}
		}

		empty, err := repo.ListTransactionsBySenders(ctx, tenantID, nil, base)
		if err != nil || len(empty) != 0 {
			t.Errorf("expected no rows for empty sender list, got %d (%v)", len(empty), err)
		}
	})

	t.Run("Wallet", func(t *testing.T) {
		if _, err := repo.GetWallet(ctx, tenantID, "alice"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound before save, got %v", err)
		}

		w := &domain.Wallet{UserID: "alice", Balance: decimal.RequireFromString("500.50"), Currency: "USD"}
		if err := repo.SaveWallet(ctx, tenantID, w); err != nil {
			t.Fatalf("SaveWallet failed: %v", err)
		}

		w.Balance = decimal.NewFromInt(120)
		if err := repo.SaveWallet(ctx, tenantID, w); err != nil {
			t.Fatalf("SaveWallet update failed: %v", err)
		}

		got, err := repo.GetWallet(ctx, tenantID, "alice")
		if err != nil {
			t.Fatalf("GetWallet failed: %v", err)
		}
		if !got.Balance.Equal(decimal.NewFromInt(120)) {
			t.Errorf("expected balance 120, got %s", got.Balance)
		}
	})

	t.Run("NegativeWalletRejected", func(t *testing.T) {
		w := &domain.Wallet{UserID: "bob", Balance: decimal.NewFromInt(-1), Currency: "USD"}
		if err := repo.SaveWallet(ctx, tenantID, w); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("SaveAndGetAnalysis", func(t *testing.T) {
		for i, id := range []string{"fraud_a", "fraud_b"} {
			a := &domain.Analysis{
				ID:            id,
				UserID:        "alice",
				TransactionID: "tx-001",
				Status:        domain.StatusAlert,
				Result: &domain.FraudAnalysisResult{
					OverallRisk:   domain.RiskHigh,
					RiskScore:     82,
					Confidence:    0.9,
					VelocityScore: 100,
					RiskFactors:   []domain.RiskFactor{{Factor: "HIGH_VELOCITY", Score: 100, Severity: domain.RiskHigh}},
				},
				Alerts:    []domain.PolicyResult{{PolicyID: "default-high-risk", Name: "High risk", Triggered: true}},
				Metadata:  domain.AnalysisRunMetadata{HistoryCount: 12, EngineVersion: "1.0.0"},
				CreatedAt: base.Add(time.Duration(i) * time.Minute),
			}
			if err := repo.SaveAnalysis(ctx, tenantID, a); err != nil {
				t.Fatalf("SaveAnalysis failed: %v", err)
			}
		}

		got, err := repo.GetAnalysis(ctx, tenantID, "fraud_a")
		if err != nil {
			t.Fatalf("GetAnalysis failed: %v", err)
		}
		if got.Result.OverallRisk != domain.RiskHigh || got.Result.RiskScore != 82 {
			t.Errorf("unexpected result %+v", got.Result)
		}
		if len(got.Alerts) != 1 || !got.Alerts[0].Triggered {
			t.Errorf("expected one triggered alert, got %+v", got.Alerts)
		}
		if got.Metadata.HistoryCount != 12 {
			t.Errorf("expected metadata history count 12, got %d", got.Metadata.HistoryCount)
		}

		list, err := repo.ListAnalysesByUser(ctx, tenantID, "alice", 10)
		if err != nil {
			t.Fatalf("ListAnalysesByUser failed: %v", err)
		}
		if len(list) != 2 || list[0].ID != "fraud_b" {
			t.Errorf("expected newest first, got %d rows", len(list))
		}

		limited, _ := repo.ListAnalysesByUser(ctx, tenantID, "alice", 1)
		if len(limited) != 1 {
			t.Errorf("expected limit of 1, got %d", len(limited))
		}

		if _, err := repo.GetAnalysis(ctx, tenantID, "fraud_missing"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("PolicyLifecycle", func(t *testing.T) {
		p := &domain.Policy{
			ID:         "cycles",
			Name:       "Circular flows",
			Expression: "cycle_count > 0",
			Severity:   domain.RiskHigh,
			Enabled:    true,
		}
		if err := repo.SavePolicy(ctx, tenantID, p); err != nil {
			t.Fatalf("SavePolicy failed: %v", err)
		}

		p.Expression = "cycle_count > 1"
		if err := repo.SavePolicy(ctx, tenantID, p); err != nil {
			t.Fatalf("SavePolicy update failed: %v", err)
		}

		got, err := repo.GetPolicy(ctx, tenantID, "cycles")
		if err != nil {
			t.Fatalf("GetPolicy failed: %v", err)
		}
		if got.Expression != "cycle_count > 1" {
			t.Errorf("expected updated expression, got %q", got.Expression)
		}

		list, err := repo.ListPolicies(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListPolicies failed: %v", err)
		}
		if len(list) != 1 {
			t.Fatalf("expected 1 policy, got %d", len(list))
		}

		if err := repo.DeletePolicy(ctx, tenantID, "cycles"); err != nil {
			t.Fatalf("DeletePolicy failed: %v", err)
		}
		if err := repo.DeletePolicy(ctx, tenantID, "cycles"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}

		list, _ = repo.ListPolicies(ctx, tenantID)
		if len(list) != 0 {
			t.Errorf("expected disabled policy to be hidden, got %d", len(list))
		}
	})
}

func TestUnsupportedDriver(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver: "mysql",
	}

	_, err := New(cfg)
	if err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		result := repo.rebind(tt.input)
		if result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestPostgresQueries(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	defer db.Close()

	repo := NewWithDB(db, "postgres")
	ctx := context.Background()

	t.Run("GetWalletUsesNumberedPlaceholders", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"user_id", "tenant_id", "balance", "currency", "updated_at"}).
			AddRow("alice", "tenant-001", "250.75", "USD", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
		mock.ExpectQuery(`FROM wallets\s+WHERE tenant_id = \$1 AND user_id = \$2`).
			WithArgs("tenant-001", "alice").
			WillReturnRows(rows)

		w, err := repo.GetWallet(ctx, "tenant-001", "alice")
		if err != nil {
			t.Fatalf("GetWallet failed: %v", err)
		}
		if w.Balance.String() != "250.75" {
			t.Errorf("expected balance 250.75, got %s", w.Balance)
		}
	})

	t.Run("DeleteMissingPolicy", func(t *testing.T) {
		mock.ExpectExec(`UPDATE alert_policies`).
			WithArgs(sqlmock.AnyArg(), "tenant-001", "ghost").
			WillReturnResult(sqlmock.NewResult(0, 0))

		if err := repo.DeletePolicy(ctx, "tenant-001", "ghost"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("SendersWithoutTimeBound", func(t *testing.T) {
		mock.ExpectQuery(`sender_id IN \(\$2\)\s+ORDER BY timestamp, id`).
			WithArgs("tenant-001", "bob").
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "tenant_id", "type", "sender_id", "recipient_id",
				"amount", "currency", "timestamp", "created_at", "metadata",
			}))

		if _, err := repo.ListTransactionsBySenders(ctx, "tenant-001", []string{"bob"}, time.Time{}); err != nil {
			t.Fatalf("ListTransactionsBySenders failed: %v", err)
		}
	})

	t.Run("SendersInList", func(t *testing.T) {
		mock.ExpectQuery(`sender_id IN \(\$2, \$3\) AND timestamp >= \$4`).
			WithArgs("tenant-001", "bob", "carol", sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "tenant_id", "type", "sender_id", "recipient_id",
				"amount", "currency", "timestamp", "created_at", "metadata",
			}))

		txs, err := repo.ListTransactionsBySenders(ctx, "tenant-001", []string{"bob", "carol"}, time.Now())
		if err != nil {
			t.Fatalf("ListTransactionsBySenders failed: %v", err)
		}
		if len(txs) != 0 {
			t.Errorf("expected no rows, got %d", len(txs))
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
