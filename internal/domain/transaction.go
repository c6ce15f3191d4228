package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a single ledger movement between two users.
// The scoring engine treats it as read-only input.
type Transaction struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Transaction type (e.g., "transfer", "payment", "withdrawal")
	Type string `json:"type"`

	// Parties involved
	SenderID    string `json:"senderId"`
	RecipientID string `json:"recipientId"`

	// Financial details
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	// Optional metadata; may carry recipientCountry / country / jurisdiction.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// AmountFloat returns the amount as a float64 for statistical scoring.
func (t *Transaction) AmountFloat() float64 {
	f, _ := t.Amount.Float64()
	return f
}

// Wallet holds a user's current balance.
type Wallet struct {
	UserID    string          `json:"userId"`
	TenantID  string          `json:"tenantId"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// BalanceFloat returns the balance as a float64.
func (w *Wallet) BalanceFloat() float64 {
	f, _ := w.Balance.Float64()
	return f
}

// TransactionRequest is the API request payload for ledger ingestion.
type TransactionRequest struct {
	ID          string                 `json:"id,omitempty" validate:"omitempty,max=128"`
	Type        string                 `json:"type" validate:"required,max=64"`
	SenderID    string                 `json:"senderId" validate:"required,max=128"`
	RecipientID string                 `json:"recipientId" validate:"required,max=128,nefield=SenderID"`
	Amount      decimal.Decimal        `json:"amount"`
	Currency    string                 `json:"currency" validate:"required,min=3,max=8"`
	Timestamp   *time.Time             `json:"timestamp,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ToTransaction converts a request to a Transaction domain object.
func (r *TransactionRequest) ToTransaction(tenantID string) *Transaction {
	now := time.Now().UTC()
	ts := now
	if r.Timestamp != nil && !r.Timestamp.IsZero() {
		ts = r.Timestamp.UTC()
	}
	return &Transaction{
		ID:          r.ID,
		TenantID:    tenantID,
		Type:        r.Type,
		SenderID:    r.SenderID,
		RecipientID: r.RecipientID,
		Amount:      r.Amount,
		Currency:    r.Currency,
		Timestamp:   ts,
		CreatedAt:   now,
		Metadata:    r.Metadata,
	}
}

// WalletRequest is the API request payload for setting a wallet balance.
type WalletRequest struct {
	Balance  decimal.Decimal `json:"balance"`
	Currency string          `json:"currency" validate:"required,min=3,max=8"`
}
