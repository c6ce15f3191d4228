package pipeline

import (
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// TransactionIngested is published on domain.TopicTransactionIngested.
type TransactionIngested struct {
	TransactionID string    `json:"transactionId"`
	Type          string    `json:"type"`
	SenderID      string    `json:"senderId"`
	RecipientID   string    `json:"recipientId"`
	Amount        string    `json:"amount"`
	Currency      string    `json:"currency"`
	Timestamp     time.Time `json:"timestamp"`

	// SenderIngests counts the sender's ingested transactions in the current recent window.
	SenderIngests int64 `json:"senderIngests,omitempty"`
}

// AnalysisCompleted is published on domain.TopicAnalysisCompleted and, when
// any policy fired, on domain.TopicAlert.
type AnalysisCompleted struct {
	AnalysisID    string          `json:"analysisId"`
	UserID        string          `json:"userId"`
	TransactionID string          `json:"transactionId,omitempty"`
	Status        string          `json:"status"`
	OverallRisk   domain.RiskTier `json:"overallRisk"`
	RiskScore     float64         `json:"riskScore"`
	Alerts        []string        `json:"alerts,omitempty"`
	TraceID       string          `json:"traceId"`
}

func newIngested(tx *domain.Transaction, count int64) TransactionIngested {
	return TransactionIngested{
		TransactionID: tx.ID,
		Type:          tx.Type,
		SenderID:      tx.SenderID,
		RecipientID:   tx.RecipientID,
		Amount:        tx.Amount.String(),
		Currency:      tx.Currency,
		Timestamp:     tx.Timestamp,
		SenderIngests: count,
	}
}

func newCompleted(a *domain.Analysis) AnalysisCompleted {
	resp := a.ToResponse()
	return AnalysisCompleted{
		AnalysisID:    a.ID,
		UserID:        a.UserID,
		TransactionID: a.TransactionID,
		Status:        a.Status,
		OverallRisk:   a.Result.OverallRisk,
		RiskScore:     a.Result.RiskScore,
		Alerts:        resp.Alerts,
		TraceID:       a.Metadata.TraceID,
	}
}
