//go:build integration
// +build integration

// Package integration provides end-to-end tests for a running Kestrel instance.
//
// These tests drive the complete pipeline over HTTP:
//
//	POST /transactions -> ledger -> POST /analyze -> risk engine -> alert policies
//
// Run with: KESTREL_TEST_URL=http://localhost:8080 go test -tags=integration -v ./tests/integration/...
//
// Every test writes under its own user ids, so the suite can run repeatedly
// against the same database.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL  string
	TenantID string
	RunID    string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL:  baseURL,
		TenantID: "test-tenant",
		RunID:    fmt.Sprintf("%d", time.Now().UnixNano()),
	}
}

func (c TestConfig) user(name string) string {
	return name + "-" + c.RunID
}

// ============================================================================
// API Request/Response Types
// ============================================================================

// TransactionRequest is the ledger transaction sent to POST /transactions
type TransactionRequest struct {
	ID          string         `json:"id,omitempty"`
	Type        string         `json:"type"`
	SenderID    string         `json:"senderId"`
	RecipientID string         `json:"recipientId"`
	Amount      string         `json:"amount"`
	Currency    string         `json:"currency"`
	Timestamp   *time.Time     `json:"timestamp,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// AnalyzeResponse is what POST /analyze returns
type AnalyzeResponse struct {
	AnalysisID     string         `json:"analysisId"`
	UserID         string         `json:"userId"`
	TransactionID  string         `json:"transactionId"`
	Status         string         `json:"status"` // "ALRT" or "NALT"
	FraudDetection FraudDetection `json:"fraudDetection"`
	Alerts         []string       `json:"alerts"`
	Metadata       struct {
		TraceID      string `json:"traceId"`
		HistoryCount int    `json:"historyCount"`
		NetworkCount int    `json:"networkCount"`
	} `json:"metadata"`
}

type FraudDetection struct {
	RiskScore           float64 `json:"riskScore"`
	OverallRisk         string  `json:"overallRisk"`
	Confidence          float64 `json:"confidence"`
	GeographicRiskScore float64 `json:"geographicRiskScore"`
	CircularFlowScore   float64 `json:"circularFlowScore"`
	CircularFlows       *struct {
		CycleCount int `json:"cycleCount"`
	} `json:"circularFlows"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func call(t *testing.T, config TestConfig, method, path string, payload any, wantStatus int, out any) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequest(method, config.BaseURL+path, body)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d: %s", method, path, wantStatus, resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(respBody))
		}
	}
}

func ingest(t *testing.T, config TestConfig, tx TransactionRequest) {
	t.Helper()
	if tx.Type == "" {
		tx.Type = "transfer"
	}
	if tx.Currency == "" {
		tx.Currency = "USD"
	}
	call(t, config, http.MethodPost, "/transactions", tx, http.StatusCreated, nil)
}

func analyze(t *testing.T, config TestConfig, userID string) AnalyzeResponse {
	t.Helper()
	var resp AnalyzeResponse
	call(t, config, http.MethodPost, "/analyze", map[string]string{"userId": userID}, http.StatusCreated, &resp)
	return resp
}

// ============================================================================
// SCENARIO 1: Normal Transfer (LOW, no alert)
// ============================================================================

func TestNormalTransfer_NoAlert(t *testing.T) {
	/*
	   SCENARIO: one daytime $500 transfer to a domestic recipient

	   EXPECTED: velocity, amount and geography stay near zero, tier below HIGH, no policy fires
	*/
	config := getTestConfig()
	alice := config.user("normal-alice")

	noon := time.Now().UTC().Truncate(24 * time.Hour).Add(-12 * time.Hour)
	ingest(t, config, TransactionRequest{
		SenderID:    alice,
		RecipientID: config.user("normal-bob"),
		Amount:      "500.00",
		Timestamp:   &noon,
		Metadata:    map[string]any{"recipientCountry": "US"},
	})

	result := analyze(t, config, alice)

	if result.Status != "NALT" {
		t.Errorf("Expected status NALT, got %s", result.Status)
	}
	if result.FraudDetection.OverallRisk == "HIGH" {
		t.Errorf("Expected tier below HIGH, got %s (score %.2f)", result.FraudDetection.OverallRisk, result.FraudDetection.RiskScore)
	}
	if !strings.HasPrefix(result.AnalysisID, "fraud_") {
		t.Errorf("Expected fraud_ analysis id, got %s", result.AnalysisID)
	}

	t.Logf("normal transfer: tier=%s score=%.2f", result.FraudDetection.OverallRisk, result.FraudDetection.RiskScore)
}

// ============================================================================
// SCENARIO 2: Transfer Ring (circular flow)
// ============================================================================

func TestTransferRing_CycleDetected(t *testing.T) {
	/*
	   SCENARIO: A -> B -> C -> A with near-equal amounts inside a few hours

	   EXPECTED: the pipeline expands A's counterparty network, finds the cycle,
	   and the circular flow component reaches 85
	*/
	config := getTestConfig()
	a, b, c := config.user("ring-a"), config.user("ring-b"), config.user("ring-c")

	base := time.Now().UTC().Add(-3 * time.Hour)
	for i, hop := range [][2]string{{a, b}, {b, c}, {c, a}} {
		ts := base.Add(time.Duration(i) * time.Hour)
		ingest(t, config, TransactionRequest{
			SenderID:    hop[0],
			RecipientID: hop[1],
			Amount:      fmt.Sprintf("%d", 5000-i*50),
			Timestamp:   &ts,
		})
	}

	result := analyze(t, config, a)

	if result.FraudDetection.CircularFlows == nil || result.FraudDetection.CircularFlows.CycleCount < 1 {
		t.Fatalf("Expected at least one cycle, got %+v", result.FraudDetection.CircularFlows)
	}
	if result.FraudDetection.CircularFlowScore != 85 {
		t.Errorf("Expected circular flow risk 85, got %.2f", result.FraudDetection.CircularFlowScore)
	}
	if result.Metadata.NetworkCount < 3 {
		t.Errorf("Expected network to include all ring hops, got %d", result.Metadata.NetworkCount)
	}
}

// ============================================================================
// SCENARIO 3: Subject Resolution
// ============================================================================

func TestAnalyzeByTransaction(t *testing.T) {
	config := getTestConfig()
	sender := config.user("resolve-sender")
	txID := "tx-" + config.RunID

	ingest(t, config, TransactionRequest{
		ID:          txID,
		SenderID:    sender,
		RecipientID: config.user("resolve-recipient"),
		Amount:      "120",
	})

	var result AnalyzeResponse
	call(t, config, http.MethodPost, "/analyze", map[string]string{"transactionId": txID}, http.StatusCreated, &result)
	if result.UserID != sender {
		t.Errorf("Expected sender %s to be analyzed, got %s", sender, result.UserID)
	}

	call(t, config, http.MethodPost, "/analyze", map[string]string{"transactionId": "missing-" + config.RunID}, http.StatusNotFound, nil)
	call(t, config, http.MethodPost, "/analyze", map[string]string{}, http.StatusBadRequest, nil)
}

// ============================================================================
// SCENARIO 4: Policy Hot Reload
// ============================================================================

func TestPolicyTriggersAlert(t *testing.T) {
	/*
	   SCENARIO: a policy alerting on any high-risk destination country,
	   then a transfer to KP

	   EXPECTED: ALRT with the policy name in alerts
	*/
	config := getTestConfig()
	policyID := "hr-country-" + config.RunID
	name := "High-risk destination " + config.RunID

	call(t, config, http.MethodPost, "/policies", map[string]any{
		"id":         policyID,
		"name":       name,
		"expression": "size(high_risk_countries) > 0",
		"severity":   "HIGH",
	}, http.StatusCreated, nil)
	t.Cleanup(func() {
		call(t, config, http.MethodDelete, "/policies/"+policyID, nil, http.StatusOK, nil)
	})

	user := config.user("policy-user")
	ingest(t, config, TransactionRequest{
		SenderID:    user,
		RecipientID: config.user("policy-recipient"),
		Amount:      "900",
		Metadata:    map[string]any{"recipientCountry": "KP"},
	})

	result := analyze(t, config, user)
	if result.Status != "ALRT" {
		t.Fatalf("Expected ALRT, got %s", result.Status)
	}
	found := false
	for _, a := range result.Alerts {
		if a == name {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected alert %q, got %v", name, result.Alerts)
	}
	if result.FraudDetection.GeographicRiskScore <= 0 {
		t.Errorf("Expected positive geographic risk, got %.2f", result.FraudDetection.GeographicRiskScore)
	}
}

// ============================================================================
// SCENARIO 5: Retrieval and Tenant Isolation
// ============================================================================

func TestAnalysisRetrieval(t *testing.T) {
	config := getTestConfig()
	user := config.user("retrieve")
	ingest(t, config, TransactionRequest{SenderID: user, RecipientID: config.user("retrieve-to"), Amount: "10"})

	result := analyze(t, config, user)

	var fetched AnalyzeResponse
	call(t, config, http.MethodGet, "/analyses/"+result.AnalysisID, nil, http.StatusOK, &fetched)
	if fetched.AnalysisID != result.AnalysisID {
		t.Errorf("Expected %s, got %s", result.AnalysisID, fetched.AnalysisID)
	}

	other := config
	other.TenantID = "other-tenant"
	call(t, other, http.MethodGet, "/analyses/"+result.AnalysisID, nil, http.StatusNotFound, nil)
}
