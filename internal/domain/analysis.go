package domain

import (
	"time"
)

// RiskTier is the coarse classification of a risk score.
type RiskTier string

const (
	RiskLow    RiskTier = "LOW"
	RiskMedium RiskTier = "MEDIUM"
	RiskHigh   RiskTier = "HIGH"
)

// RiskFactor explains one component that scored above the reporting threshold.
type RiskFactor struct {
	Factor      string                 `json:"factor"`
	Score       float64                `json:"score"`
	Description string                 `json:"description"`
	Severity    RiskTier               `json:"severity"`
	Details     map[string]interface{} `json:"details,omitempty"`
}

// Cycle is a closed path of transfers that returns funds to the subject.
type Cycle struct {
	Path       []string `json:"path"`
	Amount     float64  `json:"amount"`
	TimeSpanMs int64    `json:"timeSpan"`
}

// CircularFlowResult is the output of cycle detection.
type CircularFlowResult struct {
	Detected   bool    `json:"detected"`
	Score      float64 `json:"score"`
	CycleCount int     `json:"cycleCount"`
	Truncated  bool    `json:"truncated,omitempty"`
	Cycles     []Cycle `json:"cycles"`
}

// JurisdictionRisk is the severity of a country on the static risk lists.
type JurisdictionRisk string

const (
	JurisdictionLow      JurisdictionRisk = "LOW"
	JurisdictionMedium   JurisdictionRisk = "MEDIUM"
	JurisdictionHigh     JurisdictionRisk = "HIGH"
	JurisdictionCritical JurisdictionRisk = "CRITICAL"
)

// JurisdictionStat aggregates the subject's history for one country.
type JurisdictionStat struct {
	Country          string           `json:"country"`
	RiskLevel        JurisdictionRisk `json:"riskLevel"`
	Reason           string           `json:"reason,omitempty"`
	TransactionCount int              `json:"transactionCount"`
	TotalAmount      float64          `json:"totalAmount"`
}

// GeographicRiskResult is the output of jurisdiction analysis.
type GeographicRiskResult struct {
	Score             float64            `json:"score"`
	HighRiskCountries []string           `json:"highRiskCountries"`
	Jurisdictions     []JurisdictionStat `json:"jurisdictions"`
}

// AnalysisMetadata summarises the inputs behind a result.
type AnalysisMetadata struct {
	TransactionCount24h  int      `json:"transactionCount24h"`
	TransactionCount7d   int      `json:"transactionCount7d"`
	AvgTransactionAmount string   `json:"avgTransactionAmount"`
	StdDevAmount         string   `json:"stdDevAmount"`
	UniqueRecipients     int      `json:"uniqueRecipients"`
	UniqueRecipients24h  int      `json:"uniqueRecipients24h"`
	WalletBalance        string   `json:"walletBalance"`
	SuspiciousPatterns   []string `json:"suspiciousPatterns"`
	ReceiverCountries    []string `json:"receiverCountries"`
}

// FraudAnalysisResult is the composite score produced by the engine.
type FraudAnalysisResult struct {
	OverallRisk           RiskTier              `json:"overallRisk"`
	RiskScore             float64               `json:"riskScore"`
	Confidence            float64               `json:"confidence"`
	VelocityScore         float64               `json:"velocityScore"`
	AmountAnomalyScore    float64               `json:"amountAnomalyScore"`
	TimePatternScore      float64               `json:"timePatternScore"`
	BalanceBehaviorScore  float64               `json:"balanceBehaviorScore"`
	RecipientPatternScore float64               `json:"recipientPatternScore"`
	GeographicRiskScore   float64               `json:"geographicRiskScore"`
	CircularFlowScore     float64               `json:"circularFlowScore"`
	RiskFactors           []RiskFactor          `json:"riskFactors"`
	CircularFlows         *CircularFlowResult   `json:"circularFlows,omitempty"`
	GeographicRisk        *GeographicRiskResult `json:"geographicRisk,omitempty"`
	Metadata              AnalysisMetadata      `json:"metadata"`
}

// Alert status constants
const (
	StatusAlert   = "ALRT" // at least one policy matched
	StatusNoAlert = "NALT"
)

// PolicyResult is the outcome of one alert policy against a result.
type PolicyResult struct {
	PolicyID  string   `json:"policyId"`
	Name      string   `json:"name"`
	Severity  RiskTier `json:"severity"`
	Triggered bool     `json:"triggered"`
	Error     string   `json:"error,omitempty"`
	ProcessMs int64    `json:"processMs"`
}

// Analysis is a persisted engine run with its alert evaluation.
type Analysis struct {
	ID            string               `json:"id"`
	TenantID      string               `json:"tenantId"`
	UserID        string               `json:"userId"`
	TransactionID string               `json:"transactionId,omitempty"`
	Status        string               `json:"status"`
	Result        *FraudAnalysisResult `json:"fraudDetection"`
	Alerts        []PolicyResult       `json:"alerts,omitempty"`
	Metadata      AnalysisRunMetadata  `json:"metadata"`
	CreatedAt     time.Time            `json:"createdAt"`
}

// AnalysisRunMetadata contains processing information.
type AnalysisRunMetadata struct {
	TraceID           string `json:"traceId"`
	HistoryCount      int    `json:"historyCount"`
	RecentCount       int    `json:"recentCount"`
	NetworkCount      int    `json:"networkCount"`
	LoadMs            int64  `json:"loadMs"`
	EngineMs          int64  `json:"engineMs"`
	PolicyMs          int64  `json:"policyMs"`
	TotalMs           int64  `json:"totalMs"`
	PoliciesEvaluated int    `json:"policiesEvaluated"`
	EngineVersion     string `json:"engineVersion"`
}

// AnalysisResponse is the API response for an analysis request.
type AnalysisResponse struct {
	AnalysisID     string               `json:"analysisId"`
	UserID         string               `json:"userId"`
	TransactionID  string               `json:"transactionId,omitempty"`
	Status         string               `json:"status"`
	FraudDetection *FraudAnalysisResult `json:"fraudDetection"`
	Alerts         []string             `json:"alerts,omitempty"`
	Metadata       AnalysisRunMetadata  `json:"metadata"`
}

// ToResponse converts an Analysis to an API response.
func (a *Analysis) ToResponse() *AnalysisResponse {
	var alerts []string
	for _, p := range a.Alerts {
		if p.Triggered {
			alerts = append(alerts, p.Name)
		}
	}
	return &AnalysisResponse{
		AnalysisID:     a.ID,
		UserID:         a.UserID,
		TransactionID:  a.TransactionID,
		Status:         a.Status,
		FraudDetection: a.Result,
		Alerts:         alerts,
		Metadata:       a.Metadata,
	}
}
