// Package screening holds the data model shared by every stage of the
// fraud-screening pipeline: the admitted transaction, the customer profile
// attached to it, the risk assessment and compliance decision derived from
// them, alert records, and the final workflow result.
package screening

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is the unit of work admitted to the pipeline.
// It is passed by value and never mutated once a run starts.
type Transaction struct {
	ID                 string          `json:"transaction_id"`
	CustomerID         string          `json:"customer_id,omitempty"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency,omitempty"`
	DestinationCountry string          `json:"destination_country"`
	Suspicious         bool            `json:"suspicious_pattern"`
	SanctionsMatch     bool            `json:"sanctions_match"`
	Timestamp          time.Time       `json:"timestamp"`
}

// CustomerRiskProfile is attached to a transaction by the customer-data stage.
type CustomerRiskProfile struct {
	CustomerID       string  `json:"customer_id"`
	AccountAgeDays   int     `json:"account_age_days"`
	DeviceTrustScore float64 `json:"device_trust_score"`
	PriorFraud       bool    `json:"past_fraud"`
}

// Tier is the discrete risk bucket derived from a score.
type Tier string

const (
	TierLow    Tier = "LOW"
	TierMedium Tier = "MEDIUM"
	TierHigh   Tier = "HIGH"
)

// Score boundaries for tiering. A score is Low up to MediumFloor-1,
// Medium up to HighFloor-1, and High from HighFloor to MaxScore.
const (
	MinScore    = 0
	MediumFloor = 50
	HighFloor   = 75
	MaxScore    = 100
)

// TierForScore maps a clamped score to its tier.
func TierForScore(score int) Tier {
	switch {
	case score >= HighFloor:
		return TierHigh
	case score >= MediumFloor:
		return TierMedium
	default:
		return TierLow
	}
}

// Recommendation is the action suggested by the risk tier.
type Recommendation string

const (
	RecommendApprove     Recommendation = "APPROVE"
	RecommendInvestigate Recommendation = "INVESTIGATE"
	RecommendBlock       Recommendation = "BLOCK"
)

// RecommendationForTier returns the fixed recommendation for a tier.
func RecommendationForTier(t Tier) Recommendation {
	switch t {
	case TierHigh:
		return RecommendBlock
	case TierMedium:
		return RecommendInvestigate
	default:
		return RecommendApprove
	}
}

// Factor is one contribution to a risk score.
type Factor struct {
	Name   string `json:"name"`
	Points int    `json:"points"`
}

// RiskAssessment is produced once per transaction by the risk-analysis stage.
// Factors are kept in evaluation order; narratives quote them verbatim.
type RiskAssessment struct {
	TransactionID  string         `json:"transaction_id"`
	Score          int            `json:"score"`
	RawScore       int            `json:"raw_score"`
	Tier           Tier           `json:"tier"`
	Factors        []Factor       `json:"factors"`
	Recommendation Recommendation `json:"recommendation"`
}

// Clone returns a copy whose factor slice does not alias the receiver's.
func (a RiskAssessment) Clone() RiskAssessment {
	out := a
	out.Factors = make([]Factor, len(a.Factors))
	copy(out.Factors, a.Factors)
	return out
}

// HasFactor reports whether a factor with the given name contributed points.
func (a RiskAssessment) HasFactor(name string) bool {
	for _, f := range a.Factors {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Check verifies the score/tier invariants. A failure is a programming defect.
func (a RiskAssessment) Check() error {
	if a.Score < MinScore || a.Score > MaxScore {
		return &ConsistencyError{Invariant: "score-range", Detail: "score outside [0,100]"}
	}
	if TierForScore(a.Score) != a.Tier {
		return &ConsistencyError{Invariant: "score-tier", Detail: "tier " + string(a.Tier) + " does not match score"}
	}
	if RecommendationForTier(a.Tier) != a.Recommendation {
		return &ConsistencyError{Invariant: "tier-recommendation", Detail: "recommendation " + string(a.Recommendation) + " does not match tier"}
	}
	return nil
}

// ComplianceRating is the regulatory verdict for a transaction.
type ComplianceRating string

const (
	RatingCompliant    ComplianceRating = "COMPLIANT"
	RatingConditional  ComplianceRating = "CONDITIONAL_COMPLIANCE"
	RatingNonCompliant ComplianceRating = "NON_COMPLIANT"
)

// ComplianceDecision is derived from a RiskAssessment's tier and nothing else.
type ComplianceDecision struct {
	Rating                   ComplianceRating `json:"compliance_rating"`
	RequiresImmediateAction  bool             `json:"requires_immediate_action"`
	RequiresRegulatoryFiling bool             `json:"requires_regulatory_filing"`
}

// ComplianceReport is the audit record written by the compliance-report branch.
type ComplianceReport struct {
	ReportID                   string             `json:"audit_report_id"`
	TransactionID              string             `json:"transaction_id"`
	Decision                   ComplianceDecision `json:"decision"`
	Conclusion                 string             `json:"audit_conclusion"`
	RiskScore                  int                `json:"risk_score"`
	RiskFactorsIdentified      []string           `json:"risk_factors_identified"`
	Concerns                   []string           `json:"compliance_concerns"`
	Recommendations            []string           `json:"recommendations"`
	RequiresEnhancedMonitoring bool               `json:"requires_enhanced_monitoring"`
	Narrative                  string             `json:"narrative,omitempty"`
	GeneratedAt                time.Time          `json:"generated_at"`
}

// AlertSeverity ranks a fraud alert.
type AlertSeverity string

const (
	SeverityMedium   AlertSeverity = "MEDIUM"
	SeverityHigh     AlertSeverity = "HIGH"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// AlertStatus is the lifecycle state of an alert owned by the alert adapter.
type AlertStatus string

const (
	AlertActive    AlertStatus = "ACTIVE"
	AlertResolved  AlertStatus = "RESOLVED"
	AlertDismissed AlertStatus = "DISMISSED"
)

// FraudAlertRequest is what the fraud-alert branch asks the adapter to create.
// (TransactionID, Rule) is the idempotency key.
type FraudAlertRequest struct {
	TransactionID  string         `json:"transaction_id"`
	Rule           string         `json:"rule"`
	Severity       AlertSeverity  `json:"severity"`
	DecisionAction Recommendation `json:"decision_action"`
	AssignedTo     string         `json:"assigned_to,omitempty"`
	Details        string         `json:"details"`
}

// IdempotencyKey identifies the alert a request would create.
func (r FraudAlertRequest) IdempotencyKey() string {
	return r.TransactionID + ":" + r.Rule
}

// FraudAlertRecord is an alert as stored by the adapter.
type FraudAlertRecord struct {
	AlertID        string         `json:"alert_id"`
	TransactionID  string         `json:"transaction_id"`
	Rule           string         `json:"rule"`
	Severity       AlertSeverity  `json:"severity"`
	Status         AlertStatus    `json:"status"`
	DecisionAction Recommendation `json:"decision_action"`
	AssignedTo     string         `json:"assigned_to,omitempty"`
	Details        string         `json:"details"`
	CreatedAt      time.Time      `json:"created_timestamp"`
}

// RunStatus is the terminal state of a workflow run.
type RunStatus string

const (
	StatusCompleted RunStatus = "COMPLETED"
	StatusDegraded  RunStatus = "DEGRADED"
	StatusFailed    RunStatus = "FAILED"
)

// WorkflowResult is returned for every run that passed validation.
//
// Assessment and Decision are nil only when Status is Failed before risk
// analysis finished. Alert is nil both when no alert was warranted and when
// dispatch failed; AlertWarranted and BranchErrors tell the two apart.
type WorkflowResult struct {
	TransactionID  string               `json:"transaction_id"`
	CorrelationID  string               `json:"correlation_id"`
	Status         RunStatus            `json:"status"`
	Profile        *CustomerRiskProfile `json:"customer_profile,omitempty"`
	Assessment     *RiskAssessment      `json:"risk_assessment,omitempty"`
	Decision       *ComplianceDecision  `json:"compliance_decision,omitempty"`
	Report         *ComplianceReport    `json:"compliance_report,omitempty"`
	AlertWarranted bool                 `json:"alert_warranted"`
	Alert          *FraudAlertRecord    `json:"fraud_alert,omitempty"`
	BranchErrors   map[string]string    `json:"branch_errors,omitempty"`
	FailureReason  string               `json:"failure_reason,omitempty"`
	StartedAt      time.Time            `json:"started_at"`
	FinishedAt     time.Time            `json:"finished_at"`
}
