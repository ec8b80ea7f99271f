package compliance

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/liamcoop/txscreen/scoring"
	"github.com/liamcoop/txscreen/screening"
)

// Audit conclusions by tier.
const (
	ConclusionHigh   = "HIGH RISK - Immediate review required"
	ConclusionMedium = "MEDIUM RISK - Enhanced monitoring recommended"
	ConclusionLow    = "LOW RISK - Standard monitoring sufficient"
)

var riskCodes = map[string]string{
	scoring.FactorHighRiskCountry: "HIGH_RISK_JURISDICTION",
	scoring.FactorLargeAmount:     "UNUSUAL_AMOUNT",
	scoring.FactorSuspicious:      "SUSPICIOUS_PATTERN",
	scoring.FactorSanctions:       "SANCTIONS_CONCERN",
	scoring.FactorNewAccount:      "NEW_ACCOUNT",
	scoring.FactorLowDeviceTrust:  "LOW_DEVICE_TRUST",
	scoring.FactorPriorFraud:      "PRIOR_FRAUD",
}

// RiskCode returns the audit code for a factor name. Operator factors are
// reported under their upper-cased name.
func RiskCode(factor string) string {
	if code, ok := riskCodes[factor]; ok {
		return code
	}
	return strings.ToUpper(factor)
}

// BuildReport assembles the audit record for an assessment. narrative is the
// optional annotation text and may be empty.
func BuildReport(a screening.RiskAssessment, narrative string, now time.Time) screening.ComplianceReport {
	decision := Decide(a)

	report := screening.ComplianceReport{
		ReportID:                   "AUDIT-" + uuid.NewString(),
		TransactionID:              a.TransactionID,
		Decision:                   decision,
		RiskScore:                  a.Score,
		RiskFactorsIdentified:      make([]string, 0, len(a.Factors)),
		Concerns:                   []string{},
		RequiresEnhancedMonitoring: a.Tier == screening.TierMedium,
		Narrative:                  narrative,
		GeneratedAt:                now.UTC(),
	}

	for _, f := range a.Factors {
		report.RiskFactorsIdentified = append(report.RiskFactorsIdentified, RiskCode(f.Name))
	}

	switch a.Tier {
	case screening.TierHigh:
		report.Conclusion = ConclusionHigh
	case screening.TierMedium:
		report.Conclusion = ConclusionMedium
	default:
		report.Conclusion = ConclusionLow
	}

	if a.HasFactor(scoring.FactorHighRiskCountry) {
		report.Concerns = append(report.Concerns, "Transaction involves high-risk jurisdiction requiring enhanced monitoring")
	}
	if a.HasFactor(scoring.FactorSanctions) {
		report.Concerns = append(report.Concerns, "Potential sanctions-related issues identified in risk analysis")
	}
	if a.HasFactor(scoring.FactorPriorFraud) {
		report.Concerns = append(report.Concerns, "Customer has a prior fraud history on record")
	}

	switch {
	case decision.RequiresImmediateAction:
		report.Recommendations = []string{
			"Freeze transaction pending investigation",
			"Conduct enhanced customer due diligence",
			"File suspicious activity report with regulators",
		}
	case report.RequiresEnhancedMonitoring:
		report.Recommendations = []string{
			"Place customer on enhanced monitoring list",
			"Review transaction against internal risk policies",
		}
	default:
		report.Recommendations = []string{"Continue standard monitoring procedures"}
	}

	return report
}
