package workflow

import (
	"fmt"
	"strings"

	"github.com/liamcoop/txscreen/scoring"
	"github.com/liamcoop/txscreen/screening"
)

// Alert rules. One alert per (transaction, rule) is ever created.
const (
	AlertRuleHighTier   = "risk-tier-high"
	AlertRuleMediumTier = "risk-tier-medium"

	DefaultAlertAssignee = "fraud_monitoring_team"
)

// AlertFor decides whether an assessment warrants an alert and builds the
// request. Low-tier assessments never do. A sanctions match escalates a
// high-tier alert to critical.
func AlertFor(a screening.RiskAssessment, assignee string) (screening.FraudAlertRequest, bool) {
	req := screening.FraudAlertRequest{
		TransactionID:  a.TransactionID,
		DecisionAction: a.Recommendation,
		AssignedTo:     assignee,
		Details:        alertDetails(a),
	}
	switch a.Tier {
	case screening.TierHigh:
		req.Rule = AlertRuleHighTier
		req.Severity = screening.SeverityHigh
		if a.HasFactor(scoring.FactorSanctions) {
			req.Severity = screening.SeverityCritical
		}
		return req, true
	case screening.TierMedium:
		req.Rule = AlertRuleMediumTier
		req.Severity = screening.SeverityMedium
		return req, true
	default:
		return screening.FraudAlertRequest{}, false
	}
}

func alertDetails(a screening.RiskAssessment) string {
	parts := make([]string, 0, len(a.Factors))
	for _, f := range a.Factors {
		parts = append(parts, fmt.Sprintf("%s +%d", f.Name, f.Points))
	}
	return fmt.Sprintf("score %d (%s), recommend %s: %s",
		a.Score, a.Tier, a.Recommendation, strings.Join(parts, ", "))
}
