// Package compliance maps risk assessments to regulatory verdicts and builds
// the audit report attached to each screened transaction.
package compliance

import "github.com/liamcoop/txscreen/screening"

// Decide returns the compliance verdict for an assessment. Only the tier is
// consulted.
func Decide(a screening.RiskAssessment) screening.ComplianceDecision {
	return DecideTier(a.Tier)
}

// DecideTier is the tier table behind Decide.
func DecideTier(t screening.Tier) screening.ComplianceDecision {
	switch t {
	case screening.TierHigh:
		return screening.ComplianceDecision{
			Rating:                   screening.RatingNonCompliant,
			RequiresImmediateAction:  true,
			RequiresRegulatoryFiling: true,
		}
	case screening.TierMedium:
		return screening.ComplianceDecision{Rating: screening.RatingConditional}
	default:
		return screening.ComplianceDecision{Rating: screening.RatingCompliant}
	}
}
