package scoring

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/liamcoop/txscreen/rules"
	"github.com/liamcoop/txscreen/screening"
)

// Engine scores transactions. It is safe for concurrent use; the only
// shared state is the rule engines, which guard themselves.
type Engine struct {
	policy   Policy
	customer *rules.Engine
	operator *rules.Engine
}

// NewEngine compiles the customer factor rules from policy. operator may be
// nil; when set, its active rules are evaluated after the built-in factors.
func NewEngine(policy Policy, operator *rules.Engine) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scoring policy: %w", err)
	}

	store := rules.NewInMemoryRuleStore()
	for _, r := range customerRules(policy) {
		if err := store.Add(r); err != nil {
			return nil, fmt.Errorf("failed to register factor %s: %w", r.Name, err)
		}
	}
	customer, err := rules.NewEngine(store)
	if err != nil {
		return nil, fmt.Errorf("failed to compile customer factors: %w", err)
	}

	return &Engine{policy: policy, customer: customer, operator: operator}, nil
}

// Policy returns the weights the engine was built with.
func (e *Engine) Policy() Policy { return e.policy }

// Score computes the assessment for tx. It performs no I/O beyond what the
// operator rule cache may need after a rule mutation, and never fails: a rule
// that cannot be evaluated contributes nothing.
func (e *Engine) Score(tx screening.Transaction, profile screening.CustomerRiskProfile) screening.RiskAssessment {
	var factors []screening.Factor
	add := func(name string, points int) {
		if points > 0 {
			factors = append(factors, screening.Factor{Name: name, Points: points})
		}
	}

	if _, pts, ok := e.policy.CountryPoints(tx.DestinationCountry); ok {
		add(FactorHighRiskCountry, pts)
	}
	if tx.Amount.GreaterThan(e.policy.LargeAmountThreshold) {
		add(FactorLargeAmount, e.policy.LargeAmountPoints)
	}
	if tx.Suspicious {
		add(FactorSuspicious, e.policy.SuspiciousPoints)
	}
	if tx.SanctionsMatch {
		add(FactorSanctions, e.policy.SanctionsPoints)
	}

	facts := rules.NewFacts(tx, profile).Map()
	for _, en := range []*rules.Engine{e.customer, e.operator} {
		if en == nil {
			continue
		}
		results, err := en.EvaluateAll(facts)
		if err != nil {
			continue
		}
		for _, r := range results {
			if r.Error == nil && r.Matched {
				add(r.RuleName, r.Points)
			}
		}
	}

	return Assess(tx.ID, factors)
}

// Assess derives score, tier and recommendation from an ordered breakdown.
func Assess(transactionID string, factors []screening.Factor) screening.RiskAssessment {
	raw := 0
	for _, f := range factors {
		raw += f.Points
	}
	score := min(max(raw, screening.MinScore), screening.MaxScore)
	tier := screening.TierForScore(score)

	if factors == nil {
		factors = []screening.Factor{}
	}
	return screening.RiskAssessment{
		TransactionID:  transactionID,
		Score:          score,
		RawScore:       raw,
		Tier:           tier,
		Factors:        factors,
		Recommendation: screening.RecommendationForTier(tier),
	}
}

// customerRules expresses the profile-based factors as CEL rules so they run
// through the same evaluator as operator rules. Out-of-range profile values
// match nothing.
func customerRules(p Policy) []*rules.Rule {
	return []*rules.Rule{
		{
			ID:         "builtin." + FactorNewAccount,
			Name:       FactorNewAccount,
			Expression: fmt.Sprintf("%[1]s.AccountAgeDays >= 0 && %[1]s.AccountAgeDays < %[2]d", rules.CustomerVar, p.NewAccountDays),
			Points:     p.NewAccountPoints,
			Position:   1,
			Active:     true,
		},
		{
			ID:         "builtin." + FactorLowDeviceTrust,
			Name:       FactorLowDeviceTrust,
			Expression: fmt.Sprintf("%[1]s.DeviceTrustScore >= 0.0 && %[1]s.DeviceTrustScore <= 1.0 && %[1]s.DeviceTrustScore < %[2]s",
				rules.CustomerVar, celDouble(p.LowTrustThreshold)),
			Points:     p.LowTrustPoints,
			Position:   2,
			Active:     true,
		},
		{
			ID:         "builtin." + FactorPriorFraud,
			Name:       FactorPriorFraud,
			Expression: rules.CustomerVar + ".PriorFraud",
			Points:     p.PriorFraudPoints,
			Position:   3,
			Active:     true,
		},
	}
}

// celDouble formats v as a CEL double literal.
func celDouble(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}
