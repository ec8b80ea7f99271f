// Package scoring turns a transaction and its customer profile into a
// RiskAssessment using an additive point model.
package scoring

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Factor names reported in the breakdown, in evaluation order.
const (
	FactorHighRiskCountry = "high_risk_country"
	FactorLargeAmount     = "large_amount"
	FactorSuspicious      = "suspicious_pattern"
	FactorSanctions       = "sanctions_match"
	FactorNewAccount      = "new_account"
	FactorLowDeviceTrust  = "low_device_trust"
	FactorPriorFraud      = "prior_fraud"
)

// Policy holds every threshold and weight of the point model.
type Policy struct {
	// CountryRisk maps ISO 3166 alpha-2 codes to their jurisdiction points.
	CountryRisk map[string]int
	// CountryAliases maps upper-cased country names to alpha-2 codes.
	CountryAliases map[string]string

	LargeAmountThreshold decimal.Decimal
	LargeAmountPoints    int
	SuspiciousPoints     int
	SanctionsPoints      int

	NewAccountDays    int
	NewAccountPoints  int
	LowTrustThreshold float64
	LowTrustPoints    int
	PriorFraudPoints  int
}

// Every high-risk jurisdiction scores within this band.
const (
	MinCountryPoints = 75
	MaxCountryPoints = 85
)

// DefaultPolicy returns the production weights.
func DefaultPolicy() Policy {
	return Policy{
		CountryRisk: map[string]int{
			"IR": 80, "KP": 85, "SY": 80, "RU": 80, "YE": 80, "CU": 80,
			"AF": 75, "SO": 75, "LY": 75, "IQ": 75, "MM": 75, "BY": 75,
			"VE": 75, "NG": 75,
		},
		CountryAliases: map[string]string{
			"IRAN":        "IR",
			"NORTH KOREA": "KP",
			"DPRK":        "KP",
			"SYRIA":       "SY",
			"RUSSIA":      "RU",
			"YEMEN":       "YE",
			"CUBA":        "CU",
			"AFGHANISTAN": "AF",
			"SOMALIA":     "SO",
			"LIBYA":       "LY",
			"IRAQ":        "IQ",
			"MYANMAR":     "MM",
			"BURMA":       "MM",
			"BELARUS":     "BY",
			"VENEZUELA":   "VE",
			"NIGERIA":     "NG",
		},
		LargeAmountThreshold: decimal.NewFromInt(10000),
		LargeAmountPoints:    20,
		SuspiciousPoints:     30,
		SanctionsPoints:      85,
		NewAccountDays:       30,
		NewAccountPoints:     15,
		LowTrustThreshold:    0.5,
		LowTrustPoints:       10,
		PriorFraudPoints:     25,
	}
}

// Validate rejects weights that could not have come from a sane configuration.
func (p Policy) Validate() error {
	for code, pts := range p.CountryRisk {
		if pts < MinCountryPoints || pts > MaxCountryPoints {
			return fmt.Errorf("country %s points %d out of range [%d,%d]", code, pts, MinCountryPoints, MaxCountryPoints)
		}
	}
	for alias, code := range p.CountryAliases {
		if _, ok := p.CountryRisk[code]; !ok {
			return fmt.Errorf("alias %q points at unknown country %q", alias, code)
		}
	}
	if p.LargeAmountThreshold.IsNegative() {
		return fmt.Errorf("large amount threshold must not be negative")
	}
	if p.NewAccountDays < 0 {
		return fmt.Errorf("new account days must not be negative")
	}
	if p.LowTrustThreshold < 0 || p.LowTrustThreshold > 1 {
		return fmt.Errorf("low trust threshold %v out of range [0,1]", p.LowTrustThreshold)
	}
	for name, pts := range map[string]int{
		"large_amount_points": p.LargeAmountPoints,
		"suspicious_points":   p.SuspiciousPoints,
		"sanctions_points":    p.SanctionsPoints,
		"new_account_points":  p.NewAccountPoints,
		"low_trust_points":    p.LowTrustPoints,
		"prior_fraud_points":  p.PriorFraudPoints,
	} {
		if pts < 0 || pts > 100 {
			return fmt.Errorf("%s %d out of range [0,100]", name, pts)
		}
	}
	return nil
}

// CountryPoints resolves a destination given as a code or common name.
func (p Policy) CountryPoints(destination string) (code string, points int, ok bool) {
	key := strings.ToUpper(strings.TrimSpace(destination))
	if key == "" {
		return "", 0, false
	}
	if alias, found := p.CountryAliases[key]; found {
		key = alias
	}
	points, ok = p.CountryRisk[key]
	return key, points, ok
}
