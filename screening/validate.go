package screening

import "strings"

// Validate checks the structural preconditions for admitting a transaction.
func (t Transaction) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return &ValidationError{Field: "transaction_id", Reason: "must not be empty"}
	}
	if t.Amount.IsNegative() {
		return &ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	return nil
}

// Validate checks that a profile returned by a customer source is usable.
func (p CustomerRiskProfile) Validate() error {
	if p.AccountAgeDays < 0 {
		return &ValidationError{Field: "account_age_days", Reason: "must not be negative"}
	}
	if p.DeviceTrustScore < 0 || p.DeviceTrustScore > 1 {
		return &ValidationError{Field: "device_trust_score", Reason: "must be between 0 and 1"}
	}
	return nil
}
