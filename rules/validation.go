package rules

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxIdentifierLen = 100
	maxExpressionLen = 4096
	maxPoints        = 100
)

var (
	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	ruleIDPattern     = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_.-]*$`)
)

// ValidateRule checks a rule's shape before it is compiled or stored.
// Name doubles as the factor name reported in risk breakdowns, so it must be
// a plain identifier.
func ValidateRule(r *Rule) error {
	if r == nil {
		return fmt.Errorf("rule cannot be nil")
	}
	if len(r.ID) == 0 || len(r.ID) > maxIdentifierLen {
		return fmt.Errorf("rule id length %d must be between 1 and %d", len(r.ID), maxIdentifierLen)
	}
	if !ruleIDPattern.MatchString(r.ID) {
		return fmt.Errorf("rule id %q must match %s", r.ID, ruleIDPattern)
	}
	if err := validateIdentifier(r.Name); err != nil {
		return fmt.Errorf("invalid rule name %q: %w", r.Name, err)
	}
	if strings.TrimSpace(r.Expression) == "" {
		return fmt.Errorf("rule %s has an empty expression", r.ID)
	}
	if len(r.Expression) > maxExpressionLen {
		return fmt.Errorf("rule %s expression length %d exceeds maximum of %d", r.ID, len(r.Expression), maxExpressionLen)
	}
	if r.Points < 0 || r.Points > maxPoints {
		return fmt.Errorf("rule %s points %d must be between 0 and %d", r.ID, r.Points, maxPoints)
	}
	return nil
}

func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLen {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLen)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern %s", identifierPattern)
	}
	if reservedKeywords[name] {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}
	return nil
}

// reservedKeywords are CEL literals and reserved words.
var reservedKeywords = map[string]bool{
	"true": true, "false": true, "null": true,
	"if": true, "else": true, "for": true, "while": true,
	"break": true, "continue": true, "return": true,
	"var": true, "let": true, "const": true, "function": true,
	"in": true, "as": true, "import": true, "package": true,
	"namespace": true, "loop": true, "void": true,
}
