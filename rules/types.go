package rules

import (
	"errors"
	"time"
)

var (
	ErrRuleNotFound = errors.New("rule not found")
	ErrRuleExists   = errors.New("rule already exists")
	ErrInvalidRule  = errors.New("rule validation failed")
)

// Rule is a named CEL predicate that contributes Points to a risk score
// when it matches. Rules are evaluated in ascending Position, ties broken by ID.
type Rule struct {
	ID         string
	Name       string
	Expression string
	Points     int
	Position   int
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EvaluationResult contains the outcome of evaluating one rule.
type EvaluationResult struct {
	RuleID   string
	RuleName string
	Points   int
	Matched  bool
	Error    error
	Trace    any // CEL evaluation state
}

// less orders rules by position then id.
func less(a, b *Rule) bool {
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	return a.ID < b.ID
}
