package main

import (
	"time"

	"github.com/liamcoop/txscreen/rules"
)

// API request and response models

// CreateRuleRequest is the body of POST /api/v1/rules. Expression sees the
// Transaction and Customer fact objects.
type CreateRuleRequest struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Points     int    `json:"points"`
	Position   int    `json:"position"`
	Active     *bool  `json:"active,omitempty"`
}

// UpdateRuleRequest is the body of PUT /api/v1/rules/{ruleId}. Omitted
// fields keep their stored values.
type UpdateRuleRequest struct {
	Name       string `json:"name,omitempty"`
	Expression string `json:"expression,omitempty"`
	Points     *int   `json:"points,omitempty"`
	Position   *int   `json:"position,omitempty"`
	Active     *bool  `json:"active,omitempty"`
}

// RuleResponse represents an operator factor rule.
type RuleResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Expression string    `json:"expression"`
	Points     int       `json:"points"`
	Position   int       `json:"position"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type RulesListResponse struct {
	Rules []RuleResponse `json:"rules"`
}

func ruleResponse(r *rules.Rule) RuleResponse {
	return RuleResponse{
		ID:         r.ID,
		Name:       r.Name,
		Expression: r.Expression,
		Points:     r.Points,
		Position:   r.Position,
		Active:     r.Active,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}
