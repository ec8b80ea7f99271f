package rules

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore on the factor_rules table.
type PostgresRuleStore struct {
	db *sql.DB
}

func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

// Add inserts a new rule. Timestamps are stamped here when unset.
func (s *PostgresRuleStore) Add(rule *Rule) error {
	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	result, err := s.db.Exec(`
		INSERT INTO factor_rules (id, name, expression, points, position, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, rule.ID, rule.Name, rule.Expression, rule.Points, rule.Position, rule.Active,
		rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleExists)
	}
	return nil
}

func (s *PostgresRuleStore) Get(id string) (*Rule, error) {
	var r Rule
	err := s.db.QueryRow(`
		SELECT id, name, expression, points, position, active, created_at, updated_at
		FROM factor_rules
		WHERE id = $1
	`, id).Scan(&r.ID, &r.Name, &r.Expression, &r.Points, &r.Position, &r.Active,
		&r.CreatedAt, &r.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}
	return &r, nil
}

// ListActive returns active rules in evaluation order.
func (s *PostgresRuleStore) ListActive() ([]*Rule, error) {
	rows, err := s.db.Query(`
		SELECT id, name, expression, points, position, active, created_at, updated_at
		FROM factor_rules
		WHERE active = true
		ORDER BY position ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rules: %w", err)
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(&r.ID, &r.Name, &r.Expression, &r.Points, &r.Position, &r.Active,
			&r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}
	return out, nil
}

func (s *PostgresRuleStore) Update(rule *Rule) error {
	rule.UpdatedAt = time.Now()

	result, err := s.db.Exec(`
		UPDATE factor_rules
		SET name = $1, expression = $2, points = $3, position = $4, active = $5, updated_at = $6
		WHERE id = $7
	`, rule.Name, rule.Expression, rule.Points, rule.Position, rule.Active, rule.UpdatedAt, rule.ID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}
	return nil
}

func (s *PostgresRuleStore) Delete(id string) error {
	result, err := s.db.Exec(`DELETE FROM factor_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return nil
}
