package alerts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/liamcoop/txscreen/screening"
	_ "github.com/lib/pq"
)

const alertColumns = `alert_id, transaction_id, rule, severity, status, decision_action, assigned_to, details, created_at`

// PostgresStore implements Store on the fraud_alerts table. Idempotency is
// enforced by the uq_fraud_alerts_tx_rule constraint, so concurrent
// creators across processes converge on one row.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*screening.FraudAlertRecord, error) {
	var rec screening.FraudAlertRecord
	err := row.Scan(&rec.AlertID, &rec.TransactionID, &rec.Rule, &rec.Severity, &rec.Status,
		&rec.DecisionAction, &rec.AssignedTo, &rec.Details, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func (s *PostgresStore) Create(ctx context.Context, req screening.FraudAlertRequest) (*screening.FraudAlertRecord, bool, error) {
	rec := newRecord(req, time.Now())

	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO fraud_alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT ON CONSTRAINT uq_fraud_alerts_tx_rule DO NOTHING
		RETURNING alert_id
	`, rec.AlertID, rec.TransactionID, rec.Rule, rec.Severity, rec.Status,
		rec.DecisionAction, rec.AssignedTo, rec.Details, rec.CreatedAt).Scan(&id)

	if errors.Is(err, sql.ErrNoRows) {
		existing, err := scanAlert(s.db.QueryRowContext(ctx, `
			SELECT `+alertColumns+`
			FROM fraud_alerts
			WHERE transaction_id = $1 AND rule = $2
		`, req.TransactionID, req.Rule))
		if err != nil {
			return nil, false, fmt.Errorf("failed to load existing alert: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert alert: %w", err)
	}
	return rec, true, nil
}

func (s *PostgresStore) Get(ctx context.Context, alertID string) (*screening.FraudAlertRecord, error) {
	if !isUUID(alertID) {
		return nil, fmt.Errorf("alert %s: %w", alertID, ErrAlertNotFound)
	}
	rec, err := scanAlert(s.db.QueryRowContext(ctx, `
		SELECT `+alertColumns+`
		FROM fraud_alerts
		WHERE alert_id = $1
	`, alertID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", alertID, ErrAlertNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListByTransaction(ctx context.Context, txID string) ([]*screening.FraudAlertRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+alertColumns+`
		FROM fraud_alerts
		WHERE transaction_id = $1
		ORDER BY created_at ASC, rule ASC
	`, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	out := []*screening.FraudAlertRecord{}
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, alertID string, status screening.AlertStatus) (*screening.FraudAlertRecord, error) {
	if err := checkTransition(screening.AlertActive, status); err != nil {
		return nil, err
	}
	if !isUUID(alertID) {
		return nil, fmt.Errorf("alert %s: %w", alertID, ErrAlertNotFound)
	}

	rec, err := scanAlert(s.db.QueryRowContext(ctx, `
		UPDATE fraud_alerts
		SET status = $2
		WHERE alert_id = $1 AND status = 'ACTIVE'
		RETURNING `+alertColumns,
		alertID, status))
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.Get(ctx, alertID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, checkTransition(current.Status, status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update alert: %w", err)
	}
	return rec, nil
}
