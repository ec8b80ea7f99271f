package customer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/liamcoop/txscreen/screening"
	_ "github.com/lib/pq"
)

// PostgresSource reads profiles by joining transactions to customers.
type PostgresSource struct {
	db *sql.DB
}

func NewPostgresSource(db *sql.DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) Fetch(ctx context.Context, txID string) (screening.CustomerRiskProfile, error) {
	var p screening.CustomerRiskProfile
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.account_age_days, c.device_trust_score, c.past_fraud
		FROM transactions t
		JOIN customers c ON c.id = t.customer_id
		WHERE t.id = $1
	`, txID).Scan(&p.CustomerID, &p.AccountAgeDays, &p.DeviceTrustScore, &p.PriorFraud)

	if errors.Is(err, sql.ErrNoRows) {
		return screening.CustomerRiskProfile{}, notFound(txID)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return screening.CustomerRiskProfile{}, ctxErr
		}
		return screening.CustomerRiskProfile{}, screening.Retryable(Dependency, fmt.Errorf("failed to query customer: %w", err))
	}
	return checked(txID, p)
}

// Ping reports whether the database is reachable.
func (s *PostgresSource) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
