package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/liamcoop/txscreen/internal/logger"
	"github.com/liamcoop/txscreen/screening"
)

// ErrInvalidRequest wraps every request validation failure.
var ErrInvalidRequest = errors.New("invalid alert request")

// Service validates requests before they reach the store. It also serves
// as an in-process alert adapter for the screening workflow.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// ValidateRequest checks the fields the store relies on.
func ValidateRequest(req screening.FraudAlertRequest) error {
	if strings.TrimSpace(req.TransactionID) == "" {
		return fmt.Errorf("%w: transaction_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Rule) == "" {
		return fmt.Errorf("%w: rule is required", ErrInvalidRequest)
	}
	if len(req.TransactionID) > 100 || len(req.Rule) > 100 {
		return fmt.Errorf("%w: transaction_id and rule must be at most 100 characters", ErrInvalidRequest)
	}
	switch req.Severity {
	case screening.SeverityMedium, screening.SeverityHigh, screening.SeverityCritical:
	default:
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidRequest, req.Severity)
	}
	switch req.DecisionAction {
	case "", screening.RecommendApprove, screening.RecommendInvestigate, screening.RecommendBlock:
	default:
		return fmt.Errorf("%w: unknown decision action %q", ErrInvalidRequest, req.DecisionAction)
	}
	return nil
}

// Create stores the alert, or returns the one already stored for the
// request's (transaction id, rule).
func (s *Service) Create(ctx context.Context, req screening.FraudAlertRequest) (*screening.FraudAlertRecord, bool, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, false, err
	}
	rec, created, err := s.store.Create(ctx, req)
	if err != nil {
		return nil, false, err
	}
	if created {
		logger.Info("fraud alert created",
			"alert_id", rec.AlertID,
			"transaction_id", rec.TransactionID,
			"rule", rec.Rule,
			"severity", rec.Severity,
		)
	} else {
		logger.Debug("fraud alert already exists", "alert_id", rec.AlertID, "key", req.IdempotencyKey())
	}
	return rec, created, nil
}

func (s *Service) Get(ctx context.Context, alertID string) (*screening.FraudAlertRecord, error) {
	return s.store.Get(ctx, alertID)
}

func (s *Service) ListByTransaction(ctx context.Context, txID string) ([]*screening.FraudAlertRecord, error) {
	return s.store.ListByTransaction(ctx, txID)
}

func (s *Service) Resolve(ctx context.Context, alertID string) (*screening.FraudAlertRecord, error) {
	return s.store.UpdateStatus(ctx, alertID, screening.AlertResolved)
}

func (s *Service) Dismiss(ctx context.Context, alertID string) (*screening.FraudAlertRecord, error) {
	return s.store.UpdateStatus(ctx, alertID, screening.AlertDismissed)
}

// CreateAlert returns the id of the alert for req, creating it if needed.
// Invalid requests are terminal dependency failures.
func (s *Service) CreateAlert(ctx context.Context, req screening.FraudAlertRequest) (string, error) {
	rec, _, err := s.Create(ctx, req)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return "", screening.Terminal(Dependency, err)
		}
		return "", screening.Retryable(Dependency, err)
	}
	return rec.AlertID, nil
}

func (s *Service) GetAlert(ctx context.Context, alertID string) (*screening.FraudAlertRecord, error) {
	rec, err := s.store.Get(ctx, alertID)
	if err != nil {
		if errors.Is(err, ErrAlertNotFound) {
			return nil, screening.Terminal(Dependency, err)
		}
		return nil, screening.Retryable(Dependency, err)
	}
	return rec, nil
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
