// Package alerts is the fraud-alert adapter: an idempotent alert store, the
// service and HTTP server in front of it, and the client the screening
// workflow uses to reach it.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/liamcoop/txscreen/screening"
)

var (
	ErrAlertNotFound     = errors.New("alert not found")
	ErrInvalidTransition = errors.New("invalid alert status transition")
)

// Store persists alerts. Create is idempotent on (transaction id, rule): a
// second request for the same pair returns the existing alert with
// created=false and changes nothing.
type Store interface {
	Create(ctx context.Context, req screening.FraudAlertRequest) (rec *screening.FraudAlertRecord, created bool, err error)
	Get(ctx context.Context, alertID string) (*screening.FraudAlertRecord, error)
	ListByTransaction(ctx context.Context, txID string) ([]*screening.FraudAlertRecord, error)
	// UpdateStatus moves an ACTIVE alert to RESOLVED or DISMISSED.
	UpdateStatus(ctx context.Context, alertID string, status screening.AlertStatus) (*screening.FraudAlertRecord, error)
}

func newRecord(req screening.FraudAlertRequest, now time.Time) *screening.FraudAlertRecord {
	return &screening.FraudAlertRecord{
		AlertID:        uuid.NewString(),
		TransactionID:  req.TransactionID,
		Rule:           req.Rule,
		Severity:       req.Severity,
		Status:         screening.AlertActive,
		DecisionAction: req.DecisionAction,
		AssignedTo:     req.AssignedTo,
		Details:        req.Details,
		CreatedAt:      now.UTC(),
	}
}

func checkTransition(from, to screening.AlertStatus) error {
	if from != screening.AlertActive || (to != screening.AlertResolved && to != screening.AlertDismissed) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	return nil
}

// InMemoryStore is a Store for tests and single-process deployments.
type InMemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*screening.FraudAlertRecord
	byKey map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:  make(map[string]*screening.FraudAlertRecord),
		byKey: make(map[string]string),
	}
}

func (s *InMemoryStore) Create(_ context.Context, req screening.FraudAlertRequest) (*screening.FraudAlertRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := req.IdempotencyKey()
	if id, ok := s.byKey[key]; ok {
		existing := *s.byID[id]
		return &existing, false, nil
	}

	rec := newRecord(req, time.Now())
	s.byID[rec.AlertID] = rec
	s.byKey[key] = rec.AlertID

	out := *rec
	return &out, true, nil
}

func (s *InMemoryStore) Get(_ context.Context, alertID string) (*screening.FraudAlertRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byID[alertID]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", alertID, ErrAlertNotFound)
	}
	out := *rec
	return &out, nil
}

func (s *InMemoryStore) ListByTransaction(_ context.Context, txID string) ([]*screening.FraudAlertRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*screening.FraudAlertRecord{}
	for _, rec := range s.byID {
		if rec.TransactionID == txID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Rule < out[j].Rule
	})
	return out, nil
}

func (s *InMemoryStore) UpdateStatus(_ context.Context, alertID string, status screening.AlertStatus) (*screening.FraudAlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[alertID]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", alertID, ErrAlertNotFound)
	}
	if err := checkTransition(rec.Status, status); err != nil {
		return nil, err
	}
	rec.Status = status
	out := *rec
	return &out, nil
}
