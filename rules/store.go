package rules

import (
	"fmt"
	"slices"
	"sync"
	"time"
)

// RuleStore manages factor rule persistence and retrieval.
type RuleStore interface {
	Add(rule *Rule) error
	Get(id string) (*Rule, error)

	// ListActive returns active rules in evaluation order.
	ListActive() ([]*Rule, error)

	Update(rule *Rule) error
	Delete(id string) error
}

// InMemoryRuleStore keeps rules by value. Callers always receive copies, so
// editing a returned rule changes nothing until it is passed to Update.
type InMemoryRuleStore struct {
	mu    sync.RWMutex
	byID  map[string]Rule
	clock func() time.Time
}

func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{byID: make(map[string]Rule), clock: time.Now}
}

// Add stamps CreatedAt and UpdatedAt on rule and stores a copy of it.
func (s *InMemoryRuleStore) Add(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[rule.ID]; ok {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleExists)
	}
	rule.CreatedAt = s.clock()
	rule.UpdatedAt = rule.CreatedAt
	s.byID[rule.ID] = *rule
	return nil
}

func (s *InMemoryRuleStore) Get(id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	return &r, nil
}

// ListActive orders by Position, then ID.
func (s *InMemoryRuleStore) ListActive() ([]*Rule, error) {
	s.mu.RLock()
	active := make([]*Rule, 0, len(s.byID))
	for _, r := range s.byID {
		if r.Active {
			active = append(active, &r)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(active, func(a, b *Rule) int {
		switch {
		case less(a, b):
			return -1
		case less(b, a):
			return 1
		}
		return 0
	})
	return active, nil
}

// Update keeps the stored CreatedAt and reports both timestamps back on rule.
func (s *InMemoryRuleStore) Update(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.byID[rule.ID]
	if !ok {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}
	rule.CreatedAt = prev.CreatedAt
	rule.UpdatedAt = s.clock()
	s.byID[rule.ID] = *rule
	return nil
}

func (s *InMemoryRuleStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	delete(s.byID, id)
	return nil
}
