// Package customer resolves the risk profile of the customer behind a
// transaction.
package customer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/liamcoop/txscreen/screening"
)

// Dependency names the customer-data source in DependencyErrors.
const Dependency = "customer-data"

var ErrCustomerNotFound = errors.New("customer not found for transaction")

// Source fetches the profile of the customer who made a transaction. A
// missing customer is a terminal failure; there is no default profile.
type Source interface {
	Fetch(ctx context.Context, txID string) (screening.CustomerRiskProfile, error)
}

// notFound builds the terminal error every Source returns for an unknown
// transaction.
func notFound(txID string) error {
	return screening.Terminal(Dependency, fmt.Errorf("transaction %s: %w", txID, ErrCustomerNotFound))
}

// checked rejects out-of-range profiles as terminal failures.
func checked(txID string, p screening.CustomerRiskProfile) (screening.CustomerRiskProfile, error) {
	if err := p.Validate(); err != nil {
		return screening.CustomerRiskProfile{}, screening.Terminal(Dependency, fmt.Errorf("transaction %s: %w", txID, err))
	}
	return p, nil
}

// StaticSource serves profiles from memory, keyed by transaction id.
type StaticSource struct {
	mu       sync.RWMutex
	profiles map[string]screening.CustomerRiskProfile
}

func NewStaticSource(profiles map[string]screening.CustomerRiskProfile) *StaticSource {
	s := &StaticSource{profiles: make(map[string]screening.CustomerRiskProfile, len(profiles))}
	for txID, p := range profiles {
		s.profiles[txID] = p
	}
	return s
}

// Put registers or replaces the profile for txID.
func (s *StaticSource) Put(txID string, p screening.CustomerRiskProfile) {
	s.mu.Lock()
	s.profiles[txID] = p
	s.mu.Unlock()
}

func (s *StaticSource) Fetch(ctx context.Context, txID string) (screening.CustomerRiskProfile, error) {
	if err := ctx.Err(); err != nil {
		return screening.CustomerRiskProfile{}, err
	}
	s.mu.RLock()
	p, ok := s.profiles[txID]
	s.mu.RUnlock()
	if !ok {
		return screening.CustomerRiskProfile{}, notFound(txID)
	}
	return checked(txID, p)
}
