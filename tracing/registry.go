package tracing

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrDuplicateRun = errors.New("run already in flight for transaction")
	ErrRegistryFull = errors.New("in-flight run registry is full")
)

// DefaultRegistryLimit bounds the number of runs a correlator tracks at once.
const DefaultRegistryLimit = 10000

// Registry tracks transaction ids with a run in flight. It is the only
// state shared between runs.
type Registry struct {
	mu       sync.Mutex
	limit    int
	inflight map[string]struct{}
}

// NewRegistry returns a registry that admits at most limit concurrent runs.
// A non-positive limit uses DefaultRegistryLimit.
func NewRegistry(limit int) *Registry {
	if limit <= 0 {
		limit = DefaultRegistryLimit
	}
	return &Registry{limit: limit, inflight: make(map[string]struct{})}
}

// Acquire registers txID. It fails if txID is already registered or the
// registry is at its limit.
func (r *Registry) Acquire(txID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.inflight[txID]; ok {
		return fmt.Errorf("transaction %s: %w", txID, ErrDuplicateRun)
	}
	if len(r.inflight) >= r.limit {
		return fmt.Errorf("%d runs in flight: %w", len(r.inflight), ErrRegistryFull)
	}
	r.inflight[txID] = struct{}{}
	return nil
}

// Release removes txID. Releasing an unknown id is a no-op.
func (r *Registry) Release(txID string) {
	r.mu.Lock()
	delete(r.inflight, txID)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}
