package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/okian/healstats/internal/domain/model"
	"github.com/okian/healstats/pkg/metrics"
)

const defaultCapacity = 16

// MemoryStore is a bounded in-memory Store. Results are kept in close order
// and indexed by encounter id; every value going in or out is cloned so
// callers never share aggregate slices with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	capacity int
	order    []string // encounter ids, oldest first
	byID     map[string]model.Result
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{capacity: defaultCapacity}
	for _, opt := range opts {
		opt(s)
	}
	s.order = make([]string, 0, s.capacity)
	s.byID = make(map[string]model.Result, s.capacity)
	return s
}

// Put records res. A result whose encounter is already held replaces it in
// place without changing its position.
func (s *MemoryStore) Put(_ context.Context, res model.Result) error { //nolint:gocritic // hugeParam
	if res.EncounterID == "" {
		return ErrMissingID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[res.EncounterID]; ok {
		s.byID[res.EncounterID] = res.Clone()
		return nil
	}
	if len(s.order) == s.capacity {
		oldest := s.order[0]
		delete(s.byID, oldest)
		s.order = append(s.order[:0], s.order[1:]...)
	}
	s.order = append(s.order, res.EncounterID)
	s.byID[res.EncounterID] = res.Clone()
	metrics.UpdateResultsStored(len(s.order))
	return nil
}

// Get returns a copy of the result for encounterID.
func (s *MemoryStore) Get(_ context.Context, encounterID string) (model.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.byID[encounterID]
	if !ok {
		return model.Result{}, fmt.Errorf("%w: %s", ErrNotFound, encounterID)
	}
	return res.Clone(), nil
}

// Recent returns up to n results, newest first.
func (s *MemoryStore) Recent(_ context.Context, n int) ([]model.Result, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, n)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if n == 0 || n > len(s.order) {
		n = len(s.order)
	}
	out := make([]model.Result, 0, n)
	for i := len(s.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.byID[s.order[i]].Clone())
	}
	return out, nil
}

// Count returns the number of results held.
func (s *MemoryStore) Count(_ context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
