// Package policy stores the instance-wide live configuration.
package policy

import (
	"context"
	"sync"

	"peertube-live/internal/models"
)

// Store is read by admission and ingest on every decision and written by an
// administrator. Writes are last-write-wins.
type Store interface {
	Get(ctx context.Context) (models.LivePolicy, error)
	Update(ctx context.Context, policy models.LivePolicy) error
}

// MemoryStore keeps the policy in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	policy models.LivePolicy
}

// NewMemoryStore seeds a store with initial.
func NewMemoryStore(initial models.LivePolicy) *MemoryStore {
	return &MemoryStore{policy: initial}
}

func (s *MemoryStore) Get(ctx context.Context) (models.LivePolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy, nil
}

func (s *MemoryStore) Update(ctx context.Context, policy models.LivePolicy) error {
	s.mu.Lock()
	s.policy = policy
	s.mu.Unlock()
	return nil
}
