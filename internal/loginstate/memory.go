package loginstate

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps pending logins in process memory. It suits a single
// instance deployment; logins do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	pending map[string]PendingLogin
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pending: make(map[string]PendingLogin)}
}

func (s *MemoryStore) Put(_ context.Context, p PendingLogin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pending[p.State]; exists {
		return ErrDuplicate
	}
	s.pending[p.State] = p
	return nil
}

func (s *MemoryStore) Take(_ context.Context, state string) (PendingLogin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[state]
	if !ok {
		return PendingLogin{}, ErrNotFound
	}
	delete(s.pending, state)
	return p, nil
}

// Sweep removes logins that expired before now and returns how many it removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for state, p := range s.pending {
		if !now.Before(p.ExpiresAt) {
			delete(s.pending, state)
			removed++
		}
	}
	return removed
}

// Len returns the number of pending logins
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
