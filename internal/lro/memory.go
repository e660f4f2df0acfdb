package lro

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps operation ownership in process memory. It is the
// default when no Redis address is configured; records do not survive a
// restart, which only costs a fallback to round-robin selection on poll.
type MemoryStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

// NewMemoryStore creates a store whose records expire after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

func (s *MemoryStore) Register(ctx context.Context, operation, project string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[operation] = entry{project: project, expiresAt: s.now().Add(s.ttl)}
	s.sweepLocked()
	return nil
}

func (s *MemoryStore) Owner(ctx context.Context, operation string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[operation]
	if !ok {
		return "", ErrNotFound
	}
	if s.now().After(e.expiresAt) {
		delete(s.entries, operation)
		return "", ErrNotFound
	}
	return e.project, nil
}

func (s *MemoryStore) Close() error { return nil }

// sweepLocked drops expired records. Called opportunistically on writes so
// the map does not grow without bound.
func (s *MemoryStore) sweepLocked() {
	now := s.now()
	for op, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, op)
		}
	}
}
