package cache

import (
	"context"
	"sync"
)

// VersionStore holds one monotonically increasing counter per user.
type VersionStore interface {
	// Version returns the user's current version, zero when none exists.
	Version(ctx context.Context, userID string) (int64, error)
	// Increment bumps the user's version, creating it at 1 when absent.
	Increment(ctx context.Context, userID string) (int64, error)
}

// MemoryVersionStore keeps counters in process memory.
type MemoryVersionStore struct {
	mu       sync.RWMutex
	versions map[string]int64
}

func NewMemoryVersionStore() *MemoryVersionStore {
	return &MemoryVersionStore{versions: make(map[string]int64)}
}

func (s *MemoryVersionStore) Version(ctx context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.versions[userID], nil
}

func (s *MemoryVersionStore) Increment(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[userID]++
	return s.versions[userID], nil
}
