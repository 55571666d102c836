package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"famcal/internal/model"
)

// EntryStore holds computed query windows under opaque keys.
type EntryStore interface {
	Get(ctx context.Context, key string) ([]model.Occurrence, bool, error)
	Set(ctx context.Context, key string, value []model.Occurrence, ttl time.Duration) error
	// Sweep drops expired entries and reports how many it removed.
	Sweep() int
}

type entry struct {
	value   []model.Occurrence
	expires time.Time
}

// MemoryEntryStore is an in-process EntryStore with per-entry expiry.
type MemoryEntryStore struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemoryEntryStore() *MemoryEntryStore {
	return &MemoryEntryStore{entries: make(map[string]entry), now: time.Now}
}

func (s *MemoryEntryStore) Get(ctx context.Context, key string) ([]model.Occurrence, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || !s.now().Before(e.expires) {
		return nil, false, nil
	}
	return cloneOccurrences(e.value), true, nil
}

func (s *MemoryEntryStore) Set(ctx context.Context, key string, value []model.Occurrence, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = entry{value: cloneOccurrences(value), expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryEntryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for k, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Len reports the number of stored entries, expired ones included.
func (s *MemoryEntryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func cloneOccurrences(in []model.Occurrence) []model.Occurrence {
	out := slices.Clone(in)
	for i := range out {
		out[i].Participants = slices.Clone(out[i].Participants)
	}
	return out
}
