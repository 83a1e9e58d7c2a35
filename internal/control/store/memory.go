package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// MEMORY SPEND STORE
// =============================================================================

// MemorySpendStore keeps spend in process memory.
type MemorySpendStore struct {
	locks *keyedMutex

	mu    sync.RWMutex
	spent map[string]float64
}

var _ SpendStore = (*MemorySpendStore)(nil)

// NewMemorySpendStore creates an empty in-memory spend store.
func NewMemorySpendStore() *MemorySpendStore {
	return &MemorySpendStore{
		locks: newKeyedMutex(),
		spent: make(map[string]float64),
	}
}

// Spent returns the current spend for key.
func (s *MemorySpendStore) Spent(_ context.Context, key string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spent[key], nil
}

// Apply runs fn under the key's lock.
func (s *MemorySpendStore) Apply(_ context.Context, key string, fn ApplyFunc) error {
	unlock := s.locks.Lock(key)
	defer unlock()

	s.mu.RLock()
	cur := s.spent[key]
	s.mu.RUnlock()

	next, commit := fn(cur)
	if !commit {
		return nil
	}

	s.mu.Lock()
	s.spent[key] = next
	s.mu.Unlock()
	return nil
}

// Snapshot returns a copy of all tracked spend.
func (s *MemorySpendStore) Snapshot() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.spent))
	for k, v := range s.spent {
		out[k] = v
	}
	return out
}

// =============================================================================
// MEMORY WINDOW STORE
// =============================================================================

// MemoryWindowStore keeps request timestamps in process memory.
type MemoryWindowStore struct {
	locks *keyedMutex

	mu      sync.Mutex
	entries map[string][]time.Time
}

var _ WindowStore = (*MemoryWindowStore)(nil)

// NewMemoryWindowStore creates an empty in-memory window store.
func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{
		locks:   newKeyedMutex(),
		entries: make(map[string][]time.Time),
	}
}

// Hit reserves a slot for key.
func (s *MemoryWindowStore) Hit(_ context.Context, key string, limit int, window time.Duration, now time.Time) (time.Duration, error) {
	if limit <= 0 {
		return 0, nil
	}
	unlock := s.locks.Lock(key)
	defer unlock()

	s.mu.Lock()
	entries := s.entries[key]
	s.mu.Unlock()

	// Drop slots that left the window. Reserved future slots stay.
	cutoff := now.Add(-window)
	live := entries[:0]
	for _, e := range entries {
		if e.After(cutoff) {
			live = append(live, e)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Before(live[j]) })

	slot := now
	if n := len(live); n >= limit {
		// The slot frees when the entry limit places back from the newest
		// leaves the window.
		if frees := live[n-limit].Add(window); frees.After(now) {
			slot = frees
		}
	}
	live = append(live, slot)

	s.mu.Lock()
	s.entries[key] = live
	s.mu.Unlock()

	return slot.Sub(now), nil
}
