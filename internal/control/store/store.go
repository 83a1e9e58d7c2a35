// Package store holds the shared state behind local policy decisions.
//
// DESIGN: Budget spend and throttle windows are read-modify-write state
// shared by every concurrent call. Each store makes its check-and-update
// step atomic per key: memory stores hold a per-key mutex, Redis stores use
// WATCH/MULTI (spend) or a Lua script (windows). A decision can therefore
// never over-spend a budget through a race between two goroutines or two
// processes sharing one Redis.
//
// FILES:
//   - store.go:  Interfaces and key helpers
//   - memory.go: In-process implementations
//   - redis.go:  go-redis implementations
package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrConflict is returned when an optimistic update kept losing races.
var ErrConflict = errors.New("store: too many concurrent updates")

// ApplyFunc computes the next spend from the current spend. Returning
// commit=false leaves the stored value untouched. It may be called more
// than once when an optimistic update is retried, so it must not have side
// effects beyond the values it returns.
type ApplyFunc func(spent float64) (next float64, commit bool)

// SpendStore tracks accumulated spend per key.
type SpendStore interface {
	// Spent returns the current spend for key (0 when unknown).
	Spent(ctx context.Context, key string) (float64, error)
	// Apply runs fn atomically against the current spend for key.
	Apply(ctx context.Context, key string, fn ApplyFunc) error
}

// WindowStore counts requests in a rolling window.
type WindowStore interface {
	// Hit reserves a request slot for key. At most limit slots fit in any
	// window; when the window is full the slot is reserved at the first
	// time one frees and the wait until then is returned. A zero wait means
	// the request is admitted now.
	Hit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (time.Duration, error)
}

// Add is a convenience wrapper that adds delta to key unconditionally.
func Add(ctx context.Context, s SpendStore, key string, delta float64) error {
	return s.Apply(ctx, key, func(spent float64) (float64, bool) {
		return spent + delta, true
	})
}

// =============================================================================
// KEYED LOCKS
// =============================================================================

// keyedMutex hands out one mutex per key. Entries are refcounted so idle
// keys do not accumulate.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock locks key and returns the matching unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
