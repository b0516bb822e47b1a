package transcriptlog

import (
	"context"
	"slices"
	"sync"
)

// DefaultMemCapacity bounds a [MemStore] built with capacity <= 0.
const DefaultMemCapacity = 256

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory [Store] that keeps the most recent
// entries up to a fixed capacity.
type MemStore struct {
	mu      sync.RWMutex
	cap     int
	entries []Entry
}

// NewMemStore returns a [MemStore] retaining at most capacity entries.
func NewMemStore(capacity int) *MemStore {
	if capacity <= 0 {
		capacity = DefaultMemCapacity
	}
	return &MemStore{cap: capacity}
}

// Record implements [Store.Record]. The oldest entry is evicted when full.
func (s *MemStore) Record(_ context.Context, e Entry) error {
	if e.SessionID == "" {
		return ErrInvalidEntry
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == s.cap {
		s.entries = slices.Delete(s.entries, 0, 1)
	}
	s.entries = append(s.entries, e)
	return nil
}

// Recent implements [Store.Recent].
func (s *MemStore) Recent(_ context.Context, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, 0, n)
	for i := len(s.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.entries[i])
	}
	return out, nil
}

// Ping implements [Store.Ping]. It always succeeds.
func (s *MemStore) Ping(context.Context) error { return nil }

// Len returns the number of retained entries.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
