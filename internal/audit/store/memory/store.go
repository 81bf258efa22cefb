package memory

import (
	"context"
	"sort"
	"sync"

	"tenantguard/internal/audit"
)

// InMemoryStore is an append-only audit sink keyed by entry ID.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []audit.Entry
	ids     map[string]struct{}
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{ids: make(map[string]struct{})}
}

// Append stores entry unless its ID is already present.
func (s *InMemoryStore) Append(_ context.Context, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.ids[entry.ID]; dup {
		return nil
	}
	s.ids[entry.ID] = struct{}{}
	s.entries = append(s.entries, entry)
	return nil
}

// Query returns matching entries newest first.
func (s *InMemoryStore) Query(_ context.Context, filter audit.Filter) ([]audit.Entry, error) {
	filter = filter.Normalize()
	s.mu.RLock()
	matched := make([]audit.Entry, 0)
	for _, e := range s.entries {
		if filter.Matches(e) {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Count returns the number of stored entries with the given ID (0 or 1).
func (s *InMemoryStore) Count(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.ID == id {
			n++
		}
	}
	return n
}

// All returns every stored entry in append order.
func (s *InMemoryStore) All() []audit.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Entry{}, s.entries...)
}
