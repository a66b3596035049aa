package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps campaign counters in process memory. Suitable for a
// single instance and for tests.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[uint]*Window
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[uint]*Window)}
}

// TryIncrement implements CounterStore.
func (s *MemoryStore) TryIncrement(_ context.Context, limits Limits, now time.Time) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.counters[limits.CampaignID]
	if !ok {
		w = &Window{}
		s.counters[limits.CampaignID] = w
	}
	w.Roll(now.UTC())
	return w.Take(limits), nil
}

// Snapshot returns a copy of the campaign's counters.
func (s *MemoryStore) Snapshot(campaignID uint) Window {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.counters[campaignID]; ok {
		return *w
	}
	return Window{}
}
