package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a Store for a single process.
type MemoryStore struct {
	mu    sync.Mutex
	calls map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{calls: map[string][]time.Time{}}
}

func (s *MemoryStore) CompareAndAppend(_ context.Context, key string, now time.Time, w Window) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-w.Length)
	live := s.calls[key][:0]
	for _, at := range s.calls[key] {
		if at.After(cutoff) {
			live = append(live, at)
		}
	}
	if len(live) >= w.Limit {
		s.calls[key] = live
		return false, nil
	}
	s.calls[key] = append(live, now)
	return true, nil
}
