package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	count       int
	windowStart time.Time
	window      time.Duration
}

// MemoryStore keeps counters in a mutex-guarded map. Expired entries are
// dropped lazily on access and by Sweep.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry), now: time.Now}
}

// WithClock overrides the clock; used by tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !now.Before(e.windowStart.Add(e.window))
}

func (e *memoryEntry) counter() Counter {
	return Counter{Count: e.count, ResetAt: e.windowStart.Add(e.window)}
}

func (s *MemoryStore) Hit(_ context.Context, key string, window time.Duration) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[key]
	if !ok || e.expired(now) {
		e = &memoryEntry{windowStart: now, window: window}
		s.entries[key] = e
	}
	e.count++
	return e.counter(), nil
}

func (s *MemoryStore) Peek(_ context.Context, key string) (Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return Counter{}, nil
	}
	if e.expired(s.now()) {
		delete(s.entries, key)
		return Counter{}, nil
	}
	return e.counter(), nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Sweep removes expired entries and returns how many were dropped.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep()
		}
	}
}
