package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/iliyamo/backoffice-auth/internal/ratelimit"
)

// attemptRecord is the persisted login-attempt counter of one scope.
type attemptRecord struct {
	Count         int       `json:"count"`
	WindowStartAt time.Time `json:"windowStartAt"`
	Window        int64     `json:"windowMs"`
}

// StorageCounterStore implements ratelimit.Store on top of the client's
// Storage so the login-attempt counter survives client restarts.
type StorageCounterStore struct {
	mu      sync.Mutex
	storage Storage
	now     func() time.Time
}

var _ ratelimit.Store = (*StorageCounterStore)(nil)

func NewStorageCounterStore(s Storage, now func() time.Time) *StorageCounterStore {
	if now == nil {
		now = time.Now
	}
	return &StorageCounterStore{storage: s, now: now}
}

func (s *StorageCounterStore) load(ctx context.Context, key string) (attemptRecord, bool, error) {
	b, err := s.storage.Get(ctx, key)
	if err != nil || b == nil {
		return attemptRecord{}, false, err
	}
	var rec attemptRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		// A corrupt counter is treated as absent rather than locking the user out.
		return attemptRecord{}, false, nil
	}
	window := time.Duration(rec.Window) * time.Millisecond
	if !s.now().Before(rec.WindowStartAt.Add(window)) {
		return attemptRecord{}, false, nil
	}
	return rec, true, nil
}

func (rec attemptRecord) counter() ratelimit.Counter {
	return ratelimit.Counter{
		Count:   rec.Count,
		ResetAt: rec.WindowStartAt.Add(time.Duration(rec.Window) * time.Millisecond),
	}
}

func (s *StorageCounterStore) Hit(ctx context.Context, key string, window time.Duration) (ratelimit.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.load(ctx, key)
	if err != nil {
		return ratelimit.Counter{}, fmt.Errorf("%w: %v", ratelimit.ErrUnavailable, err)
	}
	if !ok {
		rec = attemptRecord{WindowStartAt: s.now(), Window: window.Milliseconds()}
	}
	rec.Count++
	b, err := json.Marshal(rec)
	if err != nil {
		return ratelimit.Counter{}, err
	}
	if err := s.storage.Set(ctx, key, b); err != nil {
		return ratelimit.Counter{}, fmt.Errorf("%w: %v", ratelimit.ErrUnavailable, err)
	}
	return rec.counter(), nil
}

func (s *StorageCounterStore) Peek(ctx context.Context, key string) (ratelimit.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.load(ctx, key)
	if err != nil {
		return ratelimit.Counter{}, fmt.Errorf("%w: %v", ratelimit.ErrUnavailable, err)
	}
	if !ok {
		return ratelimit.Counter{}, nil
	}
	return rec.counter(), nil
}

func (s *StorageCounterStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storage.Delete(ctx, key)
}
