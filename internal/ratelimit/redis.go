package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps counters as Redis integers with a TTL equal to the window.
// INCR is atomic, so concurrent hits from several server instances are safe.
type RedisStore struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb, now: time.Now}
}

func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration) (Counter, error) {
	count, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return Counter{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := s.rdb.PExpire(ctx, key, window).Err(); err != nil {
			return Counter{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return Counter{Count: 1, ResetAt: s.now().Add(window)}, nil
	}
	ttl, err := s.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return Counter{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ttl < 0 {
		// A previous EXPIRE was lost; restore the window so the key cannot live forever.
		if err := s.rdb.PExpire(ctx, key, window).Err(); err != nil {
			return Counter{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		ttl = window
	}
	return Counter{Count: int(count), ResetAt: s.now().Add(ttl)}, nil
}

func (s *RedisStore) Peek(ctx context.Context, key string) (Counter, error) {
	count, err := s.rdb.Get(ctx, key).Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Counter{}, nil
		}
		return Counter{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	ttl, err := s.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return Counter{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	return Counter{Count: count, ResetAt: s.now().Add(ttl)}, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
