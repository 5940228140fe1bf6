// Package ratelimit counts failed login attempts per identifier in fixed
// windows. The counter lives behind the Store interface so the process-local
// map and the Redis implementation are interchangeable.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/iliyamo/backoffice-auth/internal/autherr"
)

// ErrUnavailable wraps backend failures of a Store.
var ErrUnavailable = errors.New("rate limit store unavailable")

// Counter is the state of one key: attempts recorded in the current window
// and the instant the window closes. A zero Counter means no attempts.
type Counter struct {
	Count   int
	ResetAt time.Time
}

// Store persists counters. Hit must be atomic per key: concurrent hits on the
// same key never lose an increment.
type Store interface {
	// Hit records one attempt and returns the updated counter. The window
	// starts with the first hit and is not extended by later ones.
	Hit(ctx context.Context, key string, window time.Duration) (Counter, error)
	// Peek returns the counter without modifying it.
	Peek(ctx context.Context, key string) (Counter, error)
	// Reset deletes the counter.
	Reset(ctx context.Context, key string) error
}

// Config tunes a Limiter.
type Config struct {
	MaxAttempts int
	Window      time.Duration
	Prefix      string
}

// Limiter enforces MaxAttempts failures per Window for a key.
type Limiter struct {
	store Store
	cfg   Config
	now   func() time.Time
}

// New creates a Limiter. Defaults are 5 attempts per 15 minutes.
func New(store Store, cfg Config) *Limiter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "login"
	}
	return &Limiter{store: store, cfg: cfg, now: time.Now}
}

// WithClock overrides the clock used to compute retry-after hints.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) key(id string) string { return l.cfg.Prefix + ":" + id }

// Check returns a RATE_LIMITED error when the key has used up its budget.
func (l *Limiter) Check(ctx context.Context, id string) error {
	c, err := l.store.Peek(ctx, l.key(id))
	if err != nil {
		return err
	}
	if c.Count >= l.cfg.MaxAttempts {
		return autherr.RateLimited(l.retryAfter(c))
	}
	return nil
}

// Fail records a failed attempt. It returns RATE_LIMITED once the budget is
// exhausted by this attempt or earlier ones.
func (l *Limiter) Fail(ctx context.Context, id string) error {
	c, err := l.store.Hit(ctx, l.key(id), l.cfg.Window)
	if err != nil {
		return err
	}
	if c.Count >= l.cfg.MaxAttempts {
		return autherr.RateLimited(l.retryAfter(c))
	}
	return nil
}

// Reset clears the key, typically after a successful login.
func (l *Limiter) Reset(ctx context.Context, id string) error {
	return l.store.Reset(ctx, l.key(id))
}

func (l *Limiter) retryAfter(c Counter) time.Duration {
	d := c.ResetAt.Sub(l.now())
	if d < 0 {
		return 0
	}
	return d
}
