// internal/core/ratelimit.go
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/husam-hammami/hercules-sfms-sub001/internal/infrastructure"
)

// RateDecision is the outcome of a rate limit check. RetryAfter is only
// meaningful when Allowed is false and feeds the Retry-After response header.
type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter guards activation attempts with a windowed counter per
// caller-chosen key (tenant id, or tenant+source address). Implementations
// must increment atomically: this is a security control and read-then-write
// races are unacceptable here.
type RateLimiter interface {
	Check(ctx context.Context, key string) (RateDecision, error)
}

// RedisRateLimiter counts attempts in Redis so the limit holds across
// replicas. The window is fixed per key, anchored at the first attempt.
type RedisRateLimiter struct {
	cache    *infrastructure.Cache
	window   time.Duration
	attempts int
}

// NewRedisRateLimiter creates a Redis-backed limiter allowing `attempts`
// requests per `window` for each key.
func NewRedisRateLimiter(cache *infrastructure.Cache, window time.Duration, attempts int) *RedisRateLimiter {
	return &RedisRateLimiter{cache: cache, window: window, attempts: attempts}
}

func (l *RedisRateLimiter) Check(ctx context.Context, key string) (RateDecision, error) {
	count, remaining, err := l.cache.IncrWindow(ctx, "ratelimit:"+key, l.window)
	if err != nil {
		return RateDecision{}, fmt.Errorf("rate limit check failed: %w", err)
	}
	if count > int64(l.attempts) {
		return RateDecision{Allowed: false, RetryAfter: remaining}, nil
	}
	return RateDecision{Allowed: true, Remaining: l.attempts - int(count)}, nil
}

// MemoryRateLimiter is the single-process fallback used by tests and
// `serve --dev`. Same fixed-window semantics as the Redis limiter.
type MemoryRateLimiter struct {
	mu       sync.Mutex
	windows  map[string]*rateWindow
	window   time.Duration
	attempts int
	now      func() time.Time
}

type rateWindow struct {
	start time.Time
	count int
}

// NewMemoryRateLimiter creates an in-memory limiter allowing `attempts`
// requests per `window` for each key.
func NewMemoryRateLimiter(window time.Duration, attempts int) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		windows:  make(map[string]*rateWindow),
		window:   window,
		attempts: attempts,
		now:      time.Now,
	}
}

func (l *MemoryRateLimiter) Check(ctx context.Context, key string) (RateDecision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.window {
		l.windows[key] = &rateWindow{start: now, count: 1}
		return RateDecision{Allowed: true, Remaining: l.attempts - 1}, nil
	}

	w.count++
	if w.count > l.attempts {
		return RateDecision{
			Allowed:    false,
			RetryAfter: w.start.Add(l.window).Sub(now),
		}, nil
	}
	return RateDecision{Allowed: true, Remaining: l.attempts - w.count}, nil
}
