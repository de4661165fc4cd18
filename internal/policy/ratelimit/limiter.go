// Package ratelimit throttles outbound crawl-provider calls with one token
// bucket per key.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/booth-crawler/internal/metrics"
)

// Config holds the bucket settings applied to every key.
type Config struct {
	// RPS is the refill rate. Zero or less disables limiting.
	RPS   float64
	Burst int
}

// Limiter keeps a token bucket per key. URL keys collapse to their host so
// every call against one source shares a bucket.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

// Wait blocks until key has a token or ctx ends.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	key = bucketKey(key)
	start := time.Now()
	if err := l.bucket(key).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", key, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(key, waited)
	}
	return nil
}

// Penalize drains key's bucket after the provider answered 429, so the next
// caller waits a full refill interval.
func (l *Limiter) Penalize(key string) {
	b := l.bucket(bucketKey(key))
	b.ReserveN(time.Now(), l.burst)
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.limiters[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = b
	}
	return b
}

func bucketKey(key string) string {
	if u, err := url.Parse(key); err == nil && u.Host != "" {
		return u.Hostname()
	}
	if key == "" {
		return "unknown"
	}
	return key
}
