package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"salvage/internal/gateway/handlers"
)

// RateLimitConfig bounds how fast one client may post events.
type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// Enabled reports whether limiting is on.
func (c RateLimitConfig) Enabled() bool {
	return c.RequestsPerMinute > 0 && c.Burst > 0
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// RateLimiter is a per-client token bucket.
type RateLimiter struct {
	cfg RateLimitConfig
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateLimiter creates a limiter. A zero config disables it.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (rl *RateLimiter) rate() float64 {
	return float64(rl.cfg.RequestsPerMinute) / 60.0
}

// Allow takes a token for key. When refused it returns how long until the
// next token is available.
func (rl *RateLimiter) Allow(key string) (bool, int, time.Duration) {
	if !rl.cfg.Enabled() {
		return true, rl.cfg.Burst, 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(rl.cfg.Burst), seen: now}
		rl.buckets[key] = b
	}

	b.tokens += now.Sub(b.seen).Seconds() * rl.rate()
	if limit := float64(rl.cfg.Burst); b.tokens > limit {
		b.tokens = limit
	}
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, int(b.tokens), 0
	}
	wait := time.Duration((1 - b.tokens) / rl.rate() * float64(time.Second))
	return false, 0, wait
}

// Prune drops buckets idle for longer than maxIdle.
func (rl *RateLimiter) Prune(maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-maxIdle)
	removed := 0
	for key, b := range rl.buckets {
		if b.seen.Before(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// Run prunes idle buckets every interval until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Prune(2 * interval)
		}
	}
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		allowed, remaining, wait := rl.Allow(getClientIP(r))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.RequestsPerMinute))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait/time.Second)+1))
			handlers.SendError(w, http.StatusTooManyRequests, handlers.ErrCodeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
