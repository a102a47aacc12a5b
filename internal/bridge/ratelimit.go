package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/basket/toolbridge/internal/config"
)

// TokenBucket implements a simple token bucket rate limiter.
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a token bucket with the given rate and burst
// capacity, starting full at now.
func NewTokenBucket(requestsPerMinute, burstSize int, now time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: float64(requestsPerMinute) / 60.0,
		lastRefill: now,
		lastAccess: now,
	}
}

// Allow refills for the time since the last call and consumes a token if
// one is available.
func (tb *TokenBucket) Allow(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.refillRate
		if tb.tokens > tb.maxTokens {
			tb.tokens = tb.maxTokens
		}
		tb.lastRefill = now
	}
	tb.lastAccess = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

func (tb *TokenBucket) LastAccess() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// RateLimiter throttles upgrade attempts per client address. Handshakes
// allocate a challenge and a registry slot, so they are bounded before the
// upgrade happens.
type RateLimiter struct {
	buckets map[string]*TokenBucket
	rpm     int
	burst   int
	enabled bool
	now     func() time.Time
	// OnReject observes every rejected request.
	OnReject func(r *http.Request, key string)

	mu sync.RWMutex
}

// NewRateLimiter builds a limiter from config. Zero rates use 60 rpm with a
// burst of 10.
func NewRateLimiter(cfg config.RateLimitConfig, now func() time.Time) *RateLimiter {
	rpm := cfg.RequestsPerMinute
	if rpm == 0 {
		rpm = 60
	}
	burst := cfg.BurstSize
	if burst == 0 {
		burst = 10
	}
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		buckets: make(map[string]*TokenBucket),
		rpm:     rpm,
		burst:   burst,
		enabled: cfg.Enabled,
		now:     now,
	}
}

// StartEviction periodically drops buckets idle for longer than maxAge so
// unique client addresses cannot grow the table without bound.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes buckets that haven't been accessed within maxAge.
func (rl *RateLimiter) EvictStale(maxAge time.Duration) int {
	cutoff := rl.now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, bucket := range rl.buckets {
		if bucket.LastAccess().Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.buckets))
	}
	return evicted
}

// BucketCount returns the current number of tracked buckets.
func (rl *RateLimiter) BucketCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.buckets)
}

// Allow consumes a token for key.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.enabled {
		return true
	}
	return rl.getBucket(key).Allow(rl.now())
}

// Wrap rate limits next by the key keyFn derives from each request.
func (rl *RateLimiter) Wrap(next http.Handler, keyFn func(*http.Request) string) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := keyFn(r)
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.Allow(key) {
			if rl.OnReject != nil {
				rl.OnReject(r, key)
			}
			w.Header().Set("Retry-After", "1")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limited"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) getBucket(key string) *TokenBucket {
	rl.mu.RLock()
	bucket, exists := rl.buckets[key]
	rl.mu.RUnlock()
	if exists {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if bucket, exists = rl.buckets[key]; exists {
		return bucket
	}
	bucket = NewTokenBucket(rl.rpm, rl.burst, rl.now())
	rl.buckets[key] = bucket
	return bucket
}
