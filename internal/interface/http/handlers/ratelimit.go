package handlers

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// RATE LIMITER - Token Bucket implementation
// ══════════════════════════════════════════════════════════════════════════════

// RateLimiterConfig configures a RateLimiter.
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained refill rate.
	RequestsPerSecond float64

	// BurstSize is the bucket capacity.
	BurstSize int

	// Now reads the clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultRateLimiterConfig allows a burst of 5 and one request every 5s after.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: 0.2,
		BurstSize:         5,
	}
}

// RateLimiter is a non-blocking token bucket.
type RateLimiter struct {
	mu sync.Mutex

	maxTokens  float64
	refillRate float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter creates a limiter with a full bucket.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.BurstSize <= 0 {
		config.BurstSize = 1
	}
	return &RateLimiter{
		maxTokens:  float64(config.BurstSize),
		refillRate: config.RequestsPerSecond,
		tokens:     float64(config.BurstSize),
		lastRefill: config.Now(),
		now:        config.Now,
	}
}

// TryAcquire takes a token if one is available. Otherwise it reports how
// long until the next one.
func (rl *RateLimiter) TryAcquire() (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refillTokens()
	if rl.tokens >= 1.0 {
		rl.tokens--
		return 0, true
	}
	if rl.refillRate <= 0 {
		return time.Duration(math.MaxInt64), false
	}
	return time.Duration((1.0 - rl.tokens) / rl.refillRate * float64(time.Second)), false
}

// refillTokens adds tokens for the time elapsed since the last refill.
// Must be called with mu held.
func (rl *RateLimiter) refillTokens() {
	now := rl.now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	rl.tokens = math.Min(rl.maxTokens, rl.tokens+elapsed*rl.refillRate)
	rl.lastRefill = now
}

// RateLimitMiddleware answers 429 with a Retry-After header once limiter
// is exhausted.
func RateLimitMiddleware(limiter *RateLimiter) MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wait, ok := limiter.TryAcquire()
			if !ok {
				seconds := int64(60)
				if wait < time.Hour {
					seconds = max(1, int64(math.Ceil(wait.Seconds())))
				}
				w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"success":false,"error":{"code":"rate_limited","message":"Too many requests, retry later"}}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
