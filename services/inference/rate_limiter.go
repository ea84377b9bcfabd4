package inference

import (
	"context"
	"sync"
	"time"
)

// RateLimiterConfig controls the client-side token bucket.
type RateLimiterConfig struct {
	RequestsPerMinute int
	Burst             int
}

// DefaultRateLimiterConfig returns conservative defaults that stay under
// typical provider limits.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerMinute: 30,
		Burst:             5,
	}
}

// RateLimiter is a token bucket that paces outgoing inference requests.
// Backoff temporarily shrinks the refill rate after a provider 429.
type RateLimiter struct {
	mu           sync.Mutex
	tokens       float64
	maxTokens    float64
	refillRate   float64 // tokens per second
	baseRate     float64
	lastRefill   time.Time
	backoffUntil time.Time
}

// NewRateLimiter creates a rate limiter from config
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 30
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	rate := float64(config.RequestsPerMinute) / 60.0
	return &RateLimiter{
		tokens:     float64(config.Burst),
		maxTokens:  float64(config.Burst),
		refillRate: rate,
		baseRate:   rate,
		lastRefill: time.Now(),
	}
}

func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.lastRefill = now

	if now.After(r.backoffUntil) {
		r.refillRate = r.baseRate
	}

	r.tokens += elapsed * r.refillRate
	if r.tokens > r.maxTokens {
		r.tokens = r.maxTokens
	}
}

// Wait blocks until a token is available or the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		r.refill(now)

		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}

		deficit := 1 - r.tokens
		wait := time.Duration(deficit / r.refillRate * float64(time.Second))
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Backoff halves the refill rate by the given factor for one minute. Called
// when the provider reports rate limiting.
func (r *RateLimiter) Backoff(factor float64) {
	if factor <= 1 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refillRate = r.baseRate / factor
	r.backoffUntil = time.Now().Add(time.Minute)
	r.tokens = 0
}
