// ratelimit.go implements token-bucket rate limiting for adapter requests.
//
// Exchanges publish per-category request limits over fixed windows. This file
// provides a smooth token-bucket implementation that refills continuously
// (rather than in window-sized bursts) so the agent never slams into a hard
// limit mid-tick.
//
// Four buckets are maintained per adapter:
//   - Order:   placements
//   - Cancel:  cancellations
//   - Book:    order book and ticker reads
//   - Account: balances and order detail reads
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by request category. Each adapter call
// waits on the appropriate bucket before issuing the HTTP request.
type RateLimiter struct {
	Order   *TokenBucket
	Cancel  *TokenBucket
	Book    *TokenBucket
	Account *TokenBucket
}

// NewRateLimiter creates buckets tuned to conservative defaults that fit
// under the published limits of the supported exchanges. Capacities are the
// burst allowance, rates the smooth refill.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:   NewTokenBucket(60, 8),
		Cancel:  NewTokenBucket(60, 8),
		Book:    NewTokenBucket(120, 15),
		Account: NewTokenBucket(60, 6),
	}
}
