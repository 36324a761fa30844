// Package liveadapter is a reference (non-core) integration layer
// demonstrating how the backtest core's Order-Submission and market-data
// interfaces would be backed by a real exchange. Nothing in internal/engine,
// internal/optimizer, internal/book, internal/position, internal/risk, or
// internal/indicator imports this package — live trading is out of scope
// per spec.md §1, but the REST/WebSocket plumbing is kept and exercised
// here rather than dropped outright.
package liveadapter

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous
// refill. Callers block in Wait() until a token is available or the
// context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

// NewTokenBucket creates a rate limiter with the given capacity and
// refill rate.
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

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups token buckets by endpoint category — order
// submission, cancellation, and market-data reads each get their own
// budget so a burst of cancels never starves order placement.
type RateLimiter struct {
	Order  *TokenBucket
	Cancel *TokenBucket
	Quote  *TokenBucket
}

// NewRateLimiter creates rate limiters at generic, conservative
// defaults; a concrete exchange integration would tune these to its
// published limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(100, 10),
		Cancel: NewTokenBucket(100, 10),
		Quote:  NewTokenBucket(50, 5),
	}
}
