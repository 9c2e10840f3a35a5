// Package ratelimit provides per-peer admission control: a token bucket,
// a sliding-window violation counter, and a circuit-breaking limiter.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is a capacity-bounded counter refilling at a steady rate.
// Safe for concurrent callers; each mutation is serialized per bucket.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket with the given capacity and refill
// rate in tokens per second.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// TryConsume refreshes the bucket and attempts to take n tokens.
// Returns true if the tokens were available.
func (b *TokenBucket) TryConsume(n float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now

	if b.tokens >= n {
		b.tokens -= n
		return true
	}
	return false
}

// Resize updates capacity and refill rate in place, preserving the current
// token count (clamped to the new capacity). Used by adaptive limiting so a
// shrunk bucket does not refill to full.
func (b *TokenBucket) Resize(capacity, refillRate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capacity = capacity
	b.refillRate = refillRate
	if b.tokens > capacity {
		b.tokens = capacity
	}
}

// Remaining returns the current token count after a refresh.
func (b *TokenBucket) Remaining() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
	return b.tokens
}
