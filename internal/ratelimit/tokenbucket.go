package ratelimit

import (
	"sync"
	"time"
)

// tokenState holds one key's bucket fill level.
type tokenState struct {
	tokens      float64
	lastRefill  time.Time
	lastTouched time.Time
}

// TokenBucket admits hits while tokens remain, refilling refillRate tokens
// every refillPeriod. A full bucket absorbs a burst of capacity hits; the
// refill then meters sustained throughput. Best for bursty workloads such as
// chat completions.
type TokenBucket struct {
	capacity     float64
	refillRate   float64
	refillPeriod time.Duration

	mu      sync.Mutex
	buckets map[string]*tokenState

	now func() time.Time
}

// NewTokenBucket creates a token-bucket limiter with the given capacity,
// refilling refillRate tokens every refillPeriod.
func NewTokenBucket(capacity int, refillRate int, refillPeriod time.Duration) *TokenBucket {
	return &TokenBucket{
		capacity:     float64(capacity),
		refillRate:   float64(refillRate),
		refillPeriod: refillPeriod,
		buckets:      make(map[string]*tokenState),
		now:          time.Now,
	}
}

// Strategy implements [Limiter].
func (t *TokenBucket) Strategy() string { return "token-bucket" }

// Allow implements [Limiter]. Each hit costs one token.
func (t *TokenBucket) Allow(key string) Decision {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.buckets[key]
	if !ok {
		b = &tokenState{tokens: t.capacity, lastRefill: now}
		t.buckets[key] = b
	}
	b.lastTouched = now

	// Lazy refill by elapsed periods.
	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		refill := t.refillRate * float64(elapsed) / float64(t.refillPeriod)
		b.tokens += refill
		if b.tokens > t.capacity {
			b.tokens = t.capacity
		}
		b.lastRefill = now
	}

	// Time until one whole token is available again.
	perToken := time.Duration(float64(t.refillPeriod) / t.refillRate)
	reset := now.Add(perToken)

	if b.tokens < 1 {
		return Decision{Allowed: false, Limit: int(t.capacity), Remaining: 0, Reset: reset}
	}
	b.tokens--
	return Decision{Allowed: true, Limit: int(t.capacity), Remaining: int(b.tokens), Reset: reset}
}

// Reap implements [Limiter].
func (t *TokenBucket) Reap(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, b := range t.buckets {
		if b.lastTouched.Before(cutoff) {
			delete(t.buckets, key)
			removed++
		}
	}
	return removed
}
