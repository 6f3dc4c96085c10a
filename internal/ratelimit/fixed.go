package ratelimit

import (
	"sync"
	"time"
)

// fixedBucket tracks admissions within the current fixed window.
type fixedBucket struct {
	windowStart time.Time
	count       int
	lastTouched time.Time
}

// FixedWindow admits at most max hits per window. When the window rolls, the
// count resets to zero. Cheap and predictable; the usual choice for routes
// with steady traffic.
type FixedWindow struct {
	window time.Duration
	max    int

	mu      sync.Mutex
	buckets map[string]*fixedBucket

	// now is stubbed in tests.
	now func() time.Time
}

// NewFixedWindow creates a fixed-window limiter admitting max hits per
// window.
func NewFixedWindow(window time.Duration, max int) *FixedWindow {
	return &FixedWindow{
		window:  window,
		max:     max,
		buckets: make(map[string]*fixedBucket),
		now:     time.Now,
	}
}

// Strategy implements [Limiter].
func (f *FixedWindow) Strategy() string { return "fixed-window" }

// Allow implements [Limiter].
func (f *FixedWindow) Allow(key string) Decision {
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.buckets[key]
	if !ok || now.Sub(b.windowStart) >= f.window {
		b = &fixedBucket{windowStart: now}
		f.buckets[key] = b
	}
	b.lastTouched = now
	reset := b.windowStart.Add(f.window)

	if b.count >= f.max {
		return Decision{Allowed: false, Limit: f.max, Remaining: 0, Reset: reset}
	}
	b.count++
	return Decision{Allowed: true, Limit: f.max, Remaining: f.max - b.count, Reset: reset}
}

// Reap implements [Limiter].
func (f *FixedWindow) Reap(cutoff time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	for key, b := range f.buckets {
		if b.lastTouched.Before(cutoff) {
			delete(f.buckets, key)
			removed++
		}
	}
	return removed
}
