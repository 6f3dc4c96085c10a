package ratelimit

import (
	"sync"
	"time"
)

// slidingBucket keeps the ordered hit timestamps inside the window.
type slidingBucket struct {
	hits        []time.Time
	lastTouched time.Time
}

// SlidingWindow admits at most max hits within any trailing window. More
// precise than a fixed window at the cost of storing per-hit timestamps;
// suited to low-volume, bursty routes such as audio uploads.
type SlidingWindow struct {
	window time.Duration
	max    int

	mu      sync.Mutex
	buckets map[string]*slidingBucket

	now func() time.Time
}

// NewSlidingWindow creates a sliding-window limiter admitting max hits per
// trailing window.
func NewSlidingWindow(window time.Duration, max int) *SlidingWindow {
	return &SlidingWindow{
		window:  window,
		max:     max,
		buckets: make(map[string]*slidingBucket),
		now:     time.Now,
	}
}

// Strategy implements [Limiter].
func (s *SlidingWindow) Strategy() string { return "sliding-window" }

// Allow implements [Limiter].
func (s *SlidingWindow) Allow(key string) Decision {
	now := s.now()
	horizon := now.Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = &slidingBucket{}
		s.buckets[key] = b
	}
	b.lastTouched = now

	// Drop hits that have aged out. Timestamps are appended in order, so the
	// survivors are a suffix.
	keep := 0
	for keep < len(b.hits) && !b.hits[keep].After(horizon) {
		keep++
	}
	b.hits = b.hits[keep:]

	reset := now.Add(s.window)
	if len(b.hits) > 0 {
		reset = b.hits[0].Add(s.window)
	}

	if len(b.hits) >= s.max {
		return Decision{Allowed: false, Limit: s.max, Remaining: 0, Reset: reset}
	}
	b.hits = append(b.hits, now)
	return Decision{Allowed: true, Limit: s.max, Remaining: s.max - len(b.hits), Reset: b.hits[0].Add(s.window)}
}

// Reap implements [Limiter].
func (s *SlidingWindow) Reap(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, b := range s.buckets {
		if b.lastTouched.Before(cutoff) {
			delete(s.buckets, key)
			removed++
		}
	}
	return removed
}
