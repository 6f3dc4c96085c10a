// Package ratelimit implements the gateway's keyed rate limiters and their
// HTTP middleware.
//
// Three strategies are provided — fixed window, sliding window, and token
// bucket — all keyed by an opaque string of the form "kind:id" where kind is
// api, user, or ip. Every limiter owns its bucket table behind a mutex and
// supports reaping buckets idle for longer than a configurable age. A
// background [Janitor] runs the reap on an hourly cadence.
package ratelimit

import (
	"sync"
	"time"
)

// bucketIdleMax is how long a bucket may go untouched before the janitor
// drops it.
const bucketIdleMax = 24 * time.Hour

// Decision is the outcome of a single limiter admission check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Limit is the maximum admissions per window (or bucket capacity).
	Limit int

	// Remaining is how many admissions are left in the current window.
	Remaining int

	// Reset is when the window rolls (or the bucket next gains a token).
	Reset time.Time
}

// Limiter admits or rejects hits keyed by an opaque string.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow records a hit against key and returns the admission decision.
	Allow(key string) Decision

	// Strategy returns the strategy name surfaced in the
	// X-RateLimit-Strategy header: "fixed-window", "sliding-window", or
	// "token-bucket".
	Strategy() string

	// Reap drops buckets that have not been touched since cutoff and
	// returns how many were removed.
	Reap(cutoff time.Time) int
}

// Janitor periodically reaps idle buckets across a set of limiters.
type Janitor struct {
	limiters []Limiter
	interval time.Duration

	mu   sync.Mutex
	stop chan struct{}
}

// NewJanitor creates a janitor over the given limiters. A zero interval
// defaults to one hour.
func NewJanitor(interval time.Duration, limiters ...Limiter) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{limiters: limiters, interval: interval}
}

// Start launches the reap loop. Calling Start twice is a no-op.
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stop != nil {
		return
	}
	j.stop = make(chan struct{})

	go func(stop chan struct{}) {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cutoff := time.Now().Add(-bucketIdleMax)
				for _, l := range j.limiters {
					l.Reap(cutoff)
				}
			case <-stop:
				return
			}
		}
	}(j.stop)
}

// Stop terminates the reap loop. Safe to call before Start or twice.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stop != nil {
		close(j.stop)
		j.stop = nil
	}
}
