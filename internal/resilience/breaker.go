// Package resilience guards upstream provider calls with a three-state
// circuit breaker (closed → open → half-open) so a failing provider sheds
// load fast instead of tying up request handlers.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned without invoking the guarded call while the breaker is
// open and the cool-down has not elapsed.
var ErrOpen = errors.New("resilience: circuit open")

// State is the breaker's operating mode.
type State int

const (
	// Closed forwards every call.
	Closed State = iota

	// Open rejects calls until the cool-down elapses.
	Open

	// HalfOpen admits a limited number of probe calls.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a Breaker. Zero fields take the documented defaults.
type Config struct {
	// Name labels the breaker in logs.
	Name string

	// Threshold is how many consecutive failures trip the breaker. Default 5.
	Threshold int

	// CoolDown is how long the breaker stays open before probing. Default 30s.
	CoolDown time.Duration

	// Probes is the half-open probe budget. Default 3.
	Probes int
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name      string
	threshold int
	coolDown  time.Duration
	probes    int
	now       func() time.Time

	mu         sync.Mutex
	state      State
	failures   int
	trippedAt  time.Time
	probeCalls int
	probeFails int
}

// New constructs a Breaker from cfg.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 3
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.Threshold,
		coolDown:  cfg.CoolDown,
		probes:    cfg.Probes,
		now:       time.Now,
	}
}

// Do runs fn unless the breaker rejects it. The returned error is either
// ErrOpen or whatever fn returned.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case Open:
		if b.now().Sub(b.trippedAt) < b.coolDown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = HalfOpen
		b.probeCalls = 0
		b.probeFails = 0
		slog.Info("circuit probing", "breaker", b.name)
	case HalfOpen:
		if b.probeCalls >= b.probes {
			b.mu.Unlock()
			return ErrOpen
		}
	}
	probing := b.state == HalfOpen
	if probing {
		b.probeCalls++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure(probing bool) {
	b.trippedAt = b.now()
	if probing {
		b.probeFails++
		b.state = Open
		b.failures = b.threshold
		slog.Warn("circuit re-opened", "breaker", b.name)
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = Open
		slog.Warn("circuit opened", "breaker", b.name, "failures", b.failures)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.probeCalls-b.probeFails >= b.probes {
			b.state = Closed
			b.failures = 0
			slog.Info("circuit closed", "breaker", b.name)
		}
		return
	}
	b.failures = 0
}

// State reports the effective state; an open breaker past its cool-down
// reads as half-open even before the next Do performs the transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.trippedAt) >= b.coolDown {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probeCalls = 0
	b.probeFails = 0
}
