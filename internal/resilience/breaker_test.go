package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/voxgate/voxgate/pkg/provider"
	"github.com/voxgate/voxgate/pkg/provider/chat/mock"
)

var errBoom = errors.New("boom")

func fixedClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func newTestBreaker(clock *time.Time) *Breaker {
	b := New(Config{Name: "test", Threshold: 3, CoolDown: time.Minute, Probes: 2})
	b.now = fixedClock(clock)
	return b
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	b := newTestBreaker(&now)

	fail := func() error { return errBoom }
	for i := 0; i < 3; i++ {
		if err := b.Do(fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if b.State() != Open {
		t.Fatalf("state = %v, want open", b.State())
	}
	if err := b.Do(fail); !errors.Is(err, ErrOpen) {
		t.Errorf("open breaker ran the call: %v", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	b := newTestBreaker(&now)

	b.Do(func() error { return errBoom })
	b.Do(func() error { return errBoom })
	b.Do(func() error { return nil })
	b.Do(func() error { return errBoom })
	b.Do(func() error { return errBoom })
	if b.State() != Closed {
		t.Errorf("non-consecutive failures tripped the breaker: %v", b.State())
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	b := newTestBreaker(&now)

	for i := 0; i < 3; i++ {
		b.Do(func() error { return errBoom })
	}
	now = now.Add(2 * time.Minute)
	if b.State() != HalfOpen {
		t.Fatalf("state after cool-down = %v", b.State())
	}

	// Two successful probes close the breaker.
	for i := 0; i < 2; i++ {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if b.State() != Closed {
		t.Errorf("state after probes = %v, want closed", b.State())
	}
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	b := newTestBreaker(&now)

	for i := 0; i < 3; i++ {
		b.Do(func() error { return errBoom })
	}
	now = now.Add(2 * time.Minute)
	if err := b.Do(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != Open {
		t.Errorf("state after failed probe = %v, want open", b.State())
	}
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrOpen) {
		t.Errorf("re-opened breaker ran the call: %v", err)
	}
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	b := newTestBreaker(&now)
	for i := 0; i < 3; i++ {
		b.Do(func() error { return errBoom })
	}
	b.Reset()
	if b.State() != Closed {
		t.Errorf("state after reset = %v", b.State())
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Errorf("call after reset: %v", err)
	}
}

func TestGuardedProviderOpenSurfacesAs502(t *testing.T) {
	t.Parallel()
	inner := &mock.Provider{Fail: errBoom}
	g := Guard(inner, Config{Threshold: 2, CoolDown: time.Hour})

	ctx := context.Background()
	body := json.RawMessage(`{"model":"m"}`)
	g.Complete(ctx, body)
	g.Complete(ctx, body)

	_, err := g.Complete(ctx, body)
	var perr *provider.Error
	if !errors.As(err, &perr) {
		t.Fatalf("error type = %T", err)
	}
	if perr.Status != http.StatusBadGateway || perr.Code != "circuit_open" {
		t.Errorf("error = %+v", perr)
	}
	if got := inner.Calls(); got != 2 {
		t.Errorf("upstream called %d times, want 2", got)
	}
}

func TestGuardedProviderPassesThrough(t *testing.T) {
	t.Parallel()
	inner := &mock.Provider{}
	g := Guard(inner, Config{})

	out, err := g.Complete(context.Background(), json.RawMessage(`{"model":"m","messages":[{"role":"user","content":"hi"}]}`))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(out) == 0 {
		t.Error("empty response")
	}
	if g.Name() != inner.Name() {
		t.Errorf("Name = %q", g.Name())
	}
}
