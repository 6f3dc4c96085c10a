package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// minuteMeter accumulates a per-key count over fixed one-minute windows. The
// window rolls lazily on the next touch after it expires.
type minuteMeter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*meterWindow
}

type meterWindow struct {
	start time.Time
	total int64
}

func newMinuteMeter(now func() time.Time) *minuteMeter {
	return &minuteMeter{now: now, windows: make(map[string]*meterWindow)}
}

func (m *minuteMeter) window(key string) *meterWindow {
	t := m.now()
	w, ok := m.windows[key]
	if !ok || t.Sub(w.start) >= time.Minute {
		w = &meterWindow{start: t}
		m.windows[key] = w
	}
	return w
}

// Add records n against key and returns the window total after recording.
func (m *minuteMeter) Add(key string, n int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.window(key)
	w.total += n
	return w.total
}

// Total returns the current window total without recording.
func (m *minuteMeter) Total(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.window(key).total
}

// ResetAt returns when the current window for key rolls over.
func (m *minuteMeter) ResetAt(key string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.window(key).start.Add(time.Minute)
}

// Reap drops windows that have expired, bounding the map between sessions.
func (m *minuteMeter) Reap() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.now()
	removed := 0
	for key, w := range m.windows {
		if t.Sub(w.start) >= time.Minute {
			delete(m.windows, key)
			removed++
		}
	}
	return removed
}

// Meters bundles the per-key minute meters shared by all sessions: APM
// (accepted audio milliseconds) and RPM (turn-advancing messages).
type Meters struct {
	// Audio meters accepted audio in milliseconds.
	Audio *minuteMeter

	// Requests meters turn advances.
	Requests *minuteMeter

	// AudioPerMin and RequestsPerMin are the per-key minute caps.
	AudioPerMin    time.Duration
	RequestsPerMin int64
}

// NewMeters constructs the shared meters with the given per-minute caps.
func NewMeters(audioPerMin time.Duration, requestsPerMin int) *Meters {
	return &Meters{
		Audio:          newMinuteMeter(time.Now),
		Requests:       newMinuteMeter(time.Now),
		AudioPerMin:    audioPerMin,
		RequestsPerMin: int64(requestsPerMin),
	}
}

// AddAudio records d of accepted audio for key and reports whether the key is
// now over its APM cap.
func (m *Meters) AddAudio(key string, d time.Duration) (over bool) {
	total := m.Audio.Add(key, d.Milliseconds())
	return total > m.AudioPerMin.Milliseconds()
}

// AddRequest records one turn advance for key and reports whether the key is
// now over its RPM cap.
func (m *Meters) AddRequest(key string) (over bool) {
	return m.Requests.Add(key, 1) > m.RequestsPerMin
}

// Snapshot renders the current minute window for key as the
// rate_limits.updated payload.
func (m *Meters) Snapshot(key string) json.RawMessage {
	payload, _ := json.Marshal(map[string]any{
		"audio_ms_used":  m.Audio.Total(key),
		"audio_ms_limit": m.AudioPerMin.Milliseconds(),
		"requests_used":  m.Requests.Total(key),
		"requests_limit": m.RequestsPerMin,
		"resets_at":      m.Audio.ResetAt(key).UTC().Format(time.RFC3339),
	})
	return payload
}

// RunReaper drops expired meter windows on interval until ctx is done.
func (m *Meters) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Audio.Reap()
			m.Requests.Reap()
		}
	}
}
