// Package mock provides a scriptable realtime.Adapter for tests and local
// development. Audio is counted, not recognized: each commit produces a
// deterministic transcript naming how many bytes were heard.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider"
	"github.com/voxgate/voxgate/pkg/provider/realtime"
)

// Compile-time assertions.
var (
	_ realtime.Dialer  = (*Dialer)(nil)
	_ realtime.Adapter = (*Session)(nil)
)

// Dialer implements realtime.Dialer. The zero value is ready to use.
type Dialer struct {
	// DialErr, when set, makes Dial fail.
	DialErr error

	// Transcript overrides the synthesized transcript text.
	Transcript string

	mu   sync.Mutex
	last *Session
}

// Name implements realtime.Dialer.
func (d *Dialer) Name() string { return provider.Mock }

// Dial implements realtime.Dialer.
func (d *Dialer) Dial(_ context.Context, cfg realtime.SessionConfig) (realtime.Adapter, error) {
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	s := &Session{
		transcript: d.Transcript,
		events:     make(chan realtime.Event, 64),
		cfg:        cfg,
	}
	d.mu.Lock()
	d.last = s
	d.mu.Unlock()
	return s, nil
}

// Last returns the most recently dialed session, for test assertions.
func (d *Dialer) Last() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// Session is a scriptable in-memory adapter.
type Session struct {
	transcript string

	mu        sync.Mutex
	cfg       realtime.SessionConfig
	bytes     int
	commits   int
	cleared   int
	softFail  bool
	closed    bool
	errVal    error
	events    chan realtime.Event
	closeOnce sync.Once
}

// SetSoftFail toggles AppendAudio soft failures to exercise backpressure.
func (s *Session) SetSoftFail(on bool) {
	s.mu.Lock()
	s.softFail = on
	s.mu.Unlock()
}

// BytesReceived reports how much audio the adapter has accepted.
func (s *Session) BytesReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Commits reports how many commits were received.
func (s *Session) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

// Config returns the session configuration as last updated.
func (s *Session) Config() realtime.SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Emit injects an arbitrary event, for scripting upstream behavior. Events
// past the channel capacity are dropped.
func (s *Session) Emit(evt realtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	default:
	}
}

// FailWith records err and closes the event stream, simulating an upstream
// connection loss.
func (s *Session) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errVal = err
	s.closed = true
	s.closeOnce.Do(func() { close(s.events) })
}

// AppendAudio implements realtime.Adapter.
func (s *Session) AppendAudio(chunk []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.softFail {
		return false
	}
	s.bytes += len(chunk)
	return true
}

// ActivityStart implements realtime.Adapter.
func (s *Session) ActivityStart() error { return nil }

// ActivityEnd implements realtime.Adapter.
func (s *Session) ActivityEnd() error { return s.Commit() }

// Commit implements realtime.Adapter: emits one delta and one done event.
func (s *Session) Commit() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("mock: session closed")
	}
	s.commits++
	text := s.transcript
	if text == "" {
		text = fmt.Sprintf("heard %d bytes", s.bytes)
	}
	s.mu.Unlock()

	s.Emit(realtime.Event{Type: realtime.EventTranscriptDelta, Text: text})
	s.Emit(realtime.Event{Type: realtime.EventTranscriptDone, Text: text})
	return nil
}

// Clear implements realtime.Adapter.
func (s *Session) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared++
	s.bytes = 0
	return nil
}

// Update implements realtime.Adapter.
func (s *Session) Update(_ context.Context, cfg realtime.SessionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	return nil
}

// Events implements realtime.Adapter.
func (s *Session) Events() <-chan realtime.Event { return s.events }

// SampleRate implements realtime.Adapter.
func (s *Session) SampleRate() int { return audio.SampleRate16k }

// Err implements realtime.Adapter.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close implements realtime.Adapter. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}
