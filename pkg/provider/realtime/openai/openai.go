// Package openai implements realtime.Dialer for the OpenAI Realtime
// transcription API.
//
// It holds a bidirectional WebSocket to the Realtime endpoint with
// intent=transcription. Audio is sent as base64-encoded PCM16 at 24 kHz;
// native server events are translated into canonical realtime.Event values
// as they arrive.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider"
	"github.com/voxgate/voxgate/pkg/provider/realtime"
)

// Compile-time assertions that Dialer and session satisfy the realtime
// interfaces.
var (
	_ realtime.Dialer  = (*Dialer)(nil)
	_ realtime.Adapter = (*session)(nil)
)

const (
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultModel   = "gpt-4o-transcribe"

	// sendQueueSize bounds outbound frames awaiting the write loop. A full
	// queue is the soft-fail signal that drives gateway backpressure.
	sendQueueSize = 64
)

// ── Options ────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// ── Dialer ─────────────────────────────────────────────────────────────────

// Dialer implements realtime.Dialer for OpenAI Realtime transcription.
type Dialer struct {
	apiKey  string
	baseURL string
}

// New creates a Dialer with the given API key and options.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{apiKey: apiKey, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Name implements realtime.Dialer.
func (d *Dialer) Name() string { return provider.OpenAI }

// Dial implements realtime.Dialer. The returned adapter is ready to accept
// audio once the initial transcription_session.update has been sent.
func (d *Dialer) Dial(ctx context.Context, cfg realtime.SessionConfig) (realtime.Adapter, error) {
	conn, _, err := websocket.Dial(ctx, d.baseURL+"?intent=transcription", &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan realtime.Event, 64),
		sendCh: make(chan []byte, sendQueueSize),
		raw:    cfg.IncludeRawUpstream,
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.writeLoop()
	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ──────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	InputAudioFormat        string          `json:"input_audio_format"`
	InputAudioTranscription map[string]any  `json:"input_audio_transcription,omitempty"`
	TurnDetection           json.RawMessage `json:"turn_detection"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// ── Protocol message types (incoming) ──────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type string `json:"type"`

	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// rate_limits.updated
	RateLimits json.RawMessage `json:"rate_limits,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan realtime.Event
	sendCh chan []byte
	raw    bool

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate configures audio format, transcription model, and turn
// detection.
func (s *session) sendSessionUpdate(cfg realtime.SessionConfig) error {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	transcription := map[string]any{"model": model}
	if cfg.Language != "" {
		transcription["language"] = cfg.Language
	}
	if cfg.Prompt != "" {
		transcription["prompt"] = cfg.Prompt
	}
	for field, value := range cfg.Transcription {
		transcription[field] = value
	}

	params := sessionParams{
		InputAudioFormat:        "pcm16",
		InputAudioTranscription: transcription,
		TurnDetection:           turnDetection(cfg.VAD),
	}
	return s.writeJSON(sessionUpdateMessage{Type: "transcription_session.update", Session: params})
}

// turnDetection maps a VAD config to the wire turn_detection object.
// Manual VAD disables upstream detection with an explicit null.
func turnDetection(vad realtime.VADConfig) json.RawMessage {
	switch vad.Type {
	case realtime.VADServer:
		td := map[string]any{"type": "server_vad"}
		if vad.SilenceDurationMs > 0 {
			td["silence_duration_ms"] = vad.SilenceDurationMs
		}
		if vad.PrefixPaddingMs > 0 {
			td["prefix_padding_ms"] = vad.PrefixPaddingMs
		}
		out, _ := json.Marshal(td)
		return out
	case realtime.VADSemantic:
		td := map[string]any{"type": "semantic_vad"}
		if vad.Eagerness != "" {
			td["eagerness"] = vad.Eagerness
		}
		out, _ := json.Marshal(td)
		return out
	default:
		return json.RawMessage("null")
	}
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// writeLoop drains the send queue onto the socket, serializing writes with
// the control messages sent from writeJSON callers.
func (s *session) writeLoop() {
	for {
		select {
		case data := <-s.sendCh:
			if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
				if s.ctx.Err() == nil {
					s.setErr(err)
				}
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// receiveLoop reads server events and dispatches them. It owns the events
// channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.closeOnce.Do(func() { close(s.events) })

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		s.dispatch(&evt, data)
	}
}

func (s *session) dispatch(evt *serverEvent, raw []byte) {
	switch evt.Type {
	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta != "" {
			s.emit(realtime.Event{Type: realtime.EventTranscriptDelta, Text: evt.Delta})
		}

	case "conversation.item.input_audio_transcription.completed":
		s.emit(realtime.Event{Type: realtime.EventTranscriptDone, Text: evt.Transcript})

	case "input_audio_buffer.speech_started":
		s.emit(realtime.Event{Type: realtime.EventSpeechStarted})

	case "input_audio_buffer.speech_stopped":
		s.emit(realtime.Event{Type: realtime.EventSpeechStopped})

	case "rate_limits.updated":
		s.emit(realtime.Event{Type: realtime.EventRateLimits, RateLimits: evt.RateLimits})

	case "error":
		code, msg := "upstream_error", "unknown error"
		if evt.Error != nil {
			if evt.Error.Code != "" {
				code = evt.Error.Code
			}
			if evt.Error.Message != "" {
				msg = evt.Error.Message
			}
		}
		s.emit(realtime.Event{Type: realtime.EventError, Code: code, Message: msg})

	default:
		if s.raw {
			s.emit(realtime.Event{Type: realtime.EventRaw, Raw: append([]byte(nil), raw...)})
		}
	}
}

func (s *session) emit(evt realtime.Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// ── Adapter methods ────────────────────────────────────────────────────────

// AppendAudio implements realtime.Adapter. A full send queue or a closed
// session reports false without blocking.
func (s *session) AppendAudio(chunk []byte) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}

	data, err := json.Marshal(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
	if err != nil {
		return false
	}
	select {
	case s.sendCh <- data:
		return true
	default:
		return false
	}
}

// ActivityStart implements realtime.Adapter. The OpenAI buffer protocol has
// no explicit start marker; the append stream itself opens the turn.
func (s *session) ActivityStart() error { return nil }

// ActivityEnd implements realtime.Adapter.
func (s *session) ActivityEnd() error { return s.Commit() }

// Commit implements realtime.Adapter.
func (s *session) Commit() error {
	return s.writeJSON(map[string]string{"type": "input_audio_buffer.commit"})
}

// Clear implements realtime.Adapter.
func (s *session) Clear() error {
	return s.writeJSON(map[string]string{"type": "input_audio_buffer.clear"})
}

// Update implements realtime.Adapter by re-sending the session update.
func (s *session) Update(_ context.Context, cfg realtime.SessionConfig) error {
	return s.sendSessionUpdate(cfg)
}

// Events implements realtime.Adapter.
func (s *session) Events() <-chan realtime.Event { return s.events }

// SampleRate implements realtime.Adapter.
func (s *session) SampleRate() int { return audio.SampleRate24k }

// Err implements realtime.Adapter.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close implements realtime.Adapter. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
