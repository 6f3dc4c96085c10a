// Package gemini implements realtime.Dialer for the Gemini Live API.
//
// It speaks the BidiGenerateContent protocol over a WebSocket: audio goes up
// as base64 PCM16 media chunks at 16 kHz, transcription comes back inside
// serverContent messages. Unlike OpenAI, Gemini reports transcript deltas
// without a terminal event per utterance, so the adapter accumulates deltas
// and emits the done event on turn completion.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

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
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	defaultModel   = "gemini-2.0-flash-live-001"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

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

// Dialer implements realtime.Dialer for the Gemini Live API.
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
func (d *Dialer) Name() string { return provider.Gemini }

// Dial implements realtime.Dialer.
func (d *Dialer) Dial(ctx context.Context, cfg realtime.SessionConfig) (realtime.Adapter, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		d.baseURL, d.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Content-Type": []string{"application/json"}},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan realtime.Event, 64),
		sendCh: make(chan []byte, sendQueueSize),
		manual: cfg.VAD.Type == realtime.VADManual,
		model:  cfg.IncludeModelOutput,
		raw:    cfg.IncludeRawUpstream,
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	if err := sess.sendSetup(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.writeLoop()
	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ──────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                   string             `json:"model"`
	GenerationConfig        generationConfig   `json:"generationConfig"`
	SystemInstruction       *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription map[string]any     `json:"inputAudioTranscription,omitempty"`
	RealtimeInputConfig     *realtimeInputCfg  `json:"realtimeInputConfig,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputCfg struct {
	AutomaticActivityDetection *activityDetection `json:"automaticActivityDetection,omitempty"`
}

type activityDetection struct {
	Disabled                 bool   `json:"disabled,omitempty"`
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity,omitempty"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity,omitempty"`
	PrefixPaddingMs          int    `json:"prefixPaddingMs,omitempty"`
	SilenceDurationMs        int    `json:"silenceDurationMs,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks    []mediaChunk     `json:"mediaChunks,omitempty"`
	ActivityStart  *json.RawMessage `json:"activityStart,omitempty"`
	ActivityEnd    *json.RawMessage `json:"activityEnd,omitempty"`
	AudioStreamEnd bool             `json:"audioStreamEnd,omitempty"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ──────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn          *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete       bool           `json:"turnComplete,omitempty"`
	Interrupted        bool           `json:"interrupted,omitempty"`
	InputTranscription *transcription `json:"inputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan realtime.Event
	sendCh chan []byte
	manual bool
	model  bool
	raw    bool

	mu           sync.Mutex
	errVal       error
	closed       bool
	partialUser  string
	partialModel string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var emptyObject = json.RawMessage(`{}`)

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(cfg realtime.SessionConfig) error {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	modalities := cfg.ResponseModalities
	if len(modalities) == 0 {
		modalities = []string{"TEXT"}
	}

	transcription := map[string]any{}
	for field, value := range cfg.Transcription {
		transcription[field] = value
	}

	msg := setupMessage{
		Setup: setupConfig{
			Model:                   fmt.Sprintf("models/%s", model),
			GenerationConfig:        generationConfig{ResponseModalities: modalities},
			InputAudioTranscription: transcription,
			RealtimeInputConfig:     activityConfig(cfg.VAD),
		},
	}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.SystemInstruction}},
		}
	}
	return s.writeJSON(msg)
}

// activityConfig maps a VAD config onto automatic activity detection.
// Manual VAD disables upstream detection; activity markers take over.
func activityConfig(vad realtime.VADConfig) *realtimeInputCfg {
	switch vad.Type {
	case realtime.VADManual:
		return &realtimeInputCfg{
			AutomaticActivityDetection: &activityDetection{Disabled: true},
		}
	case realtime.VADServer, realtime.VADSemantic:
		return &realtimeInputCfg{
			AutomaticActivityDetection: &activityDetection{
				StartOfSpeechSensitivity: vad.StartSensitivity,
				EndOfSpeechSensitivity:   vad.EndSensitivity,
				PrefixPaddingMs:          vad.PrefixPaddingMs,
				SilenceDurationMs:        vad.SilenceDurationMs,
			},
		}
	default:
		return nil
	}
}

func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

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

// receiveLoop reads server messages and dispatches them. It owns the events
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

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}
		s.dispatch(&msg, data)
	}
}

// keepaliveLoop pings the server periodically so idle sessions stay open.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil && s.ctx.Err() == nil {
				s.setErr(fmt.Errorf("gemini: keepalive: %w", err))
				s.Close()
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) dispatch(msg *serverMessage, raw []byte) {
	if msg.Error != nil {
		s.emit(realtime.Event{
			Type:    realtime.EventError,
			Code:    msg.Error.Status,
			Message: msg.Error.Message,
		})
		return
	}
	if msg.ServerContent != nil {
		s.dispatchContent(msg.ServerContent)
		return
	}
	if msg.SetupComplete == nil && s.raw {
		s.emit(realtime.Event{Type: realtime.EventRaw, Raw: append([]byte(nil), raw...)})
	}
}

func (s *session) dispatchContent(sc *serverContent) {
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.mu.Lock()
		s.partialUser += sc.InputTranscription.Text
		s.mu.Unlock()
		s.emit(realtime.Event{Type: realtime.EventTranscriptDelta, Text: sc.InputTranscription.Text})
	}

	if sc.ModelTurn != nil && s.model {
		for _, p := range sc.ModelTurn.Parts {
			if p.Text == "" {
				continue
			}
			s.mu.Lock()
			s.partialModel += p.Text
			s.mu.Unlock()
			s.emit(realtime.Event{Type: realtime.EventModelDelta, Text: p.Text})
		}
	}

	if sc.TurnComplete {
		s.mu.Lock()
		user, model := s.partialUser, s.partialModel
		s.partialUser, s.partialModel = "", ""
		s.mu.Unlock()

		s.emit(realtime.Event{Type: realtime.EventTranscriptDone, Text: user})
		if s.model && model != "" {
			s.emit(realtime.Event{Type: realtime.EventModelDone, Text: model})
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

	data, err := json.Marshal(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MIMEType: fmt.Sprintf("audio/pcm;rate=%d", audio.SampleRate16k),
				Data:     base64.StdEncoding.EncodeToString(chunk),
			}},
		},
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

// ActivityStart implements realtime.Adapter.
func (s *session) ActivityStart() error {
	return s.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{ActivityStart: &emptyObject},
	})
}

// ActivityEnd implements realtime.Adapter.
func (s *session) ActivityEnd() error {
	return s.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{ActivityEnd: &emptyObject},
	})
}

// Commit implements realtime.Adapter. Under manual VAD the end-of-activity
// marker is the commit; otherwise the audio stream end nudges the recognizer
// to finalize.
func (s *session) Commit() error {
	if s.manual {
		return s.ActivityEnd()
	}
	return s.writeJSON(realtimeInputMessage{
		RealtimeInput: realtimeInput{AudioStreamEnd: true},
	})
}

// Clear implements realtime.Adapter. The Live API has no explicit clear;
// resetting the local partial transcript is the closest equivalent.
func (s *session) Clear() error {
	s.mu.Lock()
	s.partialUser = ""
	s.mu.Unlock()
	return nil
}

// Update implements realtime.Adapter. The Live API fixes session options at
// setup time.
func (s *session) Update(_ context.Context, cfg realtime.SessionConfig) error {
	s.mu.Lock()
	s.manual = cfg.VAD.Type == realtime.VADManual
	s.model = cfg.IncludeModelOutput
	s.raw = cfg.IncludeRawUpstream
	s.mu.Unlock()
	return nil
}

// Events implements realtime.Adapter.
func (s *session) Events() <-chan realtime.Event { return s.events }

// SampleRate implements realtime.Adapter.
func (s *session) SampleRate() int { return audio.SampleRate16k }

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
