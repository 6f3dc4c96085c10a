package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider"
	"github.com/voxgate/voxgate/pkg/provider/realtime"
)

const (
	// defaultDrainInterval is the retry cadence for buffered frames while the
	// adapter is saturated.
	defaultDrainInterval = 20 * time.Millisecond

	// defaultReconnectBudget bounds the single reconnect attempt after an
	// upstream connection loss.
	defaultReconnectBudget = 2 * time.Second

	// sendTimeout bounds one client write so a stalled socket cannot wedge
	// the event pump.
	sendTimeout = 5 * time.Second
)

// Transport delivers protocol messages to one client and controls the
// transport read side during backpressure.
type Transport interface {
	Send(ctx context.Context, msg ServerMessage) error

	// Pause stops the client read loop; Resume restarts it. Both are
	// idempotent.
	Pause()
	Resume()
}

// Config carries the session-engine tunables.
type Config struct {
	// MaxBuffer bounds the per-session audio buffer as PCM16 duration.
	MaxBuffer time.Duration

	// MaxIdle closes sessions with no inbound activity.
	MaxIdle time.Duration

	// MaxLifetime is the hard session ceiling.
	MaxLifetime time.Duration

	// CommitFallback lets a client commit force an upstream commit under
	// server VAD.
	CommitFallback bool

	// TrailingSilence is appended before a fallback commit under server VAD.
	TrailingSilence time.Duration

	// EOSWait is how long a fallback commit waits for upstream end-of-turn
	// before forcing one.
	EOSWait time.Duration

	// DrainInterval and ReconnectBudget default when zero.
	DrainInterval   time.Duration
	ReconnectBudget time.Duration
}

func (c Config) drainInterval() time.Duration {
	if c.DrainInterval > 0 {
		return c.DrainInterval
	}
	return defaultDrainInterval
}

func (c Config) reconnectBudget() time.Duration {
	if c.ReconnectBudget > 0 {
		return c.ReconnectBudget
	}
	return defaultReconnectBudget
}

// RouteModel picks the upstream provider for a model id. Gemini models route
// to the Gemini adapter; everything else goes to OpenAI.
func RouteModel(model string) string {
	if strings.HasPrefix(strings.ToLower(model), "gemini") {
		return provider.Gemini
	}
	return provider.OpenAI
}

// Session drives one client WebSocket against one lazily-connected upstream
// adapter, applying buffering, backpressure, metering, and lifecycle policy.
type Session struct {
	ID  string
	Key string

	dialers   map[string]realtime.Dialer
	route     func(model string) string
	meters    *Meters
	transport Transport
	cfg       Config
	metrics   *observe.Metrics
	log       *slog.Logger
	now       func() time.Time

	mu              sync.Mutex
	sessCfg         realtime.SessionConfig
	providerTag     string
	adapter         realtime.Adapter
	buf             *audioBuffer
	paused          bool
	draining        bool
	reconnected     bool
	apmBlockedUntil time.Time
	lastActivity    time.Time
	pendingCommit   *time.Timer

	done      chan struct{}
	closeOnce sync.Once

	closeMu     sync.Mutex
	closeStatus websocket.StatusCode
	closeReason string

	wg sync.WaitGroup
}

// NewSession constructs a session. The transport must be ready to accept
// sends; the session does not dial upstream until the first session.update
// names a model.
func NewSession(id, key string, dialers map[string]realtime.Dialer, meters *Meters, transport Transport, cfg Config, metrics *observe.Metrics, log *slog.Logger) *Session {
	return &Session{
		ID:          id,
		Key:         key,
		dialers:     dialers,
		route:       RouteModel,
		meters:      meters,
		transport:   transport,
		cfg:         cfg,
		metrics:     metrics,
		log:         log.With("session", id),
		now:         time.Now,
		done:        make(chan struct{}),
		closeStatus: CloseNormal,
	}
}

// Done is closed when the session has terminated.
func (s *Session) Done() <-chan struct{} { return s.done }

// CloseStatus returns the WebSocket status the transport should close with.
func (s *Session) CloseStatus() (websocket.StatusCode, string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closeStatus, s.closeReason
}

// Run enforces idle and lifetime limits until the session terminates or ctx
// is cancelled. It blocks; callers run it in its own goroutine.
func (s *Session) Run(ctx context.Context) {
	s.touch()
	lifetime := time.NewTimer(s.cfg.MaxLifetime)
	defer lifetime.Stop()
	idle := time.NewTicker(time.Second)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			s.terminate("", "", CloseNormal)
			return
		case <-s.done:
			return
		case <-lifetime.C:
			s.terminate(CodeSessionExpired, "session lifetime exceeded", CloseNormal)
			return
		case <-idle.C:
			s.mu.Lock()
			idleFor := s.now().Sub(s.lastActivity)
			s.mu.Unlock()
			if idleFor > s.cfg.MaxIdle {
				s.terminate(CodeIdleTimeout, "no activity", CloseIdle)
				return
			}
		}
	}
}

// HandleClient processes one inbound client frame. Malformed JSON is
// reported and ignored; a malformed session.update terminates the session.
func (s *Session) HandleClient(ctx context.Context, data []byte) {
	s.touch()

	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.send(ctx, errorMsg(CodeBadJSON, "malformed message"))
		return
	}

	switch msg.Type {
	case MsgSessionUpdate:
		s.handleUpdate(ctx, msg.Data)
	case MsgAudioAppend:
		frame, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			s.send(ctx, errorMsg(CodeBadJSON, "audio is not valid base64"))
			return
		}
		s.handleAudio(ctx, frame)
	case MsgActivityStart:
		s.handleActivityStart(ctx)
	case MsgActivityEnd:
		s.handleActivityEnd(ctx)
	case MsgAudioCommit:
		s.handleCommit(ctx)
	case MsgAudioClear:
		s.handleClear(ctx)
	default:
		s.send(ctx, errorMsg(CodeBadJSON, fmt.Sprintf("unknown message type %q", msg.Type)))
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

// ── configuration ──────────────────────────────────────────────────────────

func (s *Session) handleUpdate(ctx context.Context, data []byte) {
	var update SessionUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		s.send(ctx, errorMsg(CodeInvalidSession, "malformed session.update"))
		s.terminate("", "", CloseNormal)
		return
	}
	if err := update.Validate(); err != nil {
		s.send(ctx, errorMsg(CodeInvalidSession, err.Error()))
		s.terminate("", "", CloseNormal)
		return
	}

	s.mu.Lock()
	cfg := s.sessCfg
	if update.Model != "" {
		cfg.Model = update.Model
	}
	if update.Language != "" {
		cfg.Language = update.Language
	}
	if update.Prompt != "" {
		cfg.Prompt = update.Prompt
	}
	if update.SystemInstruction != "" {
		cfg.SystemInstruction = update.SystemInstruction
	}
	if update.InputAudioTranscription != nil {
		cfg.Transcription = update.InputAudioTranscription
	}
	if update.ResponseModalities != nil {
		cfg.ResponseModalities = update.ResponseModalities
	}
	if update.VAD != nil {
		cfg.VAD = *update.VAD
	}
	cfg.IncludeRawUpstream = update.Include.RawUpstream
	cfg.IncludeModelOutput = update.Include.ModelOutput
	if cfg.VAD.Type == "" {
		cfg.VAD.Type = realtime.VADServer
	}
	s.sessCfg = cfg
	adapter := s.adapter
	s.mu.Unlock()

	if adapter == nil {
		if cfg.Model == "" {
			s.send(ctx, errorMsg(CodeInvalidSession, "session.update must name a model"))
			s.terminate("", "", CloseNormal)
			return
		}
		if err := s.connect(ctx, cfg); err != nil {
			s.send(ctx, errorMsg(CodeUpstreamClosed, err.Error()))
			s.terminate("", "", CloseNormal)
			return
		}
	} else if err := adapter.Update(ctx, cfg); err != nil {
		s.send(ctx, errorMsg(CodeUpstreamClosed, err.Error()))
		s.terminate("", "", CloseNormal)
		return
	}

	s.send(ctx, ServerMessage{Type: MsgSessionUpdated, SessionID: s.ID, Model: cfg.Model})
}

// connect dials the provider for cfg.Model and starts the event pump. At
// most one adapter exists per session at a time.
func (s *Session) connect(ctx context.Context, cfg realtime.SessionConfig) error {
	tag := s.route(cfg.Model)
	dialer, ok := s.dialers[tag]
	if !ok {
		return fmt.Errorf("no upstream provider for model %q", cfg.Model)
	}
	adapter, err := dialer.Dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("dial %s: %w", tag, err)
	}

	s.mu.Lock()
	s.providerTag = tag
	s.adapter = adapter
	if s.buf == nil {
		s.buf = newAudioBuffer(s.cfg.MaxBuffer, adapter.SampleRate())
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pumpEvents(adapter)
	return nil
}

// ── audio path ─────────────────────────────────────────────────────────────

func (s *Session) handleAudio(ctx context.Context, frame []byte) {
	if len(frame) == 0 {
		return
	}

	s.mu.Lock()
	adapter := s.adapter
	if adapter == nil {
		s.mu.Unlock()
		s.send(ctx, errorMsg(CodeInvalidSession, "configure the session before sending audio"))
		return
	}
	if s.now().Before(s.apmBlockedUntil) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if s.meters.AddAudio(s.Key, audio.Duration(len(frame), adapter.SampleRate())) {
		s.mu.Lock()
		s.apmBlockedUntil = s.meters.Audio.ResetAt(s.Key)
		s.mu.Unlock()
		s.send(ctx, errorMsg(CodeAPMExceeded, "audio-per-minute limit reached"))
		s.send(ctx, ServerMessage{Type: MsgRateLimits, RateLimits: s.meters.Snapshot(s.Key)})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused || !s.buf.empty() {
		s.enqueueLocked(ctx, frame)
		return
	}
	if !adapter.AppendAudio(frame) {
		s.enqueueLocked(ctx, frame)
	}
}

// enqueueLocked buffers a frame the adapter could not take and applies the
// pause watermark. Callers hold s.mu.
func (s *Session) enqueueLocked(_ context.Context, frame []byte) {
	s.buf.push(frame)
	if !s.paused && s.buf.duration() > s.cfg.MaxBuffer/2 {
		s.paused = true
		s.transport.Pause()
		go s.send(context.Background(), warningMsg(CodeBackpressurePaused))
	}
	if !s.draining {
		s.draining = true
		s.wg.Add(1)
		go s.drainLoop()
	}
}

// drainLoop retries buffered frames on a fixed cadence, resuming the
// transport once the buffer falls below the low-water mark (a quarter of the
// configured maximum).
func (s *Session) drainLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.drainInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		adapter := s.adapter
		for adapter != nil && !s.buf.empty() {
			frame := s.buf.pop()
			if !adapter.AppendAudio(frame) {
				s.buf.unpop(frame)
				break
			}
		}
		if s.paused && s.buf.duration() < s.cfg.MaxBuffer/4 {
			s.paused = false
			s.transport.Resume()
			go s.send(context.Background(), warningMsg(CodeBackpressureResume))
		}
		if s.buf.empty() && !s.paused {
			s.draining = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
	}
}

// ── turn control ───────────────────────────────────────────────────────────

// advanceTurn meters one turn advance; it reports false when the key is over
// its RPM cap, after notifying the client.
func (s *Session) advanceTurn(ctx context.Context) bool {
	if s.meters.AddRequest(s.Key) {
		s.send(ctx, errorMsg(CodeRPMExceeded, "requests-per-minute limit reached"))
		s.send(ctx, ServerMessage{Type: MsgRateLimits, RateLimits: s.meters.Snapshot(s.Key)})
		return false
	}
	return true
}

func (s *Session) handleActivityStart(ctx context.Context) {
	adapter, vad := s.adapterAndVAD()
	if adapter == nil || vad != realtime.VADManual {
		return
	}
	if err := adapter.ActivityStart(); err != nil {
		s.upstreamFailed(ctx, err)
	}
}

func (s *Session) handleActivityEnd(ctx context.Context) {
	adapter, vad := s.adapterAndVAD()
	if adapter == nil || vad != realtime.VADManual {
		return
	}
	if !s.advanceTurn(ctx) {
		return
	}
	if err := adapter.ActivityEnd(); err != nil {
		s.upstreamFailed(ctx, err)
	}
}

func (s *Session) handleCommit(ctx context.Context) {
	adapter, vad := s.adapterAndVAD()
	if adapter == nil {
		return
	}

	switch vad {
	case realtime.VADManual:
		if !s.advanceTurn(ctx) {
			return
		}
		if err := adapter.Commit(); err != nil {
			s.upstreamFailed(ctx, err)
		}
	default:
		if !s.cfg.CommitFallback {
			s.send(ctx, warningMsg(CodeCommitIgnored))
			return
		}
		if !s.advanceTurn(ctx) {
			return
		}
		// Trailing silence nudges upstream end-of-speech detection; if no
		// terminal transcript arrives within the wait window, force the
		// commit ourselves. The silence rides the same buffering path as
		// caller audio so a backpressured adapter does not lose it.
		silence := audio.Silence(s.cfg.TrailingSilence, adapter.SampleRate())
		s.mu.Lock()
		if s.paused || !s.buf.empty() || !adapter.AppendAudio(silence) {
			s.enqueueLocked(ctx, silence)
		}
		if s.pendingCommit != nil {
			s.pendingCommit.Stop()
		}
		s.pendingCommit = time.AfterFunc(s.cfg.EOSWait, func() {
			if err := adapter.Commit(); err != nil {
				s.upstreamFailed(context.Background(), err)
			}
		})
		s.mu.Unlock()
	}
}

func (s *Session) handleClear(ctx context.Context) {
	s.mu.Lock()
	adapter := s.adapter
	if s.buf != nil {
		s.buf.clear()
	}
	s.mu.Unlock()
	if adapter == nil {
		return
	}
	if err := adapter.Clear(); err != nil {
		s.upstreamFailed(ctx, err)
	}
}

func (s *Session) adapterAndVAD() (realtime.Adapter, realtime.VADType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapter, s.sessCfg.VAD.Type
}

// ── upstream events ────────────────────────────────────────────────────────

func (s *Session) pumpEvents(adapter realtime.Adapter) {
	defer s.wg.Done()

	for evt := range adapter.Events() {
		s.mu.Lock()
		includeModel := s.sessCfg.IncludeModelOutput
		includeRaw := s.sessCfg.IncludeRawUpstream
		if evt.Type == realtime.EventTranscriptDone && s.pendingCommit != nil {
			s.pendingCommit.Stop()
			s.pendingCommit = nil
		}
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.RecordRealtimeEvent(context.Background(), string(evt.Type))
		}

		msg, ok := Normalize(evt, includeModel, includeRaw)
		if ok {
			s.send(context.Background(), msg)
		}
		if evt.Type == realtime.EventError {
			s.terminate("", "", CloseNormal)
			return
		}
	}

	// Channel closed: clean shutdown or connection loss.
	select {
	case <-s.done:
		return
	default:
	}
	if err := adapter.Err(); err != nil {
		s.reconnect(err)
	}
}

// reconnect makes at most one re-dial attempt within the budget, preserving
// buffered, uncommitted audio. On failure the session terminates.
func (s *Session) reconnect(cause error) {
	s.mu.Lock()
	if s.reconnected {
		s.mu.Unlock()
		s.send(context.Background(), errorMsg(CodeUpstreamClosed, cause.Error()))
		s.terminate("", "", CloseNormal)
		return
	}
	s.reconnected = true
	s.adapter = nil
	cfg := s.sessCfg
	s.mu.Unlock()

	s.log.Warn("upstream connection lost, reconnecting", "err", cause)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.reconnectBudget())
	defer cancel()
	if err := s.connect(ctx, cfg); err != nil {
		s.send(context.Background(), errorMsg(CodeUpstreamClosed, cause.Error()))
		s.terminate("", "", CloseNormal)
		return
	}

	// Kick the drain loop so preserved audio flows into the new adapter.
	s.mu.Lock()
	if !s.buf.empty() && !s.draining {
		s.draining = true
		s.wg.Add(1)
		go s.drainLoop()
	}
	s.mu.Unlock()
}

func (s *Session) upstreamFailed(ctx context.Context, err error) {
	s.send(ctx, errorMsg(CodeUpstreamClosed, err.Error()))
	s.terminate("", "", CloseNormal)
}

// ── lifecycle ──────────────────────────────────────────────────────────────

func (s *Session) send(ctx context.Context, msg ServerMessage) {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := s.transport.Send(sendCtx, msg); err != nil {
		s.log.Debug("client send failed", "type", msg.Type, "err", err)
	}
}

// terminate ends the session exactly once: notify the client when code is
// set, record the close status, and release the adapter.
func (s *Session) terminate(code, message string, status websocket.StatusCode) {
	s.closeOnce.Do(func() {
		if code != "" {
			s.send(context.Background(), errorMsg(code, message))
		}
		s.closeMu.Lock()
		s.closeStatus = status
		s.closeReason = code
		s.closeMu.Unlock()

		s.mu.Lock()
		adapter := s.adapter
		s.adapter = nil
		if s.pendingCommit != nil {
			s.pendingCommit.Stop()
			s.pendingCommit = nil
		}
		s.mu.Unlock()

		close(s.done)
		if adapter != nil {
			_ = adapter.Close()
		}
	})
}

// Close terminates the session without a protocol error, for client-initiated
// closes and server shutdown.
func (s *Session) Close() {
	s.terminate("", "", CloseNormal)
	s.wg.Wait()
}
