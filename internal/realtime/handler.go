package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/voxgate/voxgate/internal/auth"
	"github.com/voxgate/voxgate/internal/httperr"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/pkg/provider/realtime"
)

// Handler accepts realtime transcription WebSocket connections. It
// authenticates before upgrading so protocol-level close codes can report
// auth and quota failures, which the HTTP middleware chain cannot.
type Handler struct {
	registry *Registry
	dialers  map[string]realtime.Dialer
	auth     *auth.Authenticator
	meters   *Meters
	cfg      Config
	enabled  bool
	metrics  *observe.Metrics
	log      *slog.Logger
}

// NewHandler wires the realtime surface.
func NewHandler(registry *Registry, dialers map[string]realtime.Dialer, authn *auth.Authenticator, meters *Meters, cfg Config, enabled bool, metrics *observe.Metrics, log *slog.Logger) *Handler {
	return &Handler{
		registry: registry,
		dialers:  dialers,
		auth:     authn,
		meters:   meters,
		cfg:      cfg,
		enabled:  enabled,
		metrics:  metrics,
		log:      log,
	}
}

// ServeHTTP handles GET /v1/realtime/transcription.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.enabled {
		httperr.Write(w, httperr.NotFound("realtime transcription is disabled"))
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Debug("websocket accept failed", "err", err)
		return
	}

	credential := auth.ExtractCredential(r)
	info, err := h.auth.Authenticate(r.Context(), credential)
	if err != nil {
		wsjson.Write(r.Context(), conn, errorMsg(CodeAuthFailed, "invalid or missing API key"))
		conn.Close(CloseAuth, CodeAuthFailed)
		return
	}
	if err := h.auth.Usage().CheckQuota(info.ID, info.Quota); err != nil {
		wsjson.Write(r.Context(), conn, errorMsg(CodeQuotaExceeded, err.Error()))
		conn.Close(CloseQuota, CodeQuotaExceeded)
		return
	}

	transport := newWSTransport(conn)
	session := NewSession(uuid.NewString(), "api:"+info.ID, h.dialers, h.meters, transport, h.cfg, h.metrics, h.log)

	if err := h.registry.Add(session); err != nil {
		wsjson.Write(r.Context(), conn, errorMsg(CodeTooManySessions, "session concurrency limit reached"))
		conn.Close(CloseConcurrency, CodeTooManySessions)
		return
	}
	defer h.registry.Remove(session.ID)

	h.auth.Usage().RecordRequest(info.ID)
	h.log.Info("realtime session opened", "session", session.ID, "key", info.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	transport.send(ctx, ServerMessage{
		Type:      MsgSessionCreated,
		SessionID: session.ID,
		Model:     r.URL.Query().Get("model"),
	})

	go session.Run(ctx)
	h.readLoop(ctx, conn, transport, session)

	session.Close()
	code, reason := session.CloseStatus()
	conn.Close(code, reason)
	h.log.Info("realtime session closed", "session", session.ID, "code", int(code), "reason", reason)
}

// readLoop pulls client frames until the socket or session ends, honoring
// the transport's backpressure gate.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, transport *wsTransport, session *Session) {
	for {
		select {
		case <-session.Done():
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := transport.waitResumed(ctx, session.Done()); err != nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		session.HandleClient(ctx, data)
	}
}

// ── transport ──────────────────────────────────────────────────────────────

// wsTransport implements Transport over one coder/websocket connection.
// Sends are serialized; Pause/Resume gate the read loop rather than the
// socket itself.
type wsTransport struct {
	conn *websocket.Conn

	sendMu sync.Mutex

	mu     sync.Mutex
	resume chan struct{}
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

// Send implements Transport.
func (t *wsTransport) Send(ctx context.Context, msg ServerMessage) error {
	return t.send(ctx, msg)
}

func (t *wsTransport) send(ctx context.Context, msg ServerMessage) error {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return wsjson.Write(ctx, t.conn, msg)
}

// Pause implements Transport.
func (t *wsTransport) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resume == nil {
		t.resume = make(chan struct{})
	}
}

// Resume implements Transport.
func (t *wsTransport) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resume != nil {
		close(t.resume)
		t.resume = nil
	}
}

// waitResumed blocks while the transport is paused.
func (t *wsTransport) waitResumed(ctx context.Context, done <-chan struct{}) error {
	t.mu.Lock()
	resume := t.resume
	t.mu.Unlock()
	if resume == nil {
		return nil
	}
	select {
	case <-resume:
		return nil
	case <-done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}
