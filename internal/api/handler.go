// Package api implements the OpenAI-compatible HTTP surface: chat
// completions (including SSE streaming), embeddings, and the audio
// endpoints. Request bodies ride through to the provider adapters as raw
// JSON; only the fields the gateway itself needs are inspected.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/voxgate/voxgate/internal/auth"
	"github.com/voxgate/voxgate/internal/httperr"
	"github.com/voxgate/voxgate/internal/models"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/pkg/provider"
	"github.com/voxgate/voxgate/pkg/provider/chat"
)

const (
	// maxBodyBytes caps JSON request bodies.
	maxBodyBytes = 10 << 20

	// maxAudioBytes caps uploaded audio files.
	maxAudioBytes = 25 << 20

	// defaultTimeout bounds one provider call when the server config does
	// not override it.
	defaultTimeout = 30 * time.Second
)

// Handler serves the provider-backed routes.
type Handler struct {
	providers map[string]chat.Provider
	catalog   *models.Catalog
	usage     *auth.UsageTracker
	metrics   *observe.Metrics
	timeout   time.Duration
	log       *slog.Logger
}

// NewHandler wires the HTTP surface. usage may be nil when auth is disabled.
func NewHandler(providers map[string]chat.Provider, catalog *models.Catalog, usage *auth.UsageTracker, metrics *observe.Metrics, timeout time.Duration, log *slog.Logger) *Handler {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Handler{
		providers: providers,
		catalog:   catalog,
		usage:     usage,
		metrics:   metrics,
		timeout:   timeout,
		log:       log,
	}
}

// Register mounts the provider routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/v1/chat/completions", h.chatCompletions).Methods(http.MethodPost)
	r.HandleFunc("/v1/embeddings", h.embeddings).Methods(http.MethodPost)
	r.HandleFunc("/v1/audio/transcriptions", h.transcriptions).Methods(http.MethodPost)
	r.HandleFunc("/v1/audio/translations", h.translations).Methods(http.MethodPost)
	r.HandleFunc("/v1/audio/speech", h.speech).Methods(http.MethodPost)
}

// providerFor resolves the adapter serving a model: catalog entries win,
// unknown models fall back to prefix routing so new provider models work
// before the catalog learns them.
func (h *Handler) providerFor(model string) (chat.Provider, error) {
	p, ok := h.providers[h.catalog.ProviderFor(model)]
	if !ok {
		return nil, httperr.Validation("unknown_model", "no enabled provider serves model %q", model)
	}
	return p, nil
}

// writeError renders any error in the gateway envelope. Provider errors keep
// their upstream status; everything unrecognized becomes a 500.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var perr *provider.Error
	switch {
	case errors.As(err, &perr):
		h.writeProviderError(w, perr)
	case errors.Is(err, context.DeadlineExceeded):
		httperr.Write(w, httperr.Timeout("upstream"))
	default:
		var herr *httperr.Error
		if !errors.As(err, &herr) {
			h.log.Error("request failed", "path", r.URL.Path, "err", err)
			err = httperr.Internal(err)
		}
		httperr.Write(w, err)
	}
}

func (h *Handler) writeProviderError(w http.ResponseWriter, perr *provider.Error) {
	status := perr.Status
	if status < 400 || status > 599 {
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"type":    "upstream_error",
			"code":    perr.Code,
			"message": perr.Message,
			"details": map[string]any{"provider": perr.Provider},
		},
	})
}

// recordTokens charges usage to the authenticated key after a response.
func (h *Handler) recordTokens(ctx context.Context, body json.RawMessage) {
	if h.usage == nil {
		return
	}
	id, ok := auth.FromContext(ctx)
	if !ok {
		return
	}
	if usage, found := chat.ExtractUsage(body); found {
		h.usage.RecordTokens(id.Info.ID, usage.TotalTokens)
	}
}

func (h *Handler) record(ctx context.Context, providerName, operation string, err error) {
	if h.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	h.metrics.RecordProviderRequest(ctx, providerName, operation, status)
}

func writeJSONBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
