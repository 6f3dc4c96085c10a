// Package health serves the gateway's health endpoints.
//
//   - /health          — liveness probe; always 200 while the process serves.
//   - /health/detailed — evaluates every registered check plus the cache
//     round trip; 503 when anything fails.
//   - /health/providers — per-provider circuit state.
//
// Responses are JSON objects with a top-level "status" field ("ok" or
// "degraded") and per-check detail.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/voxgate/voxgate/internal/cache"
	"github.com/voxgate/voxgate/internal/realtime"
	"github.com/voxgate/voxgate/internal/resilience"
	"github.com/voxgate/voxgate/pkg/provider/chat"
)

// checkTimeout bounds one dependency probe.
const checkTimeout = 5 * time.Second

// Checker is a named dependency probe. Check returns nil when healthy.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// guarded is satisfied by providers wrapped in a circuit breaker.
type guarded interface {
	Breaker() *resilience.Breaker
}

// Handler serves the health routes. The checker list and provider set are
// fixed at construction time.
type Handler struct {
	providers map[string]chat.Provider
	cache     *cache.RequestCache
	sessions  interface{ Len() int }
	checkers  []Checker
	version   string
	started   time.Time
	now       func() time.Time
}

// New creates a health handler. cache may be nil when caching is disabled,
// sessions may be nil when the realtime surface is disabled.
func New(providers map[string]chat.Provider, requestCache *cache.RequestCache, sessions *realtime.Registry, version string, checkers ...Checker) *Handler {
	h := &Handler{
		providers: providers,
		cache:     requestCache,
		checkers:  append([]Checker(nil), checkers...),
		version:   version,
		started:   time.Now(),
		now:       time.Now,
	}
	if sessions != nil {
		h.sessions = sessions
	}
	return h
}

// Register adds the health routes to r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.live).Methods(http.MethodGet)
	r.HandleFunc("/health/detailed", h.detailed).Methods(http.MethodGet)
	r.HandleFunc("/health/providers", h.providerStatus).Methods(http.MethodGet)
}

type liveResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Uptime  string `json:"uptime"`
}

// live is the liveness probe. A process that can serve HTTP is alive.
func (h *Handler) live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, liveResponse{
		Status:  "ok",
		Version: h.version,
		Uptime:  h.now().Sub(h.started).Round(time.Second).String(),
	})
}

type detailedResponse struct {
	Status    string                    `json:"status"`
	Version   string                    `json:"version,omitempty"`
	Uptime    string                    `json:"uptime"`
	Checks    map[string]string         `json:"checks,omitempty"`
	Cache     *cache.HealthStatus       `json:"cache,omitempty"`
	Providers map[string]providerHealth `json:"providers"`
	Realtime  *realtimeHealth           `json:"realtime,omitempty"`
}

type realtimeHealth struct {
	ActiveSessions int `json:"active_sessions"`
}

// detailed evaluates every registered check plus the cache round trip.
func (h *Handler) detailed(w http.ResponseWriter, r *http.Request) {
	ok := true

	checks := make(map[string]string, len(h.checkers))
	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			ok = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := detailedResponse{
		Version:   h.version,
		Uptime:    h.now().Sub(h.started).Round(time.Second).String(),
		Checks:    checks,
		Providers: h.providerStates(),
	}
	if h.cache != nil {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		status := h.cache.HealthCheck(ctx)
		cancel()
		res.Cache = &status
		if !status.Healthy {
			ok = false
		}
	}
	if h.sessions != nil {
		res.Realtime = &realtimeHealth{ActiveSessions: h.sessions.Len()}
	}
	for _, p := range res.Providers {
		if !p.Available {
			ok = false
		}
	}

	res.Status = "ok"
	status := http.StatusOK
	if !ok {
		res.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

type providerHealth struct {
	Available bool   `json:"available"`
	Circuit   string `json:"circuit"`
}

type providersResponse struct {
	Status    string                    `json:"status"`
	Providers map[string]providerHealth `json:"providers"`
}

// providerStatus reports each provider's circuit state. An open circuit
// degrades the overall status.
func (h *Handler) providerStatus(w http.ResponseWriter, _ *http.Request) {
	states := h.providerStates()

	res := providersResponse{Status: "ok", Providers: states}
	status := http.StatusOK
	for _, p := range states {
		if !p.Available {
			res.Status = "degraded"
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, res)
}

func (h *Handler) providerStates() map[string]providerHealth {
	states := make(map[string]providerHealth, len(h.providers))
	for name, p := range h.providers {
		ph := providerHealth{Available: true, Circuit: "none"}
		if g, ok := p.(guarded); ok {
			state := g.Breaker().State()
			ph.Circuit = state.String()
			ph.Available = state != resilience.Open
		}
		states[name] = ph
	}
	return states
}

// writeJSON encodes v with the given status. On encoding failure it falls
// back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
