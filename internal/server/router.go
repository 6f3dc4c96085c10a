package server

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxgate/voxgate/internal/api"
	"github.com/voxgate/voxgate/internal/auth"
	"github.com/voxgate/voxgate/internal/cache"
	"github.com/voxgate/voxgate/internal/health"
	"github.com/voxgate/voxgate/internal/models"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/ratelimit"
	"github.com/voxgate/voxgate/internal/realtime"
	upstream "github.com/voxgate/voxgate/pkg/provider/realtime"
)

// realtimePath is the WebSocket route. It skips the HTTP auth middleware:
// the realtime handler authenticates after the upgrade so failures surface
// as protocol close codes instead of HTTP statuses.
const realtimePath = "/v1/realtime/transcription"

// buildRouter mounts every route behind the middleware chain:
// observability, CORS, auth, rate limiting, cache, handler.
func (g *Gateway) buildRouter(dialers map[string]upstream.Dialer) http.Handler {
	r := mux.NewRouter()

	rt := g.cfg.Realtime
	rtHandler := realtime.NewHandler(
		g.registry, dialers, g.authn, g.meters,
		realtime.Config{
			MaxBuffer:       time.Duration(rt.MaxBufferMs) * time.Millisecond,
			MaxIdle:         time.Duration(rt.MaxIdleSeconds) * time.Second,
			MaxLifetime:     time.Duration(rt.MaxSessionMinutes) * time.Minute,
			CommitFallback:  rt.CommitFallback,
			TrailingSilence: time.Duration(rt.TrailingSilenceMs) * time.Millisecond,
			EOSWait:         time.Duration(rt.EOSWaitMs) * time.Millisecond,
		},
		rt.EnabledOrDefault(), g.metrics, g.log,
	)
	r.Handle(realtimePath, rtHandler).Methods(http.MethodGet)

	healthHandler := health.New(g.providers, g.cache, g.registry, g.version)
	healthHandler.Register(r)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	apiHandler := api.NewHandler(g.providers, g.catalog, g.authn.Usage(), g.metrics, g.cfg.Server.RequestTimeout, g.log)
	apiHandler.Register(r)
	models.NewHandler(g.catalog).Register(r)

	r.Use(skipRealtime(g.authn.Middleware()))
	if g.limiters != nil {
		r.Use(skipRealtime(ratelimit.Middleware(g.limiters, g.metrics, auth.RateKey, ratelimit.Options{
			LoopbackBypass: g.cfg.RateLimit.LoopbackBypass,
		})))
	}
	if g.cache != nil {
		// The upgrade needs the raw ResponseWriter; the capture wrapper
		// would break hijacking.
		r.Use(skipRealtime(cache.Middleware(g.cache, g.cacheProvider)))
	}

	var handler http.Handler = r
	handler = corsMiddleware(g.cfg.Server.CORSOrigins)(handler)
	handler = observe.Middleware(g.metrics)(handler)
	return handler
}

// cacheProvider resolves the provider tag for cache fingerprints the same
// way the API layer routes the call: by the model named in the body. Keys
// then scope per provider and [cache.Criteria].Provider invalidation works.
func (g *Gateway) cacheProvider(_ *http.Request, body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var env struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return ""
	}
	return g.catalog.ProviderFor(env.Model)
}

// skipRealtime exempts the WebSocket route from an HTTP middleware.
func skipRealtime(mw func(http.Handler) http.Handler) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		wrapped := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == realtimePath {
				next.ServeHTTP(w, r)
				return
			}
			wrapped.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware answers preflights and stamps CORS headers. An empty origin
// list allows every origin.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				allowed := "*"
				if len(origins) > 0 {
					if !slices.Contains(origins, origin) {
						if r.Method == http.MethodOptions {
							w.WriteHeader(http.StatusForbidden)
							return
						}
						next.ServeHTTP(w, r)
						return
					}
					allowed = origin
				}
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", allowed)
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, OpenAI-API-Key, X-Correlation-ID, X-Request-ID")
				h.Set("Access-Control-Max-Age", "86400")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
