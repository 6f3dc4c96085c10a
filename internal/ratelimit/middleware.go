package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/voxgate/voxgate/internal/httperr"
	"github.com/voxgate/voxgate/internal/observe"
)

// KeyFunc resolves the limiter key for a request. The auth layer supplies an
// implementation returning "api:{key}", "user:{id}", or "ip:{addr}".
type KeyFunc func(r *http.Request) string

// IPKey is the fallback [KeyFunc] keying purely on the client IP.
func IPKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Options tunes the limiter middleware.
type Options struct {
	// LoopbackBypass skips limiting for loopback client addresses.
	LoopbackBypass bool
}

// Middleware returns an HTTP middleware that enforces the per-route limiter
// set. Health-check paths bypass limiting entirely. Every limited response —
// admitted or rejected — carries X-RateLimit-Limit, X-RateLimit-Remaining,
// X-RateLimit-Reset, and X-RateLimit-Strategy headers.
func Middleware(set *Set, m *observe.Metrics, keyFn KeyFunc, opts Options) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = IPKey
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			class := ClassifyPath(r.URL.Path)
			if class == RouteHealth {
				next.ServeHTTP(w, r)
				return
			}
			if opts.LoopbackBypass && isLoopback(r.RemoteAddr) {
				next.ServeHTTP(w, r)
				return
			}

			limiter := set.For(class)
			decision := limiter.Allow(keyFn(r))

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))
			h.Set("X-RateLimit-Strategy", limiter.Strategy())

			if !decision.Allowed {
				m.RecordRateLimited(r.Context(), limiter.Strategy(), string(class))
				retry := time.Until(decision.Reset)
				httperr.Write(w, httperr.RateLimited(retry))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
