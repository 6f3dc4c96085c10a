package cache

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxCacheableBody bounds how much response body the middleware will buffer
// for storage.
const maxCacheableBody = 4 << 20

// ProviderFunc resolves the upstream provider for a request, used to scope
// fingerprints and provider-targeted invalidation. body is the consumed POST
// body (nil on GET). Returning "" is allowed; keys then omit the provider.
type ProviderFunc func(r *http.Request, body []byte) string

// Middleware serves cacheable requests from the cache and stores successful
// responses on the way out. Hits carry X-Cache: HIT and never reach the next
// handler; misses carry X-Cache: MISS plus the key and TTL for observability.
func Middleware(c *RequestCache, provider ProviderFunc) func(http.Handler) http.Handler {
	if provider == nil {
		provider = func(*http.Request, []byte) string { return "" }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req, body, ok := normalizeRequest(c, provider, r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			if body != nil {
				r.Body = io.NopCloser(bytes.NewReader(body))
			}

			key := c.Key(req)
			ttlSeconds := strconv.Itoa(int(c.TTL() / time.Second))

			if entry, hit := c.Get(r.Context(), key, r.URL.Path, req.Model); hit {
				h := w.Header()
				h.Set("X-Cache", "HIT")
				h.Set("X-Cache-Key", key)
				h.Set("X-Cache-TTL", ttlSeconds)
				if entry.ContentType != "" {
					h.Set("Content-Type", entry.ContentType)
				}
				w.WriteHeader(entry.Status)
				w.Write(entry.Body)
				return
			}

			w.Header().Set("X-Cache", "MISS")
			w.Header().Set("X-Cache-Key", key)
			w.Header().Set("X-Cache-TTL", ttlSeconds)

			rec := &captureWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.storable() {
				c.Set(r.Context(), key, &Entry{
					Status:      rec.status,
					Body:        rec.body.Bytes(),
					ContentType: rec.Header().Get("Content-Type"),
					Model:       req.Model,
					Provider:    req.Provider,
					Endpoint:    r.URL.Path,
				})
			}
		})
	}
}

// normalizeRequest parses and classifies the request, returning ok=false for
// anything that must bypass the cache. The consumed body is returned so the
// caller can restore it.
func normalizeRequest(c *RequestCache, provider ProviderFunc, r *http.Request) (*Request, []byte, bool) {
	var body []byte
	if r.Method == http.MethodPost {
		if !cacheablePaths[r.URL.Path] {
			return nil, nil, false
		}
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxCacheableBody+1))
		r.Body.Close()
		if err != nil || len(body) > maxCacheableBody {
			return nil, body, false
		}
	}

	req, err := Normalize(provider(r, body), r.URL.Path, body)
	if err != nil {
		return nil, body, false
	}
	if !c.Cacheable(r.Method, r.URL.Path, req) {
		return nil, body, false
	}
	return req, body, true
}

// captureWriter tees the response into a bounded buffer while writing
// through. Streaming responses disqualify themselves via Flush.
type captureWriter struct {
	http.ResponseWriter
	status   int
	wrote    bool
	flushed  bool
	overflow bool
	body     bytes.Buffer
}

func (cw *captureWriter) WriteHeader(status int) {
	cw.status = status
	cw.wrote = true
	cw.ResponseWriter.WriteHeader(status)
}

func (cw *captureWriter) Write(p []byte) (int, error) {
	cw.wrote = true
	if cw.body.Len()+len(p) > maxCacheableBody {
		cw.overflow = true
	} else {
		cw.body.Write(p)
	}
	return cw.ResponseWriter.Write(p)
}

func (cw *captureWriter) Flush() {
	cw.flushed = true
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// storable reports whether the captured response may be cached: a complete,
// non-streamed 200 JSON body within the size bound.
func (cw *captureWriter) storable() bool {
	if !cw.wrote || cw.flushed || cw.overflow || cw.status != http.StatusOK {
		return false
	}
	ct := cw.Header().Get("Content-Type")
	return ct == "" || strings.HasPrefix(ct, "application/json")
}
