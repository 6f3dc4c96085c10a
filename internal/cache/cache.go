package cache

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/observe"
)

const (
	// expiredSweepInterval is how often lapsed entries are cleared on
	// backends without autonomous expiry.
	expiredSweepInterval = 5 * time.Minute

	// ageSweepInterval and maxEntryAge implement the safety floor: no entry
	// outlives a day regardless of its TTL.
	ageSweepInterval = time.Hour
	maxEntryAge      = 24 * time.Hour
)

// cacheablePaths lists the POST routes eligible for caching.
var cacheablePaths = map[string]bool{
	"/v1/chat/completions": true,
	"/v1/embeddings":       true,
	"/v1/models":           true,
}

// Criteria selects entries for [RequestCache.Invalidate]. Fields combine as
// alternatives; the first non-zero one in declaration order wins.
type Criteria struct {
	// ClearAll drops every entry.
	ClearAll bool

	// Pattern is a glob matched against keys.
	Pattern string

	// Model scopes deletion to one model's hierarchical keys.
	Model string

	// Provider scopes deletion to one provider's hierarchical keys.
	Provider string

	// OlderThan drops entries created before now-OlderThan.
	OlderThan time.Duration

	// ExpiredOnly drops only entries whose TTL has lapsed.
	ExpiredOnly bool
}

// HealthStatus is the result of a [RequestCache.HealthCheck] round trip.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Backend string `json:"backend"`
	Detail  string `json:"detail,omitempty"`
}

// RequestCache decides cacheability, derives fingerprints, and fronts the
// configured [Backend] with telemetry. Backend failures never surface to the
// request path: a failed get is a miss, a failed set is dropped.
type RequestCache struct {
	backend     Backend
	backendName string
	fp          *Fingerprinter
	ttl         time.Duration
	policy      config.CachePolicy
	metrics     *observe.Metrics
	tel         *telemetry
	now         func() time.Time
}

// New creates a request cache over backend using cfg's key strategy, TTL and
// policy.
func New(backend Backend, cfg config.CacheConfig) *RequestCache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	policy := cfg.Policy
	if !policy.IsValid() {
		policy = config.PolicyStrict
	}
	return &RequestCache{
		backend:     backend,
		backendName: string(cfg.Backend),
		fp:          NewFingerprinter(cfg.KeyStrategy, cfg.KeyLength),
		ttl:         ttl,
		policy:      policy,
		metrics:     observe.DefaultMetrics(),
		tel:         newTelemetry(),
		now:         time.Now,
	}
}

// TTL returns the configured default entry lifetime.
func (c *RequestCache) TTL() time.Duration { return c.ttl }

// Cacheable reports whether a request may be served from or stored into the
// cache. GET requests on API paths always qualify. POST requests qualify only
// on listed routes and never when they stream: fingerprints strip the stream
// flag, so a cached JSON body could otherwise answer an SSE request. The
// strict policy additionally refuses bodies carrying a per-user identifier.
func (c *RequestCache) Cacheable(method, path string, req *Request) bool {
	switch method {
	case http.MethodGet:
		return strings.HasPrefix(path, "/v1/")
	case http.MethodPost:
		if !cacheablePaths[path] || req == nil || req.Streaming() {
			return false
		}
		if c.policy == config.PolicyPermissive {
			return true
		}
		return !req.PerUser()
	default:
		return false
	}
}

// Key returns the fingerprint for req under the configured strategy.
func (c *RequestCache) Key(req *Request) string {
	return c.fp.Key(req)
}

// Get looks up key. A backend error counts as a miss and is recorded, never
// returned.
func (c *RequestCache) Get(ctx context.Context, key, endpoint, model string) (*Entry, bool) {
	start := c.now()
	entry, found, err := c.backend.Get(ctx, key)
	elapsed := c.now().Sub(start)

	if err != nil {
		c.tel.errorf("get:" + errName(err))
		c.metrics.RecordCacheLookup(ctx, "error")
		c.tel.lookup(endpoint, model, false, elapsed)
		slog.Debug("cache get failed", "key", key, "err", err)
		return nil, false
	}
	if !found {
		c.metrics.RecordCacheLookup(ctx, "miss")
		c.tel.lookup(endpoint, model, false, elapsed)
		return nil, false
	}
	c.metrics.RecordCacheLookup(ctx, "hit")
	c.tel.lookup(endpoint, entry.Model, true, elapsed)
	return entry, true
}

// Set stores entry under key with the default TTL. Errors are recorded and
// swallowed.
func (c *RequestCache) Set(ctx context.Context, key string, entry *Entry) bool {
	entry.CreatedAt = c.now()
	if err := c.backend.Set(ctx, key, entry, c.ttl); err != nil {
		c.tel.errorf("set:" + errName(err))
		slog.Debug("cache set failed", "key", key, "err", err)
		return false
	}
	return true
}

// Delete removes one key.
func (c *RequestCache) Delete(ctx context.Context, key string) bool {
	ok, err := c.backend.Delete(ctx, key)
	if err != nil {
		c.tel.errorf("delete:" + errName(err))
		return false
	}
	return ok
}

// Clear drops every entry.
func (c *RequestCache) Clear(ctx context.Context) bool {
	if err := c.backend.Clear(ctx); err != nil {
		c.tel.errorf("clear:" + errName(err))
		return false
	}
	return true
}

// Invalidate removes entries matching crit and returns how many were
// dropped. Model- and provider-scoped criteria build hierarchical-key globs;
// on other key strategies they fall back to inspecting entry metadata.
func (c *RequestCache) Invalidate(ctx context.Context, crit Criteria) (int, error) {
	switch {
	case crit.ClearAll:
		n, _ := c.backend.Len(ctx)
		if err := c.backend.Clear(ctx); err != nil {
			return 0, err
		}
		return n, nil

	case crit.Pattern != "":
		return c.backend.DeletePattern(ctx, crit.Pattern)

	case crit.Model != "":
		n, err := c.backend.DeletePattern(ctx, "llm_gateway:*:"+crit.Model+":*")
		if err != nil {
			return n, err
		}
		m, err := c.backend.DeleteIf(ctx, func(_ string, e *Entry) bool {
			return e.Model == crit.Model
		})
		return n + m, err

	case crit.Provider != "":
		n, err := c.backend.DeletePattern(ctx, "llm_gateway:"+crit.Provider+":*")
		if err != nil {
			return n, err
		}
		m, err := c.backend.DeleteIf(ctx, func(_ string, e *Entry) bool {
			return e.Provider == crit.Provider
		})
		return n + m, err

	case crit.OlderThan > 0:
		cutoff := c.now().Add(-crit.OlderThan)
		return c.backend.DeleteIf(ctx, func(_ string, e *Entry) bool {
			return e.CreatedAt.Before(cutoff)
		})

	case crit.ExpiredOnly:
		now := c.now()
		return c.backend.DeleteIf(ctx, func(_ string, e *Entry) bool {
			return e.Expired(now)
		})

	default:
		return 0, fmt.Errorf("cache: empty invalidation criteria")
	}
}

// Stats returns a traffic snapshot.
func (c *RequestCache) Stats(ctx context.Context) Stats {
	entries, err := c.backend.Len(ctx)
	if err != nil {
		c.tel.errorf("len:" + errName(err))
	}
	return c.tel.snapshot(entries)
}

// HealthCheck writes, reads back, and deletes a probe entry with a 1 s TTL,
// failing unless the round trip agrees byte for byte.
func (c *RequestCache) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{Backend: c.backendName}
	key := "healthcheck:" + uuid.NewString()
	probe := &Entry{Status: http.StatusOK, Body: []byte(`{"probe":true}`), CreatedAt: c.now()}

	if err := c.backend.Set(ctx, key, probe, time.Second); err != nil {
		status.Detail = "write failed: " + err.Error()
		return status
	}
	got, found, err := c.backend.Get(ctx, key)
	if err != nil || !found {
		status.Detail = "read-back failed"
		return status
	}
	if !bytes.Equal(got.Body, probe.Body) {
		status.Detail = "round trip mismatch"
		return status
	}
	if _, err := c.backend.Delete(ctx, key); err != nil {
		status.Detail = "delete failed: " + err.Error()
		return status
	}
	status.Healthy = true
	return status
}

// Run drives the periodic sweeps until ctx is cancelled: expired entries
// every five minutes, the 24 h age floor hourly.
func (c *RequestCache) Run(ctx context.Context) {
	expired := time.NewTicker(expiredSweepInterval)
	aged := time.NewTicker(ageSweepInterval)
	defer expired.Stop()
	defer aged.Stop()

	for {
		select {
		case <-expired.C:
			if n, err := c.Invalidate(ctx, Criteria{ExpiredOnly: true}); err == nil && n > 0 {
				slog.Debug("swept expired cache entries", "count", n)
			}
		case <-aged.C:
			if n, err := c.Invalidate(ctx, Criteria{OlderThan: maxEntryAge}); err == nil && n > 0 {
				slog.Debug("swept aged cache entries", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close releases the backend.
func (c *RequestCache) Close() error {
	return c.backend.Close()
}

func errName(err error) string {
	name := fmt.Sprintf("%T", err)
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return strings.TrimPrefix(name, "*")
}
