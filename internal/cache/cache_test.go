package cache

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voxgate/voxgate/internal/config"
)

func newTestCache(t *testing.T, cfg config.CacheConfig) (*RequestCache, *MemoryBackend) {
	t.Helper()
	backend, err := NewMemoryBackend(cfg.MaxSize)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Backend == "" {
		cfg.Backend = config.CacheMemory
	}
	c := New(backend, cfg)
	t.Cleanup(func() { c.Close() })
	return c, backend
}

func TestMemoryBackendTTL(t *testing.T) {
	backend, err := NewMemoryBackend(10)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	backend.now = func() time.Time { return now }

	ctx := context.Background()
	entry := &Entry{Status: 200, Body: []byte(`{"ok":true}`)}
	if err := backend.Set(ctx, "k", entry, time.Minute); err != nil {
		t.Fatal(err)
	}

	if _, found, _ := backend.Get(ctx, "k"); !found {
		t.Fatal("entry missing before TTL")
	}

	now = now.Add(time.Minute + time.Second)
	if _, found, _ := backend.Get(ctx, "k"); found {
		t.Fatal("entry still served after TTL")
	}
	if n, _ := backend.Len(ctx); n != 0 {
		t.Errorf("Len() = %d after expiry read, want 0", n)
	}
}

func TestMemoryBackendLRUEviction(t *testing.T) {
	backend, err := NewMemoryBackend(2)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		backend.Set(ctx, k, &Entry{Status: 200}, time.Minute)
	}
	if _, found, _ := backend.Get(ctx, "a"); found {
		t.Error("oldest entry survived past the size cap")
	}
	if _, found, _ := backend.Get(ctx, "c"); !found {
		t.Error("newest entry evicted")
	}
}

func TestMemoryBackendDeletePattern(t *testing.T) {
	backend, err := NewMemoryBackend(10)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	backend.Set(ctx, "llm_gateway:openai:gpt-4o:chat:aaa", &Entry{}, time.Minute)
	backend.Set(ctx, "llm_gateway:openai:gpt-4o:chat:bbb", &Entry{}, time.Minute)
	backend.Set(ctx, "llm_gateway:gemini:flash:chat:ccc", &Entry{}, time.Minute)

	n, err := backend.DeletePattern(ctx, "llm_gateway:openai:*")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("DeletePattern() = %d, want 2", n)
	}
	if left, _ := backend.Len(ctx); left != 1 {
		t.Errorf("Len() = %d, want 1", left)
	}
}

func TestCacheableStrictPolicy(t *testing.T) {
	c, _ := newTestCache(t, config.CacheConfig{Policy: config.PolicyStrict})

	streaming, _ := Normalize("openai", "/v1/chat/completions", []byte(`{"model":"m","stream":true}`))
	perUser, _ := Normalize("openai", "/v1/chat/completions", []byte(`{"model":"m","user":"u1"}`))
	plain, _ := Normalize("openai", "/v1/chat/completions", []byte(`{"model":"m"}`))

	tests := []struct {
		name   string
		method string
		path   string
		req    *Request
		want   bool
	}{
		{"get api path", http.MethodGet, "/v1/models", nil, true},
		{"get non-api path", http.MethodGet, "/health", nil, false},
		{"post chat", http.MethodPost, "/v1/chat/completions", plain, true},
		{"post unlisted route", http.MethodPost, "/v1/audio/speech", plain, false},
		{"post streaming", http.MethodPost, "/v1/chat/completions", streaming, false},
		{"post per-user", http.MethodPost, "/v1/chat/completions", perUser, false},
		{"delete", http.MethodDelete, "/v1/models", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Cacheable(tt.method, tt.path, tt.req); got != tt.want {
				t.Errorf("Cacheable(%s %s) = %v, want %v", tt.method, tt.path, got, tt.want)
			}
		})
	}
}

func TestCacheablePermissivePolicy(t *testing.T) {
	c, _ := newTestCache(t, config.CacheConfig{Policy: config.PolicyPermissive})

	perUser, _ := Normalize("openai", "/v1/chat/completions", []byte(`{"model":"m","user":"u1"}`))
	if !c.Cacheable(http.MethodPost, "/v1/chat/completions", perUser) {
		t.Error("permissive policy rejected a per-user body on a listed route")
	}

	// Fingerprints strip the stream flag, so caching a streamed request
	// would answer later SSE requests with a stored JSON body.
	streaming, _ := Normalize("openai", "/v1/chat/completions", []byte(`{"model":"m","stream":true}`))
	if c.Cacheable(http.MethodPost, "/v1/chat/completions", streaming) {
		t.Error("permissive policy accepted a streaming body")
	}
}

func TestGetSwallowsBackendErrors(t *testing.T) {
	c := New(&failingBackend{}, config.CacheConfig{Backend: config.CacheMemory})

	if _, hit := c.Get(context.Background(), "k", "/v1/models", ""); hit {
		t.Fatal("backend error surfaced as a hit")
	}
	stats := c.tel.snapshot(0)
	if stats.Misses != 1 {
		t.Errorf("misses = %d, want 1", stats.Misses)
	}
	if stats.Errors != 1 {
		t.Errorf("errors = %d, want 1", stats.Errors)
	}
}

func TestInvalidateByModel(t *testing.T) {
	c, backend := newTestCache(t, config.CacheConfig{})
	ctx := context.Background()
	backend.Set(ctx, "k1", &Entry{Model: "gpt-4o"}, time.Minute)
	backend.Set(ctx, "k2", &Entry{Model: "gpt-4o"}, time.Minute)
	backend.Set(ctx, "k3", &Entry{Model: "flash"}, time.Minute)

	n, err := c.Invalidate(ctx, Criteria{Model: "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Invalidate(model) = %d, want 2", n)
	}
}

func TestInvalidateClearAll(t *testing.T) {
	c, backend := newTestCache(t, config.CacheConfig{})
	ctx := context.Background()
	backend.Set(ctx, "k1", &Entry{}, time.Minute)
	backend.Set(ctx, "k2", &Entry{}, time.Minute)

	n, err := c.Invalidate(ctx, Criteria{ClearAll: true})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Invalidate(clearAll) = %d, want 2", n)
	}
	if left, _ := backend.Len(ctx); left != 0 {
		t.Errorf("Len() = %d after clear, want 0", left)
	}
}

func TestStatsCounters(t *testing.T) {
	c, backend := newTestCache(t, config.CacheConfig{})
	ctx := context.Background()
	backend.Set(ctx, "hit-key", &Entry{Model: "gpt-4o"}, time.Minute)

	c.Get(ctx, "hit-key", "/v1/chat/completions", "gpt-4o")
	c.Get(ctx, "miss-key", "/v1/chat/completions", "gpt-4o")
	c.Get(ctx, "miss-key", "/v1/embeddings", "ada")

	stats := c.Stats(ctx)
	if stats.Hits != 1 || stats.Misses != 2 {
		t.Fatalf("hits/misses = %d/%d, want 1/2", stats.Hits, stats.Misses)
	}
	if got := stats.HitRate; got < 0.33 || got > 0.34 {
		t.Errorf("HitRate = %v, want ~0.333", got)
	}
	if len(stats.TopEndpoints) == 0 || stats.TopEndpoints[0].Name != "/v1/chat/completions" {
		t.Errorf("TopEndpoints = %+v, want chat/completions first", stats.TopEndpoints)
	}
}

func TestHealthCheckRoundTrip(t *testing.T) {
	c, _ := newTestCache(t, config.CacheConfig{})
	status := c.HealthCheck(context.Background())
	if !status.Healthy {
		t.Fatalf("HealthCheck() = %+v, want healthy", status)
	}

	broken := New(&failingBackend{}, config.CacheConfig{Backend: config.CacheMemory})
	if got := broken.HealthCheck(context.Background()); got.Healthy {
		t.Error("HealthCheck() healthy on a failing backend")
	}
}

func TestMiddlewareHitAndMiss(t *testing.T) {
	c, _ := newTestCache(t, config.CacheConfig{})
	calls := 0
	h := Middleware(c, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"resp-1"}`))
	}))

	body := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`
	do := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	first := do()
	if got := first.Header().Get("X-Cache"); got != "MISS" {
		t.Fatalf("first X-Cache = %q, want MISS", got)
	}

	second := do()
	if got := second.Header().Get("X-Cache"); got != "HIT" {
		t.Fatalf("second X-Cache = %q, want HIT", got)
	}
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
	if !bytes.Equal(second.Body.Bytes(), first.Body.Bytes()) {
		t.Error("replayed body differs from the original response")
	}
	if second.Header().Get("X-Cache-Key") == "" {
		t.Error("X-Cache-Key missing on hit")
	}
}

func TestMiddlewareNeverCachesStreaming(t *testing.T) {
	c, _ := newTestCache(t, config.CacheConfig{})
	calls := 0
	h := Middleware(c, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("data: {}\n\n"))
	}))

	body := `{"model":"m","messages":[{"role":"user","content":"hi"}],"stream":true}`
	for i := 0; i < 2; i++ {
		r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if got := w.Header().Get("X-Cache"); got == "HIT" {
			t.Fatalf("call %d: streaming request served from cache", i+1)
		}
	}
	if calls != 2 {
		t.Errorf("handler calls = %d, want 2", calls)
	}
}

func TestMiddlewareRestoresRequestBody(t *testing.T) {
	c, _ := newTestCache(t, config.CacheConfig{})
	body := `{"model":"m","messages":[{"role":"user","content":"hi"}]}`

	h := Middleware(c, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := new(bytes.Buffer)
		got.ReadFrom(r.Body)
		if got.String() != body {
			t.Errorf("handler saw body %q, want original", got.String())
		}
		w.Write([]byte(`{}`))
	}))

	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	h.ServeHTTP(httptest.NewRecorder(), r)
}

// failingBackend errors on every operation.
type failingBackend struct{}

var _ Backend = (*failingBackend)(nil)

func (f *failingBackend) Get(context.Context, string) (*Entry, bool, error) {
	return nil, false, context.DeadlineExceeded
}
func (f *failingBackend) Set(context.Context, string, *Entry, time.Duration) error {
	return context.DeadlineExceeded
}
func (f *failingBackend) Delete(context.Context, string) (bool, error) {
	return false, context.DeadlineExceeded
}
func (f *failingBackend) Clear(context.Context) error { return context.DeadlineExceeded }
func (f *failingBackend) DeletePattern(context.Context, string) (int, error) {
	return 0, context.DeadlineExceeded
}
func (f *failingBackend) DeleteIf(context.Context, func(string, *Entry) bool) (int, error) {
	return 0, context.DeadlineExceeded
}
func (f *failingBackend) Len(context.Context) (int, error) { return 0, context.DeadlineExceeded }
func (f *failingBackend) Close() error                     { return nil }
