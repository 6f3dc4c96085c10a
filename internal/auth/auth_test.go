package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voxgate/voxgate/internal/auth"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/httperr"
)

func TestExtractCredential(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"none", nil, ""},
		{"bearer", map[string]string{"Authorization": "Bearer sk-abc"}, "sk-abc"},
		{"bearer trims", map[string]string{"Authorization": "Bearer  sk-abc "}, "sk-abc"},
		{"basic ignored", map[string]string{"Authorization": "Basic dXNlcg=="}, ""},
		{"x-api-key", map[string]string{"X-API-Key": "gw-123"}, "gw-123"},
		{"openai header", map[string]string{"OpenAI-API-Key": "sk-xyz"}, "sk-xyz"},
		{
			"bearer wins over x-api-key",
			map[string]string{"Authorization": "Bearer first", "X-API-Key": "second"},
			"first",
		},
		{
			"x-api-key wins over openai header",
			map[string]string{"X-API-Key": "first", "OpenAI-API-Key": "second"},
			"first",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := auth.ExtractCredential(r); got != tt.want {
				t.Errorf("ExtractCredential() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAuthenticateGatewayKey(t *testing.T) {
	store := auth.NewMemoryStore([]config.KeyConfig{{Key: "gw-test", Name: "ci"}})
	a := auth.NewAuthenticator(store, auth.NewUsageTracker(), true)

	info, err := a.Authenticate(context.Background(), "gw-test")
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if info.Kind != auth.KindGateway {
		t.Errorf("Kind = %q, want %q", info.Kind, auth.KindGateway)
	}
	if info.Name != "ci" {
		t.Errorf("Name = %q, want %q", info.Name, "ci")
	}
}

func TestAuthenticateMissingKey(t *testing.T) {
	a := auth.NewAuthenticator(auth.NewMemoryStore(nil), auth.NewUsageTracker(), true)

	_, err := a.Authenticate(context.Background(), "")
	var he *httperr.Error
	if !errors.As(err, &he) || he.Status != http.StatusUnauthorized {
		t.Fatalf("Authenticate(\"\") = %v, want 401", err)
	}
}

func TestAuthenticateClientKeyFirstSight(t *testing.T) {
	store := auth.NewMemoryStore(nil)
	a := auth.NewAuthenticator(store, auth.NewUsageTracker(), true)

	info, err := a.Authenticate(context.Background(), "sk-client-key-1")
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if info.Kind != auth.KindClient {
		t.Errorf("Kind = %q, want %q", info.Kind, auth.KindClient)
	}
	if info.Provider != "openai" {
		t.Errorf("Provider = %q, want openai", info.Provider)
	}
	if info.Quota.RequestsPerHour == 0 {
		t.Error("client key registered with unlimited quota")
	}

	// Second sight resolves the same identity.
	again, err := a.Authenticate(context.Background(), "sk-client-key-1")
	if err != nil {
		t.Fatalf("second Authenticate() error: %v", err)
	}
	if again.ID != info.ID {
		t.Errorf("second resolve ID = %q, want %q", again.ID, info.ID)
	}
}

func TestAuthenticateClientKeysDisabled(t *testing.T) {
	a := auth.NewAuthenticator(auth.NewMemoryStore(nil), auth.NewUsageTracker(), false)

	_, err := a.Authenticate(context.Background(), "AIzaSyFakeGeminiKey")
	var he *httperr.Error
	if !errors.As(err, &he) || he.Status != http.StatusUnauthorized {
		t.Fatalf("Authenticate() = %v, want 401 when client keys disabled", err)
	}
}

func TestAuthenticateDisabledKey(t *testing.T) {
	store := auth.NewMemoryStore(nil)
	err := store.Register(context.Background(), "gw-off", &auth.KeyInfo{
		ID: "k1", Kind: auth.KindGateway, Enabled: false,
	})
	if err != nil {
		t.Fatal(err)
	}
	a := auth.NewAuthenticator(store, auth.NewUsageTracker(), true)

	_, err = a.Authenticate(context.Background(), "gw-off")
	var he *httperr.Error
	if !errors.As(err, &he) || he.Status != http.StatusForbidden {
		t.Fatalf("Authenticate(disabled) = %v, want 403", err)
	}
}

func TestMiddlewareAttachesIdentity(t *testing.T) {
	store := auth.NewMemoryStore([]config.KeyConfig{{Key: "gw-mw", Name: "mw"}})
	a := auth.NewAuthenticator(store, auth.NewUsageTracker(), true)

	var seen *auth.Identity
	h := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	r.Header.Set("Authorization", "Bearer gw-mw")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if seen == nil || seen.Info.Name != "mw" {
		t.Fatalf("identity not attached: %+v", seen)
	}

	hourly, _ := a.Usage().Snapshot(seen.Info.ID)
	if hourly.Requests != 1 {
		t.Errorf("hourly requests = %d, want 1", hourly.Requests)
	}
}

func TestMiddlewareRejectsUnauthenticated(t *testing.T) {
	a := auth.NewAuthenticator(auth.NewMemoryStore(nil), auth.NewUsageTracker(), true)
	h := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be reached")
	}))

	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestMiddlewareOpenPaths(t *testing.T) {
	a := auth.NewAuthenticator(auth.NewMemoryStore(nil), auth.NewUsageTracker(), true)
	h := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/health", "/health/detailed", "/metrics"} {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200 without credentials", path, w.Code)
		}
	}
}

func TestMiddlewareQuotaExceeded(t *testing.T) {
	store := auth.NewMemoryStore(nil)
	err := store.Register(context.Background(), "gw-tiny", &auth.KeyInfo{
		ID: "tiny", Kind: auth.KindGateway, Enabled: true,
		Quota: auth.Quota{RequestsPerHour: 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	a := auth.NewAuthenticator(store, auth.NewUsageTracker(), true)
	h := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		r.Header.Set("X-API-Key", "gw-tiny")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		codes = append(codes, w.Code)
	}
	want := []int{200, 200, 429}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("request %d: status = %d, want %d", i+1, codes[i], want[i])
		}
	}
}

func TestRateKey(t *testing.T) {
	t.Run("authenticated", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		ctx := auth.WithIdentity(r.Context(), &auth.Identity{Info: &auth.KeyInfo{ID: "abc"}})
		if got := auth.RateKey(r.WithContext(ctx)); got != "api:abc" {
			t.Errorf("RateKey() = %q, want api:abc", got)
		}
	})
	t.Run("credential header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		r.Header.Set("X-API-Key", "raw-key")
		if got := auth.RateKey(r); got != "api:raw-key" {
			t.Errorf("RateKey() = %q, want api:raw-key", got)
		}
	})
	t.Run("user header", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		r.Header.Set("X-User-ID", "u1")
		if got := auth.RateKey(r); got != "user:u1" {
			t.Errorf("RateKey() = %q, want user:u1", got)
		}
	})
	t.Run("ip fallback", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		r.RemoteAddr = "10.1.2.3:40000"
		if got := auth.RateKey(r); got != "ip:10.1.2.3" {
			t.Errorf("RateKey() = %q, want ip:10.1.2.3", got)
		}
	})
}

func TestProviderForCredential(t *testing.T) {
	tests := []struct {
		credential string
		want       string
	}{
		{"sk-abcdef", "openai"},
		{"AIzaSyExample", "gemini"},
		{"gw-internal", ""},
		{"sk-", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := auth.ProviderForCredential(tt.credential); got != tt.want {
			t.Errorf("ProviderForCredential(%q) = %q, want %q", tt.credential, got, tt.want)
		}
	}
}
