package auth

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxgate/voxgate/internal/httperr"
)

// identityKey is the context key under which the resolved [Identity] is
// stored.
type identityKey struct{}

// Identity is the authenticated caller attached to a request context.
type Identity struct {
	// Credential is the raw key value the client presented.
	Credential string

	// Info is the resolved key record.
	Info *KeyInfo
}

// FromContext returns the authenticated identity, if any.
func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok
}

// WithIdentity returns a context carrying id. Exposed for tests and for the
// realtime accept path, which authenticates before upgrading.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// ExtractCredential returns the first credential found in the supported
// headers, in precedence order: Authorization bearer, X-API-Key,
// OpenAI-API-Key. Empty when none is present.
func ExtractCredential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if h := r.Header.Get("X-API-Key"); h != "" {
		return strings.TrimSpace(h)
	}
	if h := r.Header.Get("OpenAI-API-Key"); h != "" {
		return strings.TrimSpace(h)
	}
	return ""
}

// Authenticator resolves credentials and enforces quotas.
type Authenticator struct {
	store           KeyStore
	usage           *UsageTracker
	allowClientKeys bool
	anonymous       *KeyInfo
}

// NewAuthenticator creates an authenticator over the given store and usage
// tracker.
func NewAuthenticator(store KeyStore, usage *UsageTracker, allowClientKeys bool) *Authenticator {
	return &Authenticator{store: store, usage: usage, allowClientKeys: allowClientKeys}
}

// NewAnonymousAuthenticator returns the authenticator used when
// authentication is disabled: every request, credentialed or not, resolves to
// one shared anonymous identity carrying client-tier quotas.
func NewAnonymousAuthenticator(usage *UsageTracker) *Authenticator {
	return &Authenticator{
		usage: usage,
		anonymous: &KeyInfo{
			ID:        "anonymous",
			Name:      "anonymous",
			Kind:      KindClient,
			Enabled:   true,
			Quota:     clientQuota,
			CreatedAt: time.Now(),
		},
	}
}

// Usage returns the tracker, for post-response token recording.
func (a *Authenticator) Usage() *UsageTracker { return a.usage }

// Authenticate resolves credential to a KeyInfo. Unknown credentials that
// look like provider keys are registered as client keys on first sight when
// client keys are allowed.
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (*KeyInfo, error) {
	if a.anonymous != nil {
		return a.anonymous, nil
	}
	if credential == "" {
		return nil, httperr.Authentication("missing_key", "no API key supplied")
	}

	info, err := a.store.Resolve(ctx, credential)
	switch {
	case err == nil:
		if !info.Enabled {
			return nil, httperr.Authorization("key_disabled", "this API key has been disabled")
		}
		return info, nil

	case errors.Is(err, ErrUnknownKey):
		provider := ProviderForCredential(credential)
		if provider == "" || !a.allowClientKeys {
			return nil, httperr.Authentication("invalid_key", "unrecognised API key")
		}
		// First sight of a client provider key: register it with the
		// tighter client-tier quota.
		info = &KeyInfo{
			ID:        uuid.NewString(),
			Name:      "client-" + provider,
			Kind:      KindClient,
			Provider:  provider,
			Enabled:   true,
			Quota:     clientQuota,
			CreatedAt: time.Now(),
		}
		if regErr := a.store.Register(ctx, credential, info); regErr != nil {
			slog.Warn("failed to register client key", "provider", provider, "err", regErr)
		}
		return info, nil

	default:
		return nil, httperr.Internal(err)
	}
}

// Middleware authenticates the request, checks quota, records the request
// against usage counters, and stores the identity in the request context.
// Health and metrics paths pass through unauthenticated.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isOpenPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			credential := ExtractCredential(r)
			info, err := a.Authenticate(r.Context(), credential)
			if err != nil {
				httperr.Write(w, err)
				return
			}

			if err := a.usage.CheckQuota(info.ID, info.Quota); err != nil {
				httperr.Write(w, err)
				return
			}
			// Request counts are recorded pre-dispatch; token counts arrive
			// post-response via RecordTokens.
			a.usage.RecordRequest(info.ID)

			ctx := WithIdentity(r.Context(), &Identity{Credential: credential, Info: info})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateKey resolves the limiter key for a request: api:{key} when
// authenticated, user:{id} when the caller supplied one, ip:{addr} otherwise.
func RateKey(r *http.Request) string {
	if id, ok := FromContext(r.Context()); ok {
		return "api:" + id.Info.ID
	}
	if credential := ExtractCredential(r); credential != "" {
		return "api:" + credential
	}
	if user := r.Header.Get("X-User-ID"); user != "" {
		return "user:" + user
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

func isOpenPath(path string) bool {
	return path == "/health" || strings.HasPrefix(path, "/health/") || path == "/metrics"
}

// RunReaper drops usage windows older than the retention period on the given
// cadence until ctx is cancelled.
func (u *UsageTracker) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := u.Reap(); n > 0 {
				slog.Debug("reaped usage windows", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
