package cache

import (
	"context"
	"time"
)

// Entry is a stored response. The body is kept byte-identical to the
// outbound response that produced it so a hit can be replayed verbatim.
type Entry struct {
	Status      int       `json:"status"`
	Body        []byte    `json:"body"`
	ContentType string    `json:"content_type"`
	Model       string    `json:"model,omitempty"`
	Provider    string    `json:"provider,omitempty"`
	Endpoint    string    `json:"endpoint,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the entry's TTL has lapsed at t.
func (e *Entry) Expired(t time.Time) bool {
	return !e.ExpiresAt.IsZero() && t.After(e.ExpiresAt)
}

// Backend is the pluggable store behind [RequestCache].
// Implementations must be safe for concurrent use.
type Backend interface {
	// Get returns the entry for key, or found=false. Expired entries are
	// treated as absent.
	Get(ctx context.Context, key string) (entry *Entry, found bool, err error)

	// Set stores entry under key for ttl.
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error

	// Delete removes key, reporting whether it was present.
	Delete(ctx context.Context, key string) (bool, error)

	// Clear removes every entry.
	Clear(ctx context.Context) error

	// DeletePattern removes entries whose keys match a glob pattern and
	// returns how many were removed.
	DeletePattern(ctx context.Context, pattern string) (int, error)

	// DeleteIf removes entries for which keep returns false and returns how
	// many were removed. Backends with autonomous expiry may treat
	// expiry-only predicates as a no-op.
	DeleteIf(ctx context.Context, drop func(key string, entry *Entry) bool) (int, error)

	// Len returns the number of live entries.
	Len(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}
