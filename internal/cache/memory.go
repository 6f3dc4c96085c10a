package cache

import (
	"context"
	"path"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryBackend is the in-process [Backend]: LRU eviction at a fixed entry
// cap with per-entry TTL checked on read. Expired entries linger until read
// or swept by [RequestCache]'s periodic sweep.
type MemoryBackend struct {
	entries *lru.Cache[string, *Entry]
	now     func() time.Time
}

// Compile-time interface check.
var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates a backend holding at most maxSize entries.
func NewMemoryBackend(maxSize int) (*MemoryBackend, error) {
	if maxSize <= 0 {
		maxSize = 1000
	}
	entries, err := lru.New[string, *Entry](maxSize)
	if err != nil {
		return nil, err
	}
	return &MemoryBackend{entries: entries, now: time.Now}, nil
}

// Get implements [Backend]. Expired entries are dropped on read.
func (m *MemoryBackend) Get(_ context.Context, key string) (*Entry, bool, error) {
	entry, ok := m.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	if entry.Expired(m.now()) {
		m.entries.Remove(key)
		return nil, false, nil
	}
	return entry, true, nil
}

// Set implements [Backend].
func (m *MemoryBackend) Set(_ context.Context, key string, entry *Entry, ttl time.Duration) error {
	cp := *entry
	if ttl > 0 {
		cp.ExpiresAt = m.now().Add(ttl)
	}
	m.entries.Add(key, &cp)
	return nil
}

// Delete implements [Backend].
func (m *MemoryBackend) Delete(_ context.Context, key string) (bool, error) {
	return m.entries.Remove(key), nil
}

// Clear implements [Backend].
func (m *MemoryBackend) Clear(_ context.Context) error {
	m.entries.Purge()
	return nil
}

// DeletePattern implements [Backend] with a linear scan over live keys.
func (m *MemoryBackend) DeletePattern(_ context.Context, pattern string) (int, error) {
	removed := 0
	for _, key := range m.entries.Keys() {
		if ok, _ := path.Match(pattern, key); ok {
			if m.entries.Remove(key) {
				removed++
			}
		}
	}
	return removed, nil
}

// DeleteIf implements [Backend].
func (m *MemoryBackend) DeleteIf(_ context.Context, drop func(key string, entry *Entry) bool) (int, error) {
	removed := 0
	for _, key := range m.entries.Keys() {
		entry, ok := m.entries.Peek(key)
		if !ok {
			continue
		}
		if drop(key, entry) {
			if m.entries.Remove(key) {
				removed++
			}
		}
	}
	return removed, nil
}

// Len implements [Backend].
func (m *MemoryBackend) Len(_ context.Context) (int, error) {
	return m.entries.Len(), nil
}

// Close implements [Backend].
func (m *MemoryBackend) Close() error {
	m.entries.Purge()
	return nil
}
