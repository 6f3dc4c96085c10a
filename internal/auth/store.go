package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxgate/voxgate/internal/config"
)

// ErrUnknownKey is returned by [KeyStore.Resolve] for credentials with no
// registered KeyInfo.
var ErrUnknownKey = errors.New("auth: unknown API key")

// KeyStore maps credential values to [KeyInfo] records.
// Implementations must be safe for concurrent use.
type KeyStore interface {
	// Resolve returns the KeyInfo for credential, or [ErrUnknownKey].
	Resolve(ctx context.Context, credential string) (*KeyInfo, error)

	// Register stores info under credential, replacing any existing record.
	Register(ctx context.Context, credential string, info *KeyInfo) error

	// Remove deletes the record for credential. Removing an absent
	// credential is not an error.
	Remove(ctx context.Context, credential string) error

	// List returns all registered KeyInfos.
	List(ctx context.Context) ([]*KeyInfo, error)
}

// MemoryStore is the in-process [KeyStore]. Keys live for the process
// lifetime; gateway keys are seeded from configuration at startup.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*KeyInfo
}

// Compile-time interface check.
var _ KeyStore = (*MemoryStore)(nil)

// NewMemoryStore creates a store seeded with the configured gateway keys.
func NewMemoryStore(seed []config.KeyConfig) *MemoryStore {
	s := &MemoryStore{keys: make(map[string]*KeyInfo, len(seed))}
	for _, k := range seed {
		s.keys[k.Key] = &KeyInfo{
			ID:        uuid.NewString(),
			Name:      k.Name,
			Kind:      KindGateway,
			Enabled:   true,
			RPM:       k.RPM,
			CreatedAt: time.Now(),
			Quota: Quota{
				RequestsPerHour: k.Quota.RequestsPerHour,
				RequestsPerDay:  k.Quota.RequestsPerDay,
				TokensPerHour:   k.Quota.TokensPerHour,
				TokensPerDay:    k.Quota.TokensPerDay,
			},
		}
	}
	return s
}

// Resolve implements [KeyStore].
func (s *MemoryStore) Resolve(_ context.Context, credential string) (*KeyInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.keys[credential]
	if !ok {
		return nil, ErrUnknownKey
	}
	cp := *info
	return &cp, nil
}

// Register implements [KeyStore].
func (s *MemoryStore) Register(_ context.Context, credential string, info *KeyInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *info
	s.keys[credential] = &cp
	return nil
}

// Remove implements [KeyStore].
func (s *MemoryStore) Remove(_ context.Context, credential string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, credential)
	return nil
}

// List implements [KeyStore].
func (s *MemoryStore) List(_ context.Context) ([]*KeyInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*KeyInfo, 0, len(s.keys))
	for _, info := range s.keys {
		cp := *info
		out = append(out, &cp)
	}
	return out, nil
}
