package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/voxgate/voxgate/pkg/provider"
	"github.com/voxgate/voxgate/pkg/provider/chat"
)

// Compile-time interface check.
var _ chat.Provider = (*GuardedProvider)(nil)

// GuardedProvider wraps a chat.Provider with a circuit breaker. An open
// breaker surfaces as a 502 provider error without touching the upstream.
type GuardedProvider struct {
	inner   chat.Provider
	breaker *Breaker
}

// Guard wraps p with cfg's breaker. The breaker name defaults to the
// provider name.
func Guard(p chat.Provider, cfg Config) *GuardedProvider {
	if cfg.Name == "" {
		cfg.Name = p.Name()
	}
	return &GuardedProvider{inner: p, breaker: New(cfg)}
}

// Breaker exposes the underlying breaker, for health reporting.
func (g *GuardedProvider) Breaker() *Breaker { return g.breaker }

// Name implements chat.Provider.
func (g *GuardedProvider) Name() string { return g.inner.Name() }

// do wraps one call, translating ErrOpen into the wire error shape.
func (g *GuardedProvider) do(fn func() error) error {
	err := g.breaker.Do(fn)
	if errors.Is(err, ErrOpen) {
		return &provider.Error{
			Provider: g.inner.Name(),
			Status:   http.StatusBadGateway,
			Code:     "circuit_open",
			Message:  "provider temporarily unavailable",
		}
	}
	return err
}

// Complete implements chat.Provider.
func (g *GuardedProvider) Complete(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	var out json.RawMessage
	err := g.do(func() error {
		var err error
		out, err = g.inner.Complete(ctx, body)
		return err
	})
	return out, err
}

// StreamComplete implements chat.Provider. Only stream establishment is
// guarded; mid-stream failures do not trip the breaker.
func (g *GuardedProvider) StreamComplete(ctx context.Context, body json.RawMessage) (chat.Stream, error) {
	var out chat.Stream
	err := g.do(func() error {
		var err error
		out, err = g.inner.StreamComplete(ctx, body)
		return err
	})
	return out, err
}

// Embeddings implements chat.Provider.
func (g *GuardedProvider) Embeddings(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	var out json.RawMessage
	err := g.do(func() error {
		var err error
		out, err = g.inner.Embeddings(ctx, body)
		return err
	})
	return out, err
}

// Transcribe implements chat.Provider.
func (g *GuardedProvider) Transcribe(ctx context.Context, req chat.AudioRequest) (json.RawMessage, error) {
	var out json.RawMessage
	err := g.do(func() error {
		var err error
		out, err = g.inner.Transcribe(ctx, req)
		return err
	})
	return out, err
}

// Translate implements chat.Provider.
func (g *GuardedProvider) Translate(ctx context.Context, req chat.AudioRequest) (json.RawMessage, error) {
	var out json.RawMessage
	err := g.do(func() error {
		var err error
		out, err = g.inner.Translate(ctx, req)
		return err
	})
	return out, err
}

// Speech implements chat.Provider.
func (g *GuardedProvider) Speech(ctx context.Context, body json.RawMessage) (*chat.SpeechResult, error) {
	var out *chat.SpeechResult
	err := g.do(func() error {
		var err error
		out, err = g.inner.Speech(ctx, body)
		return err
	})
	return out, err
}
