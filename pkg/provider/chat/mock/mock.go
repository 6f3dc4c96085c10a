// Package mock provides a deterministic chat.Provider for tests and local
// development. Responses echo the last user message.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/voxgate/voxgate/pkg/provider"
	"github.com/voxgate/voxgate/pkg/provider/chat"
)

// Compile-time interface check.
var _ chat.Provider = (*Provider)(nil)

// Provider is a canned chat.Provider. The zero value is ready to use.
type Provider struct {
	// Fail, when set, makes every call return this error.
	Fail error

	calls atomic.Int64
}

// Calls reports how many provider calls were made, for cache tests.
func (p *Provider) Calls() int64 { return p.calls.Load() }

// Name implements chat.Provider.
func (p *Provider) Name() string { return provider.Mock }

// Complete implements chat.Provider.
func (p *Provider) Complete(_ context.Context, body json.RawMessage) (json.RawMessage, error) {
	p.calls.Add(1)
	if p.Fail != nil {
		return nil, p.Fail
	}
	model, echo := parse(body)
	return json.Marshal(map[string]any{
		"id":      "chatcmpl-mock",
		"object":  "chat.completion",
		"created": 1700000000,
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": "echo: " + echo},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{"prompt_tokens": 7, "completion_tokens": 5, "total_tokens": 12},
	})
}

// StreamComplete implements chat.Provider, yielding the echo word by word.
func (p *Provider) StreamComplete(_ context.Context, body json.RawMessage) (chat.Stream, error) {
	p.calls.Add(1)
	if p.Fail != nil {
		return nil, p.Fail
	}
	model, echo := parse(body)
	words := strings.Fields("echo: " + echo)

	chunks := make([]json.RawMessage, 0, len(words)+1)
	for _, word := range words {
		chunk, _ := json.Marshal(map[string]any{
			"id":     "chatcmpl-mock",
			"object": "chat.completion.chunk",
			"model":  model,
			"choices": []map[string]any{{
				"index": 0,
				"delta": map[string]any{"content": word + " "},
			}},
		})
		chunks = append(chunks, chunk)
	}
	final, _ := json.Marshal(map[string]any{
		"id":     "chatcmpl-mock",
		"object": "chat.completion.chunk",
		"model":  model,
		"choices": []map[string]any{{
			"index": 0, "delta": map[string]any{}, "finish_reason": "stop",
		}},
	})
	chunks = append(chunks, final)
	return &stream{chunks: chunks}, nil
}

// Embeddings implements chat.Provider with a fixed-size zero vector.
func (p *Provider) Embeddings(_ context.Context, body json.RawMessage) (json.RawMessage, error) {
	p.calls.Add(1)
	if p.Fail != nil {
		return nil, p.Fail
	}
	model, _ := parse(body)
	return json.Marshal(map[string]any{
		"object": "list",
		"model":  model,
		"data": []map[string]any{{
			"object": "embedding", "index": 0, "embedding": make([]float64, 8),
		}},
		"usage": map[string]any{"prompt_tokens": 3, "total_tokens": 3},
	})
}

// Transcribe implements chat.Provider.
func (p *Provider) Transcribe(_ context.Context, req chat.AudioRequest) (json.RawMessage, error) {
	p.calls.Add(1)
	if p.Fail != nil {
		return nil, p.Fail
	}
	return json.Marshal(map[string]any{
		"text": fmt.Sprintf("transcribed %d bytes from %s", len(req.File), req.Filename),
	})
}

// Translate implements chat.Provider.
func (p *Provider) Translate(ctx context.Context, req chat.AudioRequest) (json.RawMessage, error) {
	return p.Transcribe(ctx, req)
}

// Speech implements chat.Provider.
func (p *Provider) Speech(_ context.Context, body json.RawMessage) (*chat.SpeechResult, error) {
	p.calls.Add(1)
	if p.Fail != nil {
		return nil, p.Fail
	}
	return &chat.SpeechResult{
		Body:        io.NopCloser(strings.NewReader("RIFFmockaudio")),
		ContentType: "audio/mpeg",
	}, nil
}

func parse(body json.RawMessage) (model, lastUser string) {
	var in struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	_ = json.Unmarshal(body, &in)
	model = in.Model
	if model == "" {
		model = "mock-1"
	}
	for _, m := range in.Messages {
		if m.Role == "user" {
			lastUser = m.Content
		}
	}
	return model, lastUser
}

type stream struct {
	chunks []json.RawMessage
	pos    int
}

func (s *stream) Next() bool {
	if s.pos >= len(s.chunks) {
		return false
	}
	s.pos++
	return true
}

func (s *stream) Current() json.RawMessage { return s.chunks[s.pos-1] }
func (s *stream) Err() error               { return nil }
func (s *stream) Close() error             { return nil }
