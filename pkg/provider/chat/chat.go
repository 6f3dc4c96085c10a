// Package chat defines the provider abstraction for request/response and
// SSE-streamed LLM calls. Bodies cross the boundary as raw JSON: the gateway
// validates only what it needs for routing and caching and forwards the rest
// untouched, so new upstream parameters work without a gateway release.
package chat

import (
	"context"
	"encoding/json"
	"io"
)

// Usage is the token accounting block extracted from provider responses for
// quota tracking.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Stream yields the data payloads of an SSE response one event at a time.
// Callers must Close the stream and should check Err after Next returns
// false.
type Stream interface {
	// Next advances to the next data payload, reporting false at end of
	// stream or on error.
	Next() bool

	// Current returns the payload Next advanced to. Valid until the next
	// call to Next.
	Current() json.RawMessage

	// Err returns the error that ended the stream early, if any.
	Err() error

	// Close releases the underlying connection.
	Close() error
}

// SpeechResult is a synthesized-audio response: a body to stream to the
// client plus its media type.
type SpeechResult struct {
	Body        io.ReadCloser
	ContentType string
}

// AudioRequest is a decoded multipart transcription or translation request.
type AudioRequest struct {
	Filename string
	File     []byte

	// Fields holds the remaining form values (model, language, prompt,
	// response_format, temperature) verbatim.
	Fields map[string]string
}

// Provider is one upstream chat/embeddings/audio backend.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the provider tag ("openai", "gemini", "mock").
	Name() string

	// Complete performs a non-streaming chat completion and returns the
	// response body in OpenAI wire shape.
	Complete(ctx context.Context, body json.RawMessage) (json.RawMessage, error)

	// StreamComplete performs a streaming chat completion. The returned
	// stream yields chat.completion.chunk payloads in OpenAI wire shape,
	// without the SSE framing.
	StreamComplete(ctx context.Context, body json.RawMessage) (Stream, error)

	// Embeddings performs an embeddings call in OpenAI wire shape.
	Embeddings(ctx context.Context, body json.RawMessage) (json.RawMessage, error)

	// Transcribe runs speech-to-text over an uploaded file.
	Transcribe(ctx context.Context, req AudioRequest) (json.RawMessage, error)

	// Translate runs speech-to-English-text over an uploaded file.
	Translate(ctx context.Context, req AudioRequest) (json.RawMessage, error)

	// Speech synthesizes audio from text. The caller owns the result body.
	Speech(ctx context.Context, body json.RawMessage) (*SpeechResult, error)
}

// ExtractUsage pulls the usage block out of a response body, if present.
func ExtractUsage(body json.RawMessage) (Usage, bool) {
	var envelope struct {
		Usage *Usage `json:"usage"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Usage == nil {
		return Usage{}, false
	}
	return *envelope.Usage, true
}
