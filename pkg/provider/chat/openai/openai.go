// Package openai implements chat.Provider against the OpenAI API.
//
// Requests pass through in their native wire shape: the gateway's inbound
// surface is already OpenAI-compatible, so most calls forward the body
// verbatim and relay the response (or its SSE chunks) back. Setting the
// Responses-API flag reroutes chat completions through /v1/responses with a
// round-trip translation.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/voxgate/voxgate/pkg/provider"
	"github.com/voxgate/voxgate/pkg/provider/chat"
)

// Compile-time interface check.
var _ chat.Provider = (*Provider)(nil)

// Provider implements chat.Provider using the OpenAI API.
type Provider struct {
	client       oai.Client
	useResponses bool
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	timeout      time.Duration
	useResponses bool
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL. Primarily used in
// tests to point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithResponsesAPI routes chat completions through the Responses API instead
// of /v1/chat/completions.
func WithResponsesAPI(enabled bool) Option {
	return func(c *config) { c.useResponses = enabled }
}

// New constructs an OpenAI chat provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), useResponses: cfg.useResponses}, nil
}

// Name implements chat.Provider.
func (p *Provider) Name() string { return provider.OpenAI }

// Complete implements chat.Provider.
func (p *Provider) Complete(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	if p.useResponses {
		return p.completeViaResponses(ctx, body)
	}
	return p.post(ctx, "chat/completions", body)
}

// StreamComplete implements chat.Provider by capturing the raw SSE response
// and relaying its data payloads.
func (p *Provider) StreamComplete(ctx context.Context, body json.RawMessage) (chat.Stream, error) {
	var resp *http.Response
	err := p.client.Post(ctx, "chat/completions", body, nil,
		option.WithJSONSet("stream", true),
		option.WithResponseInto(&resp),
	)
	if err != nil {
		return nil, p.wrapErr(err)
	}
	return &sseStream{decoder: ssestream.NewDecoder(resp)}, nil
}

// Embeddings implements chat.Provider.
func (p *Provider) Embeddings(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	return p.post(ctx, "embeddings", body)
}

// Transcribe implements chat.Provider.
func (p *Provider) Transcribe(ctx context.Context, req chat.AudioRequest) (json.RawMessage, error) {
	return p.postMultipart(ctx, "audio/transcriptions", req)
}

// Translate implements chat.Provider.
func (p *Provider) Translate(ctx context.Context, req chat.AudioRequest) (json.RawMessage, error) {
	return p.postMultipart(ctx, "audio/translations", req)
}

// Speech implements chat.Provider. The response body is returned unread so
// the caller can stream it to the client.
func (p *Provider) Speech(ctx context.Context, body json.RawMessage) (*chat.SpeechResult, error) {
	var resp *http.Response
	err := p.client.Post(ctx, "audio/speech", body, nil, option.WithResponseInto(&resp))
	if err != nil {
		return nil, p.wrapErr(err)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "audio/mpeg"
	}
	return &chat.SpeechResult{Body: resp.Body, ContentType: ct}, nil
}

// post forwards body to path and returns the raw response body.
func (p *Provider) post(ctx context.Context, path string, body json.RawMessage, opts ...option.RequestOption) (json.RawMessage, error) {
	var resp *http.Response
	opts = append(opts, option.WithResponseInto(&resp))
	if err := p.client.Post(ctx, path, body, nil, opts...); err != nil {
		return nil, p.wrapErr(err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, p.wrapErr(err)
	}
	return out, nil
}

// postMultipart rebuilds the uploaded form and forwards it.
func (p *Provider) postMultipart(ctx context.Context, path string, req chat.AudioRequest) (json.RawMessage, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", req.Filename)
	if err != nil {
		return nil, fmt.Errorf("openai: build form: %w", err)
	}
	if _, err := fw.Write(req.File); err != nil {
		return nil, fmt.Errorf("openai: build form: %w", err)
	}
	for field, value := range req.Fields {
		if err := mw.WriteField(field, value); err != nil {
			return nil, fmt.Errorf("openai: build form: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("openai: build form: %w", err)
	}

	var resp *http.Response
	err = p.client.Post(ctx, path, nil, nil,
		option.WithRequestBody(mw.FormDataContentType(), buf.Bytes()),
		option.WithResponseInto(&resp),
	)
	if err != nil {
		return nil, p.wrapErr(err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, p.wrapErr(err)
	}
	return out, nil
}

// wrapErr converts SDK errors into *provider.Error.
func (p *Provider) wrapErr(err error) error {
	var apierr *oai.Error
	if errors.As(err, &apierr) {
		return &provider.Error{
			Provider: provider.OpenAI,
			Status:   apierr.StatusCode,
			Code:     apierr.Code,
			Message:  apierr.Message,
		}
	}
	return &provider.Error{
		Provider: provider.OpenAI,
		Status:   http.StatusBadGateway,
		Message:  err.Error(),
	}
}

// ── Responses API translation ──────────────────────────────────────────────

type responsesRequest struct {
	Model           string          `json:"model"`
	Input           []responsesMsg  `json:"input"`
	Instructions    string          `json:"instructions,omitempty"`
	Temperature     *float64        `json:"temperature,omitempty"`
	TopP            *float64        `json:"top_p,omitempty"`
	MaxOutputTokens *int            `json:"max_output_tokens,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
}

type responsesMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// completeViaResponses translates a chat-completions body into a Responses
// API call and the result back into chat.completion shape.
func (p *Provider) completeViaResponses(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Model       string   `json:"model"`
		Temperature *float64 `json:"temperature"`
		TopP        *float64 `json:"top_p"`
		MaxTokens   *int     `json:"max_tokens"`
		Messages    []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("openai: parse chat body: %w", err)
	}

	out := responsesRequest{
		Model:           in.Model,
		Temperature:     in.Temperature,
		TopP:            in.TopP,
		MaxOutputTokens: in.MaxTokens,
	}
	for _, m := range in.Messages {
		var text string
		if err := json.Unmarshal(m.Content, &text); err != nil {
			text = string(m.Content)
		}
		if m.Role == "system" || m.Role == "developer" {
			out.Instructions = text
			continue
		}
		out.Input = append(out.Input, responsesMsg{Role: m.Role, Content: text})
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal responses body: %w", err)
	}
	raw, err := p.post(ctx, "responses", payload)
	if err != nil {
		return nil, err
	}
	return translateResponsesResult(raw, in.Model)
}

// translateResponsesResult reshapes a Responses API result into a
// chat.completion body.
func translateResponsesResult(raw json.RawMessage, model string) (json.RawMessage, error) {
	var res struct {
		ID        string `json:"id"`
		CreatedAt int64  `json:"created_at"`
		Output    []struct {
			Type    string `json:"type"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
		Usage struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
			TotalTokens  int64 `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("openai: parse responses result: %w", err)
	}

	var text string
	for _, item := range res.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" {
				text += part.Text
			}
		}
	}

	completion := map[string]any{
		"id":      res.ID,
		"object":  "chat.completion",
		"created": res.CreatedAt,
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": text},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{
			"prompt_tokens":     res.Usage.InputTokens,
			"completion_tokens": res.Usage.OutputTokens,
			"total_tokens":      res.Usage.TotalTokens,
		},
	}
	return json.Marshal(completion)
}

// ── SSE stream relay ───────────────────────────────────────────────────────

// sseStream adapts an ssestream.Decoder to chat.Stream, filtering out the
// terminal [DONE] sentinel (the gateway re-emits its own).
type sseStream struct {
	decoder ssestream.Decoder
	current json.RawMessage
}

func (s *sseStream) Next() bool {
	for s.decoder.Next() {
		data := s.decoder.Event().Data
		if string(bytes.TrimSpace(data)) == "[DONE]" {
			continue
		}
		s.current = json.RawMessage(data)
		return true
	}
	return false
}

func (s *sseStream) Current() json.RawMessage { return s.current }

func (s *sseStream) Err() error {
	if err := s.decoder.Err(); err != nil {
		return &provider.Error{Provider: provider.OpenAI, Status: http.StatusBadGateway, Message: err.Error()}
	}
	return nil
}

func (s *sseStream) Close() error { return s.decoder.Close() }
