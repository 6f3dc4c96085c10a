// Package gemini implements chat.Provider against the Gemini API.
//
// Unlike the OpenAI adapter, which forwards bodies verbatim, this adapter
// translates each call: the inbound OpenAI wire shape is mapped onto the
// genai SDK's request types and the result is reshaped into an OpenAI
// response before it leaves the gateway.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/voxgate/voxgate/pkg/provider"
	"github.com/voxgate/voxgate/pkg/provider/chat"
)

// Compile-time interface check.
var _ chat.Provider = (*Provider)(nil)

const defaultModel = "gemini-2.0-flash"

// Provider implements chat.Provider using the Gemini API.
type Provider struct {
	client *genai.Client
	now    func() time.Time
}

// New constructs a Gemini chat provider.
func New(ctx context.Context, apiKey string) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: apiKey must not be empty")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Provider{client: client, now: time.Now}, nil
}

// Name implements chat.Provider.
func (p *Provider) Name() string { return provider.Gemini }

// chatRequest is the subset of the OpenAI chat body this adapter translates.
type chatRequest struct {
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature"`
	TopP        *float64 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
	Messages    []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

// Complete implements chat.Provider.
func (p *Provider) Complete(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	model, contents, cfg, err := translateRequest(body)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, wrapErr(err)
	}
	return p.translateResponse(resp, model)
}

// StreamComplete implements chat.Provider. Each upstream chunk becomes one
// chat.completion.chunk payload.
func (p *Provider) StreamComplete(ctx context.Context, body json.RawMessage) (chat.Stream, error) {
	model, contents, cfg, err := translateRequest(body)
	if err != nil {
		return nil, err
	}
	next, stop := iter.Pull2(p.client.Models.GenerateContentStream(ctx, model, contents, cfg))
	return &geminiStream{
		id:      "chatcmpl-" + uuid.NewString(),
		model:   model,
		created: p.now().Unix(),
		next:    next,
		stop:    stop,
	}, nil
}

// Embeddings implements chat.Provider.
func (p *Provider) Embeddings(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Model string          `json:"model"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("gemini: parse embeddings body: %w", err)
	}
	model := in.Model
	if model == "" {
		model = "gemini-embedding-001"
	}

	var contents []*genai.Content
	for _, text := range inputTexts(in.Input) {
		contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
	}
	resp, err := p.client.Models.EmbedContent(ctx, model, contents, nil)
	if err != nil {
		return nil, wrapErr(err)
	}

	data := make([]map[string]any, 0, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		data = append(data, map[string]any{
			"object":    "embedding",
			"index":     i,
			"embedding": emb.Values,
		})
	}
	return json.Marshal(map[string]any{
		"object": "list",
		"model":  model,
		"data":   data,
		"usage":  map[string]any{"prompt_tokens": 0, "total_tokens": 0},
	})
}

// Transcribe implements chat.Provider. Batch speech-to-text is served by the
// realtime surface for this provider.
func (p *Provider) Transcribe(context.Context, chat.AudioRequest) (json.RawMessage, error) {
	return nil, unsupported("transcription")
}

// Translate implements chat.Provider.
func (p *Provider) Translate(context.Context, chat.AudioRequest) (json.RawMessage, error) {
	return nil, unsupported("translation")
}

// Speech implements chat.Provider.
func (p *Provider) Speech(context.Context, json.RawMessage) (*chat.SpeechResult, error) {
	return nil, unsupported("speech synthesis")
}

func unsupported(operation string) error {
	return &provider.Error{
		Provider: provider.Gemini,
		Status:   http.StatusNotImplemented,
		Code:     "unsupported_operation",
		Message:  operation + " is not available on this provider",
	}
}

// translateRequest maps an OpenAI chat body to genai request types.
func translateRequest(body json.RawMessage) (string, []*genai.Content, *genai.GenerateContentConfig, error) {
	var in chatRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return "", nil, nil, fmt.Errorf("gemini: parse chat body: %w", err)
	}
	model := in.Model
	if model == "" {
		model = defaultModel
	}

	cfg := &genai.GenerateContentConfig{StopSequences: in.Stop}
	if in.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*in.Temperature))
	}
	if in.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*in.TopP))
	}
	if in.MaxTokens != nil {
		cfg.MaxOutputTokens = int32(*in.MaxTokens)
	}

	var contents []*genai.Content
	for _, m := range in.Messages {
		var text string
		if err := json.Unmarshal(m.Content, &text); err != nil {
			text = string(m.Content)
		}
		switch m.Role {
		case "system", "developer":
			cfg.SystemInstruction = genai.NewContentFromText(text, genai.RoleUser)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(text, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
		}
	}
	return model, contents, cfg, nil
}

// translateResponse reshapes a genai result into a chat.completion body.
func (p *Provider) translateResponse(resp *genai.GenerateContentResponse, model string) (json.RawMessage, error) {
	text, finish := candidateText(resp)

	usage := map[string]any{"prompt_tokens": 0, "completion_tokens": 0, "total_tokens": 0}
	if resp.UsageMetadata != nil {
		usage = map[string]any{
			"prompt_tokens":     resp.UsageMetadata.PromptTokenCount,
			"completion_tokens": resp.UsageMetadata.CandidatesTokenCount,
			"total_tokens":      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return json.Marshal(map[string]any{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": p.now().Unix(),
		"model":   model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": text},
			"finish_reason": finish,
		}},
		"usage": usage,
	})
}

func candidateText(resp *genai.GenerateContentResponse) (text, finish string) {
	finish = "stop"
	if len(resp.Candidates) == 0 {
		return "", finish
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonMaxTokens {
		finish = "length"
	}
	if candidate.Content == nil {
		return "", finish
	}
	for _, part := range candidate.Content.Parts {
		text += part.Text
	}
	return text, finish
}

// inputTexts accepts the OpenAI embeddings input field, which is either one
// string or an array of strings.
func inputTexts(raw json.RawMessage) []string {
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	return nil
}

func wrapErr(err error) error {
	var apierr genai.APIError
	if errors.As(err, &apierr) {
		return &provider.Error{
			Provider: provider.Gemini,
			Status:   apierr.Code,
			Code:     apierr.Status,
			Message:  apierr.Message,
		}
	}
	return &provider.Error{
		Provider: provider.Gemini,
		Status:   http.StatusBadGateway,
		Message:  err.Error(),
	}
}

// ── stream ─────────────────────────────────────────────────────────────────

// geminiStream adapts the pulled genai stream to chat.Stream, translating
// each chunk on the way through.
type geminiStream struct {
	id      string
	model   string
	created int64
	next    func() (*genai.GenerateContentResponse, error, bool)
	stop    func()
	current json.RawMessage
	err     error
}

func (s *geminiStream) Next() bool {
	if s.err != nil {
		return false
	}
	resp, err, ok := s.next()
	if !ok {
		return false
	}
	if err != nil {
		s.err = wrapErr(err)
		return false
	}

	text, finish := candidateText(resp)
	delta := map[string]any{}
	if text != "" {
		delta["content"] = text
	}
	choice := map[string]any{"index": 0, "delta": delta}
	if finish != "" && chunkDone(resp) {
		choice["finish_reason"] = finish
	}
	chunk, err := json.Marshal(map[string]any{
		"id":      s.id,
		"object":  "chat.completion.chunk",
		"created": s.created,
		"model":   s.model,
		"choices": []map[string]any{choice},
	})
	if err != nil {
		s.err = err
		return false
	}
	s.current = chunk
	return true
}

func chunkDone(resp *genai.GenerateContentResponse) bool {
	return len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != ""
}

func (s *geminiStream) Current() json.RawMessage { return s.current }
func (s *geminiStream) Err() error               { return s.err }

func (s *geminiStream) Close() error {
	s.stop()
	return nil
}
