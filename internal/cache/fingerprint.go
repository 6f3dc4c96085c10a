// Package cache short-circuits repeatable provider calls. Responses for
// cacheable routes are stored under a deterministic fingerprint of the
// normalized request and replayed byte-identical until their TTL lapses.
package cache

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/voxgate/voxgate/internal/config"
)

// RequestType classifies a request for hierarchical keys.
type RequestType string

const (
	TypeChat          RequestType = "chat"
	TypeEmbedding     RequestType = "embedding"
	TypeTTS           RequestType = "tts"
	TypeTranscription RequestType = "transcription"
	TypeCompletion    RequestType = "completion"
)

// Message is the {role, content} projection of a chat message used for
// fingerprinting. Tool calls, names, and other fields are deliberately
// excluded so that key equality tracks conversational content.
type Message struct {
	Role    string
	Content string
}

// Request is a normalized request ready for fingerprinting.
// Non-deterministic fields (stream, user, timestamp) have been removed.
type Request struct {
	Provider string
	Model    string
	Type     RequestType
	Endpoint string
	Messages []Message

	// Params holds the remaining deterministic body fields.
	Params map[string]any

	// stream and perUser record the presence of the stripped markers so the
	// cacheability check can still see them.
	stream  bool
	perUser bool
}

// Streaming reports whether the original body requested a streaming response.
func (r *Request) Streaming() bool { return r.stream }

// PerUser reports whether the original body carried a per-user identifier.
func (r *Request) PerUser() bool { return r.perUser }

// coreParams is the bundle of sampling and shape parameters folded into
// semantic keys. Everything else is ignored by that strategy.
var coreParams = []string{
	"temperature", "max_tokens", "top_p",
	"frequency_penalty", "presence_penalty",
	"n", "stop", "encoding_format", "dimensions",
}

// nonDeterministic lists body fields stripped during normalization.
var nonDeterministic = map[string]bool{
	"stream":         true,
	"stream_options": true,
	"user":           true,
	"timestamp":      true,
}

// Normalize parses a JSON request body into a [Request]. Unknown fields are
// kept in Params so that two bodies differing in any deterministic field
// produce different keys.
func Normalize(provider, endpoint string, body []byte) (*Request, error) {
	req := &Request{
		Provider: provider,
		Endpoint: endpoint,
		Type:     requestTypeFor(endpoint),
		Params:   map[string]any{},
	}
	if len(body) == 0 {
		return req, nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("cache: parse body: %w", err)
	}

	for field, value := range raw {
		if nonDeterministic[field] {
			switch field {
			case "stream":
				_ = json.Unmarshal(value, &req.stream)
			case "user":
				req.perUser = true
			}
			continue
		}
		switch field {
		case "model":
			_ = json.Unmarshal(value, &req.Model)
		case "messages":
			var msgs []struct {
				Role    string          `json:"role"`
				Content json.RawMessage `json:"content"`
			}
			if err := json.Unmarshal(value, &msgs); err != nil {
				return nil, fmt.Errorf("cache: parse messages: %w", err)
			}
			for _, m := range msgs {
				req.Messages = append(req.Messages, Message{
					Role:    m.Role,
					Content: contentText(m.Content),
				})
			}
		default:
			var v any
			_ = json.Unmarshal(value, &v)
			req.Params[field] = v
		}
	}
	return req, nil
}

// contentText renders a message content value as text. String contents pass
// through; structured multi-part contents fall back to their JSON form.
func contentText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func requestTypeFor(endpoint string) RequestType {
	switch {
	case strings.Contains(endpoint, "chat/completions"):
		return TypeChat
	case strings.Contains(endpoint, "embeddings"):
		return TypeEmbedding
	case strings.Contains(endpoint, "audio/speech"):
		return TypeTTS
	case strings.Contains(endpoint, "audio/transcriptions"),
		strings.Contains(endpoint, "audio/translations"):
		return TypeTranscription
	default:
		return TypeCompletion
	}
}

// Fingerprinter derives cache keys from normalized requests using one of four
// strategies.
type Fingerprinter struct {
	strategy config.KeyStrategy
	length   int
}

// NewFingerprinter creates a fingerprinter. length bounds default-strategy
// keys in hex characters; zero or out-of-range falls back to 32.
func NewFingerprinter(strategy config.KeyStrategy, length int) *Fingerprinter {
	if length <= 0 || length > sha256.Size*2 {
		length = 32
	}
	if !strategy.IsValid() {
		strategy = config.KeyDefault
	}
	return &Fingerprinter{strategy: strategy, length: length}
}

// Key returns the fingerprint for req under the configured strategy.
// Two requests with identical normalized content always share a key.
func (f *Fingerprinter) Key(req *Request) string {
	switch f.strategy {
	case config.KeySemantic:
		return f.semanticKey(req)
	case config.KeyHierarchical:
		return f.hierarchicalKey(req)
	case config.KeyContentBased:
		return f.contentKey(req)
	default:
		return f.defaultKey(req)
	}
}

// defaultKey is SHA-256 over the canonical parameter encoding plus model and
// provider, truncated.
func (f *Fingerprinter) defaultKey(req *Request) string {
	h := sha256.New()
	h.Write([]byte(req.Provider))
	h.Write([]byte{0})
	h.Write([]byte(req.Model))
	h.Write([]byte{0})
	h.Write([]byte(string(req.Type)))
	h.Write([]byte{0})
	for _, m := range req.Messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{':'})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	h.Write(canonicalParams(req.Params, nil))
	return hex.EncodeToString(h.Sum(nil))[:f.length]
}

// semanticKey is MD5 over whitespace-collapsed lowercased message text plus
// the core-params bundle, so prompts differing only in whitespace or case
// collide on purpose.
func (f *Fingerprinter) semanticKey(req *Request) string {
	var sb strings.Builder
	sb.WriteString(req.Provider)
	sb.WriteByte('|')
	sb.WriteString(req.Model)
	sb.WriteByte('|')
	for _, m := range req.Messages {
		sb.WriteString(m.Role)
		sb.WriteByte(':')
		sb.WriteString(collapse(m.Content))
		sb.WriteByte('|')
	}
	sb.Write(canonicalParams(req.Params, coreParams))

	sum := md5.Sum([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// hierarchicalKey builds a colon-separated path so that model- and
// provider-scoped invalidation reduces to a prefix glob.
func (f *Fingerprinter) hierarchicalKey(req *Request) string {
	return fmt.Sprintf("llm_gateway:%s:%s:%s:%s",
		orUnknown(req.Provider), orUnknown(req.Model), req.Type, f.defaultKey(req)[:16])
}

// contentKey fingerprints each message as role:md5(content)[:8] and hashes
// the joined list, emphasizing per-message identity.
func (f *Fingerprinter) contentKey(req *Request) string {
	parts := make([]string, 0, len(req.Messages)+2)
	parts = append(parts, req.Provider, req.Model)
	for _, m := range req.Messages {
		sum := md5.Sum([]byte(m.Content))
		parts = append(parts, m.Role+":"+hex.EncodeToString(sum[:])[:8])
	}
	joined := strings.Join(parts, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])[:f.length]
}

// canonicalParams renders params deterministically: keys sorted, values in
// their JSON encoding. When only is non-nil, fields outside it are dropped.
func canonicalParams(params map[string]any, only []string) []byte {
	selected := params
	if only != nil {
		selected = make(map[string]any, len(only))
		for _, k := range only {
			if v, ok := params[k]; ok {
				selected[k] = v
			}
		}
	}
	keys := make([]string, 0, len(selected))
	for k := range selected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		v, _ := json.Marshal(selected[k])
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.Write(v)
		sb.WriteByte(';')
	}
	return []byte(sb.String())
}

func collapse(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
