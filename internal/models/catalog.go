// Package models maintains the model catalog exposed on /v1/models: which
// models the gateway routes, which provider serves each, and what they can
// do.
package models

import (
	"sort"
	"strings"
	"sync"

	"github.com/voxgate/voxgate/pkg/provider"
)

// Capabilities a model can advertise.
const (
	CapChat       = "chat"
	CapEmbeddings = "embeddings"
	CapAudio      = "audio"
	CapVision     = "vision"
	CapSTT        = "stt"
	CapTTS        = "tts"
	CapRealtime   = "realtime"
)

// Model is one catalog entry, shaped for the OpenAI list contract with
// gateway extensions.
type Model struct {
	ID           string   `json:"id"`
	Object       string   `json:"object"`
	Created      int64    `json:"created"`
	OwnedBy      string   `json:"owned_by"`
	Provider     string   `json:"provider"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
}

// Has reports whether the model advertises the capability.
func (m Model) Has(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Filter narrows a catalog listing. Zero values match everything.
type Filter struct {
	Provider   string
	Capability string
	Type       string
	Search     string
	Limit      int
	Offset     int
}

// Catalog is the thread-safe model registry.
type Catalog struct {
	mu     sync.RWMutex
	models map[string]Model
}

// NewCatalog returns a catalog seeded with the built-in entries for the
// enabled providers.
func NewCatalog(providers ...string) *Catalog {
	c := &Catalog{models: make(map[string]Model)}
	for _, tag := range providers {
		for _, m := range builtins[tag] {
			c.models[m.ID] = m
		}
	}
	return c
}

// Add registers or replaces a catalog entry.
func (c *Catalog) Add(m Model) {
	if m.Object == "" {
		m.Object = "model"
	}
	c.mu.Lock()
	c.models[m.ID] = m
	c.mu.Unlock()
}

// Get returns the entry for id.
func (c *Catalog) Get(id string) (Model, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.models[id]
	return m, ok
}

// ProviderFor resolves which provider tag serves a model: catalog entries
// win, unknown models fall back to prefix routing so new provider models
// work before the catalog learns them. An empty model resolves to "".
func (c *Catalog) ProviderFor(model string) string {
	if model == "" {
		return ""
	}
	if m, ok := c.Get(model); ok {
		return m.Provider
	}
	if strings.HasPrefix(strings.ToLower(model), "gemini") {
		return provider.Gemini
	}
	return provider.OpenAI
}

// List returns matching entries sorted by id, plus the total match count
// before limit/offset.
func (c *Catalog) List(f Filter) ([]Model, int) {
	c.mu.RLock()
	matched := make([]Model, 0, len(c.models))
	for _, m := range c.models {
		if f.Provider != "" && m.Provider != f.Provider {
			continue
		}
		if f.Capability != "" && !m.Has(f.Capability) {
			continue
		}
		if f.Type != "" && m.Type != f.Type {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(m.ID), strings.ToLower(f.Search)) {
			continue
		}
		matched = append(matched, m)
	}
	c.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	total := len(matched)

	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []Model{}, total
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched, total
}

// builtins holds the seed catalog per provider tag.
var builtins = map[string][]Model{
	provider.OpenAI: {
		{ID: "gpt-4o", Object: "model", Created: 1715367049, OwnedBy: "openai", Provider: provider.OpenAI, Type: "chat", Capabilities: []string{CapChat, CapVision}},
		{ID: "gpt-4o-mini", Object: "model", Created: 1721172741, OwnedBy: "openai", Provider: provider.OpenAI, Type: "chat", Capabilities: []string{CapChat, CapVision}},
		{ID: "gpt-4.1", Object: "model", Created: 1744316542, OwnedBy: "openai", Provider: provider.OpenAI, Type: "chat", Capabilities: []string{CapChat, CapVision}},
		{ID: "gpt-4.1-mini", Object: "model", Created: 1744316542, OwnedBy: "openai", Provider: provider.OpenAI, Type: "chat", Capabilities: []string{CapChat, CapVision}},
		{ID: "text-embedding-3-small", Object: "model", Created: 1705948997, OwnedBy: "openai", Provider: provider.OpenAI, Type: "embedding", Capabilities: []string{CapEmbeddings}},
		{ID: "text-embedding-3-large", Object: "model", Created: 1705953180, OwnedBy: "openai", Provider: provider.OpenAI, Type: "embedding", Capabilities: []string{CapEmbeddings}},
		{ID: "whisper-1", Object: "model", Created: 1677532384, OwnedBy: "openai", Provider: provider.OpenAI, Type: "audio", Capabilities: []string{CapAudio, CapSTT}},
		{ID: "gpt-4o-transcribe", Object: "model", Created: 1742068463, OwnedBy: "openai", Provider: provider.OpenAI, Type: "audio", Capabilities: []string{CapAudio, CapSTT, CapRealtime}},
		{ID: "gpt-4o-mini-transcribe", Object: "model", Created: 1742068596, OwnedBy: "openai", Provider: provider.OpenAI, Type: "audio", Capabilities: []string{CapAudio, CapSTT, CapRealtime}},
		{ID: "tts-1", Object: "model", Created: 1681940951, OwnedBy: "openai", Provider: provider.OpenAI, Type: "audio", Capabilities: []string{CapAudio, CapTTS}},
		{ID: "tts-1-hd", Object: "model", Created: 1699046015, OwnedBy: "openai", Provider: provider.OpenAI, Type: "audio", Capabilities: []string{CapAudio, CapTTS}},
	},
	provider.Gemini: {
		{ID: "gemini-2.0-flash", Object: "model", Created: 1738713600, OwnedBy: "google", Provider: provider.Gemini, Type: "chat", Capabilities: []string{CapChat, CapVision}},
		{ID: "gemini-2.5-flash", Object: "model", Created: 1750118400, OwnedBy: "google", Provider: provider.Gemini, Type: "chat", Capabilities: []string{CapChat, CapVision}},
		{ID: "gemini-2.5-pro", Object: "model", Created: 1750118400, OwnedBy: "google", Provider: provider.Gemini, Type: "chat", Capabilities: []string{CapChat, CapVision}},
		{ID: "gemini-embedding-001", Object: "model", Created: 1741824000, OwnedBy: "google", Provider: provider.Gemini, Type: "embedding", Capabilities: []string{CapEmbeddings}},
		{ID: "gemini-2.0-flash-live-001", Object: "model", Created: 1743984000, OwnedBy: "google", Provider: provider.Gemini, Type: "audio", Capabilities: []string{CapAudio, CapSTT, CapRealtime}},
	},
}
