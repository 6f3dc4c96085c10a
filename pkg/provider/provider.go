// Package provider holds the types shared by all upstream adapters: provider
// names, credentials, and the error shape upstream failures are reported in.
//
// Concrete adapters live in the subpackages: chat (request/response and SSE
// streaming against HTTP APIs) and realtime (bidirectional audio over
// WebSocket).
package provider

import "fmt"

// Provider name tags used for routing, cache scoping, and metrics.
const (
	OpenAI = "openai"
	Gemini = "gemini"
	Mock   = "mock"
)

// Credentials carries the upstream API key for one call. The gateway fills
// this either from its own configured keys or from a client-supplied
// provider key.
type Credentials struct {
	APIKey string
}

// Error is a failure reported by an upstream provider. Status carries the
// upstream HTTP status (or closest WebSocket equivalent); Code is the
// provider's machine-readable error code when one was given.
type Error struct {
	Provider string
	Status   int
	Code     string
	Message  string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}
