// Package auth resolves inbound credentials to [KeyInfo] records, tracks
// per-key usage, and enforces quotas before any provider call is made.
//
// Credentials arrive as Authorization bearer tokens, X-API-Key, or
// OpenAI-API-Key headers. Gateway-owned keys come from configuration;
// client-supplied provider keys (sk-… for OpenAI, AIza… for Gemini) are
// recognised by prefix and registered on first sight with tighter quotas.
package auth

import (
	"time"
)

// Kind distinguishes gateway-owned credentials from client provider keys.
type Kind string

const (
	// KindGateway is a key minted by the gateway operator.
	KindGateway Kind = "gateway"

	// KindClient is a provider API key supplied by a client and forwarded
	// upstream.
	KindClient Kind = "client"
)

// Quota declares hourly and daily caps for requests and tokens.
// Zero means unlimited.
type Quota struct {
	RequestsPerHour int64
	RequestsPerDay  int64
	TokensPerHour   int64
	TokensPerDay    int64
}

// clientQuota is the default quota applied to client-supplied provider keys.
var clientQuota = Quota{
	RequestsPerHour: 100,
	RequestsPerDay:  500,
	TokensPerHour:   100_000,
	TokensPerDay:    500_000,
}

// KeyInfo is the identity record for one credential.
type KeyInfo struct {
	// ID is a stable identifier, distinct from the credential value.
	ID string

	// Name is a display name for logs and stats.
	Name string

	// Kind is gateway or client.
	Kind Kind

	// Provider tags client keys with the provider inferred from the
	// credential prefix ("openai", "gemini"). Empty for gateway keys.
	Provider string

	// Enabled gates the key. Disabled keys fail authorization.
	Enabled bool

	// Quota holds the hourly/daily caps.
	Quota Quota

	// RPM is the per-minute request cap. Zero uses the route defaults.
	RPM int

	// CreatedAt is when the key was registered.
	CreatedAt time.Time

	// Metadata is an optional free-form bag.
	Metadata map[string]string
}

// ProviderForCredential infers the provider from a client credential prefix.
// Returns the empty string for unrecognised shapes.
func ProviderForCredential(credential string) string {
	switch {
	case len(credential) > 3 && credential[:3] == "sk-":
		return "openai"
	case len(credential) > 4 && credential[:4] == "AIza":
		return "gemini"
	default:
		return ""
	}
}
