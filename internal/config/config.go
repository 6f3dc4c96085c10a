// Package config provides the configuration schema, loader, and environment
// override handling for the Voxgate gateway.
package config

import "time"

// LogLevel controls log verbosity for the gateway.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// CacheBackend selects the cache store implementation.
type CacheBackend string

const (
	// CacheMemory is the in-process LRU+TTL backend.
	CacheMemory CacheBackend = "memory"

	// CacheRedis is the remote key-value backend.
	CacheRedis CacheBackend = "redis"
)

// IsValid reports whether b is a recognised cache backend.
func (b CacheBackend) IsValid() bool {
	return b == CacheMemory || b == CacheRedis
}

// KeyStrategy selects the cache fingerprint algorithm.
type KeyStrategy string

const (
	KeyDefault      KeyStrategy = "default"
	KeySemantic     KeyStrategy = "semantic"
	KeyHierarchical KeyStrategy = "hierarchical"
	KeyContentBased KeyStrategy = "content_based"
)

// IsValid reports whether s is a recognised key strategy.
func (s KeyStrategy) IsValid() bool {
	switch s {
	case KeyDefault, KeySemantic, KeyHierarchical, KeyContentBased:
		return true
	}
	return false
}

// CachePolicy selects the cacheability rule.
type CachePolicy string

const (
	// PolicyStrict caches only listed POST routes without stream or per-user
	// identifiers.
	PolicyStrict CachePolicy = "strict"

	// PolicyPermissive caches non-streaming requests on listed paths even
	// when the body carries a per-user identifier.
	PolicyPermissive CachePolicy = "permissive"
)

// IsValid reports whether p is a recognised cache policy.
func (p CachePolicy) IsValid() bool {
	return p == PolicyStrict || p == PolicyPermissive
}

// Config is the root configuration structure for Voxgate.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Auth      AuthConfig      `yaml:"auth"`
	Providers ProvidersConfig `yaml:"providers"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Host is the bind address. Default: "0.0.0.0".
	Host string `yaml:"host"`

	// Port is the listen port. Default: 8080.
	Port int `yaml:"port"`

	// CORSOrigins lists allowed CORS origins. Empty means "*".
	CORSOrigins []string `yaml:"cors_origins"`

	// RequestTimeout is the deadline applied to outbound provider calls on
	// the HTTP path. Default: 30s.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum log level. Default: info.
	Level LogLevel `yaml:"level"`
}

// QuotaConfig declares per-key hourly and daily caps. Zero means unlimited.
type QuotaConfig struct {
	RequestsPerHour int64 `yaml:"requests_per_hour"`
	RequestsPerDay  int64 `yaml:"requests_per_day"`
	TokensPerHour   int64 `yaml:"tokens_per_hour"`
	TokensPerDay    int64 `yaml:"tokens_per_day"`
}

// KeyConfig declares a gateway-owned API key and its limits.
type KeyConfig struct {
	// Key is the credential value clients present.
	Key string `yaml:"key"`

	// Name is a display name for logs and stats.
	Name string `yaml:"name"`

	// RPM is the per-minute request cap for this key. Zero uses the route
	// defaults.
	RPM int `yaml:"rpm"`

	// Quota holds hourly/daily request and token caps.
	Quota QuotaConfig `yaml:"quota"`
}

// AuthConfig configures credential resolution.
type AuthConfig struct {
	// Enabled toggles authentication. When false every request is treated as
	// an anonymous key with client-tier quotas.
	Enabled bool `yaml:"enabled"`

	// AllowClientKeys permits provider keys supplied by clients (sk-…, AIza…)
	// to be forwarded upstream under client-tier quotas.
	AllowClientKeys bool `yaml:"allow_client_keys"`

	// PostgresDSN, when set, stores keys and usage in Postgres instead of
	// process memory.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Keys seeds the key store at startup.
	Keys []KeyConfig `yaml:"keys"`
}

// ProviderConfig configures one upstream provider.
type ProviderConfig struct {
	// APIKey is the gateway-owned provider credential. Empty disables the
	// provider unless client keys are allowed.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint. Used in tests.
	BaseURL string `yaml:"base_url"`

	// UseResponsesAPI switches the OpenAI adapter to the Responses API
	// surface. Only meaningful for the openai provider.
	UseResponsesAPI bool `yaml:"use_responses_api"`
}

// ProvidersConfig holds upstream provider credentials.
type ProvidersConfig struct {
	OpenAI ProviderConfig `yaml:"openai"`
	Gemini ProviderConfig `yaml:"gemini"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	// Enabled toggles the cache. Default: true.
	Enabled *bool `yaml:"enabled"`

	// Backend selects memory or redis. Default: memory.
	Backend CacheBackend `yaml:"backend"`

	// TTL is the default entry lifetime. Default: 5m.
	TTL time.Duration `yaml:"ttl"`

	// MaxSize is the memory backend's entry cap. Default: 1000.
	MaxSize int `yaml:"max_size"`

	// KeyStrategy selects the fingerprint algorithm. Default: default.
	KeyStrategy KeyStrategy `yaml:"key_strategy"`

	// KeyLength truncates default-strategy keys to this many hex chars.
	// Default: 32.
	KeyLength int `yaml:"key_length"`

	// Policy selects strict or permissive cacheability. Default: strict.
	Policy CachePolicy `yaml:"policy"`

	// RedisURL is the redis backend endpoint, e.g. redis://localhost:6379/0.
	RedisURL string `yaml:"redis_url"`
}

// EnabledOrDefault reports whether the cache is on, defaulting to true.
func (c CacheConfig) EnabledOrDefault() bool {
	return c.Enabled == nil || *c.Enabled
}

// RateLimitConfig configures the limiter layer.
type RateLimitConfig struct {
	// Enabled toggles rate limiting. Default: true.
	Enabled *bool `yaml:"enabled"`

	// LoopbackBypass skips limiting for loopback client addresses.
	LoopbackBypass bool `yaml:"loopback_bypass"`
}

// EnabledOrDefault reports whether rate limiting is on, defaulting to true.
func (c RateLimitConfig) EnabledOrDefault() bool {
	return c.Enabled == nil || *c.Enabled
}

// RealtimeConfig configures the realtime session engine.
type RealtimeConfig struct {
	// Enabled toggles the realtime WebSocket surface. Default: true.
	Enabled *bool `yaml:"enabled"`

	// MaxSessions caps concurrent sessions gateway-wide. Default: 100.
	MaxSessions int `yaml:"max_sessions"`

	// MaxSessionsPerKey caps concurrent sessions per API key. Default: 5.
	MaxSessionsPerKey int `yaml:"max_sessions_per_key"`

	// MaxBufferMs bounds the per-session audio buffer, expressed as PCM16
	// duration at the session sample rate. Default: 5000.
	MaxBufferMs int `yaml:"max_buffer_ms"`

	// MaxIdleSeconds closes sessions with no inbound activity. Default: 60.
	MaxIdleSeconds int `yaml:"max_idle_seconds"`

	// MaxSessionMinutes is the hard session lifetime ceiling. Default: 15.
	MaxSessionMinutes int `yaml:"max_session_minutes"`

	// APMAudioSecondsPerMin caps accepted audio duration per rolling minute
	// per key. Default: 60.
	APMAudioSecondsPerMin int `yaml:"apm_audio_seconds_per_min"`

	// RPMPerKey caps turn-advancing client messages per minute per key.
	// Default: 30.
	RPMPerKey int `yaml:"rpm_per_key"`

	// CommitFallback allows a client input_audio.commit to force an upstream
	// commit even under server VAD.
	CommitFallback bool `yaml:"commit_fallback"`

	// TrailingSilenceMs is appended before relying on upstream end-of-speech
	// under server VAD. Default: 1200.
	TrailingSilenceMs int `yaml:"trailing_silence_ms"`

	// EOSWaitMs is how long to wait for upstream end-of-speech before the
	// commit fallback applies. Default: 1500.
	EOSWaitMs int `yaml:"eos_wait_ms"`
}

// EnabledOrDefault reports whether realtime is on, defaulting to true.
func (c RealtimeConfig) EnabledOrDefault() bool {
	return c.Enabled == nil || *c.Enabled
}

// applyDefaults fills zero-valued fields with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = LogInfo
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = CacheMemory
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 5 * time.Minute
	}
	if cfg.Cache.MaxSize == 0 {
		cfg.Cache.MaxSize = 1000
	}
	if cfg.Cache.KeyStrategy == "" {
		cfg.Cache.KeyStrategy = KeyDefault
	}
	if cfg.Cache.KeyLength == 0 {
		cfg.Cache.KeyLength = 32
	}
	if cfg.Cache.Policy == "" {
		cfg.Cache.Policy = PolicyStrict
	}
	if cfg.Realtime.MaxSessions == 0 {
		cfg.Realtime.MaxSessions = 100
	}
	if cfg.Realtime.MaxSessionsPerKey == 0 {
		cfg.Realtime.MaxSessionsPerKey = 5
	}
	if cfg.Realtime.MaxBufferMs == 0 {
		cfg.Realtime.MaxBufferMs = 5000
	}
	if cfg.Realtime.MaxIdleSeconds == 0 {
		cfg.Realtime.MaxIdleSeconds = 60
	}
	if cfg.Realtime.MaxSessionMinutes == 0 {
		cfg.Realtime.MaxSessionMinutes = 15
	}
	if cfg.Realtime.APMAudioSecondsPerMin == 0 {
		cfg.Realtime.APMAudioSecondsPerMin = 60
	}
	if cfg.Realtime.RPMPerKey == 0 {
		cfg.Realtime.RPMPerKey = 30
	}
	if cfg.Realtime.TrailingSilenceMs == 0 {
		cfg.Realtime.TrailingSilenceMs = 1200
	}
	if cfg.Realtime.EOSWaitMs == 0 {
		cfg.Realtime.EOSWaitMs = 1500
	}
}
