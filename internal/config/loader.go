package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies environment
// variable overrides, fills defaults, and validates the result. A missing
// file is not an error: the gateway can run entirely from environment
// variables.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		cfg, err = decode(f)
		if err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		slog.Info("config file not found, using environment only", "path", path)
	default:
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates. Environment overrides are not applied; useful in tests where
// configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from recognised environment variables.
// Environment always wins over file values.
func ApplyEnv(cfg *Config) {
	if v := firstEnv("GATEWAY_PORT", "PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		} else {
			slog.Warn("ignoring non-numeric port from environment", "value", v)
		}
	}
	if v := firstEnv("GATEWAY_HOST", "HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.Providers.Gemini.APIKey = v
	}
	if v := os.Getenv("OPENAI_USE_RESPONSES_API"); v != "" {
		cfg.Providers.OpenAI.UseResponsesAPI = isTruthy(v)
	}
	if v := os.Getenv("CACHE_ENABLED"); v != "" {
		b := isTruthy(v)
		cfg.Cache.Enabled = &b
	}
	if v := os.Getenv("CACHE_TTL"); v != "" {
		if d, err := parseTTL(v); err == nil {
			cfg.Cache.TTL = d
		} else {
			slog.Warn("ignoring invalid CACHE_TTL", "value", v, "err", err)
		}
	}
	if v := os.Getenv("CACHE_BACKEND"); v != "" {
		// "remote" is the documented alias for the redis backend.
		if v == "remote" {
			cfg.Cache.Backend = CacheRedis
		} else {
			cfg.Cache.Backend = CacheBackend(v)
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
	}
	if v := os.Getenv("RATE_LIMITING_ENABLED"); v != "" {
		b := isTruthy(v)
		cfg.RateLimit.Enabled = &b
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = LogLevel(v)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if cfg.Logging.Level != "" && !cfg.Logging.Level.IsValid() {
		errs = append(errs, fmt.Errorf("logging.level %q is invalid; valid values: debug, info, warn, error", cfg.Logging.Level))
	}
	if !cfg.Cache.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("cache.backend %q is invalid; valid values: memory, redis", cfg.Cache.Backend))
	}
	if cfg.Cache.Backend == CacheRedis && cfg.Cache.RedisURL == "" {
		errs = append(errs, errors.New("cache.redis_url is required when cache.backend is redis"))
	}
	if !cfg.Cache.KeyStrategy.IsValid() {
		errs = append(errs, fmt.Errorf("cache.key_strategy %q is invalid; valid values: default, semantic, hierarchical, content_based", cfg.Cache.KeyStrategy))
	}
	if !cfg.Cache.Policy.IsValid() {
		errs = append(errs, fmt.Errorf("cache.policy %q is invalid; valid values: strict, permissive", cfg.Cache.Policy))
	}
	if cfg.Cache.KeyLength < 8 || cfg.Cache.KeyLength > 64 {
		errs = append(errs, fmt.Errorf("cache.key_length %d is out of range [8, 64]", cfg.Cache.KeyLength))
	}
	if cfg.Cache.MaxSize < 1 {
		errs = append(errs, fmt.Errorf("cache.max_size %d must be positive", cfg.Cache.MaxSize))
	}

	// At least one provider credential must exist unless client keys are
	// allowed — with neither, every request would fail upstream.
	if cfg.Providers.OpenAI.APIKey == "" && cfg.Providers.Gemini.APIKey == "" && !cfg.Auth.AllowClientKeys {
		errs = append(errs, errors.New("no provider API key configured and auth.allow_client_keys is false"))
	}

	seen := make(map[string]int, len(cfg.Auth.Keys))
	for i, k := range cfg.Auth.Keys {
		prefix := fmt.Sprintf("auth.keys[%d]", i)
		if k.Key == "" {
			errs = append(errs, fmt.Errorf("%s.key is required", prefix))
			continue
		}
		if prev, ok := seen[k.Key]; ok {
			errs = append(errs, fmt.Errorf("%s.key is a duplicate of auth.keys[%d]", prefix, prev))
		}
		seen[k.Key] = i
		if k.RPM < 0 {
			errs = append(errs, fmt.Errorf("%s.rpm must not be negative", prefix))
		}
	}

	if cfg.Realtime.MaxBufferMs < 100 {
		errs = append(errs, fmt.Errorf("realtime.max_buffer_ms %d must be at least 100", cfg.Realtime.MaxBufferMs))
	}
	if cfg.Realtime.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("realtime.max_sessions %d must be positive", cfg.Realtime.MaxSessions))
	}
	if cfg.Realtime.MaxSessionsPerKey < 1 {
		errs = append(errs, fmt.Errorf("realtime.max_sessions_per_key %d must be positive", cfg.Realtime.MaxSessionsPerKey))
	}

	return errors.Join(errs...)
}

// parseTTL accepts either a Go duration string ("5m") or a bare integer
// number of seconds, matching how the knob is set in container environments.
func parseTTL(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

func isTruthy(v string) bool {
	switch v {
	case "1", "true", "TRUE", "True", "yes", "on":
		return true
	}
	return false
}
