// Command voxgate is the main entry point for the Voxgate LLM gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/server"
	"github.com/voxgate/voxgate/pkg/provider"
	"github.com/voxgate/voxgate/pkg/provider/chat"
	chatgemini "github.com/voxgate/voxgate/pkg/provider/chat/gemini"
	chatopenai "github.com/voxgate/voxgate/pkg/provider/chat/openai"
	upstream "github.com/voxgate/voxgate/pkg/provider/realtime"
	rtgemini "github.com/voxgate/voxgate/pkg/provider/realtime/gemini"
	rtopenai "github.com/voxgate/voxgate/pkg/provider/realtime/openai"
)

// version is stamped at build time via -ldflags "-X main.version=…".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("voxgate", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voxgate: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	slog.Info("voxgate starting",
		"version", version,
		"config", *configPath,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voxgate",
		ServiceVersion: version,
		Environment:    os.Getenv("VOXGATE_ENV"),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg, providers)

	// ── Gateway ───────────────────────────────────────────────────────────────
	gateway, err := server.New(ctx, cfg, providers, logger, server.WithVersion(version))
	if err != nil {
		slog.Error("failed to initialise gateway", "err", err)
		return 1
	}

	slog.Info("gateway ready — press Ctrl+C to shut down")

	if err := gateway.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// buildProviders instantiates the upstream adapters for every provider with a
// configured credential. A provider without a key is skipped; client-supplied
// keys are handled by the auth layer.
func buildProviders(ctx context.Context, cfg *config.Config) (server.Providers, error) {
	ps := server.Providers{
		Chat:     make(map[string]chat.Provider),
		Realtime: make(map[string]upstream.Dialer),
	}

	if pc := cfg.Providers.OpenAI; pc.APIKey != "" {
		var opts []chatopenai.Option
		if pc.BaseURL != "" {
			opts = append(opts, chatopenai.WithBaseURL(pc.BaseURL))
		}
		if pc.UseResponsesAPI {
			opts = append(opts, chatopenai.WithResponsesAPI(true))
		}
		if cfg.Server.RequestTimeout > 0 {
			opts = append(opts, chatopenai.WithTimeout(cfg.Server.RequestTimeout))
		}
		p, err := chatopenai.New(pc.APIKey, opts...)
		if err != nil {
			return ps, fmt.Errorf("create openai provider: %w", err)
		}
		ps.Chat[provider.OpenAI] = p

		var rtOpts []rtopenai.Option
		if pc.BaseURL != "" {
			rtOpts = append(rtOpts, rtopenai.WithBaseURL(pc.BaseURL))
		}
		ps.Realtime[provider.OpenAI] = rtopenai.New(pc.APIKey, rtOpts...)
		slog.Info("provider created", "name", "openai", "responses_api", pc.UseResponsesAPI)
	}

	if pc := cfg.Providers.Gemini; pc.APIKey != "" {
		p, err := chatgemini.New(ctx, pc.APIKey)
		if err != nil {
			return ps, fmt.Errorf("create gemini provider: %w", err)
		}
		ps.Chat[provider.Gemini] = p

		var rtOpts []rtgemini.Option
		if pc.BaseURL != "" {
			rtOpts = append(rtOpts, rtgemini.WithBaseURL(pc.BaseURL))
		}
		ps.Realtime[provider.Gemini] = rtgemini.New(pc.APIKey, rtOpts...)
		slog.Info("provider created", "name", "gemini")
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, providers server.Providers) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Voxgate — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printLine("OpenAI", providerState(providers, provider.OpenAI))
	printLine("Gemini", providerState(providers, provider.Gemini))
	printLine("Auth", onOff(cfg.Auth.Enabled))
	printLine("Client keys", onOff(cfg.Auth.AllowClientKeys))
	printLine("Cache", cacheState(cfg))
	printLine("Rate limits", onOff(cfg.RateLimit.EnabledOrDefault()))
	printLine("Realtime", onOff(cfg.Realtime.EnabledOrDefault()))
	printLine("Listen", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerState(providers server.Providers, name string) string {
	if _, ok := providers.Chat[name]; ok {
		return "configured"
	}
	return "(no key)"
}

func cacheState(cfg *config.Config) string {
	if !cfg.Cache.EnabledOrDefault() {
		return "disabled"
	}
	return string(cfg.Cache.Backend)
}

func onOff(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func printLine(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
