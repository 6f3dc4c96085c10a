// Package server assembles the gateway: providers, stores, middleware chain,
// routes, and the HTTP listener lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/voxgate/voxgate/internal/auth"
	"github.com/voxgate/voxgate/internal/cache"
	"github.com/voxgate/voxgate/internal/config"
	"github.com/voxgate/voxgate/internal/models"
	"github.com/voxgate/voxgate/internal/observe"
	"github.com/voxgate/voxgate/internal/ratelimit"
	"github.com/voxgate/voxgate/internal/realtime"
	"github.com/voxgate/voxgate/internal/resilience"
	"github.com/voxgate/voxgate/pkg/provider/chat"
	upstream "github.com/voxgate/voxgate/pkg/provider/realtime"
)

// shutdownTimeout bounds graceful drain of in-flight requests.
const shutdownTimeout = 15 * time.Second

// Providers bundles the upstream adapters the gateway serves. Chat adapters
// are wrapped in circuit breakers during assembly.
type Providers struct {
	Chat     map[string]chat.Provider
	Realtime map[string]upstream.Dialer
}

// Option tunes gateway assembly.
type Option func(*Gateway)

// WithVersion sets the version string reported by the health endpoints.
func WithVersion(v string) Option {
	return func(g *Gateway) { g.version = v }
}

// WithListener overrides the listener the gateway serves on, for tests that
// need an ephemeral port.
func WithListener(ln net.Listener) Option {
	return func(g *Gateway) { g.listener = ln }
}

// Gateway is the assembled service. Create with [New], serve with [Run].
type Gateway struct {
	cfg     *config.Config
	log     *slog.Logger
	version string

	providers map[string]chat.Provider
	catalog   *models.Catalog
	authn     *auth.Authenticator
	limiters  *ratelimit.Set
	cache     *cache.RequestCache
	registry  *realtime.Registry
	meters    *realtime.Meters
	metrics   *observe.Metrics

	pool     *pgxpool.Pool
	handler  http.Handler
	listener net.Listener
}

// New assembles a gateway from cfg and the given upstream adapters. The
// returned gateway owns every layer it builds and tears them down in
// [Gateway.Run].
func New(ctx context.Context, cfg *config.Config, providers Providers, log *slog.Logger, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		cfg:     cfg,
		log:     log,
		metrics: observe.DefaultMetrics(),
	}

	g.providers = make(map[string]chat.Provider, len(providers.Chat))
	names := make([]string, 0, len(providers.Chat))
	for name, p := range providers.Chat {
		g.providers[name] = resilience.Guard(p, resilience.Config{Name: name})
		names = append(names, name)
	}
	g.catalog = models.NewCatalog(names...)

	if err := g.initAuth(ctx); err != nil {
		return nil, err
	}
	if err := g.initCache(ctx); err != nil {
		return nil, err
	}
	if cfg.RateLimit.EnabledOrDefault() {
		g.limiters = ratelimit.NewDefaultSet()
	}

	rt := cfg.Realtime
	g.registry = realtime.NewRegistry(rt.MaxSessions, rt.MaxSessionsPerKey)
	g.meters = realtime.NewMeters(
		time.Duration(rt.APMAudioSecondsPerMin)*time.Second,
		rt.RPMPerKey,
	)

	for _, opt := range opts {
		opt(g)
	}

	g.handler = g.buildRouter(providers.Realtime)
	return g, nil
}

// initAuth builds the authenticator: anonymous when auth is disabled,
// otherwise a memory or Postgres key store per config.
func (g *Gateway) initAuth(ctx context.Context) error {
	usage := auth.NewUsageTracker()

	if !g.cfg.Auth.Enabled {
		g.authn = auth.NewAnonymousAuthenticator(usage)
		return nil
	}

	var store auth.KeyStore
	if dsn := g.cfg.Auth.PostgresDSN; dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("server: connect key store: %w", err)
		}
		pg := auth.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("server: migrate key store: %w", err)
		}
		g.pool = pool
		store = pg
	} else {
		store = auth.NewMemoryStore(g.cfg.Auth.Keys)
	}

	g.authn = auth.NewAuthenticator(store, usage, g.cfg.Auth.AllowClientKeys)
	return nil
}

// initCache builds the response cache over the configured backend.
func (g *Gateway) initCache(ctx context.Context) error {
	if !g.cfg.Cache.EnabledOrDefault() {
		return nil
	}

	var (
		backend cache.Backend
		err     error
	)
	switch g.cfg.Cache.Backend {
	case config.CacheRedis:
		backend, err = cache.NewRedisBackend(ctx, g.cfg.Cache.RedisURL)
	default:
		backend, err = cache.NewMemoryBackend(g.cfg.Cache.MaxSize)
	}
	if err != nil {
		return fmt.Errorf("server: cache backend: %w", err)
	}

	g.cache = cache.New(backend, g.cfg.Cache)
	return nil
}

// Handler returns the assembled HTTP handler, for in-process tests.
func (g *Gateway) Handler() http.Handler { return g.handler }

// Cache returns the response cache, or nil when caching is disabled. The
// admin surface and tests invalidate through it.
func (g *Gateway) Cache() *cache.RequestCache { return g.cache }

// Run serves HTTP until ctx is cancelled, then drains gracefully. Blocking;
// returns nil on clean shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	bg, stopBg := context.WithCancel(context.Background())
	housekeeping := g.startHousekeeping(bg)

	addr := net.JoinHostPort(g.cfg.Server.Host, strconv.Itoa(g.cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if g.listener != nil {
			err = srv.Serve(g.listener)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	g.log.Info("gateway listening", "addr", addr)

	var serveErr error
	select {
	case <-ctx.Done():
		g.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		serveErr = srv.Shutdown(shutdownCtx)
		cancel()
	case err, ok := <-errCh:
		if ok {
			serveErr = err
		}
	}

	g.registry.CloseAll()
	stopBg()
	_ = housekeeping.Wait()
	g.close()
	return serveErr
}

// startHousekeeping launches the periodic maintenance loops. They all run
// until ctx is cancelled and never return errors.
func (g *Gateway) startHousekeeping(ctx context.Context) *errgroup.Group {
	if g.limiters != nil {
		g.limiters.Start()
	}

	eg := &errgroup.Group{}
	if g.cache != nil {
		eg.Go(func() error {
			g.cache.Run(ctx)
			return nil
		})
	}
	eg.Go(func() error {
		g.authn.Usage().RunReaper(ctx, time.Hour)
		return nil
	})
	eg.Go(func() error {
		g.meters.RunReaper(ctx, time.Minute)
		return nil
	})
	return eg
}

func (g *Gateway) close() {
	if g.limiters != nil {
		g.limiters.Stop()
	}
	if g.cache != nil {
		if err := g.cache.Close(); err != nil {
			g.log.Warn("cache close", "err", err)
		}
	}
	if g.pool != nil {
		g.pool.Close()
	}
}
