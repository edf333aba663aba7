package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"live_quotes/internal/domain"
	"live_quotes/internal/engine"
	"live_quotes/internal/httpapi"
	"live_quotes/internal/infra"
	"live_quotes/internal/infra/mirror"
	"live_quotes/internal/infra/rest"
	"live_quotes/internal/infra/storage"
	"live_quotes/internal/infra/stream"
	"live_quotes/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const (
	pruneInterval   = time.Hour
	shutdownTimeout = 5 * time.Second
	simulatedTick   = 250 * time.Millisecond
	simulatedPull   = 50 * time.Millisecond
)

// Bootstrap wires every component from one Config. Nothing is global: the
// resolver, cache and supervisor are reachable only through this struct.
type Bootstrap struct {
	Config  *infra.Config
	Logger  *slog.Logger
	Metrics *infra.Metrics

	Cache      *service.SnapshotCache
	Fallback   *service.ThrottledFallback // nil when fallback.mode is none
	Resolver   *service.QuoteResolver
	Supervisor *engine.Supervisor
	Journal    *storage.Journal // nil when storage.journal_path is empty
	Mirror     *mirror.Mirror   // nil when mirror.redis_addr is empty
	Server     *http.Server
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(cfg *infra.Config, logger *slog.Logger) *Bootstrap {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bootstrap{Config: cfg, Logger: logger}
}

// Initialize builds the component graph. External dependencies (Redis) are
// contacted here, so a bad address fails startup rather than the first write.
func (b *Bootstrap) Initialize(ctx context.Context) error {
	cfg := b.Config
	b.Logger.Info("🚀 Bootstrapping live quotes...", slog.String("stream_mode", cfg.Stream.Mode), slog.String("fallback_mode", cfg.Fallback.Mode))

	// 1. Metrics
	b.Metrics = infra.NewMetrics()
	registry := prometheus.NewRegistry()
	if err := infra.RegisterMetrics(registry, b.Metrics); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// 2. Pull journal
	if cfg.Storage.JournalPath != "" {
		journal, err := storage.NewJournal(cfg.Storage.JournalPath)
		if err != nil {
			return err
		}
		b.Journal = journal
		b.Logger.Info("✅ Pull journal ready", slog.String("path", cfg.Storage.JournalPath))
	}

	// 3. Fallback chain
	source, err := b.newFallbackSource()
	if err != nil {
		return err
	}
	var fallback domain.FallbackSource
	if source != nil {
		opts := []service.ThrottleOption{
			service.WithFetchTimeout(cfg.Fallback.Timeout),
			service.WithThrottleMetrics(b.Metrics),
			service.WithThrottleLogger(b.Logger),
		}
		if b.Journal != nil {
			opts = append(opts, service.WithPullRecorder(b.Journal))
		}
		b.Fallback, err = service.NewThrottledFallback(source, cfg.Fallback.Cooldown, opts...)
		if err != nil {
			return err
		}
		fallback = b.Fallback
		b.Logger.Info("✅ Fallback ready", slog.Duration("cooldown", cfg.Fallback.Cooldown))
	}

	// 4. Cache + resolver
	b.Cache = service.NewSnapshotCache()
	b.Resolver = service.NewQuoteResolver(b.Cache, fallback,
		service.WithDefaults(cfg.Resolver.MaxAge, cfg.Resolver.WaitBudget),
		service.WithPollInterval(cfg.Resolver.PollInterval),
		service.WithResolverMetrics(b.Metrics),
		service.WithResolverLogger(b.Logger),
	)

	// 5. Redis mirror
	var sinks []domain.SnapshotSink
	if cfg.Mirror.RedisAddr != "" {
		m, err := mirror.NewRedisMirror(ctx, cfg.Mirror.RedisAddr, cfg.Mirror.Password, cfg.Mirror.DB, cfg.Mirror.TTL, cfg.Mirror.Buffer, b.Logger)
		if err != nil {
			return err
		}
		b.Mirror = m
		sinks = append(sinks, m)
		b.Logger.Info("✅ Redis mirror connected", slog.String("addr", cfg.Mirror.RedisAddr))
	}

	// 6. Supervisor
	connector, err := b.newConnector()
	if err != nil {
		return err
	}
	supCfg := engine.DefaultConfig()
	supCfg.ReceivePoll = cfg.Stream.ReceivePoll
	supCfg.ReconnectBaseDelay = cfg.Stream.ReconnectBaseDelay
	supCfg.ReconnectMaxDelay = cfg.Stream.ReconnectMaxDelay
	supCfg.IdleRetry = cfg.Stream.IdleRetry
	supCfg.StopTimeout = cfg.Stream.StopTimeout
	b.Supervisor, err = engine.NewSupervisor(connector, b.Cache, supCfg,
		engine.WithSinks(sinks...),
		engine.WithMetrics(b.Metrics),
		engine.WithLogger(b.Logger),
	)
	if err != nil {
		return err
	}

	// 7. HTTP surface
	opts := httpapi.Options{
		Metrics:    infra.MetricsHandler(registry),
		MaxAge:     cfg.Resolver.MaxAge,
		WaitBudget: cfg.Resolver.WaitBudget,
		Logger:     b.Logger,
	}
	if b.Journal != nil {
		opts.History = b.Journal
	}
	gin.SetMode(gin.ReleaseMode)
	handler := httpapi.NewHandler(b.Resolver, b.Supervisor, b.Cache, opts)
	b.Server = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return nil
}

func (b *Bootstrap) newConnector() (domain.StreamConnector, error) {
	cfg := b.Config
	switch cfg.Stream.Mode {
	case infra.ModeWebsocket:
		return stream.NewWebsocketConnector(cfg.Stream.WSURL, cfg.Stream.Token,
			stream.WithHandshakeTimeout(cfg.Stream.HandshakeTimeout),
			stream.WithLogger(b.Logger),
		), nil
	case infra.ModeSimulated:
		return stream.NewSimulatedConnector(simulatedTick), nil
	}
	return nil, &domain.ConfigError{Field: "stream.mode", Err: fmt.Errorf("unknown mode %q", cfg.Stream.Mode)}
}

// newFallbackSource returns nil, nil when the fallback is disabled.
func (b *Bootstrap) newFallbackSource() (domain.FallbackSource, error) {
	cfg := b.Config
	switch cfg.Fallback.Mode {
	case infra.ModeREST:
		return rest.NewClient(cfg.Fallback.RestURL, cfg.Fallback.Token,
			rest.WithTimeout(cfg.Fallback.Timeout),
			rest.WithIndexSymbols(cfg.Fallback.IndexSymbols),
			rest.WithLogger(b.Logger),
		), nil
	case infra.ModeSimulated:
		return rest.NewSimulatedSource(simulatedPull), nil
	case infra.ModeNone:
		return nil, nil
	}
	return nil, &domain.ConfigError{Field: "fallback.mode", Err: fmt.Errorf("unknown mode %q", cfg.Fallback.Mode)}
}

// Run starts ingestion and the HTTP server and blocks until ctx is done or
// one of them fails. Everything is stopped before Run returns.
func (b *Bootstrap) Run(ctx context.Context) error {
	if err := b.Supervisor.Start(b.Config.Stream.Symbols); err != nil {
		return err
	}
	defer b.Supervisor.Stop()
	b.Logger.Info("✅ Supervisor started", slog.Any("symbols", b.Supervisor.Symbols()))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b.Logger.Info("🌐 HTTP server starting", slog.String("addr", b.Server.Addr))
		if err := b.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return b.Server.Shutdown(shutdownCtx)
	})

	if b.Mirror != nil {
		g.Go(func() error {
			return b.Mirror.Run(gctx)
		})
	}

	if b.Journal != nil && b.Config.Storage.Retention > 0 {
		g.Go(func() error {
			b.pruneLoop(gctx)
			return nil
		})
	}

	b.Logger.Info("✨ Live quotes fully operational")
	return g.Wait()
}

func (b *Bootstrap) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-b.Config.Storage.Retention)
			n, err := b.Journal.Prune(ctx, cutoff)
			if err != nil {
				b.Logger.Warn("journal prune failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				b.Logger.Debug("journal pruned", slog.Int64("rows", n))
			}
		}
	}
}

// Close releases the journal and the mirror.
func (b *Bootstrap) Close() {
	if b.Mirror != nil {
		if err := b.Mirror.Close(); err != nil {
			b.Logger.Warn("mirror close failed", slog.Any("error", err))
		}
	}
	if b.Journal != nil {
		if err := b.Journal.Close(); err != nil {
			b.Logger.Warn("journal close failed", slog.Any("error", err))
		}
	}
}
