// Command maia is the Maia realtime voice assistant server. It bridges
// browser websocket connections to Gemini Live API sessions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/maia/internal/config"
	"github.com/MrWong99/maia/internal/gateway"
	"github.com/MrWong99/maia/internal/health"
	"github.com/MrWong99/maia/internal/journal"
	"github.com/MrWong99/maia/internal/observe"
	"github.com/MrWong99/maia/internal/resilience"
	"github.com/MrWong99/maia/pkg/live"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "maia: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "maia: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("maia starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"model", cfg.Live.Model,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:      cfg.Telemetry.ServiceName,
		ServiceVersion:   version,
		TraceSampleRatio: cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Journal ───────────────────────────────────────────────────────────────
	store, closeStore, err := openJournal(ctx, cfg.Journal)
	if err != nil {
		slog.Error("failed to open journal", "err", err)
		return 1
	}
	defer closeStore()

	// ── Live upstream ─────────────────────────────────────────────────────────
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "live",
		MaxFailures:  cfg.Live.Breaker.MaxFailures,
		ResetTimeout: cfg.Live.Breaker.ResetTimeout,
		IsFailure:    upstreamFailure,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state changed", "name", name, "from", from, "to", to)
		},
	})

	liveCfg := cfg.Live
	newClient := func() gateway.LiveClient {
		return live.New(liveCfg.APIKey,
			live.WithBaseURL(liveCfg.BaseURL),
			live.WithSetupTimeout(liveCfg.SetupTimeout),
			live.WithKeepalive(liveCfg.Keepalive),
			live.WithLogger(slog.Default()),
			live.WithDroppedFrameHook(func(pe *live.ProtocolError) {
				metrics.RecordProtocolError(context.Background(), pe.Reason)
			}),
		)
	}

	settings, err := gateway.SettingsFromConfig(cfg)
	if err != nil {
		slog.Error("invalid assistant settings", "err", err)
		return 1
	}
	gw := gateway.New(settings, newClient,
		gateway.WithBreaker(breaker),
		gateway.WithJournal(store),
		gateway.WithMetrics(metrics),
		gateway.WithOriginPatterns(cfg.Server.AllowedOrigins...),
	)

	// ── HTTP ──────────────────────────────────────────────────────────────────
	hh := health.New(
		health.Checker{Name: "journal", Check: store.Ping},
		health.Checker{Name: "live_upstream", Check: breaker.Ready},
	)
	mux := http.NewServeMux()
	gw.Register(mux)
	hh.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.AssistantChanged || d.WidgetsChanged || d.SessionChanged || d.ModelChanged {
			next, err := gateway.SettingsFromConfig(new)
			if err != nil {
				slog.Warn("config reload: keeping previous session settings", "err", err)
			} else {
				gw.Apply(next)
				slog.Info("session settings reloaded, applies to new connections")
			}
		}
		for _, field := range d.RestartRequired {
			slog.Warn("config reload: change needs a restart", "field", field)
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	// ── Serve until signalled ─────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready", "addr", srv.Addr, "tls", cfg.Server.TLS != nil)
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")
		hh.SetDraining(true)

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := gw.Shutdown(sctx); err != nil {
			errs = append(errs, err)
		}
		if err := srv.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// openJournal returns the PostgreSQL journal when a DSN is configured and
// the in-memory journal otherwise.
func openJournal(ctx context.Context, cfg config.JournalConfig) (journal.Store, func(), error) {
	if cfg.PostgresDSN == "" {
		slog.Info("journal: keeping sessions in memory")
		return journal.NewMemory(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("journal: ping: %w", err)
	}
	store := journal.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	slog.Info("journal: using postgres")
	return store, pool.Close, nil
}

// upstreamFailure counts dial and setup failures against the breaker.
// Rejected configs and caller cancellations do not trip it.
func upstreamFailure(err error) bool {
	var te *live.TransportError
	return errors.As(err, &te) || errors.Is(err, live.ErrSetupTimeout)
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
