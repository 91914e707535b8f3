package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/reelrelay/config"
	"github.com/onnwee/reelrelay/crypto"
	"github.com/onnwee/reelrelay/db"
	"github.com/onnwee/reelrelay/pipeline"
	"github.com/onnwee/reelrelay/relay"
	"github.com/onnwee/reelrelay/retention"
	"github.com/onnwee/reelrelay/server"
	"github.com/onnwee/reelrelay/telemetry"
	"github.com/onnwee/reelrelay/transport"
)

const (
	transportGrace    = 10 * time.Second
	transportWaitKill = 5 * time.Second
)

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start signal-cli and relay analyses (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return runRelay(cmd.Context(), cfg)
		},
	}
}

// openHistory connects to Postgres, applies migrations and returns the store.
// It returns nils when DB_DSN is unset.
func openHistory(ctx context.Context, cfg *config.Config) (*sql.DB, *db.HistoryStore, error) {
	if cfg.DBDsn == "" {
		slog.Info("analysis history disabled (DB_DSN not set)")
		return nil, nil, nil
	}
	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open db: %w", err)
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.Migrate(ctx, database); err != nil {
		_ = database.Close()
		return nil, nil, fmt.Errorf("failed to migrate db: %w", err)
	}

	var protector db.Protector
	if cfg.HistorySourceKey != "" {
		kr, err := crypto.NewKeyring(cfg.HistorySourceKey)
		if err != nil {
			_ = database.Close()
			return nil, nil, fmt.Errorf("HISTORY_SOURCE_KEY: %w", err)
		}
		protector = kr
		slog.Info("history source ids are pseudonymized")
	} else {
		slog.Warn("HISTORY_SOURCE_KEY not set - source ids are stored in plaintext")
	}
	store := db.NewHistoryStore(database, protector)
	if n, err := store.AbandonRunning(ctx); err != nil {
		slog.Warn("failed to close out interrupted analyses", slog.Any("err", err))
	} else if n > 0 {
		slog.Info("marked interrupted analyses as aborted", slog.Int("count", n))
	}
	return database, store, nil
}

func runRelay(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("reelrelay", version)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}
	defer shutdownTracing()

	database, store, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	if database != nil {
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
	}

	ws, err := pipeline.NewWorkspace(cfg.WorkDir, cfg.KeepWorkDirs)
	if err != nil {
		return err
	}
	var pruner retention.Pruner
	if store != nil {
		pruner = store
	}
	janitor := retention.NewJob(retention.PolicyFromConfig(cfg), ws, pruner, nil)

	// The transport outlives ctx so queued replies can still be flushed on shutdown.
	procCtx, killTransport := context.WithCancel(context.WithoutCancel(ctx))
	defer killTransport()
	proc, err := transport.Start(procCtx, transport.Config{
		Path:      cfg.SignalCLIPath,
		Args:      cfg.SignalCLIArgs(),
		WaitDelay: transportWaitKill,
	})
	if err != nil {
		return fmt.Errorf("start signal-cli: %w", err)
	}

	outbox := relay.NewOutbox(proc.Stdin(), cfg.ReplyQueueSize, nil)
	limiter := relay.NewLimiter(cfg.MaxConcurrentAnalyses, cfg.QueuePolicy == config.PolicyReject, cfg.MaxInflightPerSource)
	dcfg := relay.DispatcherConfig{
		Analyzer:      pipeline.New(pipeline.OptionsFromConfig(cfg), nil),
		Outbox:        outbox,
		Limiter:       limiter,
		Workspace:     ws,
		Timeout:       cfg.AnalysisTimeout,
		MaxReplyChars: cfg.MaxReplyChars,
	}
	if store != nil {
		dcfg.History = store
	}
	dispatcher := relay.NewDispatcher(dcfg)
	loop := relay.New(dispatcher, nil)

	slog.Info("relay starting",
		slog.String("version", version),
		slog.Int("max_concurrent_analyses", cfg.MaxConcurrentAnalyses),
		slog.String("queue_policy", cfg.QueuePolicy),
		slog.Duration("analysis_timeout", cfg.AnalysisTimeout))

	outboxCtx, stopOutbox := context.WithCancel(context.Background())
	defer stopOutbox()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := loop.Run(gctx, proc.Stdout())
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error { return outbox.Run(outboxCtx) })
	g.Go(func() error { return janitor.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		// In-flight tasks derive from gctx and end as aborted without a reply.
		dispatcher.Wait()
		stopOutbox()
		<-outbox.Stopped()
		if err := proc.Close(); err != nil {
			slog.Warn("failed to close transport stdin", slog.Any("err", err))
		}
		// The relay loop returns once signal-cli closes stdout.
		time.AfterFunc(transportGrace, killTransport)
		return nil
	})

	if cfg.HTTPAddr != "" {
		deps := server.Deps{
			Tasks:   dispatcher.Tasks(),
			Limiter: limiter,
			Outbox:  outbox,
			DB:      database,
			Ready:   loop.Running,
			Auth: server.AuthConfig{
				Username: cfg.AdminUsername,
				Password: cfg.AdminPassword,
				Token:    cfg.AdminToken,
			},
			Version:         version,
			CancelPerMinute: 30,
			TrustProxy:      cfg.TrustProxyHeaders,
		}
		if store != nil {
			deps.History = store
		}
		handler := server.NewMux(gctx, deps)
		g.Go(func() error { return server.Start(gctx, cfg.HTTPAddr, handler) })
	}

	startPprof(gctx)

	runErr := g.Wait()
	time.AfterFunc(transportGrace, killTransport)
	if err := proc.Wait(); err != nil && runErr == nil && ctx.Err() == nil {
		runErr = err
	}
	if errors.Is(runErr, relay.ErrTransportClosed) {
		return fmt.Errorf("signal-cli exited: %w", runErr)
	}
	return runErr
}

// startPprof enables profiling endpoints in debug mode (ENABLE_PPROF=1).
func startPprof(ctx context.Context) {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
	srv := &http.Server{
		Addr:              pprofAddr,
		Handler:           nil, // default mux exposes /debug/pprof
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
