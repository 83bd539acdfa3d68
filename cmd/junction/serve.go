package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexedwards/scs/pgxstore"
	"github.com/alexedwards/scs/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/junctionhq/junction/internal/config"
	"github.com/junctionhq/junction/internal/httpapi"
	"github.com/junctionhq/junction/internal/httpapi/handlers"
	"github.com/junctionhq/junction/internal/metrics"
	"github.com/junctionhq/junction/internal/sync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, metrics listener, and background maintenance loops.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	logger := slog.Default()

	svc, err := buildServices(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}
	lanes := buildLaneRunners(cfg, svc, logger)
	startBackgroundLoops(ctx, cfg, pool, svc, lanes, logger)

	// OAuth begin/callback ride a browser session so the callback can be
	// bound to the browser that started the flow.
	sessions := scs.New()
	sessions.Store = pgxstore.New(pool)
	sessions.Lifetime = cfg.SessionLifetime
	sessions.Cookie.Secure = cfg.AuthCookieSecure

	h := &handlers.Handlers{
		Cfg:        cfg,
		Store:      svc.Store,
		Registry:   svc.Registry,
		Sessions:   sessions,
		Secrets:    svc.Secrets,
		Flows:      svc.Flows,
		Health:     svc.Checks,
		Rotator:    svc.Rotator,
		Verifier:   svc.Verifier,
		Dispatcher: svc.Dispatcher,
		Syncer:     svc.Syncer,
		Trigger:    apiTriggerRunner(cfg, pool, svc, lanes),
	}

	api, err := httpapi.NewServer(h)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	_, metricsErrCh := metrics.StartServer(ctx, cfg.MetricsAddr, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", cfg.HTTPAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	case err := <-metricsErrCh:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	return runErr
}

// apiTriggerRunner picks what POST /api/sync/trigger drives. Inline mode
// runs the full lane on this process when the lane is free; queue mode
// posts the request for a trigger loop to pick up. Disabled resync
// leaves the endpoint returning 503.
func apiTriggerRunner(cfg config.Config, pool *pgxpool.Pool, svc *serviceSet, lanes laneRunners) handlers.SyncRunner {
	if !cfg.ResyncEnabled {
		return nil
	}
	if cfg.ResyncMode == "queue" {
		return sync.NewResyncSignalRunner(pool, svc.Locks)
	}
	return sync.NewTryRunOnceLockRunner(pool, sync.RunOnceScopeNameFull, lanes.Full)
}
