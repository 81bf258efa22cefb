package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"tenantguard/internal/app"
	"tenantguard/internal/audit"
	"tenantguard/internal/platform/config"
	"tenantguard/internal/platform/httpserver"
	"tenantguard/internal/platform/logger"
	"tenantguard/internal/platform/metrics"
	httptransport "tenantguard/internal/transport/http"
)

// main wires the enforcement components, serves the audit API and runs the
// overflow replay worker until SIGINT or SIGTERM.
func main() {
	cfg, err := config.Load(os.Getenv("TENANTGUARD_CONFIG"))
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("close dependencies", "error", err)
		}
	}()

	if cfg.Postgres.MigrateOnStart {
		if _, err := a.Migrate(ctx); err != nil {
			return err
		}
	}

	checks := make(map[string]httptransport.HealthCheck)
	for name, check := range a.Checks() {
		checks[name] = check
	}
	router := httptransport.NewRouter(httptransport.RouterConfig{
		Audit:          httptransport.NewAuditHandler(a.Resolver, a.Audit, log),
		Gatherer:       a.Registry,
		HTTPMetrics:    metrics.NewHTTP(a.Registry),
		Checks:         checks,
		RequestTimeout: cfg.Gate.ActionTimeout,
		Logger:         log,
	})
	srv := httpserver.New(cfg.Server, router)
	worker := audit.NewReplayWorker(a.Audit, cfg.Audit.ReplayInterval, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting tenantguard", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		// Entries diverted during shutdown stay in the overflow file for the
		// next start.
		if _, err := a.Audit.Replay(shutdownCtx); err != nil {
			log.Warn("final overflow replay incomplete", "error", err)
		}
		return nil
	})
	return g.Wait()
}
