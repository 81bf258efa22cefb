// Package app assembles the enforcement components from configuration.
// Both the HTTP server and the operator CLI build on it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"tenantguard/internal/audit"
	"tenantguard/internal/audit/alert"
	"tenantguard/internal/audit/overflow"
	auditpg "tenantguard/internal/audit/store/postgres"
	"tenantguard/internal/backstop"
	"tenantguard/internal/gate"
	"tenantguard/internal/platform/config"
	"tenantguard/internal/platform/kafka"
	"tenantguard/internal/platform/postgres"
	"tenantguard/internal/platform/redis"
	tenantmetrics "tenantguard/internal/tenant/metrics"
	"tenantguard/internal/tenant/partition"
	"tenantguard/internal/tenant/resolver"
	tenantservice "tenantguard/internal/tenant/service"
	"tenantguard/internal/tenant/store/directory"
	txcontext "tenantguard/pkg/platform/tx"
)

// App holds the wired components and the connections they share.
type App struct {
	Config   config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry

	DB    *sql.DB
	Pool  *pgxpool.Pool
	Redis *redis.Client
	Kafka *kafka.Client

	Overflow   *overflow.File
	Audit      *audit.Writer
	Directory  *directory.PostgresStore
	Partitions *partition.Registry
	Resolver   *resolver.Resolver
	Tenants    *tenantservice.Service
	Gate       *gate.Gate
	Backstop   *backstop.Backstop
	Denials    *backstop.DenialTracer
}

// New connects to Postgres, plus Redis and Kafka when configured, and builds
// every component. Close releases the connections.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	if err := a.connect(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) connect(ctx context.Context) error {
	var err error
	if a.DB, err = postgres.OpenDB(ctx, a.Config.Postgres); err != nil {
		return err
	}
	a.Denials = backstop.NewDenialTracer()
	if a.Pool, err = postgres.OpenPool(ctx, a.Config.Postgres, postgres.WithTracer(a.Denials)); err != nil {
		return err
	}
	if a.Redis, err = redis.New(ctx, a.Config.Redis); err != nil {
		return err
	}
	if a.Kafka, err = kafka.New(ctx, a.Config.Kafka); err != nil {
		return err
	}
	if a.Redis == nil {
		a.Logger.InfoContext(ctx, "redis not configured; partition cache is per instance")
	}
	if a.Kafka == nil {
		a.Logger.InfoContext(ctx, "kafka not configured; alerts go to the log")
	}
	return nil
}

func (a *App) build() error {
	cfg := a.Config

	var err error
	if a.Overflow, err = overflow.NewFile(cfg.Audit.OverflowPath); err != nil {
		return fmt.Errorf("open audit overflow: %w", err)
	}

	alerters := alert.Fanout{alert.NewLog(a.Logger)}
	if a.Kafka != nil {
		alerters = append(alerters, alert.NewKafka(a.Kafka, a.Kafka.Topic()))
	}
	a.Audit = audit.NewWriter(auditpg.New(a.DB), a.Overflow,
		audit.WithLogger(a.Logger),
		audit.WithMetrics(audit.NewMetrics(a.Registry)),
		audit.WithAlerter(alerters),
		audit.WithRetry(cfg.Audit.MaxAttempts, cfg.Audit.InitialBackoff, cfg.Audit.MaxBackoff),
		audit.WithAttemptTimeout(cfg.Audit.AttemptTimeout),
		audit.WithSinkBreaker(cfg.Audit.BreakerThreshold, cfg.Audit.BreakerCooldown),
	)

	tm := tenantmetrics.New(a.Registry)
	a.Directory = directory.NewPostgres(a.DB)
	regOpts := []partition.Option{
		partition.WithTTL(cfg.Registry.TTL),
		partition.WithLookupTimeout(cfg.Registry.LookupTimeout),
		partition.WithLogger(a.Logger),
		partition.WithMetrics(tm),
	}
	if a.Redis != nil {
		regOpts = append(regOpts, partition.WithSharedCache(partition.NewRedisCache(a.Redis.Client)))
	}
	a.Partitions = partition.NewRegistry(a.Directory, regOpts...)

	a.Resolver = resolver.New(a.Partitions,
		resolver.WithLogger(a.Logger),
		resolver.WithMetrics(tm),
		resolver.WithLookupTimeout(cfg.Registry.LookupTimeout),
		resolver.WithRecorder(a.Audit),
	)
	a.Tenants = tenantservice.New(a.Directory, a.Partitions,
		tenantservice.WithLogger(a.Logger),
		tenantservice.WithMetrics(tm),
		tenantservice.WithRecorder(a.Audit),
		tenantservice.WithTx(txcontext.Runner{DB: a.DB}),
	)
	a.Gate = gate.New(a.Partitions, a.Audit,
		gate.WithActionTimeout(cfg.Gate.ActionTimeout),
		gate.WithAuditTimeout(cfg.Gate.AuditTimeout),
		gate.WithLookupTimeout(cfg.Registry.LookupTimeout),
		gate.WithLogger(a.Logger),
		gate.WithMetrics(gate.NewMetrics(a.Registry)),
	)
	a.Backstop = backstop.New(a.Pool, a.Audit,
		backstop.WithLogger(a.Logger),
		backstop.WithAuditTimeout(cfg.Gate.AuditTimeout),
		backstop.WithDenialTracer(a.Denials),
	)
	return nil
}

// Migrate applies pending backstop migrations.
func (a *App) Migrate(ctx context.Context) ([]string, error) {
	return backstop.Migrate(ctx, a.Pool, a.Logger)
}

// Checks returns the readiness checks for the connected dependencies.
func (a *App) Checks() map[string]func(ctx context.Context) error {
	checks := map[string]func(ctx context.Context) error{
		"postgres": a.DB.PingContext,
	}
	if a.Redis != nil {
		checks["redis"] = a.Redis.Health
	}
	if a.Kafka != nil {
		checks["kafka"] = a.Kafka.Health
	}
	return checks
}

// Close releases every connection that was opened. Safe on a partially
// built App.
func (a *App) Close() error {
	var errs []error
	if a.Kafka != nil {
		a.Kafka.Close()
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
