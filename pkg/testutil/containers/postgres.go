//go:build integration

package containers

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"tenantguard/internal/backstop"
)

// PostgresContainer is a migrated tenantguard database. DB serves the
// database/sql stores, Pool serves backstop sessions.
type PostgresContainer struct {
	Container testcontainers.Container
	DSN       string
	DB        *sql.DB
	Pool      *pgxpool.Pool
}

func startPostgres(ctx context.Context) (*PostgresContainer, error) {
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("tenantguard"),
		tcpostgres.WithUsername("tenantguard"),
		tcpostgres.WithPassword("tenantguard"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, err
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		return nil, err
	}
	if _, err := backstop.Migrate(ctx, pool, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		pool.Close()
		_ = db.Close()
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &PostgresContainer{Container: container, DSN: dsn, DB: db, Pool: pool}, nil
}

// Postgres returns the shared, migrated Postgres container.
func Postgres(t *testing.T) *PostgresContainer {
	t.Helper()
	pc, err := manager.postgres(context.Background())
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	return pc
}

// ResetTenants clears the tenant directory. The audit log is append-only
// and is never cleared; tests isolate by using fresh tenant ids.
func (p *PostgresContainer) ResetTenants(ctx context.Context) error {
	_, err := p.DB.ExecContext(ctx, "DELETE FROM tenantguard.tenants")
	return err
}
