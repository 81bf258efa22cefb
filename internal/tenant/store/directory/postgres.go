package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"tenantguard/internal/tenant/models"
	"tenantguard/pkg/platform/sentinel"
	txcontext "tenantguard/pkg/platform/tx"
)

const uniqueViolation = "23505"

// PostgresStore reads and writes the canonical tenant directory
// (tenantguard.tenants).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, t *models.Tenant) error {
	if t == nil {
		return sentinel.ErrInvalidState
	}
	query := `
		INSERT INTO tenantguard.tenants (id, slug, partition_name, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		t.ID, t.Slug, t.Partition, t.IsActive(), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, tenantID string) (*models.Tenant, error) {
	query := `
		SELECT id, slug, partition_name, active, created_at, updated_at
		FROM tenantguard.tenants
		WHERE id = $1
	`
	row := txcontext.Pick(ctx, s.db).QueryRowContext(ctx, query, tenantID)
	t, err := scanTenant(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find tenant by id: %w", err)
	}
	return t, nil
}

// Update persists slug and status. partition_name is never written after
// insert; the WHERE clause refuses a record whose partition drifted.
func (s *PostgresStore) Update(ctx context.Context, t *models.Tenant) error {
	if t == nil {
		return sentinel.ErrInvalidState
	}
	query := `
		UPDATE tenantguard.tenants
		SET slug = $2, active = $3, updated_at = $4
		WHERE id = $1 AND partition_name = $5
	`
	res, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		t.ID, t.Slug, t.IsActive(), t.UpdatedAt, t.Partition)
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update tenant rows affected: %w", err)
	}
	if rows == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.Tenant, error) {
	query := `
		SELECT id, slug, partition_name, active, created_at, updated_at
		FROM tenantguard.tenants
		ORDER BY created_at, id
	`
	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []*models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenants: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(row scanner) (*models.Tenant, error) {
	var (
		t         models.Tenant
		active    bool
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&t.ID, &t.Slug, &t.Partition, &active, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Status = models.TenantStatusInactive
	if active {
		t.Status = models.TenantStatusActive
	}
	t.CreatedAt = createdAt.UTC()
	t.UpdatedAt = updatedAt.UTC()
	return &t, nil
}
