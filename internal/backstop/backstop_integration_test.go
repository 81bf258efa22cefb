//go:build integration

package backstop_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"

	"tenantguard/internal/audit"
	"tenantguard/internal/audit/overflow"
	auditpg "tenantguard/internal/audit/store/postgres"
	"tenantguard/internal/backstop"
	"tenantguard/internal/isolation"
	"tenantguard/internal/platform/config"
	"tenantguard/internal/platform/postgres"
	"tenantguard/internal/tenant/resolver"
	dErrors "tenantguard/pkg/domain-errors"
	"tenantguard/pkg/testutil/containers"
)

// =============================================================================
// Storage Backstop Integration Suite
// =============================================================================
// Runs the ownership trigger against a real Postgres. Every test uses fresh
// tenant ids because the audit log cannot be cleared.

type BackstopIntegrationSuite struct {
	suite.Suite
	ctx      context.Context
	pg       *containers.PostgresContainer
	pool     *pgxpool.Pool
	writer   *audit.Writer
	backstop *backstop.Backstop

	tenantA string
	tenantB string
}

func TestBackstopIntegrationSuite(t *testing.T) {
	suite.Run(t, new(BackstopIntegrationSuite))
}

func (s *BackstopIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()
	s.pg = containers.Postgres(s.T())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.writer = audit.NewWriter(auditpg.New(s.pg.DB), overflow.NewMemory(), audit.WithLogger(logger))
	denials := backstop.NewDenialTracer()
	pool, err := postgres.OpenPool(s.ctx, config.PostgresConfig{DSN: s.pg.DSN}, postgres.WithTracer(denials))
	s.Require().NoError(err)
	s.pool = pool
	s.backstop = backstop.New(s.pool, s.writer, backstop.WithLogger(logger), backstop.WithDenialTracer(denials))

	_, err = s.pool.Exec(s.ctx, `
		CREATE SCHEMA IF NOT EXISTS app;
		CREATE TABLE IF NOT EXISTS app.documents (
			id        text PRIMARY KEY,
			tenant_id text NOT NULL,
			body      text NOT NULL DEFAULT ''
		);
		SELECT tenantguard.enforce_tenant_ownership('app.documents', 'tenant_id');`)
	s.Require().NoError(err)
}

func (s *BackstopIntegrationSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *BackstopIntegrationSuite) SetupTest() {
	s.tenantA = "tenant-a-" + uuid.NewString()
	s.tenantB = "tenant-b-" + uuid.NewString()
}

func (s *BackstopIntegrationSuite) context(identity string, role resolver.Role, tenantID string) resolver.TenantContext {
	partitionName := ""
	if tenantID != "" {
		partitionName = "tenant_it_00000000"
	}
	tc, err := resolver.NewTenantContext(identity, role, tenantID, partitionName)
	s.Require().NoError(err)
	return tc
}

func (s *BackstopIntegrationSuite) insert(tc resolver.TenantContext, tenantID, id, owner string) error {
	return s.backstop.Run(s.ctx, tc, tenantID, func(ctx context.Context, sess *backstop.Session) error {
		_, err := sess.Exec(ctx, "INSERT INTO app.documents (id, tenant_id, body) VALUES ($1, $2, 'v1')", id, owner)
		return err
	})
}

func (s *BackstopIntegrationSuite) seed(owner string) string {
	id := uuid.NewString()
	tc := s.context("seed", resolver.RoleStandard, owner)
	s.Require().NoError(s.insert(tc, "", id, owner))
	return id
}

func (s *BackstopIntegrationSuite) entriesFor(tenantID string) []audit.Entry {
	entries, err := s.writer.Query(s.ctx, audit.Filter{TenantID: tenantID})
	s.Require().NoError(err)
	return entries
}

func (s *BackstopIntegrationSuite) requireStorageDenial(err error) *isolation.Denial {
	denial, ok := isolation.AsDenial(err)
	s.Require().True(ok, "expected storage denial, got %v", err)
	s.Equal(isolation.LayerStorage, denial.Layer)
	return denial
}

func (s *BackstopIntegrationSuite) TestOwnTenantWriteAllowedSilently() {
	id := s.seed(s.tenantA)

	var owner string
	s.Require().NoError(s.pg.Pool.QueryRow(s.ctx, "SELECT tenant_id FROM app.documents WHERE id = $1", id).Scan(&owner))
	s.Equal(s.tenantA, owner)
	s.Empty(s.entriesFor(s.tenantA))
}

func (s *BackstopIntegrationSuite) TestForeignInsertBlockedAndAudited() {
	tc := s.context("alice", resolver.RoleStandard, s.tenantA)

	err := s.insert(tc, "", uuid.NewString(), s.tenantB)

	denial := s.requireStorageDenial(err)
	s.Equal(s.tenantB, denial.TenantID)
	s.Equal(audit.ReasonCrossTenantWriteBlocked, denial.Reason)

	entries := s.entriesFor(s.tenantB)
	s.Require().Len(entries, 1)
	s.False(entries[0].Allowed)
	s.Equal(audit.SourceBackstop, entries[0].Source)
	s.Equal("app.documents", entries[0].EntityKind)
	s.Equal(s.tenantA, entries[0].HomeTenantID)
}

func (s *BackstopIntegrationSuite) TestUpdateMovingRowBlocked() {
	id := s.seed(s.tenantA)
	tc := s.context("alice", resolver.RoleStandard, s.tenantA)

	err := s.backstop.Run(s.ctx, tc, "", func(ctx context.Context, sess *backstop.Session) error {
		_, err := sess.Exec(ctx, "UPDATE app.documents SET tenant_id = $1 WHERE id = $2", s.tenantB, id)
		return err
	})
	s.requireStorageDenial(err)

	var owner string
	s.Require().NoError(s.pg.Pool.QueryRow(s.ctx, "SELECT tenant_id FROM app.documents WHERE id = $1", id).Scan(&owner))
	s.Equal(s.tenantA, owner)
}

func (s *BackstopIntegrationSuite) TestForeignDeleteBlocked() {
	id := s.seed(s.tenantB)
	tc := s.context("alice", resolver.RoleStandard, s.tenantA)

	err := s.backstop.Run(s.ctx, tc, "", func(ctx context.Context, sess *backstop.Session) error {
		_, err := sess.Exec(ctx, "DELETE FROM app.documents WHERE id = $1", id)
		return err
	})
	s.requireStorageDenial(err)

	entries := s.entriesFor(s.tenantB)
	s.Require().Len(entries, 1)
	s.Equal(audit.OperationDelete, entries[0].Operation)
}

func (s *BackstopIntegrationSuite) TestPrivilegedOverrideWritesAuditRow() {
	id := s.seed(s.tenantB)
	operator := s.context("ops", resolver.RolePrivilegedOperator, s.tenantA)

	err := s.backstop.Run(s.ctx, operator, "", func(ctx context.Context, sess *backstop.Session) error {
		_, err := sess.Exec(ctx, "UPDATE app.documents SET body = 'fixed' WHERE id = $1", id)
		return err
	})
	s.Require().NoError(err)

	violations, err := s.writer.Violations(s.ctx, audit.Filter{TenantID: s.tenantB})
	s.Require().NoError(err)
	s.Require().Len(violations, 1)
	s.True(violations[0].Allowed)
	s.Equal(audit.ReasonPrivilegedCrossWrite, violations[0].Reason)
	s.Equal(audit.SourceBackstop, violations[0].Source)
}

func (s *BackstopIntegrationSuite) TestSessionWithoutTenantRejected() {
	_, err := s.pool.Exec(s.ctx, "INSERT INTO app.documents (id, tenant_id) VALUES ($1, $2)", uuid.NewString(), s.tenantA)

	var pgErr *pgconn.PgError
	s.Require().True(errors.As(err, &pgErr))
	s.Equal(backstop.CodeCrossTenantWrite, pgErr.Code)
	s.Contains(pgErr.Detail, backstop.ReasonNoSessionTenant)

	entries := s.entriesFor(s.tenantA)
	s.Require().Len(entries, 1, "raw pool rejection is audited by the tracer")
	s.False(entries[0].Allowed)
	s.Equal(backstop.ReasonNoSessionTenant, entries[0].Reason)
	s.Equal(audit.SourceBackstop, entries[0].Source)
}

// TestBareTransactionRejectionAudited scopes a transaction by hand and
// writes a foreign row without going through a Session.
func (s *BackstopIntegrationSuite) TestBareTransactionRejectionAudited() {
	tx, err := s.pool.Begin(s.ctx)
	s.Require().NoError(err)
	defer func() { _ = tx.Rollback(s.ctx) }()

	_, err = tx.Exec(s.ctx, `SELECT
		set_config('tenantguard.session_tenant', $1, true),
		set_config('tenantguard.session_role', 'standard', true),
		set_config('tenantguard.session_identity', 'mallory', true)`, s.tenantA)
	s.Require().NoError(err)

	_, err = tx.Exec(s.ctx, "INSERT INTO app.documents (id, tenant_id) VALUES ($1, $2)", uuid.NewString(), s.tenantB)
	var pgErr *pgconn.PgError
	s.Require().True(errors.As(err, &pgErr))
	s.Equal(backstop.CodeCrossTenantWrite, pgErr.Code)

	entries := s.entriesFor(s.tenantB)
	s.Require().Len(entries, 1)
	s.False(entries[0].Allowed)
	s.Equal("mallory", entries[0].IdentityID)
	s.Equal(s.tenantA, entries[0].HomeTenantID)
	s.Equal(audit.ReasonCrossTenantWriteBlocked, entries[0].Reason)
}

func (s *BackstopIntegrationSuite) TestSystemSessionAllowed() {
	sess, err := s.backstop.BeginSystem(s.ctx, "migrator", "backfill documents")
	s.Require().NoError(err)
	defer func() { _ = sess.Rollback(s.ctx) }()

	_, err = sess.Exec(s.ctx, "INSERT INTO app.documents (id, tenant_id) VALUES ($1, $2)", uuid.NewString(), s.tenantA)
	s.Require().NoError(err)
	s.Require().NoError(sess.Commit(s.ctx))
}

func (s *BackstopIntegrationSuite) TestAuditLogIsAppendOnly() {
	sess, err := s.backstop.BeginSystem(s.ctx, "dba", "attempt audit cleanup")
	s.Require().NoError(err)
	defer func() { _ = sess.Rollback(s.ctx) }()

	_, err = sess.Exec(s.ctx, "TRUNCATE tenantguard.audit_log")
	s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
}

func (s *BackstopIntegrationSuite) TestPartitionNameFrozen() {
	tenantID := uuid.NewString()
	_, err := s.pg.DB.ExecContext(s.ctx,
		"INSERT INTO tenantguard.tenants (id, slug, partition_name) VALUES ($1, $2, $3)",
		tenantID, "frozen-"+tenantID, "tenant_frozen_"+tenantID[:8])
	s.Require().NoError(err)

	sess, err := s.backstop.BeginSystem(s.ctx, "dba", "rename partition")
	s.Require().NoError(err)
	defer func() { _ = sess.Rollback(s.ctx) }()

	_, err = sess.Exec(s.ctx, "UPDATE tenantguard.tenants SET partition_name = 'tenant_other' WHERE id = $1", tenantID)
	s.Require().Error(err)
	var pgErr *pgconn.PgError
	s.Require().True(errors.As(err, &pgErr))
	s.Equal(backstop.CodePartitionFrozen, pgErr.Code)
}

// TestConcurrentCompetingMutations races sessions of the owning tenant and a
// foreign tenant over the same rows. Every foreign attempt is rejected and
// no row changes owner.
func (s *BackstopIntegrationSuite) TestConcurrentCompetingMutations() {
	const rows = 10
	ids := make([]string, rows)
	for i := range ids {
		ids[i] = s.seed(s.tenantA)
	}
	owner := s.context("alice", resolver.RoleStandard, s.tenantA)
	intruder := s.context("mallory", resolver.RoleStandard, s.tenantB)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ownerOK, intruderDenied := 0, 0
	for _, id := range ids {
		for _, tc := range []resolver.TenantContext{owner, intruder} {
			wg.Add(1)
			go func(tc resolver.TenantContext) {
				defer wg.Done()
				err := s.backstop.Run(s.ctx, tc, "", func(ctx context.Context, sess *backstop.Session) error {
					_, err := sess.Exec(ctx, "UPDATE app.documents SET tenant_id = $1, body = $2 WHERE id = $3",
						tc.TenantID(), fmt.Sprintf("by %s", tc.IdentityID()), id)
					return err
				})
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					ownerOK++
				} else if isolation.IsDenied(err) {
					intruderDenied++
				}
			}(tc)
		}
	}
	wg.Wait()

	s.Equal(rows, ownerOK)
	s.Equal(rows, intruderDenied)

	var foreign int
	s.Require().NoError(s.pg.Pool.QueryRow(s.ctx,
		"SELECT count(*) FROM app.documents WHERE id = ANY($1) AND tenant_id <> $2", ids, s.tenantA,
	).Scan(&foreign))
	s.Zero(foreign)
}
