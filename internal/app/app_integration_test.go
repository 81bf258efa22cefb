//go:build integration

package app_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"tenantguard/internal/app"
	"tenantguard/internal/audit"
	"tenantguard/internal/gate"
	"tenantguard/internal/isolation"
	"tenantguard/internal/platform/config"
	"tenantguard/internal/tenant/resolver"
	tenantservice "tenantguard/internal/tenant/service"
	"tenantguard/pkg/testutil/containers"
)

// =============================================================================
// Wiring Integration Suite
// =============================================================================
// Builds the full component graph from configuration against real Postgres
// and Redis, then drives one tenant through provisioning, gated access and
// violation review.

type AppIntegrationSuite struct {
	suite.Suite
	ctx context.Context
	app *app.App
}

func TestAppIntegrationSuite(t *testing.T) {
	suite.Run(t, new(AppIntegrationSuite))
}

func (s *AppIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()
	pg := containers.Postgres(s.T())
	rc := containers.Redis(s.T())

	cfg := config.Default()
	cfg.Postgres.DSN = pg.DSN
	cfg.Redis.URL = rc.URL
	cfg.Audit.OverflowPath = filepath.Join(s.T().TempDir(), "overflow.cbor")

	a, err := app.New(s.ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.Require().NoError(err)
	s.app = a
}

func (s *AppIntegrationSuite) TearDownSuite() {
	if s.app != nil {
		s.NoError(s.app.Close())
	}
}

func (s *AppIntegrationSuite) TestMigrateIsIdempotent() {
	applied, err := s.app.Migrate(s.ctx)
	s.Require().NoError(err)
	s.Empty(applied)
}

func (s *AppIntegrationSuite) TestChecksPass() {
	checks := s.app.Checks()
	s.Contains(checks, "postgres")
	s.Contains(checks, "redis")
	for name, check := range checks {
		s.NoError(check(s.ctx), name)
	}
}

func (s *AppIntegrationSuite) TestProvisionResolveAndGate() {
	operator, err := resolver.NewTenantContext("ops-"+uuid.NewString(), resolver.RolePrivilegedOperator, "", "")
	s.Require().NoError(err)

	home, err := s.app.Tenants.Provision(s.ctx, operator, tenantservice.ProvisionRequest{Slug: "Home Co"})
	s.Require().NoError(err)
	other, err := s.app.Tenants.Provision(s.ctx, operator, tenantservice.ProvisionRequest{Slug: "Other Co"})
	s.Require().NoError(err)

	user, err := s.app.Resolver.Resolve(s.ctx, resolver.Principal{
		IdentityID: "u-" + uuid.NewString(),
		Role:       string(resolver.RoleStandard),
		TenantID:   home.ID,
	})
	s.Require().NoError(err)
	s.Equal(home.Partition, user.Partition().Name())

	table, err := gate.Execute(s.ctx, s.app.Gate, user, gate.Request{Operation: audit.OperationRead, Entity: "invoice"},
		func(_ context.Context, scope gate.Scope) (string, error) {
			return scope.Qualify("invoices")
		})
	s.Require().NoError(err)
	s.Contains(table, home.Partition)

	_, err = gate.Execute(s.ctx, s.app.Gate, user, gate.Request{Operation: audit.OperationRead, Entity: "invoice", TargetTenant: other.ID},
		func(context.Context, gate.Scope) (string, error) {
			s.Fail("action must not run for a foreign tenant")
			return "", nil
		})
	denial, ok := isolation.AsDenial(err)
	s.Require().True(ok)
	s.Equal(isolation.LayerApplication, denial.Layer)

	_, err = gate.Execute(s.ctx, s.app.Gate, operator, gate.Request{Operation: audit.OperationRead, Entity: "invoice", TargetTenant: other.ID},
		func(_ context.Context, scope gate.Scope) (string, error) {
			return scope.Qualify("invoices")
		})
	s.Require().NoError(err)

	violations, err := s.app.Audit.Violations(s.ctx, audit.Filter{TenantID: other.ID})
	s.Require().NoError(err)
	var denied, overrides int
	for _, e := range violations {
		switch {
		case !e.Allowed:
			denied++
		case e.Reason == audit.ReasonPrivilegedCrossTenant:
			overrides++
		}
	}
	s.Equal(1, denied)
	s.Equal(1, overrides)
}

func (s *AppIntegrationSuite) TestRenameKeepsPartitionAcrossCacheLevels() {
	operator, err := resolver.NewTenantContext("ops-"+uuid.NewString(), resolver.RolePrivilegedOperator, "", "")
	s.Require().NoError(err)
	t, err := s.app.Tenants.Provision(s.ctx, operator, tenantservice.ProvisionRequest{Slug: "before"})
	s.Require().NoError(err)

	first, err := s.app.Partitions.Resolve(s.ctx, t.ID)
	s.Require().NoError(err)

	_, err = s.app.Tenants.RenameSlug(s.ctx, operator, t.ID, "after")
	s.Require().NoError(err)

	second, err := s.app.Partitions.Resolve(s.ctx, t.ID)
	s.Require().NoError(err)
	s.Equal(first.Partition, second.Partition)
}
