package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"tenantguard/internal/app"
	"tenantguard/internal/audit"
	"tenantguard/internal/audit/overflow"
	auditmemory "tenantguard/internal/audit/store/memory"
	"tenantguard/internal/isolation"
	"tenantguard/internal/tenant/models"
	"tenantguard/internal/tenant/partition"
	"tenantguard/internal/tenant/resolver"
	tenantservice "tenantguard/internal/tenant/service"
	"tenantguard/internal/tenant/store/directory"
)

// =============================================================================
// tgctl Command Test Suite
// =============================================================================
// Commands run against an App assembled from in-process stores. The
// partition registry keeps a long TTL so cached entries stay visible until
// a command invalidates them.

type CLISuite struct {
	suite.Suite
	ctx       context.Context
	directory *directory.InMemory
	sink      *auditmemory.InMemoryStore
	app       *app.App
	tenant    *models.Tenant
}

func TestCLISuite(t *testing.T) {
	suite.Run(t, new(CLISuite))
}

func (s *CLISuite) SetupTest() {
	s.ctx = context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.directory = directory.NewInMemory()
	s.sink = auditmemory.NewInMemoryStore()
	writer := audit.NewWriter(s.sink, overflow.NewMemory(), audit.WithLogger(logger))
	registry := partition.NewRegistry(s.directory, partition.WithTTL(time.Hour), partition.WithLogger(logger))
	s.app = &app.App{
		Logger:     logger,
		Audit:      writer,
		Partitions: registry,
		Tenants: tenantservice.New(s.directory, registry,
			tenantservice.WithLogger(logger),
			tenantservice.WithRecorder(writer),
		),
	}

	prev := openApp
	openApp = func(context.Context) (*app.App, error) { return s.app, nil }
	s.T().Cleanup(func() { openApp = prev })

	actor, err := resolver.NewTenantContext("setup", resolver.RolePrivilegedOperator, "", "")
	s.Require().NoError(err)
	s.tenant, err = s.app.Tenants.Provision(s.ctx, actor, tenantservice.ProvisionRequest{ID: "t1", Slug: "acme"})
	s.Require().NoError(err)
}

func (s *CLISuite) run(args ...string) (string, error) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(s.ctx)
	return out.String(), err
}

func (s *CLISuite) TestTenantRename() {
	out, err := s.run("tenant", "rename", "t1", "globex", "--identity", "ops")
	s.Require().NoError(err)
	s.Contains(out, "globex")
	s.Contains(out, s.tenant.Partition, "partition name survives the rename")

	stored, err := s.directory.FindByID(s.ctx, "t1")
	s.Require().NoError(err)
	s.Equal("globex", stored.Slug)
	s.Equal(s.tenant.Partition, stored.Partition)

	entries, err := s.app.Audit.Query(s.ctx, audit.Filter{TenantID: "t1", IdentityID: "ops"})
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal("tenant.rename", entries[0].EntityKind)
	s.Equal(audit.SourceLifecycle, entries[0].Source)
	s.Equal(resolver.RolePrivilegedOperator, entries[0].Role)
}

func (s *CLISuite) TestTenantRenameRequiresIdentity() {
	_, err := s.run("tenant", "rename", "t1", "globex", "--identity", "")
	s.Require().Error(err)

	stored, err := s.directory.FindByID(s.ctx, "t1")
	s.Require().NoError(err)
	s.Equal("acme", stored.Slug)
}

func (s *CLISuite) TestPartitionResolveInvalidate() {
	out, err := s.run("partition", "resolve", "t1")
	s.Require().NoError(err)
	s.Contains(out, "Partition: "+s.tenant.Partition)
	s.Contains(out, "Active:    true")

	// Change the directory behind the registry's back.
	stored, err := s.directory.FindByID(s.ctx, "t1")
	s.Require().NoError(err)
	stored.ApplyDeactivation(time.Now())
	s.Require().NoError(s.directory.Update(s.ctx, stored))

	out, err = s.run("partition", "resolve", "t1")
	s.Require().NoError(err)
	s.Contains(out, "Active:    true", "cached entry is served until invalidated")

	out, err = s.run("partition", "resolve", "t1", "--invalidate")
	s.Require().NoError(err)
	s.Contains(out, "Active:    false")
	s.Contains(out, "Partition: "+s.tenant.Partition)
}

func (s *CLISuite) TestPartitionResolveUnknownTenant() {
	_, err := s.run("partition", "resolve", "ghost")
	s.ErrorIs(err, isolation.ErrUnknownTenant)
}

func (s *CLISuite) TestAuditViolationsJSON() {
	s.Require().NoError(s.app.Audit.RecordRejection(s.ctx, resolver.Rejection{
		IdentityID: "mallory",
		Role:       resolver.RoleStandard,
		TenantID:   "t1",
		Reason:     resolver.ReasonUnresolvedTenant,
	}))

	out, err := s.run("audit", "violations", "--tenant", "t1", "--json")
	s.Require().NoError(err)

	var entries []audit.Entry
	s.Require().NoError(json.Unmarshal([]byte(out), &entries))
	s.Require().Len(entries, 1, "lifecycle entries are not violations")
	s.Equal("mallory", entries[0].IdentityID)
	s.False(entries[0].Allowed)
}
