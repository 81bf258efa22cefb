//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"tenantguard/internal/audit"
	auditpg "tenantguard/internal/audit/store/postgres"
	"tenantguard/internal/tenant/resolver"
	"tenantguard/pkg/testutil/containers"
)

type StoreIntegrationSuite struct {
	suite.Suite
	ctx    context.Context
	store  *auditpg.Store
	tenant string
	now    time.Time
}

func TestStoreIntegrationSuite(t *testing.T) {
	suite.Run(t, new(StoreIntegrationSuite))
}

func (s *StoreIntegrationSuite) SetupSuite() {
	s.ctx = context.Background()
	s.store = auditpg.New(containers.Postgres(s.T()).DB)
}

func (s *StoreIntegrationSuite) SetupTest() {
	s.tenant = "tenant-" + uuid.NewString()
	s.now = time.Now().UTC().Truncate(time.Second)
}

func (s *StoreIntegrationSuite) entry(mutate func(*audit.Entry)) audit.Entry {
	e := audit.Entry{
		IdentityID:      "alice",
		Role:            resolver.RoleStandard,
		HomeTenantID:    s.tenant,
		TargetTenantID:  s.tenant,
		TargetPartition: "tenant_acme_00000000",
		Operation:       audit.OperationRead,
		EntityKind:      "invoice",
		Timestamp:       s.now,
		Allowed:         true,
		Source:          audit.SourceGate,
		Outcome:         audit.OutcomeSucceeded,
	}
	if mutate != nil {
		mutate(&e)
	}
	id, err := audit.ComputeID(e)
	s.Require().NoError(err)
	e.ID = id
	return e
}

func (s *StoreIntegrationSuite) TestAppendAndQueryRoundTrip() {
	e := s.entry(nil)
	s.Require().NoError(s.store.Append(s.ctx, e))

	got, err := s.store.Query(s.ctx, audit.Filter{TenantID: s.tenant})
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.True(e.Timestamp.Equal(got[0].Timestamp))
	got[0].Timestamp = e.Timestamp
	s.Equal(e, got[0])
}

func (s *StoreIntegrationSuite) TestDuplicateAppendIsIdempotent() {
	e := s.entry(nil)
	s.Require().NoError(s.store.Append(s.ctx, e))
	s.Require().NoError(s.store.Append(s.ctx, e))

	got, err := s.store.Query(s.ctx, audit.Filter{TenantID: s.tenant})
	s.Require().NoError(err)
	s.Len(got, 1)
}

func (s *StoreIntegrationSuite) TestFiltersAndOrdering() {
	older := s.entry(func(e *audit.Entry) {
		e.Timestamp = s.now.Add(-time.Hour)
		e.Operation = audit.OperationWrite
	})
	denied := s.entry(func(e *audit.Entry) {
		e.IdentityID = "mallory"
		e.HomeTenantID = "tenant-other"
		e.Allowed = false
		e.Reason = audit.ReasonCrossTenantDenied
		e.Outcome = audit.OutcomeDenied
	})
	for _, e := range []audit.Entry{older, denied} {
		s.Require().NoError(s.store.Append(s.ctx, e))
	}

	all, err := s.store.Query(s.ctx, audit.Filter{TenantID: s.tenant})
	s.Require().NoError(err)
	s.Require().Len(all, 2)
	s.Equal(denied.ID, all[0].ID, "newest first")

	deniedOnly, err := s.store.Query(s.ctx, audit.Filter{TenantID: s.tenant, DeniedOnly: true})
	s.Require().NoError(err)
	s.Require().Len(deniedOnly, 1)
	s.Equal("mallory", deniedOnly[0].IdentityID)

	writes, err := s.store.Query(s.ctx, audit.Filter{TenantID: s.tenant, Operations: []audit.Operation{audit.OperationWrite}})
	s.Require().NoError(err)
	s.Require().Len(writes, 1)
	s.Equal(older.ID, writes[0].ID)

	window, err := s.store.Query(s.ctx, audit.Filter{TenantID: s.tenant, From: s.now.Add(-time.Minute), To: s.now.Add(time.Minute)})
	s.Require().NoError(err)
	s.Require().Len(window, 1)
	s.Equal(denied.ID, window[0].ID)

	limited, err := s.store.Query(s.ctx, audit.Filter{TenantID: s.tenant, Limit: 1})
	s.Require().NoError(err)
	s.Len(limited, 1)
}

func (s *StoreIntegrationSuite) TestViolationsView() {
	override := s.entry(func(e *audit.Entry) {
		e.Role = resolver.RolePrivilegedOperator
		e.IdentityID = "ops"
		e.HomeTenantID = "tenant-ops"
		e.Reason = audit.ReasonPrivilegedCrossTenant
	})
	denied := s.entry(func(e *audit.Entry) {
		e.IdentityID = "mallory"
		e.Allowed = false
		e.Reason = audit.ReasonCrossTenantDenied
		e.Outcome = audit.OutcomeDenied
	})
	routine := s.entry(func(e *audit.Entry) { e.EntityKind = "report" })
	for _, e := range []audit.Entry{override, denied, routine} {
		s.Require().NoError(s.store.Append(s.ctx, e))
	}

	got, err := s.store.Query(s.ctx, audit.Filter{TenantID: s.tenant, ViolationsOnly: true})
	s.Require().NoError(err)
	ids := make([]string, 0, len(got))
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	s.ElementsMatch([]string{override.ID, denied.ID}, ids)
}

func (s *StoreIntegrationSuite) TestDeniedEntryWithoutReasonRejected() {
	e := s.entry(func(e *audit.Entry) {
		e.Allowed = false
		e.Outcome = audit.OutcomeDenied
	})
	s.Error(s.store.Append(s.ctx, e))
}
