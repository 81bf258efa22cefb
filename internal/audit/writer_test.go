package audit_test

//go:generate mockgen -source=writer.go -destination=mocks/mocks.go -package=mocks Store,Overflow,Alerter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"tenantguard/internal/audit"
	"tenantguard/internal/audit/mocks"
	"tenantguard/internal/audit/overflow"
	"tenantguard/internal/audit/store/memory"
	"tenantguard/internal/isolation"
	"tenantguard/internal/tenant/resolver"
	dErrors "tenantguard/pkg/domain-errors"
)

// =============================================================================
// Writer Test Suite
// =============================================================================
// The writer must never lose an entry silently: sink, then overflow with an
// alert, then an explicit error. Mocks let the tests script sink outages.

type WriterSuite struct {
	suite.Suite
	ctx      context.Context
	ctrl     *gomock.Controller
	store    *mocks.MockStore
	alerter  *mocks.MockAlerter
	overflow *overflow.Memory
	writer   *audit.Writer
	now      time.Time
}

func TestWriterSuite(t *testing.T) {
	suite.Run(t, new(WriterSuite))
}

func (s *WriterSuite) SetupTest() {
	s.ctx = context.Background()
	s.ctrl = gomock.NewController(s.T())
	s.store = mocks.NewMockStore(s.ctrl)
	s.alerter = mocks.NewMockAlerter(s.ctrl)
	s.overflow = overflow.NewMemory()
	s.now = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	s.writer = audit.NewWriter(s.store, s.overflow,
		audit.WithAlerter(s.alerter),
		audit.WithClock(func() time.Time { return s.now }),
		audit.WithRetry(3, time.Millisecond, 2*time.Millisecond),
		audit.WithAttemptTimeout(50*time.Millisecond),
		audit.WithSinkBreaker(3, time.Minute),
		audit.WithMetrics(audit.NewMetrics(prometheus.NewRegistry())),
		audit.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func (s *WriterSuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *WriterSuite) entry() audit.Entry {
	return audit.Entry{
		IdentityID:     "u1",
		Role:           resolver.RoleStandard,
		HomeTenantID:   "t1",
		TargetTenantID: "t1",
		Operation:      audit.OperationWrite,
		EntityKind:     "invoice",
		Allowed:        true,
		Source:         audit.SourceGate,
		Outcome:        audit.OutcomeSucceeded,
	}
}

func (s *WriterSuite) TestRecord() {
	s.Run("assigns content id and timestamp", func() {
		var stored audit.Entry
		s.store.EXPECT().Append(gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, e audit.Entry) error {
				stored = e
				return nil
			})

		receipt, err := s.writer.Record(s.ctx, s.entry())
		s.Require().NoError(err)
		s.False(receipt.Diverted)
		s.NotEmpty(receipt.ID)
		s.Equal(receipt.ID, stored.ID)
		s.Equal(s.now, stored.Timestamp)
	})

	s.Run("rejects invalid entries without touching the sink", func() {
		e := s.entry()
		e.Allowed = false
		_, err := s.writer.Record(s.ctx, e)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("retries transient failures", func() {
		gomock.InOrder(
			s.store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(errors.New("timeout")),
			s.store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil),
		)
		receipt, err := s.writer.Record(s.ctx, s.entry())
		s.Require().NoError(err)
		s.False(receipt.Diverted)
	})
}

func (s *WriterSuite) TestSinkDownDivertsToOverflow() {
	s.store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(errors.New("sink down")).Times(3)
	s.alerter.EXPECT().Alert(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, a audit.Alert) error {
			s.Equal(audit.AlertAuditWriteFailure, a.Kind)
			s.Contains(a.Cause, "sink down")
			return nil
		})

	receipt, err := s.writer.Record(s.ctx, s.entry())
	s.Require().NoError(err)
	s.True(receipt.Diverted)

	queued := s.overflow.Entries()
	s.Require().Len(queued, 1)
	s.Equal(receipt.ID, queued[0].ID)
}

func (s *WriterSuite) TestSinkAndOverflowDown() {
	failing := mocks.NewMockOverflow(s.ctrl)
	w := audit.NewWriter(s.store, failing,
		audit.WithAlerter(s.alerter),
		audit.WithRetry(1, time.Millisecond, time.Millisecond),
		audit.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(errors.New("sink down"))
	failing.EXPECT().Push(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))
	s.alerter.EXPECT().Alert(gomock.Any(), gomock.Any()).Return(nil)

	_, err := w.Record(s.ctx, s.entry())
	s.ErrorIs(err, isolation.ErrAuditWriteFailure)
}

func (s *WriterSuite) TestPrivilegedOverrideRaisesAlert() {
	e := s.entry()
	e.Role = resolver.RolePrivilegedOperator
	e.HomeTenantID = "t0"
	e.TargetTenantID = "t3"
	e.Reason = audit.ReasonPrivilegedCrossTenant

	s.store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil)
	s.alerter.EXPECT().Alert(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, a audit.Alert) error {
			s.Equal(audit.AlertPrivilegedOverride, a.Kind)
			s.Equal("t3", a.Entry.TargetTenantID)
			return errors.New("broker unreachable")
		})

	_, err := s.writer.Record(s.ctx, e)
	s.NoError(err, "alert delivery failures are not audit failures")
}

func (s *WriterSuite) TestLifecycleEntryRaisesNoOverrideAlert() {
	e := s.entry()
	e.Role = resolver.RolePrivilegedOperator
	e.HomeTenantID = ""
	e.TargetTenantID = "t3"
	e.EntityKind = "tenant.deactivate"
	e.Source = audit.SourceLifecycle
	e.Reason = "tenant deactivated"

	s.store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(nil)
	s.alerter.EXPECT().Alert(gomock.Any(), gomock.Any()).Times(0)

	_, err := s.writer.Record(s.ctx, e)
	s.NoError(err)
}

func (s *WriterSuite) TestBreakerSkipsSinkWhileOpen() {
	s.store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(errors.New("sink down")).Times(9)
	s.alerter.EXPECT().Alert(gomock.Any(), gomock.Any()).Return(nil).Times(4)

	for i := 0; i < 4; i++ {
		e := s.entry()
		e.EntityKind = []string{"a", "b", "c", "d"}[i]
		receipt, err := s.writer.Record(s.ctx, e)
		s.Require().NoError(err)
		s.True(receipt.Diverted)
	}
	s.Len(s.overflow.Entries(), 4)
}

func (s *WriterSuite) TestReplayAfterRecovery() {
	sink := memory.NewInMemoryStore()
	down := true
	flaky := mocks.NewMockStore(s.ctrl)
	flaky.EXPECT().Append(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, e audit.Entry) error {
			if down {
				return errors.New("sink down")
			}
			return sink.Append(ctx, e)
		}).AnyTimes()
	s.alerter.EXPECT().Alert(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	w := audit.NewWriter(flaky, s.overflow,
		audit.WithAlerter(s.alerter),
		audit.WithRetry(3, time.Millisecond, time.Millisecond),
		audit.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	receipt, err := w.Record(s.ctx, s.entry())
	s.Require().NoError(err)
	s.Require().True(receipt.Diverted)

	n, err := w.Replay(s.ctx)
	s.Error(err, "sink still down")
	s.Equal(0, n)
	s.Len(s.overflow.Entries(), 1)

	down = false
	n, err = w.Replay(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Empty(s.overflow.Entries())
	s.Equal(1, sink.Count(receipt.ID))

	// Replaying an entry that already landed is a no-op.
	s.Require().NoError(s.overflow.Push(s.ctx, sink.All()[0]))
	_, err = w.Replay(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, sink.Count(receipt.ID))
}

func (s *WriterSuite) TestRecordRejection() {
	var stored audit.Entry
	s.store.EXPECT().Append(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, e audit.Entry) error {
			stored = e
			return nil
		})

	err := s.writer.RecordRejection(s.ctx, resolver.Rejection{
		IdentityID: "u1",
		Role:       resolver.RoleTenantAdmin,
		TenantID:   "ghost",
		Reason:     resolver.ReasonUnresolvedTenant,
	})
	s.Require().NoError(err)
	s.False(stored.Allowed)
	s.Equal(audit.OutcomeDenied, stored.Outcome)
	s.Equal(audit.SourceGate, stored.Source)
	s.Equal(audit.OperationRead, stored.Operation)
	s.Equal(audit.EntityTenantContext, stored.EntityKind)
	s.Equal("ghost", stored.TargetTenantID)
	s.Equal(resolver.ReasonUnresolvedTenant, stored.Reason)
	s.True(stored.IsViolation())
}

func (s *WriterSuite) TestQueryAndViolations() {
	s.store.EXPECT().Query(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, f audit.Filter) ([]audit.Entry, error) {
			s.True(f.ViolationsOnly)
			s.Equal(audit.DefaultQueryLimit, f.Limit)
			s.Equal("t1", f.TenantID)
			return nil, nil
		})
	_, err := s.writer.Violations(s.ctx, audit.Filter{TenantID: "t1"})
	s.NoError(err)
}

func TestIdempotentAppend(t *testing.T) {
	sink := memory.NewInMemoryStore()
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	w := audit.NewWriter(sink, overflow.NewMemory(), audit.WithClock(func() time.Time { return now }))

	e := audit.Entry{
		IdentityID: "u1", Role: resolver.RoleViewer, HomeTenantID: "t1", TargetTenantID: "t1",
		Operation: audit.OperationRead, EntityKind: "invoice", Allowed: true, Source: audit.SourceGate,
	}
	first, err := w.Record(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}
	e.Timestamp = now.Add(300 * time.Millisecond)
	second, err := w.Record(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected identical ids, got %s and %s", first.ID, second.ID)
	}
	if got := sink.Count(first.ID); got != 1 {
		t.Fatalf("expected one stored row, got %d", got)
	}
}
