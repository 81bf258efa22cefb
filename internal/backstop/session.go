package backstop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tenantguard/internal/audit"
	"tenantguard/internal/isolation"
	"tenantguard/internal/tenant/resolver"
	dErrors "tenantguard/pkg/domain-errors"
	"tenantguard/pkg/platform/sentinel"
)

// SQLSTATE codes raised by the tenantguard schema.
const (
	CodeCrossTenantWrite = "TG001"
	CodeAuditAppendOnly  = "TG002"
	CodePartitionFrozen  = "TG003"
)

const DefaultAuditTimeout = 10 * time.Second

const setSessionStatement = `SELECT
	set_config('tenantguard.session_tenant', $1, true),
	set_config('tenantguard.session_role', $2, true),
	set_config('tenantguard.session_identity', $3, true),
	set_config('tenantguard.system_operation', $4, true)`

// Recorder persists the audit entry for a storage-level denial.
type Recorder interface {
	Record(ctx context.Context, entry audit.Entry) (audit.Receipt, error)
}

// Backstop opens storage sessions that carry the caller's tenant so the
// ownership trigger can validate each row mutation.
type Backstop struct {
	db           TxBeginner
	recorder     Recorder
	auditTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
	// traced is set when a DenialTracer on the pool already audits TG001.
	traced bool
}

type Option func(*Backstop)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Backstop) {
		b.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Backstop) {
		b.now = now
	}
}

func WithAuditTimeout(d time.Duration) Option {
	return func(b *Backstop) {
		if d > 0 {
			b.auditTimeout = d
		}
	}
}

// WithDenialTracer hands TG001 auditing to t, which must be installed on
// the pool passed to New.
func WithDenialTracer(t *DenialTracer) Option {
	return func(b *Backstop) {
		if t != nil {
			t.attach(b)
			b.traced = true
		}
	}
}

func New(db TxBeginner, recorder Recorder, opts ...Option) *Backstop {
	b := &Backstop{
		db:           db,
		recorder:     recorder,
		auditTimeout: DefaultAuditTimeout,
		now:          time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Begin opens a transaction acting for tenantID on behalf of tc. An empty
// tenantID falls back to the caller's home tenant; with neither there is no
// scope to act in.
func (b *Backstop) Begin(ctx context.Context, tc resolver.TenantContext, tenantID string) (*Session, error) {
	if tc.IsZero() {
		return nil, isolation.ErrMissingContext
	}
	if tenantID == "" {
		tenantID = tc.TenantID()
	}
	if tenantID == "" {
		return nil, isolation.ErrNoTenantScope
	}
	return b.begin(ctx, SessionState{
		TenantID:   tenantID,
		Role:       tc.Role(),
		IdentityID: tc.IdentityID(),
	})
}

// BeginSystem opens a transaction with no session tenant, for maintenance
// that legitimately spans tenants. The reason is logged.
func (b *Backstop) BeginSystem(ctx context.Context, identityID, reason string) (*Session, error) {
	if identityID == "" || reason == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "system session requires an identity and a reason")
	}
	b.logger.WarnContext(ctx, "system storage session opened",
		"identity_id", identityID,
		"reason", reason,
	)
	return b.begin(ctx, SessionState{IdentityID: identityID, System: true})
}

func (b *Backstop) begin(ctx context.Context, state SessionState) (*Session, error) {
	tx, err := b.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin storage session: %w", err)
	}
	system := "off"
	if state.System {
		system = "on"
	}
	if _, err := tx.Exec(ctx, setSessionStatement,
		state.TenantID, string(state.Role), state.IdentityID, system,
	); err != nil {
		_ = tx.Rollback(context.Background())
		return nil, fmt.Errorf("set storage session: %w", err)
	}
	return &Session{tx: tx, state: state, backstop: b}, nil
}

// Run executes fn in a session for tenantID and commits when fn succeeds.
func (b *Backstop) Run(ctx context.Context, tc resolver.TenantContext, tenantID string, fn func(ctx context.Context, s *Session) error) error {
	s, err := b.Begin(ctx, tc, tenantID)
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Rollback(context.Background())
	}()
	if err := fn(ctx, s); err != nil {
		return err
	}
	return s.Commit(ctx)
}

// Session is one tenant-scoped storage transaction. Statement errors raised
// by the ownership trigger come back as *isolation.Denial with LayerStorage.
type Session struct {
	tx       pgx.Tx
	state    SessionState
	backstop *Backstop
	done     bool
}

func (s *Session) State() SessionState { return s.state }

// Query runs a read in the session's transaction.
func (s *Session) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return s.tx.Query(ctx, sql, args...)
}

func (s *Session) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	tag, err := s.tx.Exec(ctx, sql, args...)
	if err != nil {
		return tag, s.translate(ctx, err)
	}
	return tag, nil
}

// QueryRow is for mutations with RETURNING clauses.
func (s *Session) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return translatingRow{row: s.tx.QueryRow(ctx, sql, args...), session: s, ctx: ctx}
}

func (s *Session) Commit(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	if err := s.tx.Commit(ctx); err != nil {
		return s.translate(ctx, err)
	}
	return nil
}

func (s *Session) Rollback(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	err := s.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

type translatingRow struct {
	row     pgx.Row
	session *Session
	ctx     context.Context
}

func (r translatingRow) Scan(dest ...any) error {
	if err := r.row.Scan(dest...); err != nil {
		return r.session.translate(r.ctx, err)
	}
	return nil
}

// translate maps tenantguard SQLSTATEs onto the isolation taxonomy. A
// cross-tenant rejection is audited here, or by the pool's DenialTracer
// when one is attached, because the trigger's own transaction is aborted
// and cannot keep the row.
func (s *Session) translate(ctx context.Context, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case CodeCrossTenantWrite:
		out := decodeOutcome(pgErr.Detail, s.state)
		if !s.backstop.traced {
			s.backstop.recordDenied(ctx, out)
		}
		return isolation.StorageDenied(
			fmt.Errorf("%w: %w", isolation.ErrCrossTenantDenied, err),
			out.ObservedOwnerTenant,
			out.Reason,
		)
	case CodeAuditAppendOnly:
		return dErrors.Wrap(err, dErrors.CodeInvariantViolation, "audit log is append-only")
	case CodePartitionFrozen:
		return fmt.Errorf("%w: partition name is immutable: %w", sentinel.ErrInvalidState, err)
	default:
		return err
	}
}

// decodeOutcome reads the trigger's DETAIL payload, falling back to what the
// session itself knows when the payload is missing or malformed.
func decodeOutcome(detail string, state SessionState) ValidationOutcome {
	out := ValidationOutcome{
		SessionTenant: state.TenantID,
		IdentityID:    state.IdentityID,
		Role:          state.Role,
		Reason:        audit.ReasonCrossTenantWriteBlocked,
	}
	if detail == "" {
		return out
	}
	var parsed ValidationOutcome
	if err := json.Unmarshal([]byte(detail), &parsed); err != nil {
		return out
	}
	if parsed.Reason == "" {
		parsed.Reason = out.Reason
	}
	if parsed.IdentityID == "" {
		parsed.IdentityID = out.IdentityID
	}
	if parsed.Role == "" {
		parsed.Role = out.Role
	}
	parsed.Allowed = false
	return parsed
}

func (b *Backstop) recordDenied(ctx context.Context, out ValidationOutcome) {
	op := out.Operation
	if !op.IsValid() {
		op = audit.OperationWrite
	}
	entity := out.Table
	if entity == "" {
		entity = "unknown"
	}
	b.record(ctx, audit.Entry{
		IdentityID:     out.IdentityID,
		Role:           out.Role,
		HomeTenantID:   out.SessionTenant,
		TargetTenantID: out.ObservedOwnerTenant,
		Operation:      op,
		EntityKind:     entity,
		Timestamp:      b.now(),
		Allowed:        false,
		Reason:         out.Reason,
		Source:         audit.SourceBackstop,
		Outcome:        audit.OutcomeDenied,
	})
}

func (b *Backstop) record(ctx context.Context, entry audit.Entry) {
	if b.recorder == nil {
		return
	}
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.auditTimeout)
	defer cancel()
	if _, err := b.recorder.Record(auditCtx, entry); err != nil {
		b.logger.ErrorContext(ctx, "CRITICAL: storage denial not audited",
			"identity_id", entry.IdentityID,
			"session_tenant_id", entry.HomeTenantID,
			"owner_tenant_id", entry.TargetTenantID,
			"entity_kind", entry.EntityKind,
			"error", err,
		)
	}
}
