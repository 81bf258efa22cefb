// Package gate is the mandatory entry point for every operation on
// tenant-owned data. Each call makes one access decision, runs the action
// only inside the decided partition, and emits exactly one audit entry
// before returning.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tenantguard/internal/audit"
	"tenantguard/internal/isolation"
	"tenantguard/internal/tenant/partition"
	"tenantguard/internal/tenant/resolver"
	dErrors "tenantguard/pkg/domain-errors"
)

const (
	DefaultActionTimeout = 30 * time.Second
	DefaultAuditTimeout  = 10 * time.Second
	DefaultLookupTimeout = 2 * time.Second
)

var tracer = otel.Tracer("tenantguard/gate")

// Request describes the data operation being attempted.
//
// TargetTenant is the tenant the caller asks to act on; empty means the
// caller's home tenant. OwnerTenant is the owner recorded on the entity
// being touched, when the caller already knows it. If both are set they
// must agree.
type Request struct {
	Operation    audit.Operation
	Entity       string
	TargetTenant string
	OwnerTenant  string
}

// Scope is everything an action may know about where it runs.
type Scope struct {
	TenantID  string
	Partition partition.Handle
}

// Qualify returns the sanitized identifier of table inside the scope's partition.
func (s Scope) Qualify(table string) (string, error) {
	return s.Partition.Qualify(table)
}

// Partitions resolves foreign tenants for privileged operators.
type Partitions interface {
	Resolve(ctx context.Context, tenantID string) (partition.Entry, error)
}

// Recorder persists audit entries.
type Recorder interface {
	Record(ctx context.Context, entry audit.Entry) (audit.Receipt, error)
}

// Gate holds the collaborators shared by every Execute call.
type Gate struct {
	partitions    Partitions
	recorder      Recorder
	actionTimeout time.Duration
	auditTimeout  time.Duration
	lookupTimeout time.Duration
	now           func() time.Time
	logger        *slog.Logger
	metrics       *Metrics
}

type Option func(*Gate)

func WithActionTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.actionTimeout = d
		}
	}
}

func WithAuditTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.auditTimeout = d
		}
	}
}

func WithLookupTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.lookupTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

func New(partitions Partitions, recorder Recorder, opts ...Option) *Gate {
	g := &Gate{
		partitions:    partitions,
		recorder:      recorder,
		actionTimeout: DefaultActionTimeout,
		auditTimeout:  DefaultAuditTimeout,
		lookupTimeout: DefaultLookupTimeout,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// decision is the outcome of the access check, before the action runs.
type decision struct {
	scope  Scope
	entry  audit.Entry
	denial *isolation.Denial
	err    error
}

// Execute decides whether tc may perform req, runs action inside the decided
// scope, and records exactly one audit entry before returning.
//
// Denials are returned as *isolation.Denial with LayerApplication; the action
// never runs for them. Action errors are returned unchanged. A panicking
// action is audited as a failed, disallowed operation and the panic is
// re-raised. Audit persistence problems never change the return value.
func Execute[T any](ctx context.Context, g *Gate, tc resolver.TenantContext, req Request, action func(ctx context.Context, scope Scope) (T, error)) (T, error) {
	var zero T
	if err := validate(tc, req); err != nil {
		return zero, err
	}

	ctx, span := tracer.Start(ctx, "gate.execute", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("identity.id", tc.IdentityID()),
		attribute.String("identity.role", string(tc.Role())),
		attribute.String("tenant.home", tc.TenantID()),
		attribute.String("operation", string(req.Operation)),
		attribute.String("entity", req.Entity),
	)

	d := g.decide(ctx, tc, req)
	span.SetAttributes(attribute.String("tenant.target", d.entry.TargetTenantID))
	if d.denial != nil || d.err != nil {
		g.record(ctx, d.entry)
		err := d.err
		if d.denial != nil {
			err = d.denial
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, d.entry.Reason)
		return zero, err
	}

	entry := d.entry
	if ctx.Err() != nil {
		entry.Outcome = audit.OutcomeCancelled
		entry.Reason = cancelReason(entry.Reason)
		g.record(ctx, entry)
		return zero, ctx.Err()
	}

	actionCtx, cancel := context.WithTimeout(ctx, g.actionTimeout)
	defer cancel()

	var (
		result   T
		actErr   error
		panicked bool
		panicVal any
	)
	start := time.Now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				panicVal = r
			}
		}()
		result, actErr = action(actionCtx, d.scope)
	}()
	g.metrics.observeAction(string(req.Operation), start)

	switch {
	case panicked:
		entry.Allowed = false
		entry.Reason = audit.ReasonInternalError
		entry.Outcome = audit.OutcomePanicked
		g.record(ctx, entry)
		span.SetStatus(codes.Error, "action panicked")
		g.logger.ErrorContext(ctx, "gated action panicked",
			"identity_id", tc.IdentityID(),
			"target_tenant_id", entry.TargetTenantID,
			"entity_kind", entry.EntityKind,
			"panic", fmt.Sprint(panicVal),
		)
		panic(panicVal)
	case actErr != nil && (isCancellation(actErr) || ctx.Err() != nil):
		entry.Outcome = audit.OutcomeCancelled
		entry.Reason = cancelReason(entry.Reason)
	case actErr != nil:
		entry.Outcome = audit.OutcomeFailed
	default:
		entry.Outcome = audit.OutcomeSucceeded
	}

	g.record(ctx, entry)
	if actErr != nil {
		span.RecordError(actErr)
		span.SetStatus(codes.Error, string(entry.Outcome))
		return zero, actErr
	}
	return result, nil
}

func validate(tc resolver.TenantContext, req Request) error {
	if tc.IsZero() {
		return dErrors.New(dErrors.CodeValidation, "gate: unresolved tenant context")
	}
	if !req.Operation.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "gate: invalid operation: "+string(req.Operation))
	}
	if strings.TrimSpace(req.Entity) == "" {
		return dErrors.New(dErrors.CodeValidation, "gate: entity kind is required")
	}
	return nil
}

func (g *Gate) decide(ctx context.Context, tc resolver.TenantContext, req Request) decision {
	entry := audit.Entry{
		IdentityID:   tc.IdentityID(),
		Role:         tc.Role(),
		HomeTenantID: tc.TenantID(),
		Operation:    req.Operation,
		EntityKind:   req.Entity,
		Timestamp:    g.now().UTC(),
		Allowed:      true,
		Source:       audit.SourceGate,
	}
	deny := func(err error, target, reason string) decision {
		entry.TargetTenantID = target
		entry.Allowed = false
		entry.Reason = reason
		entry.Outcome = audit.OutcomeDenied
		return decision{entry: entry, denial: isolation.ApplicationDenied(err, target, reason)}
	}

	owner := strings.TrimSpace(req.OwnerTenant)
	target := strings.TrimSpace(req.TargetTenant)
	if owner != "" && target != "" && owner != target {
		return deny(isolation.ErrCrossTenantDenied, owner, audit.ReasonOwnerTargetMismatch)
	}
	effective := owner
	if effective == "" {
		effective = target
	}
	if effective == "" {
		effective = tc.TenantID()
	}
	if effective == "" {
		return deny(isolation.ErrNoTenantScope, "", audit.ReasonNoTenantContext)
	}

	if effective == tc.TenantID() {
		if tc.Partition().IsZero() {
			return deny(isolation.ErrNoTenantScope, effective, audit.ReasonNoTenantContext)
		}
		entry.TargetTenantID = effective
		entry.TargetPartition = tc.Partition().Name()
		return decision{entry: entry, scope: Scope{TenantID: effective, Partition: tc.Partition()}}
	}

	if !tc.IsPrivileged() {
		return deny(isolation.ErrCrossTenantDenied, effective, audit.ReasonCrossTenantDenied)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, g.lookupTimeout)
	defer cancel()
	resolved, err := g.partitions.Resolve(lookupCtx, effective)
	switch {
	case errors.Is(err, isolation.ErrUnknownTenant):
		return deny(isolation.ErrUnknownTenant, effective, audit.ReasonUnknownTargetTenant)
	case err != nil:
		entry.TargetTenantID = effective
		entry.Allowed = false
		entry.Reason = audit.ReasonTargetLookupFailed
		entry.Outcome = audit.OutcomeFailed
		return decision{entry: entry, err: fmt.Errorf("resolve target tenant %s: %w", effective, err)}
	case !resolved.Active:
		return deny(isolation.ErrUnresolvedTenant, effective, audit.ReasonInactiveTargetTenant)
	}
	handle, err := resolved.Handle()
	if err != nil {
		return deny(isolation.ErrNoTenantScope, effective, audit.ReasonNoTenantContext)
	}

	entry.TargetTenantID = effective
	entry.TargetPartition = handle.Name()
	entry.Reason = audit.ReasonPrivilegedCrossTenant
	g.metrics.incPrivilegedOverride()
	g.logger.WarnContext(ctx, "privileged cross-tenant access",
		"identity_id", tc.IdentityID(),
		"home_tenant_id", tc.TenantID(),
		"target_tenant_id", effective,
		"operation", req.Operation,
		"entity_kind", req.Entity,
	)
	return decision{entry: entry, scope: Scope{TenantID: effective, Partition: handle}}
}

// record persists the entry on a context detached from the caller's
// cancellation. Failures are logged and counted, never returned.
func (g *Gate) record(ctx context.Context, entry audit.Entry) {
	g.metrics.observeDecision(string(entry.Operation), entry.Allowed, string(entry.Outcome))

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.auditTimeout)
	defer cancel()
	receipt, err := g.recorder.Record(auditCtx, entry)
	if err != nil {
		g.metrics.incAuditFailure()
		g.logger.ErrorContext(ctx, "CRITICAL: audit entry not persisted",
			"identity_id", entry.IdentityID,
			"target_tenant_id", entry.TargetTenantID,
			"operation", entry.Operation,
			"entity_kind", entry.EntityKind,
			"allowed", entry.Allowed,
			"error", err,
		)
		return
	}
	if receipt.Diverted {
		g.logger.WarnContext(ctx, "audit entry diverted to overflow",
			"audit_id", receipt.ID,
		)
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// cancelReason keeps a privileged reason so overrides stay visible as
// violations even when the action was aborted.
func cancelReason(current string) string {
	if current == audit.ReasonPrivilegedCrossTenant {
		return current
	}
	return audit.ReasonCancelled
}
