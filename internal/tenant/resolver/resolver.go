package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tenantguard/internal/isolation"
	"tenantguard/internal/tenant/metrics"
	"tenantguard/internal/tenant/partition"
	dErrors "tenantguard/pkg/domain-errors"
)

const DefaultLookupTimeout = 2 * time.Second

// Principal is an already-authenticated caller as supplied upstream.
type Principal struct {
	IdentityID string
	Role       string
	TenantID   string
}

// Partitions resolves a tenant id to its registry entry.
type Partitions interface {
	Resolve(ctx context.Context, tenantID string) (partition.Entry, error)
}

// Reasons attached to rejected principals.
const (
	ReasonNoTenantContext  = "no tenant context"
	ReasonUnresolvedTenant = "unresolved tenant"
)

// Rejection is a principal the resolver refused to bind to a tenant.
type Rejection struct {
	IdentityID string
	Role       Role
	TenantID   string
	Reason     string
}

// Recorder audits rejected principals.
type Recorder interface {
	RecordRejection(ctx context.Context, rejection Rejection) error
}

// Resolver turns a principal into a TenantContext. Besides the read-only
// partition lookup, its only side effect is recording rejections.
type Resolver struct {
	partitions    Partitions
	recorder      Recorder
	lookupTimeout time.Duration
	logger        *slog.Logger
	metrics       *metrics.Metrics
}

type Option func(*Resolver)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// WithRecorder audits every missing-context and unresolved-tenant rejection.
func WithRecorder(rec Recorder) Option {
	return func(r *Resolver) {
		r.recorder = rec
	}
}

func WithLookupTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.lookupTimeout = d
		}
	}
}

func New(partitions Partitions, opts ...Option) *Resolver {
	r := &Resolver{
		partitions:    partitions,
		lookupTimeout: DefaultLookupTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve validates the principal and binds it to its tenant's partition.
//
// Errors:
//   - dErrors.CodeValidation: missing identity or unknown role
//   - isolation.ErrMissingContext: no tenant id and the caller is not privileged
//   - isolation.ErrUnresolvedTenant: tenant unknown to the directory or inactive
func (r *Resolver) Resolve(ctx context.Context, p Principal) (TenantContext, error) {
	start := time.Now()
	defer r.metrics.ObserveResolve(start)

	identityID := strings.TrimSpace(p.IdentityID)
	if identityID == "" {
		r.metrics.IncrementResolveRejection("missing_identity")
		return TenantContext{}, dErrors.New(dErrors.CodeValidation, "identity id is required")
	}
	role, err := ParseRole(p.Role)
	if err != nil {
		r.metrics.IncrementResolveRejection("invalid_role")
		return TenantContext{}, err
	}

	tenantID := strings.TrimSpace(p.TenantID)
	if tenantID == "" {
		if !role.IsPrivileged() {
			r.metrics.IncrementResolveRejection("missing_context")
			r.reject(ctx, Rejection{IdentityID: identityID, Role: role, Reason: ReasonNoTenantContext})
			return TenantContext{}, isolation.ErrMissingContext
		}
		return NewTenantContext(identityID, role, "", "")
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()
	entry, err := r.partitions.Resolve(lookupCtx, tenantID)
	if err != nil {
		if errors.Is(err, isolation.ErrUnknownTenant) {
			r.metrics.IncrementResolveRejection("unknown_tenant")
			r.reject(ctx, Rejection{IdentityID: identityID, Role: role, TenantID: tenantID, Reason: ReasonUnresolvedTenant})
			return TenantContext{}, fmt.Errorf("tenant %s: %w: %w", tenantID, isolation.ErrUnresolvedTenant, err)
		}
		r.metrics.IncrementResolveRejection("lookup_failed")
		r.logger.ErrorContext(ctx, "tenant partition lookup failed",
			"tenant_id", tenantID,
			"identity_id", identityID,
			"error", err,
		)
		return TenantContext{}, fmt.Errorf("resolve tenant %s: %w", tenantID, err)
	}
	if !entry.Active {
		r.metrics.IncrementResolveRejection("inactive_tenant")
		r.reject(ctx, Rejection{IdentityID: identityID, Role: role, TenantID: tenantID, Reason: ReasonUnresolvedTenant})
		return TenantContext{}, fmt.Errorf("tenant %s is inactive: %w", tenantID, isolation.ErrUnresolvedTenant)
	}
	return NewTenantContext(identityID, role, tenantID, entry.Partition)
}

// reject records the denial on a context that survives caller cancellation.
// The caller is refused whether or not the record lands; the writer raises
// its own alert when it cannot persist the entry.
func (r *Resolver) reject(ctx context.Context, rejection Rejection) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.RecordRejection(context.WithoutCancel(ctx), rejection); err != nil {
		r.logger.ErrorContext(ctx, "failed to audit rejected principal",
			"identity_id", rejection.IdentityID,
			"tenant_id", rejection.TenantID,
			"reason", rejection.Reason,
			"error", err,
		)
	}
}
