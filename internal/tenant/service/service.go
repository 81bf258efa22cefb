// Package service owns the tenant lifecycle: provisioning with a frozen
// partition name, slug renames, and activation changes. Every change
// invalidates the partition registry and is audited.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tenantguard/internal/audit"
	tenantmetrics "tenantguard/internal/tenant/metrics"
	"tenantguard/internal/tenant/models"
	"tenantguard/internal/tenant/partition"
	"tenantguard/internal/tenant/resolver"
	dErrors "tenantguard/pkg/domain-errors"
	"tenantguard/pkg/platform/sentinel"
	"tenantguard/pkg/requestcontext"
)

// Lifecycle actions. Each is audited under its own entity kind so that
// changes made within the same second keep distinct entry ids.
const (
	actionProvision  = "provision"
	actionRename     = "rename"
	actionDeactivate = "deactivate"
	actionReactivate = "reactivate"
)

func entityKind(action string) string { return "tenant." + action }

// Lifecycle reasons recorded on audit entries.
const (
	ReasonProvisioned       = "tenant provisioned"
	ReasonSlugRenamed       = "tenant slug renamed"
	ReasonDeactivated       = "tenant deactivated"
	ReasonReactivated       = "tenant reactivated"
	ReasonPrivilegeRequired = "tenant lifecycle requires privileged operator"
)

type TenantStore interface {
	Create(ctx context.Context, t *models.Tenant) error
	FindByID(ctx context.Context, tenantID string) (*models.Tenant, error)
	Update(ctx context.Context, t *models.Tenant) error
	List(ctx context.Context) ([]*models.Tenant, error)
}

// Invalidator drops cached partition entries after a directory change.
type Invalidator interface {
	Invalidate(ctx context.Context, tenantID string) error
}

type Recorder interface {
	Record(ctx context.Context, entry audit.Entry) (audit.Receipt, error)
}

// StoreTx runs directory writes in one transaction.
type StoreTx interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Service orchestrates tenant lifecycle changes.
type Service struct {
	tenants  TenantStore
	registry Invalidator
	recorder Recorder
	tx       StoreTx
	logger   *slog.Logger
	metrics  *tenantmetrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *tenantmetrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		s.recorder = r
	}
}

func WithTx(tx StoreTx) Option {
	return func(s *Service) {
		s.tx = tx
	}
}

func New(tenants TenantStore, registry Invalidator, opts ...Option) *Service {
	s := &Service{
		tenants:  tenants,
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tx == nil {
		s.tx = &inMemoryStoreTx{}
	}
	return s
}

// ProvisionRequest names a new tenant. ID is generated when empty.
type ProvisionRequest struct {
	ID   string
	Slug string
}

// Provision creates a tenant and derives its partition name. The name is
// computed once here and never changes afterwards.
func (s *Service) Provision(ctx context.Context, actor resolver.TenantContext, req ProvisionRequest) (*models.Tenant, error) {
	tenantID := strings.TrimSpace(req.ID)
	if tenantID == "" {
		tenantID = uuid.NewString()
	}
	if err := s.requirePrivileged(ctx, actor, actionProvision, tenantID); err != nil {
		return nil, err
	}

	var tenant *models.Tenant
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		t, err := models.NewTenant(tenantID, req.Slug, partition.DeriveName(tenantID, req.Slug), requestcontext.Now(txCtx))
		if err != nil {
			return asValidation(err)
		}
		if err := s.tenants.Create(txCtx, t); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "tenant id or partition already exists")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to create tenant")
		}
		tenant = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncrementTenantProvisioned()
	s.audit(ctx, actor, tenant, actionProvision, ReasonProvisioned)
	s.logger.InfoContext(ctx, "tenant provisioned",
		"tenant_id", tenant.ID,
		"partition", tenant.Partition,
		"identity_id", actor.IdentityID(),
	)
	return tenant, nil
}

// RenameSlug changes the display slug. The partition stays where it is.
func (s *Service) RenameSlug(ctx context.Context, actor resolver.TenantContext, tenantID, slug string) (*models.Tenant, error) {
	return s.change(ctx, actor, tenantID, actionRename, ReasonSlugRenamed, func(t *models.Tenant, now time.Time) error {
		if err := t.CanRename(slug); err != nil {
			return err
		}
		t.ApplyRename(slug, now)
		return nil
	})
}

func (s *Service) Deactivate(ctx context.Context, actor resolver.TenantContext, tenantID string) (*models.Tenant, error) {
	return s.change(ctx, actor, tenantID, actionDeactivate, ReasonDeactivated, func(t *models.Tenant, now time.Time) error {
		if err := t.CanDeactivate(); err != nil {
			return err
		}
		t.ApplyDeactivation(now)
		return nil
	})
}

func (s *Service) Reactivate(ctx context.Context, actor resolver.TenantContext, tenantID string) (*models.Tenant, error) {
	return s.change(ctx, actor, tenantID, actionReactivate, ReasonReactivated, func(t *models.Tenant, now time.Time) error {
		if err := t.CanReactivate(); err != nil {
			return err
		}
		t.ApplyReactivation(now)
		return nil
	})
}

func (s *Service) Get(ctx context.Context, tenantID string) (*models.Tenant, error) {
	if err := requireTenantID(tenantID); err != nil {
		return nil, err
	}
	t, err := s.tenants.FindByID(ctx, tenantID)
	if err != nil {
		return nil, wrapTenantErr(err)
	}
	return t, nil
}

func (s *Service) List(ctx context.Context) ([]*models.Tenant, error) {
	tenants, err := s.tenants.List(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list tenants")
	}
	return tenants, nil
}

// change loads, mutates and stores a tenant, then drops every cached
// partition entry for it. A failed invalidation is reported even though the
// directory write succeeded, so the operator can retry.
func (s *Service) change(ctx context.Context, actor resolver.TenantContext, tenantID, action, reason string, mutate func(*models.Tenant, time.Time) error) (*models.Tenant, error) {
	if err := requireTenantID(tenantID); err != nil {
		return nil, err
	}
	if err := s.requirePrivileged(ctx, actor, action, tenantID); err != nil {
		return nil, err
	}

	var tenant *models.Tenant
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		t, err := s.tenants.FindByID(txCtx, tenantID)
		if err != nil {
			return wrapTenantErr(err)
		}
		if err := mutate(t, requestcontext.Now(txCtx)); err != nil {
			return asValidation(err)
		}
		if err := s.tenants.Update(txCtx, t); err != nil {
			return wrapTenantErr(err)
		}
		tenant = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncrementLifecycleChange(action)
	s.audit(ctx, actor, tenant, action, reason)

	if err := s.registry.Invalidate(ctx, tenant.ID); err != nil {
		s.logger.ErrorContext(ctx, "partition cache invalidation failed",
			"tenant_id", tenant.ID,
			"action", action,
			"error", err,
		)
		return tenant, dErrors.Wrap(err, dErrors.CodeUnavailable, "tenant updated but partition cache invalidation failed")
	}
	s.logger.InfoContext(ctx, "tenant lifecycle change",
		"tenant_id", tenant.ID,
		"action", action,
		"identity_id", actor.IdentityID(),
	)
	return tenant, nil
}

// requirePrivileged audits and refuses lifecycle calls from anyone but a
// privileged operator.
func (s *Service) requirePrivileged(ctx context.Context, actor resolver.TenantContext, action, tenantID string) error {
	if actor.IsZero() {
		return dErrors.New(dErrors.CodeUnauthorized, "tenant lifecycle requires an identity")
	}
	if actor.IsPrivileged() {
		return nil
	}
	s.record(ctx, audit.Entry{
		IdentityID:     actor.IdentityID(),
		Role:           actor.Role(),
		HomeTenantID:   actor.TenantID(),
		TargetTenantID: tenantID,
		Operation:      audit.OperationWrite,
		EntityKind:     entityKind(action),
		Timestamp:      requestcontext.Now(ctx),
		Allowed:        false,
		Reason:         ReasonPrivilegeRequired,
		Source:         audit.SourceLifecycle,
		Outcome:        audit.OutcomeDenied,
	})
	return dErrors.New(dErrors.CodeForbidden, ReasonPrivilegeRequired)
}

func (s *Service) audit(ctx context.Context, actor resolver.TenantContext, t *models.Tenant, action, reason string) {
	s.record(ctx, audit.Entry{
		IdentityID:      actor.IdentityID(),
		Role:            actor.Role(),
		HomeTenantID:    actor.TenantID(),
		TargetTenantID:  t.ID,
		TargetPartition: t.Partition,
		Operation:       audit.OperationWrite,
		EntityKind:      entityKind(action),
		Timestamp:       requestcontext.Now(ctx),
		Allowed:         true,
		Reason:          reason,
		Source:          audit.SourceLifecycle,
		Outcome:         audit.OutcomeSucceeded,
	})
}

func (s *Service) record(ctx context.Context, entry audit.Entry) {
	if s.recorder == nil {
		return
	}
	if _, err := s.recorder.Record(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.ErrorContext(ctx, "CRITICAL: lifecycle audit entry not persisted",
			"tenant_id", entry.TargetTenantID,
			"reason", entry.Reason,
			"error", err,
		)
	}
}

func requireTenantID(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return dErrors.New(dErrors.CodeValidation, "tenant id is required")
	}
	return nil
}

func wrapTenantErr(err error) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "tenant not found")
	case errors.Is(err, sentinel.ErrInvalidState):
		return dErrors.Wrap(err, dErrors.CodeInvariantViolation, "tenant partition cannot change")
	case dErrors.CodeOf(err) != dErrors.CodeInternal:
		return err
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update tenant")
	}
}

// asValidation reports model invariant failures as input errors.
func asValidation(err error) error {
	if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
		return dErrors.New(dErrors.CodeValidation, err.Error())
	}
	return err
}

// inMemoryStoreTx serializes lifecycle writes when no database transaction
// is available.
type inMemoryStoreTx struct {
	mu sync.Mutex
}

func (t *inMemoryStoreTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(ctx)
}
