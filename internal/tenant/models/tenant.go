package models

import (
	"strings"
	"time"

	dErrors "tenantguard/pkg/domain-errors"
)

// TenantStatus is the lifecycle state of a canonical tenant record.
type TenantStatus string

const (
	TenantStatusActive   TenantStatus = "active"
	TenantStatusInactive TenantStatus = "inactive"
)

// CanTransitionTo allows active <-> inactive only.
func (s TenantStatus) CanTransitionTo(next TenantStatus) bool {
	switch s {
	case TenantStatusActive:
		return next == TenantStatusInactive
	case TenantStatusInactive:
		return next == TenantStatusActive
	default:
		return false
	}
}

// Tenant is the canonical tenant record held in the shared directory.
//
// Invariants:
//   - ID and Slug are non-empty
//   - Partition is computed once at creation and frozen; slug renames never
//     touch it, so an existing physical partition is never renamed
//   - Status transitions: active <-> inactive only
//   - CreatedAt is immutable after construction
type Tenant struct {
	ID        string       `json:"id"`
	Slug      string       `json:"slug"`
	Partition string       `json:"partition"`
	Status    TenantStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func (t *Tenant) IsActive() bool {
	return t.Status == TenantStatusActive
}

// NewTenant builds an active tenant with its frozen partition name.
func NewTenant(tenantID, slug, partition string, now time.Time) (*Tenant, error) {
	tenantID = strings.TrimSpace(tenantID)
	slug = strings.TrimSpace(slug)
	if tenantID == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "tenant id cannot be empty")
	}
	if slug == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "tenant slug cannot be empty")
	}
	if len(slug) > 128 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "tenant slug must be 128 characters or less")
	}
	if partition == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "tenant partition cannot be empty")
	}
	return &Tenant{
		ID:        tenantID,
		Slug:      slug,
		Partition: partition,
		Status:    TenantStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// CanRename validates a slug change. The partition is left untouched.
func (t *Tenant) CanRename(slug string) error {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "tenant slug cannot be empty")
	}
	if len(slug) > 128 {
		return dErrors.New(dErrors.CodeInvariantViolation, "tenant slug must be 128 characters or less")
	}
	if slug == t.Slug {
		return dErrors.New(dErrors.CodeInvariantViolation, "tenant slug is unchanged")
	}
	return nil
}

func (t *Tenant) ApplyRename(slug string, now time.Time) {
	t.Slug = strings.TrimSpace(slug)
	t.UpdatedAt = now
}

func (t *Tenant) CanDeactivate() error {
	if !t.Status.CanTransitionTo(TenantStatusInactive) {
		return dErrors.New(dErrors.CodeInvariantViolation, "tenant is already inactive")
	}
	return nil
}

func (t *Tenant) ApplyDeactivation(now time.Time) {
	t.Status = TenantStatusInactive
	t.UpdatedAt = now
}

func (t *Tenant) CanReactivate() error {
	if !t.Status.CanTransitionTo(TenantStatusActive) {
		return dErrors.New(dErrors.CodeInvariantViolation, "tenant is already active")
	}
	return nil
}

func (t *Tenant) ApplyReactivation(now time.Time) {
	t.Status = TenantStatusActive
	t.UpdatedAt = now
}
