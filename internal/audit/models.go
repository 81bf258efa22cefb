package audit

import (
	"slices"
	"strings"
	"time"

	"tenantguard/internal/tenant/resolver"
	dErrors "tenantguard/pkg/domain-errors"
)

// Operation is the kind of data access being decided.
type Operation string

const (
	OperationRead   Operation = "read"
	OperationWrite  Operation = "write"
	OperationDelete Operation = "delete"
)

func (o Operation) IsValid() bool {
	switch o {
	case OperationRead, OperationWrite, OperationDelete:
		return true
	default:
		return false
	}
}

// Source names the enforcement point that produced an entry.
type Source string

const (
	SourceGate      Source = "gate"
	SourceBackstop  Source = "backstop"
	SourceLifecycle Source = "lifecycle"
)

// Outcome describes what happened to the action after the access decision.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeDenied    Outcome = "denied"
	OutcomePanicked  Outcome = "panicked"
)

// Reasons recorded on audit entries. Violation queries match on the
// privileged ones, so they must not change.
const (
	ReasonNoTenantContext         = "no tenant context"
	ReasonCrossTenantDenied       = "cross-tenant access denied"
	ReasonPrivilegedCrossTenant   = "privileged cross-tenant access"
	ReasonPrivilegedCrossWrite    = "privileged cross-tenant write"
	ReasonCancelled               = "operation aborted due to cancellation"
	ReasonInternalError           = "internal error during operation"
	ReasonCrossTenantWriteBlocked = "cross-tenant write blocked"
	ReasonOwnerTargetMismatch     = "owner tenant does not match target tenant"
	ReasonUnknownTargetTenant     = "unknown target tenant"
	ReasonInactiveTargetTenant    = "target tenant inactive"
	ReasonTargetLookupFailed      = "target partition lookup failed"
)

// Entry is one access decision. Entries are immutable once recorded.
type Entry struct {
	ID              string        `json:"id" cbor:"id"`
	IdentityID      string        `json:"identity_id" cbor:"identity_id"`
	Role            resolver.Role `json:"role" cbor:"role"`
	HomeTenantID    string        `json:"home_tenant_id,omitempty" cbor:"home_tenant_id,omitempty"`
	TargetTenantID  string        `json:"target_tenant_id,omitempty" cbor:"target_tenant_id,omitempty"`
	TargetPartition string        `json:"target_partition,omitempty" cbor:"target_partition,omitempty"`
	Operation       Operation     `json:"operation" cbor:"operation"`
	EntityKind      string        `json:"entity_kind" cbor:"entity_kind"`
	Timestamp       time.Time     `json:"timestamp" cbor:"timestamp"`
	Allowed         bool          `json:"allowed" cbor:"allowed"`
	Reason          string        `json:"reason,omitempty" cbor:"reason,omitempty"`
	Source          Source        `json:"source" cbor:"source"`
	Outcome         Outcome       `json:"outcome" cbor:"outcome"`
}

// IsCrossTenant reports an entry whose target differs from the actor's home tenant.
func (e Entry) IsCrossTenant() bool {
	return e.TargetTenantID != "" && e.TargetTenantID != e.HomeTenantID
}

// IsPrivilegedOverride reports an allowed cross-tenant data access by a
// privileged operator. Lifecycle administration carries its own reasons and
// is not an override.
func (e Entry) IsPrivilegedOverride() bool {
	return e.Allowed && e.Role.IsPrivileged() && e.IsCrossTenant() && isPrivilegedReason(e.Reason)
}

// IsViolation reports entries surfaced by the violations projection:
// every denial and every privileged override.
func (e Entry) IsViolation() bool {
	return !e.Allowed || isPrivilegedReason(e.Reason)
}

func isPrivilegedReason(reason string) bool {
	return reason == ReasonPrivilegedCrossTenant || reason == ReasonPrivilegedCrossWrite
}

// Validate enforces the entry invariants. A reason is mandatory for every
// denial and for every privileged cross-tenant action.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.IdentityID) == "" {
		return dErrors.New(dErrors.CodeValidation, "audit entry requires identity id")
	}
	if !e.Operation.IsValid() {
		return dErrors.New(dErrors.CodeValidation, "audit entry has invalid operation: "+string(e.Operation))
	}
	if strings.TrimSpace(e.EntityKind) == "" {
		return dErrors.New(dErrors.CodeValidation, "audit entry requires entity kind")
	}
	if e.Timestamp.IsZero() {
		return dErrors.New(dErrors.CodeValidation, "audit entry requires timestamp")
	}
	if e.Source == "" {
		return dErrors.New(dErrors.CodeValidation, "audit entry requires source")
	}
	if !e.Allowed && strings.TrimSpace(e.Reason) == "" {
		return dErrors.New(dErrors.CodeValidation, "denied audit entry requires reason")
	}
	if e.Role.IsPrivileged() && e.IsCrossTenant() && strings.TrimSpace(e.Reason) == "" {
		return dErrors.New(dErrors.CodeValidation, "privileged cross-tenant audit entry requires reason")
	}
	return nil
}

// Filter selects entries for Query. Zero fields do not filter.
type Filter struct {
	TenantID       string
	IdentityID     string
	Operations     []Operation
	DeniedOnly     bool
	ViolationsOnly bool
	From           time.Time
	To             time.Time
	Limit          int
}

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Normalize clamps the limit into range.
func (f Filter) Normalize() Filter {
	switch {
	case f.Limit <= 0:
		f.Limit = DefaultQueryLimit
	case f.Limit > MaxQueryLimit:
		f.Limit = MaxQueryLimit
	}
	return f
}

// Matches applies the filter to a single entry. TenantID matches either the
// actor's home tenant or the target tenant.
func (f Filter) Matches(e Entry) bool {
	if f.TenantID != "" && e.TargetTenantID != f.TenantID && e.HomeTenantID != f.TenantID {
		return false
	}
	if f.IdentityID != "" && e.IdentityID != f.IdentityID {
		return false
	}
	if len(f.Operations) > 0 && !slices.Contains(f.Operations, e.Operation) {
		return false
	}
	if f.DeniedOnly && e.Allowed {
		return false
	}
	if f.ViolationsOnly && !e.IsViolation() {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
		return false
	}
	return true
}

// Receipt confirms that an entry was durably accepted, either by the sink
// or by the overflow queue when Diverted is set.
type Receipt struct {
	ID       string
	Diverted bool
}
