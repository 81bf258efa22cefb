// Package backstop is the storage-level half of tenant isolation. Shared
// tables carry a trigger that re-validates the owner of every mutated row
// against the tenant recorded on the storage session, independently of the
// application gate.
package backstop

import (
	"tenantguard/internal/audit"
	"tenantguard/internal/tenant/resolver"
)

// ReasonNoSessionTenant is reported when a mutation arrives on a session that
// was neither scoped to a tenant nor opened as a system operation.
const ReasonNoSessionTenant = "no session tenant"

// SessionState is what a storage session knows about its caller.
type SessionState struct {
	TenantID   string
	Role       resolver.Role
	IdentityID string
	// System marks sessions opened with BeginSystem. Only these may mutate
	// shared tables without a session tenant.
	System bool
}

// ValidationOutcome is the result of checking one row mutation. Its JSON
// form is what the trigger puts in the DETAIL of a TG001 error.
type ValidationOutcome struct {
	Allowed             bool            `json:"allowed"`
	ObservedOwnerTenant string          `json:"observed_owner_tenant"`
	SessionTenant       string          `json:"session_tenant"`
	PrivilegedOverride  bool            `json:"privileged_override"`
	SystemOperation     bool            `json:"system_operation"`
	Reason              string          `json:"reason"`
	Operation           audit.Operation `json:"operation,omitempty"`
	Table               string          `json:"table,omitempty"`
	IdentityID          string          `json:"identity_id,omitempty"`
	Role                resolver.Role   `json:"role,omitempty"`
}

// Evaluate applies the ownership rule to a mutation touching rows owned by
// owners. An UPDATE passes both the old and the new owner.
//
// Every owner must equal the session tenant. A privileged operator may
// mismatch; the outcome is then allowed with PrivilegedOverride set and the
// last mismatching owner reported. Any other mismatch is blocked.
func Evaluate(state SessionState, owners ...string) ValidationOutcome {
	out := ValidationOutcome{
		SessionTenant: state.TenantID,
		IdentityID:    state.IdentityID,
		Role:          state.Role,
	}
	if len(owners) > 0 {
		out.ObservedOwnerTenant = owners[len(owners)-1]
	}

	if state.TenantID == "" {
		if state.System {
			out.Allowed = true
			out.SystemOperation = true
			return out
		}
		out.Reason = ReasonNoSessionTenant
		return out
	}

	for _, owner := range owners {
		if owner == state.TenantID {
			continue
		}
		if !state.Role.IsPrivileged() {
			out.ObservedOwnerTenant = owner
			out.PrivilegedOverride = false
			out.Reason = audit.ReasonCrossTenantWriteBlocked
			return out
		}
		out.ObservedOwnerTenant = owner
		out.PrivilegedOverride = true
		out.Reason = audit.ReasonPrivilegedCrossWrite
	}
	out.Allowed = true
	return out
}
