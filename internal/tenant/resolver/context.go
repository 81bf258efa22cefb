package resolver

import (
	"strings"

	"tenantguard/internal/tenant/partition"
	dErrors "tenantguard/pkg/domain-errors"
)

// Role is the caller's platform role. Only RolePrivilegedOperator may act
// outside its home tenant.
type Role string

const (
	RoleViewer             Role = "viewer"
	RoleStandard           Role = "standard"
	RoleTenantAdmin        Role = "tenant-admin"
	RolePrivilegedOperator Role = "privileged-operator"
)

func (r Role) IsValid() bool {
	switch r {
	case RoleViewer, RoleStandard, RoleTenantAdmin, RolePrivilegedOperator:
		return true
	default:
		return false
	}
}

func (r Role) IsPrivileged() bool {
	return r == RolePrivilegedOperator
}

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.IsValid() {
		return "", dErrors.New(dErrors.CodeValidation, "unknown role: "+s)
	}
	return r, nil
}

// TenantContext is the per-call tenant identity. It is built once by the
// Resolver and cannot be modified afterwards. A context with a tenant id
// always carries a valid partition handle; a context without one belongs to
// a privileged operator and reaches data only by explicitly targeting a tenant.
type TenantContext struct {
	identityID string
	role       Role
	tenantID   string
	partition  partition.Handle
}

// NewTenantContext validates and builds a context. Most callers should go
// through Resolver.Resolve instead.
func NewTenantContext(identityID string, role Role, tenantID, partitionName string) (TenantContext, error) {
	identityID = strings.TrimSpace(identityID)
	tenantID = strings.TrimSpace(tenantID)
	if identityID == "" {
		return TenantContext{}, dErrors.New(dErrors.CodeValidation, "identity id is required")
	}
	if !role.IsValid() {
		return TenantContext{}, dErrors.New(dErrors.CodeValidation, "unknown role: "+string(role))
	}
	tc := TenantContext{identityID: identityID, role: role, tenantID: tenantID}
	if tenantID == "" {
		if partitionName != "" {
			return TenantContext{}, dErrors.New(dErrors.CodeInvariantViolation, "partition without tenant id")
		}
		if !role.IsPrivileged() {
			return TenantContext{}, dErrors.New(dErrors.CodeInvariantViolation, "only privileged operators may hold a context without tenant")
		}
		return tc, nil
	}
	h, err := partition.NewHandle(partitionName)
	if err != nil {
		return TenantContext{}, dErrors.Wrap(err, dErrors.CodeInvariantViolation, "tenant context requires a partition")
	}
	tc.partition = h
	return tc, nil
}

func (c TenantContext) IdentityID() string { return c.identityID }

func (c TenantContext) Role() Role { return c.role }

// TenantID is the home tenant. Empty for an unscoped operator context.
func (c TenantContext) TenantID() string { return c.tenantID }

func (c TenantContext) Partition() partition.Handle { return c.partition }

func (c TenantContext) HasTenant() bool { return c.tenantID != "" }

func (c TenantContext) IsPrivileged() bool { return c.role.IsPrivileged() }

// IsZero reports a context that was never resolved.
func (c TenantContext) IsZero() bool { return c.identityID == "" }
