// Package isolation defines the tenant-boundary error taxonomy shared by the
// resolver, the access gate and the storage backstop.
//
// Denials are kept apart from system failures: a *Denial always maps to an
// authorization failure for the end user, while anything else is an internal
// error that needs paging.
package isolation

import (
	"errors"
	"fmt"

	dErrors "tenantguard/pkg/domain-errors"
)

var (
	// ErrMissingContext: no tenant scope could be derived for a caller that
	// is not a privileged operator.
	ErrMissingContext = errors.New("isolation: missing tenant context")

	// ErrUnresolvedTenant: the claimed tenant is unknown or inactive.
	ErrUnresolvedTenant = errors.New("isolation: unresolved tenant")

	// ErrUnknownTenant: the partition registry has no canonical record.
	ErrUnknownTenant = errors.New("isolation: unknown tenant")

	// ErrCrossTenantDenied: a non-privileged identity targeted another tenant.
	ErrCrossTenantDenied = errors.New("isolation: cross-tenant access denied")

	// ErrNoTenantScope: a data operation reached the gate without a partition.
	ErrNoTenantScope = errors.New("isolation: no tenant scope")

	// ErrAuditWriteFailure: the audit sink and the overflow queue both failed.
	// Never returned to the caller of a data operation.
	ErrAuditWriteFailure = errors.New("isolation: audit write failure")
)

// Layer names the enforcement point that produced a denial.
type Layer string

const (
	LayerApplication Layer = "application"
	LayerStorage     Layer = "storage"
)

// Denial is the error returned when an enforcement layer refuses an
// operation. The application gate and the storage backstop run in different
// failure domains, so the layer is preserved for callers and tests.
type Denial struct {
	Layer    Layer
	TenantID string
	Reason   string
	Err      error
}

func (d *Denial) Error() string {
	if d.TenantID != "" {
		return fmt.Sprintf("%s denied (tenant %s): %s", d.Layer, d.TenantID, d.Reason)
	}
	return fmt.Sprintf("%s denied: %s", d.Layer, d.Reason)
}

func (d *Denial) Unwrap() error { return d.Err }

// Code lets transports map every denial to an authorization failure.
func (d *Denial) Code() dErrors.Code { return dErrors.CodeForbidden }

// ApplicationDenied builds a denial raised by the access gate.
func ApplicationDenied(err error, tenantID, reason string) *Denial {
	return &Denial{Layer: LayerApplication, TenantID: tenantID, Reason: reason, Err: err}
}

// StorageDenied builds a denial raised by the storage backstop.
func StorageDenied(err error, tenantID, reason string) *Denial {
	return &Denial{Layer: LayerStorage, TenantID: tenantID, Reason: reason, Err: err}
}

// AsDenial extracts a *Denial from err's chain.
func AsDenial(err error) (*Denial, bool) {
	var d *Denial
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// IsDenied reports whether err is an access decision rather than a fault.
// Resolver failures count as denials: the caller is not entitled to a scope.
func IsDenied(err error) bool {
	if _, ok := AsDenial(err); ok {
		return true
	}
	return errors.Is(err, ErrMissingContext) ||
		errors.Is(err, ErrUnresolvedTenant) ||
		errors.Is(err, ErrUnknownTenant) ||
		errors.Is(err, ErrCrossTenantDenied) ||
		errors.Is(err, ErrNoTenantScope)
}
