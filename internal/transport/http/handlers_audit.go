package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"tenantguard/internal/audit"
	"tenantguard/internal/isolation"
	"tenantguard/internal/tenant/resolver"
	dErrors "tenantguard/pkg/domain-errors"
	"tenantguard/pkg/platform/httputil"
	strutil "tenantguard/pkg/platform/strings"
	"tenantguard/pkg/requestcontext"
)

// Principal headers set by the upstream authentication proxy.
const (
	HeaderIdentityID = "X-Identity-ID"
	HeaderRole       = "X-Role"
	HeaderTenantID   = "X-Tenant-ID"
)

// AuditQuerier is the read-only audit surface.
type AuditQuerier interface {
	Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, error)
	Violations(ctx context.Context, filter audit.Filter) ([]audit.Entry, error)
}

// TenantResolver turns the request principal into a TenantContext.
type TenantResolver interface {
	Resolve(ctx context.Context, p resolver.Principal) (resolver.TenantContext, error)
}

// AuditHandler serves audit queries. Tenant admins see their own tenant,
// privileged operators see everything, other roles see nothing.
type AuditHandler struct {
	resolver TenantResolver
	audit    AuditQuerier
	logger   *slog.Logger
}

func NewAuditHandler(res TenantResolver, querier AuditQuerier, logger *slog.Logger) *AuditHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditHandler{resolver: res, audit: querier, logger: logger}
}

// Register mounts audit endpoints on the router.
func (h *AuditHandler) Register(r chi.Router) {
	r.Get("/v1/audit/entries", h.scoped(h.HandleEntries))
	r.Get("/v1/audit/violations", h.scoped(h.HandleViolations))
}

type entriesResponse struct {
	Entries []audit.Entry `json:"entries"`
	Count   int           `json:"count"`
}

// HandleEntries handles GET /v1/audit/entries.
func (h *AuditHandler) HandleEntries(w http.ResponseWriter, r *http.Request, tc resolver.TenantContext) {
	h.serve(w, r, tc, h.audit.Query)
}

// HandleViolations handles GET /v1/audit/violations.
func (h *AuditHandler) HandleViolations(w http.ResponseWriter, r *http.Request, tc resolver.TenantContext) {
	h.serve(w, r, tc, h.audit.Violations)
}

func (h *AuditHandler) serve(w http.ResponseWriter, r *http.Request, tc resolver.TenantContext, query func(context.Context, audit.Filter) ([]audit.Entry, error)) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	filter, err = scopeFilter(tc, filter)
	if err != nil {
		h.logger.WarnContext(ctx, "audit query refused",
			"request_id", requestID,
			"identity_id", tc.IdentityID(),
			"role", tc.Role(),
			"requested_tenant_id", filter.TenantID,
		)
		httputil.WriteError(w, err)
		return
	}

	entries, err := query(ctx, filter)
	if err != nil {
		h.logger.ErrorContext(ctx, "audit query failed",
			"request_id", requestID,
			"identity_id", tc.IdentityID(),
			"error", err,
		)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeInternal, "audit query failed"))
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	httputil.WriteJSON(w, http.StatusOK, entriesResponse{Entries: entries, Count: len(entries)})
}

// scopeFilter restricts a query to what the caller may see.
func scopeFilter(tc resolver.TenantContext, f audit.Filter) (audit.Filter, error) {
	switch {
	case tc.IsPrivileged():
		return f, nil
	case tc.Role() == resolver.RoleTenantAdmin:
		if f.TenantID != "" && f.TenantID != tc.TenantID() {
			return f, dErrors.New(dErrors.CodeForbidden, "tenant admins may only query their own tenant")
		}
		f.TenantID = tc.TenantID()
		return f, nil
	default:
		return f, dErrors.New(dErrors.CodeForbidden, "audit queries require tenant-admin or privileged-operator")
	}
}

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		TenantID:   strings.TrimSpace(q.Get("tenant_id")),
		IdentityID: strings.TrimSpace(q.Get("identity_id")),
	}
	for _, part := range strutil.SplitListLower(q["operation"]...) {
		op := audit.Operation(part)
		if !op.IsValid() {
			return f, dErrors.New(dErrors.CodeValidation, "invalid operation: "+part)
		}
		f.Operations = append(f.Operations, op)
	}
	if v := q.Get("denied_only"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, dErrors.New(dErrors.CodeValidation, "denied_only must be a boolean")
		}
		f.DeniedOnly = b
	}
	var err error
	if f.From, err = parseTime(q.Get("from"), "from"); err != nil {
		return f, err
	}
	if f.To, err = parseTime(q.Get("to"), "to"); err != nil {
		return f, err
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return f, dErrors.New(dErrors.CodeValidation, "from must be before to")
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, dErrors.New(dErrors.CodeValidation, "limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func parseTime(v, field string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, dErrors.New(dErrors.CodeValidation, field+" must be RFC 3339")
	}
	return t, nil
}

// scoped resolves the request principal and hands the TenantContext to next
// as an explicit argument.
func (h *AuditHandler) scoped(next func(http.ResponseWriter, *http.Request, resolver.TenantContext)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		p := resolver.Principal{
			IdentityID: strings.TrimSpace(r.Header.Get(HeaderIdentityID)),
			Role:       strings.TrimSpace(r.Header.Get(HeaderRole)),
			TenantID:   strings.TrimSpace(r.Header.Get(HeaderTenantID)),
		}
		if p.IdentityID == "" {
			httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "authenticated principal required"))
			return
		}
		tc, err := h.resolver.Resolve(ctx, p)
		if err != nil {
			h.logger.WarnContext(ctx, "tenant context resolution failed",
				"request_id", requestcontext.RequestID(ctx),
				"identity_id", p.IdentityID,
				"claimed_tenant_id", p.TenantID,
				"error", err,
			)
			if isolation.IsDenied(err) {
				err = dErrors.Wrap(err, dErrors.CodeForbidden, "tenant context unavailable")
			}
			httputil.WriteError(w, err)
			return
		}
		next(w, r, tc)
	}
}
