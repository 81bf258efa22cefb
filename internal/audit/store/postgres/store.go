package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"tenantguard/internal/audit"
	"tenantguard/internal/tenant/resolver"
	txcontext "tenantguard/pkg/platform/tx"
)

// Store implements audit.Store on tenantguard.audit_log. The table is
// append-only at the database level; violations are read from the
// tenantguard.audit_violations view.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append inserts entry. A repeated ID is ignored via ON CONFLICT DO NOTHING.
func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	query := `
		INSERT INTO tenantguard.audit_log (
			id, identity_id, role, home_tenant_id, target_tenant_id, target_partition,
			operation, entity_kind, occurred_at, allowed, reason, source, outcome
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		e.ID,
		e.IdentityID,
		string(e.Role),
		nullString(e.HomeTenantID),
		nullString(e.TargetTenantID),
		nullString(e.TargetPartition),
		string(e.Operation),
		e.EntityKind,
		e.Timestamp.UTC(),
		e.Allowed,
		e.Reason,
		string(e.Source),
		string(e.Outcome),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Query returns entries matching filter, newest first. Violation queries
// read the audit_violations view.
func (s *Store) Query(ctx context.Context, filter audit.Filter) ([]audit.Entry, error) {
	filter = filter.Normalize()
	source := "tenantguard.audit_log"
	if filter.ViolationsOnly {
		source = "tenantguard.audit_violations"
	}

	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.TenantID != "" {
		add("(target_tenant_id = $%[1]d OR home_tenant_id = $%[1]d)", filter.TenantID)
	}
	if filter.IdentityID != "" {
		add("identity_id = $%d", filter.IdentityID)
	}
	if len(filter.Operations) > 0 {
		ops := make([]string, 0, len(filter.Operations))
		for _, op := range filter.Operations {
			ops = append(ops, string(op))
		}
		add("operation = ANY($%d)", pq.Array(ops))
	}
	if filter.DeniedOnly {
		conds = append(conds, "NOT allowed")
	}
	if !filter.From.IsZero() {
		add("occurred_at >= $%d", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("occurred_at < $%d", filter.To.UTC())
	}

	var b strings.Builder
	b.WriteString(`SELECT id, identity_id, role, home_tenant_id, target_tenant_id, target_partition,
		operation, entity_kind, occurred_at, allowed, reason, source, outcome FROM `)
	b.WriteString(source)
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	args = append(args, filter.Limit)
	fmt.Fprintf(&b, " ORDER BY occurred_at DESC, id LIMIT $%d", len(args))

	rows, err := txcontext.Pick(ctx, s.db).QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e                       audit.Entry
			role, op, src, outcome  string
			home, target, partition sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.IdentityID, &role, &home, &target, &partition,
			&op, &e.EntityKind, &e.Timestamp, &e.Allowed, &e.Reason, &src, &outcome); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Role = resolver.Role(role)
		e.HomeTenantID = home.String
		e.TargetTenantID = target.String
		e.TargetPartition = partition.String
		e.Operation = audit.Operation(op)
		e.Source = audit.Source(src)
		e.Outcome = audit.Outcome(outcome)
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
