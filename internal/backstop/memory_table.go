package backstop

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tenantguard/internal/audit"
	"tenantguard/internal/isolation"
	"tenantguard/pkg/platform/sentinel"
)

// Row is a tenant-owned record in a shared table.
type Row struct {
	ID          string
	OwnerTenant string
	Payload     string
}

// MemoryTable is a shared table guarded by Evaluate, with the same audit
// behaviour as the Postgres trigger. Services use it where no database is
// configured; tests use it as the reference for the trigger.
type MemoryTable struct {
	name     string
	backstop *Backstop

	mu   sync.Mutex
	rows map[string]Row
}

func NewMemoryTable(name string, recorder Recorder, opts ...Option) *MemoryTable {
	return &MemoryTable{
		name:     name,
		backstop: New(nil, recorder, opts...),
		rows:     make(map[string]Row),
	}
}

func (t *MemoryTable) Name() string { return t.name }

// Insert validates ownership before the uniqueness check, as the BEFORE
// trigger does, so a denied caller never learns whether the ID is taken. A
// duplicate aborts the statement and, like the rolled-back trigger row,
// leaves no audit entry.
func (t *MemoryTable) Insert(ctx context.Context, state SessionState, row Row) error {
	t.mu.Lock()
	out := t.check(state, audit.OperationWrite, row.OwnerTenant)
	if out.Allowed {
		if _, exists := t.rows[row.ID]; exists {
			t.mu.Unlock()
			return fmt.Errorf("row %s: %w", row.ID, sentinel.ErrConflict)
		}
		t.rows[row.ID] = row
	}
	t.mu.Unlock()
	return t.settle(ctx, out)
}

// Update replaces the row with the same ID. Both the stored owner and the
// new owner are validated, so a row cannot be moved out of or into a
// foreign tenant.
func (t *MemoryTable) Update(ctx context.Context, state SessionState, row Row) error {
	t.mu.Lock()
	current, ok := t.rows[row.ID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("row %s: %w", row.ID, sentinel.ErrNotFound)
	}
	out := t.check(state, audit.OperationWrite, current.OwnerTenant, row.OwnerTenant)
	if out.Allowed {
		t.rows[row.ID] = row
	}
	t.mu.Unlock()
	return t.settle(ctx, out)
}

func (t *MemoryTable) Delete(ctx context.Context, state SessionState, id string) error {
	t.mu.Lock()
	current, ok := t.rows[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("row %s: %w", id, sentinel.ErrNotFound)
	}
	out := t.check(state, audit.OperationDelete, current.OwnerTenant)
	if out.Allowed {
		delete(t.rows, id)
	}
	t.mu.Unlock()
	return t.settle(ctx, out)
}

func (t *MemoryTable) Get(id string) (Row, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[id]
	return row, ok
}

// Rows returns the rows owned by tenantID ordered by ID.
func (t *MemoryTable) Rows(tenantID string) []Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Row
	for _, row := range t.rows {
		if row.OwnerTenant == tenantID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *MemoryTable) check(state SessionState, op audit.Operation, owners ...string) ValidationOutcome {
	out := Evaluate(state, owners...)
	out.Operation = op
	out.Table = t.name
	return out
}

// settle audits the outcome outside the table lock and builds the error.
func (t *MemoryTable) settle(ctx context.Context, out ValidationOutcome) error {
	if out.Allowed {
		if out.PrivilegedOverride {
			t.backstop.record(ctx, audit.Entry{
				IdentityID:     out.IdentityID,
				Role:           out.Role,
				HomeTenantID:   out.SessionTenant,
				TargetTenantID: out.ObservedOwnerTenant,
				Operation:      out.Operation,
				EntityKind:     out.Table,
				Timestamp:      t.backstop.now(),
				Allowed:        true,
				Reason:         audit.ReasonPrivilegedCrossWrite,
				Source:         audit.SourceBackstop,
				Outcome:        audit.OutcomeSucceeded,
			})
		}
		return nil
	}
	t.backstop.recordDenied(ctx, out)
	return isolation.StorageDenied(isolation.ErrCrossTenantDenied, out.ObservedOwnerTenant, out.Reason)
}
