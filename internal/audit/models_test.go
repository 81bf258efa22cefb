package audit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantguard/internal/tenant/resolver"
)

func baseEntry() Entry {
	return Entry{
		IdentityID:     "u1",
		Role:           resolver.RoleStandard,
		HomeTenantID:   "t1",
		TargetTenantID: "t1",
		Operation:      OperationRead,
		EntityKind:     "invoice",
		Timestamp:      time.Date(2026, 4, 2, 9, 30, 15, 250_000_000, time.UTC),
		Allowed:        true,
		Source:         SourceGate,
		Outcome:        OutcomeSucceeded,
	}
}

func TestComputeID(t *testing.T) {
	t.Run("same content within a second yields the same id", func(t *testing.T) {
		a := baseEntry()
		b := baseEntry()
		b.Timestamp = b.Timestamp.Add(500 * time.Millisecond)
		b.Outcome = OutcomeFailed

		idA, err := ComputeID(a)
		require.NoError(t, err)
		idB, err := ComputeID(b)
		require.NoError(t, err)
		assert.Equal(t, idA, idB)
		assert.Len(t, idA, 64)
	})

	t.Run("timezone does not change the id", func(t *testing.T) {
		a := baseEntry()
		b := baseEntry()
		b.Timestamp = b.Timestamp.In(time.FixedZone("x", 3600))
		idA, _ := ComputeID(a)
		idB, _ := ComputeID(b)
		assert.Equal(t, idA, idB)
	})

	t.Run("identity fields change the id", func(t *testing.T) {
		ref, _ := ComputeID(baseEntry())
		mutations := map[string]func(*Entry){
			"identity":  func(e *Entry) { e.IdentityID = "u2" },
			"target":    func(e *Entry) { e.TargetTenantID = "t2" },
			"operation": func(e *Entry) { e.Operation = OperationWrite },
			"entity":    func(e *Entry) { e.EntityKind = "payment" },
			"second":    func(e *Entry) { e.Timestamp = e.Timestamp.Add(time.Second) },
			"source":    func(e *Entry) { e.Source = SourceBackstop },
		}
		for name, mutate := range mutations {
			e := baseEntry()
			mutate(&e)
			id, err := ComputeID(e)
			require.NoError(t, err)
			assert.NotEqual(t, ref, id, name)
		}
	})
}

func TestEntryValidate(t *testing.T) {
	assert.NoError(t, baseEntry().Validate())

	denied := baseEntry()
	denied.Allowed = false
	assert.Error(t, denied.Validate(), "denied entry needs a reason")
	denied.Reason = ReasonCrossTenantDenied
	assert.NoError(t, denied.Validate())

	override := baseEntry()
	override.Role = resolver.RolePrivilegedOperator
	override.TargetTenantID = "t3"
	assert.Error(t, override.Validate(), "privileged cross-tenant entry needs a reason")
	override.Reason = ReasonPrivilegedCrossTenant
	assert.NoError(t, override.Validate())

	bad := baseEntry()
	bad.Operation = "update"
	assert.Error(t, bad.Validate())
}

func TestEntryClassification(t *testing.T) {
	e := baseEntry()
	assert.False(t, e.IsViolation())
	assert.False(t, e.IsCrossTenant())

	e.Role = resolver.RolePrivilegedOperator
	e.TargetTenantID = "t3"
	e.Reason = ReasonPrivilegedCrossTenant
	assert.True(t, e.IsPrivilegedOverride())
	assert.True(t, e.IsViolation())

	d := baseEntry()
	d.Allowed = false
	d.Reason = ReasonCrossTenantDenied
	assert.True(t, d.IsViolation())
	assert.False(t, d.IsPrivilegedOverride())

	l := baseEntry()
	l.Role = resolver.RolePrivilegedOperator
	l.HomeTenantID = ""
	l.TargetTenantID = "t3"
	l.Operation = OperationWrite
	l.EntityKind = "tenant.rename"
	l.Source = SourceLifecycle
	l.Reason = "tenant slug renamed"
	assert.True(t, l.IsCrossTenant())
	assert.False(t, l.IsPrivilegedOverride(), "lifecycle administration is not an override")
	assert.False(t, l.IsViolation())
}

func TestFilterMatches(t *testing.T) {
	e := baseEntry()
	e.TargetTenantID = "t2"

	assert.True(t, Filter{TenantID: "t1"}.Matches(e), "home tenant matches")
	assert.True(t, Filter{TenantID: "t2"}.Matches(e), "target tenant matches")
	assert.False(t, Filter{TenantID: "t3"}.Matches(e))
	assert.False(t, Filter{DeniedOnly: true}.Matches(e))
	assert.False(t, Filter{Operations: []Operation{OperationDelete}}.Matches(e))
	assert.True(t, Filter{From: e.Timestamp}.Matches(e), "from is inclusive")
	assert.False(t, Filter{To: e.Timestamp}.Matches(e), "to is exclusive")
}

func TestFilterNormalize(t *testing.T) {
	assert.Equal(t, DefaultQueryLimit, Filter{}.Normalize().Limit)
	assert.Equal(t, MaxQueryLimit, Filter{Limit: 5000}.Normalize().Limit)
	assert.Equal(t, 7, Filter{Limit: 7}.Normalize().Limit)
}

func TestMarshalRoundTripKeepsPrecision(t *testing.T) {
	e := baseEntry()
	data, err := Marshal(e)
	require.NoError(t, err)
	var out Entry
	require.NoError(t, Unmarshal(data, &out))
	assert.True(t, e.Timestamp.Equal(out.Timestamp))
	assert.Equal(t, e.EntityKind, out.EntityKind)
}

func TestSinkBreaker(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newSinkBreaker(2, time.Minute, func() time.Time { return now })

	assert.True(t, b.allow())
	assert.False(t, b.recordFailure())
	assert.True(t, b.recordFailure(), "second failure opens")
	assert.False(t, b.allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, b.allow(), "half-open after cooldown")
	assert.False(t, b.allow(), "only one trial while half-open")
	assert.True(t, b.recordFailure(), "failed trial re-opens")
	assert.False(t, b.allow(), "new cooldown after failed trial")

	now = now.Add(2 * time.Minute)
	assert.True(t, b.allow())
	b.recordSuccess()
	assert.False(t, b.isOpen())
	assert.True(t, b.allow())
	assert.True(t, b.allow())
}

func TestSinkBreakerAdmitsOneConcurrentTrial(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := newSinkBreaker(1, time.Minute, func() time.Time { return now })
	require.True(t, b.recordFailure())
	now = now.Add(2 * time.Minute)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.allow() {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load())
}
