package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"tenantguard/internal/isolation"
	"tenantguard/internal/tenant/metrics"
	"tenantguard/internal/tenant/models"
	"tenantguard/pkg/platform/sentinel"
)

const (
	DefaultTTL           = 30 * time.Second
	DefaultLookupTimeout = 2 * time.Second
)

var tracer = otel.Tracer("tenantguard/partition")

// Entry is the registry's view of one tenant.
type Entry struct {
	TenantID  string
	Partition string
	Active    bool
}

// Handle returns the typed handle for the entry's partition.
func (e Entry) Handle() (Handle, error) {
	return NewHandle(e.Partition)
}

// Directory is the canonical tenant record source.
type Directory interface {
	FindByID(ctx context.Context, tenantID string) (*models.Tenant, error)
}

// SharedCache is an optional second cache level shared between instances.
type SharedCache interface {
	Get(ctx context.Context, tenantID string) (Entry, bool, error)
	Set(ctx context.Context, entry Entry, ttl time.Duration) error
	Delete(ctx context.Context, tenantID string) error
}

type cacheEntry struct {
	value     Entry
	expiresAt time.Time
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Registry maps tenant ids to their frozen partition names.
//
// Reads are lock-free. Each key carries a generation counter that Invalidate
// bumps; a population that started under an older generation is discarded,
// so a lookup racing an invalidation never resurrects the stale entry.
// Concurrent misses for the same key and generation share one lookup.
type Registry struct {
	directory     Directory
	shared        SharedCache
	ttl           time.Duration
	lookupTimeout time.Duration
	now           func() time.Time
	logger        *slog.Logger
	metrics       *metrics.Metrics

	entries     sync.Map // tenantID → *cacheEntry
	generations sync.Map // tenantID → *atomic.Uint64
	flights     singleflight.Group
}

type Option func(*Registry)

func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func WithLookupTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.lookupTimeout = d
		}
	}
}

func WithSharedCache(c SharedCache) Option {
	return func(r *Registry) {
		r.shared = c
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func NewRegistry(directory Directory, opts ...Option) *Registry {
	r := &Registry{
		directory:     directory,
		ttl:           DefaultTTL,
		lookupTimeout: DefaultLookupTimeout,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the registry entry for tenantID. Unknown tenants yield
// isolation.ErrUnknownTenant; there is no default partition.
func (r *Registry) Resolve(ctx context.Context, tenantID string) (Entry, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Entry{}, fmt.Errorf("empty tenant id: %w", isolation.ErrUnknownTenant)
	}

	if v, ok := r.entries.Load(tenantID); ok {
		ce := v.(*cacheEntry)
		if !ce.expired(r.now()) {
			r.metrics.IncrementCacheHit()
			return ce.value, nil
		}
		r.entries.CompareAndDelete(tenantID, ce)
	}
	r.metrics.IncrementCacheMiss()

	gen := r.generation(tenantID)
	observed := gen.Load()
	flightKey := tenantID + "@" + strconv.FormatUint(observed, 10)

	ch := r.flights.DoChan(flightKey, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.lookupTimeout)
		defer cancel()
		entry, fromShared, err := r.lookup(lookupCtx, tenantID)
		if err != nil {
			return Entry{}, err
		}
		if r.populate(tenantID, gen, observed, entry) && !fromShared && r.shared != nil {
			if err := r.shared.Set(lookupCtx, entry, r.ttl); err != nil {
				r.logger.WarnContext(lookupCtx, "shared partition cache write failed",
					"tenant_id", tenantID,
					"error", err,
				)
			}
		}
		return entry, nil
	})

	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, res.Err
		}
		return res.Val.(Entry), nil
	}
}

// Invalidate forces the next Resolve for tenantID to consult the directory.
func (r *Registry) Invalidate(ctx context.Context, tenantID string) error {
	r.generation(tenantID).Add(1)
	r.entries.Delete(tenantID)
	r.metrics.IncrementInvalidation()
	if r.shared != nil {
		if err := r.shared.Delete(ctx, tenantID); err != nil {
			return fmt.Errorf("invalidate shared partition cache: %w", err)
		}
	}
	return nil
}

func (r *Registry) generation(tenantID string) *atomic.Uint64 {
	if v, ok := r.generations.Load(tenantID); ok {
		return v.(*atomic.Uint64)
	}
	v, _ := r.generations.LoadOrStore(tenantID, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

// populate stores entry only while the generation it was read under is
// current. The re-check after Store removes an entry that lost the race with
// an Invalidate landing between the first check and the Store.
func (r *Registry) populate(tenantID string, gen *atomic.Uint64, observed uint64, entry Entry) bool {
	if gen.Load() != observed {
		return false
	}
	ce := &cacheEntry{value: entry, expiresAt: r.now().Add(r.ttl)}
	r.entries.Store(tenantID, ce)
	if gen.Load() != observed {
		r.entries.CompareAndDelete(tenantID, ce)
		return false
	}
	return true
}

func (r *Registry) lookup(ctx context.Context, tenantID string) (Entry, bool, error) {
	ctx, span := tracer.Start(ctx, "partition.lookup", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID))

	if r.shared != nil {
		entry, ok, err := r.shared.Get(ctx, tenantID)
		switch {
		case err != nil:
			r.logger.WarnContext(ctx, "shared partition cache read failed",
				"tenant_id", tenantID,
				"error", err,
			)
		case ok:
			return entry, true, nil
		}
	}

	start := time.Now()
	tenant, err := r.directory.FindByID(ctx, tenantID)
	r.metrics.ObserveLookup(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "directory lookup failed")
		if errors.Is(err, sentinel.ErrNotFound) {
			r.metrics.IncrementLookupFailure("unknown_tenant")
			return Entry{}, false, fmt.Errorf("tenant %s: %w", tenantID, isolation.ErrUnknownTenant)
		}
		r.metrics.IncrementLookupFailure("directory_error")
		return Entry{}, false, fmt.Errorf("lookup tenant %s: %w", tenantID, err)
	}
	if !ValidName(tenant.Partition) {
		r.metrics.IncrementLookupFailure("invalid_partition")
		return Entry{}, false, fmt.Errorf("tenant %s has invalid partition %q: %w", tenantID, tenant.Partition, sentinel.ErrInvalidState)
	}

	return Entry{TenantID: tenant.ID, Partition: tenant.Partition, Active: tenant.IsActive()}, false, nil
}
