package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the tenant module.
// Tracks partition cache effectiveness, directory lookup latency and lifecycle changes.
type Metrics struct {
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	Invalidations     prometheus.Counter
	LookupFailures    *prometheus.CounterVec
	LookupDuration    prometheus.Histogram
	TenantsProvisioned prometheus.Counter
	LifecycleChanges  *prometheus.CounterVec
	ResolveDuration   prometheus.Histogram
	ResolveRejections *prometheus.CounterVec
}

// New registers all tenant module metrics with reg.
// A nil reg uses the default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "tenantguard_partition_cache_hits_total",
			Help: "Partition registry lookups served from cache",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "tenantguard_partition_cache_misses_total",
			Help: "Partition registry lookups that went to the tenant directory",
		}),
		Invalidations: f.NewCounter(prometheus.CounterOpts{
			Name: "tenantguard_partition_invalidations_total",
			Help: "Explicit partition cache invalidations",
		}),
		LookupFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantguard_partition_lookup_failures_total",
			Help: "Directory lookups that failed, by reason",
		}, []string{"reason"}),
		LookupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tenantguard_partition_lookup_duration_seconds",
			Help:    "Duration of tenant directory lookups on cache miss",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		TenantsProvisioned: f.NewCounter(prometheus.CounterOpts{
			Name: "tenantguard_tenants_provisioned_total",
			Help: "Total number of tenants provisioned",
		}),
		LifecycleChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantguard_tenant_lifecycle_changes_total",
			Help: "Tenant lifecycle changes, by action",
		}, []string{"action"}),
		ResolveDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tenantguard_context_resolve_duration_seconds",
			Help:    "Duration of tenant context resolution (request critical path)",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		ResolveRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantguard_context_resolve_rejections_total",
			Help: "Principals that could not be resolved to a tenant context, by reason",
		}, []string{"reason"}),
	}
}

func (m *Metrics) IncrementCacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

func (m *Metrics) IncrementCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}

func (m *Metrics) IncrementInvalidation() {
	if m == nil {
		return
	}
	m.Invalidations.Inc()
}

func (m *Metrics) IncrementLookupFailure(reason string) {
	if m == nil {
		return
	}
	m.LookupFailures.WithLabelValues(reason).Inc()
}

// ObserveLookup records the duration of a directory lookup.
// Call with time.Now() at the start of the lookup.
func (m *Metrics) ObserveLookup(start time.Time) {
	if m == nil {
		return
	}
	m.LookupDuration.Observe(time.Since(start).Seconds())
}

// IncrementTenantProvisioned records a successful tenant creation.
func (m *Metrics) IncrementTenantProvisioned() {
	if m == nil {
		return
	}
	m.TenantsProvisioned.Inc()
}

func (m *Metrics) IncrementLifecycleChange(action string) {
	if m == nil {
		return
	}
	m.LifecycleChanges.WithLabelValues(action).Inc()
}

// ObserveResolve records the duration of a context resolution.
func (m *Metrics) ObserveResolve(start time.Time) {
	if m == nil {
		return
	}
	m.ResolveDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementResolveRejection(reason string) {
	if m == nil {
		return
	}
	m.ResolveRejections.WithLabelValues(reason).Inc()
}
