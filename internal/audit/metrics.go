package audit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the audit writer.
type Metrics struct {
	Recorded            *prometheus.CounterVec
	AppendFailures      prometheus.Counter
	Diverted            prometheus.Counter
	OverflowFailures    prometheus.Counter
	Replayed            prometheus.Counter
	PrivilegedOverrides prometheus.Counter
	SinkBreakerOpen     prometheus.Gauge
	AppendDuration      prometheus.Histogram
}

// NewMetrics registers the audit metrics with reg (default registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Recorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantguard_audit_entries_recorded_total",
			Help: "Audit entries accepted by the sink, by source and decision",
		}, []string{"source", "allowed"}),
		AppendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "tenantguard_audit_append_failures_total",
			Help: "Individual sink append attempts that failed",
		}),
		Diverted: f.NewCounter(prometheus.CounterOpts{
			Name: "tenantguard_audit_entries_diverted_total",
			Help: "Audit entries diverted to the overflow queue",
		}),
		OverflowFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "tenantguard_audit_overflow_failures_total",
			Help: "Audit entries lost because both sink and overflow failed",
		}),
		Replayed: f.NewCounter(prometheus.CounterOpts{
			Name: "tenantguard_audit_entries_replayed_total",
			Help: "Overflow entries replayed into the sink",
		}),
		PrivilegedOverrides: f.NewCounter(prometheus.CounterOpts{
			Name: "tenantguard_audit_privileged_overrides_total",
			Help: "Privileged cross-tenant actions recorded",
		}),
		SinkBreakerOpen: f.NewGauge(prometheus.GaugeOpts{
			Name: "tenantguard_audit_sink_breaker_open",
			Help: "Audit sink breaker state (0=closed, 1=open)",
		}),
		AppendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tenantguard_audit_append_duration_seconds",
			Help:    "Duration of successful sink appends including retries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
}

func (m *Metrics) incRecorded(e Entry) {
	if m == nil {
		return
	}
	allowed := "false"
	if e.Allowed {
		allowed = "true"
	}
	m.Recorded.WithLabelValues(string(e.Source), allowed).Inc()
	if e.IsPrivilegedOverride() {
		m.PrivilegedOverrides.Inc()
	}
}

func (m *Metrics) incAppendFailure() {
	if m == nil {
		return
	}
	m.AppendFailures.Inc()
}

func (m *Metrics) incDiverted() {
	if m == nil {
		return
	}
	m.Diverted.Inc()
}

func (m *Metrics) incOverflowFailure() {
	if m == nil {
		return
	}
	m.OverflowFailures.Inc()
}

func (m *Metrics) addReplayed(n int) {
	if m == nil {
		return
	}
	m.Replayed.Add(float64(n))
}

func (m *Metrics) setBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.SinkBreakerOpen.Set(1)
		return
	}
	m.SinkBreakerOpen.Set(0)
}

func (m *Metrics) observeAppend(start time.Time) {
	if m == nil {
		return
	}
	m.AppendDuration.Observe(time.Since(start).Seconds())
}
