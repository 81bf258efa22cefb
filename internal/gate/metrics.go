package gate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks gate decisions and action latency.
type Metrics struct {
	Decisions           *prometheus.CounterVec
	PrivilegedOverrides prometheus.Counter
	AuditFailures       prometheus.Counter
	ActionDuration      *prometheus.HistogramVec
}

// NewMetrics registers the gate metrics with reg (default registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tenantguard_gate_decisions_total",
			Help: "Access gate decisions by operation, decision and outcome",
		}, []string{"operation", "decision", "outcome"}),
		PrivilegedOverrides: f.NewCounter(prometheus.CounterOpts{
			Name: "tenantguard_gate_privileged_overrides_total",
			Help: "Privileged cross-tenant actions allowed by the gate",
		}),
		AuditFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "tenantguard_gate_audit_failures_total",
			Help: "Gate calls whose audit entry could not be persisted anywhere",
		}),
		ActionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tenantguard_gate_action_duration_seconds",
			Help:    "Duration of actions executed through the gate",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"operation"}),
	}
}

func (m *Metrics) observeDecision(operation string, allowed bool, outcome string) {
	if m == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.Decisions.WithLabelValues(operation, decision, outcome).Inc()
}

func (m *Metrics) incPrivilegedOverride() {
	if m == nil {
		return
	}
	m.PrivilegedOverrides.Inc()
}

func (m *Metrics) incAuditFailure() {
	if m == nil {
		return
	}
	m.AuditFailures.Inc()
}

func (m *Metrics) observeAction(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.ActionDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
