package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the bridge's prometheus metrics.
//
// The tenant access violation counter is the alerting signal for isolation
// breaches: it must move exactly once per violation, and emission failure
// never suppresses the violation error itself (the guard guarantees that).
type Metrics struct {
	// InvocationCounter counts invocations by agent, delivery mode, and status.
	InvocationCounter *prometheus.CounterVec

	// InvocationDuration measures end-to-end invocation latency in seconds.
	// Labels: agent, mode
	InvocationDuration *prometheus.HistogramVec

	// StreamChunks counts relayed stream chunks by agent.
	StreamChunks *prometheus.CounterVec

	// TenantViolations counts partition-guard violations.
	// Labels: caller_tenant, target_tenant
	TenantViolations *prometheus.CounterVec

	// JobTransitions counts job status transitions.
	// Labels: from, to
	JobTransitions *prometheus.CounterVec

	// LockAcquisitions counts operation-lock outcomes.
	// Labels: lock, outcome (acquired|held|released|mismatch)
	LockAcquisitions *prometheus.CounterVec

	// HTTPRequestDuration measures handler latency.
	// Labels: method, route, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with a fresh registry and
// returns both. Callers mount the registry on /metrics.
func NewMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		InvocationCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_invocations_total",
				Help: "Total agent invocations by agent, mode, and status",
			},
			[]string{"agent", "mode", "status"},
		),
		InvocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_invocation_duration_seconds",
				Help:    "End-to-end invocation latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"agent", "mode"},
		),
		StreamChunks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_stream_chunks_total",
				Help: "Stream chunks relayed to callers by agent",
			},
			[]string{"agent"},
		),
		TenantViolations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_tenant_access_violations_total",
				Help: "Cross-tenant access attempts blocked by the partition guard",
			},
			[]string{"caller_tenant", "target_tenant"},
		),
		JobTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_job_transitions_total",
				Help: "Job lifecycle transitions by from/to status",
			},
			[]string{"from", "to"},
		),
		LockAcquisitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_ops_lock_events_total",
				Help: "Operation lock events by lock name and outcome",
			},
			[]string{"lock", "outcome"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_http_request_duration_seconds",
				Help:    "HTTP request latency by method, route, and status code",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"method", "route", "status_code"},
		),
	}
	return m, reg
}
