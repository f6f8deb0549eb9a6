// Package metrics provides Prometheus metrics for the toolmesh engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace prefix for all metrics
	namespace = "toolmesh"

	// Subsystems
	subsystemRouter    = "router"
	subsystemBreaker   = "circuit_breaker"
	subsystemDiscovery = "discovery"
	subsystemKube      = "control_plane"
)

var (
	// DurationBuckets for request durations
	DurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	// === Router Metrics ===

	// RouterInvocationsTotal counts tool invocations by final outcome
	RouterInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRouter,
			Name:      "invocations_total",
			Help:      "Total number of tool invocations",
		},
		[]string{"tool", "outcome"},
	)

	// RouterInvocationDuration measures invocation latency
	RouterInvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemRouter,
			Name:      "invocation_duration_seconds",
			Help:      "Tool invocation latency in seconds",
			Buckets:   DurationBuckets,
		},
		[]string{"tool"},
	)

	// RouterRetriesTotal counts retry attempts after transient failures
	RouterRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRouter,
			Name:      "retries_total",
			Help:      "Total number of retried invocation attempts",
		},
		[]string{"tool"},
	)

	// RouterHealthChecksTotal counts health probes
	RouterHealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRouter,
			Name:      "health_checks_total",
			Help:      "Total number of tool health probes",
		},
		[]string{"tool", "healthy"},
	)

	// === Circuit Breaker Metrics ===

	// BreakerState shows circuit state (0=closed, 1=open)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemBreaker,
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open)",
		},
		[]string{"tool"},
	)

	// BreakerTripsTotal counts transitions to the open state
	BreakerTripsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBreaker,
			Name:      "trips_total",
			Help:      "Total number of circuit breaker trips",
		},
		[]string{"tool"},
	)

	// BreakerShortCircuitsTotal counts calls rejected while open
	BreakerShortCircuitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemBreaker,
			Name:      "short_circuits_total",
			Help:      "Total number of calls rejected while the breaker was open",
		},
		[]string{"tool"},
	)

	// === Discovery Metrics ===

	// DiscoveryLookupsTotal counts endpoint resolutions
	DiscoveryLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDiscovery,
			Name:      "lookups_total",
			Help:      "Total number of endpoint resolutions",
		},
		[]string{"mode", "outcome"},
	)

	// === Control Plane Metrics ===

	// ControlPlaneOpsTotal counts control-plane operations
	ControlPlaneOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemKube,
			Name:      "operations_total",
			Help:      "Total number of control-plane operations",
		},
		[]string{"resource", "operation", "result"},
	)

	// registry holds all metrics
	registry = prometheus.NewRegistry()
)

func init() {
	registry.MustRegister(
		// Router metrics
		RouterInvocationsTotal,
		RouterInvocationDuration,
		RouterRetriesTotal,
		RouterHealthChecksTotal,
		// Circuit breaker metrics
		BreakerState,
		BreakerTripsTotal,
		BreakerShortCircuitsTotal,
		// Discovery metrics
		DiscoveryLookupsTotal,
		// Control plane metrics
		ControlPlaneOpsTotal,
	)

	// Also register Go runtime and process collectors
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler for metrics
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordInvocation records a completed tool invocation
func RecordInvocation(tool, outcome string, duration float64) {
	RouterInvocationsTotal.WithLabelValues(tool, outcome).Inc()
	RouterInvocationDuration.WithLabelValues(tool).Observe(duration)
}

// RecordRetry records a retried invocation attempt
func RecordRetry(tool string) {
	RouterRetriesTotal.WithLabelValues(tool).Inc()
}

// RecordHealthCheck records a health probe result
func RecordHealthCheck(tool string, healthy bool) {
	v := "false"
	if healthy {
		v = "true"
	}
	RouterHealthChecksTotal.WithLabelValues(tool, v).Inc()
}

// SetBreakerState sets the circuit breaker state gauge (0=closed, 1=open)
func SetBreakerState(tool string, open bool) {
	val := 0.0
	if open {
		val = 1.0
	}
	BreakerState.WithLabelValues(tool).Set(val)
}

// RecordBreakerTrip records a transition to the open state
func RecordBreakerTrip(tool string) {
	BreakerTripsTotal.WithLabelValues(tool).Inc()
}

// RecordBreakerShortCircuit records a call rejected while the breaker was open
func RecordBreakerShortCircuit(tool string) {
	BreakerShortCircuitsTotal.WithLabelValues(tool).Inc()
}

// RecordDiscoveryLookup records an endpoint resolution
func RecordDiscoveryLookup(mode, outcome string) {
	DiscoveryLookupsTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordControlPlaneOp records a control-plane operation
func RecordControlPlaneOp(resource, operation, result string) {
	ControlPlaneOpsTotal.WithLabelValues(resource, operation, result).Inc()
}
