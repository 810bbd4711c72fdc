// Package metrics exports database operation, breaker and pool metrics to
// Prometheus. Collector implements every pgguard observer interface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vvka-141/pgguard/pkg/pgguard"
)

const (
	statusSuccess = "success"
	statusFailure = "failure"
)

// Collector is safe for concurrent use.
type Collector struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	rowsTotal         *prometheus.CounterVec
	slowOperations    *prometheus.CounterVec

	breakerState       prometheus.Gauge
	breakerTransitions *prometheus.CounterVec

	poolConnections *prometheus.GaugeVec
}

// NewCollector registers the collector's metrics with reg. A nil reg uses
// prometheus.DefaultRegisterer. Two collectors on one registry need
// distinct namespaces.
func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	if namespace == "" {
		namespace = pgguard.DefaultMetricsNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{}

	c.operationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_operations_total",
			Help:      "Total number of database operation attempts",
		},
		[]string{"operation", "resource", "status"},
	)

	c.operationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_operation_duration_seconds",
			Help:      "Database operation attempt duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"operation", "resource"},
	)

	c.rowsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_rows_total",
			Help:      "Rows returned or affected by successful operations",
		},
		[]string{"operation", "resource"},
	)

	c.slowOperations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_slow_operations_total",
			Help:      "Operation attempts slower than the slow-operation threshold",
		},
		[]string{"operation", "resource"},
	)

	c.breakerState = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions by target state",
		},
		[]string{"to"},
	)

	c.poolConnections = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_connections",
			Help:      "Connection pool snapshot by state",
		},
		[]string{"state"}, // total, idle, in_use, waiting, max
	)

	return c
}

// ObserveOperation records one attempt.
func (c *Collector) ObserveOperation(operation, resource string, durationMs float64, rowCount int64, success bool) {
	status := statusSuccess
	if !success {
		status = statusFailure
	}
	c.operationsTotal.WithLabelValues(operation, resource, status).Inc()
	c.operationDuration.WithLabelValues(operation, resource).Observe(durationMs / 1000)
	if success && rowCount > 0 {
		c.rowsTotal.WithLabelValues(operation, resource).Add(float64(rowCount))
	}
}

// ObserveSlowOperation records an attempt above the slow threshold.
func (c *Collector) ObserveSlowOperation(operation, resource string, _ float64) {
	c.slowOperations.WithLabelValues(operation, resource).Inc()
}

// ObserveBreakerState records a breaker transition.
func (c *Collector) ObserveBreakerState(state pgguard.BreakerState) {
	c.SetBreakerState(state)
	c.breakerTransitions.WithLabelValues(state.String()).Inc()
}

// SetBreakerState publishes the current state without counting a transition.
func (c *Collector) SetBreakerState(state pgguard.BreakerState) {
	c.breakerState.Set(float64(state))
}

// ObservePoolStats publishes a pool snapshot.
func (c *Collector) ObservePoolStats(s pgguard.PoolStats) {
	c.poolConnections.WithLabelValues("total").Set(float64(s.Total))
	c.poolConnections.WithLabelValues("idle").Set(float64(s.Idle))
	c.poolConnections.WithLabelValues("in_use").Set(float64(s.InUse))
	c.poolConnections.WithLabelValues("waiting").Set(float64(s.Waiting))
	c.poolConnections.WithLabelValues("max").Set(float64(s.Max))
}

var (
	_ pgguard.Observer              = (*Collector)(nil)
	_ pgguard.SlowOperationObserver = (*Collector)(nil)
	_ pgguard.BreakerObserver       = (*Collector)(nil)
	_ pgguard.PoolObserver          = (*Collector)(nil)
)
