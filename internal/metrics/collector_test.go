package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vvka-141/pgguard/pkg/pgguard"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector("test", reg), reg
}

func TestCollector_ObserveOperation(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveOperation("users.list", "users", 12.5, 3, true)
	c.ObserveOperation("users.list", "users", 40, 0, false)
	c.ObserveOperation("users.list", "users", 8, 2, true)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.operationsTotal.WithLabelValues("users.list", "users", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operationsTotal.WithLabelValues("users.list", "users", "failure")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.rowsTotal.WithLabelValues("users.list", "users")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.operationDuration))
}

func TestCollector_ObserveSlowOperation(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveSlowOperation("report", "orders", 2500)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.slowOperations.WithLabelValues("report", "orders")))
}

func TestCollector_ObserveBreakerState(t *testing.T) {
	c, _ := newTestCollector(t)

	c.ObserveBreakerState(pgguard.BreakerOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerState))

	c.ObserveBreakerState(pgguard.BreakerHalfOpen)
	c.ObserveBreakerState(pgguard.BreakerClosed)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.breakerState))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerTransitions.WithLabelValues("Open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerTransitions.WithLabelValues("Closed")))
}

func TestCollector_SetBreakerStateCountsNoTransition(t *testing.T) {
	c, _ := newTestCollector(t)

	c.SetBreakerState(pgguard.BreakerClosed)
	c.SetBreakerState(pgguard.BreakerOpen)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.breakerState))
	assert.Equal(t, 0, testutil.CollectAndCount(c.breakerTransitions))
}

func TestCollector_ObservePoolStats(t *testing.T) {
	c, reg := newTestCollector(t)

	c.ObservePoolStats(pgguard.PoolStats{Total: 4, Idle: 1, InUse: 3, Waiting: 2, Max: 10})

	expected := `
# HELP test_pool_connections Connection pool snapshot by state
# TYPE test_pool_connections gauge
test_pool_connections{state="idle"} 1
test_pool_connections{state="in_use"} 3
test_pool_connections{state="max"} 10
test_pool_connections{state="total"} 4
test_pool_connections{state="waiting"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "test_pool_connections"))
}

func TestNewCollector_SeparateRegistries(t *testing.T) {
	// Two managers in one process each get their own registry.
	assert.NotPanics(t, func() {
		NewCollector("", prometheus.NewRegistry())
		NewCollector("", prometheus.NewRegistry())
	})
}
