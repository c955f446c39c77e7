package executor

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_ReuseRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := MustNewMetrics(reg)
	b := MustNewMetrics(reg)

	a.ObserveExecution("completed")
	b.ObserveExecution("completed")
	b.ObserveExecution("busy")

	assert.Equal(t, 2.0, testutil.ToFloat64(a.executions.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.executions.WithLabelValues("busy")))
}

func TestMetrics_Observations(t *testing.T) {
	m := MustNewMetrics(prometheus.NewRegistry())

	m.IncActive()
	m.IncActive()
	m.DecActive()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.active))

	m.AddCancellations(3)
	m.AddCancellations(0)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.cancellations))

	m.ObserveEvent("update")
	m.ObserveEvent("update")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("update")))

	m.ObserveLockWait(20 * time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(m.lockWait))
}

func TestMetrics_NilIsNoOp(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveExecution("completed")
		m.ObserveLockWait(time.Second)
		m.IncActive()
		m.DecActive()
		m.AddCancellations(1)
		m.ObserveEvent("final")
	})
}
