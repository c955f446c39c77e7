package executor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for task executions.
type Metrics struct {
	executions    *prometheus.CounterVec
	lockWait      prometheus.Histogram
	active        prometheus.Gauge
	cancellations prometheus.Counter
	events        *prometheus.CounterVec
}

// MustNewMetrics registers the collectors with reg, reusing collectors that
// are already registered. Any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrun",
			Subsystem: "executor",
			Name:      "executions_total",
			Help:      "Task executions by outcome.",
		}, []string{"outcome"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentrun",
			Subsystem: "executor",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a conversation lock.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentrun",
			Subsystem: "executor",
			Name:      "active_executions",
			Help:      "Executions currently holding a conversation lock.",
		}),
		cancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrun",
			Subsystem: "reconciler",
			Name:      "cancellations_total",
			Help:      "Remote operations cancelled before new input was sent or on stop.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrun",
			Subsystem: "executor",
			Name:      "events_total",
			Help:      "Output events emitted by type.",
		}, []string{"type"}),
	}

	if err := reg.Register(m.executions); err != nil {
		m.executions = existing(err).(*prometheus.CounterVec)
	}
	if err := reg.Register(m.lockWait); err != nil {
		m.lockWait = existing(err).(prometheus.Histogram)
	}
	if err := reg.Register(m.active); err != nil {
		m.active = existing(err).(prometheus.Gauge)
	}
	if err := reg.Register(m.cancellations); err != nil {
		m.cancellations = existing(err).(prometheus.Counter)
	}
	if err := reg.Register(m.events); err != nil {
		m.events = existing(err).(*prometheus.CounterVec)
	}
	return m
}

func existing(err error) prometheus.Collector {
	if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
		return already.ExistingCollector
	}
	panic(err)
}

// ObserveExecution counts a finished execution.
func (m *Metrics) ObserveExecution(outcome string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(outcome).Inc()
}

// ObserveLockWait records time spent waiting for a lock.
func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

// IncActive marks an execution as holding its lock.
func (m *Metrics) IncActive() {
	if m == nil {
		return
	}
	m.active.Inc()
}

// DecActive marks an execution as finished.
func (m *Metrics) DecActive() {
	if m == nil {
		return
	}
	m.active.Dec()
}

// AddCancellations counts remote operations cancelled by reconciliation.
func (m *Metrics) AddCancellations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cancellations.Add(float64(n))
}

// ObserveEvent counts an emitted event.
func (m *Metrics) ObserveEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}
