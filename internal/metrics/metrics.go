// Package metrics exposes the orchestrator's prometheus instruments. All
// recording methods are nil-safe so components can run unmetered in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the counters and gauges the execution core reports.
type Metrics struct {
	TasksSubmitted prometheus.Counter
	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter
	TasksCancelled prometheus.Counter
	TasksInFlight  prometheus.Gauge

	EventsRecorded     *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec

	PleasSubmitted prometheus.Counter
	WaiversGranted prometheus.Counter
	PleasRejected  prometheus.Counter
}

// New registers the orchestrator's instruments with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corch_tasks_submitted_total",
			Help: "Tasks accepted by the executor.",
		}),
		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corch_tasks_completed_total",
			Help: "Tasks that reached Completed.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corch_tasks_failed_total",
			Help: "Tasks that reached Failed.",
		}),
		TasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corch_tasks_cancelled_total",
			Help: "Tasks that reached Cancelled.",
		}),
		TasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "corch_tasks_in_flight",
			Help: "Tasks currently holding an execution slot.",
		}),
		EventsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corch_execution_events_total",
			Help: "Execution events recorded, by kind.",
		}, []string{"kind"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corch_breaker_transitions_total",
			Help: "Circuit breaker state transitions, by provider and target state.",
		}, []string{"provider", "to"}),
		PleasSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corch_pleas_submitted_total",
			Help: "Budget-overrun pleas submitted to the council.",
		}),
		WaiversGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corch_waivers_granted_total",
			Help: "Waivers minted after council approval.",
		}),
		PleasRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corch_pleas_rejected_total",
			Help: "Pleas rejected, including council timeouts.",
		}),
	}

	reg.MustRegister(
		m.TasksSubmitted, m.TasksCompleted, m.TasksFailed, m.TasksCancelled,
		m.TasksInFlight, m.EventsRecorded, m.BreakerTransitions,
		m.PleasSubmitted, m.WaiversGranted, m.PleasRejected,
	)

	return m
}

// ObserveEvent bumps the per-kind event counter.
func (m *Metrics) ObserveEvent(kind string) {
	if m == nil {
		return
	}
	m.EventsRecorded.WithLabelValues(kind).Inc()
}

// ObserveBreakerTransition bumps the transition counter.
func (m *Metrics) ObserveBreakerTransition(provider, to string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(provider, to).Inc()
}
