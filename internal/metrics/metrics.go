// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scalytics/pmdaemon/internal/action"
)

const namespace = "pmdaemon"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	EventsIngested  *prometheus.CounterVec
	EventsSkipped   *prometheus.CounterVec
	SourceErrors    *prometheus.CounterVec
	Proposals       prometheus.Counter
	PlannerFailures prometheus.Counter
	GateDrops       *prometheus.CounterVec
	GateHolds       *prometheus.CounterVec
	ActionsQueued   *prometheus.CounterVec
	ActionsFinished *prometheus.CounterVec
	Decisions       *prometheus.CounterVec
	JobRuns         *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
}

// New registers every collector plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_ingested_total",
			Help: "Events handed to the planner, by source.",
		}, []string{"source"}),
		EventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_skipped_total",
			Help: "Events filtered out during ingestion, by reason.",
		}, []string{"reason"}),
		SourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "source_errors_total",
			Help: "Failed source fetches.",
		}, []string{"source"}),
		Proposals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "planner_proposals_total",
			Help: "Proposals returned by the planner.",
		}),
		PlannerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "planner_failures_total",
			Help: "Planning cycles that ended in an error.",
		}),
		GateDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gate_drops_total",
			Help: "Proposals dropped by gating, by rule.",
		}, []string{"rule"}),
		GateHolds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gate_holds_total",
			Help: "Proposals queued as PENDING, by hold reason.",
		}, []string{"hold"}),
		ActionsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "actions_queued_total",
			Help: "Actions appended to the queue, by kind and initial status.",
		}, []string{"kind", "status"}),
		ActionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "actions_finished_total",
			Help: "Executed or failed actions, by kind and status.",
		}, []string{"kind", "status"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "operator_decisions_total",
			Help: "Operator approvals and rejections, by kind.",
		}, []string{"kind", "approved"}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_runs_total",
			Help: "Scheduler job runs, by job and outcome.",
		}, []string{"job", "outcome"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_actions",
			Help: "Actions currently in the queue, by status.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.EventsIngested, m.EventsSkipped, m.SourceErrors,
		m.Proposals, m.PlannerFailures,
		m.GateDrops, m.GateHolds,
		m.ActionsQueued, m.ActionsFinished, m.Decisions,
		m.JobRuns, m.QueueDepth,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetQueue replaces the queue depth gauges with counts.
func (m *Metrics) SetQueue(counts map[action.Status]int) {
	m.QueueDepth.Reset()
	for status, n := range counts {
		m.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
}
