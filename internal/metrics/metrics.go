// Package metrics instruments job tracking with Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components take one as an
// optional dependency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bulkwatch"

// Metrics holds the collectors for trackers and orchestrations.
type Metrics struct {
	Snapshots  *prometheus.CounterVec
	Terminals  *prometheus.CounterVec
	PollErrors prometheus.Counter
	ActiveJobs prometheus.Gauge
	Phases     *prometheus.CounterVec
}

// New registers the collectors with reg. Pass prometheus.NewRegistry() in
// tests to keep them isolated from the default registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Snapshots: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshots_total",
				Help:      "Progress snapshots received, by result",
			},
			[]string{"result"}, // applied/discarded
		),
		Terminals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_finished_total",
				Help:      "Jobs that reached a terminal state",
			},
			[]string{"state", "transport"},
		),
		PollErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Failed status polls",
		}),
		ActiveJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Jobs currently being tracked",
		}),
		Phases: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phases_total",
				Help:      "Sequential phases attempted, by outcome",
			},
			[]string{"outcome"}, // success/failure
		),
	}
}

// SnapshotApplied counts a snapshot merged into the store.
func (m *Metrics) SnapshotApplied() {
	if m == nil {
		return
	}
	m.Snapshots.WithLabelValues("applied").Inc()
}

// SnapshotDiscarded counts a stale or malformed snapshot.
func (m *Metrics) SnapshotDiscarded() {
	if m == nil {
		return
	}
	m.Snapshots.WithLabelValues("discarded").Inc()
}

// JobStarted marks a job as running.
func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.ActiveJobs.Inc()
}

// JobFinished records the terminal state of a job. running reports whether
// the job had been counted by JobStarted.
func (m *Metrics) JobFinished(state, transport string, running bool) {
	if m == nil {
		return
	}
	if running {
		m.ActiveJobs.Dec()
	}
	m.Terminals.WithLabelValues(state, transport).Inc()
}

// PollError counts one failed status poll.
func (m *Metrics) PollError() {
	if m == nil {
		return
	}
	m.PollErrors.Inc()
}

// PhaseFinished records the outcome of one sequential phase.
func (m *Metrics) PhaseFinished(success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.Phases.WithLabelValues(outcome).Inc()
}
