// Package metrics exposes Prometheus collectors for the proposal pipeline and
// the change orchestrator.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autopilot"

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Merge path labels.
const (
	PathRemote      = "remote"
	PathAdminSquash = "admin_squash"
)

// Metrics holds every collector registered by the daemon.
type Metrics struct {
	registry *prometheus.Registry

	proposals      *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	executions     *prometheus.CounterVec
	readinessPolls *prometheus.HistogramVec
	merges         *prometheus.CounterVec
}

// New creates the collectors on a dedicated registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		proposals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proposals_total",
				Help:      "Total number of proposals created",
			},
			[]string{"action"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Total number of approval decisions recorded",
			},
			[]string{"decision"},
		),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of proposal executions",
			},
			[]string{"action", "outcome"},
		),
		readinessPolls: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "readiness_polls",
				Help:      "Number of polls spent waiting for a change to become ready",
				Buckets:   []float64{1, 2, 3, 5, 10, 20, 30},
			},
			[]string{"readiness"},
		),
		merges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "merges_total",
				Help:      "Total number of merge attempts",
			},
			[]string{"path", "outcome"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.proposals,
		m.decisions,
		m.executions,
		m.readinessPolls,
		m.merges,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ProposalCreated counts a new proposal.
func (m *Metrics) ProposalCreated(action string) {
	if m == nil {
		return
	}
	m.proposals.WithLabelValues(action).Inc()
}

// Decided counts a decision.
func (m *Metrics) Decided(decision string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(decision).Inc()
}

// Executed counts an execution attempt that reached the executor.
func (m *Metrics) Executed(action string, err error) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(action, outcome(err)).Inc()
}

// ReadinessPolled observes the attempts spent by one readiness wait.
func (m *Metrics) ReadinessPolled(readiness string, attempts int) {
	if m == nil {
		return
	}
	m.readinessPolls.WithLabelValues(readiness).Observe(float64(attempts))
}

// Merged counts a merge attempt on path.
func (m *Metrics) Merged(path string, err error) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(path, outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}
