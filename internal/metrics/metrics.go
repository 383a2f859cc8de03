// Package metrics exposes the workflow manager counters to Prometheus.
package metrics

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wfmanager"

// Metrics implements service.Metrics on Prometheus counters. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	transitions   *prometheus.CounterVec // By outcome (accepted/rejected/noop) and reason
	runsCreated   *prometheus.CounterVec // By analysis name
	runsSkipped   *prometheus.CounterVec // By skip reason
	catalog       *prometheus.CounterVec // By kind (context/analysis) and result (hit/miss)
	notifications *prometheus.CounterVec // By kind and status (ok/error)
}

// NewMetrics creates the counters and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflowrun",
			Name:      "transitions_total",
			Help:      "State change events evaluated, by outcome and reason",
		}, []string{"outcome", "reason"}),

		runsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysisrun",
			Name:      "created_total",
			Help:      "Analysis runs created by the assignment engine",
		}, []string{"analysis"}),

		runsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysisrun",
			Name:      "skipped_total",
			Help:      "Candidate analysis runs or libraries skipped during assignment",
		}, []string{"reason"}),

		catalog: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "catalog",
			Name:      "lookups_total",
			Help:      "Catalog cache lookups, by kind and result",
		}, []string{"kind", "result"}),

		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Outbound state change notifications, by kind and status",
		}, []string{"kind", "status"}),
	}

	for name, c := range map[string]prometheus.Collector{
		"transitions":   m.transitions,
		"runs_created":  m.runsCreated,
		"runs_skipped":  m.runsSkipped,
		"catalog":       m.catalog,
		"notifications": m.notifications,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrapf(err, "register %s metric", name)
		}
	}
	return m, nil
}

func (m *Metrics) TransitionEvaluated(outcome, reason string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(outcome, reason).Inc()
}

func (m *Metrics) AnalysisRunCreated(analysis string) {
	if m == nil {
		return
	}
	m.runsCreated.WithLabelValues(analysis).Inc()
}

func (m *Metrics) AnalysisRunSkipped(reason string) {
	if m == nil {
		return
	}
	m.runsSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) CatalogLookup(kind string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.catalog.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) NotificationPublished(kind string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.notifications.WithLabelValues(kind, status).Inc()
}
