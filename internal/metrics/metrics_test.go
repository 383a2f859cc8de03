package metrics_test

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/umccr/wfmanager/internal/metrics"
	"github.com/umccr/wfmanager/pkg/service"
)

var _ service.Metrics = (*metrics.Metrics)(nil)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewMetrics(reg)
	require.NoError(t, err)

	m.TransitionEvaluated("accepted", "accepted")
	m.TransitionEvaluated("rejected", "stale")
	m.TransitionEvaluated("rejected", "stale")
	m.AnalysisRunCreated("TN")
	m.AnalysisRunSkipped("duplicate")
	m.CatalogLookup("context", true)
	m.CatalogLookup("context", false)
	m.NotificationPublished("workflowrun", nil)
	m.NotificationPublished("workflowrun", errors.New("nats down"))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 5)

	count := func(name string) int {
		n, err := testutil.GatherAndCount(reg, name)
		require.NoError(t, err)
		return n
	}
	// One series per label combination.
	assert.Equal(t, 2, count("wfmanager_workflowrun_transitions_total"))
	assert.Equal(t, 2, count("wfmanager_catalog_lookups_total"))
	assert.Equal(t, 2, count("wfmanager_events_published_total"))
}

func TestMetricsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := metrics.NewMetrics(reg)
	require.NoError(t, err)
	_, err = metrics.NewMetrics(reg)
	assert.Error(t, err)
}

func TestNilMetrics(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.TransitionEvaluated("accepted", "accepted")
		m.CatalogLookup("analysis", false)
		m.NotificationPublished("analysisrun", nil)
	})
}
