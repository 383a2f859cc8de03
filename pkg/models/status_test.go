package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/umccr/wfmanager/pkg/models"
)

func TestNormalizeStatus(t *testing.T) {
	tests := map[string]models.Status{
		"DRAFT":       models.DraftStatus,
		"initial":     models.DraftStatus,
		" Created ":   models.DraftStatus,
		"ready":       models.ReadyStatus,
		"in_progress": models.RunningStatus,
		"In-Progress": models.RunningStatus,
		"success":     models.SucceededStatus,
		"SUCCEEDED":   models.SucceededStatus,
		"FAIL":        models.FailedStatus,
		"failure":     models.FailedStatus,
		"cancelled":   models.AbortedStatus,
		"CANCELED":    models.AbortedStatus,
		"resolved":    models.ResolvedStatus,
		"deployed":    models.Status("DEPLOYED"),
	}
	for raw, want := range tests {
		assert.Equal(t, want, models.NormalizeStatus(raw), raw)
	}
}

func TestStatusPredicates(t *testing.T) {
	for _, s := range []models.Status{models.SucceededStatus, models.FailedStatus, models.AbortedStatus, "Cancelled", "failure"} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []models.Status{models.DraftStatus, models.ReadyStatus, models.RunningStatus, models.ResolvedStatus, "DEPLOYED"} {
		assert.False(t, s.IsTerminal(), s)
	}

	assert.True(t, models.Status("initial").IsDraft())
	assert.True(t, models.Status("IN_PROGRESS").IsRunning())
	assert.True(t, models.ReadyStatus.IsReady())
	assert.True(t, models.ResolvedStatus.IsResolved())
	assert.False(t, models.RunningStatus.IsReady())

	assert.True(t, models.Status("success").IsControlled())
	assert.False(t, models.Status("DEPLOYED").IsControlled())
}
