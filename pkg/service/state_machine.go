package service

import (
	"time"

	"github.com/umccr/wfmanager/pkg/models"
)

// RunningDebounceWindow is the minimum gap between two accepted RUNNING
// states of the same run.
const RunningDebounceWindow = time.Hour

// Rejection reasons reported by EvaluateTransition.
const (
	ReasonAccepted         = "accepted"
	ReasonStale            = "stale"
	ReasonTerminal         = "terminal"
	ReasonInvalidFromDraft = "invalid_from_draft"
	ReasonBackward         = "backward"
	ReasonDebounced        = "debounced"
	ReasonDuplicateStatus  = "duplicate_status"
)

// Transition is the outcome of evaluating a proposed state.
type Transition struct {
	Accepted bool
	Reason   string
	// Warning is set when the state is accepted but does not conform to the
	// expected lifecycle, e.g. a first state other than DRAFT.
	Warning string
}

func accept() Transition { return Transition{Accepted: true, Reason: ReasonAccepted} }

func reject(reason string) Transition { return Transition{Reason: reason} }

// EvaluateTransition decides whether proposed may follow the states in
// history. history is the full state ledger of the run in any order;
// proposed.Status must already be normalized.
func EvaluateTransition(history []models.State, proposed models.State) Transition {
	current, ok := models.LatestState(history)
	if !ok {
		if proposed.Status.IsDraft() {
			return accept()
		}
		t := accept()
		t.Warning = "first state of run is " + proposed.Status.String() + ", expected DRAFT"
		return t
	}

	if proposed.Timestamp.Before(current.Timestamp) {
		return reject(ReasonStale)
	}

	if current.Status.IsTerminal() {
		return reject(ReasonTerminal)
	}

	if current.Status.IsDraft() {
		if proposed.Status.IsDraft() || proposed.Status.IsReady() {
			return accept()
		}
		return reject(ReasonInvalidFromDraft)
	}

	if current.Status.IsReady() {
		if proposed.Status.IsDraft() || proposed.Status.IsReady() {
			return reject(ReasonBackward)
		}
		return accept()
	}

	if current.Status.IsRunning() {
		if proposed.Status.IsDraft() || proposed.Status.IsReady() {
			return reject(ReasonBackward)
		}
		if proposed.Status.IsRunning() {
			if proposed.Timestamp.Sub(current.Timestamp) >= RunningDebounceWindow {
				return accept()
			}
			return reject(ReasonDebounced)
		}
		return accept()
	}

	if models.HasStatus(history, proposed.Status) {
		return reject(ReasonDuplicateStatus)
	}
	return accept()
}
