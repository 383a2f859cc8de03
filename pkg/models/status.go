package models

import "strings"

// Status is the canonical status of a workflow run state. Values outside the
// canonical set are carried through upper-cased and are never rejected.
type Status string

const (
	DraftStatus     Status = "DRAFT"
	ReadyStatus     Status = "READY"
	RunningStatus   Status = "RUNNING"
	SucceededStatus Status = "SUCCEEDED"
	FailedStatus    Status = "FAILED"
	AbortedStatus   Status = "ABORTED"
	ResolvedStatus  Status = "RESOLVED"
)

// canonicalStatuses keeps the lookup order deterministic.
var canonicalStatuses = []Status{
	DraftStatus,
	ReadyStatus,
	RunningStatus,
	SucceededStatus,
	FailedStatus,
	AbortedStatus,
	ResolvedStatus,
}

var statusAliases = map[Status][]string{
	DraftStatus:     {"DRAFT", "INITIAL", "CREATED"},
	ReadyStatus:     {"READY"},
	RunningStatus:   {"RUNNING", "IN_PROGRESS"},
	SucceededStatus: {"SUCCEEDED", "SUCCESS"},
	FailedStatus:    {"FAILED", "FAILURE", "FAIL"},
	AbortedStatus:   {"ABORTED", "CANCELLED", "CANCELED"},
	ResolvedStatus:  {"RESOLVED"},
}

func foldStatus(raw string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(raw)), "-", "_")
}

// NormalizeStatus maps an upstream status string onto the canonical vocabulary.
// Unknown values are returned upper-cased.
func NormalizeStatus(raw string) Status {
	folded := foldStatus(raw)
	for _, canonical := range canonicalStatuses {
		for _, alias := range statusAliases[canonical] {
			if folded == alias {
				return canonical
			}
		}
	}
	return Status(strings.ToUpper(strings.TrimSpace(raw)))
}

// is reports whether s belongs to the alias set of canonical.
func (s Status) is(canonical Status) bool {
	folded := foldStatus(string(s))
	for _, alias := range statusAliases[canonical] {
		if folded == alias {
			return true
		}
	}
	return false
}

func (s Status) IsDraft() bool    { return s.is(DraftStatus) }
func (s Status) IsReady() bool    { return s.is(ReadyStatus) }
func (s Status) IsRunning() bool  { return s.is(RunningStatus) }
func (s Status) IsResolved() bool { return s.is(ResolvedStatus) }

// IsTerminal reports whether no further transitions are accepted after s.
func (s Status) IsTerminal() bool {
	return s.is(SucceededStatus) || s.is(FailedStatus) || s.is(AbortedStatus)
}

// IsControlled reports whether s maps onto one of the canonical statuses.
func (s Status) IsControlled() bool {
	for _, canonical := range canonicalStatuses {
		if s.is(canonical) {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }
