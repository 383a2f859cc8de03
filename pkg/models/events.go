package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// WorkflowRunStateChange is both the inbound state change event and the
// outbound run-state-changed notification. Outbound events carry the
// normalized status and the persisted payload reference.
type WorkflowRunStateChange struct {
	PortalRunID     string          `json:"portalRunId,omitempty"`
	ExecutionID     string          `json:"executionId,omitempty"`
	WorkflowRunName string          `json:"workflowRunName,omitempty"`
	WorkflowName    string          `json:"workflowName,omitempty"`
	WorkflowVersion string          `json:"workflowVersion,omitempty"`
	Status          string          `json:"status"`
	Timestamp       time.Time       `json:"timestamp"`
	Comment         string          `json:"comment,omitempty"`
	LinkedLibraries []LibraryRecord `json:"linkedLibraries,omitempty"`
	Payload         *EventPayload   `json:"payload,omitempty"`
}

// timestampLayouts are tried in order. Layouts without a zone parse as UTC.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses an ISO-8601 date-time. Fractional seconds are
// optional and a missing offset means UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if ts, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, errors.Errorf("timestamp %q is not an ISO-8601 date-time", value)
}

// UnmarshalJSON accepts timestamps with or without a UTC offset.
func (e *WorkflowRunStateChange) UnmarshalJSON(data []byte) error {
	type plain WorkflowRunStateChange
	raw := struct {
		*plain
		Timestamp *string `json:"timestamp"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Timestamp = time.Time{}
	if raw.Timestamp == nil || strings.TrimSpace(*raw.Timestamp) == "" {
		return nil
	}
	ts, err := ParseTimestamp(*raw.Timestamp)
	if err != nil {
		return err
	}
	e.Timestamp = ts
	return nil
}

// EventPayload is the payload section of a state change event.
type EventPayload struct {
	RefID   string   `json:"refId,omitempty"`
	Version string   `json:"version"`
	Data    JSONData `json:"data"`
}

// AnalysisRunStateChange is emitted for every created or updated AnalysisRun.
type AnalysisRunStateChange struct {
	AnalysisRunName string            `json:"analysisRunName"`
	AnalysisName    string            `json:"analysisName"`
	AnalysisVersion string            `json:"analysisVersion"`
	Status          AnalysisRunStatus `json:"status"`
	ComputeContext  string            `json:"computeContext,omitempty"`
	StorageContext  string            `json:"storageContext,omitempty"`
	ApprovalContext string            `json:"approvalContext,omitempty"`
	Libraries       []LibraryRecord   `json:"libraries,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// LibraryBatch is a set of libraries submitted together for assignment,
// typically everything sequenced on one instrument run.
type LibraryBatch struct {
	BatchID   string            `json:"batchId"`
	Libraries []LibraryMetadata `json:"libraries"`
}
