package models

import "time"

// UnknownExecutionEngine is recorded for workflows first seen on an event.
const UnknownExecutionEngine = "Unknown"

// Workflow is a named, versioned pipeline definition.
type Workflow struct {
	ID                        int64  `json:"id" db:"id"`
	Name                      string `json:"workflowName" db:"workflow_name"`
	Version                   string `json:"workflowVersion" db:"workflow_version"`
	ExecutionEngine           string `json:"executionEngine" db:"execution_engine"`                      // e.g. "ICA", "Unknown"
	ExecutionEnginePipelineID string `json:"executionEnginePipelineId" db:"execution_engine_pipeline_id"` // engine-side pipeline identifier
}

// WorkflowRun is one execution of a Workflow. Runs are created on their first
// state and never deleted.
type WorkflowRun struct {
	ID              int64     `json:"id" db:"id"`                                       // Unique identifier (PostgreSQL auto-increment)
	PortalRunID     string    `json:"portalRunId" db:"portal_run_id"`                   // Externally stable run identifier
	ExecutionID     *string   `json:"executionId,omitempty" db:"execution_id"`          // Execution engine identifier
	WorkflowRunName *string   `json:"workflowRunName,omitempty" db:"workflow_run_name"` // Human-readable name
	Comment         *string   `json:"comment,omitempty" db:"comment"`                   // Free text
	WorkflowID      *int64    `json:"workflowId,omitempty" db:"workflow_id"`            // Workflow definition, if known
	AnalysisRunID   *int64    `json:"analysisRunId,omitempty" db:"analysis_run_id"`     // AnalysisRun that launched this run
	PayloadID       *int64    `json:"payloadId,omitempty" db:"payload_id"`              // Latest known payload
	CreatedAt       time.Time `json:"createdAt" db:"created_at"`                        // Creation timestamp
	Libraries       []Library `json:"libraries,omitempty" db:"-"`                       // Linked libraries (populated at runtime)
}

// LibraryAssociationStatus is the status of a run/library link.
type LibraryAssociationStatus string

const ActiveAssociationStatus LibraryAssociationStatus = "ACTIVE"

// LibraryAssociation links a WorkflowRun to a Library at a point in time.
type LibraryAssociation struct {
	WorkflowRunID   int64                    `json:"workflow_run_id" db:"workflow_run_id"`
	LibraryID       int64                    `json:"library_id" db:"library_id"`
	AssociationDate time.Time                `json:"association_date" db:"association_date"`
	Status          LibraryAssociationStatus `json:"status" db:"status"`
}
