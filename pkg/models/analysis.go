package models

import "time"

// ContextUsecase is the execution dimension an AnalysisContext describes.
type ContextUsecase string

const (
	ApprovalUsecase ContextUsecase = "approval"
	ComputeUsecase  ContextUsecase = "compute"
	StorageUsecase  ContextUsecase = "storage"
)

// Context names per usecase.
const (
	ClinicalApproval = "clinical"
	NATAApproval     = "nata" // accreditation tier

	AccreditedContext = "accredited"
	ResearchContext   = "research"
	TempContext       = "temp"
)

// Analysis names known to the assignment rules.
const (
	QCAnalysisName          = "WGTS_QC"
	TumorNormalAnalysisName = "TN"
	CtTSOAnalysisName       = "ctTSO500"
)

// Catalog entity statuses.
const (
	ActiveCatalogStatus   = "ACTIVE"
	InactiveCatalogStatus = "INACTIVE"
)

// AnalysisContext is a tagged execution-environment dimension, unique on
// (Usecase, Name).
type AnalysisContext struct {
	ID          int64          `json:"id" db:"id"`
	Usecase     ContextUsecase `json:"usecase" db:"usecase" yaml:"usecase"`
	Name        string         `json:"name" db:"name" yaml:"name"`
	Description string         `json:"description,omitempty" db:"description" yaml:"description"`
	Status      string         `json:"status" db:"status" yaml:"status"`
}

// Analysis is a cataloged, versioned pipeline definition, unique on
// (Name, Version).
type Analysis struct {
	ID          int64             `json:"id" db:"id"`
	Name        string            `json:"analysisName" db:"analysis_name"`
	Version     string            `json:"analysisVersion" db:"analysis_version"`
	Description string            `json:"description,omitempty" db:"description"`
	Status      string            `json:"status" db:"status"`
	Contexts    []AnalysisContext `json:"contexts,omitempty" db:"-"`  // populated at runtime
	Workflows   []Workflow        `json:"workflows,omitempty" db:"-"` // populated at runtime
}

// HasContexts reports whether the analysis references every context in filter.
func (a Analysis) HasContexts(filter []AnalysisContext) bool {
	for _, want := range filter {
		found := false
		for _, have := range a.Contexts {
			if have.ID == want.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// HasUsecase reports whether any context of the analysis belongs to usecase.
func (a Analysis) HasUsecase(usecase ContextUsecase) bool {
	for _, c := range a.Contexts {
		if c.Usecase == usecase {
			return true
		}
	}
	return false
}

// AnalysisRunStatus is the lifecycle status of an AnalysisRun.
type AnalysisRunStatus string

const (
	DraftAnalysisRunStatus AnalysisRunStatus = "DRAFT"
	ReadyAnalysisRunStatus AnalysisRunStatus = "READY"
)

// AnalysisRun is the decision to execute an Analysis against a set of
// libraries under a chosen context set. Name is unique.
type AnalysisRun struct {
	ID                int64             `json:"id" db:"id"`
	Name              string            `json:"analysisRunName" db:"analysis_run_name"`
	Status            AnalysisRunStatus `json:"status" db:"status"`
	AnalysisID        int64             `json:"analysisId" db:"analysis_id"`
	ComputeContextID  int64             `json:"computeContextId" db:"compute_context_id"`
	StorageContextID  int64             `json:"storageContextId" db:"storage_context_id"`
	ApprovalContextID *int64            `json:"approvalContextId,omitempty" db:"approval_context_id"`
	CreatedAt         time.Time         `json:"createdAt" db:"created_at"`
	Analysis          *Analysis         `json:"analysis,omitempty" db:"-"`
	ComputeContext    *AnalysisContext  `json:"computeContext,omitempty" db:"-"`
	StorageContext    *AnalysisContext  `json:"storageContext,omitempty" db:"-"`
	ApprovalContext   *AnalysisContext  `json:"approvalContext,omitempty" db:"-"`
	Libraries         []Library         `json:"libraries,omitempty" db:"-"`
}
