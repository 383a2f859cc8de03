package storage

import (
	"github.com/pkg/errors"
	"github.com/umccr/wfmanager/pkg/models"
)

var ErrNotFound = errors.New("not found")

// Store defines the storage operations for the workflow manager.
// Begin returns a transactional Store; Commit and Rollback are only valid on it.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Workflow operations
	GetWorkflow(name, version string) (models.Workflow, error)
	// SaveWorkflow inserts the workflow if (name, version) is absent and
	// returns the id of the stored row either way.
	SaveWorkflow(w models.Workflow) (int64, error)

	// WorkflowRun operations
	// SaveWorkflowRun inserts the run if its portal run id is absent. created
	// is false when a run with that portal run id already existed. A run name
	// identifies at most one run: saving a new portal run id under a taken
	// name returns ErrNotFound.
	SaveWorkflowRun(r models.WorkflowRun) (id int64, created bool, err error)
	GetWorkflowRun(portalRunID string) (models.WorkflowRun, error)
	GetWorkflowRunByName(name string) (models.WorkflowRun, error)
	// LockWorkflowRunName serializes transactions resolving the same run
	// name until the surrounding transaction ends.
	LockWorkflowRunName(name string) error
	// LockWorkflowRun loads the run and holds a row lock until the
	// surrounding transaction ends.
	LockWorkflowRun(portalRunID string) (models.WorkflowRun, error)
	ListWorkflowRuns() ([]models.WorkflowRun, error)
	ListAnalysisRunWorkflowRuns(analysisRunID int64) ([]models.WorkflowRun, error)
	UpdateWorkflowRunPayload(runID, payloadID int64) error

	// Library operations
	GetLibraryByOrcabusID(orcabusID string) (models.Library, error)
	// UpsertLibrary inserts or refreshes a library keyed on its library id.
	UpsertLibrary(l models.Library) (int64, error)
	// AssociateLibrary links a run and a library; repeated calls are no-ops.
	AssociateLibrary(a models.LibraryAssociation) error
	ListRunLibraries(runID int64) ([]models.Library, error)

	// State operations
	SavePayload(p models.Payload) (int64, error)
	// AppendState inserts the state unless (run, status, timestamp) already
	// exists. applied is false for the duplicate case.
	AppendState(s models.State) (applied bool, err error)
	ListStates(runID int64) ([]models.State, error)

	// Catalog operations
	SaveAnalysisContext(c models.AnalysisContext) (int64, error)
	GetAnalysisContext(usecase models.ContextUsecase, name string) (models.AnalysisContext, error)
	SaveAnalysis(a models.Analysis) (int64, error)
	LinkAnalysisContext(analysisID, contextID int64) error
	LinkAnalysisWorkflow(analysisID, workflowID int64) error
	// ListAnalyses returns active analyses with the given name, contexts and
	// workflows populated.
	ListAnalyses(name string) ([]models.Analysis, error)

	// AnalysisRun operations
	// SaveAnalysisRun inserts the run and its library links unless a run with
	// the same name exists. created is false in that case.
	SaveAnalysisRun(r models.AnalysisRun, libraryIDs []int64) (id int64, created bool, err error)
	GetAnalysisRun(name string) (models.AnalysisRun, error)
	// LockAnalysisRun loads the run and holds a row lock until the
	// surrounding transaction ends.
	LockAnalysisRun(name string) (models.AnalysisRun, error)
	UpdateAnalysisRunStatus(id int64, status models.AnalysisRunStatus) error
}
