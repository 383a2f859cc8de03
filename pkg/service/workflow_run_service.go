package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/umccr/wfmanager/pkg/models"
	"github.com/umccr/wfmanager/pkg/storage"
)

// errDuplicateState aborts the transaction when a concurrent writer stored the
// same (run, status, timestamp) first, so the payload written ahead of it is
// rolled back too.
var errDuplicateState = errors.New("duplicate state")

// WorkflowRunService ingests state change events and maintains the state
// ledger of each workflow run.
type WorkflowRunService struct {
	store  storage.Store
	logger Logger
	opts   options
}

func NewWorkflowRunService(store storage.Store, logger Logger, opts ...Option) *WorkflowRunService {
	return &WorkflowRunService{
		store:  store,
		logger: logger,
		opts:   buildOptions(opts),
	}
}

// RunStates is a run together with its ledger and derived current state.
type RunStates struct {
	Run     models.WorkflowRun `json:"workflowRun"`
	States  []models.State     `json:"states"`
	Current *models.State      `json:"current,omitempty"`
}

func validateEvent(evt models.WorkflowRunStateChange) error {
	if strings.TrimSpace(evt.Status) == "" {
		return errors.Wrap(ErrInvalidEvent, "missing status")
	}
	if evt.Timestamp.IsZero() {
		return errors.Wrap(ErrInvalidEvent, "missing timestamp")
	}
	if strings.TrimSpace(evt.PortalRunID) == "" && strings.TrimSpace(evt.WorkflowRunName) == "" {
		return errors.Wrap(ErrUnresolvableRun, "event carries neither portalRunId nor workflowRunName")
	}
	return nil
}

func runKey(evt models.WorkflowRunStateChange) string {
	if evt.PortalRunID != "" {
		return evt.PortalRunID
	}
	return evt.WorkflowRunName
}

func optional(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

// HandleStateChange applies one state change event. It returns the outbound
// notification when a new state was recorded and nil when the event was a
// no-op (stale, duplicate, debounced or otherwise rejected). Only invalid
// events and storage failures are returned as errors.
func (s *WorkflowRunService) HandleStateChange(ctx context.Context, evt models.WorkflowRunStateChange) (*models.WorkflowRunStateChange, error) {
	if err := validateEvent(evt); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out *models.WorkflowRunStateChange
	err := inTx(s.store, s.logger, func(tx storage.Store) error {
		var err error
		out, err = s.applyStateChange(tx, evt)
		return err
	})
	if errors.Is(err, errDuplicateState) {
		s.opts.metrics.TransitionEvaluated("noop", "duplicate")
		s.logger.Debugf("Duplicate %s state for run %s ignored", evt.Status, runKey(evt))
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "workflow run %s", runKey(evt))
	}
	if out == nil {
		return nil, nil
	}

	s.publish(ctx, *out)
	return out, nil
}

// publish sends a committed state change. A failure is logged only.
func (s *WorkflowRunService) publish(ctx context.Context, evt models.WorkflowRunStateChange) {
	pubErr := s.opts.publisher.PublishWorkflowRunStateChange(ctx, evt)
	s.opts.metrics.NotificationPublished("workflowrun", pubErr)
	if pubErr != nil {
		s.logger.Errorf("Failed to publish state change for run %s: %v", evt.PortalRunID, pubErr)
	}
}

func (s *WorkflowRunService) applyStateChange(tx storage.Store, evt models.WorkflowRunStateChange) (*models.WorkflowRunStateChange, error) {
	run, err := s.resolveRun(tx, evt)
	if err != nil {
		return nil, err
	}

	libs, err := s.linkLibraries(tx, run, evt.LinkedLibraries)
	if err != nil {
		return nil, err
	}

	history, err := tx.ListStates(run.ID)
	if err != nil {
		return nil, err
	}

	proposed := models.State{
		WorkflowRunID: run.ID,
		Status:        models.NormalizeStatus(evt.Status),
		Timestamp:     evt.Timestamp.UTC(),
		Comment:       optional(evt.Comment),
	}
	for _, st := range history {
		if st.Status == proposed.Status && st.Timestamp.Equal(proposed.Timestamp) {
			return nil, errDuplicateState
		}
	}

	transition := EvaluateTransition(history, proposed)
	s.opts.metrics.TransitionEvaluated(outcome(transition), transition.Reason)
	if !transition.Accepted {
		s.logger.Infof("Rejected %s state for run %s at %s: %s",
			proposed.Status, run.PortalRunID, proposed.Timestamp.Format("2006-01-02T15:04:05Z07:00"), transition.Reason)
		return nil, nil
	}
	if transition.Warning != "" {
		s.logger.Warnf("Run %s: %s", run.PortalRunID, transition.Warning)
	}

	var payload *models.Payload
	if evt.Payload != nil {
		payload = &models.Payload{
			RefID:   uuid.New().String(),
			Version: evt.Payload.Version,
			Data:    evt.Payload.Data,
		}
		payloadID, err := tx.SavePayload(*payload)
		if err != nil {
			return nil, err
		}
		payload.ID = payloadID
		proposed.PayloadID = &payloadID
	}

	applied, err := tx.AppendState(proposed)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, errDuplicateState
	}
	if payload != nil {
		if err := tx.UpdateWorkflowRunPayload(run.ID, payload.ID); err != nil {
			return nil, err
		}
	}
	s.logger.Infof("Run %s transitioned to %s", run.PortalRunID, proposed.Status)

	out := &models.WorkflowRunStateChange{
		PortalRunID:     run.PortalRunID,
		ExecutionID:     evt.ExecutionID,
		WorkflowRunName: evt.WorkflowRunName,
		WorkflowName:    evt.WorkflowName,
		WorkflowVersion: evt.WorkflowVersion,
		Status:          proposed.Status.String(),
		Timestamp:       proposed.Timestamp,
		Comment:         evt.Comment,
	}
	if run.WorkflowRunName != nil && out.WorkflowRunName == "" {
		out.WorkflowRunName = *run.WorkflowRunName
	}
	for _, lib := range libs {
		rec := models.LibraryRecord{LibraryID: lib.LibraryID}
		if lib.OrcabusID != nil {
			rec.OrcabusID = *lib.OrcabusID
		}
		out.LinkedLibraries = append(out.LinkedLibraries, rec)
	}
	if payload != nil {
		out.Payload = &models.EventPayload{RefID: payload.RefID, Version: payload.Version, Data: payload.Data}
	}
	return out, nil
}

func outcome(t Transition) string {
	if t.Accepted {
		return "accepted"
	}
	return "rejected"
}

// resolveRun finds or creates the run named by the event and locks it for the
// rest of the transaction.
func (s *WorkflowRunService) resolveRun(tx storage.Store, evt models.WorkflowRunStateChange) (models.WorkflowRun, error) {
	var workflowID *int64
	if evt.WorkflowName != "" {
		wf, err := tx.GetWorkflow(evt.WorkflowName, evt.WorkflowVersion)
		switch {
		case err == nil:
			workflowID = &wf.ID
		case errors.Is(err, storage.ErrNotFound):
			s.logger.Warnf("Workflow %s/%s is not registered, creating it", evt.WorkflowName, evt.WorkflowVersion)
			id, err := tx.SaveWorkflow(models.Workflow{
				Name:                      evt.WorkflowName,
				Version:                   evt.WorkflowVersion,
				ExecutionEngine:           models.UnknownExecutionEngine,
				ExecutionEnginePipelineID: models.UnknownExecutionEngine,
			})
			if err != nil {
				return models.WorkflowRun{}, err
			}
			workflowID = &id
		default:
			return models.WorkflowRun{}, err
		}
	}

	// The name lock comes before the row lock so first events for the same
	// name resolve to a single run.
	if strings.TrimSpace(evt.WorkflowRunName) != "" {
		if err := tx.LockWorkflowRunName(evt.WorkflowRunName); err != nil {
			return models.WorkflowRun{}, err
		}
	}

	portalRunID := strings.TrimSpace(evt.PortalRunID)
	if portalRunID == "" {
		existing, err := tx.GetWorkflowRunByName(evt.WorkflowRunName)
		switch {
		case err == nil:
			portalRunID = existing.PortalRunID
		case errors.Is(err, storage.ErrNotFound):
			portalRunID = NewPortalRunID(s.opts.now())
		default:
			return models.WorkflowRun{}, err
		}
	}

	_, created, err := tx.SaveWorkflowRun(models.WorkflowRun{
		PortalRunID:     portalRunID,
		ExecutionID:     optional(evt.ExecutionID),
		WorkflowRunName: optional(evt.WorkflowRunName),
		Comment:         optional(evt.Comment),
		WorkflowID:      workflowID,
	})
	if errors.Is(err, storage.ErrNotFound) {
		return models.WorkflowRun{}, errors.Wrapf(ErrUnresolvableRun, "run name %s belongs to another run than %s", evt.WorkflowRunName, portalRunID)
	}
	if err != nil {
		return models.WorkflowRun{}, err
	}
	if created {
		s.logger.Infof("Created workflow run %s", portalRunID)
	}

	run, err := tx.LockWorkflowRun(portalRunID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.WorkflowRun{}, errors.Wrap(ErrUnresolvableRun, portalRunID)
	}
	return run, err
}

// linkLibraries creates missing libraries, associates them to the run and
// returns the run's full library set.
func (s *WorkflowRunService) linkLibraries(tx storage.Store, run models.WorkflowRun, records []models.LibraryRecord) ([]models.Library, error) {
	for _, rec := range records {
		orcabusID := models.SanitizeOrcabusID(rec.OrcabusID)
		var libID int64
		if orcabusID != "" {
			lib, err := tx.GetLibraryByOrcabusID(orcabusID)
			if err == nil {
				libID = lib.ID
			} else if !errors.Is(err, storage.ErrNotFound) {
				return nil, err
			}
		}
		if libID == 0 {
			if strings.TrimSpace(rec.LibraryID) == "" {
				s.logger.Warnf("Skipping linked library of run %s without libraryId (orcabusId %q)", run.PortalRunID, rec.OrcabusID)
				continue
			}
			lib := models.Library{LibraryID: rec.LibraryID}
			if orcabusID != "" {
				lib.OrcabusID = &orcabusID
			}
			id, err := tx.UpsertLibrary(lib)
			if err != nil {
				return nil, err
			}
			libID = id
		}
		err := tx.AssociateLibrary(models.LibraryAssociation{
			WorkflowRunID:   run.ID,
			LibraryID:       libID,
			AssociationDate: s.opts.now().UTC(),
			Status:          models.ActiveAssociationStatus,
		})
		if err != nil {
			return nil, err
		}
	}
	return tx.ListRunLibraries(run.ID)
}

// GetRunStates returns the ledger of a run and its derived current state.
func (s *WorkflowRunService) GetRunStates(portalRunID string) (RunStates, error) {
	run, err := s.store.GetWorkflowRun(portalRunID)
	if err != nil {
		return RunStates{}, errors.Wrapf(err, "workflow run %s", portalRunID)
	}
	states, err := s.store.ListStates(run.ID)
	if err != nil {
		return RunStates{}, err
	}
	libs, err := s.store.ListRunLibraries(run.ID)
	if err != nil {
		return RunStates{}, err
	}
	run.Libraries = libs
	out := RunStates{Run: run, States: states}
	if current, ok := models.LatestState(states); ok {
		out.Current = &current
	}
	return out, nil
}

func (s *WorkflowRunService) ListRuns() ([]models.WorkflowRun, error) {
	return s.store.ListWorkflowRuns()
}
