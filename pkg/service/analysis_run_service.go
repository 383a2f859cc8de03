package service

import (
	"context"

	"github.com/pkg/errors"
	"github.com/umccr/wfmanager/pkg/models"
	"github.com/umccr/wfmanager/pkg/storage"
)

// draftPayloadVersion tags the payload attached to prepared DRAFT states.
const draftPayloadVersion = "2024.07.01"

// AnalysisRunService turns AnalysisRuns into launchable WorkflowRuns.
type AnalysisRunService struct {
	store  storage.Store
	runs   *WorkflowRunService
	logger Logger
	opts   options
}

func NewAnalysisRunService(store storage.Store, runs *WorkflowRunService, logger Logger, opts ...Option) *AnalysisRunService {
	return &AnalysisRunService{
		store:  store,
		runs:   runs,
		logger: logger,
		opts:   buildOptions(opts),
	}
}

func (s *AnalysisRunService) GetAnalysisRun(name string) (models.AnalysisRun, error) {
	run, err := s.store.GetAnalysisRun(name)
	if err != nil {
		return models.AnalysisRun{}, errors.Wrapf(err, "analysis run %s", name)
	}
	return run, nil
}

// PrepareWorkflowRuns creates one DRAFT WorkflowRun per workflow of the
// AnalysisRun's Analysis, linked to the run's libraries, and moves the
// AnalysisRun to READY. A READY AnalysisRun is left untouched and its existing
// WorkflowRuns are returned. The AnalysisRun stays locked while its runs are
// created, so concurrent callers prepare it once.
func (s *AnalysisRunService) PrepareWorkflowRuns(ctx context.Context, analysisRunName string) ([]models.WorkflowRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		ar       models.AnalysisRun
		prepared []models.WorkflowRun
		drafts   []models.WorkflowRunStateChange
		ready    bool
	)
	err := inTx(s.store, s.logger, func(tx storage.Store) error {
		var err error
		ar, err = tx.LockAnalysisRun(analysisRunName)
		if err != nil {
			return errors.Wrapf(err, "analysis run %s", analysisRunName)
		}
		if ar.Status == models.ReadyAnalysisRunStatus {
			s.logger.Infof("Analysis run %s is already %s", ar.Name, ar.Status)
			prepared, err = tx.ListAnalysisRunWorkflowRuns(ar.ID)
			return err
		}
		if ar.Analysis == nil || len(ar.Analysis.Workflows) == 0 {
			s.logger.Warnf("Analysis of run %s has no workflows, leaving it in %s", ar.Name, ar.Status)
			prepared = []models.WorkflowRun{}
			return nil
		}

		drafts, err = s.draftWorkflowRuns(ctx, tx, ar)
		if err != nil {
			return err
		}
		if err := tx.UpdateAnalysisRunStatus(ar.ID, models.ReadyAnalysisRunStatus); err != nil {
			return errors.Wrapf(err, "update analysis run %s", ar.Name)
		}
		ar.Status = models.ReadyAnalysisRunStatus
		ready = true
		prepared, err = tx.ListAnalysisRunWorkflowRuns(ar.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	// Notifications go out only once the runs are committed.
	for _, evt := range drafts {
		s.runs.publish(ctx, evt)
	}
	if ready {
		pubErr := s.opts.publisher.PublishAnalysisRunStateChange(ctx, AnalysisRunEvent(ar, s.opts.now()))
		s.opts.metrics.NotificationPublished("analysisrun", pubErr)
		if pubErr != nil {
			s.logger.Errorf("Failed to publish analysis run %s: %v", ar.Name, pubErr)
		}
	}
	return prepared, nil
}

// draftWorkflowRuns creates the missing WorkflowRuns of ar inside tx and
// records their DRAFT state. It returns the notifications to send.
func (s *AnalysisRunService) draftWorkflowRuns(ctx context.Context, tx storage.Store, ar models.AnalysisRun) ([]models.WorkflowRunStateChange, error) {
	existing, err := tx.ListAnalysisRunWorkflowRuns(ar.ID)
	if err != nil {
		return nil, err
	}
	done := make(map[int64]bool, len(existing))
	for _, r := range existing {
		if r.WorkflowID != nil {
			done[*r.WorkflowID] = true
		}
	}

	libraries := make([]models.LibraryRecord, 0, len(ar.Libraries))
	for _, lib := range ar.Libraries {
		rec := models.LibraryRecord{LibraryID: lib.LibraryID}
		if lib.OrcabusID != nil {
			rec.OrcabusID = *lib.OrcabusID
		}
		libraries = append(libraries, rec)
	}

	var drafts []models.WorkflowRunStateChange
	for _, wf := range ar.Analysis.Workflows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if done[wf.ID] {
			continue
		}
		now := s.opts.now().UTC()
		portalRunID := NewPortalRunID(now)
		name := ar.Name + "__" + wf.Name
		if err := tx.LockWorkflowRunName(name); err != nil {
			return nil, err
		}
		workflowID, analysisRunID := wf.ID, ar.ID
		_, _, err := tx.SaveWorkflowRun(models.WorkflowRun{
			PortalRunID:     portalRunID,
			WorkflowRunName: &name,
			WorkflowID:      &workflowID,
			AnalysisRunID:   &analysisRunID,
			CreatedAt:       now,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "create workflow run %s", name)
		}

		out, err := s.runs.applyStateChange(tx, models.WorkflowRunStateChange{
			PortalRunID:     portalRunID,
			WorkflowRunName: name,
			WorkflowName:    wf.Name,
			WorkflowVersion: wf.Version,
			Status:          string(models.DraftStatus),
			Timestamp:       now,
			LinkedLibraries: libraries,
			Payload: &models.EventPayload{
				Version: draftPayloadVersion,
				Data: models.JSONData{
					"analysisRunName": ar.Name,
					"analysisName":    ar.Analysis.Name,
					"analysisVersion": ar.Analysis.Version,
				},
			},
		})
		if err != nil {
			return nil, errors.Wrapf(err, "draft workflow run %s", name)
		}
		if out != nil {
			drafts = append(drafts, *out)
		}
		s.logger.Infof("Prepared workflow run %s (%s) for analysis run %s", portalRunID, wf.Name, ar.Name)
	}
	return drafts, nil
}
