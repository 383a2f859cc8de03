package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/umccr/wfmanager/pkg/models"
	"github.com/umccr/wfmanager/pkg/storage"
)

const contextColumns = "c.id, c.usecase, c.name, c.description, c.status"

func (s *PostgresStore) SaveAnalysisContext(c models.AnalysisContext) (int64, error) {
	if c.Status == "" {
		c.Status = models.ActiveCatalogStatus
	}
	id, _, err := s.insertOrSelect(`
		INSERT INTO analysis_contexts (usecase, name, description, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (usecase, name) DO NOTHING
		RETURNING id`,
		[]interface{}{c.Usecase, c.Name, c.Description, c.Status},
		"SELECT id FROM analysis_contexts WHERE usecase = $1 AND name = $2", c.Usecase, c.Name)
	if err != nil {
		return 0, fmt.Errorf("save analysis context %s/%s: %w", c.Usecase, c.Name, err)
	}
	return id, nil
}

func (s *PostgresStore) GetAnalysisContext(usecase models.ContextUsecase, name string) (models.AnalysisContext, error) {
	var c models.AnalysisContext
	err := s.db.Get(&c, "SELECT "+contextColumns+" FROM analysis_contexts c WHERE c.usecase = $1 AND c.name = $2", usecase, name)
	if err != nil {
		return models.AnalysisContext{}, notFound(err)
	}
	return c, nil
}

func (s *PostgresStore) getAnalysisContextByID(id int64) (*models.AnalysisContext, error) {
	var c models.AnalysisContext
	err := s.db.Get(&c, "SELECT "+contextColumns+" FROM analysis_contexts c WHERE c.id = $1", id)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (s *PostgresStore) SaveAnalysis(a models.Analysis) (int64, error) {
	if a.Status == "" {
		a.Status = models.ActiveCatalogStatus
	}
	id, _, err := s.insertOrSelect(`
		INSERT INTO analyses (analysis_name, analysis_version, description, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (analysis_name, analysis_version) DO NOTHING
		RETURNING id`,
		[]interface{}{a.Name, a.Version, a.Description, a.Status},
		"SELECT id FROM analyses WHERE analysis_name = $1 AND analysis_version = $2", a.Name, a.Version)
	if err != nil {
		return 0, fmt.Errorf("save analysis %s/%s: %w", a.Name, a.Version, err)
	}
	return id, nil
}

func (s *PostgresStore) LinkAnalysisContext(analysisID, contextID int64) error {
	_, err := s.db.Exec(`
		INSERT INTO analysis_context_links (analysis_id, context_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, analysisID, contextID)
	return err
}

func (s *PostgresStore) LinkAnalysisWorkflow(analysisID, workflowID int64) error {
	_, err := s.db.Exec(`
		INSERT INTO analysis_workflows (analysis_id, workflow_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, analysisID, workflowID)
	return err
}

const analysisColumns = "id, analysis_name, analysis_version, description, status"

func (s *PostgresStore) ListAnalyses(name string) ([]models.Analysis, error) {
	analyses := []models.Analysis{}
	err := s.db.Select(&analyses, "SELECT "+analysisColumns+" FROM analyses WHERE analysis_name = $1 AND status <> $2 ORDER BY id",
		name, models.InactiveCatalogStatus)
	if err != nil {
		return nil, fmt.Errorf("list analyses %s: %w", name, err)
	}
	for i := range analyses {
		if err := s.populateAnalysis(&analyses[i]); err != nil {
			return nil, err
		}
	}
	return analyses, nil
}

func (s *PostgresStore) populateAnalysis(a *models.Analysis) error {
	a.Contexts = []models.AnalysisContext{}
	err := s.db.Select(&a.Contexts, `
		SELECT `+contextColumns+` FROM analysis_contexts c
		JOIN analysis_context_links l ON l.context_id = c.id
		WHERE l.analysis_id = $1 ORDER BY c.id`, a.ID)
	if err != nil {
		return fmt.Errorf("load contexts of analysis %d: %w", a.ID, err)
	}
	a.Workflows = []models.Workflow{}
	err = s.db.Select(&a.Workflows, `
		SELECT w.id, w.workflow_name, w.workflow_version, w.execution_engine, w.execution_engine_pipeline_id
		FROM workflows w JOIN analysis_workflows aw ON aw.workflow_id = w.id
		WHERE aw.analysis_id = $1 ORDER BY w.id`, a.ID)
	if err != nil {
		return fmt.Errorf("load workflows of analysis %d: %w", a.ID, err)
	}
	return nil
}

const analysisRunColumns = `id, analysis_run_name, status, analysis_id, compute_context_id,
	storage_context_id, approval_context_id, created_at`

// SaveAnalysisRun uses the run name as an idempotency key: a second insert
// for the same grouping returns the existing id with created=false and does
// not touch the library links.
func (s *PostgresStore) SaveAnalysisRun(r models.AnalysisRun, libraryIDs []int64) (int64, bool, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = models.DraftAnalysisRunStatus
	}
	id, created, err := s.insertOrSelect(`
		INSERT INTO analysis_runs (analysis_run_name, status, analysis_id, compute_context_id, storage_context_id, approval_context_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (analysis_run_name) DO NOTHING
		RETURNING id`,
		[]interface{}{r.Name, r.Status, r.AnalysisID, r.ComputeContextID, r.StorageContextID, r.ApprovalContextID, r.CreatedAt},
		"SELECT id FROM analysis_runs WHERE analysis_run_name = $1", r.Name)
	if err != nil {
		return 0, false, fmt.Errorf("save analysis run %s: %w", r.Name, err)
	}
	if !created {
		return id, false, nil
	}
	for _, libID := range libraryIDs {
		_, err := s.db.Exec(`
			INSERT INTO analysis_run_libraries (analysis_run_id, library_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, id, libID)
		if err != nil {
			return 0, false, fmt.Errorf("link library %d to analysis run %s: %w", libID, r.Name, err)
		}
	}
	return id, true, nil
}

// LockAnalysisRun row locks the analysis run until the transaction ends and
// returns it.
func (s *PostgresStore) LockAnalysisRun(name string) (models.AnalysisRun, error) {
	var id int64
	if err := s.db.Get(&id, "SELECT id FROM analysis_runs WHERE analysis_run_name = $1 FOR UPDATE", name); err != nil {
		return models.AnalysisRun{}, notFound(err)
	}
	return s.GetAnalysisRun(name)
}

func (s *PostgresStore) GetAnalysisRun(name string) (models.AnalysisRun, error) {
	var run models.AnalysisRun
	err := s.db.Get(&run, "SELECT "+analysisRunColumns+" FROM analysis_runs WHERE analysis_run_name = $1", name)
	if err != nil {
		return models.AnalysisRun{}, notFound(err)
	}

	var analysis models.Analysis
	if err := s.db.Get(&analysis, "SELECT "+analysisColumns+" FROM analyses WHERE id = $1", run.AnalysisID); err != nil {
		return models.AnalysisRun{}, fmt.Errorf("load analysis of run %s: %w", name, err)
	}
	if err := s.populateAnalysis(&analysis); err != nil {
		return models.AnalysisRun{}, err
	}
	run.Analysis = &analysis

	if run.ComputeContext, err = s.getAnalysisContextByID(run.ComputeContextID); err != nil {
		return models.AnalysisRun{}, fmt.Errorf("load compute context of run %s: %w", name, err)
	}
	if run.StorageContext, err = s.getAnalysisContextByID(run.StorageContextID); err != nil {
		return models.AnalysisRun{}, fmt.Errorf("load storage context of run %s: %w", name, err)
	}
	if run.ApprovalContextID != nil {
		if run.ApprovalContext, err = s.getAnalysisContextByID(*run.ApprovalContextID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return models.AnalysisRun{}, fmt.Errorf("load approval context of run %s: %w", name, err)
		}
	}

	run.Libraries = []models.Library{}
	err = s.db.Select(&run.Libraries, `
		SELECT `+libraryColumns+` FROM libraries l
		JOIN analysis_run_libraries arl ON arl.library_id = l.id
		WHERE arl.analysis_run_id = $1 ORDER BY l.library_id`, run.ID)
	if err != nil {
		return models.AnalysisRun{}, fmt.Errorf("load libraries of run %s: %w", name, err)
	}
	return run, nil
}

func (s *PostgresStore) UpdateAnalysisRunStatus(id int64, status models.AnalysisRunStatus) error {
	res, err := s.db.Exec("UPDATE analysis_runs SET status = $1 WHERE id = $2", status, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
