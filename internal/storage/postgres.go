package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/umccr/wfmanager/pkg/models"
	"github.com/umccr/wfmanager/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	return nil, fmt.Errorf("cannot begin transaction on unknown type")
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

// insertOrSelect runs an INSERT ... ON CONFLICT DO NOTHING RETURNING id and,
// when the row already existed, resolves its id with lookup.
func (s *PostgresStore) insertOrSelect(insert string, insertArgs []interface{}, lookup string, lookupArgs ...interface{}) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowx(insert, insertArgs...).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}
	if err := s.db.Get(&id, lookup, lookupArgs...); err != nil {
		return 0, false, notFound(err)
	}
	return id, false, nil
}

const workflowColumns = "id, workflow_name, workflow_version, execution_engine, execution_engine_pipeline_id"

func (s *PostgresStore) GetWorkflow(name, version string) (models.Workflow, error) {
	var wf models.Workflow
	err := s.db.Get(&wf, "SELECT "+workflowColumns+" FROM workflows WHERE workflow_name = $1 AND workflow_version = $2", name, version)
	if err != nil {
		return models.Workflow{}, notFound(err)
	}
	return wf, nil
}

// SaveWorkflow creates the workflow if (name, version) is new and returns its ID
func (s *PostgresStore) SaveWorkflow(w models.Workflow) (int64, error) {
	if w.ExecutionEngine == "" {
		w.ExecutionEngine = models.UnknownExecutionEngine
	}
	if w.ExecutionEnginePipelineID == "" {
		w.ExecutionEnginePipelineID = models.UnknownExecutionEngine
	}
	id, _, err := s.insertOrSelect(`
		INSERT INTO workflows (workflow_name, workflow_version, execution_engine, execution_engine_pipeline_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workflow_name, workflow_version) DO NOTHING
		RETURNING id`,
		[]interface{}{w.Name, w.Version, w.ExecutionEngine, w.ExecutionEnginePipelineID},
		"SELECT id FROM workflows WHERE workflow_name = $1 AND workflow_version = $2", w.Name, w.Version)
	if err != nil {
		return 0, fmt.Errorf("save workflow %s/%s: %w", w.Name, w.Version, err)
	}
	return id, nil
}

const workflowRunColumns = `id, portal_run_id, execution_id, workflow_run_name, comment,
	workflow_id, analysis_run_id, payload_id, created_at`

func (s *PostgresStore) SaveWorkflowRun(r models.WorkflowRun) (int64, bool, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	id, created, err := s.insertOrSelect(`
		INSERT INTO workflow_runs (portal_run_id, execution_id, workflow_run_name, comment, workflow_id, analysis_run_id, payload_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING
		RETURNING id`,
		[]interface{}{r.PortalRunID, r.ExecutionID, r.WorkflowRunName, r.Comment, r.WorkflowID, r.AnalysisRunID, r.PayloadID, r.CreatedAt},
		"SELECT id FROM workflow_runs WHERE portal_run_id = $1", r.PortalRunID)
	if err != nil {
		return 0, false, fmt.Errorf("save workflow run %s: %w", r.PortalRunID, err)
	}
	return id, created, nil
}

func (s *PostgresStore) GetWorkflowRun(portalRunID string) (models.WorkflowRun, error) {
	var run models.WorkflowRun
	err := s.db.Get(&run, "SELECT "+workflowRunColumns+" FROM workflow_runs WHERE portal_run_id = $1", portalRunID)
	if err != nil {
		return models.WorkflowRun{}, notFound(err)
	}
	return run, nil
}

func (s *PostgresStore) GetWorkflowRunByName(name string) (models.WorkflowRun, error) {
	var run models.WorkflowRun
	err := s.db.Get(&run, "SELECT "+workflowRunColumns+" FROM workflow_runs WHERE workflow_run_name = $1 ORDER BY id LIMIT 1", name)
	if err != nil {
		return models.WorkflowRun{}, notFound(err)
	}
	return run, nil
}

// workflowRunNameLock namespaces the advisory locks taken on run names.
const workflowRunNameLock = 1

// LockWorkflowRunName takes a transaction scoped advisory lock on the run
// name. Outside a transaction the lock is released as soon as it is granted.
func (s *PostgresStore) LockWorkflowRunName(name string) error {
	if _, err := s.db.Exec("SELECT pg_advisory_xact_lock($1, hashtext($2))", workflowRunNameLock, name); err != nil {
		return fmt.Errorf("lock workflow run name %s: %w", name, err)
	}
	return nil
}

// LockWorkflowRun takes a row lock on the run. Only meaningful inside a
// transaction; the lock is released on Commit or Rollback.
func (s *PostgresStore) LockWorkflowRun(portalRunID string) (models.WorkflowRun, error) {
	var run models.WorkflowRun
	err := s.db.Get(&run, "SELECT "+workflowRunColumns+" FROM workflow_runs WHERE portal_run_id = $1 FOR UPDATE", portalRunID)
	if err != nil {
		return models.WorkflowRun{}, notFound(err)
	}
	return run, nil
}

func (s *PostgresStore) ListWorkflowRuns() ([]models.WorkflowRun, error) {
	runs := []models.WorkflowRun{}
	err := s.db.Select(&runs, "SELECT "+workflowRunColumns+" FROM workflow_runs ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *PostgresStore) ListAnalysisRunWorkflowRuns(analysisRunID int64) ([]models.WorkflowRun, error) {
	runs := []models.WorkflowRun{}
	err := s.db.Select(&runs, "SELECT "+workflowRunColumns+" FROM workflow_runs WHERE analysis_run_id = $1 ORDER BY id", analysisRunID)
	if err != nil {
		return nil, fmt.Errorf("list workflow runs of analysis run %d: %w", analysisRunID, err)
	}
	return runs, nil
}

func (s *PostgresStore) UpdateWorkflowRunPayload(runID, payloadID int64) error {
	res, err := s.db.Exec("UPDATE workflow_runs SET payload_id = $1 WHERE id = $2", payloadID, runID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

const libraryColumns = "l.id, l.orcabus_id, l.library_id, l.phenotype, l.workflow, l.quality, l.type, l.assay, l.coverage"

func (s *PostgresStore) GetLibraryByOrcabusID(orcabusID string) (models.Library, error) {
	var lib models.Library
	err := s.db.Get(&lib, "SELECT "+libraryColumns+" FROM libraries l WHERE l.orcabus_id = $1", orcabusID)
	if err != nil {
		return models.Library{}, notFound(err)
	}
	return lib, nil
}

// UpsertLibrary keeps existing metadata when the incoming record leaves a
// field empty, so a bare event reference never erases pairing metadata.
func (s *PostgresStore) UpsertLibrary(l models.Library) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO libraries (orcabus_id, library_id, phenotype, workflow, quality, type, assay, coverage)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (library_id) DO UPDATE SET
			orcabus_id = COALESCE(libraries.orcabus_id, EXCLUDED.orcabus_id),
			phenotype = COALESCE(NULLIF(EXCLUDED.phenotype, ''), libraries.phenotype),
			workflow = COALESCE(NULLIF(EXCLUDED.workflow, ''), libraries.workflow),
			quality = COALESCE(NULLIF(EXCLUDED.quality, ''), libraries.quality),
			type = COALESCE(NULLIF(EXCLUDED.type, ''), libraries.type),
			assay = COALESCE(NULLIF(EXCLUDED.assay, ''), libraries.assay),
			coverage = COALESCE(EXCLUDED.coverage, libraries.coverage)
		RETURNING id`,
		l.OrcabusID, l.LibraryID, l.Phenotype, l.WorkflowContext, l.Quality, l.Type, l.Assay, l.Coverage).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert library %s: %w", l.LibraryID, err)
	}
	return id, nil
}

func (s *PostgresStore) AssociateLibrary(a models.LibraryAssociation) error {
	if a.AssociationDate.IsZero() {
		a.AssociationDate = time.Now().UTC()
	}
	if a.Status == "" {
		a.Status = models.ActiveAssociationStatus
	}
	_, err := s.db.Exec(`
		INSERT INTO library_associations (workflow_run_id, library_id, association_date, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workflow_run_id, library_id) DO NOTHING`,
		a.WorkflowRunID, a.LibraryID, a.AssociationDate, a.Status)
	if err != nil {
		return fmt.Errorf("associate library %d with run %d: %w", a.LibraryID, a.WorkflowRunID, err)
	}
	return nil
}

func (s *PostgresStore) ListRunLibraries(runID int64) ([]models.Library, error) {
	libs := []models.Library{}
	err := s.db.Select(&libs, `
		SELECT `+libraryColumns+` FROM libraries l
		JOIN library_associations a ON a.library_id = l.id
		WHERE a.workflow_run_id = $1
		ORDER BY l.library_id`, runID)
	if err != nil {
		return nil, err
	}
	return libs, nil
}

func (s *PostgresStore) SavePayload(p models.Payload) (int64, error) {
	var id int64
	err := s.db.QueryRowx("INSERT INTO payloads (payload_ref_id, version, data) VALUES ($1, $2, $3) RETURNING id",
		p.RefID, p.Version, p.Data).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save payload %s: %w", p.RefID, err)
	}
	return id, nil
}

// AppendState is the conditional write guarding (run, status, timestamp).
// Concurrent writers of the same triple see exactly one applied insert.
func (s *PostgresStore) AppendState(st models.State) (bool, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO states (workflow_run_id, status, timestamp, comment, payload_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ON CONSTRAINT states_run_status_timestamp_key DO NOTHING
		RETURNING id`,
		st.WorkflowRunID, st.Status, st.Timestamp.UTC(), st.Comment, st.PayloadID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("append state %s for run %d: %w", st.Status, st.WorkflowRunID, err)
	}
	return true, nil
}

func (s *PostgresStore) ListStates(runID int64) ([]models.State, error) {
	states := []models.State{}
	err := s.db.Select(&states, `
		SELECT id, workflow_run_id, status, timestamp, comment, payload_id
		FROM states WHERE workflow_run_id = $1
		ORDER BY timestamp, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list states for run %d: %w", runID, err)
	}

	payloads := []models.Payload{}
	err = s.db.Select(&payloads, `
		SELECT p.id, p.payload_ref_id, p.version, p.data
		FROM payloads p JOIN states s ON s.payload_id = p.id
		WHERE s.workflow_run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("list payloads for run %d: %w", runID, err)
	}
	byID := make(map[int64]models.Payload, len(payloads))
	for _, p := range payloads {
		byID[p.ID] = p
	}
	for i := range states {
		if states[i].PayloadID == nil {
			continue
		}
		if p, ok := byID[*states[i].PayloadID]; ok {
			states[i].Payload = &p
		}
	}
	return states, nil
}
