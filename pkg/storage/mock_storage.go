package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/umccr/wfmanager/pkg/models"
)

// memData is the shared in-memory state behind every mockStore handle.
type memData struct {
	mu sync.Mutex

	workflows     []models.Workflow
	workflowRuns  []models.WorkflowRun
	libraries     []models.Library
	associations  []models.LibraryAssociation
	payloads      []models.Payload
	states        []models.State
	contexts      []models.AnalysisContext
	analyses      []models.Analysis
	analysisCtx   map[int64][]int64 // analysis id -> context ids
	analysisWfs   map[int64][]int64 // analysis id -> workflow ids
	analysisRuns  []models.AnalysisRun
	analysisRunLb map[int64][]int64 // analysis run id -> library ids

	nextID int64

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// mockStore implements storage.Store with in-memory storage. Transactions
// share the same data and writes are visible immediately; Rollback does not
// undo them. Row and name locks taken inside a transaction are held until
// Commit or Rollback.
type mockStore struct {
	data *memData
	tx   bool
	held map[string]*sync.Mutex
}

// NewMockStore returns an empty in-memory Store that is safe for concurrent use.
func NewMockStore() Store {
	return &mockStore{data: &memData{
		analysisCtx:   make(map[int64][]int64),
		analysisWfs:   make(map[int64][]int64),
		analysisRunLb: make(map[int64][]int64),
		locks:         make(map[string]*sync.Mutex),
	}}
}

func (m *mockStore) Begin() (Store, error) {
	return &mockStore{data: m.data, tx: true, held: make(map[string]*sync.Mutex)}, nil
}

func (m *mockStore) Commit() error   { m.release(); return nil }
func (m *mockStore) Rollback() error { m.release(); return nil }
func (m *mockStore) Close() error    { return nil }

// lock blocks until key is free. Outside a transaction the lock is released
// straight away, like a transaction scoped lock in autocommit mode.
func (m *mockStore) lock(key string) {
	if _, ok := m.held[key]; ok {
		return
	}
	m.data.lockMu.Lock()
	l, ok := m.data.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.data.locks[key] = l
	}
	m.data.lockMu.Unlock()

	l.Lock()
	if !m.tx {
		l.Unlock()
		return
	}
	m.held[key] = l
}

func (m *mockStore) release() {
	for key, l := range m.held {
		l.Unlock()
		delete(m.held, key)
	}
}

func (d *memData) id() int64 {
	d.nextID++
	return d.nextID
}

func (m *mockStore) GetWorkflow(name, version string) (models.Workflow, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, wf := range m.data.workflows {
		if wf.Name == name && wf.Version == version {
			return wf, nil
		}
	}
	return models.Workflow{}, ErrNotFound
}

func (m *mockStore) SaveWorkflow(w models.Workflow) (int64, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, wf := range m.data.workflows {
		if wf.Name == w.Name && wf.Version == w.Version {
			return wf.ID, nil
		}
	}
	w.ID = m.data.id()
	m.data.workflows = append(m.data.workflows, w)
	return w.ID, nil
}

func (m *mockStore) SaveWorkflowRun(r models.WorkflowRun) (int64, bool, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	if r.PortalRunID == "" {
		return 0, false, errors.New("workflow run: missing portal run id")
	}
	for _, existing := range m.data.workflowRuns {
		if existing.PortalRunID == r.PortalRunID {
			return existing.ID, false, nil
		}
	}
	if r.WorkflowRunName != nil {
		for _, existing := range m.data.workflowRuns {
			if existing.WorkflowRunName != nil && *existing.WorkflowRunName == *r.WorkflowRunName {
				return 0, false, errors.Wrapf(ErrNotFound, "workflow run name %s is taken by %s", *r.WorkflowRunName, existing.PortalRunID)
			}
		}
	}
	r.ID = m.data.id()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.Libraries = nil
	m.data.workflowRuns = append(m.data.workflowRuns, r)
	return r.ID, true, nil
}

func (m *mockStore) GetWorkflowRun(portalRunID string) (models.WorkflowRun, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, r := range m.data.workflowRuns {
		if r.PortalRunID == portalRunID {
			return r, nil
		}
	}
	return models.WorkflowRun{}, ErrNotFound
}

func (m *mockStore) GetWorkflowRunByName(name string) (models.WorkflowRun, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, r := range m.data.workflowRuns {
		if r.WorkflowRunName != nil && *r.WorkflowRunName == name {
			return r, nil
		}
	}
	return models.WorkflowRun{}, ErrNotFound
}

func (m *mockStore) LockWorkflowRunName(name string) error {
	m.lock("workflow_run_name:" + name)
	return nil
}

func (m *mockStore) LockWorkflowRun(portalRunID string) (models.WorkflowRun, error) {
	m.lock("workflow_run:" + portalRunID)
	return m.GetWorkflowRun(portalRunID)
}

func (m *mockStore) ListWorkflowRuns() ([]models.WorkflowRun, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	runs := make([]models.WorkflowRun, len(m.data.workflowRuns))
	copy(runs, m.data.workflowRuns)
	return runs, nil
}

func (m *mockStore) ListAnalysisRunWorkflowRuns(analysisRunID int64) ([]models.WorkflowRun, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	runs := []models.WorkflowRun{}
	for _, r := range m.data.workflowRuns {
		if r.AnalysisRunID != nil && *r.AnalysisRunID == analysisRunID {
			runs = append(runs, r)
		}
	}
	return runs, nil
}

func (m *mockStore) UpdateWorkflowRunPayload(runID, payloadID int64) error {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for i, r := range m.data.workflowRuns {
		if r.ID == runID {
			m.data.workflowRuns[i].PayloadID = &payloadID
			return nil
		}
	}
	return ErrNotFound
}

func (m *mockStore) GetLibraryByOrcabusID(orcabusID string) (models.Library, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, l := range m.data.libraries {
		if l.OrcabusID != nil && *l.OrcabusID == orcabusID {
			return l, nil
		}
	}
	return models.Library{}, ErrNotFound
}

func (m *mockStore) UpsertLibrary(l models.Library) (int64, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for i, existing := range m.data.libraries {
		if existing.LibraryID != l.LibraryID {
			continue
		}
		m.data.libraries[i] = mergeLibrary(existing, l)
		return existing.ID, nil
	}
	l.ID = m.data.id()
	m.data.libraries = append(m.data.libraries, l)
	return l.ID, nil
}

// mergeLibrary mirrors the Postgres upsert: empty incoming fields keep the
// stored value and an existing orcabus id is never replaced.
func mergeLibrary(existing, in models.Library) models.Library {
	out := existing
	if out.OrcabusID == nil {
		out.OrcabusID = in.OrcabusID
	}
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&out.Phenotype, in.Phenotype},
		{&out.WorkflowContext, in.WorkflowContext},
		{&out.Quality, in.Quality},
		{&out.Type, in.Type},
		{&out.Assay, in.Assay},
	} {
		if f.src != "" {
			*f.dst = f.src
		}
	}
	if in.Coverage != nil {
		out.Coverage = in.Coverage
	}
	return out
}

func (m *mockStore) AssociateLibrary(a models.LibraryAssociation) error {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, existing := range m.data.associations {
		if existing.WorkflowRunID == a.WorkflowRunID && existing.LibraryID == a.LibraryID {
			return nil
		}
	}
	m.data.associations = append(m.data.associations, a)
	return nil
}

func (m *mockStore) ListRunLibraries(runID int64) ([]models.Library, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	libs := []models.Library{}
	for _, a := range m.data.associations {
		if a.WorkflowRunID != runID {
			continue
		}
		for _, l := range m.data.libraries {
			if l.ID == a.LibraryID {
				libs = append(libs, l)
			}
		}
	}
	return libs, nil
}

func (m *mockStore) SavePayload(p models.Payload) (int64, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, existing := range m.data.payloads {
		if existing.RefID == p.RefID {
			return 0, errors.Errorf("payload %s already exists", p.RefID)
		}
	}
	p.ID = m.data.id()
	m.data.payloads = append(m.data.payloads, p)
	return p.ID, nil
}

func (m *mockStore) AppendState(s models.State) (bool, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, existing := range m.data.states {
		if existing.WorkflowRunID == s.WorkflowRunID &&
			existing.Status == s.Status &&
			existing.Timestamp.Equal(s.Timestamp) {
			return false, nil
		}
		if s.PayloadID != nil && existing.PayloadID != nil && *existing.PayloadID == *s.PayloadID {
			return false, errors.Errorf("payload %d already referenced by state %d", *s.PayloadID, existing.ID)
		}
	}
	s.ID = m.data.id()
	s.Payload = nil
	m.data.states = append(m.data.states, s)
	return true, nil
}

func (m *mockStore) ListStates(runID int64) ([]models.State, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	states := []models.State{}
	for _, s := range m.data.states {
		if s.WorkflowRunID != runID {
			continue
		}
		if s.PayloadID != nil {
			for _, p := range m.data.payloads {
				if p.ID == *s.PayloadID {
					payload := p
					s.Payload = &payload
				}
			}
		}
		states = append(states, s)
	}
	sort.SliceStable(states, func(i, j int) bool {
		if states[i].Timestamp.Equal(states[j].Timestamp) {
			return states[i].ID < states[j].ID
		}
		return states[i].Timestamp.Before(states[j].Timestamp)
	})
	return states, nil
}

func (m *mockStore) SaveAnalysisContext(c models.AnalysisContext) (int64, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, existing := range m.data.contexts {
		if existing.Usecase == c.Usecase && existing.Name == c.Name {
			return existing.ID, nil
		}
	}
	c.ID = m.data.id()
	if c.Status == "" {
		c.Status = models.ActiveCatalogStatus
	}
	m.data.contexts = append(m.data.contexts, c)
	return c.ID, nil
}

func (m *mockStore) GetAnalysisContext(usecase models.ContextUsecase, name string) (models.AnalysisContext, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, c := range m.data.contexts {
		if c.Usecase == usecase && c.Name == name {
			return c, nil
		}
	}
	return models.AnalysisContext{}, ErrNotFound
}

func (m *mockStore) SaveAnalysis(a models.Analysis) (int64, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, existing := range m.data.analyses {
		if existing.Name == a.Name && existing.Version == a.Version {
			return existing.ID, nil
		}
	}
	a.ID = m.data.id()
	if a.Status == "" {
		a.Status = models.ActiveCatalogStatus
	}
	a.Contexts = nil
	a.Workflows = nil
	m.data.analyses = append(m.data.analyses, a)
	return a.ID, nil
}

func (m *mockStore) LinkAnalysisContext(analysisID, contextID int64) error {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, id := range m.data.analysisCtx[analysisID] {
		if id == contextID {
			return nil
		}
	}
	m.data.analysisCtx[analysisID] = append(m.data.analysisCtx[analysisID], contextID)
	return nil
}

func (m *mockStore) LinkAnalysisWorkflow(analysisID, workflowID int64) error {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, id := range m.data.analysisWfs[analysisID] {
		if id == workflowID {
			return nil
		}
	}
	m.data.analysisWfs[analysisID] = append(m.data.analysisWfs[analysisID], workflowID)
	return nil
}

func (m *mockStore) ListAnalyses(name string) ([]models.Analysis, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	out := []models.Analysis{}
	for _, a := range m.data.analyses {
		if a.Name != name || a.Status == models.InactiveCatalogStatus {
			continue
		}
		out = append(out, m.data.populateAnalysis(a))
	}
	return out, nil
}

func (d *memData) populateAnalysis(a models.Analysis) models.Analysis {
	a.Contexts = nil
	a.Workflows = nil
	for _, cid := range d.analysisCtx[a.ID] {
		for _, c := range d.contexts {
			if c.ID == cid {
				a.Contexts = append(a.Contexts, c)
			}
		}
	}
	for _, wid := range d.analysisWfs[a.ID] {
		for _, wf := range d.workflows {
			if wf.ID == wid {
				a.Workflows = append(a.Workflows, wf)
			}
		}
	}
	return a
}

func (m *mockStore) SaveAnalysisRun(r models.AnalysisRun, libraryIDs []int64) (int64, bool, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, existing := range m.data.analysisRuns {
		if existing.Name == r.Name {
			return existing.ID, false, nil
		}
	}
	r.ID = m.data.id()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Status == "" {
		r.Status = models.DraftAnalysisRunStatus
	}
	r.Analysis = nil
	r.Libraries = nil
	m.data.analysisRuns = append(m.data.analysisRuns, r)
	m.data.analysisRunLb[r.ID] = append([]int64(nil), libraryIDs...)
	return r.ID, true, nil
}

func (m *mockStore) LockAnalysisRun(name string) (models.AnalysisRun, error) {
	m.lock("analysis_run:" + name)
	return m.GetAnalysisRun(name)
}

func (m *mockStore) GetAnalysisRun(name string) (models.AnalysisRun, error) {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for _, r := range m.data.analysisRuns {
		if r.Name != name {
			continue
		}
		for _, a := range m.data.analyses {
			if a.ID == r.AnalysisID {
				analysis := m.data.populateAnalysis(a)
				r.Analysis = &analysis
			}
		}
		r.ComputeContext = m.data.contextByID(r.ComputeContextID)
		r.StorageContext = m.data.contextByID(r.StorageContextID)
		if r.ApprovalContextID != nil {
			r.ApprovalContext = m.data.contextByID(*r.ApprovalContextID)
		}
		for _, lid := range m.data.analysisRunLb[r.ID] {
			for _, l := range m.data.libraries {
				if l.ID == lid {
					r.Libraries = append(r.Libraries, l)
				}
			}
		}
		return r, nil
	}
	return models.AnalysisRun{}, ErrNotFound
}

func (d *memData) contextByID(id int64) *models.AnalysisContext {
	for _, c := range d.contexts {
		if c.ID == id {
			ctx := c
			return &ctx
		}
	}
	return nil
}

func (m *mockStore) UpdateAnalysisRunStatus(id int64, status models.AnalysisRunStatus) error {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for i, r := range m.data.analysisRuns {
		if r.ID == id {
			m.data.analysisRuns[i].Status = status
			return nil
		}
	}
	return ErrNotFound
}
