package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/umccr/wfmanager/pkg/models"
	"github.com/umccr/wfmanager/pkg/service"
	"github.com/umccr/wfmanager/pkg/storage"
)

// testLogger implements Logger interface for testing
type testLogger struct{}

func newLogger() service.Logger {
	return &testLogger{}
}

func (l *testLogger) Debugf(format string, args ...interface{}) {}
func (l *testLogger) Infof(format string, args ...interface{})  {}
func (l *testLogger) Warnf(format string, args ...interface{})  {}
func (l *testLogger) Errorf(format string, args ...interface{}) {}

// recordingPublisher keeps every notification it is handed.
type recordingPublisher struct {
	mu           sync.Mutex
	err          error
	workflowRuns []models.WorkflowRunStateChange
	analysisRuns []models.AnalysisRunStateChange
}

func (p *recordingPublisher) PublishWorkflowRunStateChange(_ context.Context, evt models.WorkflowRunStateChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workflowRuns = append(p.workflowRuns, evt)
	return p.err
}

func (p *recordingPublisher) PublishAnalysisRunStateChange(_ context.Context, evt models.AnalysisRunStateChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.analysisRuns = append(p.analysisRuns, evt)
	return p.err
}

func (p *recordingPublisher) workflowRunEvents() []models.WorkflowRunStateChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.WorkflowRunStateChange(nil), p.workflowRuns...)
}

func (p *recordingPublisher) analysisRunEvents() []models.AnalysisRunStateChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.AnalysisRunStateChange(nil), p.analysisRuns...)
}

type analysisFixture struct {
	name      string
	version   string
	status    string
	contexts  [][2]string // {usecase, name}
	workflows []string
}

// standardCatalog mirrors the production catalog: a research QC analysis, a
// clinical and a research tumor/normal analysis, and a NATA accredited and a
// research ctTSO500.
var standardCatalog = []analysisFixture{
	{name: models.QCAnalysisName, version: "1.0",
		contexts:  [][2]string{{"compute", "research"}, {"storage", "research"}},
		workflows: []string{"wgts-qc"}},
	{name: models.TumorNormalAnalysisName, version: "1.0",
		contexts:  [][2]string{{"approval", "clinical"}, {"compute", "accredited"}, {"storage", "accredited"}},
		workflows: []string{"tumor-normal", "umccrise"}},
	{name: models.TumorNormalAnalysisName, version: "1.1",
		contexts:  [][2]string{{"compute", "research"}, {"storage", "research"}},
		workflows: []string{"tumor-normal"}},
	{name: models.CtTSOAnalysisName, version: "2.0",
		contexts:  [][2]string{{"approval", "nata"}, {"compute", "accredited"}, {"storage", "accredited"}},
		workflows: []string{"cttsov2"}},
	{name: models.CtTSOAnalysisName, version: "1.0",
		contexts:  [][2]string{{"compute", "research"}, {"storage", "research"}},
		workflows: []string{"cttsov2"}},
}

// seedCatalog writes contexts, workflows and analyses into store.
func seedCatalog(t *testing.T, store storage.Store, analyses []analysisFixture) {
	t.Helper()
	for _, a := range analyses {
		id, err := store.SaveAnalysis(models.Analysis{Name: a.name, Version: a.version, Status: a.status})
		require.NoError(t, err)
		for _, c := range a.contexts {
			cid, err := store.SaveAnalysisContext(models.AnalysisContext{Usecase: models.ContextUsecase(c[0]), Name: c[1]})
			require.NoError(t, err)
			require.NoError(t, store.LinkAnalysisContext(id, cid))
		}
		for _, wf := range a.workflows {
			wid, err := store.SaveWorkflow(models.Workflow{Name: wf, Version: "1.0.0", ExecutionEngine: "ICA"})
			require.NoError(t, err)
			require.NoError(t, store.LinkAnalysisWorkflow(id, wid))
		}
	}
}

func floatPtr(f float64) *float64 { return &f }
