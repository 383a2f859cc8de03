package storage_test

import (
	"sync"
	"testing"
	"time"

	internal_storage "github.com/umccr/wfmanager/internal/storage"
	"github.com/umccr/wfmanager/internal/testutil"
	"github.com/umccr/wfmanager/pkg/models"
	"github.com/umccr/wfmanager/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)
	testDB.LoadFixtures(t, "testdata/fixtures")

	root, err := internal_storage.InitStore(testDB.ConnStr)
	require.NoError(t, err)
	defer root.Close()

	// Helper to create a transactional store
	newTxStore := func(t *testing.T) storage.Store {
		txStore, err := root.Begin()
		require.NoError(t, err)
		t.Cleanup(func() { _ = txStore.Rollback() })
		return txStore
	}

	newRun := func(t *testing.T, store storage.Store, portalRunID string) int64 {
		wfID, err := store.SaveWorkflow(models.Workflow{Name: "bclconvert", Version: "4.2.7"})
		require.NoError(t, err)
		id, created, err := store.SaveWorkflowRun(models.WorkflowRun{
			PortalRunID:     portalRunID,
			WorkflowRunName: strPtr("run-" + portalRunID),
			WorkflowID:      &wfID,
		})
		require.NoError(t, err)
		require.True(t, created)
		return id
	}

	t.Run("SaveWorkflowIsIdempotent", func(t *testing.T) {
		store := newTxStore(t)
		first, err := store.SaveWorkflow(models.Workflow{Name: "star-alignment", Version: "1.0"})
		require.NoError(t, err)
		second, err := store.SaveWorkflow(models.Workflow{Name: "star-alignment", Version: "1.0", ExecutionEngine: "AWS"})
		require.NoError(t, err)
		assert.Equal(t, first, second)

		wf, err := store.GetWorkflow("star-alignment", "1.0")
		require.NoError(t, err)
		assert.Equal(t, models.UnknownExecutionEngine, wf.ExecutionEngine)

		_, err = store.GetWorkflow("star-alignment", "9.9")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("WorkflowRuns", func(t *testing.T) {
		store := newTxStore(t)
		id := newRun(t, store, "20240101abcd0001")

		again, created, err := store.SaveWorkflowRun(models.WorkflowRun{PortalRunID: "20240101abcd0001"})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, id, again)

		run, err := store.GetWorkflowRunByName("run-20240101abcd0001")
		require.NoError(t, err)
		assert.Equal(t, "20240101abcd0001", run.PortalRunID)

		locked, err := store.LockWorkflowRun("20240101abcd0001")
		require.NoError(t, err)
		assert.Equal(t, id, locked.ID)

		_, err = store.GetWorkflowRun("missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("WorkflowRunNameIsUnique", func(t *testing.T) {
		store := newTxStore(t)
		newRun(t, store, "20240101abcd0005")

		_, created, err := store.SaveWorkflowRun(models.WorkflowRun{
			PortalRunID:     "20240101abcd0006",
			WorkflowRunName: strPtr("run-20240101abcd0005"),
		})
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.False(t, created)

		_, err = store.GetWorkflowRun("20240101abcd0006")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("LockWorkflowRunNameSerializes", func(t *testing.T) {
		first, err := root.Begin()
		require.NoError(t, err)
		require.NoError(t, first.LockWorkflowRunName("bclconvert-lock"))

		acquired := make(chan struct{})
		go func() {
			defer close(acquired)
			second, err := root.Begin()
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, second.LockWorkflowRunName("bclconvert-lock"))
			assert.NoError(t, second.Rollback())
		}()

		select {
		case <-acquired:
			t.Fatal("second transaction acquired a held name lock")
		case <-time.After(200 * time.Millisecond):
		}
		require.NoError(t, first.Commit())
		select {
		case <-acquired:
		case <-time.After(5 * time.Second):
			t.Fatal("name lock was not released on commit")
		}
	})

	t.Run("UpsertLibraryKeepsMetadata", func(t *testing.T) {
		store := newTxStore(t)
		id, err := store.UpsertLibrary(models.Library{LibraryID: "L2400001"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), id)

		lib, err := store.GetLibraryByOrcabusID("01J5M2J44HFJ9424G7074NKTGN")
		require.NoError(t, err)
		assert.Equal(t, models.TumorPhenotype, lib.Phenotype)
		assert.Equal(t, models.WGSLibraryType, lib.Type)
		require.NotNil(t, lib.Coverage)
		assert.InDelta(t, 80.0, *lib.Coverage, 0.001)
	})

	t.Run("AssociateLibrary", func(t *testing.T) {
		store := newTxStore(t)
		runID := newRun(t, store, "20240101abcd0002")
		for i := 0; i < 2; i++ {
			require.NoError(t, store.AssociateLibrary(models.LibraryAssociation{WorkflowRunID: runID, LibraryID: 2}))
		}
		libs, err := store.ListRunLibraries(runID)
		require.NoError(t, err)
		require.Len(t, libs, 1)
		assert.Equal(t, "L2400002", libs[0].LibraryID)
	})

	t.Run("AppendStateRejectsDuplicateTriple", func(t *testing.T) {
		store := newTxStore(t)
		runID := newRun(t, store, "20240101abcd0003")
		ts := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

		payloadID, err := store.SavePayload(models.Payload{RefID: "ref-1", Version: "2024.07.01", Data: models.JSONData{"k": "v"}})
		require.NoError(t, err)
		applied, err := store.AppendState(models.State{WorkflowRunID: runID, Status: models.DraftStatus, Timestamp: ts, PayloadID: &payloadID})
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = store.AppendState(models.State{WorkflowRunID: runID, Status: models.DraftStatus, Timestamp: ts})
		require.NoError(t, err)
		assert.False(t, applied)

		applied, err = store.AppendState(models.State{WorkflowRunID: runID, Status: models.ReadyStatus, Timestamp: ts.Add(time.Minute)})
		require.NoError(t, err)
		assert.True(t, applied)

		require.NoError(t, store.UpdateWorkflowRunPayload(runID, payloadID))

		states, err := store.ListStates(runID)
		require.NoError(t, err)
		require.Len(t, states, 2)
		assert.Equal(t, models.DraftStatus, states[0].Status)
		require.NotNil(t, states[0].Payload)
		assert.Equal(t, "v", states[0].Payload.Data["k"])
		assert.Equal(t, models.ReadyStatus, states[1].Status)
		assert.Nil(t, states[1].Payload)
	})

	t.Run("ConcurrentAppendState", func(t *testing.T) {
		runID := newRun(t, root, "20240101abcd0004")
		ts := time.Date(2024, 7, 1, 11, 0, 0, 0, time.UTC)

		var wg sync.WaitGroup
		results := make(chan bool, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				applied, err := root.AppendState(models.State{WorkflowRunID: runID, Status: models.RunningStatus, Timestamp: ts})
				assert.NoError(t, err)
				results <- applied
			}()
		}
		wg.Wait()
		close(results)

		count := 0
		for applied := range results {
			if applied {
				count++
			}
		}
		assert.Equal(t, 1, count)
	})

	t.Run("CatalogFromFixtures", func(t *testing.T) {
		store := newTxStore(t)
		ctx, err := store.GetAnalysisContext(models.ApprovalUsecase, models.ClinicalApproval)
		require.NoError(t, err)
		assert.Equal(t, int64(1), ctx.ID)

		analyses, err := store.ListAnalyses(models.TumorNormalAnalysisName)
		require.NoError(t, err)
		require.Len(t, analyses, 1, "inactive analyses are not listed")
		assert.Equal(t, "1.0", analyses[0].Version)
		assert.Len(t, analyses[0].Contexts, 3)
		require.Len(t, analyses[0].Workflows, 1)
		assert.Equal(t, "tumor-normal", analyses[0].Workflows[0].Name)
	})

	t.Run("AnalysisRunIsKeyedByName", func(t *testing.T) {
		store := newTxStore(t)
		approval := int64(1)
		run := models.AnalysisRun{
			Name:              "automated__TN__clinical__L2400001__L2400002",
			AnalysisID:        2,
			ComputeContextID:  4,
			StorageContextID:  5,
			ApprovalContextID: &approval,
		}
		id, created, err := store.SaveAnalysisRun(run, []int64{1, 2})
		require.NoError(t, err)
		assert.True(t, created)

		again, created, err := store.SaveAnalysisRun(run, []int64{1})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, id, again)

		got, err := store.GetAnalysisRun(run.Name)
		require.NoError(t, err)
		assert.Equal(t, models.DraftAnalysisRunStatus, got.Status)
		assert.Equal(t, models.TumorNormalAnalysisName, got.Analysis.Name)
		assert.Equal(t, models.ClinicalApproval, got.ApprovalContext.Name)
		assert.Equal(t, models.AccreditedContext, got.ComputeContext.Name)
		assert.Len(t, got.Libraries, 2)

		require.NoError(t, store.UpdateAnalysisRunStatus(id, models.ReadyAnalysisRunStatus))
		got, err = store.GetAnalysisRun(run.Name)
		require.NoError(t, err)
		assert.Equal(t, models.ReadyAnalysisRunStatus, got.Status)

		runs, err := store.ListAnalysisRunWorkflowRuns(id)
		require.NoError(t, err)
		assert.Empty(t, runs)

		locked, err := store.LockAnalysisRun(run.Name)
		require.NoError(t, err)
		assert.Equal(t, id, locked.ID)

		_, err = store.LockAnalysisRun("automated__TN__clinical__missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}
