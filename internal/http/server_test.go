package http_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	internal_http "github.com/umccr/wfmanager/internal/http"
	"github.com/umccr/wfmanager/internal/log"
	"github.com/umccr/wfmanager/internal/metrics"
	"github.com/umccr/wfmanager/internal/seed"
	internal_storage "github.com/umccr/wfmanager/internal/storage"
	"github.com/umccr/wfmanager/internal/testutil"
	"github.com/umccr/wfmanager/pkg/models"
	"github.com/umccr/wfmanager/pkg/service"
	"github.com/umccr/wfmanager/pkg/storage"
)

type stateResponse struct {
	Applied bool                           `json:"applied"`
	Event   *models.WorkflowRunStateChange `json:"event"`
}

func newTestServer(t *testing.T, store storage.Store) *httptest.Server {
	t.Helper()
	catalog, err := seed.ParseFile("../seed/testdata/catalog.yaml")
	require.NoError(t, err)
	_, err = seed.Load(store, catalog)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m, err := metrics.NewMetrics(reg)
	require.NoError(t, err)

	logger := log.GetLogger()
	runs := service.NewWorkflowRunService(store, logger, service.WithMetrics(m))
	engine := service.NewAssignmentEngine(store, service.NewCatalogCache(store, service.WithMetrics(m)), logger, service.WithMetrics(m))
	analysisRuns := service.NewAnalysisRunService(store, runs, logger, service.WithMetrics(m))

	srv := httptest.NewServer(internal_http.NewServer(runs, engine, analysisRuns, nil, reg, logger).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, body string, out interface{}) int {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.Unmarshal(data, out), string(data))
	}
	return resp.StatusCode
}

const pairBatch = `{
  "libraries": [
    {"libraryId": "L2400001", "orcabusId": "lib.01J5M2J44HFJ9424G7074NKTGN", "subjectId": "SBJ00001",
     "phenotype": "tumor", "workflow": "clinical", "type": "WGS", "assay": "TsqNano"},
    {"libraryId": "L2400002", "orcabusId": "lib.01J5M2J44HFJ9424G7074NKTGP", "subjectId": "SBJ00001",
     "phenotype": "normal", "workflow": "clinical", "type": "WGS", "assay": "TsqNano"}
  ]
}`

func runScenario(t *testing.T, srv *httptest.Server) {
	t.Run("HealthCheck", func(t *testing.T) {
		var body map[string]string
		assert.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/health", "", &body))
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("IngestState", func(t *testing.T) {
		draft := `{"portalRunId":"20240701abcdef01","workflowName":"bclconvert","workflowVersion":"4.2.7",
			"workflowRunName":"bclconvert-240701","status":"initial","timestamp":"2024-07-01T10:00:00Z",
			"linkedLibraries":[{"libraryId":"L2400009","orcabusId":"lib.01J5M2J44HFJ9424G7074NKTGZ"}],
			"payload":{"version":"2024.07.01","data":{"inputs":{"bclDir":"s3://bucket/240701"}}}}`

		var resp stateResponse
		require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/api/v1/workflowrun/state", draft, &resp))
		assert.True(t, resp.Applied)
		require.NotNil(t, resp.Event)
		assert.Equal(t, "DRAFT", resp.Event.Status)
		require.NotNil(t, resp.Event.Payload)
		assert.NotEmpty(t, resp.Event.Payload.RefID)
		require.Len(t, resp.Event.LinkedLibraries, 1)
		assert.Equal(t, "01J5M2J44HFJ9424G7074NKTGZ", resp.Event.LinkedLibraries[0].OrcabusID)

		resp = stateResponse{}
		assert.Equal(t, http.StatusAccepted, doJSON(t, srv, http.MethodPost, "/api/v1/workflowrun/state", draft, &resp))
		assert.False(t, resp.Applied)

		ready := `{"portalRunId":"20240701abcdef01","status":"READY","timestamp":"2024-07-01T10:05:00Z"}`
		require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/api/v1/workflowrun/state", ready, nil))

		// no offset means UTC, so this is older than the READY state
		stale := `{"portalRunId":"20240701abcdef01","status":"RUNNING","timestamp":"2024-07-01T10:04:00"}`
		resp = stateResponse{}
		assert.Equal(t, http.StatusAccepted, doJSON(t, srv, http.MethodPost, "/api/v1/workflowrun/state", stale, &resp))
		assert.False(t, resp.Applied)

		backward := `{"portalRunId":"20240701abcdef01","status":"DRAFT","timestamp":"2024-07-01T10:10:00Z"}`
		assert.Equal(t, http.StatusAccepted, doJSON(t, srv, http.MethodPost, "/api/v1/workflowrun/state", backward, nil))
	})

	t.Run("IngestInvalid", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest,
			doJSON(t, srv, http.MethodPost, "/api/v1/workflowrun/state", `{"portalRunId":"x","timestamp":"2024-07-01T10:00:00Z"}`, nil))
		assert.Equal(t, http.StatusBadRequest,
			doJSON(t, srv, http.MethodPost, "/api/v1/workflowrun/state", `{"status":"READY","timestamp":"2024-07-01T10:00:00Z"}`, nil))
		assert.Equal(t, http.StatusBadRequest,
			doJSON(t, srv, http.MethodPost, "/api/v1/workflowrun/state", `{not json`, nil))
	})

	t.Run("GetRunStates", func(t *testing.T) {
		var states service.RunStates
		require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/api/v1/workflowrun/20240701abcdef01/state", "", &states))
		assert.Len(t, states.States, 2)
		require.NotNil(t, states.Current)
		assert.Equal(t, models.ReadyStatus, states.Current.Status)
		require.NotNil(t, states.Run.WorkflowRunName)
		assert.Equal(t, "bclconvert-240701", *states.Run.WorkflowRunName)
		assert.Len(t, states.Run.Libraries, 1)

		assert.Equal(t, http.StatusNotFound, doJSON(t, srv, http.MethodGet, "/api/v1/workflowrun/unknown/state", "", nil))

		var runs []models.WorkflowRun
		require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet, "/api/v1/workflowrun", "", &runs))
		assert.Len(t, runs, 1)
	})

	t.Run("AssignAndPrepare", func(t *testing.T) {
		var runs []models.AnalysisRun
		require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/api/v1/analysisrun/assign", pairBatch, &runs))
		names := make([]string, 0, len(runs))
		for _, r := range runs {
			names = append(names, r.Name)
		}
		assert.ElementsMatch(t, []string{
			"automated__WGTS_QC__research__L2400001",
			"automated__WGTS_QC__research__L2400002",
			"automated__TN__clinical__L2400001__L2400002",
		}, names)

		runs = nil
		require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost, "/api/v1/analysisrun/assign", pairBatch, &runs))
		assert.Empty(t, runs, "a repeated batch creates nothing")

		assert.Equal(t, http.StatusBadRequest, doJSON(t, srv, http.MethodPost, "/api/v1/analysisrun/assign",
			`{"libraryIds":["L2400001"]}`, nil), "no resolver configured")

		var prepared []models.WorkflowRun
		require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodPost,
			"/api/v1/analysisrun/automated__TN__clinical__L2400001__L2400002/prepare", "", &prepared))
		assert.Len(t, prepared, 2)

		var ar models.AnalysisRun
		require.Equal(t, http.StatusOK, doJSON(t, srv, http.MethodGet,
			"/api/v1/analysisrun/automated__TN__clinical__L2400001__L2400002", "", &ar))
		assert.Equal(t, models.ReadyAnalysisRunStatus, ar.Status)

		assert.Equal(t, http.StatusNotFound, doJSON(t, srv, http.MethodPost, "/api/v1/analysisrun/missing/prepare", "", nil))
	})

	t.Run("Metrics", func(t *testing.T) {
		resp, err := srv.Client().Get(srv.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, bytes.Contains(body, []byte(`wfmanager_analysisrun_created_total{analysis="TN"} 1`)), string(body))
		assert.True(t, bytes.Contains(body, []byte(`wfmanager_workflowrun_transitions_total{outcome="rejected",reason="backward"} 1`)), string(body))
	})
}

func TestServerInMemory(t *testing.T) {
	runScenario(t, newTestServer(t, storage.NewMockStore()))
}

func TestServerPostgres(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	store, err := internal_storage.InitStore(testDB.ConnStr)
	require.NoError(t, err)
	defer store.Close()

	runScenario(t, newTestServer(t, store))
}
