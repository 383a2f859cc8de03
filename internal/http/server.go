// Package http exposes the workflow manager over a REST API.
package http

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/umccr/wfmanager/pkg/models"
	"github.com/umccr/wfmanager/pkg/service"
	"github.com/umccr/wfmanager/pkg/storage"
)

// Server holds the dependencies of the API server.
type Server struct {
	echo         *echo.Echo
	runs         *service.WorkflowRunService
	assigner     *service.AssignmentEngine
	analysisRuns *service.AnalysisRunService
	resolver     service.MetadataResolver
	logger       *logrus.Logger
}

// AssignRequest is the body of POST /api/v1/analysisrun/assign. Libraries
// carries full metadata records; LibraryIDs are resolved through the
// metadata manager first.
type AssignRequest struct {
	BatchID    string                   `json:"batchId,omitempty"`
	Libraries  []models.LibraryMetadata `json:"libraries"`
	LibraryIDs []string                 `json:"libraryIds,omitempty"`
}

type stateChangeResponse struct {
	Applied bool                           `json:"applied"`
	Event   *models.WorkflowRunStateChange `json:"event,omitempty"`
}

// NewServer wires the routes. resolver may be nil, in which case requests
// naming only library ids are rejected. gatherer backs /metrics.
func NewServer(runs *service.WorkflowRunService, assigner *service.AssignmentEngine,
	analysisRuns *service.AnalysisRunService, resolver service.MetadataResolver,
	gatherer prometheus.Gatherer, logger *logrus.Logger) *Server {
	s := &Server{
		echo:         echo.New(),
		runs:         runs,
		assigner:     assigner,
		analysisRuns: analysisRuns,
		resolver:     resolver,
		logger:       logger,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.WithFields(logrus.Fields{
				"method":  v.Method,
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency.String(),
			}).Debug("request")
			return nil
		},
	}))

	s.echo.GET("/health", s.health)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := s.echo.Group("/api/v1")
	api.POST("/workflowrun/state", s.ingestState)
	api.GET("/workflowrun", s.listRuns)
	api.GET("/workflowrun/:portalRunId/state", s.getRunStates)
	api.POST("/analysisrun/assign", s.assign)
	api.GET("/analysisrun/:name", s.getAnalysisRun)
	api.POST("/analysisrun/:name/prepare", s.prepare)
	return s
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(addr string) error {
	s.logger.Infof("Starting workflow manager API on %s", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// httpError maps service errors onto status codes.
func (s *Server) httpError(err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidEvent), errors.Is(err, service.ErrUnresolvableRun):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Errorf("Request failed: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ingestState applies one state change event
// (POST /api/v1/workflowrun/state)
func (s *Server) ingestState(c echo.Context) error {
	var evt models.WorkflowRunStateChange
	if err := c.Bind(&evt); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	out, err := s.runs.HandleStateChange(c.Request().Context(), evt)
	if err != nil {
		return s.httpError(err)
	}
	if out == nil {
		return c.JSON(http.StatusAccepted, stateChangeResponse{Applied: false})
	}
	return c.JSON(http.StatusOK, stateChangeResponse{Applied: true, Event: out})
}

func (s *Server) listRuns(c echo.Context) error {
	runs, err := s.runs.ListRuns()
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, runs)
}

// getRunStates returns the ledger of a run
// (GET /api/v1/workflowrun/:portalRunId/state)
func (s *Server) getRunStates(c echo.Context) error {
	states, err := s.runs.GetRunStates(c.Param("portalRunId"))
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, states)
}

// assign creates the analysis runs a batch of libraries warrants
// (POST /api/v1/analysisrun/assign)
func (s *Server) assign(c echo.Context) error {
	var req AssignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	ctx := c.Request().Context()

	var (
		runs []models.AnalysisRun
		err  error
	)
	switch {
	case len(req.LibraryIDs) > 0 && len(req.Libraries) > 0:
		return echo.NewHTTPError(http.StatusBadRequest, "give either libraries or libraryIds, not both")
	case len(req.LibraryIDs) > 0:
		if s.resolver == nil {
			return echo.NewHTTPError(http.StatusBadRequest, "metadata resolver is not configured")
		}
		runs, err = s.assigner.AssignLibraries(ctx, s.resolver, req.LibraryIDs)
	default:
		runs, err = s.assigner.Assign(ctx, req.Libraries)
	}
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) getAnalysisRun(c echo.Context) error {
	run, err := s.analysisRuns.GetAnalysisRun(c.Param("name"))
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// prepare creates the workflow runs of an analysis run
// (POST /api/v1/analysisrun/:name/prepare)
func (s *Server) prepare(c echo.Context) error {
	runs, err := s.analysisRuns.PrepareWorkflowRuns(c.Request().Context(), c.Param("name"))
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, runs)
}
