package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ShayCichocki/stagehand/internal/definition"
	"github.com/ShayCichocki/stagehand/internal/observability"
	"github.com/ShayCichocki/stagehand/internal/orchestrator"
	"github.com/ShayCichocki/stagehand/internal/state"
	"github.com/ShayCichocki/stagehand/internal/version"
	"github.com/ShayCichocki/stagehand/pkg/models"
)

// Health reports liveness.
// (GET /healthz)
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version.Get()})
}

// ListWorkflows returns the catalog.
// (GET /api/v1/workflows)
func (s *Server) ListWorkflows(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Catalog.List())
}

// maxWorkflowBytes bounds the body of a workflow upload.
const maxWorkflowBytes = 1 << 20

// GetWorkflow returns one definition.
// (GET /api/v1/workflows/:id)
func (s *Server) GetWorkflow(c echo.Context) error {
	def, err := s.deps.Catalog.Get(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, def)
}

// CreateWorkflow validates a YAML or JSON definition against the registered
// actions and adds it to the workflows directory.
// (POST /api/v1/workflows)
func (s *Server) CreateWorkflow(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWorkflowBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "read body: "+err.Error())
	}
	if len(raw) > maxWorkflowBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "workflow exceeds "+strconv.Itoa(maxWorkflowBytes)+" bytes")
	}

	def, err := definition.Parse(raw)
	if err != nil {
		var verr *definition.ValidationError
		if errors.As(err, &verr) {
			return err
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := definition.CheckCapabilities(def, s.deps.Capabilities); err != nil {
		return err
	}

	entry, err := s.deps.Catalog.Create(def.ID, raw)
	if err != nil {
		return err
	}
	s.deps.Logger.Info("workflow added via api", slog.String("id", entry.ID))
	return c.JSON(http.StatusCreated, entry)
}

// DeleteWorkflow removes a file-backed definition. Templates are refused.
// (DELETE /api/v1/workflows/:id)
func (s *Server) DeleteWorkflow(c echo.Context) error {
	if err := s.deps.Catalog.Delete(c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// StartRequest is the body of a run submission.
type StartRequest struct {
	Variables   map[string]string `json:"variables"`
	TriggeredBy string            `json:"triggered_by"`
	TriggerType string            `json:"trigger_type"`
}

// StartResponse carries the id of the accepted run.
type StartResponse struct {
	ExecutionID string `json:"execution_id"`
}

// StartExecution queues a run of a catalog workflow and returns its id.
// (POST /api/v1/workflows/:id/executions)
func (s *Server) StartExecution(c echo.Context) error {
	def, err := s.deps.Catalog.Get(c.Param("id"))
	if err != nil {
		return err
	}

	var req StartRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
		}
	}

	trigger := models.TriggerManual
	if req.TriggerType != "" {
		trigger = models.TriggerType(req.TriggerType)
		if !trigger.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid trigger_type "+strconv.Quote(req.TriggerType))
		}
	}
	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "api"
	}

	id, err := s.deps.Runs.Submit(def, orchestrator.RunOptions{
		Trigger:     trigger,
		TriggeredBy: triggeredBy,
		Variables:   req.Variables,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, StartResponse{ExecutionID: id})
}

// ListExecutions returns execution summaries, newest first.
// (GET /api/v1/executions?workflow_id=&status=&limit=)
func (s *Server) ListExecutions(c echo.Context) error {
	filter := state.ListFilter{WorkflowID: c.QueryParam("workflow_id")}
	if status := c.QueryParam("status"); status != "" {
		filter.Status = models.ExecutionStatus(status)
		if !filter.Status.Valid() {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status "+strconv.Quote(status))
		}
	}
	if limit := c.QueryParam("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		filter.Limit = n
	}

	summaries, err := s.deps.Executions.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if summaries == nil {
		summaries = []models.ExecutionSummary{}
	}
	return c.JSON(http.StatusOK, summaries)
}

// GetExecution returns one execution with its task records.
// (GET /api/v1/executions/:id)
func (s *Server) GetExecution(c echo.Context) error {
	exec, err := s.deps.Executions.Load(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exec)
}

// CancelExecution cancels a run started through the API.
// (POST /api/v1/executions/:id/cancel)
func (s *Server) CancelExecution(c echo.Context) error {
	if !s.deps.Runs.Cancel(c.Param("id")) {
		return echo.NewHTTPError(http.StatusNotFound, "no active run "+c.Param("id"))
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// ListCapabilities returns the registered actions.
// (GET /api/v1/capabilities)
func (s *Server) ListCapabilities(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Capabilities.Capabilities())
}

// StatsResponse reports engine load and the cumulative metric readings.
type StatsResponse struct {
	ActiveRuns int                   `json:"active_runs"`
	Workflows  int                   `json:"workflows"`
	Metrics    []observability.Point `json:"metrics"`
}

// Stats returns active runs, catalog size and a metrics snapshot.
// (GET /api/v1/stats)
func (s *Server) Stats(c echo.Context) error {
	points, err := s.deps.Metrics.Snapshot(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, StatsResponse{
		ActiveRuns: s.deps.Runs.Count(),
		Workflows:  len(s.deps.Catalog.List()),
		Metrics:    points,
	})
}

// LatestHandoff returns the newest artifact for a stage without consuming it.
// (GET /api/v1/handoffs/:stage/latest)
func (s *Server) LatestHandoff(c echo.Context) error {
	artifact, err := s.deps.Handoffs.Latest(c.Request().Context(), c.Param("stage"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, artifact)
}

// HandoffHistory returns retained artifacts for a stage, newest first.
// (GET /api/v1/handoffs/:stage/history?limit=)
func (s *Server) HandoffHistory(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}
	history, err := s.deps.Handoffs.History(c.Request().Context(), c.Param("stage"), limit)
	if err != nil {
		return err
	}
	if history == nil {
		history = []models.HandoffArtifact{}
	}
	return c.JSON(http.StatusOK, history)
}

var _ WorkflowCatalog = (*definition.Catalog)(nil)
