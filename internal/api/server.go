// Package api serves the engine over HTTP: workflow management, run
// submission, execution history, capabilities, handoff artifacts and engine
// stats.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/ShayCichocki/stagehand/internal/definition"
	"github.com/ShayCichocki/stagehand/internal/executor"
	"github.com/ShayCichocki/stagehand/internal/handoff"
	"github.com/ShayCichocki/stagehand/internal/observability"
	"github.com/ShayCichocki/stagehand/internal/orchestrator"
	"github.com/ShayCichocki/stagehand/internal/state"
	"github.com/ShayCichocki/stagehand/pkg/models"
)

// serviceName labels spans produced by the tracing middleware.
const serviceName = "stagehand"

// WorkflowCatalog lists, looks up and manages workflow definitions.
type WorkflowCatalog interface {
	List() []definition.Entry
	Get(id string) (*models.WorkflowDefinition, error)
	Create(id string, raw []byte) (definition.Entry, error)
	Delete(id string) error
}

// RunSubmitter starts workflow runs in the background.
type RunSubmitter interface {
	Submit(def *models.WorkflowDefinition, opts orchestrator.RunOptions) (string, error)
	Cancel(id string) bool
	Count() int
}

// ExecutionReader reads persisted executions.
type ExecutionReader interface {
	Load(ctx context.Context, id string) (*models.WorkflowExecution, error)
	List(ctx context.Context, filter state.ListFilter) ([]models.ExecutionSummary, error)
}

// HandoffReader reads published artifacts without consuming them.
type HandoffReader interface {
	Latest(ctx context.Context, toStage string) (*models.HandoffArtifact, error)
	History(ctx context.Context, toStage string, limit int) ([]models.HandoffArtifact, error)
}

// CapabilityLister reports the registered actions and resolves them when a
// new workflow is checked.
type CapabilityLister interface {
	executor.Resolver
	Capabilities() []executor.Capability
}

// MetricsSource snapshots the engine's instruments.
type MetricsSource interface {
	Snapshot(ctx context.Context) ([]observability.Point, error)
}

// Deps are the server's collaborators. All are required.
type Deps struct {
	Catalog      WorkflowCatalog
	Runs         RunSubmitter
	Executions   ExecutionReader
	Handoffs     HandoffReader
	Capabilities CapabilityLister
	Metrics      MetricsSource
	Logger       *slog.Logger
}

// Server holds the dependencies for the API server.
type Server struct {
	deps Deps
	echo *echo.Echo

	mu   sync.Mutex
	http *http.Server
}

// NewServer builds the router and middleware.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.deps.Logger.Debug("http request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			)
			return nil
		},
	}))

	e.GET("/healthz", s.Health)
	v1 := e.Group("/api/v1")
	v1.GET("/workflows", s.ListWorkflows)
	v1.POST("/workflows", s.CreateWorkflow)
	v1.GET("/workflows/:id", s.GetWorkflow)
	v1.DELETE("/workflows/:id", s.DeleteWorkflow)
	v1.POST("/workflows/:id/executions", s.StartExecution)
	v1.GET("/executions", s.ListExecutions)
	v1.GET("/executions/:id", s.GetExecution)
	v1.POST("/executions/:id/cancel", s.CancelExecution)
	v1.GET("/capabilities", s.ListCapabilities)
	v1.GET("/stats", s.Stats)
	v1.GET("/handoffs/:stage/latest", s.LatestHandoff)
	v1.GET("/handoffs/:stage/history", s.HandoffHistory)

	s.echo = e
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// ListenAndServe serves on addr until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.echo,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	s.deps.Logger.Info("api server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return err
	}
	return nil
}

// errorResponse is the JSON body of every error reply.
type errorResponse struct {
	Error string `json:"error"`
}

// errorHandler maps domain errors to status codes and renders JSON.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	msg := err.Error()

	var he *echo.HTTPError
	var validation *definition.ValidationError
	var invalidStage *handoff.ValidationError
	switch {
	case errors.As(err, &he):
		status = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	case errors.Is(err, definition.ErrNotFound),
		errors.Is(err, state.ErrNotFound),
		errors.Is(err, handoff.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &validation), errors.As(err, &invalidStage):
		status = http.StatusBadRequest
	case errors.Is(err, definition.ErrExists):
		status = http.StatusConflict
	case errors.Is(err, definition.ErrBuiltin):
		status = http.StatusForbidden
	case errors.Is(err, definition.ErrNoDirectory):
		status = http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrPoolStopped):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		s.deps.Logger.Error("api request failed",
			slog.String("path", c.Path()),
			slog.String("error", err.Error()),
		)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, errorResponse{Error: msg})
}
