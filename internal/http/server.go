// Package http provides the HTTP API for quorumd.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/quorumd/internal/engine"
	"github.com/fyrsmithlabs/quorumd/internal/logging"
	"github.com/fyrsmithlabs/quorumd/internal/run"
)

// Engine is the slice of the workflow engine the API exposes.
type Engine interface {
	StartRun(ctx context.Context, task string) (string, error)
	ResumeRun(ctx context.Context, runID string) (engine.RunStatus, error)
	GetStatus(ctx context.Context, runID string) (engine.RunStatus, error)
	ListRuns(ctx context.Context) ([]engine.RunStatus, error)
	StepPhase(ctx context.Context, runID string, phase run.Phase) (engine.RunStatus, error)
}

// Server exposes run management over HTTP.
type Server struct {
	echo   *echo.Echo
	engine Engine
	logger *logging.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// requestIDPattern bounds what we accept from inbound X-Request-ID
// headers before threading the value through the logging context.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// NewServer creates a new HTTP server.
func NewServer(eng Engine, logger *logging.Logger, cfg *Config) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	logger = logger.Named("http")
	httpMetrics := NewHTTPMetrics(logger)

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(httpMetrics.Middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			req := c.Request()
			rid := c.Response().Header().Get(echo.HeaderXRequestID)
			if requestIDPattern.MatchString(rid) {
				c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), rid)))
			}

			err := next(c)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", rid),
			)
			return err
		}
	})

	s := &Server{
		echo:   e,
		engine: eng,
		logger: logger,
		config: cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleStartRun)
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.POST("/runs/:id/resume", s.handleResumeRun)
	v1.POST("/runs/:id/step", s.handleStepPhase)
}

// StartRunRequest is the request body for POST /api/v1/runs.
type StartRunRequest struct {
	Task string `json:"task"`
}

// StartRunResponse is the response body for POST /api/v1/runs.
type StartRunResponse struct {
	RunID string `json:"run_id"`
}

// StepPhaseRequest is the request body for POST /api/v1/runs/:id/step.
type StepPhaseRequest struct {
	Phase string `json:"phase"`
}

// RunListResponse is the response body for GET /api/v1/runs.
type RunListResponse struct {
	Runs []engine.RunStatus `json:"runs"`
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleStartRun admits a new run and returns its identifier. The run
// executes in the background; poll GET /api/v1/runs/:id for progress.
func (s *Server) handleStartRun(c echo.Context) error {
	var req StartRunRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid start request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Task) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task field is required")
	}

	runID, err := s.engine.StartRun(c.Request().Context(), req.Task)
	if err != nil {
		return s.engineError(c, err)
	}
	return c.JSON(http.StatusAccepted, StartRunResponse{RunID: runID})
}

// handleGetRun reports a run's phase, status, and open conflicts.
func (s *Server) handleGetRun(c echo.Context) error {
	status, err := s.engine.GetStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.engineError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

// handleListRuns lists all known runs, newest first.
func (s *Server) handleListRuns(c echo.Context) error {
	runs, err := s.engine.ListRuns(c.Request().Context())
	if err != nil {
		return s.engineError(c, err)
	}
	return c.JSON(http.StatusOK, RunListResponse{Runs: runs})
}

// handleResumeRun continues a paused, failed, or interrupted run from
// its latest checkpoint.
func (s *Server) handleResumeRun(c echo.Context) error {
	status, err := s.engine.ResumeRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.engineError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

// handleStepPhase executes one named phase in isolation, without
// advancing the run.
func (s *Server) handleStepPhase(c echo.Context) error {
	var req StepPhaseRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid step request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	phase, err := run.ParsePhase(req.Phase)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	status, err := s.engine.StepPhase(c.Request().Context(), c.Param("id"), phase)
	if err != nil {
		return s.engineError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

// engineError maps engine sentinel errors onto HTTP status codes.
func (s *Server) engineError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, engine.ErrRunNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrRunActive), errors.Is(err, engine.ErrRunNotPaused):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		s.logger.Error(c.Request().Context(), "request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
