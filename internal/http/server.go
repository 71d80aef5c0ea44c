// Package http provides the triagegate REST API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/triagegate/internal/audit"
	"github.com/fyrsmithlabs/triagegate/internal/incident"
	"github.com/fyrsmithlabs/triagegate/internal/lifecycle"
	"github.com/fyrsmithlabs/triagegate/internal/pipeline"
)

// Runner runs one incident through the full pipeline.
type Runner interface {
	Run(ctx context.Context, inc incident.Incident) (incident.RunRecord, error)
}

// Controller is the lifecycle surface the API exposes.
type Controller interface {
	Snapshot() lifecycle.Snapshot
	Submit(ctx context.Context, inc incident.Incident) (lifecycle.Item, error)
	Signal(ctx context.Context, id string, intent lifecycle.Intent) (lifecycle.Outcome, error)
}

// Server provides HTTP endpoints for triagegate.
type Server struct {
	echo       *echo.Echo
	runner     Runner
	controller Controller
	auditDir   string
	logger     *zap.Logger
	metrics    *apiMetrics
	config     *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Options wires the server to the rest of the system. Runner is required;
// Controller and AuditDir enable their endpoints.
type Options struct {
	Runner     Runner
	Controller Controller
	AuditDir   string
	Logger     *zap.Logger
	// Meter defaults to the global meter provider.
	Meter  metric.Meter
	Config *Config
}

// NewServer creates a new HTTP server.
func NewServer(opts Options) (*Server, error) {
	if opts.Runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9090,
		}
	}
	logger := opts.Logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	metrics := newAPIMetrics(opts.Meter, logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})
	e.Use(metrics.middleware())

	s := &Server{
		echo:       e,
		runner:     opts.Runner,
		controller: opts.Controller,
		auditDir:   opts.AuditDir,
		logger:     logger,
		metrics:    metrics,
		config:     cfg,
	}
	s.registerRoutes()
	return s, nil
}

// Echo exposes the router so callers can mount extra handlers.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleRun)
	v1.POST("/gate", s.handleGate)
	v1.GET("/metrics/summary", s.handleSummary)
	v1.GET("/incidents", s.handleIncidents)
	v1.POST("/incidents", s.handleSubmit)
	v1.POST("/incidents/:id/signal", s.handleSignal)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleRun runs the pipeline synchronously and returns the run record.
func (s *Server) handleRun(c echo.Context) error {
	var inc incident.Incident
	if err := c.Bind(&inc); err != nil {
		s.logger.Warn("invalid run request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := inc.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	rec, err := s.runner.Run(c.Request().Context(), inc)
	if err != nil {
		s.logger.Error("pipeline run failed", zap.String("incident_id", inc.ID), zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "pipeline run failed")
	}
	s.metrics.decision(c.Request().Context(), "runs", string(rec.Gate.Decision))
	return c.JSON(http.StatusOK, rec)
}

// handleGate replays the context selector and the gate over supplied
// stage outputs. It never calls the agent or the evidence store.
func (s *Server) handleGate(c echo.Context) error {
	var req GateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Stress.ClaimEvidence) != len(req.Plan.KeyClaims) {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("claim_evidence has %d entries for %d key claims",
				len(req.Stress.ClaimEvidence), len(req.Plan.KeyClaims)))
	}

	cd := pipeline.Compress(req.Incident, req.Plan, req.Stress, req.UCurveMagnitude)
	gate := pipeline.Gate(req.Plan, req.Stress, cd)
	s.metrics.decision(c.Request().Context(), "gate", string(gate.Decision))
	return c.JSON(http.StatusOK, GateResponse{Compress: cd, Gate: gate})
}

func (s *Server) handleSummary(c echo.Context) error {
	if s.auditDir == "" {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "audit directory not configured")
	}
	sum, err := audit.SummarizeDir(s.auditDir)
	if err != nil {
		s.logger.Error("summarizing audit log", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read metrics")
	}
	return c.JSON(http.StatusOK, sum)
}

func (s *Server) handleIncidents(c echo.Context) error {
	if s.controller == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "lifecycle controller not running")
	}
	return c.JSON(http.StatusOK, s.controller.Snapshot())
}

func (s *Server) handleSubmit(c echo.Context) error {
	if s.controller == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "lifecycle controller not running")
	}
	var inc incident.Incident
	if err := c.Bind(&inc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	item, err := s.controller.Submit(c.Request().Context(), inc)
	switch {
	case errors.Is(err, incident.ErrInvalidIncident):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrDuplicate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to queue incident")
	}
	return c.JSON(http.StatusAccepted, item)
}

// handleSignal applies an operator command to a pending incident. The
// text is classified exactly as a chat reply would be.
func (s *Server) handleSignal(c echo.Context) error {
	if s.controller == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "lifecycle controller not running")
	}
	var req SignalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	intent := lifecycle.Classify(req.Text)
	if intent == lifecycle.IntentNone {
		return echo.NewHTTPError(http.StatusBadRequest, "text carries no approval or override")
	}

	id := c.Param("id")
	outcome, err := s.controller.Signal(c.Request().Context(), id, intent)
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, lifecycle.ErrNotPending):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error("applying signal", zap.String("incident_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to apply signal")
	}
	s.metrics.signal(c.Request().Context(), intent.String(), string(outcome))
	return c.JSON(http.StatusOK, SignalResponse{ID: id, Intent: intent.String(), Outcome: string(outcome)})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
