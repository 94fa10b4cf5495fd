// Package http provides the HTTP API for mathmentor.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/mathmentor/internal/feedback"
	"github.com/fyrsmithlabs/mathmentor/internal/learning"
	"github.com/fyrsmithlabs/mathmentor/internal/logging"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Solver runs the pipeline for one problem.
type Solver interface {
	Solve(ctx context.Context, text string) problem.Result
}

// FeedbackStore is the part of the interaction store the API exposes.
type FeedbackStore interface {
	RecordFeedback(ctx context.Context, id int64, in feedback.FeedbackInput) error
	Get(ctx context.Context, id int64) (*problem.Interaction, error)
	StatsByCategory(ctx context.Context) ([]feedback.CategoryStats, error)
	Repair(ctx context.Context, limit int) (feedback.RepairReport, error)
}

// Learner receives feedback outcomes and reports learning progress.
type Learner interface {
	Observe(in *problem.Interaction, ft problem.FeedbackType)
	Stats(ctx context.Context, days int) (learning.Stats, error)
	SuggestKnowledgeBaseUpdates(ctx context.Context) ([]learning.Suggestion, error)
}

// EventSource streams interaction events.
type EventSource interface {
	Subject(id, kind string) string
	Subscribe(subject string, ch chan *nats.Msg) (func(), error)
}

// Deps are the collaborators of a Server. Solver and Store are required.
type Deps struct {
	Solver  Solver
	Store   FeedbackStore
	Learner Learner
	Events  EventSource
}

// Server provides HTTP endpoints for mathmentor.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *zap.Logger
	config  *Config
	metrics *HTTPMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// StatsDays is the window of GET /api/v1/learning/stats when the
	// request does not name one.
	StatsDays int
	// RepairBatch caps POST /api/v1/repair when the request does not.
	RepairBatch int
}

const maxProblemLen = 10_000

// NewServer creates a new HTTP server.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if deps.Solver == nil {
		return nil, fmt.Errorf("solver cannot be nil")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}
	if cfg.StatsDays <= 0 {
		cfg.StatsDays = 7
	}
	if cfg.RepairBatch <= 0 {
		cfg.RepairBatch = 100
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
		RequestIDHandler: func(c echo.Context, id string) {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		},
	}))
	metrics := NewHTTPMetrics(logger)
	e.Use(metrics.MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  logger,
		config:  cfg,
		metrics: metrics,
	}
	s.registerRoutes()

	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/solve", s.handleSolve)
	v1.POST("/interactions/:id/feedback", s.handleFeedback)
	v1.GET("/stats", s.handleStats)
	v1.GET("/learning/stats", s.handleLearningStats)
	v1.GET("/learning/suggestions", s.handleSuggestions)
	v1.POST("/repair", s.handleRepair)
	v1.GET("/events", s.handleEvents)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleSolve runs the pipeline. The terminal status travels in the body;
// only a malformed request is an HTTP error.
func (s *Server) handleSolve(c echo.Context) error {
	var req SolveRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid solve request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Problem) > maxProblemLen {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "problem text too long")
	}

	ctx := c.Request().Context()
	res := s.deps.Solver.Solve(ctx, req.Problem)
	s.metrics.RecordSolve(ctx, res)
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleFeedback(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid interaction id")
	}

	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid feedback request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ft, err := problem.ParseFeedbackType(req.FeedbackType)
	if err != nil || ft == problem.FeedbackNone {
		return echo.NewHTTPError(http.StatusBadRequest, "feedback_type must be one of correct, incorrect, partial")
	}

	ctx := c.Request().Context()
	err = s.deps.Store.RecordFeedback(ctx, id, feedback.FeedbackInput{
		Type:              ft,
		Comment:           req.Comment,
		CorrectedSolution: req.CorrectedSolution,
	})
	switch {
	case errors.Is(err, feedback.ErrInteractionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("interaction %d not found", id))
	case err != nil:
		s.logger.Error("recording feedback", zap.Int64("interaction_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record feedback")
	}
	s.metrics.RecordFeedback(ctx, ft)

	if s.deps.Learner != nil {
		in, err := s.deps.Store.Get(ctx, id)
		if err != nil {
			s.logger.Warn("reloading interaction for learning", zap.Int64("interaction_id", id), zap.Error(err))
		} else {
			s.deps.Learner.Observe(in, ft)
		}
	}

	return c.JSON(http.StatusOK, FeedbackResponse{
		InteractionID: id,
		FeedbackType:  ft,
		Status:        "recorded",
	})
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.deps.Store.StatsByCategory(c.Request().Context())
	if err != nil {
		s.logger.Error("loading feedback stats", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load stats")
	}
	if stats == nil {
		stats = []feedback.CategoryStats{}
	}
	return c.JSON(http.StatusOK, StatsResponse{Topics: stats})
}

func (s *Server) handleLearningStats(c echo.Context) error {
	if s.deps.Learner == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "learning is disabled")
	}
	days, err := intQuery(c, "days", s.config.StatsDays)
	if err != nil {
		return err
	}
	stats, err := s.deps.Learner.Stats(c.Request().Context(), days)
	if err != nil {
		s.logger.Error("loading learning stats", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load learning stats")
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleSuggestions(c echo.Context) error {
	if s.deps.Learner == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "learning is disabled")
	}
	sugs, err := s.deps.Learner.SuggestKnowledgeBaseUpdates(c.Request().Context())
	if err != nil {
		s.logger.Error("building suggestions", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to build suggestions")
	}
	if sugs == nil {
		sugs = []learning.Suggestion{}
	}
	return c.JSON(http.StatusOK, SuggestionsResponse{Suggestions: sugs})
}

func (s *Server) handleRepair(c echo.Context) error {
	var req RepairRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	if req.Limit <= 0 {
		req.Limit = s.config.RepairBatch
	}
	report, err := s.deps.Store.Repair(c.Request().Context(), req.Limit)
	if err != nil {
		s.logger.Error("repair pass failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "repair failed")
	}
	return c.JSON(http.StatusOK, report)
}

func intQuery(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 || v > 365 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("%s must be between 1 and 365", name))
	}
	return v, nil
}

// Handler exposes the router, mostly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
