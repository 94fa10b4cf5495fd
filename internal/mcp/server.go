package mcp

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/mathmentor/internal/feedback"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

// Solver runs the pipeline for one problem.
type Solver interface {
	Solve(ctx context.Context, text string) problem.Result
}

// FeedbackStore records and summarizes user feedback.
type FeedbackStore interface {
	RecordFeedback(ctx context.Context, id int64, in feedback.FeedbackInput) error
	Get(ctx context.Context, id int64) (*problem.Interaction, error)
	StatsByCategory(ctx context.Context) ([]feedback.CategoryStats, error)
}

// Learner receives feedback outcomes.
type Learner interface {
	Observe(in *problem.Interaction, ft problem.FeedbackType)
}

// Server exposes the pipeline and the feedback loop as MCP tools.
type Server struct {
	mcp     *mcp.Server
	solver  Solver
	store   FeedbackStore
	learner Learner
	metrics *Metrics
	logger  *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "mathmentor")
	Name string

	// Version is the server version (default: "1.0.0")
	Version string

	// Logger for structured logging
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "mathmentor",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates a new MCP server. The learner is optional.
func NewServer(cfg *Config, solver Solver, store FeedbackStore, learner Learner) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if solver == nil {
		return nil, fmt.Errorf("solver is required")
	}
	if store == nil {
		return nil, fmt.Errorf("feedback store is required")
	}

	s := &Server{
		mcp: mcp.NewServer(
			&mcp.Implementation{
				Name:    cfg.Name,
				Version: cfg.Version,
			},
			nil,
		),
		solver:  solver,
		store:   store,
		learner: learner,
		metrics: NewMetrics(cfg.Logger),
		logger:  cfg.Logger,
	}
	s.registerTools()

	return s, nil
}

// Run serves MCP over stdio until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	return s.Serve(ctx, &mcp.StdioTransport{})
}

// Serve serves MCP over the given transport.
func (s *Server) Serve(ctx context.Context, transport mcp.Transport) error {
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
