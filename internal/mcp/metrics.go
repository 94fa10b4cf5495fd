package mcp

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/mathmentor/internal/feedback"
	"github.com/fyrsmithlabs/mathmentor/internal/oracle"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"github.com/fyrsmithlabs/mathmentor/internal/resilience"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/mathmentor/internal/mcp"

const outcomeOK = "ok"

// Metrics records tool traffic and solve outcomes.
type Metrics struct {
	meter  metric.Meter
	logger *zap.Logger

	calls      metric.Int64Counter
	duration   metric.Float64Histogram
	inFlight   metric.Int64UpDownCounter
	solves     metric.Int64Counter
	confidence metric.Float64Histogram
}

// NewMetrics registers the instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		meter:  otel.Meter(instrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *Metrics) init() {
	var err error
	warn := func(what string) {
		if err != nil {
			m.logger.Warn("failed to create "+what, zap.Error(err))
		}
	}

	m.calls, err = m.meter.Int64Counter("mathmentor.mcp.tool.calls_total",
		metric.WithDescription("Tool calls by tool and outcome; outcome is ok or an error reason."),
		metric.WithUnit("{call}"))
	warn("calls counter")

	m.duration, err = m.meter.Float64Histogram("mathmentor.mcp.tool.duration_seconds",
		metric.WithDescription("Tool call latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.25, 1, 2.5, 5, 10, 30, 60))
	warn("duration histogram")

	m.inFlight, err = m.meter.Int64UpDownCounter("mathmentor.mcp.tool.active_requests",
		metric.WithDescription("Tool calls currently running."),
		metric.WithUnit("{call}"))
	warn("active requests gauge")

	m.solves, err = m.meter.Int64Counter("mathmentor.mcp.solve.results_total",
		metric.WithDescription("solve_problem results by terminal status."),
		metric.WithUnit("{result}"))
	warn("solve results counter")

	m.confidence, err = m.meter.Float64Histogram("mathmentor.mcp.solve.confidence",
		metric.WithDescription("Verifier confidence of verified solve_problem results, by verification path."),
		metric.WithExplicitBucketBoundaries(0.4, 0.5, 0.6, 0.7, 0.75, 0.8, 0.85, 0.9, 0.95, 1))
	warn("confidence histogram")
}

// Track marks a tool call as started. The returned func records its outcome
// and must be called exactly once.
func (m *Metrics) Track(ctx context.Context, tool string) func(err error) {
	start := time.Now()
	toolAttr := attribute.String("tool", tool)
	if m.inFlight != nil {
		m.inFlight.Add(ctx, 1, metric.WithAttributes(toolAttr))
	}
	return func(err error) {
		if m.inFlight != nil {
			m.inFlight.Add(ctx, -1, metric.WithAttributes(toolAttr))
		}
		if m.duration != nil {
			m.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(toolAttr))
		}
		if m.calls != nil {
			outcome := outcomeOK
			if err != nil {
				outcome = categorizeError(err)
			}
			m.calls.Add(ctx, 1, metric.WithAttributes(toolAttr, attribute.String("outcome", outcome)))
		}
	}
}

// RecordSolve counts a pipeline result returned through solve_problem.
func (m *Metrics) RecordSolve(ctx context.Context, res problem.Result) {
	if m.solves != nil {
		m.solves.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(res.Status))))
	}
	if v := res.Verification; v != nil && m.confidence != nil {
		m.confidence.Record(ctx, v.Confidence, metric.WithAttributes(attribute.String("path", string(v.Path))))
	}
}

// categorizeError maps an error to a low-cardinality reason label.
func categorizeError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, problem.ErrValidation), errors.Is(err, problem.ErrInvalidFeedback):
		return "validation_error"
	case errors.Is(err, feedback.ErrInteractionNotFound):
		return "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, resilience.ErrTransport), errors.Is(err, oracle.ErrUnavailable):
		return "transport_error"
	case errors.Is(err, feedback.ErrPersistence), errors.Is(err, feedback.ErrEmbeddingPending):
		return "storage_error"
	default:
		return "internal_error"
	}
}
