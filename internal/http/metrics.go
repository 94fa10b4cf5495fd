package http

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/mathmentor/internal/http"

var latencyBuckets = []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// HTTPMetrics records request traffic and the outcomes the API hands back.
// Any instrument that fails to register stays nil and is skipped.
type HTTPMetrics struct {
	meter  metric.Meter
	logger *zap.Logger

	requests metric.Int64Counter
	latency  metric.Float64Histogram
	inFlight metric.Int64UpDownCounter

	solves    metric.Int64Counter
	feedbacks metric.Int64Counter
}

// NewHTTPMetrics registers the instruments on the global meter provider.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &HTTPMetrics{
		meter:  otel.Meter(httpInstrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *HTTPMetrics) init() {
	m.requests = m.counter("mathmentor.http.requests_total",
		"HTTP requests by method, route and status code.", "{request}")
	m.solves = m.counter("mathmentor.http.solve_outcomes_total",
		"Solve responses by terminal status and topic.", "{result}")
	m.feedbacks = m.counter("mathmentor.http.feedback_total",
		"Accepted feedback submissions by feedback type.", "{feedback}")

	var err error
	m.latency, err = m.meter.Float64Histogram(
		"mathmentor.http.request_duration_seconds",
		metric.WithDescription("HTTP request latency. Solve requests include every oracle round trip."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.inFlight, err = m.meter.Int64UpDownCounter(
		"mathmentor.http.active_requests",
		metric.WithDescription("Requests currently being served."),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create active requests gauge", zap.Error(err))
	}
}

func (m *HTTPMetrics) counter(name, desc, unit string) metric.Int64Counter {
	c, err := m.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	if err != nil {
		m.logger.Warn("failed to create counter", zap.String("name", name), zap.Error(err))
		return nil
	}
	return c
}

// MetricsMiddleware returns an Echo middleware that records request count,
// latency and concurrency per route.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			start := time.Now()
			err := next(c)
			if err != nil {
				// Let the error handler write the status before it is read.
				c.Error(err)
				err = nil
			}

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", routeOf(c)),
				attribute.Int("status", c.Response().Status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return err
		}
	}
}

// RecordSolve counts one solve result.
func (m *HTTPMetrics) RecordSolve(ctx context.Context, res problem.Result) {
	if m == nil || m.solves == nil {
		return
	}
	topic := res.Problem.Category
	if topic == "" {
		topic = problem.CategoryUnknown
	}
	m.solves.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(res.Status)),
		attribute.String("topic", topic.String()),
	))
}

// RecordFeedback counts one accepted feedback submission.
func (m *HTTPMetrics) RecordFeedback(ctx context.Context, ft problem.FeedbackType) {
	if m == nil || m.feedbacks == nil {
		return
	}
	m.feedbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(ft))))
}

// routeOf returns the matched route pattern, so /api/v1/interactions/7/feedback
// and /api/v1/interactions/8/feedback share a series. Unmatched paths
// collapse into one.
func routeOf(c echo.Context) string {
	if p := c.Path(); p != "" {
		return p
	}
	return "unmatched"
}
