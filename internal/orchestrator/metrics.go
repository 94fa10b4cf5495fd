package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the solving pipeline.
type Metrics struct {
	SolveTotal             *prometheus.CounterVec
	StageDuration          *prometheus.HistogramVec
	VerificationConfidence *prometheus.HistogramVec
}

// NewMetrics registers the pipeline metrics once per process.
//
// Metrics:
//   - mathmentor_solve_total{status}
//   - mathmentor_stage_duration_seconds{stage}
//   - mathmentor_verification_confidence{path}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			SolveTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "mathmentor_solve_total",
					Help: "Total solve requests by terminal status",
				},
				[]string{"status"}, // success, needs_review, error
			),
			StageDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "mathmentor_stage_duration_seconds",
					Help:    "Duration of each pipeline stage in seconds",
					Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
				},
				[]string{"stage"},
			),
			VerificationConfidence: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "mathmentor_verification_confidence",
					Help:    "Verifier confidence by verification path",
					Buckets: []float64{0.4, 0.5, 0.6, 0.7, 0.75, 0.8, 0.85, 0.9, 0.95, 0.98, 1},
				},
				[]string{"path"},
			),
		}
	})
	return globalMetrics
}
