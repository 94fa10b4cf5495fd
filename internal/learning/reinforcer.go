// Package learning derives strategy weights, solution patterns and solving
// hints from feedback history.
//
// Weights are keyed by (category, problem type) and accumulate +1.0 for each
// correct outcome and -0.5 for each incorrect or partial one. Patterns share
// the key and record the structure and steps of solutions users confirmed,
// plus the structure corrections showed was missing. Both are a cache: Load
// rebuilds them from the feedback store at any time.
package learning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/mathmentor/internal/feedback"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("mathmentor.learning")

// Outcome deltas and thresholds.
const (
	CorrectDelta   = 1.0
	IncorrectDelta = -0.5

	lowWeight  = -2.0
	highWeight = 5.0
	biasMargin = 0.1

	doubleCheckStep = "Double-check each step"
)

// Source is the slice of the feedback store the reinforcer reads.
type Source interface {
	History(ctx context.Context) ([]problem.Interaction, error)
	Since(ctx context.Context, t time.Time) ([]problem.Interaction, error)
	Comments(ctx context.Context, category problem.Category, types []problem.FeedbackType, limit int) ([]feedback.Comment, error)
	FindSimilar(ctx context.Context, text string, k int, filter map[string]string) ([]feedback.Similar, error)
	StatsByCategory(ctx context.Context) ([]feedback.CategoryStats, error)
	RecurringComments(ctx context.Context, minCount, limit int) ([]feedback.RecurringComment, error)
}

// Options configures a Reinforcer.
type Options struct {
	PitfallLimit int
	SimilarK     int
}

type weightKey struct {
	category problem.Category
	typ      ProblemType
}

// snapshot is never mutated after it is published.
type snapshot struct {
	weights  map[weightKey]float64
	patterns map[weightKey]*pattern
	loadedAt time.Time
}

func emptySnapshot() *snapshot {
	return &snapshot{weights: map[weightKey]float64{}, patterns: map[weightKey]*pattern{}}
}

// Hints is the learned guidance for one problem.
type Hints struct {
	ProblemType      ProblemType        `json:"problem_type"`
	Strategy         string             `json:"strategy"`
	RecommendedSteps []string           `json:"recommended_steps"`
	Pitfalls         []string           `json:"pitfalls"`
	SimilarSolved    []feedback.Similar `json:"similar_solved"`
	Weight           float64            `json:"weight"`
	ConfidenceBias   float64            `json:"confidence_bias"`

	// ExpectedStructure and LearnedSteps come from confirmed solutions of
	// the same kind; Corrections from what corrected solutions added.
	ExpectedStructure []string `json:"expected_structure"`
	LearnedSteps      []string `json:"learned_steps"`
	Corrections       []string `json:"corrections"`
}

// Reinforcer holds the strategy weight table. Reads are lock-free; writes are
// serialized and publish a fresh snapshot.
type Reinforcer struct {
	source Source
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// NewReinforcer creates a Reinforcer with an empty weight table. Call Load to
// seed it from history.
func NewReinforcer(source Source, opts Options, logger *zap.Logger) (*Reinforcer, error) {
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PitfallLimit <= 0 {
		opts.PitfallLimit = 5
	}
	if opts.SimilarK <= 0 {
		opts.SimilarK = 3
	}
	r := &Reinforcer{source: source, opts: opts, logger: logger, now: time.Now}
	r.snap.Store(emptySnapshot())
	return r, nil
}

// Load rebuilds the weight table and solution patterns from every
// interaction with feedback.
func (r *Reinforcer) Load(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Reinforcer.Load")
	defer span.End()

	history, err := r.source.History(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("loading feedback history: %w", err)
	}

	next := emptySnapshot()
	for i := range history {
		in := &history[i]
		delta, ok := outcomeDelta(in.Feedback)
		if !ok {
			continue
		}
		key := weightKey{in.Problem.Category, ClassifyProblemType(in.Problem.Text)}
		next.weights[key] += delta

		p := next.patterns[key]
		if p == nil {
			p = newPattern()
		}
		if p.learn(in, in.Feedback) {
			next.patterns[key] = p
		}
	}
	next.loadedAt = r.now()

	r.mu.Lock()
	r.snap.Store(next)
	r.mu.Unlock()

	span.SetAttributes(
		attribute.Int("interactions", len(history)),
		attribute.Int("keys", len(next.weights)),
		attribute.Int("patterns", len(next.patterns)),
	)
	r.logger.Info("strategy weights loaded",
		zap.Int("interactions", len(history)),
		zap.Int("keys", len(next.weights)),
		zap.Int("patterns", len(next.patterns)),
	)
	return nil
}

// WeightFor returns the cached weight for a (category, problem type) pair.
func (r *Reinforcer) WeightFor(category problem.Category, typ ProblemType) float64 {
	return r.snap.Load().weights[weightKey{category, typ}]
}

// RecordOutcome adjusts one weight and publishes a new snapshot.
func (r *Reinforcer) RecordOutcome(category problem.Category, typ ProblemType, success bool) {
	delta := IncorrectDelta
	if success {
		delta = CorrectDelta
	}

	r.update(weightKey{category, typ}, delta, nil, "")

	r.logger.Debug("strategy outcome recorded",
		zap.String("category", category.String()),
		zap.String("problem_type", string(typ)),
		zap.Bool("success", success),
		zap.Float64("weight", r.WeightFor(category, typ)),
	)
}

// Observe records the outcome implied by feedback on an interaction and
// learns from its solution, or from the corrected solution when the
// feedback is incorrect. Feedback of type none is ignored.
func (r *Reinforcer) Observe(in *problem.Interaction, ft problem.FeedbackType) {
	delta, ok := outcomeDelta(ft)
	if !ok {
		return
	}
	r.update(weightKey{in.Problem.Category, ClassifyProblemType(in.Problem.Text)}, delta, in, ft)
}

// update publishes a snapshot with delta applied to key and, when in is
// set, the interaction folded into the key's pattern.
func (r *Reinforcer) update(key weightKey, delta float64, in *problem.Interaction, ft problem.FeedbackType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	next := &snapshot{
		weights:  make(map[weightKey]float64, len(cur.weights)+1),
		patterns: cur.patterns,
		loadedAt: cur.loadedAt,
	}
	for k, v := range cur.weights {
		next.weights[k] = v
	}
	next.weights[key] += delta

	if in != nil {
		p := newPattern()
		if old := cur.patterns[key]; old != nil {
			p = old.clone()
		}
		if p.learn(in, ft) {
			next.patterns = make(map[weightKey]*pattern, len(cur.patterns)+1)
			for k, v := range cur.patterns {
				next.patterns[k] = v
			}
			next.patterns[key] = p
		}
	}
	r.snap.Store(next)
}

// HintsFor builds hints for a problem. Steps, learned patterns, weight and
// bias come from the cache and are always set; pitfalls and similar problems
// need the store and are left empty if it fails, with the failure returned
// alongside.
func (r *Reinforcer) HintsFor(ctx context.Context, rec problem.Record) (Hints, error) {
	ctx, span := tracer.Start(ctx, "Reinforcer.HintsFor")
	defer span.End()

	typ := ClassifyProblemType(rec.Text)
	strategy := StrategyFor(rec.Category, typ)
	snap := r.snap.Load()
	key := weightKey{rec.Category, typ}
	weight := snap.weights[key]

	hints := Hints{
		ProblemType:       typ,
		Strategy:          strategy.Primary,
		RecommendedSteps:  strategy.Steps,
		Pitfalls:          []string{},
		SimilarSolved:     []feedback.Similar{},
		Weight:            weight,
		ExpectedStructure: []string{},
		LearnedSteps:      []string{},
		Corrections:       []string{},
	}
	if p := snap.patterns[key]; p != nil {
		hints.ExpectedStructure = p.expectedStructure()
		hints.LearnedSteps = p.learnedSteps()
		for _, e := range p.missingElements() {
			hints.Corrections = append(hints.Corrections, missingNote(e))
		}
	}
	switch {
	case weight < lowWeight:
		hints.RecommendedSteps = append(hints.RecommendedSteps, doubleCheckStep)
		hints.ConfidenceBias = -biasMargin
	case weight > highWeight:
		hints.ConfidenceBias = biasMargin
	}
	span.SetAttributes(
		attribute.String("problem_type", string(typ)),
		attribute.Float64("weight", weight),
		attribute.Int("learned_steps", len(hints.LearnedSteps)),
	)

	var errs []error
	comments, err := r.source.Comments(ctx, rec.Category,
		[]problem.FeedbackType{problem.FeedbackIncorrect, problem.FeedbackPartial}, r.opts.PitfallLimit)
	if err != nil {
		errs = append(errs, fmt.Errorf("loading pitfalls: %w", err))
	}
	for _, c := range comments {
		hints.Pitfalls = append(hints.Pitfalls, c.Comment)
	}

	similar, err := r.source.FindSimilar(ctx, rec.Text, r.opts.SimilarK,
		map[string]string{feedback.MetaFeedback: string(problem.FeedbackCorrect)})
	if err != nil {
		errs = append(errs, fmt.Errorf("finding similar solved problems: %w", err))
	} else {
		hints.SimilarSolved = similar
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		span.RecordError(err)
		return hints, err
	}
	return hints, nil
}

func outcomeDelta(ft problem.FeedbackType) (float64, bool) {
	switch ft {
	case problem.FeedbackCorrect:
		return CorrectDelta, true
	case problem.FeedbackIncorrect, problem.FeedbackPartial:
		return IncorrectDelta, true
	default:
		return 0, false
	}
}
