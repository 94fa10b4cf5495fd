package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/mathmentor/internal/events"
	"github.com/fyrsmithlabs/mathmentor/internal/learning"
	"github.com/fyrsmithlabs/mathmentor/internal/oracle"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("mathmentor.orchestrator")

// Stage names, in pipeline order.
const (
	StageParse    = "parse"
	StagePlan     = "plan"
	StageRetrieve = "retrieve"
	StageSolve    = "solve"
	StageVerify   = "verify"
	StageGate     = "gate"
	StageExplain  = "explain"
	StagePersist  = "persist"
)

// Retriever supplies reference material.
type Retriever interface {
	Retrieve(ctx context.Context, rec problem.Record, k int) ([]problem.Chunk, error)
	RetrieveForVerification(ctx context.Context, rec problem.Record) (problem.VerificationContext, error)
}

// Verifier judges a solution.
type Verifier interface {
	Verify(ctx context.Context, rec problem.Record, sol problem.Solution, vctx problem.VerificationContext) (problem.Verification, error)
}

// HintProvider supplies learned guidance for the solve stage.
type HintProvider interface {
	HintsFor(ctx context.Context, rec problem.Record) (learning.Hints, error)
}

// InteractionRecorder persists finished requests.
type InteractionRecorder interface {
	Persist(ctx context.Context, in problem.Interaction) (int64, error)
}

// SolvedPublisher announces persisted requests.
type SolvedPublisher interface {
	PublishSolved(ctx context.Context, ev events.SolvedEvent) error
}

// Deps are the collaborators of an Orchestrator. Oracle, Retriever and
// Verifier are required.
type Deps struct {
	Oracle    oracle.Completer
	Retriever Retriever
	Verifier  Verifier
	Hints     HintProvider
	Recorder  InteractionRecorder
	Events    SolvedPublisher
}

// Options tune the pipeline.
type Options struct {
	// ConfidenceThreshold gates algebra and linear algebra results.
	ConfidenceThreshold float64
	TopK                int
	// StageTimeout bounds each stage. Zero means no bound beyond ctx.
	StageTimeout time.Duration
	Metrics      *Metrics
}

// Orchestrator runs Parse, Plan, Retrieve, Solve, Verify and Explain for one
// problem at a time. It is safe for concurrent use; all per-request state
// lives in the request.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
	now    func() time.Time
}

// New creates an Orchestrator.
func New(deps Deps, opts Options, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Oracle == nil {
		return nil, fmt.Errorf("oracle cannot be nil")
	}
	if deps.Retriever == nil {
		return nil, fmt.Errorf("retriever cannot be nil")
	}
	if deps.Verifier == nil {
		return nil, fmt.Errorf("verifier cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = 0.80
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	return &Orchestrator{deps: deps, opts: opts, logger: logger, now: time.Now}, nil
}

// request is the mutable state of one Solve call.
type request struct {
	o      *Orchestrator
	ctx    context.Context
	raw    string
	result problem.Result
	chunks []problem.Chunk
	hints  *learning.Hints
}

// errCancelled aborts a run whose caller went away.
var errCancelled = errors.New("request cancelled")

// Solve runs the pipeline. It never returns an error: failures are reported
// through the result's status.
func (o *Orchestrator) Solve(ctx context.Context, text string) (res problem.Result) {
	ctx, span := tracer.Start(ctx, "Orchestrator.Solve")
	defer span.End()

	r := &request{o: o, ctx: ctx, raw: text}
	r.result.Traces = []problem.Trace{}

	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("pipeline panicked",
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			r.result.Status = problem.StatusError
			r.result.ErrorMessage = fmt.Sprintf("internal error: %v", p)
			res = r.result
		}
		span.SetAttributes(attribute.String("status", string(res.Status)))
		if o.opts.Metrics != nil {
			o.opts.Metrics.SolveTotal.WithLabelValues(string(res.Status)).Inc()
		}
		o.logger.Info("solve finished",
			zap.String("status", string(res.Status)),
			zap.String("topic", res.Problem.Category.String()),
			zap.Int("stages", len(res.Traces)),
			zap.Int64("interaction_id", res.InteractionID),
		)
	}()

	err := r.run()
	switch {
	case errors.Is(err, errCancelled):
		r.result.Status = problem.StatusError
		r.result.ErrorMessage = ctx.Err().Error()
		r.result.Traces = nil
	case err != nil:
		span.RecordError(err)
		r.result.Status = problem.StatusError
		r.result.ErrorMessage = err.Error()
	}
	return r.result
}

func (r *request) run() error {
	if !r.parse() {
		return r.cancelled()
	}
	if err := r.cancelled(); err != nil {
		return err
	}

	r.plan()
	if err := r.cancelled(); err != nil {
		return err
	}

	if err := r.retrieve(); err != nil {
		return err
	}
	if err := r.solve(); err != nil {
		return err
	}
	if r.result.Solution.MethodTag == MethodBackpressure {
		r.hold(ReasonNoReference)
		r.persist()
		return nil
	}
	if err := r.verify(); err != nil {
		return err
	}

	if r.gate() {
		r.explain()
		if err := r.cancelled(); err != nil {
			return err
		}
		r.result.Status = problem.StatusSuccess
	}
	r.persist()
	return nil
}

// cancelled reports errCancelled once the caller's context is done.
func (r *request) cancelled() error {
	if r.ctx.Err() != nil {
		return errCancelled
	}
	return nil
}

// stage runs fn with a trace entry and an optional per-stage timeout.
func (r *request) stage(name string, fn func(ctx context.Context) (problem.TraceStatus, string, error)) error {
	ctx, span := tracer.Start(r.ctx, "stage."+name)
	defer span.End()
	if r.o.opts.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.o.opts.StageTimeout)
		defer cancel()
	}

	start := r.o.now()
	r.result.Traces = append(r.result.Traces, problem.Trace{
		StageName: name,
		StartedAt: start,
		Status:    problem.TraceRunning,
	})
	i := len(r.result.Traces) - 1

	status, summary, err := fn(ctx)
	if err != nil {
		status = problem.TraceFailed
		summary = err.Error()
		span.RecordError(err)
	}
	r.result.Traces[i].Status = status
	r.result.Traces[i].Summary = summary
	r.result.Traces[i].CompletedAt = r.o.now()

	if r.o.opts.Metrics != nil {
		r.o.opts.Metrics.StageDuration.WithLabelValues(name).Observe(r.result.Traces[i].Duration().Seconds())
	}
	r.o.logger.Debug("stage finished",
		zap.String("stage", name),
		zap.String("status", string(status)),
		zap.Duration("duration", r.result.Traces[i].Duration()),
	)

	if err != nil {
		if r.ctx.Err() != nil {
			return errCancelled
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// needsReview ends the request for human review.
func (r *request) needsReview(reason string) {
	r.result.Status = problem.StatusNeedsReview
	r.result.HITLReason = reason
}

// parse validates locally and then structures the problem. It returns false
// when the request ended in this stage.
func (r *request) parse() bool {
	err := r.stage(StageParse, func(ctx context.Context) (problem.TraceStatus, string, error) {
		if reason := validateInput(r.raw); reason != "" {
			rec := problem.NewRecord(r.raw, problem.CategoryUnknown, nil, clarificationConfidence)
			rec.NeedsClarification = true
			rec.ClarificationNote = reason
			r.result.Problem = rec
			r.needsReview(reason)
			return problem.TraceNeedsReview, reason, nil
		}

		reply, err := r.o.deps.Oracle.Complete(ctx, parsePrompt(r.raw))
		if err != nil {
			r.result.Problem = localRecord(r.raw)
			return "", "", fmt.Errorf("oracle parse: %w", err)
		}
		rec, structured := recordFromReply(r.raw, reply)
		r.result.Problem = rec
		if rec.NeedsClarification {
			r.needsReview(rec.ClarificationNote)
			return problem.TraceNeedsReview, rec.ClarificationNote, nil
		}

		summary := fmt.Sprintf("topic=%s variables=%v confidence=%.2f", rec.Category, rec.Variables, rec.Confidence)
		if !structured {
			summary += " (local fallback)"
		}
		return problem.TraceCompleted, summary, nil
	})
	if err != nil {
		r.fail(err)
		return false
	}
	return r.result.Status == ""
}

// fail records a stage error that ends the request.
func (r *request) fail(err error) {
	if errors.Is(err, errCancelled) {
		return
	}
	r.result.Status = problem.StatusError
	r.result.ErrorMessage = err.Error()
}

func (r *request) plan() {
	_ = r.stage(StagePlan, func(ctx context.Context) (problem.TraceStatus, string, error) {
		plan := problem.DefaultPlan()
		reply, err := r.o.deps.Oracle.Complete(ctx, planPrompt(r.result.Problem))
		if err != nil {
			r.o.logger.Warn("planner unavailable, using default plan", zap.Error(err))
		} else {
			plan = planFromReply(reply)
		}
		r.result.Plan = &plan
		if plan.Default {
			return problem.TraceCompleted, "default plan", nil
		}
		return problem.TraceCompleted, fmt.Sprintf("problem_type=%s steps=%d", plan.ProblemType, len(plan.StrategySteps)), nil
	})
}

func (r *request) retrieve() error {
	return r.stage(StageRetrieve, func(ctx context.Context) (problem.TraceStatus, string, error) {
		chunks, err := r.o.deps.Retriever.Retrieve(ctx, r.result.Problem, r.o.opts.TopK)
		if err != nil {
			return "", "", fmt.Errorf("retrieving reference material: %w", err)
		}
		r.chunks = chunks
		if len(chunks) == 0 {
			return problem.TraceCompleted, "no chunk cleared the relevance floor", nil
		}
		return problem.TraceCompleted, fmt.Sprintf("%d chunks, top relevance %.2f", len(chunks), chunks[0].RelevanceScore), nil
	})
}

func (r *request) solve() error {
	return r.stage(StageSolve, func(ctx context.Context) (problem.TraceStatus, string, error) {
		if len(r.chunks) == 0 {
			r.result.Solution = &problem.Solution{
				FinalAnswer: BackpressureAnswer,
				Steps:       []problem.Step{},
				MethodTag:   MethodBackpressure,
				ContextUsed: []string{},
				Confidence:  0,
			}
			return problem.TraceCompleted, "backpressure: " + BackpressureAnswer, nil
		}

		if r.o.deps.Hints != nil {
			hints, err := r.o.deps.Hints.HintsFor(ctx, r.result.Problem)
			if err != nil {
				if ctx.Err() != nil {
					return "", "", err
				}
				r.o.logger.Warn("learning hints incomplete", zap.Error(err))
			}
			r.hints = &hints
		}

		plan := problem.DefaultPlan()
		if r.result.Plan != nil {
			plan = *r.result.Plan
		}
		reply, err := r.o.deps.Oracle.Complete(ctx, solvePrompt(r.result.Problem, plan, r.chunks, r.hints))
		if err != nil {
			return "", "", fmt.Errorf("oracle solve: %w", err)
		}

		steps, answer := parseSolution(reply)
		conf := solveConfidence
		if r.hints != nil {
			conf += r.hints.ConfidenceBias
		}
		used := make([]string, len(r.chunks))
		for i, c := range r.chunks {
			used[i] = c.ID
		}
		r.result.Solution = &problem.Solution{
			FinalAnswer: answer,
			Steps:       steps,
			MethodTag:   MethodStructured,
			ContextUsed: used,
			Confidence:  problem.Clamp01(conf),
		}
		return problem.TraceCompleted, fmt.Sprintf("%d steps, answer: %s", len(steps), answer), nil
	})
}

func (r *request) verify() error {
	return r.stage(StageVerify, func(ctx context.Context) (problem.TraceStatus, string, error) {
		vctx, err := r.o.deps.Retriever.RetrieveForVerification(ctx, r.result.Problem)
		if err != nil {
			if ctx.Err() != nil {
				return "", "", err
			}
			r.o.logger.Warn("verification context unavailable", zap.Error(err))
			vctx = problem.VerificationContext{Mistakes: []problem.Chunk{}, Formulas: []problem.Chunk{}}
		}

		v, err := r.o.deps.Verifier.Verify(ctx, r.result.Problem, *r.result.Solution, vctx)
		if err != nil {
			return "", "", fmt.Errorf("verifying solution: %w", err)
		}
		v.Confidence = problem.Clamp01(v.Confidence)
		r.result.Verification = &v
		if r.o.opts.Metrics != nil {
			r.o.opts.Metrics.VerificationConfidence.WithLabelValues(string(v.Path)).Observe(v.Confidence)
		}
		return problem.TraceCompleted, fmt.Sprintf("path=%s correct=%t confidence=%.2f", v.Path, v.IsCorrect, v.Confidence), nil
	})
}

// gate applies the confidence threshold to gated categories. It returns
// true when the request may proceed to Explain.
func (r *request) gate() bool {
	v := r.result.Verification
	if r.result.Problem.Category.Gated() && v.Confidence < r.o.opts.ConfidenceThreshold {
		r.hold(ReasonLowVerifier)
		return false
	}
	return true
}

// hold ends the request for review and appends a gate trace saying why.
// Completed traces are left as they are.
func (r *request) hold(reason string) {
	r.needsReview(reason)
	now := r.o.now()
	r.result.Traces = append(r.result.Traces, problem.Trace{
		StageName:   StageGate,
		Status:      problem.TraceNeedsReview,
		Summary:     reason,
		StartedAt:   now,
		CompletedAt: now,
	})
}

func (r *request) explain() {
	_ = r.stage(StageExplain, func(ctx context.Context) (problem.TraceStatus, string, error) {
		sol := *r.result.Solution
		reply, err := r.o.deps.Oracle.Complete(ctx, explainPrompt(r.result.Problem, sol))
		var exp problem.Explanation
		if err != nil {
			if ctx.Err() != nil {
				return "", "", err
			}
			r.o.logger.Warn("explainer unavailable, using fallback", zap.Error(err))
			exp = fallbackExplanation(sol)
		} else {
			exp = explanationFromReply(reply, sol)
		}
		r.result.Explanation = &exp
		return problem.TraceCompleted, exp.Summary, nil
	})
}

// persist records the interaction. Failures never change the status.
func (r *request) persist() {
	if r.o.deps.Recorder == nil || r.cancelled() != nil {
		return
	}
	in := problem.Interaction{
		Timestamp:    r.o.now(),
		InputType:    "text",
		RawInput:     r.raw,
		Problem:      r.result.Problem,
		Solution:     r.result.Solution,
		Verification: r.result.Verification,
		Feedback:     problem.FeedbackNone,
	}
	id, err := r.o.deps.Recorder.Persist(r.ctx, in)
	r.result.InteractionID = id
	if err != nil {
		r.result.PersistenceWarning = err.Error()
		r.o.logger.Warn("persisting interaction",
			zap.Int64("interaction_id", id),
			zap.Error(err),
		)
	}
	if id == 0 || r.o.deps.Events == nil {
		return
	}

	ev := events.SolvedEvent{
		InteractionID: id,
		Status:        string(r.result.Status),
		Category:      r.result.Problem.Category,
		Confidence:    in.VerificationScore(),
		Timestamp:     in.Timestamp.UTC(),
	}
	if err := r.o.deps.Events.PublishSolved(r.ctx, ev); err != nil {
		r.o.logger.Warn("publishing solved event", zap.Int64("interaction_id", id), zap.Error(err))
	}
}
