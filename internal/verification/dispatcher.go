// Package verification checks a proposed solution using the strategy that
// fits the problem's category.
//
//   - algebra, linear_algebra: substitute the answer back into the equation;
//     when no single-variable equation is present, ask the oracle
//   - probability: bounds check on the answer value, never blocking
//   - calculus, unknown: oracle-judged, with a confidence floor
package verification

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/mathmentor/internal/oracle"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("mathmentor.verification")

// Dispatcher routes verification by category.
type Dispatcher struct {
	oracle oracle.Completer
	logger *zap.Logger
}

// NewDispatcher creates a Dispatcher. The oracle is only used for categories
// without a local check.
func NewDispatcher(o oracle.Completer, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{oracle: o, logger: logger}
}

// Verify checks sol against rec. Only an oracle transport failure is
// returned as an error; malformed oracle output degrades to a fallback.
func (d *Dispatcher) Verify(ctx context.Context, rec problem.Record, sol problem.Solution, vctx problem.VerificationContext) (problem.Verification, error) {
	ctx, span := tracer.Start(ctx, "Dispatcher.Verify")
	defer span.End()
	span.SetAttributes(attribute.String("category", rec.Category.String()))

	v, err := d.dispatch(ctx, rec, sol, vctx)
	if err != nil {
		span.RecordError(err)
		return problem.Verification{}, err
	}
	span.SetAttributes(
		attribute.String("path", string(v.Path)),
		attribute.Bool("is_correct", v.IsCorrect),
		attribute.Float64("confidence", v.Confidence),
	)
	d.logger.Debug("solution verified",
		zap.String("category", rec.Category.String()),
		zap.String("path", string(v.Path)),
		zap.Bool("is_correct", v.IsCorrect),
		zap.Float64("confidence", v.Confidence),
	)
	return v, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, rec problem.Record, sol problem.Solution, vctx problem.VerificationContext) (problem.Verification, error) {
	switch rec.Category {
	case problem.CategoryAlgebra, problem.CategoryLinearAlgebra:
		if v, ok := checkSubstitution(rec.Text, sol.FinalAnswer); ok {
			return v, nil
		}
		return d.judge(ctx, rec, sol, vctx)
	case problem.CategoryProbability:
		return checkBounds(sol.FinalAnswer), nil
	case problem.CategoryCalculus, problem.CategoryUnknown:
		return d.judge(ctx, rec, sol, vctx)
	}
	return d.judge(ctx, rec, sol, vctx)
}

func (d *Dispatcher) judge(ctx context.Context, rec problem.Record, sol problem.Solution, vctx problem.VerificationContext) (problem.Verification, error) {
	if d.oracle == nil {
		return problem.Verification{}, fmt.Errorf("verification: no oracle configured for %s", rec.Category)
	}
	raw, err := d.oracle.Complete(ctx, buildJudgePrompt(rec, sol, vctx))
	if err != nil {
		return problem.Verification{}, fmt.Errorf("oracle verification: %w", err)
	}
	return parseJudgement(raw), nil
}
