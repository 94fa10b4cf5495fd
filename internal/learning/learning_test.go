package learning

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/mathmentor/internal/embeddings"
	"github.com/fyrsmithlabs/mathmentor/internal/feedback"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"github.com/fyrsmithlabs/mathmentor/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newStore(t *testing.T) (*feedback.Store, *embeddings.Fake) {
	t.Helper()
	index, err := vectorstore.NewChromemIndex(vectorstore.ChromemConfig{}, nil)
	require.NoError(t, err)
	emb := embeddings.NewFake(64)
	store, err := feedback.Open(filepath.Join(t.TempDir(), "memory.db"), index, emb, feedback.Options{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, emb
}

func persist(t *testing.T, store *feedback.Store, text string, category problem.Category, ft problem.FeedbackType, comment string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := store.Persist(ctx, problem.Interaction{
		RawInput:     text,
		Problem:      problem.NewRecord(text, category, nil, 0.9),
		Solution:     &problem.Solution{FinalAnswer: "42", MethodTag: "structured_reasoning", Confidence: 0.9},
		Verification: &problem.Verification{IsCorrect: true, Confidence: 0.9, Path: problem.PathOracleJudged},
	})
	require.NoError(t, err)
	if ft != problem.FeedbackNone {
		require.NoError(t, store.RecordFeedback(ctx, id, feedback.FeedbackInput{Type: ft, Comment: comment}))
	}
	return id
}

func TestClassifyProblemType(t *testing.T) {
	tests := []struct {
		text string
		want ProblemType
	}{
		{"If 2x + 5 = 13, find x", TypeSolveEquation},
		{"Solve x^2 - 4 = 0", TypeSolveEquation},
		{"Simplify (x^2 - 1)/(x - 1)", TypeSimplify},
		{"Find the derivative of sin(x)", TypeDifferentiate},
		{"d/dx of x^3", TypeDifferentiate},
		{"Integrate 2x from 0 to 1", TypeIntegrate},
		{"Evaluate 3 + 4 * 2", TypeEvaluate},
		{"Prove that the sum of two even numbers is even", TypeProve},
		{"What is the probability of two heads?", TypeFindProbability},
		{"What is the limit as x approaches 0?", TypeFindLimit},
		{"Compute the determinant", TypeEvaluate},
		{"Determinant of [[1,2],[3,4]]", TypeMatrixOperation},
		{"How many apples are left?", TypeGeneral},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyProblemType(tt.text))
		})
	}
}

func TestStrategyFor(t *testing.T) {
	s := StrategyFor(problem.CategoryAlgebra, TypeSolveEquation)
	assert.Equal(t, "algebraic_manipulation", s.Primary)
	assert.Contains(t, s.Steps, "Verify by substitution")

	// Returned steps are a copy.
	s.Steps[0] = "mutated"
	assert.NotEqual(t, "mutated", StrategyFor(problem.CategoryAlgebra, TypeSolveEquation).Steps[0])

	g := StrategyFor(problem.CategoryProbability, TypeGeneral)
	assert.Contains(t, g.Steps, "Check the result lies in [0, 1]")
}

func TestNewReinforcer_NilSource(t *testing.T) {
	_, err := NewReinforcer(nil, Options{}, nil)
	assert.ErrorContains(t, err, "source cannot be nil")
}

func TestRecordOutcome_Deltas(t *testing.T) {
	store, _ := newStore(t)
	r, err := NewReinforcer(store, Options{}, nil)
	require.NoError(t, err)

	assert.Zero(t, r.WeightFor(problem.CategoryAlgebra, TypeSolveEquation))
	r.RecordOutcome(problem.CategoryAlgebra, TypeSolveEquation, true)
	assert.Equal(t, 1.0, r.WeightFor(problem.CategoryAlgebra, TypeSolveEquation))
	r.RecordOutcome(problem.CategoryAlgebra, TypeSolveEquation, false)
	assert.Equal(t, 0.5, r.WeightFor(problem.CategoryAlgebra, TypeSolveEquation))

	// Other keys are untouched.
	assert.Zero(t, r.WeightFor(problem.CategoryCalculus, TypeSolveEquation))
	assert.Zero(t, r.WeightFor(problem.CategoryAlgebra, TypeSimplify))
}

func TestObserve(t *testing.T) {
	store, _ := newStore(t)
	r, err := NewReinforcer(store, Options{}, nil)
	require.NoError(t, err)

	in := &problem.Interaction{Problem: problem.NewRecord("Integrate x", problem.CategoryCalculus, nil, 0.9)}
	r.Observe(in, problem.FeedbackPartial)
	r.Observe(in, problem.FeedbackNone)
	assert.Equal(t, -0.5, r.WeightFor(problem.CategoryCalculus, TypeIntegrate))
}

func TestLoad_RebuildsFromHistory(t *testing.T) {
	store, _ := newStore(t)
	persist(t, store, "Solve 2x = 4", problem.CategoryAlgebra, problem.FeedbackCorrect, "")
	persist(t, store, "Solve 3x = 9", problem.CategoryAlgebra, problem.FeedbackCorrect, "")
	persist(t, store, "Solve x + 1 = 3", problem.CategoryAlgebra, problem.FeedbackIncorrect, "")
	persist(t, store, "Integrate 2x", problem.CategoryCalculus, problem.FeedbackPartial, "")
	persist(t, store, "Differentiate x^2", problem.CategoryCalculus, problem.FeedbackNone, "")

	r, err := NewReinforcer(store, Options{}, nil)
	require.NoError(t, err)
	r.RecordOutcome(problem.CategoryProbability, TypeFindProbability, true)
	require.NoError(t, r.Load(context.Background()))

	assert.Equal(t, 1.5, r.WeightFor(problem.CategoryAlgebra, TypeSolveEquation))
	assert.Equal(t, -0.5, r.WeightFor(problem.CategoryCalculus, TypeIntegrate))
	assert.Zero(t, r.WeightFor(problem.CategoryCalculus, TypeDifferentiate))
	// Load replaces, it does not merge.
	assert.Zero(t, r.WeightFor(problem.CategoryProbability, TypeFindProbability))
}

func TestHintsFor(t *testing.T) {
	store, _ := newStore(t)
	solved := persist(t, store, "Solve 2x + 1 = 5 for x", problem.CategoryAlgebra, problem.FeedbackCorrect, "")
	persist(t, store, "Solve 4x - 2 = 6 for x", problem.CategoryAlgebra, problem.FeedbackIncorrect, "forgot to divide both sides")
	persist(t, store, "Integrate x", problem.CategoryCalculus, problem.FeedbackIncorrect, "missing constant")

	r, err := NewReinforcer(store, Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, r.Load(context.Background()))

	hints, err := r.HintsFor(context.Background(), problem.NewRecord("Solve 2x + 3 = 7 for x", problem.CategoryAlgebra, []string{"x"}, 0.9))
	require.NoError(t, err)
	assert.Equal(t, TypeSolveEquation, hints.ProblemType)
	assert.Equal(t, "algebraic_manipulation", hints.Strategy)
	assert.Equal(t, 0.5, hints.Weight)
	assert.Zero(t, hints.ConfidenceBias)
	assert.NotContains(t, hints.RecommendedSteps, doubleCheckStep)
	assert.Equal(t, []string{"forgot to divide both sides"}, hints.Pitfalls)
	require.Len(t, hints.SimilarSolved, 1)
	assert.Equal(t, solved, hints.SimilarSolved[0].Interaction.ID)
}

func linearSolution(offset, answer string) *problem.Solution {
	return &problem.Solution{
		Steps: []problem.Step{
			{Index: 1, Principle: "Subtraction property of equality", Action: "Subtract " + offset + " from both sides", Result: "2x = 4"},
			{Index: 2, Principle: "Division property of equality", Action: "Divide both  sides by 2", Result: answer},
		},
		FinalAnswer: answer,
		MethodTag:   "structured_reasoning",
		Confidence:  0.9,
	}
}

func persistWith(t *testing.T, store *feedback.Store, text string, sol *problem.Solution, fb feedback.FeedbackInput) {
	t.Helper()
	ctx := context.Background()
	id, err := store.Persist(ctx, problem.Interaction{
		RawInput: text,
		Problem:  problem.NewRecord(text, problem.CategoryAlgebra, []string{"x"}, 0.9),
		Solution: sol,
	})
	require.NoError(t, err)
	require.NoError(t, store.RecordFeedback(ctx, id, fb))
}

func TestSolutionStructure(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"Let x be the width. Using the area formula, substitute w = 3 and simplify. Therefore x = 3. Check: 3 * 3 = 9.",
			[]string{ElementSetup, ElementMethod, ElementSubstitution, ElementSimplification, ElementConclusion, ElementVerification}},
		{"Divide both sides by 2\nFinal answer: x = 2", []string{ElementMethod, ElementConclusion}},
		{"42", []string{}},
		// "outlet" does not count as "let", nor "bypass" as "by".
		{"outlet bypass", []string{}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SolutionStructure(tt.text), tt.text)
	}
}

func TestLoad_LearnsPatternsFromHistory(t *testing.T) {
	store, _ := newStore(t)
	persistWith(t, store, "Solve 2x + 1 = 5 for x", linearSolution("1", "x = 2"), feedback.FeedbackInput{Type: problem.FeedbackCorrect})
	persistWith(t, store, "Solve 2x + 3 = 7 for x", linearSolution("3", "x = 2"), feedback.FeedbackInput{Type: problem.FeedbackCorrect})
	persistWith(t, store, "Solve 4x - 2 = 6 for x", &problem.Solution{FinalAnswer: "x = 5"}, feedback.FeedbackInput{
		Type:              problem.FeedbackIncorrect,
		Comment:           "wrong answer",
		CorrectedSolution: "Let 4x - 2 = 6. Add 2 to both sides to get 4x = 8, then divide by 4. Check: 4(2) - 2 = 6. Therefore x = 2.",
	})
	// Partial feedback teaches no pattern.
	persistWith(t, store, "Solve 5x = 10 for x", linearSolution("0", "x = 3"), feedback.FeedbackInput{Type: problem.FeedbackPartial})

	r, err := NewReinforcer(store, Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, r.Load(context.Background()))

	hints, err := r.HintsFor(context.Background(), problem.NewRecord("Solve 3x - 1 = 8 for x", problem.CategoryAlgebra, []string{"x"}, 0.9))
	require.NoError(t, err)
	assert.Equal(t, []string{ElementMethod, ElementConclusion}, hints.ExpectedStructure)
	assert.Equal(t, []string{"Divide both sides by 2", "Subtract 1 from both sides", "Subtract 3 from both sides"}, hints.LearnedSteps)
	assert.Equal(t, []string{
		"Name the rule or method applied at each step",
		"State what is given before solving",
		"Check the answer against the original problem",
	}, hints.Corrections)

	// Patterns are per (category, problem type).
	other, err := r.HintsFor(context.Background(), problem.NewRecord("Integrate 2x", problem.CategoryCalculus, nil, 0.9))
	require.NoError(t, err)
	assert.Empty(t, other.ExpectedStructure)
	assert.Empty(t, other.LearnedSteps)
	assert.Empty(t, other.Corrections)
}

func TestObserve_LearnsPatterns(t *testing.T) {
	store, _ := newStore(t)
	r, err := NewReinforcer(store, Options{}, nil)
	require.NoError(t, err)
	rec := problem.NewRecord("Solve 2x + 1 = 5 for x", problem.CategoryAlgebra, []string{"x"}, 0.9)

	before, err := r.HintsFor(context.Background(), rec)
	require.NoError(t, err)
	assert.Empty(t, before.LearnedSteps)

	r.Observe(&problem.Interaction{Problem: rec, Solution: linearSolution("1", "x = 2")}, problem.FeedbackCorrect)
	r.Observe(&problem.Interaction{
		Problem:           rec,
		Solution:          &problem.Solution{FinalAnswer: "x = 3"},
		CorrectedSolution: "Given 2x + 1 = 5, so x = 2.",
	}, problem.FeedbackIncorrect)

	after, err := r.HintsFor(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, 0.5, after.Weight)
	assert.Equal(t, []string{"Divide both sides by 2", "Subtract 1 from both sides"}, after.LearnedSteps)
	assert.Equal(t, []string{"State what is given before solving"}, after.Corrections)
	// Hints already handed out do not change.
	assert.Empty(t, before.LearnedSteps)
}

func TestHintsFor_WeightBias(t *testing.T) {
	store, _ := newStore(t)
	r, err := NewReinforcer(store, Options{}, nil)
	require.NoError(t, err)
	rec := problem.NewRecord("Find the derivative of x^3", problem.CategoryCalculus, nil, 0.9)

	for i := 0; i < 5; i++ {
		r.RecordOutcome(problem.CategoryCalculus, TypeDifferentiate, false)
	}
	hints, err := r.HintsFor(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, -2.5, hints.Weight)
	assert.Equal(t, -0.1, hints.ConfidenceBias)
	assert.Equal(t, doubleCheckStep, hints.RecommendedSteps[len(hints.RecommendedSteps)-1])

	for i := 0; i < 8; i++ {
		r.RecordOutcome(problem.CategoryCalculus, TypeDifferentiate, true)
	}
	hints, err = r.HintsFor(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, 5.5, hints.Weight)
	assert.Equal(t, 0.1, hints.ConfidenceBias)
	assert.NotContains(t, hints.RecommendedSteps, doubleCheckStep)
}

func TestHintsFor_PitfallsCapped(t *testing.T) {
	store, _ := newStore(t)
	id := persist(t, store, "Solve 5x = 10", problem.CategoryAlgebra, problem.FeedbackNone, "")
	for _, c := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		require.NoError(t, store.RecordFeedback(context.Background(), id, feedback.FeedbackInput{Type: problem.FeedbackIncorrect, Comment: c}))
	}

	r, err := NewReinforcer(store, Options{PitfallLimit: 5}, nil)
	require.NoError(t, err)
	hints, err := r.HintsFor(context.Background(), problem.NewRecord("Solve 7x = 14", problem.CategoryAlgebra, nil, 0.9))
	require.NoError(t, err)
	assert.Equal(t, []string{"g", "f", "e", "d", "c"}, hints.Pitfalls)
}

func TestHintsFor_StoreFailureDegrades(t *testing.T) {
	store, emb := newStore(t)
	r, err := NewReinforcer(store, Options{}, nil)
	require.NoError(t, err)

	emb.SetError(errors.New("embedder down"))
	hints, err := r.HintsFor(context.Background(), problem.NewRecord("Solve x = 1", problem.CategoryAlgebra, nil, 0.9))
	require.Error(t, err)
	assert.Equal(t, TypeSolveEquation, hints.ProblemType)
	assert.NotEmpty(t, hints.RecommendedSteps)
	assert.Empty(t, hints.SimilarSolved)
}

func TestReinforcer_ConcurrentReadersAndWriter(t *testing.T) {
	store, _ := newStore(t)
	r, err := NewReinforcer(store, Options{}, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = r.WeightFor(problem.CategoryAlgebra, TypeSolveEquation)
			}
		}()
	}
	for j := 0; j < 100; j++ {
		r.RecordOutcome(problem.CategoryAlgebra, TypeSolveEquation, true)
	}
	wg.Wait()
	assert.Equal(t, 100.0, r.WeightFor(problem.CategoryAlgebra, TypeSolveEquation))
}

func TestStats(t *testing.T) {
	store, _ := newStore(t)
	persist(t, store, "Solve 2x = 4", problem.CategoryAlgebra, problem.FeedbackCorrect, "")
	persist(t, store, "Solve 3x = 9", problem.CategoryAlgebra, problem.FeedbackCorrect, "")
	persist(t, store, "Solve x + 1 = 3", problem.CategoryAlgebra, problem.FeedbackIncorrect, "")

	r, err := NewReinforcer(store, Options{}, nil)
	require.NoError(t, err)
	require.NoError(t, r.Load(context.Background()))

	stats, err := r.Stats(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, stats.Days, 7)
	today := stats.Days[0]
	assert.Equal(t, time.Now().UTC().Format("2006-01-02"), today.Date)
	assert.Equal(t, 2, today.Correct)
	assert.Equal(t, 1, today.Incorrect)
	require.NotNil(t, today.Accuracy)
	assert.InDelta(t, 2.0/3.0, *today.Accuracy, 1e-9)
	assert.Nil(t, stats.Days[6].Accuracy)

	require.Len(t, stats.Topics, 1)
	assert.Equal(t, 3, stats.Topics[0].Total)
	assert.Equal(t, []WeightEntry{{problem.CategoryAlgebra, TypeSolveEquation, 1.5}}, stats.Weights)
	assert.False(t, stats.LoadedAt.IsZero())
}

func TestSuggestKnowledgeBaseUpdates(t *testing.T) {
	store, _ := newStore(t)
	for i := 0; i < 3; i++ {
		persist(t, store, "Find the probability of rain", problem.CategoryProbability, problem.FeedbackIncorrect, "ignored complement rule")
	}
	persist(t, store, "Find the probability of snow", problem.CategoryProbability, problem.FeedbackCorrect, "")
	// Three incorrect but more correct: not a gap.
	for i := 0; i < 3; i++ {
		persist(t, store, "Solve x = 1", problem.CategoryAlgebra, problem.FeedbackIncorrect, "")
	}
	for i := 0; i < 4; i++ {
		persist(t, store, "Solve x = 2", problem.CategoryAlgebra, problem.FeedbackCorrect, "")
	}

	r, err := NewReinforcer(store, Options{}, nil)
	require.NoError(t, err)
	got, err := r.SuggestKnowledgeBaseUpdates(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, SuggestionKnowledgeGap, got[0].Type)
	assert.Equal(t, problem.CategoryProbability, got[0].Topic)
	assert.Equal(t, "high", got[0].Priority)
	assert.Contains(t, got[0].Message, "3 incorrect vs 1 correct")

	assert.Equal(t, SuggestionRecurringMistake, got[1].Type)
	assert.Equal(t, "Recurring feedback (3x): ignored complement rule", got[1].Message)
}
