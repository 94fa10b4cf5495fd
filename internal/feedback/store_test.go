package feedback

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/mathmentor/internal/embeddings"
	"github.com/fyrsmithlabs/mathmentor/internal/events"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"github.com/fyrsmithlabs/mathmentor/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.FeedbackEvent
	err    error
}

func (p *recordingPublisher) PublishFeedback(_ context.Context, ev events.FeedbackEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) published() []events.FeedbackEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.FeedbackEvent(nil), p.events...)
}

type fixture struct {
	store    *Store
	index    *vectorstore.ChromemIndex
	embedder *embeddings.Fake
	events   *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	index, err := vectorstore.NewChromemIndex(vectorstore.ChromemConfig{}, nil)
	require.NoError(t, err)
	embedder := embeddings.NewFake(64)
	pub := &recordingPublisher{}

	store, err := Open(filepath.Join(t.TempDir(), "data", "memory.db"), index, embedder, Options{Events: pub}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &fixture{store: store, index: index, embedder: embedder, events: pub}
}

func interaction(text string, category problem.Category, answer string, score float64) problem.Interaction {
	return problem.Interaction{
		RawInput: text,
		Problem:  problem.NewRecord(text, category, []string{"x"}, 0.9),
		Solution: &problem.Solution{
			FinalAnswer: answer,
			Steps:       []problem.Step{{Index: 1, Action: "isolate x", Result: answer}},
			MethodTag:   "structured_reasoning",
			Confidence:  0.9,
		},
		Verification: &problem.Verification{
			IsCorrect:   true,
			Confidence:  score,
			Issues:      []string{},
			Suggestions: []string{},
			Path:        problem.PathDeterministic,
		},
	}
}

func TestOpen_RequiresCollaborators(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "m.db"), nil, embeddings.NewFake(8), Options{}, nil)
	assert.Error(t, err)
}

func TestPersist_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := interaction("If 2x + 5 = 13, find x", problem.CategoryAlgebra, "x = 4", 0.98)
	id, err := f.store.Persist(ctx, in)
	require.NoError(t, err)
	assert.Positive(t, id)

	got, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "text", got.InputType)
	assert.Equal(t, in.Problem, got.Problem)
	assert.Equal(t, in.Solution, got.Solution)
	assert.Equal(t, in.Verification, got.Verification)
	assert.Equal(t, problem.FeedbackNone, got.Feedback)
	require.True(t, got.Indexed())
	assert.Equal(t, "interaction_1", *got.EmbeddingID)
	assert.WithinDuration(t, time.Now(), got.Timestamp, time.Minute)

	n, err := f.index.Count(ctx, "interactions")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPersist_EmbeddingFailureLeavesRowPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.embedder.SetError(errors.New("embedding service down"))
	id, err := f.store.Persist(ctx, interaction("Solve 3x = 12", problem.CategoryAlgebra, "x = 4", 0.98))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmbeddingPending)
	assert.Positive(t, id)

	got, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.Indexed())

	pending, err := f.store.PendingEmbeddings(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)

	// Not searchable while pending.
	f.embedder.SetError(nil)
	similar, err := f.store.FindSimilar(ctx, "Solve 3x = 12", 3, nil)
	require.NoError(t, err)
	assert.Empty(t, similar)

	report, err := f.store.Repair(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, RepairReport{Scanned: 1, Repaired: 1, Duration: report.Duration}, report)

	similar, err = f.store.FindSimilar(ctx, "Solve 3x = 12", 3, nil)
	require.NoError(t, err)
	require.Len(t, similar, 1)
	assert.Equal(t, id, similar[0].Interaction.ID)
	assert.Greater(t, similar[0].Relevance, 0.5)

	// A second pass finds nothing to do.
	report, err = f.store.Repair(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)

	n, err := f.index.Count(ctx, "interactions")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRepair_FailureStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.embedder.SetError(errors.New("still down"))
	_, err := f.store.Persist(ctx, interaction("Solve x + 1 = 2", problem.CategoryAlgebra, "x = 1", 0.98))
	require.ErrorIs(t, err, ErrEmbeddingPending)

	report, err := f.store.Repair(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Failed)
	assert.Zero(t, report.Repaired)

	pending, err := f.store.PendingEmbeddings(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestRecordFeedback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.Persist(ctx, interaction("Differentiate x^2", problem.CategoryCalculus, "2x", 0.9))
	require.NoError(t, err)

	err = f.store.RecordFeedback(ctx, id, FeedbackInput{
		Type:              problem.FeedbackIncorrect,
		Comment:           "forgot the constant",
		CorrectedSolution: "2x + 0",
	})
	require.NoError(t, err)

	got, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, problem.FeedbackIncorrect, got.Feedback)
	assert.Equal(t, "forgot the constant", got.FeedbackComment)
	assert.Equal(t, "2x + 0", got.CorrectedSolution)

	// Vector metadata follows the verdict.
	similar, err := f.store.FindSimilar(ctx, "Differentiate x^2", 3, map[string]string{MetaFeedback: "incorrect"})
	require.NoError(t, err)
	require.Len(t, similar, 1)
	assert.Equal(t, id, similar[0].Interaction.ID)

	similar, err = f.store.FindSimilar(ctx, "Differentiate x^2", 3, map[string]string{MetaFeedback: "none"})
	require.NoError(t, err)
	assert.Empty(t, similar)

	pub := f.events.published()
	require.Len(t, pub, 1)
	assert.Equal(t, id, pub[0].InteractionID)
	assert.Equal(t, problem.FeedbackIncorrect, pub[0].Type)
	assert.Equal(t, problem.CategoryCalculus, pub[0].Category)
}

func TestRecordFeedback_PublishFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("nats down")
	ctx := context.Background()

	id, err := f.store.Persist(ctx, interaction("Integrate 2x", problem.CategoryCalculus, "x^2 + C", 0.9))
	require.NoError(t, err)
	require.NoError(t, f.store.RecordFeedback(ctx, id, FeedbackInput{Type: problem.FeedbackCorrect}))
}

func TestRecordFeedback_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.store.RecordFeedback(ctx, 999, FeedbackInput{Type: problem.FeedbackCorrect})
	assert.ErrorIs(t, err, ErrInteractionNotFound)

	id, err := f.store.Persist(ctx, interaction("Solve 2x = 4", problem.CategoryAlgebra, "x = 2", 0.98))
	require.NoError(t, err)
	err = f.store.RecordFeedback(ctx, id, FeedbackInput{Type: "great"})
	assert.ErrorIs(t, err, problem.ErrInvalidFeedback)

	history, err := f.store.History(ctx)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, f.events.published())
}

func TestStatsByCategory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a1, err := f.store.Persist(ctx, interaction("Solve 2x = 4", problem.CategoryAlgebra, "x = 2", 0.98))
	require.NoError(t, err)
	a2, err := f.store.Persist(ctx, interaction("Solve 3x = 9", problem.CategoryAlgebra, "x = 3", 0.40))
	require.NoError(t, err)
	_, err = f.store.Persist(ctx, interaction("P(heads)?", problem.CategoryProbability, "0.5", 0.85))
	require.NoError(t, err)

	require.NoError(t, f.store.RecordFeedback(ctx, a1, FeedbackInput{Type: problem.FeedbackCorrect}))
	require.NoError(t, f.store.RecordFeedback(ctx, a2, FeedbackInput{Type: problem.FeedbackIncorrect, Comment: "wrong"}))

	stats, err := f.store.StatsByCategory(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)

	assert.Equal(t, problem.CategoryAlgebra, stats[0].Category)
	assert.Equal(t, 2, stats[0].Total)
	assert.Equal(t, 1, stats[0].Correct)
	assert.Equal(t, 1, stats[0].Incorrect)
	assert.Zero(t, stats[0].Partial)
	assert.InDelta(t, 0.69, stats[0].AvgVerificationScore, 1e-9)

	assert.Equal(t, problem.CategoryProbability, stats[1].Category)
	assert.Equal(t, 1, stats[1].Total)

	history, err := f.store.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, a1, history[0].ID)
	assert.Equal(t, a2, history[1].ID)
}

func TestComments_NewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.store.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	id, err := f.store.Persist(ctx, interaction("Solve 5x = 10", problem.CategoryAlgebra, "x = 2", 0.98))
	require.NoError(t, err)
	other, err := f.store.Persist(ctx, interaction("d/dx x^3", problem.CategoryCalculus, "3x^2", 0.9))
	require.NoError(t, err)

	require.NoError(t, f.store.RecordFeedback(ctx, id, FeedbackInput{Type: problem.FeedbackIncorrect, Comment: "first"}))
	require.NoError(t, f.store.RecordFeedback(ctx, id, FeedbackInput{Type: problem.FeedbackPartial, Comment: "second"}))
	require.NoError(t, f.store.RecordFeedback(ctx, id, FeedbackInput{Type: problem.FeedbackCorrect, Comment: "third"}))
	require.NoError(t, f.store.RecordFeedback(ctx, id, FeedbackInput{Type: problem.FeedbackIncorrect}))
	require.NoError(t, f.store.RecordFeedback(ctx, other, FeedbackInput{Type: problem.FeedbackIncorrect, Comment: "calc"}))

	comments, err := f.store.Comments(ctx, problem.CategoryAlgebra,
		[]problem.FeedbackType{problem.FeedbackIncorrect, problem.FeedbackPartial}, 5)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, "second", comments[0].Comment)
	assert.Equal(t, "first", comments[1].Comment)
	assert.True(t, comments[0].Timestamp.After(comments[1].Timestamp))

	all, err := f.store.Comments(ctx, problem.CategoryAlgebra, nil, 1)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "third", all[0].Comment)
}

func TestSince(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := interaction("Solve x = 1", problem.CategoryAlgebra, "x = 1", 0.98)
	old.Timestamp = time.Now().Add(-30 * 24 * time.Hour)
	_, err := f.store.Persist(ctx, old)
	require.NoError(t, err)
	recent, err := f.store.Persist(ctx, interaction("Solve x = 2", problem.CategoryAlgebra, "x = 2", 0.98))
	require.NoError(t, err)

	rows, err := f.store.Since(ctx, time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, recent, rows[0].ID)
}

func TestFindSimilar_TopicFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alg, err := f.store.Persist(ctx, interaction("solve linear equation for x", problem.CategoryAlgebra, "x = 1", 0.98))
	require.NoError(t, err)
	_, err = f.store.Persist(ctx, interaction("solve linear equation for x", problem.CategoryLinearAlgebra, "x = 1", 0.98))
	require.NoError(t, err)

	got, err := f.store.FindSimilar(ctx, "solve linear equation", 5, map[string]string{MetaTopic: "algebra"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, alg, got[0].Interaction.ID)

	got, err = f.store.FindSimilar(ctx, "   ", 5, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPersist_ConcurrentWriters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]int64, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := f.store.Persist(ctx, interaction("Solve 2x = 4", problem.CategoryAlgebra, "x = 2", 0.98))
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := map[int64]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	n, err := f.index.Count(ctx, "interactions")
	require.NoError(t, err)
	assert.Equal(t, len(ids), n)
	assert.Zero(t, f.store.locks.size())
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock(1)

	acquired := make(chan struct{})
	go func() {
		u := k.Lock(1)
		close(acquired)
		u()
	}()

	// A different key is independent.
	k.Lock(2)()

	select {
	case <-acquired:
		t.Fatal("second lock on the same key acquired early")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-acquired
	assert.Eventually(t, func() bool { return k.size() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRepairScheduler(t *testing.T) {
	_, err := NewRepairScheduler(nil, zap.NewNop())
	assert.ErrorContains(t, err, "store cannot be nil")

	f := newFixture(t)
	_, err = NewRepairScheduler(f.store, nil)
	assert.ErrorContains(t, err, "logger cannot be nil")

	ctx := context.Background()
	f.embedder.SetError(errors.New("down"))
	_, err = f.store.Persist(ctx, interaction("Solve 4x = 8", problem.CategoryAlgebra, "x = 2", 0.98))
	require.ErrorIs(t, err, ErrEmbeddingPending)
	f.embedder.SetError(nil)

	s, err := NewRepairScheduler(f.store, zap.NewNop(), WithInterval(10*time.Millisecond), WithBatchSize(5))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
	assert.True(t, s.Running())

	assert.Eventually(t, func() bool {
		pending, err := f.store.PendingEmbeddings(ctx, 5)
		return err == nil && len(pending) == 0
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.False(t, s.Running())
}

func TestRecurringComments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.store.Persist(ctx, interaction("Solve 2x = 6", problem.CategoryAlgebra, "x = 3", 0.98))
	require.NoError(t, err)
	for _, c := range []string{"sign error", "sign error", "sign error", "dropped a term", "dropped a term", "once"} {
		require.NoError(t, f.store.RecordFeedback(ctx, id, FeedbackInput{Type: problem.FeedbackIncorrect, Comment: c}))
	}

	got, err := f.store.RecurringComments(ctx, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, []RecurringComment{{"sign error", 3}, {"dropped a term", 2}}, got)
}
