package retrieval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/mathmentor/internal/embeddings"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"github.com/fyrsmithlabs/mathmentor/internal/resilience"
	"github.com/fyrsmithlabs/mathmentor/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedIndex answers queries from a table keyed by the filter's "type" and
// "topic" values and records every call.
type scriptedIndex struct {
	mu      sync.Mutex
	answers map[string][]vectorstore.SearchResult
	calls   []map[string]string
	err     error
}

func filterKey(filter map[string]string) string {
	return filter[MetaType] + "|" + filter[MetaTopic]
}

func (s *scriptedIndex) Upsert(context.Context, string, []vectorstore.Document) error { return nil }

func (s *scriptedIndex) Query(_ context.Context, _ string, _ []float32, k int, filter map[string]string) ([]vectorstore.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, filter)
	if s.err != nil {
		return nil, s.err
	}
	res := s.answers[filterKey(filter)]
	if len(res) > k {
		res = res[:k]
	}
	return res, nil
}

func (s *scriptedIndex) Delete(context.Context, string, ...string) error { return nil }
func (s *scriptedIndex) Count(context.Context, string) (int, error)     { return 0, nil }
func (s *scriptedIndex) Close() error                                   { return nil }

func hit(id, text string, relevance float64, topic string) vectorstore.SearchResult {
	return vectorstore.SearchResult{
		ID:       id,
		Content:  text,
		Metadata: map[string]string{MetaTopic: topic, MetaSource: "notes"},
		Distance: 1 - relevance,
	}
}

func newTestEngine(t *testing.T, idx vectorstore.Index, emb embeddings.Embedder) *Engine {
	t.Helper()
	e, err := NewEngine(idx, emb, Options{}, nil)
	require.NoError(t, err)
	return e
}

func TestBuildQuery(t *testing.T) {
	rec := problem.NewRecord("Solve 2x + 5 = 13", problem.CategoryAlgebra, []string{"x", "y"}, 0.9)
	assert.Equal(t, "Solve 2x + 5 = 13\nTopic: algebra\nVariables: x, y", BuildQuery(rec))

	rec = problem.NewRecord("P(heads)?", problem.CategoryProbability, nil, 0.9)
	assert.Equal(t, "P(heads)?\nTopic: probability", BuildQuery(rec))
}

func TestRetrieve_MergeDedupeFloorSort(t *testing.T) {
	idx := &scriptedIndex{answers: map[string][]vectorstore.SearchResult{
		"|": {
			hit("g1", "linear equations", 0.60, "algebra"),
			hit("g2", "too far", 0.30, "calculus"),
			hit("g3", "quadratic formula", 0.80, "algebra"),
			hit("g0", "tie breaker", 0.60, "algebra"),
		},
		"|algebra": {
			hit("s1", "linear equations", 0.95, "algebra"),
			hit("s2", "isolate the variable", 0.70, "algebra"),
		},
	}}
	e := newTestEngine(t, idx, embeddings.NewFake(8))

	rec := problem.NewRecord("2x + 5 = 13", problem.CategoryAlgebra, []string{"x"}, 0.9)
	chunks, err := e.Retrieve(context.Background(), rec, 5)
	require.NoError(t, err)

	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	// general copy of "linear equations" wins; g2 is under the floor.
	assert.Equal(t, []string{"g3", "s2", "g0", "g1"}, ids)
	for i := 1; i < len(chunks); i++ {
		assert.GreaterOrEqual(t, chunks[i-1].RelevanceScore, chunks[i].RelevanceScore)
	}
	assert.Equal(t, "notes", chunks[0].SourceID)
	assert.Equal(t, []string{"algebra"}, chunks[0].CategoryTags)

	require.Len(t, idx.calls, 2)
	assert.Nil(t, idx.calls[0])
	assert.Equal(t, map[string]string{MetaTopic: "algebra"}, idx.calls[1])
}

func TestRetrieve_RelevanceFloors(t *testing.T) {
	idx := &scriptedIndex{answers: map[string][]vectorstore.SearchResult{
		"|": {
			hit("a", "far", 0.05, "algebra"),
			hit("b", "weak", 0.34, "algebra"),
			hit("c", "edge", 0.50, "algebra"),
			hit("d", "close", 0.72, "algebra"),
			hit("e", "exact", 0.91, "algebra"),
		},
		"|algebra": {
			hit("f", "scoped", 0.36, "algebra"),
			hit("g", "scoped far", 0.10, "algebra"),
		},
	}}
	rec := problem.NewRecord("2x + 5 = 13", problem.CategoryAlgebra, []string{"x"}, 0.9)

	tests := []struct {
		floor float64
		want  int
	}{
		{0, 7},
		{0.35, 4},
		{0.5, 3},
		{0.9, 1},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.floor), func(t *testing.T) {
			floor := tt.floor
			e, err := NewEngine(idx, embeddings.NewFake(8), Options{RelevanceFloor: &floor}, nil)
			require.NoError(t, err)

			chunks, err := e.Retrieve(context.Background(), rec, 10)
			require.NoError(t, err)
			assert.Len(t, chunks, tt.want)
			for i, c := range chunks {
				assert.GreaterOrEqual(t, c.RelevanceScore, tt.floor, c.ID)
				if i > 0 {
					assert.GreaterOrEqual(t, chunks[i-1].RelevanceScore, c.RelevanceScore)
				}
			}
		})
	}

	t.Run("unset uses the default", func(t *testing.T) {
		e := newTestEngine(t, idx, embeddings.NewFake(8))
		chunks, err := e.Retrieve(context.Background(), rec, 10)
		require.NoError(t, err)
		assert.Len(t, chunks, 4)
	})
}

func TestRetrieve_TruncatesToK(t *testing.T) {
	idx := &scriptedIndex{answers: map[string][]vectorstore.SearchResult{
		"|": {
			hit("a", "one", 0.9, "algebra"),
			hit("b", "two", 0.8, "algebra"),
			hit("c", "three", 0.7, "algebra"),
		},
	}}
	e := newTestEngine(t, idx, embeddings.NewFake(8))

	chunks, err := e.Retrieve(context.Background(), problem.NewRecord("x", problem.CategoryUnknown, nil, 1), 2)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "a", chunks[0].ID)
	// unknown category skips the scoped search.
	assert.Len(t, idx.calls, 1)
}

func TestRetrieve_EmptyIsNotAnError(t *testing.T) {
	idx := &scriptedIndex{answers: map[string][]vectorstore.SearchResult{
		"|": {hit("a", "far away", 0.1, "calculus")},
	}}
	e := newTestEngine(t, idx, embeddings.NewFake(8))

	chunks, err := e.Retrieve(context.Background(), problem.NewRecord("d/dx x^2", problem.CategoryCalculus, nil, 1), 5)
	require.NoError(t, err)
	assert.NotNil(t, chunks)
	assert.Empty(t, chunks)
}

func TestRetrieve_CachesQueryEmbedding(t *testing.T) {
	emb := embeddings.NewFake(8)
	e := newTestEngine(t, &scriptedIndex{}, emb)
	rec := problem.NewRecord("2x = 4", problem.CategoryAlgebra, []string{"x"}, 1)

	_, err := e.Retrieve(context.Background(), rec, 5)
	require.NoError(t, err)
	_, err = e.Retrieve(context.Background(), rec, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, emb.Calls())
}

func TestRetrieve_Errors(t *testing.T) {
	emb := embeddings.NewFake(8)
	emb.SetError(errors.New("model missing"))
	e := newTestEngine(t, &scriptedIndex{}, emb)

	_, err := e.Retrieve(context.Background(), problem.NewRecord("2x = 4", problem.CategoryAlgebra, nil, 1), 5)
	assert.ErrorContains(t, err, "model missing")

	e = newTestEngine(t, &scriptedIndex{err: errors.New("index offline")}, embeddings.NewFake(8))
	_, err = e.Retrieve(context.Background(), problem.NewRecord("2x = 4", problem.CategoryAlgebra, nil, 1), 5)
	assert.ErrorContains(t, err, "index offline")
}

// hangingIndex never answers a query until the caller gives up.
type hangingIndex struct {
	scriptedIndex
}

func (h *hangingIndex) Query(ctx context.Context, _ string, _ []float32, _ int, _ map[string]string) ([]vectorstore.SearchResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRetrieve_HangingIndexTimesOut(t *testing.T) {
	e, err := NewEngine(&hangingIndex{}, embeddings.NewFake(8), Options{
		Policy: resilience.Policy{Timeout: 20 * time.Millisecond, MaxTries: 2, InitialBackoff: time.Millisecond},
	}, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = e.Retrieve(context.Background(), problem.NewRecord("2x = 4", problem.CategoryAlgebra, nil, 1), 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, resilience.ErrTransport)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRetrieveForVerification(t *testing.T) {
	idx := &scriptedIndex{answers: map[string][]vectorstore.SearchResult{
		"common_mistakes|algebra": {
			hit("m1", "sign errors when moving terms", 0.7, "algebra"),
			hit("m2", "irrelevant", 0.2, "algebra"),
		},
		"formula|algebra": {hit("f1", "ax + b = c gives x = (c - b)/a", 0.9, "algebra")},
	}}
	e := newTestEngine(t, idx, embeddings.NewFake(8))

	vctx, err := e.RetrieveForVerification(context.Background(), problem.NewRecord("2x + 5 = 13", problem.CategoryAlgebra, nil, 1))
	require.NoError(t, err)
	require.Len(t, vctx.Mistakes, 1)
	assert.Equal(t, "m1", vctx.Mistakes[0].ID)
	require.Len(t, vctx.Formulas, 1)
	assert.Equal(t, "f1", vctx.Formulas[0].ID)

	require.Len(t, idx.calls, 2)
	assert.Equal(t, map[string]string{MetaType: TypeCommonMistakes, MetaTopic: "algebra"}, idx.calls[0])
	assert.Equal(t, map[string]string{MetaType: TypeFormula, MetaTopic: "algebra"}, idx.calls[1])
}

func TestRetrieveForVerification_UnknownTopicUnscoped(t *testing.T) {
	idx := &scriptedIndex{}
	e := newTestEngine(t, idx, embeddings.NewFake(8))

	vctx, err := e.RetrieveForVerification(context.Background(), problem.NewRecord("???", problem.CategoryUnknown, nil, 1))
	require.NoError(t, err)
	assert.Empty(t, vctx.Mistakes)
	assert.Empty(t, vctx.Formulas)
	assert.Equal(t, map[string]string{MetaType: TypeCommonMistakes}, idx.calls[0])
}

func TestParseDocument(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    FrontMatter
		body    string
		wantErr bool
	}{
		{
			name: "front matter",
			in:   "---\ntopic: algebra\ntype: formula\nsource: basics\n---\n# Linear\nax + b = c\n",
			want: FrontMatter{Topic: "algebra", Type: "formula", Source: "basics"},
			body: "# Linear\nax + b = c\n",
		},
		{
			name: "no header",
			in:   "# Just text\n",
			body: "# Just text\n",
		},
		{
			name: "empty header",
			in:   "---\n---\nbody",
			body: "body",
		},
		{
			name: "crlf",
			in:   "---\r\ntopic: calculus\r\n---\r\nd/dx",
			want: FrontMatter{Topic: "calculus"},
			body: "d/dx",
		},
		{
			name:    "unterminated",
			in:      "---\ntopic: algebra\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fm, body, err := ParseDocument([]byte(tt.in))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, fm)
			assert.Equal(t, tt.body, body)
		})
	}
}

func TestChunkID(t *testing.T) {
	id := ChunkID("algebra_basics", "ax + b = c")
	assert.True(t, strings.HasPrefix(id, "algebra_basics_"))
	assert.Len(t, strings.TrimPrefix(id, "algebra_basics_"), 12)
	assert.Equal(t, id, ChunkID("algebra_basics", "ax + b = c"))
	assert.NotEqual(t, id, ChunkID("algebra_basics", "ax - b = c"))
}

func TestIgnoreList(t *testing.T) {
	l := ignoreList{"drafts/", "*.tmp.md", "secret.md"}
	assert.True(t, l.matches("drafts/a.md"))
	assert.True(t, l.matches(filepath.Join("topics", "drafts", "b.md")))
	assert.True(t, l.matches("notes.tmp.md"))
	assert.True(t, l.matches(filepath.Join("deep", "secret.md")))
	assert.False(t, l.matches("algebra.md"))

	assert.Equal(t, "", parseIgnoreLine("# comment"))
	assert.Equal(t, "", parseIgnoreLine("!keep.md"))
	assert.Equal(t, "drafts/", parseIgnoreLine("/drafts/  "))
}

func writeKB(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestIngester_IngestDir(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeKB(t, dir, "algebra.md", "---\ntopic: algebra\ntype: formula\n---\nTo solve ax + b = c subtract b then divide by a.\n")
	writeKB(t, dir, "prob/mistakes.md", "---\ntopic: probability\ntype: common_mistakes\nsource: prob_pitfalls\n---\nCommon mistakes: forgetting that a probability must lie in [0, 1].\n")
	writeKB(t, dir, "drafts/wip.md", "unfinished")
	writeKB(t, dir, "readme.txt", "not markdown")
	writeKB(t, dir, IgnoreFile, "# drafts are private\ndrafts/\n")

	idx, err := vectorstore.NewChromemIndex(vectorstore.ChromemConfig{}, nil)
	require.NoError(t, err)
	in := NewIngester(idx, embeddings.NewFake(16), IngesterOptions{Collection: "math_kb"}, nil)

	report, err := in.IngestDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Files)
	assert.Equal(t, 2, report.Chunks)
	assert.Equal(t, 1, report.Skipped)

	n, err := idx.Count(ctx, "math_kb")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Re-ingesting unchanged files rewrites the same ids.
	_, err = in.IngestDir(ctx, dir)
	require.NoError(t, err)
	n, err = idx.Count(ctx, "math_kb")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Ingested chunks are reachable through the engine with their metadata.
	e := newTestEngine(t, idx, embeddings.NewFake(16))
	floor := 0.01
	e.opts.RelevanceFloor = &floor
	vctx, err := e.RetrieveForVerification(ctx, problem.NewRecord("coin toss", problem.CategoryProbability, nil, 1))
	require.NoError(t, err)
	require.Len(t, vctx.Mistakes, 1)
	assert.Equal(t, "prob_pitfalls", vctx.Mistakes[0].SourceID)
	assert.True(t, strings.HasPrefix(vctx.Mistakes[0].ID, "prob_pitfalls_"))
}

func TestIngester_SplitsLongFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	para := strings.Repeat("The derivative measures instantaneous rate of change. ", 8)
	writeKB(t, dir, "calc.md", "---\ntopic: calculus\n---\n"+para+"\n\n"+para+"\n\n"+para)

	idx, err := vectorstore.NewChromemIndex(vectorstore.ChromemConfig{}, nil)
	require.NoError(t, err)
	in := NewIngester(idx, embeddings.NewFake(16), IngesterOptions{}, nil)

	n, err := in.IngestFile(ctx, filepath.Join(dir, "calc.md"))
	require.NoError(t, err)
	assert.Greater(t, n, 1)
}

func TestIngester_MissingDir(t *testing.T) {
	in := NewIngester(&scriptedIndex{}, embeddings.NewFake(8), IngesterOptions{}, nil)
	_, err := in.IngestDir(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.ErrorContains(t, err, "does not exist")
}

func TestIngester_Watch(t *testing.T) {
	dir := t.TempDir()
	idx, err := vectorstore.NewChromemIndex(vectorstore.ChromemConfig{}, nil)
	require.NoError(t, err)
	in := NewIngester(idx, embeddings.NewFake(16), IngesterOptions{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- in.watch(ctx, dir, 20*time.Millisecond) }()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	writeKB(t, dir, "new.md", "---\ntopic: algebra\n---\nSubstitute the answer back to check it.\n")

	assert.Eventually(t, func() bool {
		n, err := idx.Count(context.Background(), "math_kb")
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}
