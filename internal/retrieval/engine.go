// Package retrieval finds reference material for a problem in the knowledge
// index and loads that index from markdown files.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/mathmentor/internal/embeddings"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"github.com/fyrsmithlabs/mathmentor/internal/resilience"
	"github.com/fyrsmithlabs/mathmentor/internal/vectorstore"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("mathmentor.retrieval")

// Metadata keys written by the Ingester and filtered on by the Engine.
const (
	MetaTopic  = "topic"
	MetaType   = "type"
	MetaSource = "source"
)

// Chunk types used by verification lookups.
const (
	TypeCommonMistakes = "common_mistakes"
	TypeFormula        = "formula"
)

const (
	mistakesK = 3
	formulasK = 5
)

// DefaultRelevanceFloor is used when Options.RelevanceFloor is nil.
const DefaultRelevanceFloor = 0.35

// Options tunes the Engine.
type Options struct {
	Collection     string
	CategoryK      int
	// RelevanceFloor drops chunks scoring below it. Nil selects
	// DefaultRelevanceFloor; zero keeps every match.
	RelevanceFloor *float64
	CacheSize      int
	Policy         resilience.Policy
}

func (o *Options) applyDefaults() {
	if o.Collection == "" {
		o.Collection = "math_kb"
	}
	if o.CategoryK <= 0 {
		o.CategoryK = 2
	}
	if o.RelevanceFloor == nil {
		floor := DefaultRelevanceFloor
		o.RelevanceFloor = &floor
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 256
	}
	o.Policy.ApplyDefaults()
}

// Engine answers similarity queries against the knowledge collection.
//
// Query vectors are cached by query text; results never are, so every call
// sees the current index contents.
type Engine struct {
	index    vectorstore.Index
	embedder embeddings.Embedder
	cache    *lru.Cache[string, []float32]
	opts     Options
	logger   *zap.Logger
}

// NewEngine creates a retrieval engine.
func NewEngine(index vectorstore.Index, embedder embeddings.Embedder, opts Options, logger *zap.Logger) (*Engine, error) {
	if index == nil || embedder == nil {
		return nil, fmt.Errorf("retrieval: index and embedder are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.applyDefaults()

	cache, err := lru.New[string, []float32](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating query cache: %w", err)
	}
	return &Engine{
		index:    index,
		embedder: embedder,
		cache:    cache,
		opts:     opts,
		logger:   logger,
	}, nil
}

// BuildQuery renders the search text for a problem.
func BuildQuery(rec problem.Record) string {
	var b strings.Builder
	b.WriteString(rec.Text)
	b.WriteString("\nTopic: ")
	b.WriteString(rec.Category.String())
	if len(rec.Variables) > 0 {
		b.WriteString("\nVariables: ")
		b.WriteString(strings.Join(rec.Variables, ", "))
	}
	return b.String()
}

// Retrieve returns up to k chunks relevant to rec, most relevant first.
//
// A general search is merged with a search scoped to the problem's category.
// Chunks below the relevance floor are dropped; no matches is an empty slice,
// not an error.
func (e *Engine) Retrieve(ctx context.Context, rec problem.Record, k int) ([]problem.Chunk, error) {
	ctx, span := tracer.Start(ctx, "Engine.Retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("category", rec.Category.String()),
		attribute.Int("k", k),
	)

	if k <= 0 {
		return []problem.Chunk{}, nil
	}

	query := BuildQuery(rec)
	vec, err := e.embed(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	general, err := e.search(ctx, vec, k, nil)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var scoped []problem.Chunk
	if rec.Category.IsKnown() {
		scoped, err = e.search(ctx, vec, e.opts.CategoryK, map[string]string{MetaTopic: rec.Category.String()})
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	out := rank(append(general, scoped...), *e.opts.RelevanceFloor, k)
	span.SetAttributes(attribute.Int("results_count", len(out)))
	e.logger.Debug("retrieved reference material",
		zap.String("category", rec.Category.String()),
		zap.Int("general", len(general)),
		zap.Int("scoped", len(scoped)),
		zap.Int("kept", len(out)),
	)
	return out, nil
}

// RetrieveForVerification gathers common-mistake and formula chunks for the
// problem's topic.
func (e *Engine) RetrieveForVerification(ctx context.Context, rec problem.Record) (problem.VerificationContext, error) {
	ctx, span := tracer.Start(ctx, "Engine.RetrieveForVerification")
	defer span.End()

	topic := rec.Category.String()
	mistakes, err := e.typed(ctx, rec, TypeCommonMistakes, topic+" common mistakes pitfalls", mistakesK)
	if err != nil {
		span.RecordError(err)
		return problem.VerificationContext{}, err
	}
	formulas, err := e.typed(ctx, rec, TypeFormula, topic+" formulas", formulasK)
	if err != nil {
		span.RecordError(err)
		return problem.VerificationContext{}, err
	}
	return problem.VerificationContext{Mistakes: mistakes, Formulas: formulas}, nil
}

func (e *Engine) typed(ctx context.Context, rec problem.Record, chunkType, query string, k int) ([]problem.Chunk, error) {
	vec, err := e.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	filter := map[string]string{MetaType: chunkType}
	if rec.Category.IsKnown() {
		filter[MetaTopic] = rec.Category.String()
	}
	found, err := e.search(ctx, vec, k, filter)
	if err != nil {
		return nil, err
	}
	return rank(found, *e.opts.RelevanceFloor, k), nil
}

func (e *Engine) embed(ctx context.Context, query string) ([]float32, error) {
	if vec, ok := e.cache.Get(query); ok {
		return vec, nil
	}
	vec, err := resilience.Do(ctx, e.opts.Policy, "embed query", func(ctx context.Context) ([]float32, error) {
		return e.embedder.EmbedQuery(ctx, query)
	})
	if err != nil {
		return nil, fmt.Errorf("embedding retrieval query: %w", err)
	}
	e.cache.Add(query, vec)
	return vec, nil
}

func (e *Engine) search(ctx context.Context, vec []float32, k int, filter map[string]string) ([]problem.Chunk, error) {
	results, err := resilience.Do(ctx, e.opts.Policy, "query knowledge index", func(ctx context.Context) ([]vectorstore.SearchResult, error) {
		return e.index.Query(ctx, e.opts.Collection, vec, k, filter)
	})
	if err != nil {
		return nil, fmt.Errorf("searching knowledge index: %w", err)
	}
	chunks := make([]problem.Chunk, len(results))
	for i, r := range results {
		chunks[i] = toChunk(r)
	}
	return chunks, nil
}

func toChunk(r vectorstore.SearchResult) problem.Chunk {
	c := problem.Chunk{
		ID:             r.ID,
		Text:           r.Content,
		SourceID:       r.Metadata[MetaSource],
		Type:           r.Metadata[MetaType],
		RelevanceScore: problem.Clamp01(r.Relevance()),
	}
	if topic := r.Metadata[MetaTopic]; topic != "" {
		c.CategoryTags = []string{topic}
	}
	return c
}

// rank dedupes by text keeping the first occurrence, sorts by descending
// relevance with ties broken by id, drops chunks under floor and truncates to k.
func rank(chunks []problem.Chunk, floor float64, k int) []problem.Chunk {
	seen := make(map[string]struct{}, len(chunks))
	out := make([]problem.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if _, dup := seen[c.Text]; dup {
			continue
		}
		seen[c.Text] = struct{}{}
		if c.RelevanceScore < floor {
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RelevanceScore != out[j].RelevanceScore {
			return out[i].RelevanceScore > out[j].RelevanceScore
		}
		return out[i].ID < out[j].ID
	})

	if len(out) > k {
		out = out[:k]
	}
	return out
}
