package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("mathmentor.vectorstore.chromem")

// ChromemConfig holds configuration for the embedded chromem-go index.
type ChromemConfig struct {
	// Path is the directory for persistent storage. Empty means in-memory only.
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool
}

// ChromemIndex implements Index with chromem-go.
//
// chromem normalizes vectors and reports cosine similarity; Query converts it
// to distance.
type ChromemIndex struct {
	db     *chromem.DB
	logger *zap.Logger
}

// NewChromemIndex opens (or creates) a chromem index.
func NewChromemIndex(cfg ChromemConfig, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.Path == "" {
		return &ChromemIndex{db: chromem.NewDB(), logger: logger}, nil
	}

	path, err := expandPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := NewResilientChromemDB(path, cfg.Compress, logger)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	logger.Info("chromem index initialized", zap.String("path", path))
	return &ChromemIndex{db: db, logger: logger}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return filepath.Clean(path), nil
}

// noEmbedding guards against chromem embedding text itself; every document
// and query arrives with a vector.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, ErrMissingEmbedding
}

// Upsert implements Index.
func (c *ChromemIndex) Upsert(ctx context.Context, collection string, docs []Document) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("document_count", len(docs)),
	)

	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	if err := validateDocuments(docs); err != nil {
		return err
	}

	coll, err := c.db.GetOrCreateCollection(collection, nil, noEmbedding)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("getting/creating collection %s: %w", collection, err)
	}

	chromemDocs := make([]chromem.Document, len(docs))
	for i, d := range docs {
		emb := make([]float32, len(d.Embedding))
		copy(emb, d.Embedding)
		chromemDocs[i] = chromem.Document{
			ID:        d.ID,
			Content:   d.Content,
			Metadata:  d.Metadata,
			Embedding: emb,
		}
	}

	// chromem keys documents by id, so re-adding replaces.
	if err := coll.AddDocuments(ctx, chromemDocs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents: %w", err)
	}

	c.logger.Debug("upserted documents to chromem",
		zap.String("collection", collection),
		zap.Int("count", len(docs)),
	)
	return nil
}

// Query implements Index.
func (c *ChromemIndex) Query(ctx context.Context, collection string, vector []float32, k int, filter map[string]string) ([]SearchResult, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemIndex.Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", collection),
		attribute.Int("k", k),
	)

	if err := ValidateCollectionName(collection); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if len(vector) == 0 {
		return nil, ErrMissingEmbedding
	}

	coll := c.db.GetCollection(collection, noEmbedding)
	if coll == nil {
		return []SearchResult{}, nil
	}

	// chromem requires nResults <= document count.
	count := coll.Count()
	if count == 0 {
		return []SearchResult{}, nil
	}
	if k > count {
		k = count
	}

	var where map[string]string
	if len(filter) > 0 {
		where = filter
	}

	results, err := coll.QueryEmbedding(ctx, vector, k, where, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", collection, err)
	}

	out := make([]SearchResult, len(results))
	for i, r := range results {
		out[i] = SearchResult{
			ID:       r.ID,
			Content:  r.Content,
			Metadata: r.Metadata,
			Distance: 1 - float64(r.Similarity),
		}
	}

	span.SetAttributes(attribute.Int("results_count", len(out)))
	return out, nil
}

// Delete implements Index.
func (c *ChromemIndex) Delete(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := ValidateCollectionName(collection); err != nil {
		return err
	}
	coll := c.db.GetCollection(collection, noEmbedding)
	if coll == nil {
		return nil
	}
	if err := coll.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("deleting from collection %s: %w", collection, err)
	}
	return nil
}

// Count implements Index.
func (c *ChromemIndex) Count(_ context.Context, collection string) (int, error) {
	if err := ValidateCollectionName(collection); err != nil {
		return 0, err
	}
	coll := c.db.GetCollection(collection, noEmbedding)
	if coll == nil {
		return 0, nil
	}
	return coll.Count(), nil
}

// Close is a no-op; chromem persists on every write.
func (c *ChromemIndex) Close() error { return nil }

var _ Index = (*ChromemIndex)(nil)
