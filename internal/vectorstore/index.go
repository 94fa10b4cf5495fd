// Package vectorstore provides the vector index used for reference material
// and interaction similarity search.
//
// Callers embed text themselves and hand the index ready vectors, so the
// embedding oracle and the index fail (and are retried) independently.
// Distance is cosine; relevance is 1 - distance.
//
// Implementations:
//   - ChromemIndex: embedded chromem-go (default, no external service)
//   - QdrantIndex: external Qdrant over gRPC
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Sentinel errors for index operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyDocuments indicates empty or nil documents.
	ErrEmptyDocuments = errors.New("empty or nil documents")

	// ErrMissingEmbedding indicates a document without a vector.
	ErrMissingEmbedding = errors.New("document has no embedding")

	// ErrConnectionFailed indicates the index service is unreachable.
	ErrConnectionFailed = errors.New("failed to connect to vector index")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// Document is a vector with its text and string metadata.
type Document struct {
	ID        string
	Content   string
	Metadata  map[string]string
	Embedding []float32
}

// SearchResult is a ranked match.
type SearchResult struct {
	ID       string
	Content  string
	Metadata map[string]string

	// Distance is the cosine distance to the query, in [0, 2].
	Distance float64
}

// Relevance converts Distance to a similarity score clamped to [0, 1].
func (r SearchResult) Relevance() float64 {
	rel := 1 - r.Distance
	switch {
	case rel < 0:
		return 0
	case rel > 1:
		return 1
	default:
		return rel
	}
}

// Index is a vector index keyed by string document ids.
type Index interface {
	// Upsert inserts or replaces documents. Re-upserting an id is idempotent.
	Upsert(ctx context.Context, collection string, docs []Document) error

	// Query returns up to k nearest documents whose metadata matches every
	// filter entry, closest first. A missing or empty collection yields no results.
	Query(ctx context.Context, collection string, vector []float32, k int, filter map[string]string) ([]SearchResult, error)

	// Delete removes documents by id. Unknown ids are ignored.
	Delete(ctx context.Context, collection string, ids ...string) error

	// Count returns the number of documents in a collection.
	Count(ctx context.Context, collection string) (int, error)

	Close() error
}

// ValidateCollectionName validates a collection name against security rules.
// Pattern: ^[a-z0-9_]{1,64}$
// Rejects: uppercase, special chars, path traversal, spaces.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

func validateDocuments(docs []Document) error {
	if len(docs) == 0 {
		return ErrEmptyDocuments
	}
	for i, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("document at index %d has no id", i)
		}
		if len(d.Embedding) == 0 {
			return fmt.Errorf("%w: %s", ErrMissingEmbedding, d.ID)
		}
	}
	return nil
}
