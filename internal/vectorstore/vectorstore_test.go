package vectorstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fyrsmithlabs/mathmentor/internal/config"
	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func doc(id, content string, vec []float32, meta map[string]string) Document {
	return Document{ID: id, Content: content, Embedding: vec, Metadata: meta}
}

func TestChromemIndex_UpsertQuery(t *testing.T) {
	ctx := context.Background()
	idx, err := NewChromemIndex(ChromemConfig{}, nil)
	require.NoError(t, err)

	err = idx.Upsert(ctx, "math_kb", []Document{
		doc("a", "quadratic formula", []float32{1, 0, 0}, map[string]string{"topic": "algebra", "type": "formula"}),
		doc("b", "chain rule", []float32{0, 1, 0}, map[string]string{"topic": "calculus", "type": "formula"}),
		doc("c", "completing the square", []float32{0.9, 0.1, 0}, map[string]string{"topic": "algebra", "type": "concept"}),
	})
	require.NoError(t, err)

	n, err := idx.Count(ctx, "math_kb")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// k larger than the collection is capped.
	res, err := idx.Query(ctx, "math_kb", []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, "a", res[0].ID)
	assert.InDelta(t, 0.0, res[0].Distance, 1e-6)
	assert.InDelta(t, 1.0, res[0].Relevance(), 1e-6)
	assert.Equal(t, "c", res[1].ID)
	assert.Equal(t, "b", res[2].ID)
	assert.InDelta(t, 1.0, res[2].Distance, 1e-6)

	res, err = idx.Query(ctx, "math_kb", []float32{1, 0, 0}, 5, map[string]string{"topic": "algebra", "type": "concept"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "c", res[0].ID)
	assert.Equal(t, "completing the square", res[0].Content)
	assert.Equal(t, "concept", res[0].Metadata["type"])
}

func TestChromemIndex_UpsertReplaces(t *testing.T) {
	ctx := context.Background()
	idx, err := NewChromemIndex(ChromemConfig{}, nil)
	require.NoError(t, err)

	require.NoError(t, idx.Upsert(ctx, "interactions", []Document{doc("interaction_1", "v1", []float32{1, 0}, map[string]string{"feedback": "none"})}))
	require.NoError(t, idx.Upsert(ctx, "interactions", []Document{doc("interaction_1", "v2", []float32{1, 0}, map[string]string{"feedback": "correct"})}))

	n, err := idx.Count(ctx, "interactions")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := idx.Query(ctx, "interactions", []float32{1, 0}, 1, map[string]string{"feedback": "correct"})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "v2", res[0].Content)
}

func TestChromemIndex_MissingCollection(t *testing.T) {
	ctx := context.Background()
	idx, err := NewChromemIndex(ChromemConfig{}, nil)
	require.NoError(t, err)

	res, err := idx.Query(ctx, "nothing_here", []float32{1}, 3, nil)
	require.NoError(t, err)
	assert.Empty(t, res)

	n, err := idx.Count(ctx, "nothing_here")
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.NoError(t, idx.Delete(ctx, "nothing_here", "x"))
}

func TestChromemIndex_Delete(t *testing.T) {
	ctx := context.Background()
	idx, err := NewChromemIndex(ChromemConfig{}, nil)
	require.NoError(t, err)

	require.NoError(t, idx.Upsert(ctx, "kb", []Document{
		doc("a", "x", []float32{1, 0}, nil),
		doc("b", "y", []float32{0, 1}, nil),
	}))
	require.NoError(t, idx.Delete(ctx, "kb", "a"))

	n, err := idx.Count(ctx, "kb")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestChromemIndex_Validation(t *testing.T) {
	ctx := context.Background()
	idx, err := NewChromemIndex(ChromemConfig{}, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, idx.Upsert(ctx, "kb", nil), ErrEmptyDocuments)
	assert.ErrorIs(t, idx.Upsert(ctx, "kb", []Document{{ID: "a", Content: "no vector"}}), ErrMissingEmbedding)
	assert.ErrorIs(t, idx.Upsert(ctx, "../etc", []Document{doc("a", "x", []float32{1}, nil)}), ErrInvalidCollectionName)

	_, err = idx.Query(ctx, "kb", []float32{1}, 0, nil)
	assert.Error(t, err)
	_, err = idx.Query(ctx, "kb", nil, 1, nil)
	assert.ErrorIs(t, err, ErrMissingEmbedding)
}

func TestChromemIndex_Persistent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	idx, err := NewChromemIndex(ChromemConfig{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(ctx, "kb", []Document{doc("a", "persisted", []float32{1, 0}, nil)}))

	reopened, err := NewChromemIndex(ChromemConfig{Path: dir}, zap.NewNop())
	require.NoError(t, err)
	n, err := reopened.Count(ctx, "kb")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFindCorruptCollections(t *testing.T) {
	dir := t.TempDir()

	healthy := filepath.Join(dir, "aaaaaaaa")
	require.NoError(t, os.MkdirAll(healthy, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(healthy, "00000000.gob"), []byte("meta"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(healthy, "doc.gob"), []byte("doc"), 0o600))

	corrupt := filepath.Join(dir, "bbbbbbbb")
	require.NoError(t, os.MkdirAll(corrupt, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(corrupt, "doc.gob"), []byte("doc"), 0o600))

	found, err := findCorruptCollections(dir, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"bbbbbbbb"}, found)

	moved, err := quarantineCollections(dir, append(found, "../../evil"), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.DirExists(t, filepath.Join(dir, ".quarantine", "bbbbbbbb"))
	assert.NoDirExists(t, corrupt)
}

func TestValidateCollectionName(t *testing.T) {
	assert.NoError(t, ValidateCollectionName("math_kb"))
	assert.ErrorIs(t, ValidateCollectionName(""), ErrInvalidCollectionName)
	assert.ErrorIs(t, ValidateCollectionName("Math"), ErrInvalidCollectionName)
	assert.ErrorIs(t, ValidateCollectionName("a/b"), ErrInvalidCollectionName)
}

func TestSearchResult_Relevance(t *testing.T) {
	assert.Equal(t, 0.75, SearchResult{Distance: 0.25}.Relevance())
	assert.Equal(t, 0.0, SearchResult{Distance: 1.6}.Relevance())
	assert.Equal(t, 1.0, SearchResult{Distance: -0.1}.Relevance())
}

func TestPointID_Deterministic(t *testing.T) {
	assert.Equal(t, PointID("interaction_7"), PointID("interaction_7"))
	assert.NotEqual(t, PointID("interaction_7"), PointID("interaction_8"))
}

func TestQdrantPayloadRoundTrip(t *testing.T) {
	d := doc("kb_1", "Pythagoras", []float32{1}, map[string]string{"topic": "algebra"})
	payload := toPayload(d)

	r := fromScoredPoint(&qdrant.ScoredPoint{Score: 0.8, Payload: payload})
	assert.Equal(t, "kb_1", r.ID)
	assert.Equal(t, "Pythagoras", r.Content)
	assert.Equal(t, map[string]string{"topic": "algebra"}, r.Metadata)
	assert.InDelta(t, 0.2, r.Distance, 1e-6)

	assert.Nil(t, toFilter(nil))
	f := toFilter(map[string]string{"topic": "algebra"})
	require.Len(t, f.Must, 1)
	assert.Equal(t, "topic", f.Must[0].GetField().GetKey())
}

func TestNewIndex(t *testing.T) {
	idx, err := NewIndex(config.VectorStoreConfig{Provider: "chromem"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &ChromemIndex{}, idx)

	_, err = NewIndex(config.VectorStoreConfig{Provider: "pinecone"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
