package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fyrsmithlabs/mathmentor/internal/config"
	"github.com/fyrsmithlabs/mathmentor/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTEIServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req struct {
			Inputs   json.RawMessage `json:"inputs"`
			Truncate bool            `json:"truncate"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Truncate)

		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte("overloaded"))
			return
		}

		var many []string
		n := 1
		if json.Unmarshal(req.Inputs, &many) == nil {
			n = len(many)
		}
		vecs := make([][]float32, n)
		for i := range vecs {
			vecs[i] = []float32{float32(i), 0.5, 0.25}
		}
		_ = json.NewEncoder(w).Encode(vecs)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTEIProvider(t *testing.T) {
	srv := newTEIServer(t, http.StatusOK)
	p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL, Model: "BAAI/bge-base-en-v1.5"}, NewMetrics(nil))
	require.NoError(t, err)
	assert.Equal(t, 768, p.Dimension())

	vecs, err := p.EmbedDocuments(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, float32(1), vecs[1][0])

	vec, err := p.EmbedQuery(context.Background(), "quadratic formula")
	require.NoError(t, err)
	assert.Len(t, vec, 3)

	_, err = p.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyInput)
	_, err = p.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.NoError(t, p.Close())
}

func TestTEIProvider_ServerErrorIsTransient(t *testing.T) {
	srv := newTEIServer(t, http.StatusServiceUnavailable)
	p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)

	_, err = p.EmbedQuery(context.Background(), "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmbeddingFailed)

	var se *resilience.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.True(t, resilience.IsTransient(err))
}

func TestNewTEIProvider_RequiresURL(t *testing.T) {
	_, err := NewTEIProvider(TEIConfig{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewProvider(t *testing.T) {
	_, err := NewProvider(config.EmbeddingsConfig{Provider: "word2vec"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	p, err := NewProvider(config.EmbeddingsConfig{Provider: "tei", BaseURL: "http://localhost:8080", Model: "BAAI/bge-small-en-v1.5"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 384, p.Dimension())

	p, err = NewProvider(config.EmbeddingsConfig{Provider: "openai", Model: "text-embedding-3-small"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1536, p.Dimension())
}

func TestDetectDimensionFromModel(t *testing.T) {
	tests := map[string]int{
		"BAAI/bge-small-en-v1.5": 384,
		"BAAI/bge-small-zh-v1.5": 512,
		"nomic-embed-text-base":  768,
		"e5-large":               1024,
		"text-embedding-3-large": 3072,
		"mystery":                384,
	}
	for model, want := range tests {
		assert.Equal(t, want, detectDimensionFromModel(model), model)
	}
}

func TestFake(t *testing.T) {
	f := NewFake(32)
	ctx := context.Background()

	a, err := f.EmbedQuery(ctx, "solve the linear equation")
	require.NoError(t, err)
	b, err := f.EmbedQuery(ctx, "solve the linear equation")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	var norm float32
	for _, v := range a {
		norm += v * v
	}
	assert.InDelta(t, 1.0, norm, 1e-5)

	f.SetError(errors.New("down"))
	_, err = f.EmbedDocuments(ctx, []string{"x"})
	assert.Error(t, err)
	assert.Equal(t, 3, f.Calls())
}
