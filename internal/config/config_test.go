package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.InDelta(t, 0.80, cfg.Pipeline.ConfidenceThreshold, 1e-9)
	require.NotNil(t, cfg.Retrieval.RelevanceFloor)
	assert.InDelta(t, 0.35, *cfg.Retrieval.RelevanceFloor, 1e-9)
	assert.Equal(t, 5, cfg.Retrieval.TopK)
	assert.Equal(t, 2, cfg.Retrieval.CategoryK)
	assert.Equal(t, "math_kb", cfg.VectorStore.KnowledgeCollection)
	assert.Equal(t, "interactions", cfg.VectorStore.InteractionCollection)
	assert.Equal(t, 5, cfg.Learning.PitfallLimit)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.CallTimeout.Duration())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad oracle provider", func(c *Config) { c.Oracle.Provider = "gemini" }, "oracle.provider"},
		{"bad embeddings provider", func(c *Config) { c.Embeddings.Provider = "word2vec" }, "embeddings.provider"},
		{"floor out of range", func(c *Config) { f := 1.5; c.Retrieval.RelevanceFloor = &f }, "retrieval.relevance_floor"},
		{"threshold out of range", func(c *Config) { c.Pipeline.ConfidenceThreshold = -0.1 }, "pipeline.confidence_threshold"},
		{"negative call timeout", func(c *Config) { c.Pipeline.CallTimeout = Duration(-time.Second) }, "pipeline.call_timeout"},
		{"same collections", func(c *Config) { c.VectorStore.InteractionCollection = c.VectorStore.KnowledgeCollection }, "collections must differ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	out, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(out))

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestSecret(t *testing.T) {
	s := Secret("sk-live-123")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.Equal(t, "sk-live-123", s.Value())
	assert.True(t, s.IsSet())

	out, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{Key: s})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "sk-live-123")

	assert.False(t, Secret("").IsSet())
	assert.Equal(t, "", Secret("").String())
}
