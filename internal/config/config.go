// Package config provides configuration loading for mathmentor.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete mathmentor configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	MCP         MCPConfig         `koanf:"mcp"`
	Oracle      OracleConfig      `koanf:"oracle"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Store       StoreConfig       `koanf:"store"`
	Retrieval   RetrievalConfig   `koanf:"retrieval"`
	Pipeline    PipelineConfig    `koanf:"pipeline"`
	Learning    LearningConfig    `koanf:"learning"`
	Repair      RepairConfig      `koanf:"repair"`
	Events      EventsConfig      `koanf:"events"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// MCPConfig configures the MCP stdio server.
type MCPConfig struct {
	Name    string `koanf:"name"`
	Version string `koanf:"version"`
}

// OracleConfig configures the completion oracle.
type OracleConfig struct {
	Provider    string   `koanf:"provider"` // openai, ollama, anthropic
	Model       string   `koanf:"model"`
	BaseURL     string   `koanf:"base_url"`
	APIKey      Secret   `koanf:"api_key"`
	Temperature float64  `koanf:"temperature"`
	Timeout     Duration `koanf:"timeout"`
	MaxRetries  int      `koanf:"max_retries"`
	RateLimit   float64  `koanf:"rate_limit"` // requests per second
	Burst       int      `koanf:"burst"`

	// BreakerFailures is the consecutive failure count that opens the circuit.
	BreakerFailures uint32   `koanf:"breaker_failures"`
	BreakerCooldown Duration `koanf:"breaker_cooldown"`
}

// EmbeddingsConfig configures the embedding oracle.
type EmbeddingsConfig struct {
	Provider string   `koanf:"provider"` // fastembed, tei, openai
	Model    string   `koanf:"model"`
	BaseURL  string   `koanf:"base_url"`
	APIKey   Secret   `koanf:"api_key"`
	CacheDir string   `koanf:"cache_dir"`
	Timeout  Duration `koanf:"timeout"`
}

// VectorStoreConfig configures the vector index.
type VectorStoreConfig struct {
	Provider              string        `koanf:"provider"` // chromem, qdrant
	KnowledgeCollection   string        `koanf:"knowledge_collection"`
	InteractionCollection string        `koanf:"interaction_collection"`
	VectorSize            int           `koanf:"vector_size"`
	Chromem               ChromemConfig `koanf:"chromem"`
	Qdrant                QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig configures the embedded chromem index.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// QdrantConfig configures the qdrant index.
type QdrantConfig struct {
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	UseTLS bool   `koanf:"use_tls"`
	APIKey Secret `koanf:"api_key"`
}

// StoreConfig configures the relational interaction store.
type StoreConfig struct {
	Path        string   `koanf:"path"`
	BusyTimeout Duration `koanf:"busy_timeout"`
}

// RetrievalConfig configures the retrieval engine.
type RetrievalConfig struct {
	TopK           int     `koanf:"top_k"`
	CategoryK      int     `koanf:"category_k"`
	RelevanceFloor *float64 `koanf:"relevance_floor"`
	CacheSize      int     `koanf:"cache_size"`
	KnowledgeDir   string  `koanf:"knowledge_dir"`
}

// PipelineConfig configures the orchestrator.
type PipelineConfig struct {
	ConfidenceThreshold float64  `koanf:"confidence_threshold"`
	StageTimeout        Duration `koanf:"stage_timeout"`
	CallTimeout         Duration `koanf:"call_timeout"`
	MaxRetries          int      `koanf:"max_retries"`
	RetryBackoff        Duration `koanf:"retry_backoff"`
}

// LearningConfig configures the learning reinforcer.
type LearningConfig struct {
	PitfallLimit int `koanf:"pitfall_limit"`
	SimilarK     int `koanf:"similar_k"`
	StatsDays    int `koanf:"stats_days"`
}

// RepairConfig configures the background embedding repair pass.
type RepairConfig struct {
	Enabled   bool     `koanf:"enabled"`
	Interval  Duration `koanf:"interval"`
	BatchSize int      `koanf:"batch_size"`
}

// EventsConfig configures the NATS event bus.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// LoggingConfig holds the user-facing logging knobs.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig holds the user-facing OpenTelemetry knobs.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"` // grpc, http/protobuf
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Default returns a configuration populated with defaults.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills zero values with defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.MCP.Name == "" {
		cfg.MCP.Name = "mathmentor"
	}
	if cfg.MCP.Version == "" {
		cfg.MCP.Version = "1.0.0"
	}

	if cfg.Oracle.Provider == "" {
		cfg.Oracle.Provider = "openai"
	}
	if cfg.Oracle.Model == "" {
		cfg.Oracle.Model = "gpt-4o-mini"
	}
	if cfg.Oracle.Timeout == 0 {
		cfg.Oracle.Timeout = Duration(60 * time.Second)
	}
	if cfg.Oracle.MaxRetries == 0 {
		cfg.Oracle.MaxRetries = 3
	}
	if cfg.Oracle.RateLimit == 0 {
		cfg.Oracle.RateLimit = 50.0 / 60.0
	}
	if cfg.Oracle.Burst == 0 {
		cfg.Oracle.Burst = 5
	}
	if cfg.Oracle.BreakerFailures == 0 {
		cfg.Oracle.BreakerFailures = 5
	}
	if cfg.Oracle.BreakerCooldown == 0 {
		cfg.Oracle.BreakerCooldown = Duration(30 * time.Second)
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}
	if cfg.Embeddings.Timeout == 0 {
		cfg.Embeddings.Timeout = Duration(30 * time.Second)
	}

	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.VectorStore.KnowledgeCollection == "" {
		cfg.VectorStore.KnowledgeCollection = "math_kb"
	}
	if cfg.VectorStore.InteractionCollection == "" {
		cfg.VectorStore.InteractionCollection = "interactions"
	}
	if cfg.VectorStore.VectorSize == 0 {
		cfg.VectorStore.VectorSize = 384
	}
	if cfg.VectorStore.Chromem.Path == "" {
		cfg.VectorStore.Chromem.Path = "data/vectorstore"
	}
	if cfg.VectorStore.Qdrant.Host == "" {
		cfg.VectorStore.Qdrant.Host = "localhost"
	}
	if cfg.VectorStore.Qdrant.Port == 0 {
		cfg.VectorStore.Qdrant.Port = 6334
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "data/memory.db"
	}
	if cfg.Store.BusyTimeout == 0 {
		cfg.Store.BusyTimeout = Duration(5 * time.Second)
	}

	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 5
	}
	if cfg.Retrieval.CategoryK == 0 {
		cfg.Retrieval.CategoryK = 2
	}
	if cfg.Retrieval.RelevanceFloor == nil {
		floor := 0.35
		cfg.Retrieval.RelevanceFloor = &floor
	}
	if cfg.Retrieval.CacheSize == 0 {
		cfg.Retrieval.CacheSize = 256
	}
	if cfg.Retrieval.KnowledgeDir == "" {
		cfg.Retrieval.KnowledgeDir = "knowledge_base"
	}

	if cfg.Pipeline.ConfidenceThreshold == 0 {
		cfg.Pipeline.ConfidenceThreshold = 0.80
	}
	if cfg.Pipeline.StageTimeout == 0 {
		cfg.Pipeline.StageTimeout = Duration(90 * time.Second)
	}
	if cfg.Pipeline.CallTimeout == 0 {
		cfg.Pipeline.CallTimeout = Duration(30 * time.Second)
	}
	if cfg.Pipeline.MaxRetries == 0 {
		cfg.Pipeline.MaxRetries = 3
	}
	if cfg.Pipeline.RetryBackoff == 0 {
		cfg.Pipeline.RetryBackoff = Duration(500 * time.Millisecond)
	}

	if cfg.Learning.PitfallLimit == 0 {
		cfg.Learning.PitfallLimit = 5
	}
	if cfg.Learning.SimilarK == 0 {
		cfg.Learning.SimilarK = 3
	}
	if cfg.Learning.StatsDays == 0 {
		cfg.Learning.StatsDays = 7
	}

	if cfg.Repair.Interval == 0 {
		cfg.Repair.Interval = Duration(5 * time.Minute)
	}
	if cfg.Repair.BatchSize == 0 {
		cfg.Repair.BatchSize = 100
	}

	if cfg.Events.URL == "" {
		cfg.Events.URL = "nats://localhost:4222"
	}
	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "mathmentor"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "mathmentor"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}

	switch c.Oracle.Provider {
	case "openai", "anthropic":
		// API key is checked when the client is built so offline commands still work.
	case "ollama":
	default:
		errs = append(errs, fmt.Errorf("oracle.provider must be openai, ollama or anthropic, got %q", c.Oracle.Provider))
	}
	if c.Oracle.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("oracle.max_retries must be >= 0"))
	}
	if c.Oracle.RateLimit <= 0 {
		errs = append(errs, fmt.Errorf("oracle.rate_limit must be > 0"))
	}

	switch c.Embeddings.Provider {
	case "fastembed", "tei", "openai":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider must be fastembed, tei or openai, got %q", c.Embeddings.Provider))
	}

	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("vectorstore.provider must be chromem or qdrant, got %q", c.VectorStore.Provider))
	}
	if c.VectorStore.KnowledgeCollection == c.VectorStore.InteractionCollection {
		errs = append(errs, fmt.Errorf("vectorstore collections must differ, both are %q", c.VectorStore.KnowledgeCollection))
	}

	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}

	if c.Retrieval.TopK <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.top_k must be > 0"))
	}
	if f := c.Retrieval.RelevanceFloor; f != nil && (*f < 0 || *f > 1) {
		errs = append(errs, fmt.Errorf("retrieval.relevance_floor must be in [0,1], got %f", *f))
	}

	if c.Pipeline.ConfidenceThreshold < 0 || c.Pipeline.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.confidence_threshold must be in [0,1], got %f", c.Pipeline.ConfidenceThreshold))
	}
	if c.Pipeline.CallTimeout.Duration() <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.call_timeout must be positive"))
	}

	if c.Repair.Enabled && c.Repair.Interval.Duration() <= 0 {
		errs = append(errs, fmt.Errorf("repair.interval must be positive when repair is enabled"))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be in [0,1], got %f", c.Telemetry.SampleRate))
	}

	return errors.Join(errs...)
}
