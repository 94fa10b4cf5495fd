package vectorstore

import (
	"fmt"

	"github.com/fyrsmithlabs/mathmentor/internal/config"
	"go.uber.org/zap"
)

// NewIndex creates the configured index:
//   - "chromem" (default): embedded, persisted under VectorStore.Chromem.Path
//   - "qdrant": external Qdrant server
func NewIndex(cfg config.VectorStoreConfig, logger *zap.Logger) (Index, error) {
	switch cfg.Provider {
	case "chromem", "":
		idx, err := NewChromemIndex(ChromemConfig{
			Path:     cfg.Chromem.Path,
			Compress: cfg.Chromem.Compress,
		}, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "qdrant":
		idx, err := NewQdrantIndex(QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			UseTLS:     cfg.Qdrant.UseTLS,
			APIKey:     cfg.Qdrant.APIKey.Value(),
			VectorSize: uint64(cfg.VectorSize),
		}, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("%w: unknown vector store provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
