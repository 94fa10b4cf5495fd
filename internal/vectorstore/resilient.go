package vectorstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

var collectionHashPattern = regexp.MustCompile(`^[a-f0-9]{8}$`)

// NewResilientChromemDB opens a persistent chromem DB, quarantining collections
// whose metadata file is missing so the rest of the index still loads.
func NewResilientChromemDB(path string, compress bool, logger *zap.Logger) (*chromem.DB, error) {
	db, err := chromem.NewPersistentDB(path, compress)
	if err == nil {
		return db, nil
	}
	if !strings.Contains(err.Error(), "collection metadata file not found") {
		return nil, err
	}

	corrupt, findErr := findCorruptCollections(path, logger)
	if findErr != nil {
		logger.Error("failed to find corrupt collections", zap.Error(findErr))
		return nil, err
	}
	if len(corrupt) == 0 {
		return nil, err
	}

	quarantined, qErr := quarantineCollections(path, corrupt, logger)
	if qErr != nil {
		return nil, qErr
	}

	db, err = chromem.NewPersistentDB(path, compress)
	if err != nil {
		logger.Error("failed to load chromem DB even after quarantine", zap.Error(err))
		return nil, err
	}

	logger.Warn("chromem DB loaded after quarantine", zap.Int("quarantined_count", quarantined))
	return db, nil
}

func quarantineCollections(path string, hashes []string, logger *zap.Logger) (int, error) {
	quarantinePath := filepath.Join(path, ".quarantine")
	if err := os.MkdirAll(quarantinePath, 0o755); err != nil {
		return 0, fmt.Errorf("creating quarantine directory: %w", err)
	}

	moved := 0
	for _, hash := range hashes {
		// Hashes come from directory names; reject anything that could traverse.
		if !collectionHashPattern.MatchString(hash) {
			logger.Error("invalid collection hash format, skipping", zap.String("hash", hash))
			continue
		}
		src := filepath.Join(path, hash)
		dst := filepath.Join(quarantinePath, hash)

		logger.Warn("quarantining corrupt collection",
			zap.String("collection_hash", hash),
			zap.String("to", dst),
		)
		if err := os.Rename(src, dst); err != nil {
			logger.Error("failed to quarantine collection", zap.String("collection_hash", hash), zap.Error(err))
			continue
		}
		moved++
	}
	return moved, nil
}

// findCorruptCollections lists collection directories holding documents but
// no metadata file.
func findCorruptCollections(path string, logger *zap.Logger) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}

	var corrupt []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		collectionPath := filepath.Join(path, entry.Name())
		if _, err := os.Stat(filepath.Join(collectionPath, "00000000.gob")); !os.IsNotExist(err) {
			continue
		}

		files, readErr := os.ReadDir(collectionPath)
		if readErr != nil {
			logger.Warn("failed to read collection directory",
				zap.String("collection_hash", entry.Name()),
				zap.Error(readErr))
			continue
		}
		for _, f := range files {
			if !f.IsDir() && strings.HasSuffix(f.Name(), ".gob") {
				corrupt = append(corrupt, entry.Name())
				break
			}
		}
	}
	return corrupt, nil
}
