package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher could not start.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

const defaultDebounce = 250 * time.Millisecond

// Watch re-ingests knowledge files under dir as they are created or edited,
// until ctx is done. Bursts of writes to one file are coalesced.
func (in *Ingester) Watch(ctx context.Context, dir string) error {
	return in.watch(ctx, dir, defaultDebounce)
}

func (in *Ingester) watch(ctx context.Context, dir string, debounce time.Duration) error {
	root, err := validateDir(dir)
	if err != nil {
		return err
	}
	exclude, err := loadIgnore(root)
	if err != nil {
		return fmt.Errorf("reading ignore file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	defer watcher.Close()

	if err := addTree(watcher, root); err != nil {
		return fmt.Errorf("watching %s: %w", root, err)
	}
	in.logger.Info("watching knowledge base", zap.String("dir", root))

	pending := make(map[string]struct{})
	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if !skipDirs[info.Name()] {
					_ = addTree(watcher, event.Name)
				}
				continue
			}
			rel, err := filepath.Rel(root, event.Name)
			if err != nil || !isKnowledgeFile(rel) || exclude.matches(rel) {
				continue
			}
			pending[event.Name] = struct{}{}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			in.logger.Warn("knowledge watcher error", zap.Error(err))

		case <-ticker.C:
			for path := range pending {
				delete(pending, path)
				n, err := in.IngestFile(ctx, path)
				if err != nil {
					in.logger.Warn("re-ingest failed", zap.String("path", path), zap.Error(err))
					continue
				}
				in.logger.Info("re-ingested knowledge file", zap.String("path", path), zap.Int("chunks", n))
			}
		}
	}
}

func addTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
