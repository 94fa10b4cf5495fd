package retrieval

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/fyrsmithlabs/mathmentor/internal/embeddings"
	"github.com/fyrsmithlabs/mathmentor/internal/resilience"
	"github.com/fyrsmithlabs/mathmentor/internal/vectorstore"
	"github.com/tmc/langchaingo/textsplitter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

const (
	defaultChunkSize    = 500
	defaultChunkOverlap = 50
	defaultBatchSize    = 32
	maxFileSize         = 1024 * 1024
)

// skipDirs are never descended into while walking a knowledge directory.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".cache":       true,
	".quarantine":  true,
}

// FrontMatter is the YAML header of a knowledge file.
type FrontMatter struct {
	Topic  string `yaml:"topic"`
	Type   string `yaml:"type"`
	Source string `yaml:"source"`
}

// IngestReport summarizes an ingestion run.
type IngestReport struct {
	Dir        string    `json:"dir"`
	Files      int       `json:"files"`
	Chunks     int       `json:"chunks"`
	Skipped    int       `json:"skipped"`
	IngestedAt time.Time `json:"ingested_at"`
}

// IngesterOptions tunes an Ingester.
type IngesterOptions struct {
	Collection   string
	ChunkSize    int
	ChunkOverlap int
	BatchSize    int

	// Concurrency bounds how many files are processed at once.
	Concurrency int
	Policy      resilience.Policy
}

// Ingester loads markdown knowledge files into the knowledge collection.
type Ingester struct {
	index    vectorstore.Index
	embedder embeddings.Embedder
	splitter textsplitter.TextSplitter
	opts     IngesterOptions
	logger   *zap.Logger
}

// NewIngester creates an ingester.
func NewIngester(index vectorstore.Index, embedder embeddings.Embedder, opts IngesterOptions, logger *zap.Logger) *Ingester {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Collection == "" {
		opts.Collection = "math_kb"
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = defaultChunkOverlap
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	opts.Policy.ApplyDefaults()

	return &Ingester{
		index:    index,
		embedder: embedder,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(opts.ChunkSize),
			textsplitter.WithChunkOverlap(opts.ChunkOverlap),
		),
		opts:   opts,
		logger: logger,
	}
}

// IngestDir ingests every markdown file under dir.
func (in *Ingester) IngestDir(ctx context.Context, dir string) (*IngestReport, error) {
	root, err := validateDir(dir)
	if err != nil {
		return nil, err
	}

	exclude, err := loadIgnore(root)
	if err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}

	var files []string
	var skipped int
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("computing relative path: %w", err)
		}
		if !isKnowledgeFile(rel) {
			return nil
		}
		if exclude.matches(rel) {
			skipped++
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	var chunks atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.opts.Concurrency)
	for _, path := range files {
		g.Go(func() error {
			n, err := in.IngestFile(gctx, path)
			if err != nil {
				return err
			}
			chunks.Add(int64(n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &IngestReport{
		Dir:        root,
		Files:      len(files),
		Chunks:     int(chunks.Load()),
		Skipped:    skipped,
		IngestedAt: time.Now().UTC(),
	}
	in.logger.Info("knowledge base ingested",
		zap.String("dir", root),
		zap.Int("files", report.Files),
		zap.Int("chunks", report.Chunks),
		zap.Int("skipped", report.Skipped),
	)
	return report, nil
}

// IngestFile splits, embeds and upserts one knowledge file, returning the
// number of chunks written. Re-ingesting unchanged text rewrites the same ids.
func (in *Ingester) IngestFile(ctx context.Context, path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > maxFileSize {
		in.logger.Warn("skipping oversized knowledge file", zap.String("path", path), zap.Int64("size", info.Size()))
		return 0, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}
	if !utf8.Valid(content) {
		return 0, nil
	}

	fm, body, err := ParseDocument(content)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	if fm.Source == "" {
		fm.Source = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if fm.Topic == "" {
		fm.Topic = "unknown"
	}
	if fm.Type == "" {
		fm.Type = "concept"
	}

	texts, err := in.splitter.SplitText(body)
	if err != nil {
		return 0, fmt.Errorf("splitting %s: %w", path, err)
	}
	texts = nonEmpty(texts)
	if len(texts) == 0 {
		return 0, nil
	}

	for start := 0; start < len(texts); start += in.opts.BatchSize {
		end := min(start+in.opts.BatchSize, len(texts))
		if err := in.writeBatch(ctx, fm, texts[start:end]); err != nil {
			return 0, fmt.Errorf("ingesting %s: %w", path, err)
		}
	}

	in.logger.Debug("ingested knowledge file",
		zap.String("path", path),
		zap.String("source", fm.Source),
		zap.Int("chunks", len(texts)),
	)
	return len(texts), nil
}

func (in *Ingester) writeBatch(ctx context.Context, fm FrontMatter, texts []string) error {
	vecs, err := resilience.Do(ctx, in.opts.Policy, "embed knowledge chunks", func(ctx context.Context) ([][]float32, error) {
		return in.embedder.EmbedDocuments(ctx, texts)
	})
	if err != nil {
		return err
	}
	if len(vecs) != len(texts) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vecs), len(texts))
	}

	docs := make([]vectorstore.Document, len(texts))
	for i, text := range texts {
		docs[i] = vectorstore.Document{
			ID:      ChunkID(fm.Source, text),
			Content: text,
			Metadata: map[string]string{
				MetaTopic:  fm.Topic,
				MetaType:   fm.Type,
				MetaSource: fm.Source,
			},
			Embedding: vecs[i],
		}
	}
	return resilience.Run(ctx, in.opts.Policy, "upsert knowledge chunks", func(ctx context.Context) error {
		return in.index.Upsert(ctx, in.opts.Collection, docs)
	})
}

// ChunkID derives the stable id of a chunk: the source plus the first 12 hex
// digits of the text's md5.
func ChunkID(source, text string) string {
	sum := md5.Sum([]byte(text))
	return source + "_" + hex.EncodeToString(sum[:])[:12]
}

// ParseDocument splits a knowledge file into its front matter and body.
// Files without a "---" header have an empty FrontMatter.
func ParseDocument(content []byte) (FrontMatter, string, error) {
	var fm FrontMatter
	text := strings.ReplaceAll(string(content), "\r\n", "\n")
	if !strings.HasPrefix(text, "---\n") {
		return fm, text, nil
	}
	rest := "\n" + text[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return fm, "", fmt.Errorf("unterminated front matter")
	}
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return fm, "", fmt.Errorf("decoding front matter: %w", err)
	}
	body := rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	return fm, body, nil
}

func isKnowledgeFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return true
	}
	return false
}

func nonEmpty(texts []string) []string {
	out := texts[:0]
	for _, t := range texts {
		if strings.TrimSpace(t) != "" {
			out = append(out, t)
		}
	}
	return out
}

func validateDir(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	clean := filepath.Clean(path)
	info, err := os.Stat(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("path does not exist: %s", clean)
		}
		return "", fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("path must be a directory: %s", clean)
	}
	return clean, nil
}
