package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"codepilot/internal/embedding"
	"codepilot/internal/logging"
	"codepilot/internal/store"
)

// maxFileSize skips files too large to be useful retrieval context.
const maxFileSize = 1 << 20

// Config tunes the indexing pipeline.
type Config struct {
	ChunkSize int
	Overlap   int
	// Workers bounds concurrent file indexing; embedding calls dominate.
	Workers int
	// Extensions restricts indexing to the listed file extensions
	// (including the dot). Empty means every extension with a known
	// language tag.
	Extensions []string
	// SkipDirs lists directory names excluded from the walk, in addition
	// to dot- and underscore-prefixed directories. Empty means the
	// built-in defaults.
	SkipDirs []string
}

// DefaultConfig returns the indexing defaults.
func DefaultConfig() Config {
	return Config{ChunkSize: 1000, Overlap: 100, Workers: 4}
}

// Stats summarizes one indexing run.
type Stats struct {
	FilesIndexed   int
	FilesSkipped   int
	ChunksEmbedded int
}

// Indexer walks the workspace, chunks source files, embeds the chunks and
// writes them to the vector index.
type Indexer struct {
	workspace string
	engine    embedding.Engine
	store     *store.LocalStore
	cfg       Config

	// onUpdate fires after any index mutation, letting the retriever
	// invalidate its query cache.
	onUpdate func()

	statsMu sync.Mutex
}

// New creates an indexer over the workspace.
func New(workspace string, engine embedding.Engine, st *store.LocalStore, cfg Config) *Indexer {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Indexer{workspace: workspace, engine: engine, store: st, cfg: cfg}
}

// OnUpdate registers the index-change notification hook.
func (ix *Indexer) OnUpdate(fn func()) {
	ix.onUpdate = fn
}

// indexable applies the configured extension allow-list, falling back to
// the built-in language table when none is configured.
func (ix *Indexer) indexable(path string) bool {
	if len(ix.cfg.Extensions) == 0 {
		return Indexable(path)
	}
	ext := filepath.Ext(path)
	for _, e := range ix.cfg.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// skipsDir applies the configured skip list. Dot- and underscore-prefixed
// directories are always skipped.
func (ix *Indexer) skipsDir(name string) bool {
	if len(name) > 1 && (name[0] == '.' || name[0] == '_') {
		return true
	}
	if len(ix.cfg.SkipDirs) == 0 {
		return skipDir(name)
	}
	for _, d := range ix.cfg.SkipDirs {
		if d == name {
			return true
		}
	}
	return false
}

// IndexWorkspace walks every indexable file under the workspace root and
// brings the vector index up to date. Unchanged files are skipped by
// content hash.
func (ix *Indexer) IndexWorkspace(ctx context.Context) (Stats, error) {
	timer := logging.StartTimer(logging.CategoryIndexer, "IndexWorkspace")
	defer timer.Stop()

	var paths []string
	err := filepath.WalkDir(ix.workspace, func(p string, d os.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if d.IsDir() {
			if ix.skipsDir(d.Name()) && p != ix.workspace {
				return filepath.SkipDir
			}
			return nil
		}
		if !ix.indexable(p) {
			return nil
		}
		if info, ierr := d.Info(); ierr == nil && info.Size() > maxFileSize {
			logging.IndexerDebug("Skipping oversized file: %s", p)
			return nil
		}
		paths = append(paths, p)
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("workspace walk failed: %w", err)
	}

	logging.Indexer("Indexing workspace: %d candidate files", len(paths))

	var stats Stats
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.cfg.Workers)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			embedded, ferr := ix.IndexFile(gctx, path)
			if ferr != nil {
				return fmt.Errorf("index %s: %w", path, ferr)
			}
			ix.statsMu.Lock()
			if embedded == 0 {
				stats.FilesSkipped++
			} else {
				stats.FilesIndexed++
				stats.ChunksEmbedded += embedded
			}
			ix.statsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	ix.notify()
	logging.Indexer("Indexing complete: %d indexed, %d unchanged, %d chunks embedded",
		stats.FilesIndexed, stats.FilesSkipped, stats.ChunksEmbedded)
	return stats, nil
}

// IndexFile chunks and embeds one file, replacing its indexed chunks.
// Returns the number of chunks embedded; zero means the file was already
// current. The path may be absolute or workspace-relative; chunks are
// stored under the relative form.
func (ix *Indexer) IndexFile(ctx context.Context, path string) (int, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(ix.workspace, path)
	}
	rel, err := filepath.Rel(ix.workspace, abs)
	if err != nil {
		return 0, fmt.Errorf("path outside workspace: %w", err)
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return 0, fmt.Errorf("failed to read file: %w", err)
	}

	chunks := SplitFile(rel, string(content), ix.cfg.ChunkSize, ix.cfg.Overlap)
	if len(chunks) == 0 {
		return 0, nil
	}

	if ix.unchanged(rel, chunks) {
		logging.IndexerDebug("File unchanged, skipping: %s", rel)
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Content
	}
	vectors, err := ix.engine.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding failed: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("embedding count mismatch: %d texts, %d vectors", len(chunks), len(vectors))
	}
	for i := range chunks {
		chunks[i].Embedding = vectors[i]
	}

	if err := ix.store.DeleteChunksForPath(rel); err != nil {
		return 0, err
	}
	if err := ix.store.UpsertChunks(chunks); err != nil {
		return 0, err
	}

	logging.IndexerDebug("Indexed %s: %d chunks", rel, len(chunks))
	return len(chunks), nil
}

// RemoveFile drops a deleted file's chunks from the index.
func (ix *Indexer) RemoveFile(path string) error {
	rel := path
	if filepath.IsAbs(rel) {
		var err error
		if rel, err = filepath.Rel(ix.workspace, path); err != nil {
			return fmt.Errorf("path outside workspace: %w", err)
		}
	}
	if err := ix.store.DeleteChunksForPath(rel); err != nil {
		return err
	}
	logging.IndexerDebug("Removed from index: %s", rel)
	return nil
}

// unchanged reports whether the stored chunk hashes already match the
// freshly split chunks exactly.
func (ix *Indexer) unchanged(rel string, chunks []store.Chunk) bool {
	stored, err := ix.store.ChunkHashes(rel)
	if err != nil || len(stored) != len(chunks) {
		return false
	}
	for i := range chunks {
		key := fmt.Sprintf("%s:%d:%d", rel, chunks[i].StartByte, chunks[i].EndByte)
		if stored[key] != chunks[i].ContentHash() {
			return false
		}
	}
	return true
}

func (ix *Indexer) notify() {
	if ix.onUpdate != nil {
		ix.onUpdate()
	}
}

func skipDir(name string) bool {
	if len(name) > 1 && (name[0] == '.' || name[0] == '_') {
		return true
	}
	switch name {
	case "node_modules", "vendor", "target", "dist":
		return true
	}
	return false
}
