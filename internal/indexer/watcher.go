package indexer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"codepilot/internal/logging"
)

// Watcher keeps the vector index current by re-indexing files as they
// change on disk. Rapid saves of the same file are debounced.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	indexer     *Indexer
	workspace   string
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher over the indexer's workspace.
func NewWatcher(workspace string, ix *Indexer) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:     fsw,
		indexer:     ix,
		workspace:   workspace,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine
// until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	// fsnotify is not recursive: every existing directory gets its own watch.
	err := filepath.WalkDir(w.workspace, func(p string, d os.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if !d.IsDir() {
			return nil
		}
		if w.indexer.skipsDir(d.Name()) && p != w.workspace {
			return filepath.SkipDir
		}
		return w.watcher.Add(p)
	})
	if err != nil {
		logging.Get(logging.CategoryIndexer).Warn("Watcher: partial watch setup: %v", err)
	}
	logging.Indexer("Watcher: watching %s", w.workspace)

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to drain.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryIndexer).Error("Watcher: close failed: %v", err)
	}
	logging.Indexer("Watcher: stopped")
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	flush := time.NewTicker(100 * time.Millisecond)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryIndexer).Error("Watcher error: %v", err)
		case <-flush.C:
			w.processDebounced(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)

	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !w.indexer.skipsDir(name) {
				if err := w.watcher.Add(event.Name); err == nil {
					logging.IndexerDebug("Watcher: added directory %s", event.Name)
				}
			}
			return
		}
	}

	if event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename) {
		if w.indexer.indexable(event.Name) {
			if err := w.indexer.RemoveFile(event.Name); err != nil {
				logging.Get(logging.CategoryIndexer).Error("Watcher: remove %s failed: %v", event.Name, err)
			}
			w.indexer.notify()
		}
		return
	}

	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
		return
	}
	if !w.indexer.indexable(event.Name) {
		return
	}

	w.mu.Lock()
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

// processDebounced re-indexes files whose last event settled past the
// debounce window.
func (w *Watcher) processDebounced(ctx context.Context) {
	w.mu.Lock()
	var ready []string
	now := time.Now()
	for path, last := range w.debounceMap {
		if now.Sub(last) >= w.debounceDur {
			ready = append(ready, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	if len(ready) == 0 {
		return
	}
	for _, path := range ready {
		if _, err := w.indexer.IndexFile(ctx, path); err != nil {
			logging.Get(logging.CategoryIndexer).Error("Watcher: reindex %s failed: %v", path, err)
		} else {
			logging.Indexer("Watcher: reindexed %s", path)
		}
	}
	w.indexer.notify()
}
