package index

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"localflow/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// Watcher marks the index dirty when anything under an authorized root
// changes. It watches directories recursively (fsnotify is not recursive
// by itself) and debounces rapid save bursts.
type Watcher struct {
	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	indexer     *Indexer
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a Watcher feeding staleness signals to the indexer.
func NewWatcher(indexer *Indexer) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		watcher:     fsw,
		indexer:     indexer,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond, // Debounce rapid saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching the given roots. Non-blocking.
func (w *Watcher) Start(ctx context.Context, roots []string) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	for _, root := range roots {
		w.addRecursive(root)
	}

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for cleanup.
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
	w.watcher.Close()
}

// addRecursive registers root and every non-denylisted directory below it.
func (w *Watcher) addRecursive(root string) {
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if ignoredDirs[strings.ToLower(d.Name())] && path != root {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			logging.IndexDebug("Watcher: could not watch %s: %v", path, err)
		}
		return nil
	})
	logging.Index("Watcher: watching root %s", root)
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

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
			logging.IndexDebug("Watcher error: %v", err)
		}
	}
}

// WatchAndRebuild watches every authorized root and rebuilds the index
// whenever the watcher has marked it dirty. Blocks until ctx is
// cancelled. poll bounds how long a detected change waits for a rebuild;
// zero means one second.
func (ix *Indexer) WatchAndRebuild(ctx context.Context, opts BuildOptions, poll time.Duration) error {
	scope := ix.perms.Scope()
	if scope.IsEmpty() {
		return ErrNoRoots
	}

	w, err := NewWatcher(ix)
	if err != nil {
		return err
	}
	if err := w.Start(ctx, scope.Roots); err != nil {
		return err
	}
	defer w.Stop()

	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	logging.Index("Watching %d roots, rebuilding on change", len(scope.Roots))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !ix.dirty.Load() {
				continue
			}
			if _, err := ix.Build(ctx, opts); err != nil {
				logging.Index("Watched rebuild failed: %v", err)
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	last, seen := w.debounceMap[event.Name]
	now := time.Now()
	w.debounceMap[event.Name] = now
	w.mu.Unlock()
	if seen && now.Sub(last) < w.debounceDur {
		return
	}

	// New directories need to be watched too.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !ignoredDirs[strings.ToLower(filepath.Base(event.Name))] {
				w.addRecursive(event.Name)
			}
		}
	}

	logging.IndexDebug("Watcher: change detected at %s, marking index dirty", event.Name)
	w.indexer.MarkDirty()
}
