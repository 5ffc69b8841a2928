package fleet

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SyncCallback is called after every re-sync triggered by a file change
type SyncCallback func(report SyncReport, err error)

// Watcher re-syncs the store whenever the fleet file changes on disk
type Watcher struct {
	path     string
	store    Store
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	onSync   SyncCallback
	debounce time.Duration

	timer *time.Timer
	ctx   context.Context
	mu    sync.Mutex

	cancel context.CancelFunc
}

// WatcherOption configures a Watcher
type WatcherOption func(*Watcher)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce sets how long writes are coalesced before a re-sync
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithOnSync registers a callback invoked after each re-sync
func WithOnSync(cb SyncCallback) WatcherOption {
	return func(w *Watcher) { w.onSync = cb }
}

// NewWatcher creates a watcher for the fleet file at path. The parent
// directory is watched so editors that replace the file are still seen.
func NewWatcher(path string, s Store, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     abs,
		store:    s,
		watcher:  fw,
		logger:   slog.Default(),
		debounce: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching for changes
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.ctx = ctx
	w.cancel = cancel
	w.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
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
				w.logger.Warn("fleet watcher error", "error", err)
			}
		}
	}()
}

// Stop stops watching and cancels any pending re-sync
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.watcher.Close()
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.resync)
}

func (w *Watcher) resync() {
	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	report, err := LoadAndSync(ctx, w.store, w.path)
	if err != nil {
		// The previous fleet stays in effect until the file is valid again.
		w.logger.Error("fleet re-sync failed", "path", w.path, "error", err)
	} else {
		w.logger.Info("fleet re-synced",
			"path", w.path,
			"upserted", report.Upserted,
			"deactivated", len(report.Deactivated))
	}
	if w.onSync != nil {
		w.onSync(report, err)
	}
}
