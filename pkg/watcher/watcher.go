// Package watcher reloads the runtime when reference, model or mapping
// files change on disk.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce collapses bursts of writes into one reload.
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc is called once per burst of changes.
type ReloadFunc func(ctx context.Context) error

// Watcher triggers a reload when any of a fixed set of files changes.
// Directories are watched rather than files so that editors and deploy
// tools that replace a file by rename are still noticed.
type Watcher struct {
	files    map[string]struct{}
	dirs     []string
	debounce time.Duration
	reload   ReloadFunc
	logger   *zap.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// New creates a watcher for paths. Empty paths are ignored.
func New(paths []string, debounce time.Duration, reload ReloadFunc, logger *zap.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{
		files:    make(map[string]struct{}),
		debounce: debounce,
		reload:   reload,
		logger:   logger.Named("watcher"),
	}

	seenDirs := make(map[string]bool)
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		w.files[abs] = struct{}{}
		dir := filepath.Dir(abs)
		if !seenDirs[dir] {
			seenDirs[dir] = true
			w.dirs = append(w.dirs, dir)
		}
	}
	if len(w.files) == 0 {
		return nil, fmt.Errorf("no files to watch")
	}
	return w, nil
}

// Run watches until ctx is cancelled. It returns an error only if the
// watch cannot be set up.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	for _, dir := range w.dirs {
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	w.logger.Info("Watching runtime files for changes",
		zap.Int("files", len(w.files)),
		zap.Strings("dirs", w.dirs),
		zap.Duration("debounce", w.debounce))

	defer w.stopTimer()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug("Runtime file changed",
				zap.String("path", event.Name),
				zap.String("op", event.Op.String()))
			w.trigger(ctx)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	_, ok := w.files[abs]
	return ok
}

func (w *Watcher) trigger(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		if err := w.reload(ctx); err != nil {
			w.logger.Error("Reload after file change failed", zap.Error(err))
			return
		}
		w.logger.Info("Reloaded after file change")
	})
}

func (w *Watcher) stopTimer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
