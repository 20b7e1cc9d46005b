// Package watch reloads a file whenever it changes on disk.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce coalesces the burst of events editors emit on save.
const DefaultDebounce = 100 * time.Millisecond

// FileWatcher calls OnChange after the watched file is written, created, or
// renamed into place. The parent directory is watched so atomic-rename
// saves are seen.
type FileWatcher struct {
	path     string
	onChange func(path string) error
	debounce time.Duration
	log      *log.Logger

	timerMu sync.Mutex
	timer   *time.Timer
}

// Opts holds parameters for creating a FileWatcher.
type Opts struct {
	Path     string
	OnChange func(path string) error
	Debounce time.Duration
	Logger   *log.Logger
}

// New creates a FileWatcher. The file itself need not exist yet.
func New(opts Opts) (*FileWatcher, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("watch: path is required")
	}
	if opts.OnChange == nil {
		return nil, fmt.Errorf("watch: OnChange is required")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("watch")
	}
	abs, err := filepath.Abs(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve %s: %w", opts.Path, err)
	}
	return &FileWatcher{
		path:     abs,
		onChange: opts.OnChange,
		debounce: opts.Debounce,
		log:      logger,
	}, nil
}

// Run watches until ctx is cancelled.
func (w *FileWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch: add %s: %w", filepath.Dir(w.path), err)
	}
	w.log.Info("watching file", "path", w.path)

	defer w.stopTimer()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("fsnotify error", "err", err)
		}
	}
}

func (w *FileWatcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *FileWatcher) fire() {
	if err := w.onChange(w.path); err != nil {
		w.log.Warn("reload failed, keeping previous version", "path", w.path, "err", err)
		return
	}
	w.log.Debug("reloaded", "path", w.path)
}

func (w *FileWatcher) stopTimer() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
}
