// Package watcher delivers debounced change notifications for a fixed set of
// config files. It watches the parent directories rather than the files
// themselves so atomic-replace writes (write temp, rename over) are seen as
// changes to the watched path.
package watcher

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const stopJoinTimeout = 2 * time.Second

// Callback receives the absolute path of a changed file after its debounce
// window closes. Callbacks run on the watcher's worker goroutine, never on
// the filesystem event goroutine.
type Callback func(path string)

// Watcher monitors a set of files for modification with per-file debouncing.
type Watcher struct {
	mu       sync.Mutex
	files    map[string]bool // resolved absolute paths
	debounce time.Duration
	callback Callback
	logger   *zap.Logger

	fsw     *fsnotify.Watcher
	timers  map[string]*time.Timer
	pending chan string
	stopCh  chan struct{}
	running bool

	eventLoopDone chan struct{}
	workerDone    chan struct{}
}

// New creates a watcher for the given files. Paths are resolved to absolute
// form; events elsewhere in the shared directories are ignored.
func New(files []string, debounce time.Duration, callback Callback, logger *zap.Logger) (*Watcher, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no files to watch")
	}
	if callback == nil {
		return nil, fmt.Errorf("callback must not be nil")
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	resolved := make(map[string]bool, len(files))
	for _, file := range files {
		abs, err := filepath.Abs(file)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s: %w", file, err)
		}
		resolved[filepath.Clean(abs)] = true
	}

	return &Watcher{
		files:    resolved,
		debounce: debounce,
		callback: callback,
		logger:   logger.Named("watcher"),
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Start begins watching. Starting a running watcher is an error; a stopped
// watcher may be started again.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	dirs := map[string]bool{}
	for file := range w.files {
		dirs[filepath.Dir(file)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	w.fsw = fsw
	w.pending = make(chan string, 16)
	w.stopCh = make(chan struct{})
	w.eventLoopDone = make(chan struct{})
	w.workerDone = make(chan struct{})
	w.running = true

	go w.eventLoop(fsw, w.eventLoopDone)
	go w.worker(w.pending, w.stopCh, w.workerDone)

	w.logger.Info("Config watcher started",
		zap.Int("files", len(w.files)),
		zap.Duration("debounce", w.debounce))
	return nil
}

// Stop cancels pending timers and joins the background goroutines. Stopping
// a stopped watcher is a no-op.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false

	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	_ = w.fsw.Close()
	close(w.stopCh)

	eventLoopDone := w.eventLoopDone
	workerDone := w.workerDone
	w.mu.Unlock()

	for _, done := range []chan struct{}{eventLoopDone, workerDone} {
		select {
		case <-done:
		case <-time.After(stopJoinTimeout):
			w.logger.Warn("Timed out waiting for watcher goroutine to stop")
		}
	}
	w.logger.Info("Config watcher stopped")
}

func (w *Watcher) eventLoop(fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Filesystem watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return
	}
	path := filepath.Clean(abs)

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running || !w.files[path] {
		return
	}

	// One pending timer per file; every new event restarts the window.
	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.fire(path)
	})
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	delete(w.timers, path)
	pending := w.pending
	w.mu.Unlock()

	// The pending channel is never closed, so a timer racing Stop at worst
	// enqueues into a buffer nobody drains.
	select {
	case pending <- path:
	default:
		w.logger.Warn("Dropping change notification, worker is backed up",
			zap.String("path", path))
	}
}

func (w *Watcher) worker(pending <-chan string, stopCh <-chan struct{}, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-stopCh:
			return
		case path := <-pending:
			w.invoke(path)
		}
	}
}

func (w *Watcher) invoke(path string) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Watcher callback panicked",
				zap.String("path", path),
				zap.Any("panic", r))
		}
	}()
	w.callback(path)
}
