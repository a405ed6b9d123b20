// Package watch implements the recursive source-change watcher: fsnotify
// on every directory under a service's watch roots, ignore-prefix
// filtering, and a trailing-edge debounce before signalling a restart.
package watch

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounce = time.Second

var defaultIgnore = []string{"node_modules", ".git", ".bm2"}

// Sink receives the debounced "source changed" event. The Supervisor
// implements it.
type Sink interface {
	EnqueueSourceChanged(id int)
}

// Watcher watches one service's watch_paths.
type Watcher struct {
	id     int
	ignore []string
	sink   Sink
	logger *slog.Logger

	fsw       *fsnotify.Watcher
	mu        sync.Mutex
	debounceT *time.Timer
	stopCh    chan struct{}
	done      chan struct{}
}

// New establishes a recursive watch over paths, applying defaultIgnore plus
// extraIgnore prefixes. If the fsnotify watcher cannot be created, it logs
// and returns a nil *Watcher with no error; a root whose recursive watch
// cannot be fully established (e.g. too many open watches) is logged and the
// returned Watcher keeps whatever directories were added — watch is a
// best-effort convenience, never fatal to the service.
func New(id int, paths, extraIgnore []string, sink Sink, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if len(paths) == 0 {
		paths = []string{"."}
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watch: failed to create fsnotify watcher, degrading to no-op", "error", err, "id", id)
		return nil
	}

	w := &Watcher{
		id:     id,
		ignore: append(append([]string{}, defaultIgnore...), extraIgnore...),
		sink:   sink,
		logger: logger,
		fsw:    fsw,
	}

	for _, root := range paths {
		if err := w.addRecursive(root); err != nil {
			logger.Warn("watch: failed to establish recursive watch, degrading to non-fatal", "path", root, "error", err, "id", id)
		}
	}
	return w
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // best-effort: skip unreadable subtrees, don't abort the walk
		}
		if !d.IsDir() {
			return nil
		}
		if w.isIgnored(path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

func (w *Watcher) isIgnored(path string) bool {
	for _, part := range strings.Split(path, string(filepath.Separator)) {
		for _, ig := range w.ignore {
			if part == ig {
				return true
			}
		}
	}
	return false
}

// Start launches the event loop. Safe to call once.
func (w *Watcher) Start() {
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop()
}

// Stop closes the underlying fsnotify watcher and waits for the loop to
// exit.
func (w *Watcher) Stop() {
	if w.stopCh == nil {
		return
	}
	close(w.stopCh)
	_ = w.fsw.Close()
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.isIgnored(ev.Name) {
				continue
			}
			w.armDebounce()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch: fsnotify error", "error", err, "id", w.id)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) armDebounce() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounceT != nil {
		w.debounceT.Stop()
	}
	w.debounceT = time.AfterFunc(debounce, func() {
		w.sink.EnqueueSourceChanged(w.id)
	})
}
