package host

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"redline/engine/internal/logging"
)

// PathWatcher watches the parent directories of session target files and
// reports removals, so a target deleted outside the editor tears its session
// down the same way an external tab close does.
type PathWatcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	paths    map[string]bool
	dirs     map[string]int
	onRemove func(path string)
	logger   *slog.Logger
	closed   bool
}

func NewPathWatcher(onRemove func(path string), logger *slog.Logger) (*PathWatcher, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	pw := &PathWatcher{
		watcher:  watcher,
		paths:    make(map[string]bool),
		dirs:     make(map[string]int),
		onRemove: onRemove,
		logger:   logger,
	}
	go pw.loop()
	return pw, nil
}

// Add starts watching path's directory. Watching the directory rather than
// the file keeps the watch alive across editors that replace files on save.
func (w *PathWatcher) Add(path string) {
	dir := filepath.Dir(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.paths[path] = true
	w.dirs[dir]++
	if w.dirs[dir] == 1 {
		if err := w.watcher.Add(dir); err != nil {
			w.logger.Warn("host.watch_add_failed", "dir", dir, "error", err.Error())
		}
	}
}

func (w *PathWatcher) Remove(path string) {
	dir := filepath.Dir(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.paths[path] {
		return
	}
	delete(w.paths, path)
	w.dirs[dir]--
	if w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		if !w.closed {
			_ = w.watcher.Remove(dir)
		}
	}
}

func (w *PathWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *PathWatcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.mu.Lock()
			watched := w.paths[event.Name]
			w.mu.Unlock()
			if watched {
				w.logger.Debug("host.watched_path_removed", "path", event.Name)
				w.onRemove(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("host.watch_error", "error", err.Error())
		}
	}
}
