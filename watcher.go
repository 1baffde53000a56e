package kixdns

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// configReloadRetries and configReloadSpacing match the original
// implementation's watcher.rs: three attempts, 50ms apart, before giving up
// on a filesystem event and keeping the previously loaded config.
const (
	configReloadRetries = 3
	configReloadSpacing = 50 * time.Millisecond
)

// Watcher hot-reloads a config file on every filesystem change, publishing
// each successfully compiled result onto the Engine via Swap. A malformed
// edit (or one caught mid-write) is retried a few times and otherwise
// discarded, leaving the previous, still-valid snapshot in place.
type Watcher struct {
	path   string
	engine *Engine
	fsw    *fsnotify.Watcher
	done   chan struct{}
}

// NewWatcher starts watching the directory containing path (not the file
// itself — editors commonly replace a file via rename, which doesn't fire
// events on a watch held on the old inode).
func NewWatcher(path string, engine *Engine) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{path: path, engine: engine, fsw: fsw, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			Log.Warn("config watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	var lastErr error
	for attempt := 0; attempt < configReloadRetries; attempt++ {
		cfg, err := LoadAndCompile(w.path)
		if err == nil {
			w.engine.Swap(cfg)
			Log.Info("config reloaded", "path", w.path, "version", cfg.Version)
			return
		}
		lastErr = err
		time.Sleep(configReloadSpacing)
	}
	Log.Warn("config reload failed, keeping previous snapshot", "path", w.path, "error", lastErr)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
