package gateway

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"salvage/internal/gateway/websocket"
	"salvage/pkg/logger"
)

const debounceDelay = 100 * time.Millisecond

// ReloadFunc is called once per burst of changes to a watched file.
type ReloadFunc func(path string) error

// Watcher reloads configuration when its file changes and tells dashboard
// clients about it.
//
// Editors often replace a file instead of writing it in place, so the parent
// directory is watched and events are filtered by name.
type Watcher struct {
	watcher *fsnotify.Watcher
	hub     *websocket.Hub
	files   map[string]bool
	reload  ReloadFunc
	stopCh  chan struct{}

	mu       sync.Mutex
	debounce map[string]*time.Timer
	stopped  bool
}

// NewWatcher creates a watcher for the given files.
func NewWatcher(hub *websocket.Hub, reload ReloadFunc, files ...string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	set := make(map[string]bool, len(files))
	for _, f := range files {
		set[filepath.Clean(f)] = true
	}

	return &Watcher{
		watcher:  w,
		hub:      hub,
		files:    set,
		reload:   reload,
		stopCh:   make(chan struct{}),
		debounce: make(map[string]*time.Timer),
	}, nil
}

// Start begins watching. Directories that cannot be watched are logged and
// skipped.
func (w *Watcher) Start() error {
	dirs := make(map[string]bool)
	for f := range w.files {
		dirs[filepath.Dir(f)] = true
	}
	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			logger.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory")
		}
	}

	go w.run()
	return nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if name := filepath.Clean(event.Name); w.files[name] {
				w.handleEvent(name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("Config watcher error")
		}
	}
}

func (w *Watcher) handleEvent(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if timer, ok := w.debounce[path]; ok {
		timer.Stop()
	}
	w.debounce[path] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.debounce, path)
		w.mu.Unlock()

		w.apply(path)
	})
}

func (w *Watcher) apply(path string) {
	if w.reload != nil {
		if err := w.reload(path); err != nil {
			logger.Error().Err(err).Str("path", path).Msg("Config reload failed")
			if w.hub != nil {
				_ = w.hub.Send(websocket.WSMessage{Type: websocket.TypeError, Path: path, Code: "RELOAD_FAILED", Message: err.Error()})
			}
			return
		}
	}

	logger.Info().Str("path", path).Msg("Config reloaded")
	if w.hub != nil {
		_ = w.hub.Send(websocket.WSMessage{Type: websocket.TypeReload, Path: path})
	}
}

// Stop stops watching and cancels pending reloads.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	for _, timer := range w.debounce {
		timer.Stop()
	}
	w.mu.Unlock()

	close(w.stopCh)
	w.watcher.Close()
}
