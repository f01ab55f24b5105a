package config

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration when the file changes on disk, so vfio
// and guard settings can be adjusted without restarting the daemon.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	logger  *slog.Logger

	onReload func(*Config)
	onError  func(error)

	done    chan struct{}
	mu      sync.Mutex
	running bool
}

// NewWatcher creates a watcher for the config file at path.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher: fsw,
		path:    path,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// SetReloadCallback sets the callback invoked with each validated reload.
func (w *Watcher) SetReloadCallback(fn func(*Config)) {
	w.onReload = fn
}

// SetErrorCallback sets the callback invoked when a changed file fails to
// parse or validate. The previous configuration stays in effect.
func (w *Watcher) SetErrorCallback(fn func(error)) {
	w.onError = fn
}

// Start begins watching. The containing directory is watched rather than
// the file itself, so atomic rename-into-place writes are seen.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	go w.watch()
	w.logger.Debug("config watcher started", "path", w.path)
	return nil
}

func (w *Watcher) watch() {
	filename := filepath.Base(w.path)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filename {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				cfg, err := Load(w.path)
				if err != nil {
					w.logger.Warn("config reload failed, keeping previous", "error", err)
					if w.onError != nil {
						w.onError(err)
					}
					continue
				}
				w.logger.Info("configuration reloaded", "path", w.path)
				if w.onReload != nil {
					w.onReload(cfg)
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	close(w.done)
	return w.watcher.Close()
}
