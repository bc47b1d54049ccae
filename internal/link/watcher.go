package link

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	path     string
	logger   *slog.Logger
	metrics  *Metrics
	onChange func(*Config)
}

// NewWatcher creates a Watcher for the config at path. onChange receives every
// successfully validated reload; invalid files are logged and skipped.
func NewWatcher(path string, logger *slog.Logger, metrics *Metrics, onChange func(*Config)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: filepath.Clean(path), logger: logger, metrics: metrics, onChange: onChange}
}

// Watch blocks until done is closed. The directory is watched rather than the
// file so that atomic renames and Kubernetes ConfigMap symlink swaps are seen.
func (w *Watcher) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}

	w.logger.Info("watching config", "path", w.path)

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Info("config change detected", "file", event.Name, "op", event.Op.String())
			w.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Base(event.Name)
	return name == filepath.Base(w.path) || strings.HasPrefix(name, "..data")
}

func (w *Watcher) reload() {
	cfg, err := LoadConfig(w.path)
	w.metrics.RecordReload(err)
	if err != nil {
		w.logger.Error("failed to reload config", "error", err)
		return
	}
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
