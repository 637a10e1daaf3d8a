package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"grimm.is/ruleplane/internal/logging"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 250 * time.Millisecond

// ReloadFunc receives each successfully loaded and validated configuration.
type ReloadFunc func(cfg *Config) error

// Watcher reloads a configuration file when it changes on disk. It watches the
// parent directory so editors that replace the file by rename are seen.
type Watcher struct {
	path     string
	onChange ReloadFunc
	logger   *logging.Logger
	debounce time.Duration
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, onChange ReloadFunc, logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		logger:   logger.WithComponent("config"),
		debounce: DefaultDebounce,
	}
}

// SetDebounce overrides DefaultDebounce.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("watching configuration", "path", w.path)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		case <-timer.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	result, err := LoadFileWithOptions(w.path, DefaultLoadOptions())
	if err != nil {
		w.logger.Error("configuration reload failed", "path", w.path, "error", err)
		return
	}
	for _, warn := range result.Warnings {
		w.logger.Warn("configuration warning", "path", w.path, "warning", warn)
	}
	if errs := result.Config.Validate(); errs.HasErrors() {
		w.logger.Error("configuration rejected", "path", w.path, "error", errs)
		return
	}
	if err := w.onChange(result.Config); err != nil {
		w.logger.Error("configuration not applied", "path", w.path, "error", err)
		return
	}
	w.logger.Info("configuration reloaded", "path", w.path)
}
