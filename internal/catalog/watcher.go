package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/lsm/changefeed/internal/observability"
)

// Watcher serves the catalog loaded from a file and reloads it when the file
// changes. A failed reload keeps the previous catalog. Callers that hold a
// *Catalog from Current keep it for as long as they need; reloads swap in a
// new value and never mutate the old one.
type Watcher struct {
	path     string
	current  atomic.Pointer[Catalog]
	logger   *slog.Logger
	metrics  *observability.Metrics
	onChange func(*Catalog)
}

var _ Provider = (*Watcher)(nil)

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMetrics enables the reload counter.
func WithMetrics(m *observability.Metrics) WatcherOption {
	return func(w *Watcher) {
		w.metrics = m
	}
}

// OnChange registers fn to be called with every successfully reloaded catalog.
func OnChange(fn func(*Catalog)) WatcherOption {
	return func(w *Watcher) {
		w.onChange = fn
	}
}

// NewWatcher loads path and returns a Watcher serving it. Call Watch to
// follow later changes.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:   path,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	c, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	w.current.Store(c)
	w.logger.Info("catalog loaded", "file", path, "resource_types", c.Len())
	return w, nil
}

// Current returns the active catalog.
func (w *Watcher) Current() *Catalog {
	return w.current.Load()
}

// Reload reads the file again and swaps it in on success.
func (w *Watcher) Reload() error {
	c, err := LoadFile(w.path)
	if err != nil {
		w.count("error")
		return err
	}
	w.current.Store(c)
	w.count("success")
	w.logger.Info("catalog reloaded", "file", w.path, "resource_types", c.Len())
	if w.onChange != nil {
		w.onChange(c)
	}
	return nil
}

// Watch follows changes to the catalog file until ctx is done. The parent
// directory is watched so editors that replace the file and mounted volumes
// that swap symlinks are both picked up.
func (w *Watcher) Watch(ctx context.Context) error {
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

	w.logger.Info("watching catalog", "file", w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("catalog change detected", "file", event.Name, "op", event.Op)
			if err := w.Reload(); err != nil {
				w.logger.Error("failed to reload catalog", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) count(status string) {
	if w.metrics != nil {
		w.metrics.CatalogReloads.WithLabelValues(status).Inc()
	}
}
