// Package watch reports changes to the device configuration file.
//
// The directory is watched rather than the file because UCI commits and
// most editors replace the file by rename, which drops a file watch.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrChanged is returned by Run once the file has changed.
var ErrChanged = errors.New("configuration file changed")

// DefaultDebounce collapses the burst of events a single save produces.
const DefaultDebounce = 2 * time.Second

// Watcher watches one file.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	fw       *fsnotify.Watcher
}

// New starts watching path. debounce <= 0 uses DefaultDebounce.
func New(path string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", path, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return &Watcher{
		path:     abs,
		debounce: debounce,
		logger:   logger.With("component", "watch"),
		fw:       fw,
	}, nil
}

// Run blocks until the file changes and the debounce period passes without
// further events, then returns ErrChanged. It returns ctx.Err() on
// cancellation. The watcher is closed when Run returns.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fw.Close()

	w.logger.Info("watching configuration", "path", w.path)

	var (
		timer  *time.Timer
		fire   <-chan time.Time
		events int
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fw.Events:
			if !ok {
				return errors.New("file watcher closed")
			}
			if !w.relevant(event) {
				continue
			}
			events++
			w.logger.Debug("configuration event", "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return errors.New("file watcher closed")
			}
			w.logger.Warn("file watcher error", "error", err)

		case <-fire:
			w.logger.Info("configuration changed", "path", w.path, "events", events)
			return ErrChanged
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	return err == nil && abs == w.path
}
