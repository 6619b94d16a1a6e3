// Package watch reports debounced changes to PNG frames in a set of
// directories.
package watch

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"

	"nvis/internal/fsutil"
)

// Event is a single frame file change.
type Event struct {
	Path      string    `json:"path"`
	Operation string    `json:"operation"` // "created", "modified", "deleted", "renamed"
	Time      time.Time `json:"time"`
}

// Watcher monitors directories for frame changes.
type Watcher struct {
	watcher  *fsnotify.Watcher
	dirs     []string
	debounce time.Duration
	log      *slog.Logger
}

// New starts watching dirs immediately. Directories that cannot be watched
// are logged and skipped.
func New(dirs []string, debounce time.Duration, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{watcher: fw, debounce: debounce, log: log}
	for _, dir := range dirs {
		if err := fw.Add(dir); err != nil {
			log.Warn("cannot watch directory", "dir", dir, "error", err)
			continue
		}
		w.dirs = append(w.dirs, dir)
		log.Debug("watching directory", "dir", dir)
	}
	return w, nil
}

// Dirs returns the directories actually being watched.
func (w *Watcher) Dirs() []string {
	return w.dirs
}

// Close releases the underlying watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// Run delivers batches of events to onChange once no further change has been
// seen for the debounce interval. It returns when ctx is cancelled or the
// watcher is closed. onChange runs on the Run goroutine.
func (w *Watcher) Run(ctx context.Context, onChange func([]Event)) error {
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var pending []Event
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			op := operation(event.Op)
			if op == "" || !fsutil.IsPNG(event.Name) {
				continue
			}
			pending = append(pending, Event{Path: event.Name, Operation: op, Time: time.Now()})
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			batch := pending
			pending = nil
			w.log.Debug("frames changed", "events", len(batch))
			onChange(batch)
		}
	}
}

func operation(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "created"
	case op.Has(fsnotify.Write):
		return "modified"
	case op.Has(fsnotify.Remove):
		return "deleted"
	case op.Has(fsnotify.Rename):
		return "renamed"
	default:
		return ""
	}
}
