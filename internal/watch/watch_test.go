package watch

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunReportsPNGChanges(t *testing.T) {
	dir := t.TempDir()
	w, err := New([]string{dir, filepath.Join(dir, "missing")}, 100*time.Millisecond, quietLogger())
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()
	if len(w.Dirs()) != 1 || w.Dirs()[0] != dir {
		t.Fatalf("expected only the existing dir to be watched, got %v", w.Dirs())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	batches := make(chan []Event, 4)
	go w.Run(ctx, func(evs []Event) { batches <- evs })

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case evs := <-batches:
		t.Fatalf("non-frame file must not trigger a change: %+v", evs)
	case <-time.After(300 * time.Millisecond):
	}

	for _, name := range []string{"out_00000.png", "out_00001.png"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("png"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	select {
	case evs := <-batches:
		if len(evs) == 0 {
			t.Fatalf("expected events in batch")
		}
		for _, ev := range evs {
			if filepath.Ext(ev.Path) != ".png" || ev.Operation == "" {
				t.Fatalf("unexpected event %+v", ev)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no change reported")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	w, err := New([]string{t.TempDir()}, 50*time.Millisecond, quietLogger())
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, func([]Event) {}) }()
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return")
	}
}

func TestOperation(t *testing.T) {
	cases := map[fsnotify.Op]string{
		fsnotify.Create:                  "created",
		fsnotify.Write:                   "modified",
		fsnotify.Remove:                  "deleted",
		fsnotify.Rename:                  "renamed",
		fsnotify.Chmod:                   "",
		fsnotify.Create | fsnotify.Chmod: "created",
	}
	for op, want := range cases {
		if got := operation(op); got != want {
			t.Errorf("operation(%v) = %q, want %q", op, got, want)
		}
	}
}
