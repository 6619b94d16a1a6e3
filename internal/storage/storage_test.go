package storage

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "db", "nvis.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)

	rec := RunRecord{
		ID:          "run-1",
		Kind:        "diff",
		Status:      "queued",
		Inputs:      []string{"a.png", "b.png"},
		OutputPath:  "out",
		OptionsJSON: `{"window":8}`,
	}
	if err := s.RecordRunQueued(rec); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := s.RecordRunStart("run-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RecordRunResult("run-1", "completed", map[string]any{"sharper": 12}, ""); err != nil {
		t.Fatalf("result: %v", err)
	}

	runs, err := s.RecentRuns(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected one run, got %d", len(runs))
	}
	got := runs[0]
	if got.Status != "completed" || got.Kind != "diff" || got.OutputPath != "out" {
		t.Fatalf("unexpected run %+v", got)
	}
	if len(got.Inputs) != 2 || got.Inputs[1] != "b.png" {
		t.Fatalf("inputs not preserved: %v", got.Inputs)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatalf("expected start and completion times, got %+v", got)
	}

	meta, err := s.RunMeta("run-1")
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta["sharper"] != float64(12) {
		t.Fatalf("unexpected meta %v", meta)
	}
}

func TestRecentRunsNewestFirstAndLimited(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"r1", "r2", "r3"} {
		if err := s.RecordRunQueued(RunRecord{ID: id, Kind: "score", Status: "queued"}); err != nil {
			t.Fatalf("queue %s: %v", id, err)
		}
	}
	runs, err := s.RecentRuns(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "r3" || runs[1].ID != "r2" {
		t.Fatalf("unexpected order %+v", runs)
	}
	if runs[0].StartedAt != nil || runs[0].Inputs != nil {
		t.Fatalf("queued run should have no start time or inputs: %+v", runs[0])
	}
}

func TestFailedRunKeepsError(t *testing.T) {
	s := openTestStore(t)
	if err := s.RecordRunQueued(RunRecord{ID: "bad", Kind: "diff", Status: "queued"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := s.RecordRunResult("bad", "failed", nil, "image dimensions differ"); err != nil {
		t.Fatalf("result: %v", err)
	}
	runs, err := s.RecentRuns(1)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if runs[0].Status != "failed" || runs[0].Error != "image dimensions differ" {
		t.Fatalf("unexpected run %+v", runs[0])
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	rec := SessionRecord{ID: "sess", Root: ".", Dirs: []string{"out", "ref"}, Port: 8000, Mode: "builtin", Streams: 2, Images: 20}
	if err := s.RecordSessionStart(rec); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.UpdateSessionCounts("sess", 3, 31); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.RecordSessionStop("sess"); err != nil {
		t.Fatalf("stop: %v", err)
	}

	sessions, err := s.RecentSessions(5)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected one session, got %d", len(sessions))
	}
	got := sessions[0]
	if got.Port != 8000 || got.Streams != 3 || got.Images != 31 || len(got.Dirs) != 2 {
		t.Fatalf("unexpected session %+v", got)
	}
	if got.StoppedAt == nil {
		t.Fatalf("expected stop time")
	}
}

func TestNilStore(t *testing.T) {
	var s *Store
	if err := s.RecordRunQueued(RunRecord{ID: "x"}); err != nil {
		t.Fatalf("nil store write should be a no-op: %v", err)
	}
	if err := s.RecordSessionStart(SessionRecord{ID: "x"}); err != nil {
		t.Fatalf("nil store write should be a no-op: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
	if _, err := s.RecentRuns(1); err == nil {
		t.Fatalf("expected error reading from nil store")
	}
}
