package main

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"orderpipe/internal/config"
	"orderpipe/internal/manifest"
	"orderpipe/internal/metrics"
	"orderpipe/internal/sink"
	"orderpipe/internal/snapshot"
	"orderpipe/internal/state"
)

func writeDelta(t *testing.T, w *sink.FileWriter, key string, seq int64, count int64, sum float64) {
	t.Helper()
	e, err := sink.NewEnvelope(sink.KindAggregate, key, "run", seq, state.Delta{Count: count, Sum: sum})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(context.Background(), e); err != nil {
		t.Fatal(err)
	}
}

func TestCycle_RestoresCheckpointAndReportsLag(t *testing.T) {
	base := t.TempDir()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Sink.Dir = filepath.Join(base, "out")
	cfg.State.SnapshotDir = filepath.Join(base, "snapshots")

	w, err := sink.NewFileWriter(cfg.Sink.Dir, "changelog.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	st := state.NewInMemoryStore()
	if _, _, err := st.Apply("OUTLET#a", 2, 300, 1); err != nil {
		t.Fatal(err)
	}
	writeDelta(t, w, "OUTLET#a", 1, 2, 300)
	id := "sid-000001"
	if err := snapshot.NewFilesystemSnapshotter(cfg.State.SnapshotDir).WriteSnapshot(id, st); err != nil {
		t.Fatal(err)
	}
	err = manifest.NewFilesystemManifest(cfg.State.SnapshotDir).
		PublishLatest(context.Background(), manifest.Manifest{SnapshotID: id, RunSeq: 1, ChangelogOffset: 1})
	if err != nil {
		t.Fatal(err)
	}
	// Written after the checkpoint: one new delta and one replayed duplicate.
	writeDelta(t, w, "OUTLET#a", 2, 1, 50)
	writeDelta(t, w, "OUTLET#a", 2, 1, 50)

	reg := metrics.NewRegistry()
	c := newChecker(cfg, reg, slog.Default())
	out, err := c.cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if out.SnapshotKeys != 1 || out.Replay.Applied != 1 || out.Replay.Skipped != 1 || out.NextSeqAfter() != 2 {
		t.Fatalf("outcome: %+v", out)
	}

	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	for _, line := range []string{"orderpipe_replay_applied_total 1", "orderpipe_changelog_lag 2"} {
		if !strings.Contains(rec.Body.String(), line) {
			t.Fatalf("metrics missing %q:\n%s", line, rec.Body.String())
		}
	}
}

func TestCycle_NoCheckpointIsAnError(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Sink.Dir = t.TempDir()
	cfg.State.SnapshotDir = t.TempDir()
	if _, err := newChecker(cfg, metrics.NewRegistry(), slog.Default()).cycle(context.Background()); err == nil {
		t.Fatalf("expected error without a manifest")
	}
}
