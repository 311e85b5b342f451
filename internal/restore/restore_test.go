package restore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"orderpipe/internal/manifest"
	"orderpipe/internal/sink"
	"orderpipe/internal/snapshot"
	"orderpipe/internal/state"
)

type delta struct {
	key   string
	seq   int64
	count int64
	sum   float64
}

func writeDeltas(t *testing.T, w *sink.FileWriter, deltas ...delta) {
	t.Helper()
	for _, d := range deltas {
		e, err := sink.NewEnvelope(sink.KindAggregate, d.key, "run", d.seq, state.Delta{Count: d.count, Sum: d.sum})
		if err != nil {
			t.Fatalf("envelope: %v", err)
		}
		if err := w.Write(context.Background(), e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func TestRestoreAndReplay_FirstRunReplaysEverything(t *testing.T) {
	base := t.TempDir()
	w, err := sink.NewFileWriter(filepath.Join(base, "changelog"), "aggregate.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	writeDeltas(t, w, delta{"DAY#2024-03-01", 1, 2, 100}, delta{"DAY#2024-03-01", 2, 1, 50})
	anomaly, _ := sink.NewEnvelope(sink.KindAnomaly, "x", "run", 2, "ignored")
	_ = w.Write(context.Background(), anomaly)

	st := state.NewInMemoryStore()
	r := NewRestorer(st, snapshot.NewFilesystemSnapshotter(base), manifest.NewFilesystemManifest(base), w.Path(), nil)
	out, err := r.RestoreAndReplay(context.Background())
	if err != nil {
		t.Fatalf("RestoreAndReplay: %v", err)
	}
	if !out.FirstRun || out.Replay.Applied != 2 || out.NextSeqAfter() != 2 {
		t.Fatalf("outcome: %+v", out)
	}
	if g, _ := st.Get("DAY#2024-03-01"); g.Count != 3 || g.Sum != 150 || g.LastSeq != 2 {
		t.Fatalf("state: %+v", g)
	}
}

func TestRestoreFromSnapshot_MissingIsSkipped(t *testing.T) {
	base := t.TempDir()
	st := state.NewInMemoryStore()
	r := NewRestorer(st, snapshot.NewFilesystemSnapshotter(base), manifest.NewFilesystemManifest(base), "", nil)
	n, err := r.RestoreFromSnapshot("sid-missing")
	if err != nil || n != 0 {
		t.Fatalf("missing snapshot: n=%d err=%v", n, err)
	}
}

func TestReplayChangelog_IdempotencyAndGaps(t *testing.T) {
	base := t.TempDir()
	w, err := sink.NewFileWriter(base, "cl.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	// seq=1 apply, seq=1 duplicate skip, seq=3 gap apply, seq=2 lower-than-last skip
	writeDeltas(t, w,
		delta{"OUTLET#o1", 1, 1, 10},
		delta{"OUTLET#o1", 1, 9, 999},
		delta{"OUTLET#o1", 3, 1, 5},
		delta{"OUTLET#o1", 2, 10, 100},
	)

	st := state.NewInMemoryStore()
	r := NewRestorer(st, nil, manifest.NewFilesystemManifest(base), "", nil)
	res := r.ReplayChangelog(w.Path(), 0)
	if res.Error != nil {
		t.Fatalf("replay error: %v", res.Error)
	}
	if res.Applied != 2 || res.Skipped != 2 || res.MaxSeq != 3 {
		t.Fatalf("want applied=2 skipped=2 maxSeq=3, got %+v", res)
	}
	fin, ok := st.Get("OUTLET#o1")
	if !ok {
		t.Fatalf("missing key")
	}
	if fin.LastSeq != 3 || fin.Sum != 15 || fin.Count != 2 {
		t.Fatalf("unexpected final state: %+v", fin)
	}
}

func TestReplayChangelog_EmptyAndMalformed(t *testing.T) {
	base := t.TempDir()
	empty := filepath.Join(base, "empty.jsonl")
	if err := os.WriteFile(empty, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	st := state.NewInMemoryStore()
	r := NewRestorer(st, nil, manifest.NewFilesystemManifest(base), "", nil)
	res := r.ReplayChangelog(empty, 0)
	if res.Error != nil || res.Applied != 0 || res.Skipped != 0 {
		t.Fatalf("empty file unexpected: %+v", res)
	}
	bad := filepath.Join(base, "bad.jsonl")
	content := `{"kind":"aggregate","key":"DAY#x","seq":1,"payload":{"count":1,"sum":1},"ts":1}` + "\n{bad json}\n"
	if err := os.WriteFile(bad, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	res = r.ReplayChangelog(bad, 0)
	if res.Error == nil {
		t.Fatalf("expected error for malformed JSONL, got nil")
	}
	if res.Applied != 1 {
		t.Fatalf("good line before the bad one should apply: %+v", res)
	}
}

// snapshot -> manifest -> changelog -> RestoreAndReplay -> final state
func TestIntegration_RestoreAndReplay_EndToEnd(t *testing.T) {
	base := t.TempDir()

	prep := state.NewInMemoryStore()
	_, _, _ = prep.Apply("DAY#2024-03-01", 1, 100, 1)
	_, _, _ = prep.Apply("DAY#2024-03-01", 1, 100, 2)
	_, _, _ = prep.Apply("OUTLET#o2", 1, 50, 1)

	snaps := snapshot.NewFilesystemSnapshotter(filepath.Join(base, "snapshots"))
	sid := "sid-int"
	if err := snaps.WriteSnapshot(sid, prep); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	mf := manifest.NewFilesystemManifest(base)
	if err := mf.PublishLatest(context.Background(), manifest.Manifest{SnapshotID: sid, RunSeq: 2, ChangelogOffset: 1}); err != nil {
		t.Fatalf("publish manifest: %v", err)
	}

	w, err := sink.NewFileWriter(filepath.Join(base, "changelog"), "aggregate.jsonl")
	if err != nil {
		t.Fatal(err)
	}
	writeDeltas(t, w,
		delta{"DAY#2024-03-01", 2, 9, 999}, // before the offset
		delta{"DAY#2024-03-01", 3, 3, 30},
		delta{"OUTLET#o2", 1, 1, 123}, // already in the snapshot
		delta{"OUTLET#o2", 3, 2, 20},
		delta{"STATUS#DELIVERED", 3, 1, 5},
	)

	st := state.NewInMemoryStore()
	r := NewRestorer(st, snaps, mf, w.Path(), nil)
	out, err := r.RestoreAndReplay(context.Background())
	if err != nil {
		t.Fatalf("RestoreAndReplay: %v", err)
	}
	if out.FirstRun || out.SnapshotKeys != 2 || out.NextSeqAfter() != 3 {
		t.Fatalf("outcome: %+v", out)
	}

	k1, _ := st.Get("DAY#2024-03-01")
	if k1.LastSeq != 3 || k1.Sum != 230 || k1.Count != 5 {
		t.Fatalf("key1 unexpected: %+v", k1)
	}
	k2, _ := st.Get("OUTLET#o2")
	if k2.LastSeq != 3 || k2.Sum != 70 || k2.Count != 3 {
		t.Fatalf("key2 unexpected: %+v", k2)
	}
	k3, ok := st.Get("STATUS#DELIVERED")
	if !ok || k3.LastSeq != 3 || k3.Sum != 5 || k3.Count != 1 {
		t.Fatalf("key3 unexpected: %+v", k3)
	}
	if out.Replay.Applied != 3 || out.Replay.Skipped != 1 {
		t.Fatalf("result unexpected: %+v", out.Replay)
	}
}
