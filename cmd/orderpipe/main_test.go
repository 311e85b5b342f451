package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"orderpipe/internal/analytics"
	"orderpipe/internal/config"
	"orderpipe/internal/manifest"
	"orderpipe/internal/metrics"
	"orderpipe/internal/model"
	"orderpipe/internal/refdata"
	"orderpipe/internal/sink"
	"orderpipe/internal/snapshot"
	"orderpipe/internal/state"
)

const orders = `{"order_id":"o1","customer_id":"c1","outlet_id":"a","order_placed":"2024-03-01 19:00:00","status":"Delivered","total_price":100,"payment_method":"card"}
{"order_id":"o2","customer_id":"c2","outlet_id":"b","order_placed":"2024-03-01 12:00:00","status":"Delivered","total_price":250,"payment_method":"cash"}
not json
{"order_id":"o3","customer_id":"c1","outlet_id":"a","order_placed":"2024-03-01 20:30:00","status":"Cancelled","total_price":80,"payment_method":"card"}
`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	base := t.TempDir()
	input := filepath.Join(base, "orders.jsonl")
	if err := os.WriteFile(input, []byte(orders), 0o644); err != nil {
		t.Fatal(err)
	}
	ds := refdata.Dataset{Outlets: []model.Outlet{{ID: "a", Name: "Harbour"}, {ID: "b", Name: "Hill"}}}
	b, _ := json.Marshal(ds)
	refs := filepath.Join(base, "refdata.json")
	if err := os.WriteFile(refs, b, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Input.Path = input
	cfg.Lookup.RefDataPath = refs
	cfg.Sink.Dir = filepath.Join(base, "out")
	cfg.State.SnapshotDir = filepath.Join(base, "snapshots")
	cfg.DeadLetter.FlushThreshold = 0
	return cfg
}

func TestRun_CheckpointsAndContinuesAfterRestart(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	if err := run(ctx, cfg, "", nil); err != nil {
		t.Fatalf("first run: %v", err)
	}
	fm := manifest.NewFilesystemManifest(cfg.State.SnapshotDir)
	m1, err := fm.ReadLatest(ctx)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if m1.RunSeq != 1 || m1.InputCount != 3 {
		t.Fatalf("first manifest: %+v", m1)
	}
	lines, err := countEnvelopes(filepath.Join(cfg.Sink.Dir, changelogFile))
	if err != nil || lines != m1.ChangelogOffset {
		t.Fatalf("changelog offset: manifest=%d file=%d err=%v", m1.ChangelogOffset, lines, err)
	}
	var dead int
	_ = sink.ReadFile(filepath.Join(cfg.Sink.Dir, changelogFile), func(e sink.Envelope) error {
		if e.Kind == sink.KindDeadLetter {
			dead++
		}
		return nil
	})
	if dead != 1 {
		t.Fatalf("dead letters published: %d", dead)
	}

	// A fresh in-memory store is rebuilt from the snapshot and the sequence continues.
	if err := run(ctx, cfg, "", nil); err != nil {
		t.Fatalf("second run: %v", err)
	}
	m2, err := fm.ReadLatest(ctx)
	if err != nil || m2.RunSeq != 2 {
		t.Fatalf("second manifest: %+v err=%v", m2, err)
	}
	snap, err := snapshot.NewFilesystemSnapshotter(cfg.State.SnapshotDir).Load(m2.SnapshotID)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if g := snap[state.Key("DAY", "2024-03-01")]; g.Count != 6 || g.LastSeq != 2 {
		t.Fatalf("day aggregate after two runs: %+v", g)
	}
}

func TestRun_UnreadableInputFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Input.Path = filepath.Join(t.TempDir(), "missing.jsonl")
	if err := run(context.Background(), cfg, "", nil); err == nil {
		t.Fatalf("expected error for missing input")
	}
}

func TestRouter_ServesHealthMetricsAndReport(t *testing.T) {
	cfg := testConfig(t)
	reg := metrics.NewRegistry()
	svc, err := analytics.Build(cfg, analytics.Deps{
		Source:  refdata.NewMemory(refdata.Dataset{}),
		Store:   state.NewInMemoryStore(),
		Metrics: reg,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	h := newRouter(reg, svc)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}
	if rec := get("/healthz"); rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	if rec := get("/report"); rec.Code != http.StatusNoContent {
		t.Fatalf("report before any run: %d", rec.Code)
	}

	if _, err := svc.Analyze(context.Background(), nil); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	rec := get("/report")
	if rec.Code != http.StatusOK {
		t.Fatalf("report: %d", rec.Code)
	}
	var rep struct {
		Run struct {
			Seq int64 `json:"seq"`
		} `json:"run"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil || rep.Run.Seq != 1 {
		t.Fatalf("report body: %+v err=%v", rep.Run, err)
	}
	if !strings.Contains(get("/metrics").Body.String(), "orderpipe_runs_total 1") {
		t.Fatalf("metrics not served")
	}
}
