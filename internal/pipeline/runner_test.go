package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"orderpipe/internal/model"
)

// mutatingStage adds to every total, then optionally fails.
type mutatingStage struct {
	name  string
	delta float64
	fail  bool
	keep  bool // return the mutated batch alongside the error
}

func (m *mutatingStage) Name() string  { return m.name }
func (m *mutatingStage) Mutates() bool { return true }

func (m *mutatingStage) Process(ctx context.Context, batch []*model.Record) ([]*model.Record, error) {
	for _, r := range batch {
		r.Total += m.delta
	}
	if m.fail {
		if m.keep {
			return batch, errors.New("partial failure")
		}
		return nil, errors.New("boom")
	}
	return batch, nil
}

type recordingObserver struct {
	mu     sync.Mutex
	stages []string
	failed []string
}

func (o *recordingObserver) StageDone(stage string, elapsed time.Duration, records int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stages = append(o.stages, stage)
	if err != nil {
		o.failed = append(o.failed, stage)
	}
}

func oneOrder() []*model.Record {
	return []*model.Record{order("1", "o1", "2024-03-01 10:00", 100, model.StatusDelivered)}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": PolicySkipStage, "ABORT": PolicyAbort, "best-effort": PolicyBestEffort, " skip-stage ": PolicySkipStage} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q): got=%s err=%v", in, got, err)
		}
	}
	if _, err := ParsePolicy("retry"); !errors.Is(err, ErrUnknownPolicy) {
		t.Fatalf("want ErrUnknownPolicy, got %v", err)
	}
}

func TestRunner_SkipStageKeepsPreFailureBatch(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRunner(PolicySkipStage, nil).
		AddStage(&mutatingStage{name: "plus10", delta: 10}).
		AddStage(&mutatingStage{name: "broken", delta: 1000, fail: true, keep: true}).
		AddStage(&mutatingStage{name: "plus1", delta: 1}).
		Observe(obs)

	in := oneOrder()
	out, stats, err := r.Run(context.Background(), in)
	if err != nil {
		t.Fatalf("skip-stage run should not error: %v", err)
	}
	if out[0].Total != 111 {
		t.Fatalf("total: got=%v want=111", out[0].Total)
	}
	if in[0].Total != 100 {
		t.Fatalf("input batch mutated: %v", in[0].Total)
	}
	if len(stats.Errors) != 1 || stats.Errors[0].Stage != "broken" || stats.Errors[0].Message() != "partial failure" {
		t.Fatalf("errors: %+v", stats.Errors)
	}
	if !sameIDs(stats.CompletedStages, []string{"plus10", "plus1"}) {
		t.Fatalf("completed: %v", stats.CompletedStages)
	}
	if stats.RunID == "" || stats.Seq != 1 || stats.InputCount != 1 || stats.OutputCount != 1 {
		t.Fatalf("stats: %+v", stats)
	}
	if len(obs.stages) != 3 || len(obs.failed) != 1 {
		t.Fatalf("observer: %+v", obs)
	}
}

func TestRunner_BestEffortKeepsFailedStageOutput(t *testing.T) {
	r := NewRunner(PolicyBestEffort, nil).
		AddStage(&mutatingStage{name: "partial", delta: 5, fail: true, keep: true}).
		AddStage(&mutatingStage{name: "nothing", delta: 7, fail: true})

	out, stats, err := r.Run(context.Background(), oneOrder())
	if err != nil {
		t.Fatalf("best-effort run should not error: %v", err)
	}
	if out[0].Total != 105 {
		t.Fatalf("total: got=%v want=105", out[0].Total)
	}
	if len(stats.Errors) != 2 {
		t.Fatalf("errors: %v", stats.ErrorMessages())
	}
}

func TestRunner_AbortReturnsLastCompletedBatch(t *testing.T) {
	r := NewRunner(PolicyAbort, nil).
		AddStage(&mutatingStage{name: "plus10", delta: 10}).
		AddStage(&mutatingStage{name: "broken", fail: true}).
		AddStage(&mutatingStage{name: "never", delta: 1})

	out, stats, err := r.Run(context.Background(), oneOrder())
	var se *StageError
	if !errors.As(err, &se) || se.Stage != "broken" {
		t.Fatalf("want StageError for broken, got %v", err)
	}
	if !stats.Aborted || out[0].Total != 110 {
		t.Fatalf("aborted=%v total=%v", stats.Aborted, out[0].Total)
	}
}

func TestRunner_PanicBecomesStageFailure(t *testing.T) {
	r := NewRunner(PolicySkipStage, nil).AddStage(StageFunc{
		StageName: "panics",
		Fn: func(ctx context.Context, b []*model.Record) ([]*model.Record, error) {
			panic("bad index")
		},
	})
	out, stats, err := r.Run(context.Background(), oneOrder())
	if err != nil || len(out) != 1 || len(stats.Errors) != 1 {
		t.Fatalf("out=%d errs=%v err=%v", len(out), stats.ErrorMessages(), err)
	}
}

func TestRunner_DeadlineCheckedBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(PolicySkipStage, nil).
		AddStage(StageFunc{StageName: "first", Fn: func(ctx context.Context, b []*model.Record) ([]*model.Record, error) {
			cancel()
			return b[:0], nil
		}}).
		AddStage(&mutatingStage{name: "second", delta: 1})

	out, stats, err := r.Run(ctx, oneOrder())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if len(out) != 0 || !stats.Aborted || !sameIDs(stats.CompletedStages, []string{"first"}) {
		t.Fatalf("out=%d stats=%+v", len(out), stats)
	}
}

func TestRunner_SequenceAndRunContext(t *testing.T) {
	var seen []Run
	r := NewRunner("", nil).AddStage(StageFunc{StageName: "peek", Fn: func(ctx context.Context, b []*model.Record) ([]*model.Record, error) {
		run, ok := RunFromContext(ctx)
		if !ok {
			return nil, errors.New("no run in context")
		}
		seen = append(seen, run)
		return b, nil
	}})
	r.StartAfter(41)
	for i := 0; i < 2; i++ {
		if _, _, err := r.Run(context.Background(), nil); err != nil {
			t.Fatalf("run: %v", err)
		}
	}
	if len(seen) != 2 || seen[0].Seq != 42 || seen[1].Seq != 43 || seen[0].ID == seen[1].ID {
		t.Fatalf("runs: %+v", seen)
	}
	if r.Policy() != PolicySkipStage {
		t.Fatalf("default policy: %s", r.Policy())
	}
}

func TestRunner_NextReservesTheFollowingRun(t *testing.T) {
	var seen Run
	r := NewRunner("", nil).AddStage(StageFunc{StageName: "peek", Fn: func(ctx context.Context, b []*model.Record) ([]*model.Record, error) {
		seen, _ = RunFromContext(ctx)
		return b, nil
	}})
	r.StartAfter(9)

	reserved := r.Next()
	if again := r.Next(); again != reserved {
		t.Fatalf("second Next changed the reservation: %+v vs %+v", again, reserved)
	}
	_, stats, err := r.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if seen != reserved || stats.RunID != reserved.ID || stats.Seq != 10 {
		t.Fatalf("run %+v stats %s/%d, reserved %+v", seen, stats.RunID, stats.Seq, reserved)
	}

	// the reservation is consumed: the next run gets a fresh identity
	if next := r.Next(); next.Seq != 11 || next.ID == reserved.ID {
		t.Fatalf("after run: %+v", next)
	}
	r.StartAfter(20)
	if next := r.Next(); next.Seq != 21 {
		t.Fatalf("StartAfter kept a stale reservation: %+v", next)
	}
}
