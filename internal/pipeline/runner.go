package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"orderpipe/internal/model"
)

// Policy decides what a run does after a stage fails.
type Policy string

const (
	// PolicyAbort stops the run and returns the batch of the last completed stage.
	PolicyAbort Policy = "abort"
	// PolicySkipStage discards the failed stage's output and continues with the pre-failure batch.
	PolicySkipStage Policy = "skip-stage"
	// PolicyBestEffort continues with whatever the failed stage returned, when it returned a batch.
	PolicyBestEffort Policy = "best-effort"
)

// ParsePolicy parses a policy name. Empty selects PolicySkipStage.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicySkipStage:
		return PolicySkipStage, nil
	case PolicyAbort:
		return PolicyAbort, nil
	case PolicyBestEffort:
		return PolicyBestEffort, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// Observer receives per-stage timings, e.g. for metrics.
type Observer interface {
	StageDone(stage string, elapsed time.Duration, records int, err error)
}

// Run identifies one execution. Seq grows monotonically per runner and keys idempotent
// aggregate writes.
type Run struct {
	ID  string
	Seq int64
}

type runKey struct{}

// RunFromContext returns the run a stage is executing in.
func RunFromContext(ctx context.Context) (Run, bool) {
	r, ok := ctx.Value(runKey{}).(Run)
	return r, ok
}

// RunStats summarizes one execution.
type RunStats struct {
	RunID           string        `json:"runId"`
	Seq             int64         `json:"seq"`
	Started         time.Time     `json:"started"`
	Duration        time.Duration `json:"duration"`
	InputCount      int           `json:"inputCount"`
	OutputCount     int           `json:"outputCount"`
	CompletedStages []string      `json:"completedStages"`
	Errors          []StageError  `json:"-"`
	Aborted         bool          `json:"aborted"`
}

// ErrorMessages renders the recorded failures as "stage: message".
func (s RunStats) ErrorMessages() []string {
	out := make([]string, 0, len(s.Errors))
	for _, e := range s.Errors {
		out = append(out, e.Stage+": "+e.Message())
	}
	return out
}

// Runner sequences stages over a batch.
type Runner struct {
	stages   []Stage
	policy   Policy
	logger   *slog.Logger
	observer Observer
	seq      atomic.Int64

	mu      sync.Mutex
	pending *Run
}

func NewRunner(policy Policy, logger *slog.Logger) *Runner {
	if policy == "" {
		policy = PolicySkipStage
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{policy: policy, logger: logger}
}

func (r *Runner) AddStage(s Stage) *Runner {
	r.stages = append(r.stages, s)
	return r
}

func (r *Runner) Observe(o Observer) *Runner {
	r.observer = o
	return r
}

// StartAfter makes the next run use seq+1, so sequences continue across restarts.
// It drops any run reserved with Next.
func (r *Runner) StartAfter(seq int64) {
	r.mu.Lock()
	r.pending = nil
	r.mu.Unlock()
	r.seq.Store(seq)
}

// Next reserves the identity of the next run so that work done before Run, such as ingestion,
// can be tagged with it. Repeated calls return the same Run until Run consumes it.
func (r *Runner) Next() Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		r.pending = &Run{ID: uuid.NewString(), Seq: r.seq.Add(1)}
	}
	return *r.pending
}

func (r *Runner) take() Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		run := *r.pending
		r.pending = nil
		return run
	}
	return Run{ID: uuid.NewString(), Seq: r.seq.Add(1)}
}

func (r *Runner) Policy() Policy { return r.policy }

// Stages returns the stage names in execution order.
func (r *Runner) Stages() []string {
	names := make([]string, len(r.stages))
	for i, s := range r.stages {
		names[i] = s.Name()
	}
	return names
}

// Run executes every stage in order. The context deadline is checked between stages; once it
// expires, or a stage fails under PolicyAbort, Run returns the batch produced by the last
// completed stage together with a non-nil error.
func (r *Runner) Run(ctx context.Context, input []*model.Record) ([]*model.Record, RunStats, error) {
	run := r.take()
	ctx = context.WithValue(ctx, runKey{}, run)
	stats := RunStats{RunID: run.ID, Seq: run.Seq, Started: time.Now(), InputCount: len(input)}
	log := r.logger.With("run", run.ID, "seq", run.Seq)
	log.Info("run starting", "records", len(input), "stages", len(r.stages), "policy", r.policy)

	current := input
	finish := func() {
		stats.Duration = time.Since(stats.Started)
		stats.OutputCount = len(current)
	}

	for _, st := range r.stages {
		if err := ctx.Err(); err != nil {
			stats.Aborted = true
			finish()
			log.Warn("run stopped", "before", st.Name(), "err", err)
			return current, stats, fmt.Errorf("run %s stopped before %s: %w", run.ID, st.Name(), err)
		}

		in := current
		if m, ok := st.(Mutator); ok && m.Mutates() {
			in = model.CloneBatch(current)
		}
		started := time.Now()
		out, err := process(ctx, st, in)
		if r.observer != nil {
			r.observer.StageDone(st.Name(), time.Since(started), len(out), err)
		}
		if err == nil {
			current = out
			stats.CompletedStages = append(stats.CompletedStages, st.Name())
			continue
		}

		se := StageError{Stage: st.Name(), Err: err}
		stats.Errors = append(stats.Errors, se)
		log.Error("stage failed", "stage", st.Name(), "err", err)
		switch r.policy {
		case PolicyAbort:
			stats.Aborted = true
			finish()
			return current, stats, &se
		case PolicyBestEffort:
			if out != nil {
				current = out
			}
		}
	}

	finish()
	log.Info("run finished", "out", stats.OutputCount, "errors", len(stats.Errors), "took", stats.Duration)
	return current, stats, nil
}

// process isolates a stage so that a panic becomes a stage failure.
func process(ctx context.Context, st Stage, in []*model.Record) (out []*model.Record, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	return st.Process(ctx, in)
}
