// Package analytics runs one batch end to end: the stage pipeline, then anomaly detection,
// outlet ranking and the descriptive insights over the finished batch, then publishing.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"orderpipe/internal/anomaly"
	"orderpipe/internal/config"
	"orderpipe/internal/deadletter"
	"orderpipe/internal/insight"
	"orderpipe/internal/lookup"
	"orderpipe/internal/metrics"
	"orderpipe/internal/model"
	"orderpipe/internal/pipeline"
	"orderpipe/internal/ranking"
	"orderpipe/internal/sink"
	"orderpipe/internal/state"
)

// Report is everything one Analyze call produced.
type Report struct {
	Run         pipeline.RunStats      `json:"run"`
	Errors      []string               `json:"errors"`
	Records     []*model.Record        `json:"records"`
	Aggregates  []pipeline.Aggregation `json:"aggregates"`
	Anomalies   anomaly.Report         `json:"anomalies"`
	Ranking     ranking.Report         `json:"ranking"`
	Insights    insight.Report         `json:"insights"`
	Cache       lookup.Stats           `json:"cache"`
	DeadLetters deadletter.Stats       `json:"deadLetters"`
}

// Service wires the pipeline and the analyses. It is safe to call Analyze from one goroutine
// at a time; the last report is readable concurrently.
type Service struct {
	runner    *pipeline.Runner
	enrich    *pipeline.Enrich
	aggregate *pipeline.Aggregate
	detector  *anomaly.Detector
	ranker    *ranking.Engine
	out       sink.Writer
	dl        *deadletter.Queue
	metrics   *metrics.Registry
	timeout   time.Duration
	logger    *slog.Logger

	mu        sync.RWMutex
	last      *Report
	lastCache *lookup.Cache
	seenCache lookup.Stats
	seenDead  int64
}

// Deps are the collaborators Build cannot derive from configuration.
type Deps struct {
	Source      lookup.Source
	Store       state.Store
	Sink        sink.Writer
	DeadLetters *deadletter.Queue
	Metrics     *metrics.Registry
	Logger      *slog.Logger
}

// Build assembles Filter, Enrich, Transform and Aggregate from configuration. Configuration
// errors are returned before anything runs.
func Build(cfg config.Config, d Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if d.Source == nil {
		return nil, fmt.Errorf("no reference data source")
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := d.Sink
	if out == nil {
		out = sink.Discard{}
	}

	policy, _ := pipeline.ParsePolicy(cfg.Pipeline.Policy)
	pred, err := cfg.Pipeline.Filter.Predicate()
	if err != nil {
		return nil, err
	}
	var caches lookup.Provider
	if cfg.Lookup.Scope == "shared" {
		caches = lookup.Shared(lookup.NewSharedCache(d.Source, cfg.Lookup.TTL))
	} else {
		caches = lookup.PerRun(d.Source)
	}
	transform, err := pipeline.NewTransform(pipeline.NewRegistry(), cfg.Pipeline.Transformations, cfg.Settings())
	if err != nil {
		return nil, err
	}
	var dims []pipeline.Dimension
	for _, name := range cfg.Pipeline.Dimensions {
		dim, err := pipeline.ParseDimension(name)
		if err != nil {
			return nil, err
		}
		dims = append(dims, dim)
	}
	agg := pipeline.NewAggregate(dims...)
	if d.Store != nil {
		agg.WithStore(d.Store)
	}
	ranker, err := ranking.NewEngine(cfg.Ranking.Metric, cfg.Ranking.TopN)
	if err != nil {
		return nil, err
	}

	enrich := pipeline.NewEnrich(caches)
	runner := pipeline.NewRunner(policy, logger).
		AddStage(pipeline.NewFilter(pred).Parallel(cfg.Pipeline.Workers, cfg.Pipeline.ChunkSize)).
		AddStage(enrich).
		AddStage(transform).
		AddStage(agg)
	if d.Metrics != nil {
		runner.Observe(d.Metrics)
	}

	return &Service{
		runner:    runner,
		enrich:    enrich,
		aggregate: agg,
		detector:  anomaly.NewDetector(cfg.Anomaly),
		ranker:    ranker,
		out:       out,
		dl:        d.DeadLetters,
		metrics:   d.Metrics,
		timeout:   cfg.Pipeline.Timeout,
		logger:    logger,
	}, nil
}

// Runner exposes the pipeline so startup can continue the run sequence.
func (s *Service) Runner() *pipeline.Runner { return s.runner }

// Begin reserves the next run and tags the dead-letter queue with its id, so records rejected
// while the batch is still being read carry the run they were dropped from. Analyze calls it
// too; calling it earlier is what makes threshold flushes during ingestion carry the id.
func (s *Service) Begin() pipeline.Run {
	run := s.runner.Next()
	if s.dl != nil {
		s.dl.SetRunID(run.ID)
	}
	return run
}

// Last returns the most recent report, if any.
func (s *Service) Last() (Report, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Report{}, false
	}
	return *s.last, true
}

// Analyze runs the batch. A run stopped by the time budget or by an aborting stage returns the
// partial report with an error; analyses and publishing only happen for finished runs.
func (s *Service) Analyze(ctx context.Context, batch []*model.Record) (Report, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.Begin()
	records, stats, runErr := s.runner.Run(ctx, batch)
	rep := Report{
		Run:     stats,
		Errors:  stats.ErrorMessages(),
		Records: records,
	}
	if completed(stats, s.aggregate.Name()) {
		rep.Aggregates = s.aggregate.Result()
	}
	if c := s.enrich.Cache(); c != nil {
		rep.Cache = c.Stats()
	}
	if s.dl != nil {
		rep.DeadLetters = s.dl.Stats()
	}
	s.observe(rep)
	if runErr != nil {
		s.remember(rep)
		return rep, fmt.Errorf("analyze: %w", runErr)
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		rep.Anomalies = s.detector.Detect(records)
		return nil
	})
	g.Go(func() error {
		rep.Ranking = s.ranker.Analyze(records)
		return nil
	})
	g.Go(func() error {
		rep.Insights = insight.Analyze(records)
		return nil
	})
	_ = g.Wait()

	if s.metrics != nil {
		s.metrics.AnomalyScore.Set(rep.Anomalies.Score)
		for dim, n := range anomalyCounts(rep.Anomalies) {
			s.metrics.Anomalies.WithLabelValues(dim).Add(float64(n))
		}
	}
	s.remember(rep)

	if err := s.publish(ctx, rep); err != nil {
		return rep, err
	}
	s.logger.Info("batch analyzed",
		"run", stats.RunID, "records", len(records),
		"anomalies", rep.Anomalies.Raised, "score", rep.Anomalies.Score,
		"outlets", len(rep.Ranking.Order))
	return rep, nil
}

func (s *Service) remember(rep Report) {
	s.mu.Lock()
	s.last = &rep
	s.mu.Unlock()
}

// observe feeds counters. Cache and dead-letter stats are cumulative, so only growth is added.
func (s *Service) observe(rep Report) {
	if s.metrics == nil {
		return
	}
	m := s.metrics
	m.Runs.Inc()
	if rep.Run.Aborted {
		m.RunsAborted.Inc()
	}
	m.LastRunSeq.Set(float64(rep.Run.Seq))
	m.RecordsIn.Add(float64(rep.Run.InputCount))
	m.RecordsOut.Add(float64(rep.Run.OutputCount))

	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.enrich.Cache(); c != nil {
		if c != s.lastCache {
			s.lastCache, s.seenCache = c, lookup.Stats{}
		}
		m.CacheHits.Add(float64(rep.Cache.Hits - s.seenCache.Hits))
		m.CacheMisses.Add(float64(rep.Cache.Misses - s.seenCache.Misses))
		s.seenCache = rep.Cache
	}
	if s.dl != nil {
		m.DeadLetters.Add(float64(rep.DeadLetters.Added - s.seenDead))
		s.seenDead = rep.DeadLetters.Added
	}
}

func (s *Service) publish(ctx context.Context, rep Report) error {
	runID, seq := rep.Run.RunID, rep.Run.Seq
	var envs []sink.Envelope
	add := func(kind, key string, payload any) error {
		e, err := sink.NewEnvelope(kind, key, runID, seq, payload)
		if err != nil {
			return err
		}
		envs = append(envs, e)
		return nil
	}

	for _, agg := range rep.Aggregates {
		for _, g := range agg.Groups {
			if err := add(sink.KindAggregate, state.Key(string(agg.Dimension), g.Key), state.Delta{Count: g.Count, Sum: g.Sum}); err != nil {
				return err
			}
		}
	}
	for _, a := range append(append([]anomaly.Anomaly{}, rep.Anomalies.Records...), rep.Anomalies.Outlets...) {
		key := string(a.Type) + "#" + a.OrderID + a.OutletID
		if err := add(sink.KindAnomaly, key, a); err != nil {
			return err
		}
	}
	if err := add(sink.KindAnomaly, "report", rep.Anomalies); err != nil {
		return err
	}
	if err := add(sink.KindRanking, strings.ToLower(string(rep.Ranking.Metric)), rep.Ranking); err != nil {
		return err
	}
	for _, in := range []struct {
		key     string
		payload any
	}{
		{"peak", rep.Insights.Peak},
		{"menu", rep.Insights.Menu},
		{"segments", rep.Insights.Segments},
	} {
		if err := add(sink.KindInsight, in.key, in.payload); err != nil {
			return err
		}
	}
	if err := add(sink.KindRun, runID, struct {
		pipeline.RunStats
		Errors []string `json:"errors"`
	}{rep.Run, rep.Errors}); err != nil {
		return err
	}

	for _, e := range envs {
		if err := s.out.Write(ctx, e); err != nil {
			return fmt.Errorf("publish %s %s: %w", e.Kind, e.Key, err)
		}
	}
	if s.metrics != nil {
		s.metrics.Published.Add(float64(len(envs)))
	}
	return nil
}

func completed(stats pipeline.RunStats, stage string) bool {
	for _, n := range stats.CompletedStages {
		if n == stage {
			return true
		}
	}
	return false
}

func anomalyCounts(r anomaly.Report) map[string]int {
	return map[string]int{
		"revenue":      len(r.Revenue),
		"order_count":  len(r.OrderCount),
		"cancellation": len(r.Cancellation),
		"payment":      len(r.Payment),
		"records":      len(r.Records),
		"outlets":      len(r.Outlets),
	}
}
