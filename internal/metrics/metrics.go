package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	Runs          prometheus.Counter
	RunsAborted   prometheus.Counter
	LastRunSeq    prometheus.Gauge
	StageLatency  *prometheus.HistogramVec
	StageFailures *prometheus.CounterVec
	RecordsIn     prometheus.Counter
	RecordsOut    prometheus.Counter
	DeadLetters   prometheus.Counter
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	Anomalies     *prometheus.CounterVec
	AnomalyScore  prometheus.Gauge
	Published     prometheus.Counter

	// Startup recovery.
	Applied        prometheus.Counter
	Skipped        prometheus.Counter
	TTRSec         prometheus.Gauge
	Lag            prometheus.Gauge
	ManifestAgeSec prometheus.Gauge
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	runs := prometheus.NewCounter(prometheus.CounterOpts{Name: "orderpipe_runs_total"})
	aborted := prometheus.NewCounter(prometheus.CounterOpts{Name: "orderpipe_runs_aborted_total"})
	lastSeq := prometheus.NewGauge(prometheus.GaugeOpts{Name: "orderpipe_last_run_seq"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orderpipe_stage_latency_seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orderpipe_stage_failures_total"}, []string{"stage"})
	in := prometheus.NewCounter(prometheus.CounterOpts{Name: "orderpipe_records_in_total"})
	out := prometheus.NewCounter(prometheus.CounterOpts{Name: "orderpipe_records_out_total"})
	dead := prometheus.NewCounter(prometheus.CounterOpts{Name: "orderpipe_dead_letters_total"})
	hits := prometheus.NewCounter(prometheus.CounterOpts{Name: "orderpipe_lookup_cache_hits_total"})
	misses := prometheus.NewCounter(prometheus.CounterOpts{Name: "orderpipe_lookup_cache_misses_total"})
	anomalies := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orderpipe_anomalies_total"}, []string{"dimension"})
	score := prometheus.NewGauge(prometheus.GaugeOpts{Name: "orderpipe_anomaly_score"})
	published := prometheus.NewCounter(prometheus.CounterOpts{Name: "orderpipe_envelopes_published_total"})
	applied := prometheus.NewCounter(prometheus.CounterOpts{Name: "orderpipe_replay_applied_total"})
	skipped := prometheus.NewCounter(prometheus.CounterOpts{Name: "orderpipe_replay_skipped_total"})
	ttr := prometheus.NewGauge(prometheus.GaugeOpts{Name: "orderpipe_recovery_ttr_seconds"})
	lag := prometheus.NewGauge(prometheus.GaugeOpts{Name: "orderpipe_changelog_lag"})
	age := prometheus.NewGauge(prometheus.GaugeOpts{Name: "orderpipe_manifest_age_seconds"})

	r.MustRegister(runs, aborted, lastSeq, latency, failures, in, out, dead, hits, misses,
		anomalies, score, published, applied, skipped, ttr, lag, age)
	return &Registry{
		reg:            r,
		Runs:           runs,
		RunsAborted:    aborted,
		LastRunSeq:     lastSeq,
		StageLatency:   latency,
		StageFailures:  failures,
		RecordsIn:      in,
		RecordsOut:     out,
		DeadLetters:    dead,
		CacheHits:      hits,
		CacheMisses:    misses,
		Anomalies:      anomalies,
		AnomalyScore:   score,
		Published:      published,
		Applied:        applied,
		Skipped:        skipped,
		TTRSec:         ttr,
		Lag:            lag,
		ManifestAgeSec: age,
	}
}

// StageDone records one stage execution.
func (r *Registry) StageDone(stage string, elapsed time.Duration, records int, err error) {
	r.StageLatency.WithLabelValues(stage).Observe(elapsed.Seconds())
	if err != nil {
		r.StageFailures.WithLabelValues(stage).Inc()
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
