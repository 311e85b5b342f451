// Command recover periodically rebuilds the aggregate store from the latest checkpoint into a
// scratch store and exports how long that took and how far the changelog has moved since.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/segmentio/kafka-go"

	"orderpipe/internal/config"
	"orderpipe/internal/manifest"
	"orderpipe/internal/metrics"
	"orderpipe/internal/restore"
	"orderpipe/internal/sink"
	"orderpipe/internal/snapshot"
	"orderpipe/internal/state"
)

const manifestKey = "orderpipe-manifest-latest"

func main() {
	var (
		configPath string
		httpAddr   string
		poll       time.Duration
		once       bool
	)
	flag.StringVar(&configPath, "config", "", "YAML config file")
	flag.StringVar(&httpAddr, "http", ":9090", "http listen for /metrics")
	flag.DurationVar(&poll, "poll", 10*time.Second, "poll interval for the manifest")
	flag.BoolVar(&once, "once", false, "run a single cycle and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.Log.Logger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mreg := metrics.NewRegistry()
	c := newChecker(cfg, mreg, logger)

	if once {
		if _, err := c.cycle(ctx); err != nil {
			logger.Error("recovery cycle failed", "error", err)
			os.Exit(1)
		}
		return
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", mreg.Handler())
	srv := &http.Server{Addr: httpAddr, Handler: r, ReadTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
		}
	}()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		if _, err := c.cycle(ctx); err != nil {
			logger.Warn("recovery cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			shut, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = srv.Shutdown(shut)
			cancel()
			return
		case <-ticker.C:
		}
	}
}

type checker struct {
	cfg     config.Config
	reader  manifest.Reader
	snaps   *snapshot.FilesystemSnapshotter
	metrics *metrics.Registry
	logger  *slog.Logger
	// head returns the number of envelopes in the changelog, or -1 when unknown.
	head func(ctx context.Context) int64
}

func newChecker(cfg config.Config, mreg *metrics.Registry, logger *slog.Logger) *checker {
	c := &checker{
		cfg:     cfg,
		snaps:   snapshot.NewFilesystemSnapshotter(cfg.State.SnapshotDir),
		metrics: mreg,
		logger:  logger,
	}
	if cfg.State.Manifest == "kafka" {
		c.reader = manifest.NewKafkaReader(sink.Brokers(cfg.Kafka.Bootstrap), cfg.State.ManifestTopic, manifestKey)
	} else {
		c.reader = manifest.NewFilesystemManifest(cfg.State.SnapshotDir)
	}
	if cfg.State.ChangelogTopic != "" {
		c.head = func(ctx context.Context) int64 {
			return headOffset(ctx, cfg.State.ChangelogTopic, cfg.Kafka.Bootstrap)
		}
	} else {
		c.head = func(context.Context) int64 {
			var n int64
			if err := sink.ReadFile(c.changelogPath(), func(sink.Envelope) error { n++; return nil }); err != nil {
				return -1
			}
			return n
		}
	}
	return c
}

func (c *checker) changelogPath() string {
	return filepath.Join(c.cfg.Sink.Dir, "changelog.jsonl")
}

// cycle restores into a fresh in-memory store and records the result.
func (c *checker) cycle(ctx context.Context) (restore.Outcome, error) {
	t1 := time.Now()
	path := c.changelogPath()
	if c.cfg.State.ChangelogTopic != "" {
		path = ""
	}
	r := restore.NewRestorer(state.NewInMemoryStore(), c.snaps, c.reader, path, c.logger)
	out, err := r.RestoreAndReplay(ctx)
	if err != nil {
		return out, err
	}
	if out.FirstRun {
		return out, errors.New("no checkpoint published yet")
	}
	if c.cfg.State.ChangelogTopic != "" {
		out.Replay = r.ReplayChangelogKafka(ctx, sink.Brokers(c.cfg.Kafka.Bootstrap),
			c.cfg.State.ChangelogTopic, out.Manifest.ChangelogOffset, 3*time.Second)
		if out.Replay.Error != nil {
			return out, out.Replay.Error
		}
	}

	ttr := time.Since(t1)
	c.metrics.Applied.Add(float64(out.Replay.Applied))
	c.metrics.Skipped.Add(float64(out.Replay.Skipped))
	c.metrics.TTRSec.Set(ttr.Seconds())
	if head := c.head(ctx); head >= 0 {
		c.metrics.Lag.Set(float64(max(0, head-out.Manifest.ChangelogOffset)))
	}
	c.metrics.ManifestAgeSec.Set(time.Since(time.Unix(out.Manifest.CreatedAtEpochSecond, 0)).Seconds())
	c.logger.Info("recovery cycle",
		"snapshot", out.Manifest.SnapshotID,
		"keys", out.SnapshotKeys,
		"applied", out.Replay.Applied,
		"skipped", out.Replay.Skipped,
		"ttr", ttr)
	return out, nil
}

// headOffset returns the high watermark of partition 0, i.e. the message count.
func headOffset(ctx context.Context, topic string, bootstrap string) int64 {
	brokers := sink.Brokers(bootstrap)
	if len(brokers) == 0 {
		return -1
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := kafka.DialLeader(ctx, "tcp", brokers[0], topic, 0)
	if err != nil {
		return -1
	}
	defer conn.Close()
	off, err := conn.ReadLastOffset()
	if err != nil {
		return -1
	}
	return off
}
