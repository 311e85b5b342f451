package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"orderpipe/internal/analytics"
	"orderpipe/internal/config"
	"orderpipe/internal/deadletter"
	"orderpipe/internal/ingest"
	"orderpipe/internal/lookup"
	"orderpipe/internal/manifest"
	"orderpipe/internal/metrics"
	"orderpipe/internal/model"
	"orderpipe/internal/refdata"
	"orderpipe/internal/restore"
	"orderpipe/internal/sink"
	"orderpipe/internal/snapshot"
	"orderpipe/internal/state"
)

const changelogFile = "changelog.jsonl"

func main() {
	var (
		configPath string
		inputPath  string
		outDir     string
		seedPath   string
		serve      bool
	)
	flag.StringVar(&configPath, "config", "", "YAML config file")
	flag.StringVar(&inputPath, "input", "", "raw orders file (.jsonl or .csv), overrides input.path")
	flag.StringVar(&outDir, "out", "", "sink directory, overrides sink.dir")
	flag.StringVar(&seedPath, "seed", "", "reference data JSON to load into postgres or mongo before the run")
	flag.BoolVar(&serve, "serve", false, "keep serving /metrics and /report after the run")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if inputPath != "" {
		cfg.Input.Path = inputPath
	}
	if outDir != "" {
		cfg.Sink.Dir = outDir
	}
	cfg.HTTP.Serve = cfg.HTTP.Serve || serve
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := cfg.Log.Logger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, seedPath, logger); err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, seedPath string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	store, closeStore, err := openStore(cfg.State)
	if err != nil {
		return err
	}
	defer closeStore()

	src, closeSrc, err := openRefData(ctx, cfg.Lookup, seedPath)
	if err != nil {
		return err
	}
	defer closeSrc()

	out, fileSink, closeSink, err := openSink(cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	mreg := metrics.NewRegistry()
	snaps := snapshot.NewFilesystemSnapshotter(cfg.State.SnapshotDir)
	mReader, mPub := openManifest(cfg)

	t0 := time.Now()
	outcome, err := recoverState(ctx, cfg, store, snaps, mReader, fileSink, logger)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	mreg.Applied.Add(float64(outcome.Replay.Applied))
	mreg.Skipped.Add(float64(outcome.Replay.Skipped))
	mreg.TTRSec.Set(time.Since(t0).Seconds())
	logger.Info("state restored",
		"firstRun", outcome.FirstRun,
		"snapshot", outcome.Manifest.SnapshotID,
		"snapshotKeys", outcome.SnapshotKeys,
		"applied", outcome.Replay.Applied,
		"skipped", outcome.Replay.Skipped,
		"ttr", time.Since(t0))

	counted := &countingWriter{next: out}
	counted.n.Store(outcome.Manifest.ChangelogOffset)

	dl := deadletter.New(counted, cfg.DeadLetter.Capacity, cfg.DeadLetter.FlushThreshold, logger)

	svc, err := analytics.Build(cfg, analytics.Deps{
		Source:      src,
		Store:       store,
		Sink:        counted,
		DeadLetters: dl,
		Metrics:     mreg,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	svc.Runner().StartAfter(outcome.NextSeqAfter())
	next := svc.Begin()
	logger.Info("run reserved", "run", next.ID, "seq", next.Seq)

	var srv *server
	if cfg.HTTP.Serve {
		srv = startServer(cfg.HTTP.Addr, mreg, svc, logger)
	}

	batch, commit, err := readInput(ctx, cfg, dl)
	if err != nil {
		_ = dl.Close(ctx)
		return fmt.Errorf("read input: %w", err)
	}

	rep, runErr := svc.Analyze(ctx, batch)
	if err := dl.Close(ctx); err != nil {
		logger.Warn("dead-letter flush failed", "error", err)
	}
	if runErr != nil {
		return fmt.Errorf("analyze: %w", runErr)
	}
	if commit != nil {
		if err := commit(); err != nil {
			logger.Warn("commit offsets failed", "error", err)
		}
	}

	offset := counted.n.Load()
	if fileSink != nil {
		if offset, err = countEnvelopes(fileSink.Path()); err != nil {
			return err
		}
	}
	if err := checkpoint(ctx, snaps, mPub, store, rep, offset); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary(rep)); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	if srv != nil {
		<-ctx.Done()
		logger.Info("shutting down...")
		srv.shutdown()
	}
	return nil
}

func openStore(cfg config.State) (state.Store, func(), error) {
	switch cfg.Backend {
	case "pebble":
		st, err := state.NewPebbleStore(cfg.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open pebble: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	case "badger":
		st, err := state.NewBadgerStore(cfg.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return state.NewInMemoryStore(), func() {}, nil
	}
}

type seeder interface {
	Seed(ctx context.Context, ds refdata.Dataset) error
}

func openRefData(ctx context.Context, cfg config.Lookup, seedPath string) (lookup.Source, func(), error) {
	var (
		src    lookup.Source
		closer func()
	)
	switch cfg.Backend {
	case "postgres":
		pg, err := refdata.OpenPostgres(cfg.PostgresURI)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.InitSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		src, closer = pg, func() { _ = pg.Close() }
	case "mongo":
		mg := refdata.NewMongo(cfg.MongoURI, cfg.MongoDB)
		if err := mg.Start(ctx); err != nil {
			return nil, nil, err
		}
		src, closer = mg, func() { _ = mg.Stop(context.Background()) }
	default:
		mem, err := refdata.LoadFile(cfg.RefDataPath)
		if err != nil {
			return nil, nil, err
		}
		return mem, func() {}, nil
	}

	if seedPath != "" {
		if err := seed(ctx, src.(seeder), seedPath); err != nil {
			closer()
			return nil, nil, err
		}
	}
	return src, closer, nil
}

func seed(ctx context.Context, s seeder, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed: %w", err)
	}
	var ds refdata.Dataset
	if err := json.Unmarshal(b, &ds); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}
	if err := s.Seed(ctx, ds); err != nil {
		return err
	}
	slog.Info("reference data seeded",
		"customers", len(ds.Customers), "menuItems", len(ds.MenuItems), "outlets", len(ds.Outlets))
	return nil
}

func openSink(cfg config.Config) (sink.Writer, *sink.FileWriter, func(), error) {
	var (
		writers  []sink.Writer
		fileSink *sink.FileWriter
		closers  []func()
	)
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	for _, t := range cfg.Sink.Targets {
		switch t {
		case "file":
			fw, err := sink.NewFileWriter(cfg.Sink.Dir, changelogFile)
			if err != nil {
				closeAll()
				return nil, nil, nil, err
			}
			fileSink = fw
			writers = append(writers, fw)
		case "kafka":
			kw := sink.NewKafkaWriter(cfg.Kafka.Bootstrap, cfg.Sink.Topic)
			closers = append(closers, func() { _ = kw.Close() })
			writers = append(writers, kw)
		case "nats":
			nw, err := sink.NewNATSWriter(cfg.Sink.NATSURL, cfg.Sink.NATSPrefix)
			if err != nil {
				closeAll()
				return nil, nil, nil, err
			}
			closers = append(closers, func() { _ = nw.Close() })
			writers = append(writers, nw)
		}
	}
	if len(writers) == 0 {
		return sink.Discard{}, nil, closeAll, nil
	}
	return sink.NewMultiWriter(writers...), fileSink, closeAll, nil
}

func openManifest(cfg config.Config) (manifest.Reader, manifest.Publisher) {
	fsm := manifest.NewFilesystemManifest(cfg.State.SnapshotDir)
	switch cfg.State.Manifest {
	case "kafka":
		brokers := sink.Brokers(cfg.Kafka.Bootstrap)
		return manifest.NewKafkaReader(brokers, cfg.State.ManifestTopic, manifestKey),
			manifest.NewKafkaManifest(brokers, cfg.State.ManifestTopic, manifestKey)
	case "both":
		brokers := sink.Brokers(cfg.Kafka.Bootstrap)
		return fsm, manifest.MultiPublisher(fsm, manifest.NewKafkaManifest(brokers, cfg.State.ManifestTopic, manifestKey))
	default:
		return fsm, fsm
	}
}

const manifestKey = "orderpipe-manifest-latest"

// recoverState loads the latest snapshot and replays the changelog written after it, from the
// file sink or, when state.changelog_topic is set, from Kafka.
func recoverState(ctx context.Context, cfg config.Config, st state.Store, snaps *snapshot.FilesystemSnapshotter,
	mr manifest.Reader, fileSink *sink.FileWriter, logger *slog.Logger) (restore.Outcome, error) {
	path := ""
	if fileSink != nil && cfg.State.ChangelogTopic == "" {
		path = fileSink.Path()
	}
	r := restore.NewRestorer(st, snaps, mr, path, logger)
	outcome, err := r.RestoreAndReplay(ctx)
	if err != nil {
		return outcome, err
	}
	if cfg.State.ChangelogTopic != "" {
		outcome.Replay = r.ReplayChangelogKafka(ctx, sink.Brokers(cfg.Kafka.Bootstrap),
			cfg.State.ChangelogTopic, outcome.Manifest.ChangelogOffset, 3*time.Second)
		if outcome.Replay.Error != nil {
			return outcome, outcome.Replay.Error
		}
	}
	return outcome, nil
}

func readInput(ctx context.Context, cfg config.Config, dl *deadletter.Queue) ([]*model.Record, func() error, error) {
	if cfg.Input.Source != "kafka" {
		recs, err := ingest.ReadFile(cfg.Input.Path, dl)
		return recs, nil, err
	}
	src, err := ingest.NewKafkaSource(cfg.Kafka.Bootstrap, cfg.Input.GroupID, cfg.Input.Topic, dl)
	if err != nil {
		return nil, nil, err
	}
	recs, err := src.ReadBatch(ctx, cfg.Input.MaxBatch, cfg.Input.Idle)
	if err != nil && !errors.Is(err, context.Canceled) {
		_ = src.Close()
		return nil, nil, err
	}
	commit := func() error {
		defer src.Close()
		return src.Commit()
	}
	return recs, commit, nil
}

func checkpoint(ctx context.Context, snaps *snapshot.FilesystemSnapshotter, pub manifest.Publisher,
	st state.Store, rep analytics.Report, offset int64) error {
	id := snapshot.NewID(rep.Run.Seq, time.Now().UTC())
	if err := snaps.WriteSnapshot(id, st); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	m := manifest.Manifest{
		SnapshotID:      id,
		RunID:           rep.Run.RunID,
		RunSeq:          rep.Run.Seq,
		ChangelogOffset: offset,
		InputCount:      rep.Run.InputCount,
		OutputCount:     rep.Run.OutputCount,
		Errors:          rep.Errors,
	}
	if err := pub.PublishLatest(ctx, m); err != nil {
		return fmt.Errorf("publish manifest: %w", err)
	}
	slog.Info("checkpoint written", "snapshot", id, "seq", rep.Run.Seq, "changelogOffset", offset)
	return nil
}

func countEnvelopes(path string) (int64, error) {
	var n int64
	err := sink.ReadFile(path, func(sink.Envelope) error {
		n++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count changelog: %w", err)
	}
	return n, nil
}

// countingWriter tracks the changelog position when no file sink can be counted. Envelopes
// from crashed runs are not counted, so the offset can only lag, and replay is idempotent.
type countingWriter struct {
	next sink.Writer
	n    atomic.Int64
}

func (c *countingWriter) Write(ctx context.Context, e sink.Envelope) error {
	if err := c.next.Write(ctx, e); err != nil {
		return err
	}
	c.n.Add(1)
	return nil
}

// summary drops the per-record payload, which can be large, from the printed report.
func summary(rep analytics.Report) analytics.Report {
	rep.Records = nil
	return rep
}
