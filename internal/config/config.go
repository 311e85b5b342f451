// Package config loads layered settings: defaults, an optional YAML file, then ORDERPIPE_*
// environment variables (after a .env preload).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"orderpipe/internal/anomaly"
	"orderpipe/internal/model"
	"orderpipe/internal/pipeline"
	"orderpipe/internal/ranking"
)

// EnvPrefix prefixes every environment override. Nested keys use a double underscore:
// ORDERPIPE_ANOMALY__REVENUE_Z sets anomaly.revenue_z.
const EnvPrefix = "ORDERPIPE_"

type Config struct {
	Input      Input              `koanf:"input"`
	Kafka      Kafka              `koanf:"kafka"`
	Pipeline   Pipeline           `koanf:"pipeline"`
	Lookup     Lookup             `koanf:"lookup"`
	Anomaly    anomaly.Thresholds `koanf:"anomaly"`
	Ranking    Ranking            `koanf:"ranking"`
	DeadLetter DeadLetter         `koanf:"deadletter"`
	Sink       Sink               `koanf:"sink"`
	State      State              `koanf:"state"`
	HTTP       HTTP               `koanf:"http"`
	Log        Log                `koanf:"log"`
}

type Input struct {
	Source   string        `koanf:"source"` // jsonl|kafka
	Path     string        `koanf:"path"`
	Topic    string        `koanf:"topic"`
	GroupID  string        `koanf:"group_id"`
	MaxBatch int           `koanf:"max_batch"`
	Idle     time.Duration `koanf:"idle"`
}

type Kafka struct {
	Bootstrap string `koanf:"bootstrap"`
}

type Pipeline struct {
	Policy                    string        `koanf:"policy"`
	Transformations           []string      `koanf:"transformations"`
	Dimensions                []string      `koanf:"dimensions"`
	Rate                      float64       `koanf:"rate"`
	UTCOffsetHours            float64       `koanf:"utc_offset_hours"`
	HighValueFactor           float64       `koanf:"high_value_factor"`
	FrequentCustomerThreshold float64       `koanf:"frequent_customer_threshold"`
	Workers                   int           `koanf:"workers"`
	ChunkSize                 int           `koanf:"chunk_size"`
	Timeout                   time.Duration `koanf:"timeout"`
	Filter                    Filter        `koanf:"filter"`
}

// Filter is optional; empty fields do not constrain.
type Filter struct {
	From   string `koanf:"from"` // 2006-01-02
	To     string `koanf:"to"`   // 2006-01-02, inclusive through the end of the day
	Outlet string `koanf:"outlet"`
	Status string `koanf:"status"`
}

type Lookup struct {
	Backend     string        `koanf:"backend"` // memory|postgres|mongo
	RefDataPath string        `koanf:"refdata_path"`
	PostgresURI string        `koanf:"postgres_uri"`
	MongoURI    string        `koanf:"mongo_uri"`
	MongoDB     string        `koanf:"mongo_db"`
	Scope       string        `koanf:"scope"` // run|shared
	TTL         time.Duration `koanf:"ttl"`
}

type Ranking struct {
	Metric string `koanf:"metric"`
	TopN   int    `koanf:"top_n"`
}

type DeadLetter struct {
	Capacity       int `koanf:"capacity"`
	FlushThreshold int `koanf:"flush_threshold"`
}

type Sink struct {
	Targets    []string `koanf:"targets"` // file|kafka|nats
	Dir        string   `koanf:"dir"`
	Topic      string   `koanf:"topic"`
	NATSURL    string   `koanf:"nats_url"`
	NATSPrefix string   `koanf:"nats_prefix"`
}

type State struct {
	Backend        string `koanf:"backend"` // memory|pebble|badger
	Dir            string `koanf:"dir"`
	SnapshotDir    string `koanf:"snapshot_dir"`
	Manifest       string `koanf:"manifest"` // file|kafka|both
	ManifestTopic  string `koanf:"manifest_topic"`
	ChangelogTopic string `koanf:"changelog_topic"` // replay from Kafka when set
}

type HTTP struct {
	Addr  string `koanf:"addr"`
	Serve bool   `koanf:"serve"`
}

type Log struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // text|json
}

func defaults() map[string]any {
	th := anomaly.DefaultThresholds()
	s := pipeline.DefaultSettings()
	return map[string]any{
		"input.source":                         "jsonl",
		"input.path":                           "./data/orders.jsonl",
		"input.topic":                          "orders.raw",
		"input.group_id":                       "orderpipe",
		"input.max_batch":                      10000,
		"input.idle":                           "5s",
		"pipeline.policy":                      string(pipeline.PolicySkipStage),
		"pipeline.transformations":             pipeline.DefaultChain,
		"pipeline.dimensions":                  []string{"DAY", "OUTLET", "STATUS"},
		"pipeline.rate":                        s.Rate,
		"pipeline.utc_offset_hours":            s.UTCOffsetHours,
		"pipeline.high_value_factor":           s.HighValueFactor,
		"pipeline.frequent_customer_threshold": s.FrequentCustomerThreshold,
		"pipeline.workers":                     s.Workers,
		"pipeline.chunk_size":                  s.ChunkSize,
		"pipeline.timeout":                     "5m",
		"lookup.backend":                       "memory",
		"lookup.refdata_path":                  "./data/refdata.json",
		"lookup.mongo_db":                      "orderpipe",
		"lookup.scope":                         "run",
		"lookup.ttl":                           "10m",
		"anomaly.revenue_z":                    th.RevenueZ,
		"anomaly.order_count_z":                th.OrderCountZ,
		"anomaly.cancellation_rate":            th.CancellationRate,
		"anomaly.payment_share":                th.PaymentShare,
		"anomaly.prep_minutes":                 th.PrepMinutes,
		"anomaly.high_value_total":             th.HighValueTotal,
		"anomaly.outlet_deviation":             th.OutletDeviation,
		"ranking.metric":                       string(ranking.MetricRevenue),
		"ranking.top_n":                        5,
		"deadletter.capacity":                  1000,
		"deadletter.flush_threshold":           100,
		"sink.targets":                         []string{"file"},
		"sink.dir":                             "./out",
		"sink.topic":                           "orderpipe.findings",
		"sink.nats_prefix":                     "orderpipe",
		"state.backend":                        "memory",
		"state.dir":                            "./data/state",
		"state.snapshot_dir":                   "./snapshots",
		"state.manifest":                       "file",
		"state.manifest_topic":                 "orderpipe.manifest",
		"http.addr":                            ":8080",
		"log.level":                            "info",
		"log.format":                           "text",
	}
}

// Load reads configuration. path may be empty; a missing .env is not an error.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn(".env not loaded", "err", err)
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Pipeline.Transformations = splitList(cfg.Pipeline.Transformations)
	cfg.Pipeline.Dimensions = splitList(cfg.Pipeline.Dimensions)
	cfg.Sink.Targets = splitList(cfg.Sink.Targets)
	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// splitList lets environment variables carry lists as "a,b,c".
func splitList(in []string) []string {
	var out []string
	for _, v := range in {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate reports every fatal configuration error at once.
func (c Config) Validate() error {
	var errs []error
	if _, err := pipeline.ParsePolicy(c.Pipeline.Policy); err != nil {
		errs = append(errs, err)
	}
	reg := pipeline.NewRegistry()
	for _, name := range c.Pipeline.Transformations {
		if _, err := reg.Lookup(name); err != nil {
			errs = append(errs, err)
		}
	}
	for _, d := range c.Pipeline.Dimensions {
		if _, err := pipeline.ParseDimension(d); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := ranking.ParseMetric(c.Ranking.Metric); err != nil {
		errs = append(errs, err)
	}
	if err := c.Anomaly.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Settings().Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := c.Pipeline.Filter.Range(); err != nil {
		errs = append(errs, err)
	}
	if c.Pipeline.Filter.Status != "" {
		if _, err := c.Pipeline.Filter.status(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.DeadLetter.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("deadletter.capacity must be positive"))
	}
	errs = append(errs,
		oneOf("input.source", c.Input.Source, "jsonl", "kafka"),
		oneOf("lookup.backend", c.Lookup.Backend, "memory", "postgres", "mongo"),
		oneOf("lookup.scope", c.Lookup.Scope, "run", "shared"),
		oneOf("state.backend", c.State.Backend, "memory", "pebble", "badger"),
		oneOf("state.manifest", c.State.Manifest, "file", "kafka", "both"),
		oneOf("log.format", c.Log.Format, "text", "json"),
	)
	for _, t := range c.Sink.Targets {
		errs = append(errs, oneOf("sink.targets", t, "file", "kafka", "nats"))
	}
	if c.Input.Source == "kafka" || c.State.Manifest != "file" || c.hasSink("kafka") {
		if strings.TrimSpace(c.Kafka.Bootstrap) == "" {
			errs = append(errs, fmt.Errorf("kafka.bootstrap is required for kafka input, sink or manifest"))
		}
	}
	if c.hasSink("nats") && c.Sink.NATSURL == "" {
		errs = append(errs, fmt.Errorf("sink.nats_url is required for the nats sink"))
	}
	return errors.Join(errs...)
}

func (c Config) hasSink(target string) bool {
	for _, t := range c.Sink.Targets {
		if t == target {
			return true
		}
	}
	return false
}

func oneOf(key, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s: %q is not one of %s", key, v, strings.Join(allowed, "|"))
}

// Settings returns the transformation settings.
func (c Config) Settings() pipeline.Settings {
	return pipeline.Settings{
		Rate:                      c.Pipeline.Rate,
		UTCOffsetHours:            c.Pipeline.UTCOffsetHours,
		HighValueFactor:           c.Pipeline.HighValueFactor,
		FrequentCustomerThreshold: c.Pipeline.FrequentCustomerThreshold,
		Workers:                   c.Pipeline.Workers,
		ChunkSize:                 c.Pipeline.ChunkSize,
	}
}

// Range parses the date filter. Zero times mean unbounded.
func (f Filter) Range() (time.Time, time.Time, error) {
	var from, to time.Time
	var err error
	if f.From != "" {
		if from, err = time.Parse(time.DateOnly, f.From); err != nil {
			return from, to, fmt.Errorf("pipeline.filter.from: %w", err)
		}
	}
	if f.To != "" {
		if to, err = time.Parse(time.DateOnly, f.To); err != nil {
			return from, to, fmt.Errorf("pipeline.filter.to: %w", err)
		}
		to = to.Add(24*time.Hour - time.Nanosecond)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return from, to, fmt.Errorf("pipeline.filter: to is before from")
	}
	return from, to, nil
}

func (f Filter) status() (model.Status, error) {
	st, ok := model.LookupStatus(f.Status)
	if !ok {
		return st, fmt.Errorf("pipeline.filter.status: unknown status %q", f.Status)
	}
	return st, nil
}

// Predicate builds the filter predicate.
func (f Filter) Predicate() (pipeline.Predicate, error) {
	from, to, err := f.Range()
	if err != nil {
		return nil, err
	}
	var ps []pipeline.Predicate
	switch {
	case !from.IsZero() && !to.IsZero():
		ps = append(ps, pipeline.DateRange(from, to))
	case !from.IsZero():
		ps = append(ps, pipeline.DateRange(from, time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)))
	case !to.IsZero():
		ps = append(ps, pipeline.DateRange(time.Time{}, to))
	}
	if f.Outlet != "" {
		ps = append(ps, pipeline.Outlet(f.Outlet))
	}
	if f.Status != "" {
		st, err := f.status()
		if err != nil {
			return nil, err
		}
		ps = append(ps, pipeline.Status(st))
	}
	return pipeline.All(ps...), nil
}

// Logger builds the process logger.
func (l Log) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
