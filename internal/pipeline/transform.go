package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"orderpipe/internal/model"
)

// Settings parameterizes the transformations.
type Settings struct {
	// Rate converts base currency amounts; 1 leaves them unchanged.
	Rate float64
	// UTCOffsetHours is subtracted from local timestamps to produce the UTC companions.
	UTCOffsetHours float64
	// HighValueFactor marks orders above this multiple of their outlet's mean total.
	HighValueFactor float64
	// FrequentCustomerThreshold marks customers whose mean order total exceeds it.
	FrequentCustomerThreshold float64
	Workers                   int
	ChunkSize                 int
}

func DefaultSettings() Settings {
	return Settings{
		Rate:                      1,
		HighValueFactor:           1.5,
		FrequentCustomerThreshold: 1000,
		Workers:                   1,
		ChunkSize:                 1000,
	}
}

// Validate rejects settings no transformation can run with.
func (s Settings) Validate() error {
	if !(s.Rate > 0) || math.IsInf(s.Rate, 0) {
		return fmt.Errorf("conversion rate must be positive and finite, got %v", s.Rate)
	}
	if math.Abs(s.UTCOffsetHours) > 14 {
		return fmt.Errorf("utc offset %v is out of range", s.UTCOffsetHours)
	}
	if s.HighValueFactor <= 0 {
		return fmt.Errorf("high value factor must be positive, got %v", s.HighValueFactor)
	}
	if s.Workers < 1 || s.ChunkSize < 1 {
		return fmt.Errorf("workers and chunk size must be at least 1")
	}
	return nil
}

// TransformFunc maps a batch to a new batch. Implementations must return the complete batch
// before the next transformation runs.
type TransformFunc func(ctx context.Context, batch []*model.Record, s Settings) ([]*model.Record, error)

// DefaultChain is the transformation order used when none is configured.
var DefaultChain = []string{"currency", "timezone", "normalize", "features"}

// Registry maps transformation names to functions.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]TransformFunc
}

// NewRegistry returns a registry holding the built-in transformations.
func NewRegistry() *Registry {
	r := &Registry{fns: make(map[string]TransformFunc)}
	r.Register("currency", ConvertCurrency)
	r.Register("timezone", NormalizeTimezone)
	r.Register("normalize", NormalizeData)
	r.Register("features", EngineerFeatures)
	return r
}

func (r *Registry) Register(name string, fn TransformFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[strings.ToLower(name)] = fn
}

func (r *Registry) Lookup(name string) (TransformFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransformation, name)
	}
	return fn, nil
}

// Names lists registered transformations in ascending order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.fns))
	for n := range r.fns {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

type namedTransform struct {
	name string
	fn   TransformFunc
}

// Transform applies an ordered chain of transformations.
type Transform struct {
	chain    []namedTransform
	settings Settings
}

// NewTransform resolves names against reg. An empty list selects DefaultChain.
func NewTransform(reg *Registry, names []string, s Settings) (*Transform, error) {
	if len(names) == 0 {
		names = DefaultChain
	}
	t := &Transform{settings: s}
	for _, n := range names {
		fn, err := reg.Lookup(n)
		if err != nil {
			return nil, err
		}
		t.chain = append(t.chain, namedTransform{name: strings.ToLower(strings.TrimSpace(n)), fn: fn})
	}
	return t, nil
}

func (t *Transform) Name() string  { return "transform" }
func (t *Transform) Mutates() bool { return true }

// Chain returns the transformation names in order.
func (t *Transform) Chain() []string {
	out := make([]string, len(t.chain))
	for i, c := range t.chain {
		out[i] = c.name
	}
	return out
}

func (t *Transform) Process(ctx context.Context, batch []*model.Record) ([]*model.Record, error) {
	for _, step := range t.chain {
		out, err := step.fn(ctx, batch, t.settings)
		if err != nil {
			return nil, fmt.Errorf("transformation %s: %w", step.name, err)
		}
		batch = out
	}
	return batch, nil
}

// ConvertCurrency multiplies the total and every unit price by s.Rate. Applying it twice
// scales twice.
func ConvertCurrency(ctx context.Context, batch []*model.Record, s Settings) ([]*model.Record, error) {
	if s.Rate <= 0 || math.IsNaN(s.Rate) || math.IsInf(s.Rate, 0) {
		return nil, fmt.Errorf("invalid conversion rate %v", s.Rate)
	}
	return batch, eachRecord(ctx, batch, s, func(r *model.Record) {
		r.Total *= s.Rate
		for i := range r.Items {
			r.Items[i].UnitPrice *= s.Rate
		}
		r.RecomputeTotals()
	})
}

// NormalizeTimezone fills the UTC companion of every present timestamp.
func NormalizeTimezone(ctx context.Context, batch []*model.Record, s Settings) ([]*model.Record, error) {
	offset := time.Duration(s.UTCOffsetHours * float64(time.Hour))
	shift := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		u := t.Add(-offset)
		return &u
	}
	return batch, eachRecord(ctx, batch, s, func(r *model.Record) {
		r.PlacedUTC = shift(r.Placed)
		r.ConfirmedUTC = shift(r.Confirmed)
		r.PrepStartedUTC = shift(r.PrepStarted)
		r.PrepFinishedUTC = shift(r.PrepFinished)
		r.ServedUTC = shift(r.Served)
	})
}

// NormalizeData canonicalizes payment methods, makes totals and counts non-negative and trims
// customer names.
func NormalizeData(ctx context.Context, batch []*model.Record, s Settings) ([]*model.Record, error) {
	return batch, eachRecord(ctx, batch, s, func(r *model.Record) {
		r.PaymentMethod = model.NormalizePaymentMethod(r.PaymentMethod)
		r.CustomerName = strings.TrimSpace(r.CustomerName)
		r.Total = math.Abs(r.Total)
		if r.NumItems < 0 {
			r.NumItems = -r.NumItems
		}
		if r.Status == "" {
			r.Status = model.StatusPending
		}
		r.RecomputeTotals()
	})
}

func eachRecord(ctx context.Context, batch []*model.Record, s Settings, fn func(*model.Record)) error {
	return forEachChunk(ctx, len(batch), s.ChunkSize, s.Workers, func(lo, hi int) error {
		for _, r := range batch[lo:hi] {
			fn(r)
		}
		return nil
	})
}
