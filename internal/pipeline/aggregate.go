package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"orderpipe/internal/model"
	"orderpipe/internal/state"
)

// Dimension is an aggregation grouping.
type Dimension string

const (
	DimHour   Dimension = "HOUR"
	DimDay    Dimension = "DAY"
	DimMonth  Dimension = "MONTH"
	DimOutlet Dimension = "OUTLET"
	DimStatus Dimension = "STATUS"
)

// UnknownGroup collects records whose time-based group key cannot be computed.
const UnknownGroup = "UNKNOWN"

// ParseDimension accepts "day", "DAY" or "by_day".
func ParseDimension(s string) (Dimension, error) {
	n := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "BY_")
	switch d := Dimension(n); d {
	case DimHour, DimDay, DimMonth, DimOutlet, DimStatus:
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDimension, s)
}

// Group is the count and revenue sum of one group key.
type Group struct {
	Key   string  `json:"key"`
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
}

// Aggregation holds the groups of one dimension, sorted by key.
type Aggregation struct {
	Dimension Dimension `json:"dimension"`
	Groups    []Group   `json:"groups"`
}

func (a Aggregation) Get(key string) (Group, bool) {
	i := sort.Search(len(a.Groups), func(i int) bool { return a.Groups[i].Key >= key })
	if i < len(a.Groups) && a.Groups[i].Key == key {
		return a.Groups[i], true
	}
	return Group{}, false
}

// GroupKey returns the key of r under d.
func GroupKey(d Dimension, r *model.Record) string {
	switch d {
	case DimOutlet:
		return r.OutletID
	case DimStatus:
		return string(r.Status)
	}
	if r.Placed == nil {
		return UnknownGroup
	}
	switch d {
	case DimHour:
		return fmt.Sprintf("%02d:00", r.Placed.Hour())
	case DimDay:
		return r.Placed.Format("2006-01-02")
	case DimMonth:
		return r.Placed.Format("2006-01")
	}
	return UnknownGroup
}

// GroupBy reduces a batch to per-key count and sum of totals.
func GroupBy(batch []*model.Record, d Dimension) Aggregation {
	idx := make(map[string]int)
	agg := Aggregation{Dimension: d, Groups: []Group{}}
	for _, r := range batch {
		k := GroupKey(d, r)
		i, ok := idx[k]
		if !ok {
			i = len(agg.Groups)
			idx[k] = i
			agg.Groups = append(agg.Groups, Group{Key: k})
		}
		agg.Groups[i].Count++
		agg.Groups[i].Sum += r.Total
	}
	sort.Slice(agg.Groups, func(i, j int) bool { return agg.Groups[i].Key < agg.Groups[j].Key })
	return agg
}

// Aggregate is a reporting tap: it returns the batch unchanged and exposes the groupings
// through Result. With a store attached, all groups of a run are applied in one batch under
// the run sequence: a failed run leaves no group behind and a replayed run leaves the store
// untouched.
type Aggregate struct {
	dims  []Dimension
	store state.Store

	mu     sync.Mutex
	result []Aggregation
}

func NewAggregate(dims ...Dimension) *Aggregate {
	if len(dims) == 0 {
		dims = []Dimension{DimDay}
	}
	return &Aggregate{dims: dims}
}

func (a *Aggregate) WithStore(st state.Store) *Aggregate {
	a.store = st
	return a
}

func (a *Aggregate) Name() string { return "aggregate" }

func (a *Aggregate) Process(ctx context.Context, batch []*model.Record) ([]*model.Record, error) {
	out := make([]Aggregation, 0, len(a.dims))
	for _, d := range a.dims {
		out = append(out, GroupBy(batch, d))
	}
	a.mu.Lock()
	a.result = out
	a.mu.Unlock()

	if a.store == nil {
		return batch, nil
	}
	run, ok := RunFromContext(ctx)
	if !ok {
		return batch, fmt.Errorf("aggregate store needs a run sequence")
	}
	deltas := make(map[string]state.Delta)
	for _, agg := range out {
		for _, g := range agg.Groups {
			deltas[state.Key(string(agg.Dimension), g.Key)] = state.Delta{Count: g.Count, Sum: g.Sum}
		}
	}
	if _, err := a.store.ApplyBatch(deltas, run.Seq); err != nil {
		return batch, fmt.Errorf("persist run %d: %w", run.Seq, err)
	}
	return batch, nil
}

// Result returns the groupings of the most recent Process call.
func (a *Aggregate) Result() []Aggregation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Aggregation, len(a.result))
	copy(out, a.result)
	return out
}
