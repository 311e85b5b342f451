package pipeline

import (
	"context"
	"time"

	"orderpipe/internal/model"
)

// Predicate selects records.
type Predicate func(r *model.Record) bool

// DateRange keeps records placed within [start, end], both ends inclusive. Records without a
// placed timestamp are dropped.
func DateRange(start, end time.Time) Predicate {
	return func(r *model.Record) bool {
		return r.Placed != nil && !r.Placed.Before(start) && !r.Placed.After(end)
	}
}

func Outlet(id string) Predicate {
	return func(r *model.Record) bool { return r.OutletID == id }
}

func Status(s model.Status) Predicate {
	return func(r *model.Record) bool { return r.Status == s }
}

// All is the conjunction of ps. With no predicates it keeps everything.
func All(ps ...Predicate) Predicate {
	return func(r *model.Record) bool {
		for _, p := range ps {
			if !p(r) {
				return false
			}
		}
		return true
	}
}

// Filter keeps the records matching a predicate, in input order.
type Filter struct {
	pred      Predicate
	workers   int
	chunkSize int
}

func NewFilter(p Predicate) *Filter {
	if p == nil {
		p = All()
	}
	return &Filter{pred: p, workers: 1}
}

// Parallel evaluates the predicate on up to workers goroutines, chunkSize records each.
func (f *Filter) Parallel(workers, chunkSize int) *Filter {
	f.workers = workers
	f.chunkSize = chunkSize
	return f
}

func (f *Filter) Name() string { return "filter" }

func (f *Filter) Process(ctx context.Context, batch []*model.Record) ([]*model.Record, error) {
	keep := make([]bool, len(batch))
	err := forEachChunk(ctx, len(batch), f.chunkSize, f.workers, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			keep[i] = f.pred(batch[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*model.Record, 0, len(batch))
	for i, r := range batch {
		if keep[i] {
			out = append(out, r)
		}
	}
	return out, nil
}
