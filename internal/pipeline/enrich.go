package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"orderpipe/internal/lookup"
	"orderpipe/internal/model"
)

// Enrich resolves reference data for every record and computes the derived fields.
// Absent entities are skipped; a lookup error fails the stage.
type Enrich struct {
	caches lookup.Provider
	last   *lookup.Cache
}

// NewEnrich takes the cache provider that decides the cache scope: lookup.PerRun builds a
// fresh cache for each Process call, lookup.Shared reuses one across runs.
func NewEnrich(p lookup.Provider) *Enrich {
	return &Enrich{caches: p}
}

func (e *Enrich) Name() string  { return "enrich" }
func (e *Enrich) Mutates() bool { return true }

// Cache returns the cache used by the most recent Process call.
func (e *Enrich) Cache() *lookup.Cache { return e.last }

func (e *Enrich) Process(ctx context.Context, batch []*model.Record) ([]*model.Record, error) {
	cache := e.caches()
	e.last = cache
	for _, r := range batch {
		if err := resolve(ctx, cache, r); err != nil {
			return nil, fmt.Errorf("enrich order %s: %w", r.OrderID, err)
		}
		Derive(r)
	}
	return batch, nil
}

func resolve(ctx context.Context, cache *lookup.Cache, r *model.Record) error {
	c, ok, err := cache.Customer(ctx, r.CustomerID)
	if err != nil {
		return err
	}
	if ok {
		r.CustomerName = c.Name
		r.CustomerGender = model.ParseGender(string(c.Gender))
		r.CustomerAge = c.Age
		r.CustomerTier = c.Tier()
		r.CustomerJoinDate = c.JoinDate
	}

	o, ok, err := cache.Outlet(ctx, r.OutletID)
	if err != nil {
		return err
	}
	if ok {
		r.OutletName = o.Name
		r.OutletBorough = o.Borough
		r.OutletCapacity = o.Capacity
	}

	for i := range r.Items {
		it := &r.Items[i]
		mi, ok, err := cache.MenuItem(ctx, it.ItemID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		it.Name = mi.Name
		it.Category = mi.Category
		it.Vegetarian = mi.Vegetarian
		it.SpiceLevel = mi.SpiceLevel
	}
	return nil
}

// Derive fills the derived fields of a record and the enum fallbacks.
func Derive(r *model.Record) {
	if r.Status == "" {
		r.Status = model.StatusPending
	}
	if r.CustomerGender == "" {
		r.CustomerGender = model.GenderOther
	}
	if r.CustomerTier == "" {
		r.CustomerTier = model.TierBronze
	}
	for i := range r.Items {
		if r.Items[i].Category == "" {
			r.Items[i].Category = model.CategoryUncategorized
		}
	}

	r.PrepDuration = between(r.PrepStarted, r.PrepFinished)
	r.WaitDuration = between(r.Placed, r.Served)
	r.ConfirmLatency = between(r.Placed, r.Confirmed)

	if r.Placed != nil {
		h := r.Placed.Hour()
		r.PeakHour = h >= 18 && h <= 21
		wd := r.Placed.Weekday()
		r.DayOfWeek = strings.ToUpper(wd.String())
		r.Weekend = wd == time.Saturday || wd == time.Sunday
	}

	r.RecomputeTotals()
}

func between(from, to *time.Time) *time.Duration {
	if from == nil || to == nil {
		return nil
	}
	d := to.Sub(*from)
	return &d
}
