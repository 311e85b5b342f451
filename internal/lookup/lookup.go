// Package lookup memoizes reference-data resolution for enrichment.
package lookup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"orderpipe/internal/model"
)

// Source resolves reference entities. found=false with a nil error means the entity does not exist.
type Source interface {
	FindCustomer(ctx context.Context, id string) (model.Customer, bool, error)
	FindMenuItem(ctx context.Context, id string) (model.MenuItem, bool, error)
	FindOutlet(ctx context.Context, id string) (model.Outlet, bool, error)
}

// Stats counts cache traffic. Misses equal collaborator calls.
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Errors int64 `json:"errors"`
}

// Cache memoizes Source lookups, including "not found" answers. Errors are never cached so a
// later lookup retries. Concurrent lookups of one key share a single collaborator call.
// A zero ttl keeps entries for the lifetime of the cache.
type Cache struct {
	src Source
	ttl time.Duration
	now func() time.Time

	customers *table[model.Customer]
	items     *table[model.MenuItem]
	outlets   *table[model.Outlet]

	hits   atomic.Int64
	misses atomic.Int64
	errs   atomic.Int64
}

// NewRunCache returns a cache meant to live for a single pipeline run.
func NewRunCache(src Source) *Cache {
	return newCache(src, 0)
}

// NewSharedCache returns a cache shared across runs whose entries expire after ttl.
func NewSharedCache(src Source, ttl time.Duration) *Cache {
	return newCache(src, ttl)
}

func newCache(src Source, ttl time.Duration) *Cache {
	return &Cache{
		src:       src,
		ttl:       ttl,
		now:       time.Now,
		customers: newTable[model.Customer](),
		items:     newTable[model.MenuItem](),
		outlets:   newTable[model.Outlet](),
	}
}

func (c *Cache) Customer(ctx context.Context, id string) (model.Customer, bool, error) {
	return get(c, c.customers, id, func() (model.Customer, bool, error) {
		return c.src.FindCustomer(ctx, id)
	})
}

func (c *Cache) MenuItem(ctx context.Context, id string) (model.MenuItem, bool, error) {
	return get(c, c.items, id, func() (model.MenuItem, bool, error) {
		return c.src.FindMenuItem(ctx, id)
	})
}

func (c *Cache) Outlet(ctx context.Context, id string) (model.Outlet, bool, error) {
	return get(c, c.outlets, id, func() (model.Outlet, bool, error) {
		return c.src.FindOutlet(ctx, id)
	})
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Errors: c.errs.Load()}
}

// Provider hands Enrich the cache to use for one run.
type Provider func() *Cache

// PerRun builds a fresh cache on every call.
func PerRun(src Source) Provider {
	return func() *Cache { return NewRunCache(src) }
}

// Shared always returns c.
func Shared(c *Cache) Provider {
	return func() *Cache { return c }
}

type entry[T any] struct {
	val   T
	found bool
	at    time.Time
}

type result[T any] struct {
	val   T
	found bool
}

type table[T any] struct {
	mu      sync.RWMutex
	entries map[string]entry[T]
	flight  singleflight.Group
}

func newTable[T any]() *table[T] {
	return &table[T]{entries: make(map[string]entry[T])}
}

func (t *table[T]) lookup(id string, ttl time.Duration, now time.Time) (entry[T], bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return e, false
	}
	if ttl > 0 && now.Sub(e.at) >= ttl {
		return e, false
	}
	return e, true
}

func (t *table[T]) store(id string, e entry[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = e
}

func get[T any](c *Cache, t *table[T], id string, fetch func() (T, bool, error)) (T, bool, error) {
	if e, ok := t.lookup(id, c.ttl, c.now()); ok {
		c.hits.Add(1)
		return e.val, e.found, nil
	}
	v, err, _ := t.flight.Do(id, func() (interface{}, error) {
		// another caller may have filled the entry between our check and this flight
		if e, ok := t.lookup(id, c.ttl, c.now()); ok {
			c.hits.Add(1)
			return result[T]{val: e.val, found: e.found}, nil
		}
		c.misses.Add(1)
		val, found, err := fetch()
		if err != nil {
			c.errs.Add(1)
			return nil, err
		}
		t.store(id, entry[T]{val: val, found: found, at: c.now()})
		return result[T]{val: val, found: found}, nil
	})
	if err != nil {
		var zero T
		return zero, false, fmt.Errorf("lookup %s: %w", id, err)
	}
	r := v.(result[T])
	return r.val, r.found, nil
}
