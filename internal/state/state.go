package state

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

// GroupState is the persisted count/sum of one aggregate group.
type GroupState struct {
	Count   int64   `json:"count"`
	Sum     float64 `json:"sum"`
	LastSeq int64   `json:"lastSeq"`
}

// Delta is one run's contribution to a group, as published on the aggregate changelog.
type Delta struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
}

// ErrInvalidDelta rejects a delta whose sum is NaN or infinite.
var ErrInvalidDelta = errors.New("invalid delta")

// Store keeps aggregate groups keyed by "<dimension>#<group>".
// Apply is idempotent per key: a seq at or below the stored LastSeq is ignored, so replaying
// a run never double counts.
// ApplyBatch applies one run's deltas for many keys all or nothing, with the same per key
// skip rule, and reports how many keys moved.
type Store interface {
	Apply(key string, deltaCount int64, deltaSum float64, seq int64) (applied bool, newState GroupState, err error)
	ApplyBatch(deltas map[string]Delta, seq int64) (applied int, err error)
	Get(key string) (GroupState, bool)
	Range(fn func(key string, st GroupState) error) error
	LoadAll(all map[string]GroupState) error
}

// Key builds a store key for a dimension group.
func Key(dimension, group string) string { return dimension + "#" + group }

func checkDeltas(deltas map[string]Delta) error {
	for k, d := range deltas {
		if math.IsNaN(d.Sum) || math.IsInf(d.Sum, 0) {
			return fmt.Errorf("%s: %w: sum %v", k, ErrInvalidDelta, d.Sum)
		}
	}
	return nil
}

// Dump copies every entry of a store into a map.
func Dump(s Store) (map[string]GroupState, error) {
	out := make(map[string]GroupState)
	err := s.Range(func(k string, st GroupState) error {
		out[k] = st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SortedKeys returns the keys of a dump in ascending order.
func SortedKeys(all map[string]GroupState) []string {
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// InMemoryStore is a simple thread-safe map store.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]GroupState
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: make(map[string]GroupState)}
}

// LoadAll replaces the store contents with the provided snapshot.
func (s *InMemoryStore) LoadAll(all map[string]GroupState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]GroupState, len(all))
	for k, v := range all {
		s.data[k] = v
	}
	return nil
}

func (s *InMemoryStore) Apply(key string, deltaCount int64, deltaSum float64, seq int64) (bool, GroupState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.data[key]
	if seq <= st.LastSeq {
		return false, st, nil
	}
	st.Count += deltaCount
	st.Sum += deltaSum
	st.LastSeq = seq
	s.data[key] = st
	return true, st, nil
}

func (s *InMemoryStore) ApplyBatch(deltas map[string]Delta, seq int64) (int, error) {
	if err := checkDeltas(deltas); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, d := range deltas {
		st := s.data[k]
		if seq <= st.LastSeq {
			continue
		}
		s.data[k] = GroupState{Count: st.Count + d.Count, Sum: st.Sum + d.Sum, LastSeq: seq}
		n++
	}
	return n, nil
}

func (s *InMemoryStore) Get(key string) (GroupState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.data[key]
	return st, ok
}

func (s *InMemoryStore) Range(fn func(key string, st GroupState) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.data {
		if err := fn(k, v); err != nil {
			return fmt.Errorf("range callback failed: %w", err)
		}
	}
	return nil
}
