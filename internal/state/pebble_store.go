package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
)

// PebbleStore implements Store using PebbleDB.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	opts := &pebble.Options{
		// Aggregate groups are few and small; keep the memtable modest.
		MemTableSize:          64 << 20,
		L0CompactionThreshold: 4,
		L0StopWritesThreshold: 8,
	}
	d, err := pebble.Open(filepath.Clean(dir), opts)
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: d}, nil
}

func (p *PebbleStore) Close() error { return p.db.Close() }

func encodeGroup(st GroupState) ([]byte, error) { return json.Marshal(st) }
func decodeGroup(val []byte) (GroupState, error) {
	var st GroupState
	if err := json.Unmarshal(val, &st); err != nil {
		return GroupState{}, err
	}
	return st, nil
}

func (p *PebbleStore) Apply(key string, deltaCount int64, deltaSum float64, seq int64) (bool, GroupState, error) {
	k := []byte(key)
	var cur GroupState
	v, closer, err := p.db.Get(k)
	if err == nil {
		cur, err = decodeGroup(v)
		_ = closer.Close()
		if err != nil {
			return false, GroupState{}, fmt.Errorf("decode %s: %w", key, err)
		}
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return false, GroupState{}, fmt.Errorf("pebble get %s: %w", key, err)
	}
	if seq <= cur.LastSeq {
		return false, cur, nil
	}
	cur.Count += deltaCount
	cur.Sum += deltaSum
	cur.LastSeq = seq
	bytes, err := encodeGroup(cur)
	if err != nil {
		return false, GroupState{}, err
	}
	if err := p.db.Set(k, bytes, pebble.Sync); err != nil {
		return false, GroupState{}, fmt.Errorf("pebble set %s: %w", key, err)
	}
	return true, cur, nil
}

// ApplyBatch stages every applied key in one pebble batch and commits it synchronously.
func (p *PebbleStore) ApplyBatch(deltas map[string]Delta, seq int64) (int, error) {
	if err := checkDeltas(deltas); err != nil {
		return 0, err
	}
	wb := p.db.NewBatch()
	defer wb.Close()
	n := 0
	for key, d := range deltas {
		var cur GroupState
		v, closer, err := p.db.Get([]byte(key))
		if err == nil {
			cur, err = decodeGroup(v)
			_ = closer.Close()
			if err != nil {
				return 0, fmt.Errorf("decode %s: %w", key, err)
			}
		} else if !errors.Is(err, pebble.ErrNotFound) {
			return 0, fmt.Errorf("pebble get %s: %w", key, err)
		}
		if seq <= cur.LastSeq {
			continue
		}
		bytes, err := encodeGroup(GroupState{Count: cur.Count + d.Count, Sum: cur.Sum + d.Sum, LastSeq: seq})
		if err != nil {
			return 0, err
		}
		if err := wb.Set([]byte(key), bytes, nil); err != nil {
			return 0, fmt.Errorf("pebble batch %s: %w", key, err)
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("pebble commit: %w", err)
	}
	return n, nil
}

func (p *PebbleStore) Get(key string) (GroupState, bool) {
	v, closer, err := p.db.Get([]byte(key))
	if err != nil {
		return GroupState{}, false
	}
	defer closer.Close()
	st, e := decodeGroup(v)
	if e != nil {
		return GroupState{}, false
	}
	return st, true
}

func (p *PebbleStore) Range(fn func(key string, st GroupState) error) error {
	it, err := p.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		k := append([]byte(nil), it.Key()...)
		st, err := decodeGroup(it.Value())
		if err != nil {
			return err
		}
		if err := fn(string(k), st); err != nil {
			return err
		}
	}
	return it.Error()
}

// LoadAll replaces every key with the snapshot in a single batch.
func (p *PebbleStore) LoadAll(all map[string]GroupState) error {
	wb := p.db.NewBatch()
	defer wb.Close()

	it, err := p.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("pebble iter: %w", err)
	}
	for it.First(); it.Valid(); it.Next() {
		if err := wb.Delete(append([]byte(nil), it.Key()...), nil); err != nil {
			it.Close()
			return err
		}
	}
	if err := it.Close(); err != nil {
		return err
	}
	for k, st := range all {
		bytes, err := encodeGroup(st)
		if err != nil {
			return fmt.Errorf("encode %s: %w", k, err)
		}
		if err := wb.Set([]byte(k), bytes, nil); err != nil {
			return err
		}
	}
	if err := wb.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble commit: %w", err)
	}
	return nil
}
