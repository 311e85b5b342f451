package state

import (
	"errors"
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore implements Store using BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(dir)).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger open: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Close() error { return b.db.Close() }

func (b *BadgerStore) Apply(key string, deltaCount int64, deltaSum float64, seq int64) (bool, GroupState, error) {
	var applied bool
	var out GroupState
	err := b.db.Update(func(txn *badger.Txn) error {
		var cur GroupState
		item, err := txn.Get([]byte(key))
		if err == nil {
			v, e := item.ValueCopy(nil)
			if e != nil {
				return e
			}
			if cur, e = decodeGroup(v); e != nil {
				return e
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		out = cur
		if seq <= cur.LastSeq {
			return nil
		}
		cur.Count += deltaCount
		cur.Sum += deltaSum
		cur.LastSeq = seq
		bytes, e := encodeGroup(cur)
		if e != nil {
			return e
		}
		if e = txn.Set([]byte(key), bytes); e != nil {
			return e
		}
		applied = true
		out = cur
		return nil
	})
	if err != nil {
		return false, GroupState{}, fmt.Errorf("badger apply %s: %w", key, err)
	}
	return applied, out, nil
}

// ApplyBatch applies every delta inside a single transaction.
func (b *BadgerStore) ApplyBatch(deltas map[string]Delta, seq int64) (int, error) {
	if err := checkDeltas(deltas); err != nil {
		return 0, err
	}
	n := 0
	err := b.db.Update(func(txn *badger.Txn) error {
		n = 0
		for key, d := range deltas {
			var cur GroupState
			item, err := txn.Get([]byte(key))
			if err == nil {
				v, e := item.ValueCopy(nil)
				if e != nil {
					return e
				}
				if cur, e = decodeGroup(v); e != nil {
					return e
				}
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if seq <= cur.LastSeq {
				continue
			}
			bytes, e := encodeGroup(GroupState{Count: cur.Count + d.Count, Sum: cur.Sum + d.Sum, LastSeq: seq})
			if e != nil {
				return e
			}
			if e = txn.Set([]byte(key), bytes); e != nil {
				return e
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger apply batch: %w", err)
	}
	return n, nil
}

func (b *BadgerStore) Get(key string) (GroupState, bool) {
	var st GroupState
	err := b.db.View(func(txn *badger.Txn) error {
		item, e := txn.Get([]byte(key))
		if e != nil {
			return e
		}
		return item.Value(func(v []byte) error {
			var dErr error
			st, dErr = decodeGroup(v)
			return dErr
		})
	})
	if err != nil {
		return GroupState{}, false
	}
	return st, true
}

func (b *BadgerStore) Range(fn func(key string, st GroupState) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			st, err := decodeGroup(v)
			if err != nil {
				return err
			}
			if err := fn(string(item.KeyCopy(nil)), st); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadAll replaces every key with the snapshot in one transaction.
func (b *BadgerStore) LoadAll(all map[string]GroupState) error {
	return b.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for k, st := range all {
			bytes, err := encodeGroup(st)
			if err != nil {
				return err
			}
			if err := txn.Set([]byte(k), bytes); err != nil {
				return err
			}
		}
		return nil
	})
}
