// Package store provides the persistent key-value layer backing the auction
// and rebalancer state machines. Keys are ordered byte strings, so ascending
// iteration over a prefix gives the cursor semantics the paginated operations
// rely on.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

// Store wraps a BadgerDB instance. Every mutating operation of the engines
// runs inside a single Update transaction, so a call either fully commits or
// leaves no trace.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // disable internal logging
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a non-persistent instance, used by tests.
func OpenInMemory() (*Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening in-memory badger db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Update runs fn in a read-write transaction.
func (s *Store) Update(fn func(txn *Txn) error) error {
	return s.db.Update(func(btxn *badger.Txn) error {
		return fn(&Txn{txn: btxn})
	})
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(txn *Txn) error) error {
	return s.db.View(func(btxn *badger.Txn) error {
		return fn(&Txn{txn: btxn})
	})
}

// Txn is a transaction handle with JSON encoding on top of raw badger keys.
type Txn struct {
	txn *badger.Txn
}

// Get unmarshals the value at key into out. The boolean reports whether the
// key exists.
func (t *Txn) Get(key []byte, out interface{}) (bool, error) {
	item, err := t.txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, out)
	})
	if err != nil {
		return false, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

// Set marshals v and stores it at key.
func (t *Txn) Set(key []byte, v interface{}) error {
	val, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return t.txn.Set(key, val)
}

// Delete removes key. Deleting a missing key is not an error.
func (t *Txn) Delete(key []byte) error {
	return t.txn.Delete(key)
}

// ScanAfter iterates entries under prefix in ascending key order, starting
// strictly after the `after` key (pass nil to start at the beginning). It
// invokes fn with the key suffix (key minus prefix) and raw value for up to
// limit entries (limit <= 0 means unbounded) and returns the number of
// entries visited plus the suffix of the last visited key.
func (t *Txn) ScanAfter(prefix, after []byte, limit int, fn func(suffix, value []byte) error) (int, []byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := t.txn.NewIterator(opts)
	defer it.Close()

	start := prefix
	if len(after) > 0 {
		// Seek to the cursor key and step past it.
		start = append(append([]byte{}, prefix...), after...)
	}

	var (
		processed int
		last      []byte
	)
	for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		suffix := key[len(prefix):]
		if len(after) > 0 && bytes.Compare(suffix, after) <= 0 {
			continue
		}
		err := item.Value(func(v []byte) error {
			return fn(suffix, v)
		})
		if err != nil {
			return processed, last, err
		}
		processed++
		last = suffix
		if limit > 0 && processed >= limit {
			break
		}
	}
	return processed, last, nil
}

// DeletePrefix removes every key under prefix and reports how many were
// deleted. Keys are collected before deletion; badger iterators do not
// tolerate concurrent writes in the same transaction.
func (t *Txn) DeletePrefix(prefix []byte) (int, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := t.txn.NewIterator(opts)

	var keys [][]byte
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, k := range keys {
		if err := t.txn.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
