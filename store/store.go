// Package store is the shared key-value storage layer backing the ledger
// and token cache, grounded on the teacher's tosdb/leveldb wrapper (its
// leveldb_test.go exercises a Database type wrapping *leveldb.DB against a
// KeyValueStore-shaped surface: Get/Put/Delete/Has/NewIterator/Close).
package store

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Store is a goleveldb-backed key-value store.
type Store struct {
	db *leveldb.DB
}

// Open opens (creating if absent) a goleveldb database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// OpenMem opens an in-memory database, used by tests.
func OpenMem() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key, nil)
	if err == errors.ErrNotFound {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *Store) Has(key []byte) (bool, error) {
	return s.db.Has(key, nil)
}

func (s *Store) Put(key, value []byte) error {
	return s.db.Put(key, value, nil)
}

func (s *Store) Delete(key []byte) error {
	return s.db.Delete(key, nil)
}

// NewIteratorWithPrefix returns an iterator over all keys sharing prefix,
// used by the token cache, reputation engine, and spam filter to scan
// their key prefixes.
func (s *Store) NewIteratorWithPrefix(prefix []byte) iterator.Iterator {
	return s.db.NewIterator(util.BytesPrefix(prefix), nil)
}

// Batch groups a set of writes into one atomic commit.
type Batch struct {
	b *leveldb.Batch
}

func (s *Store) NewBatch() *Batch {
	return &Batch{b: new(leveldb.Batch)}
}

func (b *Batch) Put(key, value []byte) { b.b.Put(key, value) }
func (b *Batch) Delete(key []byte)     { b.b.Delete(key) }

func (s *Store) Write(b *Batch) error {
	return s.db.Write(b.b, nil)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ErrNotFound mirrors goleveldb's not-found sentinel under a store-local
// name so callers don't need to import goleveldb directly.
var ErrNotFound = leveldbNotFound{}

type leveldbNotFound struct{}

func (leveldbNotFound) Error() string { return "store: key not found" }
