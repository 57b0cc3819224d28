// Copyright 2025 Certen Protocol

// Package store implements the authenticated key-value store the rest of
// the rollup core is built on: a column-family keyed byte store with
// snapshot-isolated, optimistically-committed transactions on top of
// cometbft-db.
//
// Every other stateful package (pkg/smt, pkg/state, pkg/mempool, pkg/block,
// pkg/l1sync) reads and writes through a *store.Tx rather than touching the
// underlying dbm.DB directly, so the whole system gets the same conflict
// detection and crash-recovery semantics.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"sync"

	dbm "github.com/cometbft/cometbft-db"
)

// Errors returned by the store. Sentinel errors, wrapped with fmt.Errorf at
// call sites, matching the rest of the codebase.
var (
	ErrConflict      = errors.New("store: write-write conflict, transaction aborted")
	ErrClosed        = errors.New("store: store is closed")
	ErrTxDone        = errors.New("store: transaction already committed or rolled back")
	ErrMigrationBack = errors.New("store: on-disk schema version is newer than this binary supports")
)

// Column identifies a logical column family. Columns are implemented as a
// one-byte prefix over a single physical cometbft-db handle; there is no
// native column-family support in the backends we target (goleveldb,
// memdb, badgerdb).
type Column byte

const (
	ColumnMeta          Column = 0x01 // singleton metadata: tip, schema version, genesis
	ColumnBlock         Column = 0x02 // block number -> block body
	ColumnBlockHash     Column = 0x03 // block hash -> block number
	ColumnTxReceipt     Column = 0x04 // tx hash -> receipt
	ColumnSMTBranch     Column = 0x05 // smt node_key||height -> branch node
	ColumnSMTLeaf       Column = 0x06 // smt key -> leaf value
	ColumnAccount       Column = 0x07 // account index -> script hash
	ColumnScript        Column = 0x08 // script hash -> script
	ColumnData          Column = 0x09 // data hash -> data
	ColumnRegistry      Column = 0x0A // registry address -> script hash (and reverse)
	ColumnMemPoolTx     Column = 0x0B // mem-pool pending tx hash -> tx
	ColumnMemPoolWithdr Column = 0x0C // mem-pool pending withdrawal hash -> withdrawal
	ColumnMemPoolMeta   Column = 0x0D // mem-pool recovery bookkeeping
	ColumnChallenge     Column = 0x0E // challenge target -> challenge record
	ColumnL1Cursor      Column = 0x0F // L1 rollup-cell sync cursor
	ColumnIndex         Column = 0x10 // secondary, non-authenticated indexes
	ColumnGlobalState   Column = 0x11 // block number -> post global state
)

func (c Column) prefixed(key []byte) []byte {
	out := make([]byte, 0, len(key)+1)
	out = append(out, byte(c))
	out = append(out, key...)
	return out
}

// Store is the top-level handle on the underlying dbm.DB. Open one per
// process; obtain transactions from it.
type Store struct {
	mu      sync.Mutex
	db      dbm.DB
	version uint64            // monotonic commit counter, used for snapshot isolation
	inUse   map[string]uint64 // key -> version it was last written at
	closed  bool
	logger  *log.Logger
}

// Open wraps an already-constructed dbm.DB. Callers choose the backend
// (dbm.NewGoLevelDB for on-disk, dbm.NewMemDB for tests).
func Open(db dbm.DB) *Store {
	return &Store{
		db:     db,
		inUse:  make(map[string]uint64),
		logger: log.New(log.Writer(), "[Store] ", log.LstdFlags),
	}
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Printf("🛑 closing store")
	return s.db.Close()
}

// Begin starts a new snapshot-isolated transaction. Reads inside the
// transaction observe the database as of the moment Begin was called;
// writes are buffered and only become visible to others on Commit.
func (s *Store) Begin() (*Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return &Tx{
		store:    s,
		snapshot: s.version,
		reads:    make(map[string]uint64),
		writes:   make(map[string][]byte),
		deletes:  make(map[string]bool),
	}, nil
}

// View runs fn in a read-only transaction and discards any writes fn makes
// (it never calls Commit). Convenience wrapper for the common case.
func (s *Store) View(fn func(tx *Tx) error) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	return fn(tx)
}

// Update runs fn in a read-write transaction and commits on success. On
// ErrConflict nothing is written and the error is returned; whether to
// retry is up to the caller.
func (s *Store) Update(fn func(tx *Tx) error) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Tx is a single logical transaction against the store. Not safe for
// concurrent use by multiple goroutines.
type Tx struct {
	store    *Store
	snapshot uint64
	reads    map[string]uint64
	writes   map[string][]byte
	deletes  map[string]bool
	done     bool
}

func mapKey(col Column, key []byte) string {
	return string(col.prefixed(key))
}

// Get reads key in column col, consulting the transaction's own write set
// first (read-your-writes), then falling back to the underlying database.
func (tx *Tx) Get(col Column, key []byte) ([]byte, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	mk := mapKey(col, key)
	if tx.deletes[mk] {
		return nil, nil
	}
	if v, ok := tx.writes[mk]; ok {
		return v, nil
	}
	tx.store.mu.Lock()
	ver, tracked := tx.store.inUse[mk]
	tx.store.mu.Unlock()
	if tracked {
		tx.reads[mk] = ver
	} else {
		tx.reads[mk] = 0
	}
	v, err := tx.store.db.Get(col.prefixed(key))
	if err != nil {
		return nil, fmt.Errorf("store get: %w", err)
	}
	return v, nil
}

// Has reports whether key is present in column col.
func (tx *Tx) Has(col Column, key []byte) (bool, error) {
	v, err := tx.Get(col, key)
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// Set stages a write; it is not visible outside the transaction until
// Commit succeeds.
func (tx *Tx) Set(col Column, key, value []byte) error {
	if tx.done {
		return ErrTxDone
	}
	mk := mapKey(col, key)
	delete(tx.deletes, mk)
	tx.writes[mk] = value
	return nil
}

// Delete stages a deletion.
func (tx *Tx) Delete(col Column, key []byte) error {
	if tx.done {
		return ErrTxDone
	}
	mk := mapKey(col, key)
	delete(tx.writes, mk)
	tx.deletes[mk] = true
	return nil
}

// SeekForPrev returns the greatest key less than or equal to key within
// column col, along with its value. Returns (nil, nil, nil) if no such
// key exists.
func (tx *Tx) SeekForPrev(col Column, key []byte) ([]byte, []byte, error) {
	prefix := []byte{byte(col)}
	upper := append(append([]byte{}, prefix...), key...)
	// cometbft-db iterators are [start, end); to include `key` itself we
	// probe for an exact hit first, then fall back to a reverse scan.
	if v, err := tx.store.db.Get(upper); err == nil && v != nil {
		return key, v, nil
	}
	it, err := tx.store.db.ReverseIterator(prefix, upper)
	if err != nil {
		return nil, nil, fmt.Errorf("store seek_for_prev: %w", err)
	}
	defer it.Close()
	if !it.Valid() {
		return nil, nil, nil
	}
	k := it.Key()
	if !bytes.HasPrefix(k, prefix) {
		return nil, nil, nil
	}
	outKey := append([]byte{}, k[1:]...)
	outVal := append([]byte{}, it.Value()...)
	return outKey, outVal, nil
}

// IterDirection selects a cursor's walk order.
type IterDirection int

const (
	IterForward IterDirection = iota
	IterBackward
)

// Iterator is a cursor over one column, in key order. Close it when done.
type Iterator struct {
	inner dbm.Iterator
}

// Valid reports whether the cursor points at an entry.
func (it *Iterator) Valid() bool { return it.inner.Valid() }

// Next advances the cursor.
func (it *Iterator) Next() { it.inner.Next() }

// Key returns the current entry's key with the column prefix stripped.
func (it *Iterator) Key() []byte {
	k := it.inner.Key()
	return append([]byte{}, k[1:]...)
}

// Value returns the current entry's value.
func (it *Iterator) Value() []byte {
	return append([]byte{}, it.inner.Value()...)
}

// Close releases the cursor.
func (it *Iterator) Close() error { return it.inner.Close() }

// Iter opens a cursor over every key in column col. The cursor observes
// the committed database, not this transaction's unflushed write set, so
// it is meant for startup-time scans (mem-pool recovery, block export)
// rather than read-your-writes queries.
func (tx *Tx) Iter(col Column, dir IterDirection) (*Iterator, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	start := []byte{byte(col)}
	end := []byte{byte(col) + 1}
	var inner dbm.Iterator
	var err error
	if dir == IterBackward {
		inner, err = tx.store.db.ReverseIterator(start, end)
	} else {
		inner, err = tx.store.db.Iterator(start, end)
	}
	if err != nil {
		return nil, fmt.Errorf("store iter: %w", err)
	}
	return &Iterator{inner: inner}, nil
}

// Commit validates that no key this transaction read has been written by
// another transaction since the snapshot was taken, then atomically
// applies the write set. On conflict, no state changes and ErrConflict is
// returned so the caller can retry.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	if tx.store.closed {
		return ErrClosed
	}

	for mk, readVer := range tx.reads {
		if curVer, ok := tx.store.inUse[mk]; ok && curVer != readVer {
			return ErrConflict
		}
	}

	batch := tx.store.db.NewBatch()
	defer batch.Close()

	for mk, val := range tx.writes {
		if err := batch.Set([]byte(mk), val); err != nil {
			return fmt.Errorf("store commit set: %w", err)
		}
	}
	for mk := range tx.deletes {
		if err := batch.Delete([]byte(mk)); err != nil {
			return fmt.Errorf("store commit delete: %w", err)
		}
	}
	if err := batch.WriteSync(); err != nil {
		return fmt.Errorf("store commit write: %w", err)
	}

	tx.store.version++
	for mk := range tx.writes {
		tx.store.inUse[mk] = tx.store.version
	}
	for mk := range tx.deletes {
		tx.store.inUse[mk] = tx.store.version
	}
	return nil
}

// Rollback discards the transaction's buffered writes. Safe to call after
// Commit (no-op).
func (tx *Tx) Rollback() {
	tx.done = true
}
