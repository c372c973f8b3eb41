package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrTxClosed is returned by any cursor/transaction operation invoked
// after the owning transaction has been committed, rolled back, or closed.
var ErrTxClosed = errors.New("kv: transaction is closed")

// RoTx is a read-only transaction: a consistent point-in-time
// snapshot. Multiple RoTx may be open concurrently with each other and
// with the single RwTx (spec §4.1).
type RoTx interface {
	// Get returns the value for an exact key in a Unique table, or
	// nil if absent.
	Get(table Table, key []byte) ([]byte, error)
	// Cursor opens a read cursor over table.
	Cursor(table Table) (Cursor, error)
	Rollback()
}

// RwTx is a read-write transaction. At most one RwTx exists at a time
// across the whole database (single-writer). Writes are buffered
// until Commit, which is atomic; Rollback discards all of them.
type RwTx interface {
	RoTx
	RwCursor(table Table) (RwCursor, error)
	Put(table Table, key, value []byte) error
	Delete(table Table, key []byte) error
	Commit() error
}

// Cursor iterates a table's key space in key order.
type Cursor interface {
	First() (k, v []byte, err error)
	Last() (k, v []byte, err error)
	Seek(key []byte) (k, v []byte, err error)
	SeekExact(key []byte) (v []byte, err error)
	Next() (k, v []byte, err error)
	Prev() (k, v []byte, err error)
	// NextDup advances within the current key's duplicate-sort value
	// set; valid only on a DupSort table.
	NextDup() (k, v []byte, err error)
	// SeekBySubKey seeks to the first duplicate value at key whose
	// encoded sub-key is >= subKey; valid only on a DupSort table.
	SeekBySubKey(key, subKey []byte) (v []byte, err error)
	Close()
}

// RwCursor additionally supports mutation. Append is an
// amortized-O(1) insert valid only when the new key is greater than
// every existing key in the table (spec §4.1).
type RwCursor interface {
	Cursor
	Insert(k, v []byte) error
	Upsert(k, v []byte) error
	DeleteCurrent() error
	Append(k, v []byte) error
}

// LongReaderThreshold is the default duration (spec §4.1) after which
// a still-open RoTx is logged as a long-reader hazard: the engine
// cannot reclaim versions superseded while any reader holds them.
const LongReaderThreshold = 60 * time.Second

// DB owns the single-writer/multi-reader discipline and the
// long-reader watchdog. Concrete engines (memtable, or a future
// on-disk engine) implement Backend and are wrapped by DB.
type DB struct {
	backend Backend
	log     *zap.Logger

	writerMu sync.Mutex // held for the lifetime of the single RwTx

	readersMu sync.Mutex
	readers   map[*watchedTx]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Backend is what a concrete storage engine must provide; DB adds the
// single-writer lock and long-reader monitoring on top.
type Backend interface {
	BeginRo() (RoTx, error)
	BeginRw() (RwTx, error)
}

func Open(backend Backend) *DB {
	logger, _ := zap.NewProduction()
	db := &DB{
		backend: backend,
		log:     logger,
		readers: make(map[*watchedTx]struct{}),
		stopCh:  make(chan struct{}),
	}
	db.wg.Add(1)
	go db.watchLongReaders()
	return db
}

func (db *DB) Close() {
	close(db.stopCh)
	db.wg.Wait()
	if db.log != nil {
		_ = db.log.Sync()
	}
}

type watchedTx struct {
	RoTx
	openedAt time.Time
	warned   bool
}

// View runs fn against a fresh read-only snapshot and always releases it.
func (db *DB) View(ctx context.Context, fn func(tx RoTx) error) error {
	tx, err := db.backend.BeginRo()
	if err != nil {
		return fmt.Errorf("kv: begin ro: %w", err)
	}
	wt := &watchedTx{RoTx: tx, openedAt: time.Now()}
	db.readersMu.Lock()
	db.readers[wt] = struct{}{}
	db.readersMu.Unlock()
	defer func() {
		db.readersMu.Lock()
		delete(db.readers, wt)
		db.readersMu.Unlock()
		tx.Rollback()
	}()
	return fn(wt)
}

// Update runs fn against the single read-write transaction, committing
// on success and rolling back on error or panic-free early return.
func (db *DB) Update(ctx context.Context, fn func(tx RwTx) error) error {
	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	tx, err := db.backend.BeginRw()
	if err != nil {
		return fmt.Errorf("kv: begin rw: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kv: commit: %w", err)
	}
	return nil
}

func (db *DB) watchLongReaders() {
	defer db.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-db.stopCh:
			return
		case <-ticker.C:
			db.readersMu.Lock()
			now := time.Now()
			for wt := range db.readers {
				if !wt.warned && now.Sub(wt.openedAt) > LongReaderThreshold {
					wt.warned = true
					if db.log != nil {
						db.log.Warn("long-running read transaction detected",
							zap.Duration("age", now.Sub(wt.openedAt)),
							zap.Duration("threshold", LongReaderThreshold))
					}
				}
			}
			db.readersMu.Unlock()
		}
	}
}
