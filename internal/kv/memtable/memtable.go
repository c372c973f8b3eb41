// Package memtable is an in-memory kv.Backend built on google/btree.
// internal/node wires it as the running node's only KV backend;
// internal/etl does not use it (its spill runs are plain temp files).
// A real deployment would sit a durable,
// mmap-backed B-tree underneath this same contract instead; until
// then this engine carries the full single-writer transactional
// semantics internal/kv requires (buffered writes, atomic commit,
// no-op-on-abort rollback) so callers cannot tell the difference at
// the interface level.
package memtable

import (
	"bytes"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/eryx-labs/execution/internal/kv"
)

type item struct {
	key, value []byte
}

func (a item) Less(b btree.Item) bool {
	return bytes.Compare(a.key, b.(item).key) < 0
}

// Engine is a kv.Backend: one btree per table, guarded by a single
// RWMutex shared across all tables (mirrors the single-writer,
// multi-reader contract at the database level, not per table).
type Engine struct {
	mu     sync.RWMutex
	tables map[string]*btree.BTree
	writer bool
}

func New() *Engine {
	e := &Engine{tables: make(map[string]*btree.BTree)}
	for _, t := range kv.AllTables {
		e.tables[t.Name] = btree.New(32)
	}
	return e
}

func (e *Engine) treeFor(t kv.Table) *btree.BTree {
	return e.treeForName(t.Name)
}

func (e *Engine) treeForName(name string) *btree.BTree {
	tr, ok := e.tables[name]
	if !ok {
		tr = btree.New(32)
		e.tables[name] = tr
	}
	return tr
}

func (e *Engine) BeginRo() (kv.RoTx, error) {
	e.mu.RLock()
	return &tx{engine: e, writable: false}, nil
}

func (e *Engine) BeginRw() (kv.RwTx, error) {
	e.mu.Lock()
	return &tx{engine: e, writable: true, pending: make(map[string]map[string]pendingValue)}, nil
}

// pendingValue is one buffered mutation: a put carries value with
// deleted false, a tombstone carries deleted true. Buffering here (and
// applying only in Commit) is what makes Rollback able to discard a
// transaction's writes without having touched the shared btree.
type pendingValue struct {
	value   []byte
	deleted bool
}

type tx struct {
	engine   *Engine
	writable bool
	closed   bool
	pending  map[string]map[string]pendingValue // table name -> key -> buffered mutation, applied at Commit
}

func (t *tx) checkOpen() error {
	if t.closed {
		return kv.ErrTxClosed
	}
	return nil
}

// tableBuf returns (creating if needed) this transaction's pending
// buffer for table, so a RwCursor opened before any Put/Delete still
// shares the same overlay those calls write into.
func (t *tx) tableBuf(table kv.Table) map[string]pendingValue {
	m, ok := t.pending[table.Name]
	if !ok {
		m = make(map[string]pendingValue)
		t.pending[table.Name] = m
	}
	return m
}

// pendingFor returns table's buffer without creating one, so a plain
// read (Get/Cursor) never allocates a buffer it won't write to.
func (t *tx) pendingFor(table kv.Table) map[string]pendingValue {
	if t.pending == nil {
		return nil
	}
	return t.pending[table.Name]
}

func (t *tx) Get(table kv.Table, key []byte) ([]byte, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	if pv, ok := t.pendingFor(table)[string(key)]; ok {
		if pv.deleted {
			return nil, nil
		}
		return pv.value, nil
	}
	it := t.engine.treeFor(table).Get(item{key: key})
	if it == nil {
		return nil, nil
	}
	return it.(item).value, nil
}

func (t *tx) Cursor(table kv.Table) (kv.Cursor, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	return newCursor(t.engine.treeFor(table), table, t.pendingFor(table)), nil
}

func (t *tx) RwCursor(table kv.Table) (kv.RwCursor, error) {
	if !t.writable {
		return nil, kv.ErrTxClosed
	}
	return newCursor(t.engine.treeFor(table), table, t.tableBuf(table)), nil
}

func (t *tx) Put(table kv.Table, key, value []byte) error {
	if !t.writable {
		return kv.ErrTxClosed
	}
	cp := append([]byte(nil), value...)
	t.tableBuf(table)[string(key)] = pendingValue{value: cp}
	return nil
}

func (t *tx) Delete(table kv.Table, key []byte) error {
	if !t.writable {
		return kv.ErrTxClosed
	}
	t.tableBuf(table)[string(key)] = pendingValue{deleted: true}
	return nil
}

// Commit applies every buffered mutation across every touched table to
// the shared btree in one pass, then releases the writer lock. A
// reader that opens a new transaction never observes a partially
// applied commit, since the writer lock is held for the whole apply.
func (t *tx) Commit() error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	t.closed = true
	if t.writable {
		for tableName, ops := range t.pending {
			tree := t.engine.treeForName(tableName)
			for k, pv := range ops {
				if pv.deleted {
					tree.Delete(item{key: []byte(k)})
				} else {
					tree.ReplaceOrInsert(item{key: []byte(k), value: pv.value})
				}
			}
		}
		t.engine.mu.Unlock()
	} else {
		t.engine.mu.RUnlock()
	}
	return nil
}

// Rollback discards every buffered mutation by simply dropping
// pending; the shared btree was never touched, so there is nothing to
// undo.
func (t *tx) Rollback() {
	if t.closed {
		return
	}
	t.closed = true
	t.pending = nil
	if t.writable {
		t.engine.mu.Unlock()
	} else {
		t.engine.mu.RUnlock()
	}
}

// cursor wraps an ordered snapshot merging a table's committed btree
// contents with its transaction's pending overlay (nil for a
// transaction that hasn't buffered anything for this table). It
// materializes the merged key order once at open time and after every
// mutation (cheap for an in-memory engine) so Next/Prev are O(1).
// pending is nil for a cursor obtained from a read-only transaction,
// or from a writable one before any Put/Delete/RwCursor mutation.
type cursor struct {
	tree    *btree.BTree
	table   kv.Table
	pending map[string]pendingValue
	keys    []item
	pos     int // -1 = before first
}

func newCursor(tree *btree.BTree, table kv.Table, pending map[string]pendingValue) *cursor {
	c := &cursor{tree: tree, table: table, pending: pending, pos: -1}
	c.refresh()
	return c
}

func (c *cursor) First() ([]byte, []byte, error) {
	if len(c.keys) == 0 {
		c.pos = -1
		return nil, nil, nil
	}
	c.pos = 0
	return c.keys[0].key, c.keys[0].value, nil
}

func (c *cursor) Last() ([]byte, []byte, error) {
	if len(c.keys) == 0 {
		c.pos = -1
		return nil, nil, nil
	}
	c.pos = len(c.keys) - 1
	return c.keys[c.pos].key, c.keys[c.pos].value, nil
}

func (c *cursor) Seek(key []byte) ([]byte, []byte, error) {
	idx := sort.Search(len(c.keys), func(i int) bool {
		return bytes.Compare(c.keys[i].key, key) >= 0
	})
	if idx >= len(c.keys) {
		c.pos = len(c.keys)
		return nil, nil, nil
	}
	c.pos = idx
	return c.keys[idx].key, c.keys[idx].value, nil
}

func (c *cursor) SeekExact(key []byte) ([]byte, error) {
	k, v, err := c.Seek(key)
	if err != nil || k == nil || !bytes.Equal(k, key) {
		return nil, err
	}
	return v, nil
}

func (c *cursor) Next() ([]byte, []byte, error) {
	if c.pos+1 >= len(c.keys) {
		c.pos = len(c.keys)
		return nil, nil, nil
	}
	c.pos++
	return c.keys[c.pos].key, c.keys[c.pos].value, nil
}

func (c *cursor) Prev() ([]byte, []byte, error) {
	if c.pos <= 0 {
		c.pos = -1
		return nil, nil, nil
	}
	c.pos--
	return c.keys[c.pos].key, c.keys[c.pos].value, nil
}

// NextDup advances while the DupSort key prefix (table.DupKeyLen
// bytes) matches the current entry's prefix.
func (c *cursor) NextDup() ([]byte, []byte, error) {
	if c.table.Mode != kv.DupSort || c.pos < 0 || c.pos >= len(c.keys) {
		return nil, nil, nil
	}
	prefix := c.keys[c.pos].key[:c.table.DupKeyLen]
	k, v, err := c.Next()
	if err != nil || k == nil {
		return nil, nil, err
	}
	if !bytes.Equal(k[:c.table.DupKeyLen], prefix) {
		c.pos--
		return nil, nil, nil
	}
	return k, v, nil
}

// SeekBySubKey seeks to the first entry whose key is key++subKey or
// greater within the same key prefix, for duplicate-sort tables.
func (c *cursor) SeekBySubKey(key, subKey []byte) ([]byte, error) {
	full := append(append([]byte(nil), key...), subKey...)
	k, v, err := c.Seek(full)
	if err != nil || k == nil || len(k) < len(key) || !bytes.Equal(k[:len(key)], key) {
		return nil, err
	}
	return v, nil
}

func (c *cursor) Insert(k, v []byte) error {
	if c.hasKey(k) {
		return errKeyExists
	}
	return c.Upsert(k, v)
}

func (c *cursor) hasKey(k []byte) bool {
	idx := sort.Search(len(c.keys), func(i int) bool {
		return bytes.Compare(c.keys[i].key, k) >= 0
	})
	return idx < len(c.keys) && bytes.Equal(c.keys[idx].key, k)
}

func (c *cursor) Upsert(k, v []byte) error {
	if c.pending == nil {
		return kv.ErrTxClosed
	}
	cp := append([]byte(nil), v...)
	c.pending[string(k)] = pendingValue{value: cp}
	c.refresh()
	return nil
}

func (c *cursor) DeleteCurrent() error {
	if c.pos < 0 || c.pos >= len(c.keys) {
		return nil
	}
	if c.pending == nil {
		return kv.ErrTxClosed
	}
	c.pending[string(c.keys[c.pos].key)] = pendingValue{deleted: true}
	c.refresh()
	return nil
}

// Append is the amortized-O(1) insert path: valid only when k exceeds
// every existing key already visible to this transaction (committed
// or pending). It still buffers into pending rather than the tree, so
// it is undone by Rollback like every other mutation.
func (c *cursor) Append(k, v []byte) error {
	if len(c.keys) > 0 {
		max := c.keys[len(c.keys)-1].key
		if bytes.Compare(k, max) <= 0 {
			return errAppendOutOfOrder
		}
	}
	return c.Upsert(k, v)
}

// refresh rebuilds the merged key order from the committed tree and
// this transaction's pending overlay, with pending tombstones removing
// committed entries and pending puts shadowing them.
func (c *cursor) refresh() {
	merged := make(map[string]item, c.tree.Len()+len(c.pending))
	c.tree.Ascend(func(i btree.Item) bool {
		it := i.(item)
		merged[string(it.key)] = it
		return true
	})
	for k, pv := range c.pending {
		if pv.deleted {
			delete(merged, k)
			continue
		}
		merged[k] = item{key: []byte(k), value: pv.value}
	}
	keys := make([]item, 0, len(merged))
	for _, it := range merged {
		keys = append(keys, it)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i].key, keys[j].key) < 0
	})
	c.keys = keys
}

func (c *cursor) Close() {}

type memErr string

func (e memErr) Error() string { return string(e) }

const (
	errKeyExists        = memErr("memtable: key already exists")
	errAppendOutOfOrder = memErr("memtable: append key does not exceed max key")
)
