package memtable

import (
	"bytes"
	"context"
	"testing"

	"github.com/eryx-labs/execution/internal/kv"
)

var testTable = kv.DatabaseInfo

func TestRollbackDiscardsBufferedWrites(t *testing.T) {
	e := New()

	rw, err := e.BeginRw()
	if err != nil {
		t.Fatalf("BeginRw: %v", err)
	}
	if err := rw.Put(testTable, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rw.Rollback()

	ro, err := e.BeginRo()
	if err != nil {
		t.Fatalf("BeginRo: %v", err)
	}
	defer ro.Rollback()
	got, err := ro.Get(testTable, []byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected rolled-back write to be absent, got %q", got)
	}
}

func TestCommitAppliesBufferedWrites(t *testing.T) {
	e := New()

	rw, err := e.BeginRw()
	if err != nil {
		t.Fatalf("BeginRw: %v", err)
	}
	if err := rw.Put(testTable, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := rw.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	ro, err := e.BeginRo()
	if err != nil {
		t.Fatalf("BeginRo: %v", err)
	}
	defer ro.Rollback()
	got, err := ro.Get(testTable, []byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("v")) {
		t.Fatalf("expected committed value %q, got %q", "v", got)
	}
}

// TestDeleteThenRollbackLeavesTreeUntouched is the partial-write-then-
// abort scenario from the bug report: a Put lands, then a later
// mutation in the same transaction fails (or the caller simply aborts
// mid-batch), and Rollback must leave the table exactly as before the
// transaction opened.
func TestDeleteThenRollbackLeavesTreeUntouched(t *testing.T) {
	e := New()

	seed, err := e.BeginRw()
	if err != nil {
		t.Fatalf("BeginRw: %v", err)
	}
	if err := seed.Put(testTable, []byte("existing"), []byte("orig")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := seed.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rw, err := e.BeginRw()
	if err != nil {
		t.Fatalf("BeginRw: %v", err)
	}
	if err := rw.Put(testTable, []byte("existing"), []byte("overwritten")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := rw.Delete(testTable, []byte("existing")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := rw.Put(testTable, []byte("new-key"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rw.Rollback()

	ro, err := e.BeginRo()
	if err != nil {
		t.Fatalf("BeginRo: %v", err)
	}
	defer ro.Rollback()

	got, err := ro.Get(testTable, []byte("existing"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("orig")) {
		t.Fatalf("rollback should have left the original value, got %q", got)
	}
	if got, err := ro.Get(testTable, []byte("new-key")); err != nil || got != nil {
		t.Fatalf("rollback should have discarded new-key, got %q err %v", got, err)
	}
}

func TestReadYourOwnWrites(t *testing.T) {
	e := New()

	rw, err := e.BeginRw()
	if err != nil {
		t.Fatalf("BeginRw: %v", err)
	}
	defer rw.Rollback()
	if err := rw.Put(testTable, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := rw.Get(testTable, []byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, []byte("v1")) {
		t.Fatalf("expected to read own uncommitted write, got %q", got)
	}

	if err := rw.Delete(testTable, []byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err = rw.Get(testTable, []byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected own uncommitted delete to be visible, got %q", got)
	}
}

func TestCursorSeesOwnPendingWrites(t *testing.T) {
	e := New()

	seed, err := e.BeginRw()
	if err != nil {
		t.Fatalf("BeginRw: %v", err)
	}
	if err := seed.Put(testTable, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := seed.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rw, err := e.BeginRw()
	if err != nil {
		t.Fatalf("BeginRw: %v", err)
	}
	defer rw.Rollback()
	if err := rw.Put(testTable, []byte("b"), []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := rw.Delete(testTable, []byte("a")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	cur, err := rw.Cursor(testTable)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	defer cur.Close()

	var keys [][]byte
	for k, _, err := cur.First(); k != nil; k, _, err = cur.Next() {
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		keys = append(keys, k)
	}
	if len(keys) != 1 || !bytes.Equal(keys[0], []byte("b")) {
		t.Fatalf("expected cursor to see only %q, got %v", "b", keys)
	}
}

func TestRwCursorInsertRejectsDuplicateOfPendingWrite(t *testing.T) {
	e := New()
	rw, err := e.BeginRw()
	if err != nil {
		t.Fatalf("BeginRw: %v", err)
	}
	defer rw.Rollback()

	cur, err := rw.RwCursor(testTable)
	if err != nil {
		t.Fatalf("RwCursor: %v", err)
	}
	defer cur.Close()

	if err := cur.Insert([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := cur.Insert([]byte("k"), []byte("v2")); err != errKeyExists {
		t.Fatalf("expected errKeyExists for a key only buffered (not yet committed), got %v", err)
	}
}

func TestRwCursorAppendRejectsKeyNotExceedingPendingMax(t *testing.T) {
	e := New()
	rw, err := e.BeginRw()
	if err != nil {
		t.Fatalf("BeginRw: %v", err)
	}
	defer rw.Rollback()

	cur, err := rw.RwCursor(testTable)
	if err != nil {
		t.Fatalf("RwCursor: %v", err)
	}
	defer cur.Close()

	if err := cur.Append([]byte("b"), []byte("v")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := cur.Append([]byte("a"), []byte("v")); err != errAppendOutOfOrder {
		t.Fatalf("expected errAppendOutOfOrder against a pending (uncommitted) max key, got %v", err)
	}
}

func TestDBUpdateRollsBackOnError(t *testing.T) {
	db := kv.Open(New())
	defer db.Close()
	ctx := context.Background()

	sentinel := bytesErr("boom")
	err := db.Update(ctx, func(tx kv.RwTx) error {
		if err := tx.Put(testTable, []byte("k"), []byte("v")); err != nil {
			return err
		}
		return sentinel
	})
	if err != sentinel {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	err = db.View(ctx, func(tx kv.RoTx) error {
		got, err := tx.Get(testTable, []byte("k"))
		if err != nil {
			return err
		}
		if got != nil {
			t.Fatalf("expected failed Update to leave no trace, got %q", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
}

type bytesErr string

func (e bytesErr) Error() string { return string(e) }
