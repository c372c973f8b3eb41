package health

import (
	"context"
	"os"
	"testing"

	"github.com/eryx-labs/execution/internal/kv"
	"github.com/eryx-labs/execution/internal/kv/memtable"
	"github.com/eryx-labs/execution/internal/stagedsync"
	"github.com/eryx-labs/execution/internal/txpool"
)

type fakePeerCounter int

func (f fakePeerCounter) PeerCount() int { return int(f) }

func newTestReporter(t *testing.T) *Reporter {
	t.Helper()
	db := kv.Open(memtable.New())
	t.Cleanup(db.Close)

	logPath := t.TempDir() + "/health.log"
	r, err := New(db, &txpool.Pool{}, fakePeerCounter(3), logPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestSnapshotReadsFinishedHeight(t *testing.T) {
	r := newTestReporter(t)
	ctx := context.Background()

	err := r.db.Update(ctx, func(tx kv.RwTx) error {
		return tx.Put(kv.SyncStageProgress, []byte(stagedsync.StageFinish), encodeHeight(42))
	})
	if err != nil {
		t.Fatalf("seed progress: %v", err)
	}

	s := r.Snapshot(ctx)
	if s.Height != 42 {
		t.Fatalf("expected height 42, got %d", s.Height)
	}
	if s.PeerCount != 3 {
		t.Fatalf("expected peer count 3, got %d", s.PeerCount)
	}
}

func TestSnapshotZeroHeightWhenNoProgressWritten(t *testing.T) {
	r := newTestReporter(t)
	s := r.Snapshot(context.Background())
	if s.Height != 0 {
		t.Fatalf("expected height 0 for a fresh db, got %d", s.Height)
	}
}

func TestSnapshotNilPeerCounterReportsZero(t *testing.T) {
	db := kv.Open(memtable.New())
	t.Cleanup(db.Close)
	r, err := New(db, &txpool.Pool{}, nil, os.DevNull)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	s := r.Snapshot(context.Background())
	if s.PeerCount != 0 {
		t.Fatalf("expected peer count 0 with nil PeerCounter, got %d", s.PeerCount)
	}
}

func encodeHeight(n uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(n)
		n >>= 8
	}
	return b
}
