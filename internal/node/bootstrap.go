// Package node assembles the storage engine, provider, execution
// engine, mempool, staged pipeline, fork tree, and engine-API driver
// into one running process, and owns the two pieces of process-wide
// state spec §6 names (GOMAXPROCS tuning, the fatal-signal handler).
// cmd/execd's subcommands are thin cobra wrappers around this package.
package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/eryx-labs/execution/internal/consensusrules"
	"github.com/eryx-labs/execution/internal/cryptoutil"
	"github.com/eryx-labs/execution/internal/etl"
	"github.com/eryx-labs/execution/internal/execengine"
	"github.com/eryx-labs/execution/internal/forktree"
	"github.com/eryx-labs/execution/internal/freezer"
	"github.com/eryx-labs/execution/internal/kv"
	"github.com/eryx-labs/execution/internal/kv/memtable"
	"github.com/eryx-labs/execution/internal/provider"
	"github.com/eryx-labs/execution/internal/stagedsync"
	"github.com/eryx-labs/execution/internal/txpool"
	"github.com/eryx-labs/execution/internal/vmhost"
)

// Node bundles every subsystem one CLI invocation needs, wired per
// spec §2's dependency order (leaves first): codec -> KV engine ->
// segment store -> provider -> trie/mempool -> execution ->
// consensus -> pipeline -> engine driver.
type Node struct {
	Datadir string

	DB       *kv.DB
	Provider *provider.Provider
	Schedule consensusrules.Schedule
	Cfg      *stagedsync.Cfg
	Tree     *forktree.Tree
	Pool     *txpool.Pool
	Log      *zap.Logger

	lock *flock.Flock
}

// Open wires a Node rooted at datadir. Headers/bodies/receipts
// segment stores live under datadir/segments (spec §6 "on-disk
// layout"); the KV engine is the in-memory btree backend
// (internal/kv/memtable) - the durable mmap-backed engine spec §4.1
// describes is out of this exercise's implementation scope, but every
// caller above this package talks to kv.DB/kv.Backend, so swapping in
// a disk-backed Backend later touches only this one constructor.
func Open(datadir string, gasLimit, genesisTimestamp uint64, log *zap.Logger) (*Node, error) {
	if log == nil {
		var err error
		log, err = zap.NewProduction()
		if err != nil {
			return nil, err
		}
	}
	segDir := filepath.Join(datadir, "segments")
	for _, sub := range []string{datadir, segDir, filepath.Join(datadir, "tmp")} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, fmt.Errorf("node: create %s: %w", sub, err)
		}
	}

	lock := flock.New(filepath.Join(datadir, "LOCK"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("node: lock %s: %w", datadir, err)
	}
	if !locked {
		return nil, fmt.Errorf("node: datadir %s is already in use by another process", datadir)
	}

	db := kv.Open(memtable.New())
	headers := freezer.NewStore(segDir, freezer.KindHeaders)
	bodies := freezer.NewStore(segDir, freezer.KindBodies)
	receipts := freezer.NewStore(segDir, freezer.KindReceipts)
	prov := provider.New(db, headers, bodies, receipts)

	schedule := consensusrules.DefaultSchedule()
	processor := execengine.New(vmhost.NewDispatcher("plain"), execengine.ForkRules{
		MaxRefundDenominator: schedule.RefundDenominator,
		RequireBeaconRoot:    true,
		RequireWithdrawals:   true,
	})

	cfg := stagedsync.NewCfg(db, prov, schedule, processor, filepath.Join(datadir, "tmp"), 0)
	log.Info("node: etl chunk budget",
		zap.Int("chunk_entries", etl.DefaultChunkEntries()),
		zap.Stringer("memory_budget", etl.ChunkMemoryBudget()),
	)

	pool := txpool.New(txpool.DefaultConfig(), schedule, prov, log)

	n := &Node{
		Datadir:  datadir,
		DB:       db,
		Provider: prov,
		Schedule: schedule,
		Cfg:      cfg,
		Pool:     pool,
		Log:      log,
		lock:     lock,
	}

	if err := n.ensureGenesis(gasLimit, genesisTimestamp); err != nil {
		return nil, err
	}
	return n, nil
}

// ensureGenesis writes block zero the first time a fresh datadir is
// opened; a datadir that already has a canonical block zero is left
// untouched.
func (n *Node) ensureGenesis(gasLimit, timestamp uint64) error {
	ctx := context.Background()
	if _, ok, err := n.Provider.CanonicalHash(ctx, 0); err != nil {
		return fmt.Errorf("node: read genesis: %w", err)
	} else if ok {
		genesisHeader, err := n.Provider.HeaderByNumber(ctx, 0)
		if err != nil {
			return fmt.Errorf("node: read genesis header: %w", err)
		}
		root := forktree.NewFromFinalized(&forktree.Node{
			Hash: genesisHeader.Hash(), Number: 0, ParentHash: genesisHeader.ParentHash,
		})
		n.Tree = root
		n.Pool.SetHead(genesisHeader)
		return nil
	}

	genesisBlock := Genesis(gasLimit, timestamp)
	err := n.DB.Update(ctx, func(tx kv.RwTx) error {
		if err := n.Provider.WriteHeaderAndBody(tx, genesisBlock); err != nil {
			return err
		}
		for _, id := range stagedsync.Order {
			if err := tx.Put(kv.SyncStageProgress, []byte(id), encodeU64(0)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("node: write genesis: %w", err)
	}

	n.Tree = forktree.NewFromFinalized(&forktree.Node{
		Hash: genesisBlock.Hash(), Number: 0, ParentHash: cryptoutil.Hash{},
	})
	n.Pool.SetHead(genesisBlock.Header)
	n.Log.Info("node: initialized fresh datadir at genesis", zap.String("datadir", n.Datadir))
	return nil
}

// Pipeline wires the staged pipeline's full stage list against the
// given header/body sources (spec §6 peer-to-peer request surface);
// callers driving a local import supply a file-backed source instead
// of a peer pool.
func (n *Node) Pipeline(headers stagedsync.HeaderSource, bodies stagedsync.BodySource) *stagedsync.Pipeline {
	return stagedsync.BuildPipeline(n.Cfg, headers, bodies)
}

// Close shuts down the storage engine and releases the datadir lock;
// callers should defer this immediately after Open succeeds.
func (n *Node) Close() {
	n.DB.Close()
	if n.lock != nil {
		n.lock.Unlock()
	}
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
