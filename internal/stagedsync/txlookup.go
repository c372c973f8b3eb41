package stagedsync

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/eryx-labs/execution/internal/etl"
	"github.com/eryx-labs/execution/internal/kv"
)

// TxLookupStage builds the hash(tx) -> TN index via the bounded-memory
// external-merge pattern spec §4.6 stage 10/§4.6 "External-merge
// writes" describes. The execution stage already writes kv.TxLookup
// entries directly as part of WriteBlock for live, incremental sync
// (erigon's historyV3 path does the same); this stage instead performs
// the bulk backfill this index needs the one time it runs over an
// empty table - e.g. a fresh `import` of a chain file - where the
// cursor's Append mode is valid because every key this stage ever
// writes is new. A TxLookupStage run over a table that already holds
// entries from live sync still succeeds (Collector.Load upserts a key
// the table already holds instead of appending it, rewriting the
// live-written entry with the same TN); it simply has nothing left to
// contribute.
type TxLookupStage struct {
	cfg *Cfg
}

func NewTxLookupStage(cfg *Cfg) *TxLookupStage { return &TxLookupStage{cfg: cfg} }

func (s *TxLookupStage) ID() ID { return StageTxLookup }

func (s *TxLookupStage) Progress(ctx context.Context) (uint64, error) {
	return readProgress(ctx, s.cfg.DB, StageTxLookup)
}

func (s *TxLookupStage) Execute(ctx context.Context, r Range) (uint64, bool, error) {
	coll := etl.NewCollector(s.cfg.TmpDir, 0)

	for n := r.From + 1; n <= r.To; n++ {
		body, err := s.cfg.Provider.BodyByNumber(ctx, n)
		if err != nil {
			return r.From, false, fmt.Errorf("stagedsync: txlookup: read body %d: %w", n, err)
		}
		if body == nil {
			break
		}
		maxTxNum, ok, err := s.maxTxNum(ctx, n)
		if err != nil {
			return r.From, false, err
		}
		if !ok {
			break
		}
		firstTxNum := maxTxNum - uint64(len(body.Transactions)) + 1
		for i, tx := range body.Transactions {
			hash := tx.Hash()
			var v [8]byte
			binary.BigEndian.PutUint64(v[:], firstTxNum+uint64(i))
			if err := coll.Collect(hash[:], v[:]); err != nil {
				return r.From, false, fmt.Errorf("stagedsync: txlookup: collect: %w", err)
			}
		}
	}

	if err := s.cfg.DB.Update(ctx, func(tx kv.RwTx) error {
		if err := coll.Load(tx, kv.TxLookup, func(_, incoming []byte) ([]byte, bool) {
			return incoming, true
		}); err != nil {
			return fmt.Errorf("stagedsync: txlookup: load: %w", err)
		}
		return writeProgress(tx, StageTxLookup, r.To)
	}); err != nil {
		return r.From, false, err
	}
	return r.To, true, nil
}

func (s *TxLookupStage) maxTxNum(ctx context.Context, blockNum uint64) (uint64, bool, error) {
	var n uint64
	var ok bool
	err := s.cfg.DB.View(ctx, func(tx kv.RoTx) error {
		v, err := tx.Get(kv.MaxTxNum, encodeU64(blockNum))
		if err != nil || v == nil {
			return err
		}
		n = binary.BigEndian.Uint64(v)
		ok = true
		return nil
	})
	return n, ok, err
}

func (s *TxLookupStage) Unwind(ctx context.Context, r Range) (uint64, error) {
	if err := s.cfg.DB.Update(ctx, func(tx kv.RwTx) error {
		for n := r.From; n > r.To; n-- {
			body, err := s.cfg.Provider.BodyByNumber(ctx, n)
			if err != nil || body == nil {
				continue
			}
			for _, t := range body.Transactions {
				hash := t.Hash()
				if err := tx.Delete(kv.TxLookup, hash[:]); err != nil {
					return err
				}
			}
		}
		return writeProgress(tx, StageTxLookup, r.To)
	}); err != nil {
		return r.From, err
	}
	return r.To, nil
}
