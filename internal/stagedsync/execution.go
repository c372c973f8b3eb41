package stagedsync

import (
	"context"
	"fmt"

	"github.com/eryx-labs/execution/internal/cryptoutil"
	"github.com/eryx-labs/execution/internal/kv"
	"github.com/eryx-labs/execution/internal/state"
)

// ExecutionStage runs every block's transactions against the current
// state and persists the result (spec §4.4, §4.6 stage 4). It commits
// one write transaction per block (spec §4.2 Consistency: "all
// multi-table writes associated with one block commit in a single
// write transaction"), and folds each block's dirty keys into the
// Cfg-resident HashedMirror so the state root is available without a
// separate trie-rebuild pass.
type ExecutionStage struct {
	cfg *Cfg
}

func NewExecutionStage(cfg *Cfg) *ExecutionStage { return &ExecutionStage{cfg: cfg} }

func (s *ExecutionStage) ID() ID { return StageExecution }

func (s *ExecutionStage) Progress(ctx context.Context) (uint64, error) {
	return readProgress(ctx, s.cfg.DB, StageExecution)
}

func (s *ExecutionStage) Execute(ctx context.Context, r Range) (uint64, bool, error) {
	for n := r.From + 1; n <= r.To; n++ {
		block, err := s.cfg.Provider.BlockByNumber(ctx, n)
		if err != nil {
			return r.From, false, fmt.Errorf("stagedsync: execution: read block %d: %w", n, err)
		}
		hash, ok, err := s.cfg.Provider.CanonicalHash(ctx, n)
		if err != nil || !ok {
			return r.From, false, fmt.Errorf("stagedsync: execution: no canonical hash at %d", n)
		}
		senders, err := s.cfg.Provider.SendersByBlock(ctx, n, hash)
		if err != nil {
			return r.From, false, fmt.Errorf("stagedsync: execution: read senders %d: %w", n, err)
		}

		reader, err := s.cfg.Provider.LatestState(ctx)
		if err != nil {
			return r.From, false, err
		}
		ibs := state.New(reader)

		blockHashes := func(want uint64) cryptoutil.Hash {
			h, ok, err := s.cfg.Provider.CanonicalHash(ctx, want)
			if err != nil || !ok {
				return cryptoutil.Hash{}
			}
			return h
		}

		receipts, gasUsed, _, err := s.cfg.Processor.ProcessWithSenders(block, senders, ibs, blockHashes)
		if err != nil {
			return r.From, false, fmt.Errorf("stagedsync: execution: block %d: %w", n, err)
		}

		stateRoot := s.cfg.mirror.ApplyBlock(ibs, state.EncodeAccount)
		if err := s.cfg.Schedule.ValidatePostExecution(block.Header, gasUsed, ComputeReceiptsRoot(receipts), stateRoot); err != nil {
			return r.From, false, fmt.Errorf("stagedsync: execution: block %d: %w", n, err)
		}

		accountChanges := make(map[cryptoutil.Address]*state.Account)
		for _, addr := range ibs.DirtyAccounts() {
			accountChanges[addr] = ibs.Account(addr)
		}
		storageChanges := make(map[cryptoutil.Address]map[cryptoutil.Hash]cryptoutil.Hash)
		for addr := range accountChanges {
			for _, slot := range ibs.DirtySlots(addr) {
				if storageChanges[addr] == nil {
					storageChanges[addr] = make(map[cryptoutil.Hash]cryptoutil.Hash)
				}
				storageChanges[addr][slot] = ibs.StorageValue(addr, slot)
			}
		}

		if err := s.cfg.DB.Update(ctx, func(tx kv.RwTx) error {
			start, err := allocateTxNums(tx, uint64(len(receipts)))
			if err != nil {
				return err
			}
			cumulative := uint64(0)
			for i, rc := range receipts {
				rc.TxNum = start + uint64(i)
				cumulative += rc.GasUsed
				rc.CumulativeGas = cumulative
			}
			if err := s.cfg.Provider.WriteBlock(tx, block, receipts, senders, accountChanges, storageChanges); err != nil {
				return err
			}
			return writeProgress(tx, StageExecution, n)
		}); err != nil {
			return r.From, false, err
		}
	}
	return r.To, true, nil
}

// Unwind restores PlainAccounts/PlainStorage to their pre-block values
// by walking AccountChangeSet/StorageChangeSet backward from r.From to
// r.To+1, inclusive (spec §4.6 Unwind: "each stage consults its own
// checkpoint and its own reversal data (change sets...)"). An account
// or slot with no change-set entry for a given block was newly created
// during it (WriteBlock only records a change when a prior value
// existed) and is left in place rather than deleted - the same
// known-simplification the provider's HistoricalState documents for
// the symmetric read path.
func (s *ExecutionStage) Unwind(ctx context.Context, r Range) (uint64, error) {
	if err := s.cfg.DB.Update(ctx, func(tx kv.RwTx) error {
		for n := r.From; n > r.To; n-- {
			if err := revertAccountChangeSet(tx, n); err != nil {
				return fmt.Errorf("stagedsync: execution: unwind accounts at %d: %w", n, err)
			}
			if err := revertStorageChangeSet(tx, n); err != nil {
				return fmt.Errorf("stagedsync: execution: unwind storage at %d: %w", n, err)
			}
		}
		return writeProgress(tx, StageExecution, r.To)
	}); err != nil {
		return r.From, err
	}
	return r.To, nil
}

// scanBlockPrefix iterates every entry of a change-set table whose key
// begins with blockNum's 8-byte big-endian encoding, handing fn the
// remainder of the key (the embedded address, or address||slot) and
// the stored value.
func scanBlockPrefix(tx kv.RwTx, table kv.Table, blockNum uint64, fn func(rest, value []byte) error) error {
	prefix := encodeU64(blockNum)
	cur, err := tx.RwCursor(table)
	if err != nil {
		return err
	}
	defer cur.Close()

	k, v, err := cur.Seek(prefix)
	for ; k != nil; k, v, err = cur.Next() {
		if err != nil {
			return err
		}
		if len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix) {
			break
		}
		if err := fn(k[len(prefix):], v); err != nil {
			return err
		}
	}
	return err
}

func revertAccountChangeSet(tx kv.RwTx, blockNum uint64) error {
	return scanBlockPrefix(tx, kv.AccountChangeSet, blockNum, func(_ []byte, value []byte) error {
		if len(value) < cryptoutil.AddressLength {
			return fmt.Errorf("stagedsync: malformed account change-set entry")
		}
		addr := value[:cryptoutil.AddressLength]
		prior := value[cryptoutil.AddressLength:]
		if err := tx.Put(kv.PlainAccounts, addr, prior); err != nil {
			return err
		}
		return tx.Delete(kv.AccountChangeSet, append(append([]byte(nil), encodeU64(blockNum)...), addr...))
	})
}

func revertStorageChangeSet(tx kv.RwTx, blockNum uint64) error {
	const keyLen = cryptoutil.AddressLength + cryptoutil.HashLength
	return scanBlockPrefix(tx, kv.StorageChangeSet, blockNum, func(_ []byte, value []byte) error {
		if len(value) < keyLen {
			return fmt.Errorf("stagedsync: malformed storage change-set entry")
		}
		key := value[:keyLen]
		prior := value[keyLen:]
		if err := tx.Put(kv.PlainStorage, key, prior); err != nil {
			return err
		}
		return tx.Delete(kv.StorageChangeSet, append(append([]byte(nil), encodeU64(blockNum)...), key...))
	})
}

// allocateTxNums reserves a contiguous block of n transaction numbers
// from the global monotonic sequence (spec GLOSSARY: "Transaction
// number (TN)"), returning the first allocated value.
func allocateTxNums(tx kv.RwTx, n uint64) (uint64, error) {
	if n == 0 {
		return 0, nil
	}
	key := []byte(kv.EthTx.Name)
	raw, err := tx.Get(kv.Sequence, key)
	if err != nil {
		return 0, err
	}
	var next uint64
	if raw != nil {
		next = decodeProgress(raw)
	}
	if err := tx.Put(kv.Sequence, key, encodeProgress(next+n)); err != nil {
		return 0, err
	}
	return next, nil
}

