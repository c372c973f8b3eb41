package stagedsync

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/eryx-labs/execution/internal/kv"
)

// AccountHistoryStage and StorageHistoryStage append account/storage
// change records indexed by (A, N) / (A, K, N) for historical state
// lookups (spec §4.6 stages 8-9). Rather than storing a raw sorted
// list per key, the index value is a roaring bitmap of the block
// numbers at which the key changed (erigon's own history-index-v2
// used exactly this compact representation before historyV3 replaced
// it with a different layout); AccountHistory/StorageHistory keys stay
// Unique per §4.1's table catalogue, with the whole bitmap read,
// OR'd, and rewritten per key touched in the range - a direct Put
// rather than the cursor's Append mode, since addresses recur across
// stage runs and Append requires every new key to exceed all existing
// ones (only true the one time a key's bitmap is first created).
type AccountHistoryStage struct{ cfg *Cfg }

func NewAccountHistoryStage(cfg *Cfg) *AccountHistoryStage { return &AccountHistoryStage{cfg: cfg} }
func (s *AccountHistoryStage) ID() ID                      { return StageAccountHistory }
func (s *AccountHistoryStage) Progress(ctx context.Context) (uint64, error) {
	return readProgress(ctx, s.cfg.DB, StageAccountHistory)
}

func (s *AccountHistoryStage) Execute(ctx context.Context, r Range) (uint64, bool, error) {
	if err := s.cfg.DB.Update(ctx, func(tx kv.RwTx) error {
		dirty := make(map[string]*roaring.Bitmap)
		for n := r.From + 1; n <= r.To; n++ {
			if err := scanBlockPrefix(tx, kv.AccountChangeSet, n, func(rest, _ []byte) error {
				addr := string(rest)
				bm, ok := dirty[addr]
				if !ok {
					bm = roaring.New()
					dirty[addr] = bm
				}
				bm.Add(uint32(n))
				return nil
			}); err != nil {
				return err
			}
		}
		for addr, bm := range dirty {
			if err := mergeHistoryBitmap(tx, kv.AccountHistory, []byte(addr), bm); err != nil {
				return err
			}
		}
		return writeProgress(tx, StageAccountHistory, r.To)
	}); err != nil {
		return r.From, false, err
	}
	return r.To, true, nil
}

func (s *AccountHistoryStage) Unwind(ctx context.Context, r Range) (uint64, error) {
	return unwindHistoryIndex(ctx, s.cfg.DB, StageAccountHistory, kv.AccountHistory, kv.AccountChangeSet, r)
}

type StorageHistoryStage struct{ cfg *Cfg }

func NewStorageHistoryStage(cfg *Cfg) *StorageHistoryStage { return &StorageHistoryStage{cfg: cfg} }
func (s *StorageHistoryStage) ID() ID                      { return StageStorageHistory }
func (s *StorageHistoryStage) Progress(ctx context.Context) (uint64, error) {
	return readProgress(ctx, s.cfg.DB, StageStorageHistory)
}

func (s *StorageHistoryStage) Execute(ctx context.Context, r Range) (uint64, bool, error) {
	if err := s.cfg.DB.Update(ctx, func(tx kv.RwTx) error {
		dirty := make(map[string]*roaring.Bitmap)
		for n := r.From + 1; n <= r.To; n++ {
			if err := scanBlockPrefix(tx, kv.StorageChangeSet, n, func(rest, _ []byte) error {
				key := string(rest)
				bm, ok := dirty[key]
				if !ok {
					bm = roaring.New()
					dirty[key] = bm
				}
				bm.Add(uint32(n))
				return nil
			}); err != nil {
				return err
			}
		}
		for key, bm := range dirty {
			if err := mergeHistoryBitmap(tx, kv.StorageHistory, []byte(key), bm); err != nil {
				return err
			}
		}
		return writeProgress(tx, StageStorageHistory, r.To)
	}); err != nil {
		return r.From, false, err
	}
	return r.To, true, nil
}

func (s *StorageHistoryStage) Unwind(ctx context.Context, r Range) (uint64, error) {
	return unwindHistoryIndex(ctx, s.cfg.DB, StageStorageHistory, kv.StorageHistory, kv.StorageChangeSet, r)
}

// mergeHistoryBitmap ORs newBlocks into whatever bitmap is already
// stored for key, or installs it fresh if this is the key's first
// recorded change.
func mergeHistoryBitmap(tx kv.RwTx, table kv.Table, key []byte, newBlocks *roaring.Bitmap) error {
	existing, err := tx.Get(table, key)
	if err != nil {
		return fmt.Errorf("stagedsync: history: read bitmap: %w", err)
	}
	bm := roaring.New()
	if existing != nil {
		if err := bm.UnmarshalBinary(existing); err != nil {
			return fmt.Errorf("stagedsync: history: decode bitmap: %w", err)
		}
	}
	bm.Or(newBlocks)
	encoded, err := bm.ToBytes()
	if err != nil {
		return fmt.Errorf("stagedsync: history: encode bitmap: %w", err)
	}
	return tx.Put(table, key, encoded)
}

// unwindHistoryIndex removes every block number above r.To from each
// touched key's bitmap, deleting the key entirely once its bitmap is
// empty.
func unwindHistoryIndex(ctx context.Context, db *kv.DB, stage ID, historyTable, changeSetTable kv.Table, r Range) (uint64, error) {
	if err := db.Update(ctx, func(tx kv.RwTx) error {
		touched := make(map[string]struct{})
		for n := r.To + 1; n <= r.From; n++ {
			if err := scanBlockPrefix(tx, changeSetTable, n, func(rest, _ []byte) error {
				touched[string(rest)] = struct{}{}
				return nil
			}); err != nil {
				return err
			}
		}
		for key := range touched {
			existing, err := tx.Get(historyTable, []byte(key))
			if err != nil || existing == nil {
				continue
			}
			bm := roaring.New()
			if err := bm.UnmarshalBinary(existing); err != nil {
				return fmt.Errorf("stagedsync: history: decode bitmap: %w", err)
			}
			bm.RemoveRange(uint64(r.To+1), uint64(r.From)+1)
			if bm.IsEmpty() {
				if err := tx.Delete(historyTable, []byte(key)); err != nil {
					return err
				}
				continue
			}
			encoded, err := bm.ToBytes()
			if err != nil {
				return err
			}
			if err := tx.Put(historyTable, []byte(key), encoded); err != nil {
				return err
			}
		}
		return writeProgress(tx, stage, r.To)
	}); err != nil {
		return r.From, err
	}
	return r.To, nil
}
