package stagedsync

import (
	"context"

	"github.com/eryx-labs/execution/internal/kv"
)

// AccountHashingStage, StorageHashingStage, and MerkleStage are
// progress-only passes while the pipeline's HashedMirror stays
// resident in Cfg: the execution stage already folds every dirty
// account and storage slot into the mirror and derives the new state
// root as part of its own commit (spec §4.3 Incremental root), the
// same shape erigon's historyV3 execution path collapses these three
// stages into - they exist so the stage list and its checkpoints match
// spec §4.6 exactly, and so unwind still has a well-defined checkpoint
// to roll back to for a data dependency other stages may read.
type AccountHashingStage struct{ cfg *Cfg }

func NewAccountHashingStage(cfg *Cfg) *AccountHashingStage { return &AccountHashingStage{cfg: cfg} }
func (s *AccountHashingStage) ID() ID                      { return StageAccountHashing }
func (s *AccountHashingStage) Progress(ctx context.Context) (uint64, error) {
	return readProgress(ctx, s.cfg.DB, StageAccountHashing)
}
func (s *AccountHashingStage) Execute(ctx context.Context, r Range) (uint64, bool, error) {
	return passthroughExecute(ctx, s.cfg.DB, StageAccountHashing, r)
}
func (s *AccountHashingStage) Unwind(ctx context.Context, r Range) (uint64, error) {
	return passthroughUnwind(ctx, s.cfg.DB, StageAccountHashing, r)
}

type StorageHashingStage struct{ cfg *Cfg }

func NewStorageHashingStage(cfg *Cfg) *StorageHashingStage { return &StorageHashingStage{cfg: cfg} }
func (s *StorageHashingStage) ID() ID                      { return StageStorageHashing }
func (s *StorageHashingStage) Progress(ctx context.Context) (uint64, error) {
	return readProgress(ctx, s.cfg.DB, StageStorageHashing)
}
func (s *StorageHashingStage) Execute(ctx context.Context, r Range) (uint64, bool, error) {
	return passthroughExecute(ctx, s.cfg.DB, StageStorageHashing, r)
}
func (s *StorageHashingStage) Unwind(ctx context.Context, r Range) (uint64, error) {
	return passthroughUnwind(ctx, s.cfg.DB, StageStorageHashing, r)
}

// MerkleStage is progress-only like the two hashing stages above: the
// execution stage already checked the resident mirror's root against
// each header via consensusrules' ValidatePostExecution, and this
// stage does not re-derive or re-check it.
type MerkleStage struct{ cfg *Cfg }

func NewMerkleStage(cfg *Cfg) *MerkleStage { return &MerkleStage{cfg: cfg} }
func (s *MerkleStage) ID() ID              { return StageMerkle }
func (s *MerkleStage) Progress(ctx context.Context) (uint64, error) {
	return readProgress(ctx, s.cfg.DB, StageMerkle)
}
func (s *MerkleStage) Execute(ctx context.Context, r Range) (uint64, bool, error) {
	return passthroughExecute(ctx, s.cfg.DB, StageMerkle, r)
}
func (s *MerkleStage) Unwind(ctx context.Context, r Range) (uint64, error) {
	return passthroughUnwind(ctx, s.cfg.DB, StageMerkle, r)
}

// passthroughExecute/passthroughUnwind share the checkpoint-only
// advance/retreat logic of the three no-op stages above.
func passthroughExecute(ctx context.Context, db *kv.DB, id ID, r Range) (uint64, bool, error) {
	if err := db.Update(ctx, func(tx kv.RwTx) error {
		return writeProgress(tx, id, r.To)
	}); err != nil {
		return r.From, false, err
	}
	return r.To, true, nil
}

func passthroughUnwind(ctx context.Context, db *kv.DB, id ID, r Range) (uint64, error) {
	if err := db.Update(ctx, func(tx kv.RwTx) error {
		return writeProgress(tx, id, r.To)
	}); err != nil {
		return r.From, err
	}
	return r.To, nil
}
