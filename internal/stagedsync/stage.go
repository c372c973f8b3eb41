// Package stagedsync implements the ordered, checkpointed
// synchronization pipeline of spec §4.6: a fixed sequence of stages,
// each owning its own forward-progress checkpoint and its own unwind,
// composed into one resumable pipeline. Stage names and the
// checkpoint-table convention follow erigon's `eth/stagedsync` package
// (`stages.Execution`, `stages.HashState`, `stages.Senders`, retrieved
// in `stage_execute.go`).
package stagedsync

import (
	"context"
	"fmt"

	"github.com/eryx-labs/execution/internal/kv"
)

// ID names one stage; the same string is its key into kv.SyncStageProgress.
type ID string

const (
	StageHeaders        ID = "Headers"
	StageBodies         ID = "Bodies"
	StageSenders        ID = "Senders"
	StageExecution      ID = "Execution"
	StageAccountHashing ID = "HashAccounts"
	StageStorageHashing ID = "HashStorage"
	StageMerkle         ID = "Merkle"
	StageAccountHistory ID = "AccountHistoryIndex"
	StageStorageHistory ID = "StorageHistoryIndex"
	StageTxLookup       ID = "TxLookup"
	StageFinish         ID = "Finish"
)

// Order is the forward execution order of spec §4.6's stage list;
// unwind runs this slice in reverse.
var Order = []ID{
	StageHeaders, StageBodies, StageSenders, StageExecution,
	StageAccountHashing, StageStorageHashing, StageMerkle,
	StageAccountHistory, StageStorageHistory, StageTxLookup, StageFinish,
}

// Range is the half-open-on-neither-end block span [From, To] a stage
// is asked to process; From is exclusive when it equals the stage's
// own last checkpoint (work resumes at From+1).
type Range struct {
	From, To uint64
}

// Stage is the capability every pipeline step provides: the spec's
// "interface-like polymorphism" for stages (§9) — anything with
// Execute and Unwind over a checkpoint qualifies, no shared base type
// required.
type Stage interface {
	ID() ID
	// Execute processes some prefix of [r.From+1, r.To], persists a
	// checkpoint at the block it actually reached, and reports
	// done=true only once checkpoint == r.To.
	Execute(ctx context.Context, r Range) (checkpoint uint64, done bool, err error)
	// Unwind reverts the stage's effects for every block above r.To,
	// keeping r.To itself and leaving its checkpoint at r.To.
	Unwind(ctx context.Context, r Range) (checkpoint uint64, err error)
}

// Pipeline runs every stage of Order forward in sequence, or in
// reverse for an unwind (spec §4.6 Unwind).
type Pipeline struct {
	stages map[ID]Stage
}

func NewPipeline(stages ...Stage) *Pipeline {
	p := &Pipeline{stages: make(map[ID]Stage, len(stages))}
	for _, s := range stages {
		p.stages[s.ID()] = s
	}
	return p
}

// RunForward executes every stage in Order up to target, stopping
// immediately (spec §4.6 Failure semantics) if any stage errors.
func (p *Pipeline) RunForward(ctx context.Context, target uint64) error {
	for _, id := range Order {
		s, ok := p.stages[id]
		if !ok {
			continue
		}
		from, err := stageProgress(s)
		if err != nil {
			return fmt.Errorf("stagedsync: read progress for %s: %w", id, err)
		}
		if from >= target {
			continue
		}
		for {
			reached, done, err := s.Execute(ctx, Range{From: from, To: target})
			if err != nil {
				return fmt.Errorf("stagedsync: stage %s: %w", id, err)
			}
			from = reached
			if done {
				break
			}
		}
	}
	return nil
}

// UnwindTo reverts every stage in reverse order down to ancestor,
// inclusive (spec §4.6 Unwind, §4.7 reorg step 2).
func (p *Pipeline) UnwindTo(ctx context.Context, ancestor uint64) error {
	for i := len(Order) - 1; i >= 0; i-- {
		s, ok := p.stages[Order[i]]
		if !ok {
			continue
		}
		from, err := stageProgress(s)
		if err != nil {
			return fmt.Errorf("stagedsync: read progress for %s: %w", s.ID(), err)
		}
		if from <= ancestor {
			continue
		}
		if _, err := s.Unwind(ctx, Range{From: from, To: ancestor}); err != nil {
			return fmt.Errorf("stagedsync: unwind stage %s: %w", s.ID(), err)
		}
	}
	return nil
}

// progressor is implemented by every concrete stage in this package;
// it exposes the checkpoint already persisted in kv.SyncStageProgress.
type progressor interface{ Progress(context.Context) (uint64, error) }

func stageProgress(s Stage) (uint64, error) {
	pr, ok := s.(progressor)
	if !ok {
		return 0, nil
	}
	return pr.Progress(context.Background())
}

// readProgress/writeProgress are the shared checkpoint accessors every
// concrete stage in this package uses against kv.SyncStageProgress.
func readProgress(ctx context.Context, db *kv.DB, id ID) (uint64, error) {
	var n uint64
	err := db.View(ctx, func(tx kv.RoTx) error {
		raw, err := tx.Get(kv.SyncStageProgress, []byte(id))
		if err != nil || raw == nil {
			return err
		}
		n = decodeProgress(raw)
		return nil
	})
	return n, err
}

func writeProgress(tx kv.RwTx, id ID, n uint64) error {
	return tx.Put(kv.SyncStageProgress, []byte(id), encodeProgress(n))
}

func encodeProgress(n uint64) []byte {
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(n)
		n >>= 8
	}
	return b[:]
}

func decodeProgress(b []byte) uint64 {
	var n uint64
	for _, x := range b {
		n = n<<8 | uint64(x)
	}
	return n
}
