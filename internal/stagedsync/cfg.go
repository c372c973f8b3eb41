package stagedsync

import (
	"github.com/eryx-labs/execution/internal/consensusrules"
	"github.com/eryx-labs/execution/internal/cryptoutil"
	"github.com/eryx-labs/execution/internal/execengine"
	"github.com/eryx-labs/execution/internal/kv"
	"github.com/eryx-labs/execution/internal/provider"
	"github.com/eryx-labs/execution/internal/state"
)

// Cfg bundles the dependencies every stage needs, mirroring the
// per-stage `*Cfg` construction pattern of the retrieved
// `StageExecuteBlocksCfg`: a plain struct of collaborators built once
// at node startup and threaded into each stage constructor.
type Cfg struct {
	DB        *kv.DB
	Provider  *provider.Provider
	Schedule  consensusrules.Schedule
	Processor *execengine.Processor

	// TmpDir is where etl.Collector spills sorted runs for the tx
	// lookup stage (the history stages write their bitmaps directly).
	TmpDir string

	// TrieWorkers bounds the goroutine pool the resident HashedMirror
	// uses to hash independent sibling branches; 0 uses runtime.NumCPU.
	TrieWorkers int

	// mirror is the process-resident hashed-state view the execution
	// stage folds every block's dirty keys into (spec §4.3 Incremental
	// root); account/storage hashing and merkle are no-op progress
	// passes while this mirror stays resident, the same shape erigon's
	// historyV3 execution path collapses those stages into (the
	// retrieved stage_execute.go's `cfg.historyV3` branches skip ahead
	// to `stages.HashState` progress rather than re-deriving it).
	mirror *state.HashedMirror
}

func NewCfg(db *kv.DB, p *provider.Provider, schedule consensusrules.Schedule, proc *execengine.Processor, tmpDir string, trieWorkers int) *Cfg {
	return &Cfg{
		DB: db, Provider: p, Schedule: schedule, Processor: proc,
		TmpDir: tmpDir, TrieWorkers: trieWorkers,
		mirror: state.NewHashedMirror(trieWorkers),
	}
}

// ApplyToMirror folds ibs's dirty keys into the resident hashed-state
// mirror and returns the resulting state root. The engine-API payload
// builder (internal/engineapi) needs a candidate block's state root
// before staging it, since the stage pipeline that later re-executes
// and persists the block validates a header's claimed root rather
// than computing one for the first time.
func (c *Cfg) ApplyToMirror(ibs *state.IntraBlockState) cryptoutil.Hash {
	return c.mirror.ApplyBlock(ibs, state.EncodeAccount)
}

// BuildPipeline wires every stage of spec §4.6's ordered list into one
// Pipeline, in Order. headers/bodies is the peer-to-peer request/
// response contract consumer (spec §6); a node driven purely through
// the Engine API (no bulk sync) can pass nil for both, since
// RunForward/UnwindTo skip any ID the caller never registers.
func BuildPipeline(cfg *Cfg, headers HeaderSource, bodies BodySource) *Pipeline {
	stages := []Stage{
		NewSendersStage(cfg),
		NewExecutionStage(cfg),
		NewAccountHashingStage(cfg),
		NewStorageHashingStage(cfg),
		NewMerkleStage(cfg),
		NewAccountHistoryStage(cfg),
		NewStorageHistoryStage(cfg),
		NewTxLookupStage(cfg),
		NewFinishStage(cfg),
	}
	if headers != nil {
		stages = append(stages, NewHeadersStage(cfg, headers))
	}
	if bodies != nil {
		stages = append(stages, NewBodiesStage(cfg, bodies))
	}
	return NewPipeline(stages...)
}
