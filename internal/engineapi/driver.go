package engineapi

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/eryx-labs/execution/internal/chain"
	"github.com/eryx-labs/execution/internal/cryptoutil"
	"github.com/eryx-labs/execution/internal/forktree"
	"github.com/eryx-labs/execution/internal/kv"
	"github.com/eryx-labs/execution/internal/stagedsync"
	"github.com/eryx-labs/execution/internal/txpool"
	"github.com/eryx-labs/execution/internal/txtypes"
)

// Driver is the engine-API driver of spec §4.7: it owns the fork tree
// exclusively (spec §5 "Shared-resource policy") and is the only
// caller that mutates the staged-sync pipeline's canonical tip once
// the node is past initial sync. One resident internal/state.HashedMirror
// backs the whole node (stagedsync.Cfg), so this driver only executes
// a payload immediately when it extends that resident tip; a payload
// that starts a side branch is accepted un-executed (spec §4.7
// "Optimistic operation") and is replayed through the staged-sync
// pipeline - gaining a real, validated Outcome - only once
// forkchoiceUpdated actually selects its branch as head.
type Driver struct {
	mu sync.Mutex

	cfg      *stagedsync.Cfg
	pipeline *stagedsync.Pipeline
	tree     *forktree.Tree
	pool     *txpool.Pool
	log      *zap.Logger

	builder *builder
}

func NewDriver(cfg *stagedsync.Cfg, pipeline *stagedsync.Pipeline, tree *forktree.Tree, pool *txpool.Pool, log *zap.Logger) *Driver {
	d := &Driver{cfg: cfg, pipeline: pipeline, tree: tree, pool: pool, log: log}
	d.builder = newBuilder(d)
	return d
}

// toBlock decodes an ExecutionPayload's wire transactions and
// reassembles the header fields the consensus layer doesn't send
// directly (transactions/withdrawals roots), matching the payload
// body against header spec §4.8 "Pre-execution" would otherwise
// apply only to peer-supplied bodies.
func toBlock(payload *ExecutionPayload) (*chain.Block, error) {
	txs := make([]*txtypes.Transaction, len(payload.Transactions))
	for i, raw := range payload.Transactions {
		tx, err := txtypes.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("engineapi: decode transaction %d: %w", i, err)
		}
		txs[i] = tx
	}
	body := &chain.Body{Transactions: txs, Withdrawals: payload.Withdrawals}

	h := &chain.Header{
		Number:           payload.BlockNumber,
		ParentHash:       payload.ParentHash,
		Beneficiary:      payload.FeeRecipient,
		StateRoot:        payload.StateRoot,
		ReceiptsRoot:     payload.ReceiptsRoot,
		TransactionsRoot: stagedsync.MerkleRootOfTransactions(txs),
		OmmersHash:       cryptoutil.EmptyUncleHash,
		Timestamp:        payload.Timestamp,
		GasLimit:         payload.GasLimit,
		GasUsed:          payload.GasUsed,
		BaseFee:          payload.BaseFeePerGas,
		ExtraData:        payload.ExtraData,
		BlobGasUsed:      payload.BlobGasUsed,
		ExcessBlobGas:    payload.ExcessBlobGas,
		ParentBeaconBlockRoot: payload.ParentBeaconRoot,
	}
	if payload.Withdrawals != nil {
		root := stagedsync.MerkleRootOfWithdrawals(payload.Withdrawals)
		h.WithdrawalsRoot = &root
	}
	return &chain.Block{Header: h, Body: body}, nil
}

func invalid(parent cryptoutil.Hash, err error) PayloadStatus {
	msg := err.Error()
	return PayloadStatus{Status: StatusInvalid, LatestValidHash: &parent, ValidationError: &msg}
}

func valid(hash cryptoutil.Hash) PayloadStatus {
	return PayloadStatus{Status: StatusValid, LatestValidHash: &hash}
}

// NewPayload implements spec §6 newPayloadVN: structural validation
// always runs; full execution runs immediately only when the payload
// extends the resident tip.
func (d *Driver) NewPayload(ctx context.Context, payload *ExecutionPayload) (PayloadStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	block, err := toBlock(payload)
	if err != nil {
		return PayloadStatus{Status: StatusInvalid}, nil
	}
	if block.Hash() != payload.BlockHash {
		return PayloadStatus{Status: StatusInvalid}, nil
	}
	if err := d.cfg.Schedule.ValidateHeaderStandalone(block.Header); err != nil {
		return invalid(payload.ParentHash, err), nil
	}

	if n, ok := d.tree.Get(payload.ParentHash); ok {
		if payload.ParentHash == d.tree.Head() {
			return d.executeAndExtend(ctx, block)
		}
		if err := d.cfg.Schedule.ValidateAgainstParent(block.Header, n.Block.Header); err != nil {
			return invalid(payload.ParentHash, err), nil
		}
		if err := d.tree.Insert(&forktree.Node{
			Hash: block.Hash(), Number: block.Number(), ParentHash: payload.ParentHash,
			Block: block, Optimistic: true,
		}); err != nil {
			return PayloadStatus{Status: StatusInvalid}, nil
		}
		return PayloadStatus{Status: StatusAccepted}, nil
	}
	return PayloadStatus{Status: StatusSyncing}, nil
}

// executeAndExtend runs the per-block procedure against the resident
// mirror/state and, on success, commits the block and inserts it into
// the tree as the new resident tip (spec §4.7/§4.4). Callers hold mu.
func (d *Driver) executeAndExtend(ctx context.Context, block *chain.Block) (PayloadStatus, error) {
	parent, ok := d.tree.Get(block.ParentHash())
	if !ok {
		return PayloadStatus{Status: StatusSyncing}, nil
	}
	if err := d.cfg.Schedule.ValidateAgainstParent(block.Header, parent.Block.Header); err != nil {
		return invalid(block.ParentHash(), err), nil
	}

	if err := d.cfg.DB.Update(ctx, func(tx kv.RwTx) error {
		return d.cfg.Provider.WriteHeaderAndBody(tx, block)
	}); err != nil {
		return PayloadStatus{}, fmt.Errorf("engineapi: stage payload: %w", err)
	}

	if err := d.pipeline.RunForward(ctx, block.Number()); err != nil {
		return invalid(block.ParentHash(), err), nil
	}

	if err := d.tree.Insert(&forktree.Node{
		Hash: block.Hash(), Number: block.Number(), ParentHash: block.ParentHash(),
		Block: block, Outcome: forktree.Outcome{
			Receipts: len(block.Body.Transactions), GasUsed: block.Header.GasUsed, StateRoot: block.Header.StateRoot,
		},
	}); err != nil {
		return PayloadStatus{}, fmt.Errorf("engineapi: insert committed node: %w", err)
	}

	if d.pool != nil {
		mined := make([]cryptoutil.Hash, len(block.Body.Transactions))
		for i, tx := range block.Body.Transactions {
			mined[i] = tx.Hash()
		}
		if err := d.pool.OnCanonicalBlock(ctx, block.Header, mined); err != nil {
			d.log.Warn("txpool refresh after canonical block failed", zap.Error(err))
		}
	}

	return valid(block.Hash()), nil
}

// ForkchoiceUpdated implements spec §6 forkchoiceUpdatedVN: it moves
// the three pointers the consensus layer names, running the canonical
// switch procedure (spec §4.7) when head departs from the resident
// tip, and, when attrs is non-nil, builds one payload candidate
// synchronously before returning its payloadId.
func (d *Driver) ForkchoiceUpdated(ctx context.Context, state *ForkChoiceState, attrs *PayloadAttributes) (ForkChoiceUpdatedResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	headNode, ok := d.tree.Get(state.HeadBlockHash)
	if !ok {
		return ForkChoiceUpdatedResponse{PayloadStatus: PayloadStatus{Status: StatusSyncing}}, nil
	}

	if state.HeadBlockHash != d.tree.Head() {
		if err := d.canonicalSwitch(ctx, state.HeadBlockHash); err != nil {
			return invalidFCU(err), nil
		}
	}

	d.tree.SetForkchoice(state.HeadBlockHash, state.SafeBlockHash, state.FinalizedBlockHash)
	if state.FinalizedBlockHash != (cryptoutil.Hash{}) {
		if err := d.tree.PruneFinalized(state.FinalizedBlockHash); err != nil {
			d.log.Warn("prune finalized fork-tree subtree failed", zap.Error(err))
		}
	}

	resp := ForkChoiceUpdatedResponse{PayloadStatus: valid(state.HeadBlockHash)}
	if attrs != nil {
		id := DerivePayloadID(state.HeadBlockHash, attrs)
		d.builder.start(id, headNode, attrs)
		resp.PayloadID = &id
	}
	return resp, nil
}

func invalidFCU(err error) ForkChoiceUpdatedResponse {
	msg := err.Error()
	return ForkChoiceUpdatedResponse{PayloadStatus: PayloadStatus{Status: StatusInvalid, ValidationError: &msg}}
}

// canonicalSwitch implements spec §4.7's procedure: find the common
// ancestor, unwind the pipeline to it, replay the new branch's already
// staged header/body pairs through it, then refresh the mempool for
// both the abandoned and newly mined transactions. Callers hold mu.
func (d *Driver) canonicalSwitch(ctx context.Context, newHead cryptoutil.Hash) error {
	oldHead := d.tree.Head()
	ancestor, err := d.tree.CommonAncestor(oldHead, newHead)
	if err != nil {
		return fmt.Errorf("engineapi: canonical switch: %w", err)
	}

	oldPath, err := d.tree.PathBetween(oldHead, ancestor)
	if err != nil {
		return fmt.Errorf("engineapi: canonical switch: walk old path: %w", err)
	}
	newPath, err := d.tree.PathBetween(newHead, ancestor)
	if err != nil {
		return fmt.Errorf("engineapi: canonical switch: walk new path: %w", err)
	}

	ancestorNode, ok := d.tree.Get(ancestor)
	if !ok {
		return fmt.Errorf("engineapi: canonical switch: ancestor %x vanished from tree", ancestor)
	}
	if err := d.pipeline.UnwindTo(ctx, ancestorNode.Number); err != nil {
		return fmt.Errorf("engineapi: canonical switch: unwind: %w", err)
	}

	mined := make(map[cryptoutil.Hash]struct{})
	for _, n := range newPath[1:] {
		if err := d.cfg.DB.Update(ctx, func(tx kv.RwTx) error {
			return d.cfg.Provider.WriteHeaderAndBody(tx, n.Block)
		}); err != nil {
			return fmt.Errorf("engineapi: canonical switch: stage block %d: %w", n.Number, err)
		}
		for _, tx := range n.Block.Body.Transactions {
			mined[tx.Hash()] = struct{}{}
		}
	}
	if len(newPath) > 1 {
		if err := d.pipeline.RunForward(ctx, newPath[len(newPath)-1].Number); err != nil {
			return fmt.Errorf("engineapi: canonical switch: replay: %w", err)
		}
	}

	if d.pool != nil {
		var abandoned []*txtypes.Transaction
		for _, n := range oldPath[1:] {
			for _, tx := range n.Block.Body.Transactions {
				if _, reincluded := mined[tx.Hash()]; !reincluded {
					abandoned = append(abandoned, tx)
				}
			}
		}
		newHeadNode, _ := d.tree.Get(newHead)
		d.pool.OnReorg(ctx, newHeadNode.Block.Header, abandoned)
		minedSlice := make([]cryptoutil.Hash, 0, len(mined))
		for h := range mined {
			minedSlice = append(minedSlice, h)
		}
		if err := d.pool.OnCanonicalBlock(ctx, newHeadNode.Block.Header, minedSlice); err != nil {
			d.log.Warn("txpool refresh after canonical switch failed", zap.Error(err))
		}
	}

	return nil
}

// GetPayload implements spec §6 getPayloadVN: it returns the candidate
// ForkchoiceUpdated built for id. That candidate is built once and is
// not improved afterwards.
func (d *Driver) GetPayload(id PayloadID) (GetPayloadResponse, error) {
	return d.builder.get(id)
}
