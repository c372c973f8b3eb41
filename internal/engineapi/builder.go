package engineapi

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/eryx-labs/execution/internal/chain"
	"github.com/eryx-labs/execution/internal/cryptoutil"
	"github.com/eryx-labs/execution/internal/forktree"
	"github.com/eryx-labs/execution/internal/stagedsync"
	"github.com/eryx-labs/execution/internal/state"
)

// builder implements spec §4.7's payload builder: given the
// attributes a forkchoiceUpdatedVN call requests, it assembles one
// candidate block from the mempool's best-priority transactions and
// holds it ready for a matching getPayloadVN.
//
// It builds its candidate once, synchronously, at forkchoiceUpdatedVN
// time rather than continuously re-optimizing in the background: the
// node keeps a single resident hashed-state mirror (spec §4.3), and
// re-executing a second, improved candidate against it before the
// first is either discarded or confirmed canonical would double-apply
// the first candidate's dirty keys. A get-payload-then-discard flow
// (the consensus layer abandons this payloadId for another branch)
// leaves the mirror holding a block's worth of speculative state; the
// next payload staged through NewPayload/ForkchoiceUpdated re-executes
// and re-applies its own dirty set on top, which is idempotent for
// keys it also touches but stale for ones only the discarded candidate
// touched - an accepted limitation of this single-mirror design.
type builder struct {
	d *Driver

	mu      sync.Mutex
	results map[PayloadID]*GetPayloadResponse
}

func newBuilder(d *Driver) *builder {
	return &builder{d: d, results: make(map[PayloadID]*GetPayloadResponse)}
}

// start assembles and executes the candidate for id, storing its
// result for a later GetPayload call. Errors are logged rather than
// returned: ForkchoiceUpdated still answers with the payloadId, and a
// build failure here leaves that id unknown, so a later GetPayload for
// it returns an error.
func (b *builder) start(id PayloadID, head *forktree.Node, attrs *PayloadAttributes) {
	resp, err := b.build(head, attrs)
	if err != nil {
		b.d.log.Warn(fmt.Sprintf("payload build failed: %v", err))
		return
	}
	b.mu.Lock()
	b.results[id] = resp
	b.mu.Unlock()
}

func (b *builder) get(id PayloadID) (GetPayloadResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	resp, ok := b.results[id]
	if !ok {
		return GetPayloadResponse{}, fmt.Errorf("engineapi: unknown payload id %x", id)
	}
	return *resp, nil
}

func (b *builder) build(head *forktree.Node, attrs *PayloadAttributes) (*GetPayloadResponse, error) {
	ctx := context.Background()
	parent := head.Block.Header
	cfg := b.d.cfg

	gasLimit := parent.GasLimit
	baseFee := cfg.Schedule.NextBaseFee(parent)

	candidates := b.d.pool.BestIterator(gasLimit)

	body := &chain.Body{Withdrawals: attrs.Withdrawals}
	senders := make([]cryptoutil.Address, 0, len(candidates))
	for _, c := range candidates {
		body.Transactions = append(body.Transactions, c.Tx())
		senders = append(senders, c.Sender())
	}

	header := &chain.Header{
		Number:       parent.Number + 1,
		ParentHash:   parent.Hash(),
		Beneficiary:  attrs.SuggestedFeeRecipient,
		OmmersHash:   cryptoutil.EmptyUncleHash,
		Timestamp:    attrs.Timestamp,
		GasLimit:     gasLimit,
		BaseFee:      baseFee,
		ExtraData:    []byte("eryx"),
		ParentBeaconBlockRoot: attrs.ParentBeaconRoot,
	}
	if attrs.Withdrawals != nil {
		root := stagedsync.MerkleRootOfWithdrawals(attrs.Withdrawals)
		header.WithdrawalsRoot = &root
	}
	header.TransactionsRoot = stagedsync.MerkleRootOfTransactions(body.Transactions)

	block := &chain.Block{Header: header, Body: body}

	reader, err := cfg.Provider.LatestState(ctx)
	if err != nil {
		return nil, fmt.Errorf("engineapi: build: latest state: %w", err)
	}
	ibs := state.New(reader)
	blockHashes := func(n uint64) cryptoutil.Hash {
		h, ok, err := cfg.Provider.CanonicalHash(ctx, n)
		if err != nil || !ok {
			return cryptoutil.Hash{}
		}
		return h
	}

	receipts, gasUsed, _, err := cfg.Processor.ProcessWithSenders(block, senders, ibs, blockHashes)
	if err != nil {
		// Drop to an empty block rather than fail the build outright:
		// a bad transaction in the candidate set shouldn't block
		// proposing. Withdrawals still apply via a zero-transaction
		// re-run.
		body.Transactions = nil
		senders = nil
		header.TransactionsRoot = stagedsync.MerkleRootOfTransactions(nil)
		ibs = state.New(reader)
		receipts, gasUsed, _, err = cfg.Processor.ProcessWithSenders(block, senders, ibs, blockHashes)
		if err != nil {
			return nil, fmt.Errorf("engineapi: build: empty-block fallback: %w", err)
		}
	}

	header.GasUsed = gasUsed
	header.ReceiptsRoot = stagedsync.ComputeReceiptsRoot(receipts)
	header.StateRoot = cfg.ApplyToMirror(ibs)

	value := new(uint256.Int)
	for _, c := range candidates {
		fee := c.Tx().EffectivePriorityFee(baseFee)
		reward := new(uint256.Int).Mul(fee, new(uint256.Int).SetUint64(c.Tx().GasLimit))
		value.Add(value, reward)
	}

	payload := &ExecutionPayload{
		ParentHash:    header.ParentHash,
		FeeRecipient:  header.Beneficiary,
		StateRoot:     header.StateRoot,
		ReceiptsRoot:  header.ReceiptsRoot,
		BlockNumber:   header.Number,
		GasLimit:      header.GasLimit,
		GasUsed:       header.GasUsed,
		Timestamp:     header.Timestamp,
		ExtraData:     header.ExtraData,
		BaseFeePerGas: header.BaseFee,
		BlockHash:     header.Hash(),
		Withdrawals:   attrs.Withdrawals,
		BlobGasUsed:   header.BlobGasUsed,
		ExcessBlobGas: header.ExcessBlobGas,
		ParentBeaconRoot: attrs.ParentBeaconRoot,
	}
	payload.Transactions = make([][]byte, len(body.Transactions))
	for i, tx := range body.Transactions {
		payload.Transactions[i] = tx.Encode()
	}

	return &GetPayloadResponse{ExecutionPayload: payload, BlockValue: value}, nil
}
