package stagedsync

import (
	"context"
	"fmt"

	"github.com/eryx-labs/execution/internal/chain"
	"github.com/eryx-labs/execution/internal/kv"
)

// BodySource is the pull side of the body half of the peer-to-peer
// request/response contract (spec §6): given the already-validated
// headers in range, fetch the matching bodies in the same order.
type BodySource interface {
	BodiesByRange(ctx context.Context, headers []*chain.Header) ([]*chain.Body, error)
}

// BodiesStage downloads the block bodies matching already-validated
// headers and checks them against the header's transactions/withdrawals
// roots (spec §4.6 stage 2, §4.8 "Pre-execution (body vs header)").
type BodiesStage struct {
	cfg    *Cfg
	source BodySource
}

func NewBodiesStage(cfg *Cfg, source BodySource) *BodiesStage {
	return &BodiesStage{cfg: cfg, source: source}
}

func (s *BodiesStage) ID() ID { return StageBodies }

func (s *BodiesStage) Progress(ctx context.Context) (uint64, error) {
	return readProgress(ctx, s.cfg.DB, StageBodies)
}

func (s *BodiesStage) Execute(ctx context.Context, r Range) (uint64, bool, error) {
	headers := make([]*chain.Header, 0, r.To-r.From)
	for n := r.From + 1; n <= r.To; n++ {
		h, err := s.cfg.Provider.HeaderByNumber(ctx, n)
		if err != nil {
			return r.From, false, fmt.Errorf("stagedsync: bodies: read header %d: %w", n, err)
		}
		if h == nil {
			break // headers stage has not reached this far yet
		}
		headers = append(headers, h)
	}
	if len(headers) == 0 {
		return r.From, r.From == r.To, nil
	}

	bodies, err := s.source.BodiesByRange(ctx, headers)
	if err != nil {
		return r.From, false, fmt.Errorf("stagedsync: bodies: fetch: %w", err)
	}
	if len(bodies) == 0 {
		return r.From, false, nil
	}

	reached := r.From
	err = s.cfg.DB.Update(ctx, func(tx kv.RwTx) error {
		for i, body := range bodies {
			h := headers[i]
			if err := validateBodyAgainstHeader(h, body); err != nil {
				return fmt.Errorf("stagedsync: bodies: block %d: %w", h.Number, err)
			}
			hash := h.Hash()
			numHashKey := append(append([]byte(nil), encodeU64(h.Number)...), hash[:]...)
			if err := tx.Put(kv.BlockBody, numHashKey, body.Encode()); err != nil {
				return err
			}
			reached = h.Number
		}
		return writeProgress(tx, StageBodies, reached)
	})
	if err != nil {
		return r.From, false, err
	}
	return reached, reached == r.To, nil
}

// validateBodyAgainstHeader checks the transactions/withdrawals roots
// recomputed from the body equal the header's claimed values (spec
// §4.8 Pre-execution, body vs header). Body carries no ommers, and the
// header's ommers hash is not checked here.
func validateBodyAgainstHeader(h *chain.Header, body *chain.Body) error {
	txRoot := MerkleRootOfTransactions(body.Transactions)
	if txRoot != h.TransactionsRoot {
		return fmt.Errorf("transactions root mismatch: header %s computed %s", h.TransactionsRoot, txRoot)
	}
	if h.WithdrawalsRoot != nil {
		wRoot := MerkleRootOfWithdrawals(body.Withdrawals)
		if wRoot != *h.WithdrawalsRoot {
			return fmt.Errorf("withdrawals root mismatch: header %s computed %s", h.WithdrawalsRoot, wRoot)
		}
	}
	return nil
}

