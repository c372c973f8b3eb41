package stagedsync

import (
	"context"
	"fmt"

	"github.com/eryx-labs/execution/internal/chain"
	"github.com/eryx-labs/execution/internal/kv"
)

// HeaderSource is the pull side of the peer-to-peer request/response
// contract the headers stage consumes (spec §6 "peer-to-peer request
// surface (consumed)"): the wire protocol itself is out of scope, this
// is only the shape a sync stage drives. A peer may reply with fewer
// headers than requested; the stage persists whatever prefix it got
// and asks again next iteration.
type HeaderSource interface {
	HeadersByRange(ctx context.Context, from, to uint64) ([]*chain.Header, error)
}

// HeadersStage downloads and validates header ranges against their
// parent, then persists them (spec §4.6 stage 1). It is the only stage
// that does not yet know the body/transaction content of a block.
type HeadersStage struct {
	cfg    *Cfg
	source HeaderSource
}

func NewHeadersStage(cfg *Cfg, source HeaderSource) *HeadersStage {
	return &HeadersStage{cfg: cfg, source: source}
}

func (s *HeadersStage) ID() ID { return StageHeaders }

func (s *HeadersStage) Progress(ctx context.Context) (uint64, error) {
	return readProgress(ctx, s.cfg.DB, StageHeaders)
}

func (s *HeadersStage) Execute(ctx context.Context, r Range) (uint64, bool, error) {
	headers, err := s.source.HeadersByRange(ctx, r.From+1, r.To)
	if err != nil {
		return r.From, false, fmt.Errorf("stagedsync: headers: fetch [%d,%d]: %w", r.From+1, r.To, err)
	}
	if len(headers) == 0 {
		// Peer answered partially with nothing new; this is not an
		// error (spec §6: "peers may reply partially") but the stage
		// makes no progress this round.
		return r.From, r.From == r.To, nil
	}

	parent, err := s.cfg.Provider.HeaderByNumber(ctx, r.From)
	if err != nil {
		return r.From, false, fmt.Errorf("stagedsync: headers: read parent %d: %w", r.From, err)
	}

	reached := r.From
	err = s.cfg.DB.Update(ctx, func(tx kv.RwTx) error {
		for _, h := range headers {
			if err := s.cfg.Schedule.ValidateHeaderStandalone(h); err != nil {
				return fmt.Errorf("stagedsync: headers: block %d: %w", h.Number, err)
			}
			if parent != nil {
				if h.ParentHash != parent.Hash() {
					return fmt.Errorf("stagedsync: headers: block %d parent hash mismatch", h.Number)
				}
				if err := s.cfg.Schedule.ValidateAgainstParent(h, parent); err != nil {
					return fmt.Errorf("stagedsync: headers: block %d: %w", h.Number, err)
				}
			}

			hash := h.Hash()
			numKey := encodeU64(h.Number)
			if err := tx.Put(kv.HeaderCanonical, numKey, hash[:]); err != nil {
				return err
			}
			if err := tx.Put(kv.HeaderNumber, hash[:], numKey); err != nil {
				return err
			}
			numHashKey := append(append([]byte(nil), numKey...), hash[:]...)
			if err := tx.Put(kv.Headers, numHashKey, h.Encode()); err != nil {
				return err
			}
			parent = h
			reached = h.Number
		}
		return writeProgress(tx, StageHeaders, reached)
	})
	if err != nil {
		return r.From, false, err
	}
	return reached, reached == r.To, nil
}

func (s *HeadersStage) Unwind(ctx context.Context, r Range) (uint64, error) {
	if err := s.cfg.DB.Update(ctx, func(tx kv.RwTx) error {
		for n := r.From; n > r.To; n-- {
			hash, ok, err := s.cfg.Provider.CanonicalHash(ctx, n)
			if err != nil || !ok {
				continue
			}
			numKey := encodeU64(n)
			numHashKey := append(append([]byte(nil), numKey...), hash[:]...)
			if err := tx.Delete(kv.Headers, numHashKey); err != nil {
				return err
			}
			if err := tx.Delete(kv.HeaderNumber, hash[:]); err != nil {
				return err
			}
			if err := tx.Delete(kv.HeaderCanonical, numKey); err != nil {
				return err
			}
		}
		return writeProgress(tx, StageHeaders, r.To)
	}); err != nil {
		return r.From, err
	}
	return r.To, nil
}
