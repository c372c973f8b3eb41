package stagedsync

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/pool"

	"github.com/eryx-labs/execution/internal/cryptoutil"
	"github.com/eryx-labs/execution/internal/kv"
)

// SendersStage recovers every transaction's sender ahead of execution
// and persists them to kv.Senders, so the execution stage reads them
// instead of recovering signatures a second time (mirrors the
// retrieved stage_execute.go's separate `stages.Senders` stage, which
// the historyV3 execution path still consumes via kv.Senders rather
// than re-deriving).
type SendersStage struct {
	cfg *Cfg
}

func NewSendersStage(cfg *Cfg) *SendersStage { return &SendersStage{cfg: cfg} }

func (s *SendersStage) ID() ID { return StageSenders }

func (s *SendersStage) Progress(ctx context.Context) (uint64, error) {
	return readProgress(ctx, s.cfg.DB, StageSenders)
}

func (s *SendersStage) Execute(ctx context.Context, r Range) (uint64, bool, error) {
	for n := r.From + 1; n <= r.To; n++ {
		body, err := s.cfg.Provider.BodyByNumber(ctx, n)
		if err != nil {
			return r.From, false, fmt.Errorf("stagedsync: senders: read body %d: %w", n, err)
		}
		hash, ok, err := s.cfg.Provider.CanonicalHash(ctx, n)
		if err != nil {
			return r.From, false, err
		}
		if !ok {
			return r.From, false, fmt.Errorf("stagedsync: senders: no canonical hash at %d", n)
		}

		senders := make([]cryptoutil.Address, len(body.Transactions))
		errs := make([]error, len(body.Transactions))
		wp := pool.New().WithMaxGoroutines(8)
		for i, tx := range body.Transactions {
			i, tx := i, tx
			wp.Go(func() {
				sigHash := tx.SigningHash(tx.Hash()[:])
				addr, err := tx.Sender(sigHash)
				senders[i], errs[i] = addr, err
			})
		}
		wp.Wait()
		for _, err := range errs {
			if err != nil {
				return r.From, false, fmt.Errorf("stagedsync: senders: block %d: %w", n, err)
			}
		}

		if err := s.cfg.DB.Update(ctx, func(tx kv.RwTx) error {
			buf := make([]byte, 0, len(senders)*cryptoutil.AddressLength)
			for _, addr := range senders {
				buf = append(buf, addr[:]...)
			}
			key := append(append([]byte(nil), encodeU64(n)...), hash[:]...)
			if err := tx.Put(kv.Senders, key, buf); err != nil {
				return err
			}
			return writeProgress(tx, StageSenders, n)
		}); err != nil {
			return r.From, false, err
		}
	}
	return r.To, true, nil
}

func (s *SendersStage) Unwind(ctx context.Context, r Range) (uint64, error) {
	if err := s.cfg.DB.Update(ctx, func(tx kv.RwTx) error {
		for n := r.From; n > r.To; n-- {
			hash, ok, err := s.cfg.Provider.CanonicalHash(ctx, n)
			if err != nil || !ok {
				continue
			}
			key := append(append([]byte(nil), encodeU64(n)...), hash[:]...)
			if err := tx.Delete(kv.Senders, key); err != nil {
				return err
			}
		}
		return writeProgress(tx, StageSenders, r.To)
	}); err != nil {
		return r.From, err
	}
	return r.To, nil
}

func encodeU64(n uint64) []byte {
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(n)
		n >>= 8
	}
	return b[:]
}
