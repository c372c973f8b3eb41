package provider

import (
	"bytes"
	"context"

	"github.com/eryx-labs/execution/internal/cryptoutil"
	"github.com/eryx-labs/execution/internal/kv"
	"github.com/eryx-labs/execution/internal/state"
)

// LatestState reads directly from current-state tables: O(1) point
// lookup per access (spec §4.2 State providers).
type LatestState struct {
	db *kv.DB
}

func (p *Provider) LatestState(ctx context.Context) (state.Reader, error) {
	return &LatestState{db: p.db}, nil
}

func (l *LatestState) Account(addr cryptoutil.Address) (*state.Account, error) {
	var acct *state.Account
	err := l.db.View(context.Background(), func(tx kv.RoTx) error {
		raw, err := tx.Get(kv.PlainAccounts, addr[:])
		if err != nil || raw == nil {
			return err
		}
		acct, err = state.DecodeAccount(raw)
		return err
	})
	return acct, err
}

func (l *LatestState) Storage(addr cryptoutil.Address, key cryptoutil.Hash) (cryptoutil.Hash, error) {
	var out cryptoutil.Hash
	err := l.db.View(context.Background(), func(tx kv.RoTx) error {
		storageKey := append(append([]byte(nil), addr[:]...), key[:]...)
		raw, err := tx.Get(kv.PlainStorage, storageKey)
		if err != nil || raw == nil {
			return err
		}
		copy(out[:], raw)
		return nil
	})
	return out, err
}

func (l *LatestState) Code(codeHash cryptoutil.Hash) ([]byte, error) {
	var out []byte
	err := l.db.View(context.Background(), func(tx kv.RoTx) error {
		raw, err := tx.Get(kv.Code, codeHash[:])
		if err != nil {
			return err
		}
		out = raw
		return nil
	})
	return out, err
}

// HistoricalState reconstructs state as it was immediately after
// block N by consulting change-set tables (spec §4.2 State providers):
// for each requested key it seeks the earliest change with
// block_number > N and returns the pre-image recorded there; absent
// any such change, the current state is returned.
type HistoricalState struct {
	db      *kv.DB
	blockN  uint64
	latest  *LatestState
}

func (p *Provider) HistoricalState(ctx context.Context, blockNum uint64) (state.Reader, error) {
	return &HistoricalState{db: p.db, blockN: blockNum, latest: &LatestState{db: p.db}}, nil
}

func (h *HistoricalState) Account(addr cryptoutil.Address) (*state.Account, error) {
	var preimage []byte
	err := h.db.View(context.Background(), func(tx kv.RoTx) error {
		cur, err := tx.Cursor(kv.AccountChangeSet)
		if err != nil {
			return err
		}
		defer cur.Close()
		// AccountChangeSet is keyed block_num_u64 -> addr ++ encoded
		// account; scan forward from block N+1 for the first entry
		// touching addr, which carries addr's pre-image as of N.
		startKey := encodeBlockNum(h.blockN + 1)
		for k, v, err := cur.Seek(startKey); k != nil; k, v, err = cur.Next() {
			if err != nil {
				return err
			}
			if len(v) < cryptoutil.AddressLength {
				continue
			}
			if bytes.Equal(v[:cryptoutil.AddressLength], addr[:]) {
				preimage = v[cryptoutil.AddressLength:]
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if preimage == nil {
		return h.latest.Account(addr)
	}
	return state.DecodeAccount(preimage)
}

func (h *HistoricalState) Storage(addr cryptoutil.Address, key cryptoutil.Hash) (cryptoutil.Hash, error) {
	var preimage []byte
	err := h.db.View(context.Background(), func(tx kv.RoTx) error {
		cur, err := tx.Cursor(kv.StorageChangeSet)
		if err != nil {
			return err
		}
		defer cur.Close()
		startKey := encodeBlockNum(h.blockN + 1)
		needle := append(append([]byte(nil), addr[:]...), key[:]...)
		for k, v, err := cur.Seek(startKey); k != nil; k, v, err = cur.Next() {
			if err != nil {
				return err
			}
			if len(v) < cryptoutil.AddressLength+cryptoutil.HashLength {
				continue
			}
			if bytes.Equal(v[:cryptoutil.AddressLength+cryptoutil.HashLength], needle) {
				preimage = v[cryptoutil.AddressLength+cryptoutil.HashLength:]
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return cryptoutil.Hash{}, err
	}
	if preimage == nil {
		return h.latest.Storage(addr, key)
	}
	var out cryptoutil.Hash
	copy(out[:], preimage)
	return out, nil
}

func (h *HistoricalState) Code(codeHash cryptoutil.Hash) ([]byte, error) {
	return h.latest.Code(codeHash)
}
