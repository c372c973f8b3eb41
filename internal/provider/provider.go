// Package provider implements the unified read/write facade of spec
// §4.2: every other subsystem reaches the KV store and the freezer
// segments exclusively through these interfaces, never touching
// internal/kv or internal/freezer directly.
package provider

import (
	"context"
	"encoding/binary"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/eryx-labs/execution/internal/chain"
	"github.com/eryx-labs/execution/internal/cryptoutil"
	"github.com/eryx-labs/execution/internal/freezer"
	"github.com/eryx-labs/execution/internal/kv"
	"github.com/eryx-labs/execution/internal/state"
	"github.com/eryx-labs/execution/internal/txtypes"
)

// BlockReader serves headers, bodies, full blocks, and transaction
// ranges by number or hash, consulting the freezer before the KV
// store for ranges old enough to have been migrated (spec §4.2).
type BlockReader interface {
	HeaderByNumber(ctx context.Context, number uint64) (*chain.Header, error)
	HeaderByHash(ctx context.Context, hash cryptoutil.Hash) (*chain.Header, error)
	BodyByNumber(ctx context.Context, number uint64) (*chain.Body, error)
	BlockByNumber(ctx context.Context, number uint64) (*chain.Block, error)
	CanonicalHash(ctx context.Context, number uint64) (cryptoutil.Hash, bool, error)
}

// TransactionReader serves transactions by hash or by (block, index)
// and the sender addresses recorded for a block.
type TransactionReader interface {
	TransactionByHash(ctx context.Context, hash cryptoutil.Hash) (*txtypes.Transaction, uint64, error)
	SendersByBlock(ctx context.Context, number uint64, hash cryptoutil.Hash) ([]cryptoutil.Address, error)
}

// ReceiptReader serves receipts by transaction number or by block.
type ReceiptReader interface {
	ReceiptByTxNum(ctx context.Context, txNum uint64) (*txtypes.Receipt, error)
	ReceiptsByBlock(ctx context.Context, number uint64) ([]*txtypes.Receipt, error)
}

// AccountReader and StorageReader back both LatestState and
// HistoricalState; state.Reader is satisfied by either.
type AccountReader interface {
	Account(addr cryptoutil.Address) (*state.Account, error)
}

type StorageReader interface {
	Storage(addr cryptoutil.Address, key cryptoutil.Hash) (cryptoutil.Hash, error)
}

// StateProviderFactory constructs the state view execution and
// JSON-RPC-style read paths operate against.
type StateProviderFactory interface {
	LatestState(ctx context.Context) (state.Reader, error)
	HistoricalState(ctx context.Context, blockNum uint64) (state.Reader, error)
}

// BlockWriter is used only inside a write transaction to install a
// newly executed canonical block: header, body, receipts, indices, and
// the account/storage change sets HistoricalState later replays.
type BlockWriter interface {
	WriteBlock(tx kv.RwTx, block *chain.Block, receipts []*txtypes.Receipt, senders []cryptoutil.Address,
		accountChanges map[cryptoutil.Address]*state.Account, storageChanges map[cryptoutil.Address]map[cryptoutil.Hash]cryptoutil.Hash) error
}

// PruneController tracks, per pruneable segment, the highest block
// whose data has already been removed (spec §4.2 Pruning).
type PruneController interface {
	PrunedUpTo(tx kv.RoTx, segment string) (uint64, error)
	SetPrunedUpTo(tx kv.RwTx, segment string, block uint64) error
}

const (
	SegmentTxLookup   = "tx_lookup"
	SegmentReceipts   = "receipts"
	SegmentAcctHist   = "account_history"
	SegmentStorHist   = "storage_history"
	SegmentSenders    = "sender_recovery"
)

// Provider is the concrete implementation of every interface above,
// backed by a kv.DB and one freezer.Store per frozen entity kind.
type Provider struct {
	db       *kv.DB
	headers  *freezer.Store
	bodies   *freezer.Store
	receipts *freezer.Store

	// frozenReads dedupes concurrent reads of the same frozen segment
	// entry: Segment.Get fully decompresses its file per call (see
	// DESIGN.md's freezer known-simplification note), so concurrent
	// callers of the same block number would otherwise pay that cost
	// once each.
	frozenReads singleflight.Group
}

func New(db *kv.DB, headers, bodies, receipts *freezer.Store) *Provider {
	return &Provider{db: db, headers: headers, bodies: bodies, receipts: receipts}
}

func (p *Provider) frozenHeader(number uint64) ([]byte, bool, error) {
	v, err, _ := p.frozenReads.Do(fmt.Sprintf("header:%d", number), func() (interface{}, error) {
		raw, ok, err := p.headers.Get(number)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return raw, nil
	})
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

func (p *Provider) frozenBody(number uint64) ([]byte, bool, error) {
	v, err, _ := p.frozenReads.Do(fmt.Sprintf("body:%d", number), func() (interface{}, error) {
		raw, ok, err := p.bodies.Get(number)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return raw, nil
	})
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

func encodeBlockNum(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

func (p *Provider) CanonicalHash(ctx context.Context, number uint64) (cryptoutil.Hash, bool, error) {
	var out cryptoutil.Hash
	var found bool
	err := p.db.View(ctx, func(tx kv.RoTx) error {
		v, err := tx.Get(kv.HeaderCanonical, encodeBlockNum(number))
		if err != nil || v == nil {
			return err
		}
		copy(out[:], v)
		found = true
		return nil
	})
	return out, found, err
}

func (p *Provider) HeaderByNumber(ctx context.Context, number uint64) (*chain.Header, error) {
	if raw, ok, err := p.frozenHeader(number); err != nil {
		return nil, err
	} else if ok {
		return chain.DecodeHeader(raw)
	}
	hash, ok, err := p.CanonicalHash(ctx, number)
	if err != nil || !ok {
		return nil, err
	}
	return p.HeaderByHash(ctx, hash)
}

func (p *Provider) HeaderByHash(ctx context.Context, hash cryptoutil.Hash) (*chain.Header, error) {
	var h *chain.Header
	err := p.db.View(ctx, func(tx kv.RoTx) error {
		numBytes, err := tx.Get(kv.HeaderNumber, hash[:])
		if err != nil || numBytes == nil {
			return err
		}
		key := append(append([]byte(nil), numBytes...), hash[:]...)
		raw, err := tx.Get(kv.Headers, key)
		if err != nil || raw == nil {
			return err
		}
		h, err = chain.DecodeHeader(raw)
		return err
	})
	return h, err
}

func (p *Provider) BodyByNumber(ctx context.Context, number uint64) (*chain.Body, error) {
	if raw, ok, err := p.frozenBody(number); err != nil {
		return nil, err
	} else if ok {
		return chain.DecodeBody(raw)
	}
	hash, ok, err := p.CanonicalHash(ctx, number)
	if err != nil || !ok {
		return nil, nil
	}
	var body *chain.Body
	err = p.db.View(ctx, func(tx kv.RoTx) error {
		key := append(encodeBlockNum(number), hash[:]...)
		raw, err := tx.Get(kv.BlockBody, key)
		if err != nil || raw == nil {
			return err
		}
		body, err = chain.DecodeBody(raw)
		return err
	})
	return body, err
}

func (p *Provider) BlockByNumber(ctx context.Context, number uint64) (*chain.Block, error) {
	h, err := p.HeaderByNumber(ctx, number)
	if err != nil || h == nil {
		return nil, err
	}
	b, err := p.BodyByNumber(ctx, number)
	if err != nil || b == nil {
		return nil, err
	}
	return &chain.Block{Header: h, Body: b}, nil
}

func (p *Provider) TransactionByHash(ctx context.Context, hash cryptoutil.Hash) (*txtypes.Transaction, uint64, error) {
	var tx *txtypes.Transaction
	var txNum uint64
	err := p.db.View(ctx, func(rtx kv.RoTx) error {
		numBytes, err := rtx.Get(kv.TxLookup, hash[:])
		if err != nil || numBytes == nil {
			return err
		}
		txNum = binary.BigEndian.Uint64(numBytes)
		raw, err := rtx.Get(kv.EthTx, numBytes)
		if err != nil || raw == nil {
			return err
		}
		tx, err = txtypes.Decode(raw)
		return err
	})
	return tx, txNum, err
}

func (p *Provider) SendersByBlock(ctx context.Context, number uint64, hash cryptoutil.Hash) ([]cryptoutil.Address, error) {
	var out []cryptoutil.Address
	err := p.db.View(ctx, func(tx kv.RoTx) error {
		key := append(encodeBlockNum(number), hash[:]...)
		raw, err := tx.Get(kv.Senders, key)
		if err != nil || raw == nil {
			return err
		}
		for i := 0; i+cryptoutil.AddressLength <= len(raw); i += cryptoutil.AddressLength {
			var a cryptoutil.Address
			copy(a[:], raw[i:i+cryptoutil.AddressLength])
			out = append(out, a)
		}
		return nil
	})
	return out, err
}

func (p *Provider) ReceiptByTxNum(ctx context.Context, txNum uint64) (*txtypes.Receipt, error) {
	if pruned, ok, err := p.prunedPast(ctx, SegmentReceipts, txNum); err != nil {
		return nil, err
	} else if ok {
		return nil, pruned
	}
	var rc *txtypes.Receipt
	err := p.db.View(ctx, func(tx kv.RoTx) error {
		raw, err := tx.Get(kv.Receipts, encodeBlockNum(txNum))
		if err != nil || raw == nil {
			return err
		}
		rc, err = txtypes.DecodeReceipt(raw)
		return err
	})
	return rc, err
}

func (p *Provider) ReceiptsByBlock(ctx context.Context, number uint64) ([]*txtypes.Receipt, error) {
	maxTxBytes := encodeBlockNum(number)
	var low, high uint64
	err := p.db.View(ctx, func(tx kv.RoTx) error {
		v, err := tx.Get(kv.MaxTxNum, maxTxBytes)
		if err != nil || v == nil {
			return err
		}
		high = binary.BigEndian.Uint64(v)
		if number > 0 {
			prev, err := tx.Get(kv.MaxTxNum, encodeBlockNum(number-1))
			if err != nil {
				return err
			}
			if prev != nil {
				low = binary.BigEndian.Uint64(prev) + 1
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var out []*txtypes.Receipt
	for n := low; n <= high; n++ {
		rc, err := p.ReceiptByTxNum(ctx, n)
		if err != nil {
			return nil, err
		}
		if rc != nil {
			out = append(out, rc)
		}
	}
	return out, nil
}

func (p *Provider) prunedPast(ctx context.Context, segment string, block uint64) (*kv.PrunedDataError, bool, error) {
	var prunedUpTo uint64
	err := p.db.View(ctx, func(tx kv.RoTx) error {
		v, err := tx.Get(kv.PruneProgress, []byte(segment))
		if err != nil || v == nil {
			return err
		}
		prunedUpTo = binary.BigEndian.Uint64(v)
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if block <= prunedUpTo {
		return &kv.PrunedDataError{Segment: segment, RequestedAt: block, PrunedUpTo: prunedUpTo}, true, nil
	}
	return nil, false, nil
}

// PrunedUpTo / SetPrunedUpTo implement PruneController.
func (p *Provider) PrunedUpTo(tx kv.RoTx, segment string) (uint64, error) {
	v, err := tx.Get(kv.PruneProgress, []byte(segment))
	if err != nil || v == nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(v), nil
}

func (p *Provider) SetPrunedUpTo(tx kv.RwTx, segment string, block uint64) error {
	return tx.Put(kv.PruneProgress, []byte(segment), encodeBlockNum(block))
}

// WriteHeaderAndBody records a block's header and body under its
// (number, hash) key and points HeaderCanonical/HeaderNumber at it,
// without touching senders, receipts, or state - the half of
// WriteBlock an Engine-API-driven import needs before the execution
// stage can resolve the block through BlockByNumber (spec §4.7: a
// payload accepted into the fork tree becomes resolvable to the
// staged-sync pipeline only once its branch is chosen canonical).
func (p *Provider) WriteHeaderAndBody(tx kv.RwTx, block *chain.Block) error {
	num := block.Number()
	hash := block.Hash()
	numKey := encodeBlockNum(num)
	numHashKey := append(append([]byte(nil), numKey...), hash[:]...)

	if err := tx.Put(kv.HeaderCanonical, numKey, hash[:]); err != nil {
		return fmt.Errorf("provider: write canonical: %w", err)
	}
	if err := tx.Put(kv.HeaderNumber, hash[:], numKey); err != nil {
		return fmt.Errorf("provider: write header number: %w", err)
	}
	if err := tx.Put(kv.Headers, numHashKey, block.Header.Encode()); err != nil {
		return fmt.Errorf("provider: write header: %w", err)
	}
	if err := tx.Put(kv.BlockBody, numHashKey, block.Body.Encode()); err != nil {
		return fmt.Errorf("provider: write body: %w", err)
	}
	return nil
}

// WriteBlock implements BlockWriter: every table touched by importing
// one block is written inside the caller's single write transaction
// (spec §4.2 Consistency: "all multi-table writes associated with one
// block commit in a single write transaction").
func (p *Provider) WriteBlock(tx kv.RwTx, block *chain.Block, receipts []*txtypes.Receipt, senders []cryptoutil.Address,
	accountChanges map[cryptoutil.Address]*state.Account, storageChanges map[cryptoutil.Address]map[cryptoutil.Hash]cryptoutil.Hash) error {

	num := block.Number()
	hash := block.Hash()
	numKey := encodeBlockNum(num)
	numHashKey := append(append([]byte(nil), numKey...), hash[:]...)

	if err := tx.Put(kv.HeaderCanonical, numKey, hash[:]); err != nil {
		return fmt.Errorf("provider: write canonical: %w", err)
	}
	if err := tx.Put(kv.HeaderNumber, hash[:], numKey); err != nil {
		return fmt.Errorf("provider: write header number: %w", err)
	}
	if err := tx.Put(kv.Headers, numHashKey, block.Header.Encode()); err != nil {
		return fmt.Errorf("provider: write header: %w", err)
	}
	if err := tx.Put(kv.BlockBody, numHashKey, block.Body.Encode()); err != nil {
		return fmt.Errorf("provider: write body: %w", err)
	}

	senderBuf := make([]byte, 0, len(senders)*cryptoutil.AddressLength)
	for _, s := range senders {
		senderBuf = append(senderBuf, s[:]...)
	}
	if err := tx.Put(kv.Senders, numHashKey, senderBuf); err != nil {
		return fmt.Errorf("provider: write senders: %w", err)
	}

	// Change-set entries record the *pre-image*: the value PlainAccounts/
	// PlainStorage held immediately before this block overwrites it, so
	// HistoricalState(N) can answer "what was this key right after
	// block N" by finding the first later block's change-set entry
	// (spec §4.2 State providers).
	for addr, acct := range accountChanges {
		prior, err := tx.Get(kv.PlainAccounts, addr[:])
		if err != nil {
			return fmt.Errorf("provider: read prior account: %w", err)
		}
		if prior != nil {
			changeKey := append(append([]byte(nil), numKey...), addr[:]...)
			changeVal := append(append([]byte(nil), addr[:]...), prior...)
			if err := tx.Put(kv.AccountChangeSet, changeKey, changeVal); err != nil {
				return fmt.Errorf("provider: write account change: %w", err)
			}
		}
		// acct is nil for an account self-destructed during this block;
		// its PlainAccounts entry is removed rather than re-encoded.
		if acct == nil {
			if err := tx.Delete(kv.PlainAccounts, addr[:]); err != nil {
				return fmt.Errorf("provider: delete destructed account: %w", err)
			}
			continue
		}
		if err := tx.Put(kv.PlainAccounts, addr[:], state.EncodeAccount(acct)); err != nil {
			return fmt.Errorf("provider: write account: %w", err)
		}
	}
	for addr, slots := range storageChanges {
		for slot, val := range slots {
			key := append(append([]byte(nil), addr[:]...), slot[:]...)
			prior, err := tx.Get(kv.PlainStorage, key)
			if err != nil {
				return fmt.Errorf("provider: read prior storage: %w", err)
			}
			if prior != nil {
				changeKey := append(append([]byte(nil), numKey...), key...)
				changeVal := append(append([]byte(nil), key...), prior...)
				if err := tx.Put(kv.StorageChangeSet, changeKey, changeVal); err != nil {
					return fmt.Errorf("provider: write storage change: %w", err)
				}
			}
			if err := tx.Put(kv.PlainStorage, key, val[:]); err != nil {
				return fmt.Errorf("provider: write storage: %w", err)
			}
		}
	}

	for i, rc := range receipts {
		txNum := rc.TxNum
		if err := tx.Put(kv.Receipts, encodeBlockNum(txNum), rc.Encode()); err != nil {
			return fmt.Errorf("provider: write receipt: %w", err)
		}
		if i < len(block.Body.Transactions) {
			txHash := block.Body.Transactions[i].Hash()
			if err := tx.Put(kv.TxLookup, txHash[:], encodeBlockNum(txNum)); err != nil {
				return fmt.Errorf("provider: write tx lookup: %w", err)
			}
			if err := tx.Put(kv.EthTx, encodeBlockNum(txNum), block.Body.Transactions[i].Encode()); err != nil {
				return fmt.Errorf("provider: write transaction: %w", err)
			}
		}
	}
	if len(receipts) > 0 {
		maxTxNum := receipts[len(receipts)-1].TxNum
		if err := tx.Put(kv.MaxTxNum, numKey, encodeBlockNum(maxTxNum)); err != nil {
			return fmt.Errorf("provider: write max tx num: %w", err)
		}
	}
	return nil
}
