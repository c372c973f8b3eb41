// Package chain holds the block-level data model of spec §3: Header,
// Body, Withdrawal, and the Block that pairs them, independent of how
// they are persisted (internal/kv) or executed (internal/execengine).
package chain

import (
	"encoding/binary"

	"github.com/holiman/uint256"

	"github.com/eryx-labs/execution/internal/cryptoutil"
	"github.com/eryx-labs/execution/internal/txtypes"
)

// Header is append-only once imported: never mutated, removed only
// during unwind (spec §3).
type Header struct {
	Number      uint64
	ParentHash  cryptoutil.Hash
	Beneficiary cryptoutil.Address // block reward / priority-fee recipient

	StateRoot        cryptoutil.Hash
	ReceiptsRoot     cryptoutil.Hash
	TransactionsRoot cryptoutil.Hash
	WithdrawalsRoot  *cryptoutil.Hash // present iff the active fork mandates withdrawals
	OmmersHash       cryptoutil.Hash

	Timestamp uint64
	GasLimit  uint64
	GasUsed   uint64
	BaseFee   *uint256.Int // nil pre fee-market fork

	Difficulty uint64 // zero for post-merge headers
	Nonce      uint64 // zero for post-merge headers

	ExtraData []byte

	// Blob-gas fields (EIP-4844), present iff the active fork mandates blob txs.
	BlobGasUsed   *uint64
	ExcessBlobGas *uint64

	ParentBeaconBlockRoot *cryptoutil.Hash // post-Deneb system input

	RequestsHash *cryptoutil.Hash // present iff the active fork mandates out-of-band requests

	// cached on first call
	hash *cryptoutil.Hash
}

// sealingPreimage is a deterministic, order-stable concatenation of
// header fields used only to derive the header hash; it is not a wire
// format (RLP encoding of headers is a concern of the p2p/codec layer
// this spec treats as an external boundary).
func (h *Header) sealingPreimage() []byte {
	var buf []byte
	var n8 [8]byte

	binary.BigEndian.PutUint64(n8[:], h.Number)
	buf = append(buf, n8[:]...)
	buf = append(buf, h.ParentHash[:]...)
	buf = append(buf, h.Beneficiary[:]...)
	buf = append(buf, h.StateRoot[:]...)
	buf = append(buf, h.ReceiptsRoot[:]...)
	buf = append(buf, h.TransactionsRoot[:]...)
	buf = append(buf, h.OmmersHash[:]...)
	binary.BigEndian.PutUint64(n8[:], h.Timestamp)
	buf = append(buf, n8[:]...)
	binary.BigEndian.PutUint64(n8[:], h.GasLimit)
	buf = append(buf, n8[:]...)
	binary.BigEndian.PutUint64(n8[:], h.GasUsed)
	buf = append(buf, n8[:]...)
	if h.BaseFee != nil {
		buf = append(buf, h.BaseFee.Bytes()...)
	}
	binary.BigEndian.PutUint64(n8[:], h.Difficulty)
	buf = append(buf, n8[:]...)
	binary.BigEndian.PutUint64(n8[:], h.Nonce)
	buf = append(buf, n8[:]...)
	buf = append(buf, h.ExtraData...)
	if h.WithdrawalsRoot != nil {
		buf = append(buf, h.WithdrawalsRoot[:]...)
	}
	if h.BlobGasUsed != nil {
		binary.BigEndian.PutUint64(n8[:], *h.BlobGasUsed)
		buf = append(buf, n8[:]...)
	}
	if h.ExcessBlobGas != nil {
		binary.BigEndian.PutUint64(n8[:], *h.ExcessBlobGas)
		buf = append(buf, n8[:]...)
	}
	if h.ParentBeaconBlockRoot != nil {
		buf = append(buf, h.ParentBeaconBlockRoot[:]...)
	}
	if h.RequestsHash != nil {
		buf = append(buf, h.RequestsHash[:]...)
	}
	return buf
}

// Hash returns the header's identity hash (H of spec §3), caching it
// after the first computation since headers are immutable once imported.
func (h *Header) Hash() cryptoutil.Hash {
	if h.hash == nil {
		hv := cryptoutil.Keccak256(h.sealingPreimage())
		h.hash = &hv
	}
	return *h.hash
}

// IsPostMerge reports whether this header carries the zero
// difficulty/nonce and empty-ommers invariants spec §4.8 requires of
// every post-merge header.
func (h *Header) IsPostMerge() bool {
	return h.Difficulty == 0 && h.Nonce == 0 && h.OmmersHash == cryptoutil.EmptyUncleHash
}

// Withdrawal is a post-merge validator-initiated balance credit
// applied at block finalization without gas or a receipt (spec GLOSSARY).
type Withdrawal struct {
	Index          uint64
	ValidatorIndex uint64
	Address        cryptoutil.Address
	AmountGwei     uint64
}

// Body is parallel to Header (spec §3): ordered transactions, ordered
// withdrawals (optional), ordered ommers (legacy, pre-merge only).
type Body struct {
	Transactions []*txtypes.Transaction
	Withdrawals  []*Withdrawal
	OmmerHashes  []cryptoutil.Hash // legacy ommer block hashes; empty post-merge
}

// Block pairs a Header with its Body.
type Block struct {
	Header *Header
	Body   *Body
}

func (b *Block) Number() uint64            { return b.Header.Number }
func (b *Block) Hash() cryptoutil.Hash     { return b.Header.Hash() }
func (b *Block) ParentHash() cryptoutil.Hash { return b.Header.ParentHash }
