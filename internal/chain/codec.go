package chain

import (
	"github.com/holiman/uint256"

	"github.com/eryx-labs/execution/internal/codec"
	"github.com/eryx-labs/execution/internal/cryptoutil"
	"github.com/eryx-labs/execution/internal/txtypes"
)

// Encode serializes a Header for the Headers table. Optional
// post-merge fields are gated by the field-presence header so
// pre-merge headers pay no byte cost for fields they never carry.
func (h *Header) Encode() []byte {
	var header codec.FieldHeader
	header.SetField(0, h.WithdrawalsRoot != nil)
	header.SetField(1, h.BaseFee != nil)
	header.SetField(2, h.BlobGasUsed != nil)
	header.SetField(3, h.ExcessBlobGas != nil)
	header.SetField(4, h.ParentBeaconBlockRoot != nil)
	header.SetField(5, h.RequestsHash != nil)

	body := codec.NewWriter()
	putU64(body, h.Number)
	body.PutFixed(h.ParentHash[:])
	body.PutFixed(h.Beneficiary[:])
	body.PutFixed(h.StateRoot[:])
	body.PutFixed(h.ReceiptsRoot[:])
	body.PutFixed(h.TransactionsRoot[:])
	body.PutFixed(h.OmmersHash[:])
	putU64(body, h.Timestamp)
	putU64(body, h.GasLimit)
	putU64(body, h.GasUsed)
	putU64(body, h.Difficulty)
	putU64(body, h.Nonce)
	body.PutUvarint(uint64(len(h.ExtraData)))
	body.PutBytes(h.ExtraData)

	if h.WithdrawalsRoot != nil {
		body.PutFixed(h.WithdrawalsRoot[:])
	}
	if h.BaseFee != nil {
		b := h.BaseFee.Bytes32()
		body.PutFixed(b[:])
	}
	if h.BlobGasUsed != nil {
		putU64(body, *h.BlobGasUsed)
	}
	if h.ExcessBlobGas != nil {
		putU64(body, *h.ExcessBlobGas)
	}
	if h.ParentBeaconBlockRoot != nil {
		body.PutFixed(h.ParentBeaconBlockRoot[:])
	}
	if h.RequestsHash != nil {
		body.PutFixed(h.RequestsHash[:])
	}

	w := codec.NewWriter()
	header.Encode(w)
	w.PutBytes(body.Bytes())
	return w.Bytes()
}

// DecodeHeader reverses Encode.
func DecodeHeader(b []byte) (*Header, error) {
	r := codec.NewReader(b)
	fh, err := codec.DecodeFieldHeader(r)
	if err != nil {
		return nil, err
	}
	h := &Header{}
	if h.Number, err = getU64(r); err != nil {
		return nil, err
	}
	if err := getHash(r, &h.ParentHash); err != nil {
		return nil, err
	}
	beneficiary, err := r.GetFixed(cryptoutil.AddressLength)
	if err != nil {
		return nil, err
	}
	copy(h.Beneficiary[:], beneficiary)
	if err := getHash(r, &h.StateRoot); err != nil {
		return nil, err
	}
	if err := getHash(r, &h.ReceiptsRoot); err != nil {
		return nil, err
	}
	if err := getHash(r, &h.TransactionsRoot); err != nil {
		return nil, err
	}
	if err := getHash(r, &h.OmmersHash); err != nil {
		return nil, err
	}
	if h.Timestamp, err = getU64(r); err != nil {
		return nil, err
	}
	if h.GasLimit, err = getU64(r); err != nil {
		return nil, err
	}
	if h.GasUsed, err = getU64(r); err != nil {
		return nil, err
	}
	if h.Difficulty, err = getU64(r); err != nil {
		return nil, err
	}
	if h.Nonce, err = getU64(r); err != nil {
		return nil, err
	}
	extraLen, err := r.GetUvarint()
	if err != nil {
		return nil, err
	}
	if h.ExtraData, err = r.GetFixed(int(extraLen)); err != nil {
		return nil, err
	}

	if fh.HasField(0) {
		h.WithdrawalsRoot = new(cryptoutil.Hash)
		if err := getHash(r, h.WithdrawalsRoot); err != nil {
			return nil, err
		}
	}
	if fh.HasField(1) {
		raw, err := r.GetFixed(32)
		if err != nil {
			return nil, err
		}
		h.BaseFee = new(uint256.Int).SetBytes(raw)
	}
	if fh.HasField(2) {
		v, err := getU64(r)
		if err != nil {
			return nil, err
		}
		h.BlobGasUsed = &v
	}
	if fh.HasField(3) {
		v, err := getU64(r)
		if err != nil {
			return nil, err
		}
		h.ExcessBlobGas = &v
	}
	if fh.HasField(4) {
		h.ParentBeaconBlockRoot = new(cryptoutil.Hash)
		if err := getHash(r, h.ParentBeaconBlockRoot); err != nil {
			return nil, err
		}
	}
	if fh.HasField(5) {
		h.RequestsHash = new(cryptoutil.Hash)
		if err := getHash(r, h.RequestsHash); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func putU64(w *codec.Writer, v uint64) {
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	w.PutFixed(b[:])
}

func getU64(r *codec.Reader) (uint64, error) {
	b, err := r.GetFixed(8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v, nil
}

func getHash(r *codec.Reader, dst *cryptoutil.Hash) error {
	b, err := r.GetFixed(cryptoutil.HashLength)
	if err != nil {
		return err
	}
	copy(dst[:], b)
	return nil
}

// EncodeWithdrawal/decodeWithdrawal and Body encoding live alongside
// Header since they share the same framing helpers.
func encodeWithdrawal(w *codec.Writer, wd *Withdrawal) {
	putU64(w, wd.Index)
	putU64(w, wd.ValidatorIndex)
	w.PutFixed(wd.Address[:])
	putU64(w, wd.AmountGwei)
}

// EncodeWithdrawal exposes the single-withdrawal encoding used both
// inside Body.Encode and by the index-trie root computation stagedsync
// needs for spec §3's `withdrawals_root = MPT_root(withdrawals)`.
func EncodeWithdrawal(wd *Withdrawal) []byte {
	w := codec.NewWriter()
	encodeWithdrawal(w, wd)
	return w.Bytes()
}

func decodeWithdrawal(r *codec.Reader) (*Withdrawal, error) {
	wd := &Withdrawal{}
	var err error
	if wd.Index, err = getU64(r); err != nil {
		return nil, err
	}
	if wd.ValidatorIndex, err = getU64(r); err != nil {
		return nil, err
	}
	addr, err := r.GetFixed(cryptoutil.AddressLength)
	if err != nil {
		return nil, err
	}
	copy(wd.Address[:], addr)
	if wd.AmountGwei, err = getU64(r); err != nil {
		return nil, err
	}
	return wd, nil
}

// Encode serializes a Body for the BlockBody table: transactions are
// delegated to txtypes, withdrawals and ommer hashes are fixed-width
// collections length-prefixed with a uvarint count.
func (b *Body) Encode() []byte {
	w := codec.NewWriter()
	w.PutUvarint(uint64(len(b.Transactions)))
	for _, tx := range b.Transactions {
		enc := tx.Encode()
		w.PutUvarint(uint64(len(enc)))
		w.PutBytes(enc)
	}
	w.PutUvarint(uint64(len(b.Withdrawals)))
	for _, wd := range b.Withdrawals {
		encodeWithdrawal(w, wd)
	}
	w.PutUvarint(uint64(len(b.OmmerHashes)))
	for _, h := range b.OmmerHashes {
		w.PutFixed(h[:])
	}
	return w.Bytes()
}

// DecodeBody reverses Encode.
func DecodeBody(b []byte) (*Body, error) {
	r := codec.NewReader(b)
	body := &Body{}

	txCount, err := r.GetUvarint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < txCount; i++ {
		n, err := r.GetUvarint()
		if err != nil {
			return nil, err
		}
		raw, err := r.GetFixed(int(n))
		if err != nil {
			return nil, err
		}
		tx, err := txtypes.Decode(raw)
		if err != nil {
			return nil, err
		}
		body.Transactions = append(body.Transactions, tx)
	}

	wdCount, err := r.GetUvarint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < wdCount; i++ {
		wd, err := decodeWithdrawal(r)
		if err != nil {
			return nil, err
		}
		body.Withdrawals = append(body.Withdrawals, wd)
	}

	ommerCount, err := r.GetUvarint()
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < ommerCount; i++ {
		var h cryptoutil.Hash
		if err := getHash(r, &h); err != nil {
			return nil, err
		}
		body.OmmerHashes = append(body.OmmerHashes, h)
	}
	return body, nil
}
