package txtypes

import (
	"github.com/holiman/uint256"

	"github.com/eryx-labs/execution/internal/codec"
	"github.com/eryx-labs/execution/internal/cryptoutil"
)

// Encode serializes a Transaction for the EthTx table. The field
// header records which of the Kind-dependent fee/access-list/blob/
// authorization groups are present, so a Legacy transaction costs
// nothing for fields only DynamicFee/Blob/SetCode transactions use.
func (t *Transaction) Encode() []byte {
	var fh codec.FieldHeader
	hasFeeMarket := t.Kind != Legacy && t.Kind != AccessList
	hasAccessList := len(t.AccessList) > 0
	hasBlob := t.Kind == Blob
	hasAuth := t.Kind == SetCode
	fh.SetField(0, hasFeeMarket)
	fh.SetField(1, hasAccessList)
	fh.SetField(2, hasBlob)
	fh.SetField(3, hasAuth)
	fh.SetField(4, t.To != nil)

	body := codec.NewWriter()
	body.PutByte(byte(t.Kind))
	putU64(body, t.ChainID)
	putU64(body, t.Nonce)
	putU64(body, t.GasLimit)
	if t.To != nil {
		body.PutFixed(t.To[:])
	}
	putU256(body, &t.Value)
	body.PutUvarint(uint64(len(t.Input)))
	body.PutBytes(t.Input)

	if !hasFeeMarket {
		putU256(body, &t.GasPrice)
	} else {
		putU256(body, &t.GasTipCap)
		putU256(body, &t.GasFeeCap)
	}

	if hasAccessList {
		body.PutUvarint(uint64(len(t.AccessList)))
		for _, at := range t.AccessList {
			body.PutFixed(at.Address[:])
			body.PutUvarint(uint64(len(at.StorageKeys)))
			for _, k := range at.StorageKeys {
				body.PutFixed(k[:])
			}
		}
	}

	if hasBlob {
		putU256(body, &t.BlobFeeCap)
		body.PutUvarint(uint64(len(t.BlobVersionedHashes)))
		for _, h := range t.BlobVersionedHashes {
			body.PutFixed(h[:])
		}
	}

	if hasAuth {
		body.PutUvarint(uint64(len(t.AuthorizationList)))
		for _, a := range t.AuthorizationList {
			putU64(body, a.ChainID)
			body.PutFixed(a.Address[:])
			putU64(body, a.Nonce)
			body.PutByte(a.V)
			putU256(body, &a.R)
			putU256(body, &a.S)
		}
	}

	body.PutByte(t.Sig.V)
	putU256(body, &t.Sig.R)
	putU256(body, &t.Sig.S)

	w := codec.NewWriter()
	fh.Encode(w)
	w.PutBytes(body.Bytes())
	return w.Bytes()
}

// Decode reverses Encode.
func Decode(b []byte) (*Transaction, error) {
	r := codec.NewReader(b)
	fh, err := codec.DecodeFieldHeader(r)
	if err != nil {
		return nil, err
	}
	t := &Transaction{}
	kindByte, err := r.GetByte()
	if err != nil {
		return nil, err
	}
	t.Kind = Kind(kindByte)
	if t.ChainID, err = getU64(r); err != nil {
		return nil, err
	}
	if t.Nonce, err = getU64(r); err != nil {
		return nil, err
	}
	if t.GasLimit, err = getU64(r); err != nil {
		return nil, err
	}
	if fh.HasField(4) {
		raw, err := r.GetFixed(cryptoutil.AddressLength)
		if err != nil {
			return nil, err
		}
		var addr cryptoutil.Address
		copy(addr[:], raw)
		t.To = &addr
	}
	if err := getU256(r, &t.Value); err != nil {
		return nil, err
	}
	inputLen, err := r.GetUvarint()
	if err != nil {
		return nil, err
	}
	if t.Input, err = r.GetFixed(int(inputLen)); err != nil {
		return nil, err
	}

	if !fh.HasField(0) {
		if err := getU256(r, &t.GasPrice); err != nil {
			return nil, err
		}
	} else {
		if err := getU256(r, &t.GasTipCap); err != nil {
			return nil, err
		}
		if err := getU256(r, &t.GasFeeCap); err != nil {
			return nil, err
		}
	}

	if fh.HasField(1) {
		n, err := r.GetUvarint()
		if err != nil {
			return nil, err
		}
		t.AccessList = make([]AccessTuple, n)
		for i := range t.AccessList {
			addrBytes, err := r.GetFixed(cryptoutil.AddressLength)
			if err != nil {
				return nil, err
			}
			copy(t.AccessList[i].Address[:], addrBytes)
			kn, err := r.GetUvarint()
			if err != nil {
				return nil, err
			}
			t.AccessList[i].StorageKeys = make([]cryptoutil.Hash, kn)
			for j := range t.AccessList[i].StorageKeys {
				kb, err := r.GetFixed(cryptoutil.HashLength)
				if err != nil {
					return nil, err
				}
				copy(t.AccessList[i].StorageKeys[j][:], kb)
			}
		}
	}

	if fh.HasField(2) {
		if err := getU256(r, &t.BlobFeeCap); err != nil {
			return nil, err
		}
		n, err := r.GetUvarint()
		if err != nil {
			return nil, err
		}
		t.BlobVersionedHashes = make([]cryptoutil.Hash, n)
		for i := range t.BlobVersionedHashes {
			hb, err := r.GetFixed(cryptoutil.HashLength)
			if err != nil {
				return nil, err
			}
			copy(t.BlobVersionedHashes[i][:], hb)
		}
	}

	if fh.HasField(3) {
		n, err := r.GetUvarint()
		if err != nil {
			return nil, err
		}
		t.AuthorizationList = make([]Authorization, n)
		for i := range t.AuthorizationList {
			a := &t.AuthorizationList[i]
			if a.ChainID, err = getU64(r); err != nil {
				return nil, err
			}
			addrBytes, err := r.GetFixed(cryptoutil.AddressLength)
			if err != nil {
				return nil, err
			}
			copy(a.Address[:], addrBytes)
			if a.Nonce, err = getU64(r); err != nil {
				return nil, err
			}
			if a.V, err = r.GetByte(); err != nil {
				return nil, err
			}
			if err := getU256(r, &a.R); err != nil {
				return nil, err
			}
			if err := getU256(r, &a.S); err != nil {
				return nil, err
			}
		}
	}

	if t.Sig.V, err = r.GetByte(); err != nil {
		return nil, err
	}
	if err := getU256(r, &t.Sig.R); err != nil {
		return nil, err
	}
	if err := getU256(r, &t.Sig.S); err != nil {
		return nil, err
	}
	return t, nil
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

func putU256(w *codec.Writer, v *uint256.Int) {
	b := v.Bytes32()
	w.PutFixed(b[:])
}

func getU256(r *codec.Reader, dst *uint256.Int) error {
	b, err := r.GetFixed(32)
	if err != nil {
		return err
	}
	dst.SetBytes(b)
	return nil
}

// Encode serializes a Receipt for the Receipts table.
func (rc *Receipt) Encode() []byte {
	w := codec.NewWriter()
	putU64(w, rc.TxNum)
	if rc.Success {
		w.PutByte(1)
	} else {
		w.PutByte(0)
	}
	putU64(w, rc.CumulativeGas)
	putU64(w, rc.GasUsed)
	w.PutFixed(rc.Bloom[:])
	w.PutUvarint(uint64(len(rc.Logs)))
	for _, l := range rc.Logs {
		w.PutFixed(l.Address[:])
		w.PutUvarint(uint64(len(l.Topics)))
		for _, t := range l.Topics {
			w.PutFixed(t[:])
		}
		w.PutUvarint(uint64(len(l.Data)))
		w.PutBytes(l.Data)
	}
	return w.Bytes()
}

// DecodeReceipt reverses Encode.
func DecodeReceipt(b []byte) (*Receipt, error) {
	r := codec.NewReader(b)
	rc := &Receipt{}
	var err error
	if rc.TxNum, err = getU64(r); err != nil {
		return nil, err
	}
	successByte, err := r.GetByte()
	if err != nil {
		return nil, err
	}
	rc.Success = successByte == 1
	if rc.CumulativeGas, err = getU64(r); err != nil {
		return nil, err
	}
	if rc.GasUsed, err = getU64(r); err != nil {
		return nil, err
	}
	bloomBytes, err := r.GetFixed(256)
	if err != nil {
		return nil, err
	}
	copy(rc.Bloom[:], bloomBytes)
	logCount, err := r.GetUvarint()
	if err != nil {
		return nil, err
	}
	rc.Logs = make([]Log, logCount)
	for i := range rc.Logs {
		addrBytes, err := r.GetFixed(cryptoutil.AddressLength)
		if err != nil {
			return nil, err
		}
		copy(rc.Logs[i].Address[:], addrBytes)
		topicCount, err := r.GetUvarint()
		if err != nil {
			return nil, err
		}
		rc.Logs[i].Topics = make([]cryptoutil.Hash, topicCount)
		for j := range rc.Logs[i].Topics {
			tb, err := r.GetFixed(cryptoutil.HashLength)
			if err != nil {
				return nil, err
			}
			copy(rc.Logs[i].Topics[j][:], tb)
		}
		dataLen, err := r.GetUvarint()
		if err != nil {
			return nil, err
		}
		if rc.Logs[i].Data, err = r.GetFixed(int(dataLen)); err != nil {
			return nil, err
		}
	}
	return rc, nil
}
