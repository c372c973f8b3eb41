package state

import (
	"github.com/eryx-labs/execution/internal/codec"
	"github.com/eryx-labs/execution/internal/cryptoutil"
)

// accountSchema has four fields (nonce, balance, code hash, storage
// root), none of them a trailing variable-length byte string.
var accountSchema = codec.MustRegister(codec.StructSchema{
	Name: "Account", TrailingStringAt: -1, NumFields: 4,
})

const (
	fieldNonce = iota
	fieldBalance
	fieldCodeHash
	fieldStorageRoot
)

// EncodeAccount serializes an Account for PlainAccounts/HashedAccounts:
// a field-presence header (nonce and balance use the varint length
// slots since both are frequently small or zero) followed by the two
// fixed-size 32-byte hashes.
func EncodeAccount(a *Account) []byte {
	w := codec.NewWriter()
	var header codec.FieldHeader
	header.Lengths = make([]uint8, 2)

	nonceBytes := beUint64(a.Nonce)
	balBytes := a.Balance.Bytes32()

	// reserve header space by encoding fields first into a scratch
	// writer, then prefix the real header once lengths are known
	scratch := codec.NewWriter()
	nLen := scratch.PutVarInt(nonceBytes[:])
	bLen := scratch.PutVarInt(balBytes[:])
	scratch.PutFixed(a.CodeHash[:])
	scratch.PutFixed(a.StorageRoot[:])

	header.Lengths[0] = uint8(nLen)
	header.Lengths[1] = uint8(bLen)
	header.Encode(w)
	w.PutBytes(scratch.Bytes())
	return w.Bytes()
}

// DecodeAccount reverses EncodeAccount.
func DecodeAccount(b []byte) (*Account, error) {
	r := codec.NewReader(b)
	header, err := codec.DecodeFieldHeader(r)
	if err != nil {
		return nil, err
	}
	nonceBytes, err := r.GetVarInt(int(header.Lengths[0]), 8)
	if err != nil {
		return nil, err
	}
	balBytes, err := r.GetVarInt(int(header.Lengths[1]), 32)
	if err != nil {
		return nil, err
	}
	codeHashBytes, err := r.GetFixed(cryptoutil.HashLength)
	if err != nil {
		return nil, err
	}
	storageRootBytes, err := r.GetFixed(cryptoutil.HashLength)
	if err != nil {
		return nil, err
	}

	a := &Account{Nonce: beToUint64(nonceBytes)}
	a.Balance.SetBytes(balBytes)
	copy(a.CodeHash[:], codeHashBytes)
	copy(a.StorageRoot[:], storageRootBytes)
	return a, nil
}

func beUint64(v uint64) [8]byte {
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func beToUint64(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}
