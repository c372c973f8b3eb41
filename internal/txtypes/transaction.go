// Package txtypes models the transaction variants of spec §3: legacy,
// fee-market (EIP-1559), blob-carrying (EIP-4844), and
// authorization-list (EIP-7702) transactions, plus the receipt they
// produce. Signature recovery goes through internal/cryptoutil; no
// cryptographic primitive is implemented here.
package txtypes

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/eryx-labs/execution/internal/cryptoutil"
)

// Kind identifies a transaction's wire variant.
type Kind uint8

const (
	Legacy Kind = iota
	AccessList
	DynamicFee // EIP-1559 fee-market
	Blob       // EIP-4844
	SetCode    // EIP-7702 authorization-list
)

// AccessTuple is one entry of an access list: an address plus the
// storage keys the transaction pre-declares it will touch.
type AccessTuple struct {
	Address     cryptoutil.Address
	StorageKeys []cryptoutil.Hash
}

// Authorization is one EIP-7702 authorization-list entry.
type Authorization struct {
	ChainID uint64
	Address cryptoutil.Address
	Nonce   uint64
	V       byte
	R, S    uint256.Int
}

// Signature is the recoverable ECDSA signature over a transaction's
// signing hash.
type Signature struct {
	V byte // 0 or 1 after chain-id normalization; legacy transactions fold chain id into V on the wire, not here.
	R, S uint256.Int
}

// Transaction is the decoded, in-memory representation shared by all
// variants; fields not applicable to a given Kind are left zero.
type Transaction struct {
	Kind Kind

	ChainID  uint64
	Nonce    uint64
	GasLimit uint64
	To       *cryptoutil.Address // nil for contract creation
	Value    uint256.Int
	Input    []byte

	GasPrice  uint256.Int // Legacy / AccessList
	GasTipCap uint256.Int // DynamicFee / Blob / SetCode: max priority fee per gas
	GasFeeCap uint256.Int // DynamicFee / Blob / SetCode: max fee per gas

	AccessList []AccessTuple

	// Blob-carrying fields (EIP-4844).
	BlobFeeCap      uint256.Int
	BlobVersionedHashes []cryptoutil.Hash

	// Authorization-list fields (EIP-7702).
	AuthorizationList []Authorization

	Sig Signature

	// cached, populated lazily by Hash()/Sender()
	hash   *cryptoutil.Hash
	sender *cryptoutil.Address
}

// EffectivePriorityFee returns min(max_priority_fee, max_fee - base_fee)
// per the GLOSSARY definition. For Legacy/AccessList transactions the
// single GasPrice acts as both caps.
func (t *Transaction) EffectivePriorityFee(baseFee *uint256.Int) *uint256.Int {
	tip, fee := t.priorityAndFeeCap()
	headroom := new(uint256.Int).Sub(&fee, baseFee)
	if headroom.Cmp(&tip) < 0 {
		return headroom
	}
	return &tip
}

// EffectiveGasPrice is baseFee + effective priority fee: what the
// sender actually pays per unit of gas.
func (t *Transaction) EffectiveGasPrice(baseFee *uint256.Int) *uint256.Int {
	return new(uint256.Int).Add(baseFee, t.EffectivePriorityFee(baseFee))
}

func (t *Transaction) priorityAndFeeCap() (tip, fee uint256.Int) {
	switch t.Kind {
	case Legacy, AccessList:
		return t.GasPrice, t.GasPrice
	default:
		return t.GasTipCap, t.GasFeeCap
	}
}

// IntrinsicGas computes the base gas cost (creation premium + per-byte
// zero/non-zero cost + per-address and per-storage-key access-list
// cost) per spec §4.4 step 4.
func (t *Transaction) IntrinsicGas() uint64 {
	const (
		txGas                 = 21_000
		txGasContractCreation = 53_000
		txDataZeroGas         = 4
		txDataNonZeroGasEIP2028 = 16
		txAccessListAddressGas = 2_400
		txAccessListStorageKeyGas = 1_900
	)
	var gas uint64
	if t.To == nil {
		gas = txGasContractCreation
	} else {
		gas = txGas
	}
	var zeroes, nonZeroes uint64
	for _, b := range t.Input {
		if b == 0 {
			zeroes++
		} else {
			nonZeroes++
		}
	}
	gas += zeroes * txDataZeroGas
	gas += nonZeroes * txDataNonZeroGasEIP2028
	gas += uint64(len(t.AccessList)) * txAccessListAddressGas
	for _, tuple := range t.AccessList {
		gas += uint64(len(tuple.StorageKeys)) * txAccessListStorageKeyGas
	}
	return gas
}

// UpfrontCost is value + gas_limit * effective_gas_price, the balance
// check of spec §4.4 step 3 (blob-gas component added by callers that
// know the block's excess blob gas).
func (t *Transaction) UpfrontCost(baseFee *uint256.Int) *uint256.Int {
	price := t.EffectiveGasPrice(baseFee)
	cost := new(uint256.Int).Mul(price, new(uint256.Int).SetUint64(t.GasLimit))
	return cost.Add(cost, &t.Value)
}

// SigningHash returns the hash the signature was produced over. The
// exact preimage depends on Kind (RLP-encoded unsigned tx prefixed by
// a type byte for typed transactions); this spec treats the preimage
// construction as an encoding detail owned by a wire codec outside
// this package's concern and simply keccaks the caller-supplied
// canonical byte form.
func (t *Transaction) SigningHash(unsignedEncoding []byte) cryptoutil.Hash {
	return cryptoutil.Keccak256(unsignedEncoding)
}

// Sender recovers and caches the sender address from sigHash, the
// value produced by SigningHash over this transaction's canonical
// unsigned encoding.
func (t *Transaction) Sender(sigHash cryptoutil.Hash) (cryptoutil.Address, error) {
	if t.sender != nil {
		return *t.sender, nil
	}
	rBytes, sBytes := t.Sig.R.Bytes(), t.Sig.S.Bytes()
	addr, err := cryptoutil.RecoverSender(sigHash, rBytes, sBytes, t.Sig.V)
	if err != nil {
		return cryptoutil.Address{}, fmt.Errorf("txtypes: recover sender: %w", err)
	}
	t.sender = &addr
	return addr, nil
}

// Hash returns the transaction's cached identity hash; callers must
// populate it via SetHash once after decoding from the wire, since
// computing it here would require the exact signed encoding this
// package does not own.
func (t *Transaction) Hash() cryptoutil.Hash {
	if t.hash == nil {
		return cryptoutil.Hash{}
	}
	return *t.hash
}

func (t *Transaction) SetHash(h cryptoutil.Hash) { t.hash = &h }
