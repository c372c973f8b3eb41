// Package cryptoutil collects the small set of cryptographic primitive
// calls the execution client needs: keccak256 hashing and ECDSA sender
// recovery. It never implements primitives itself, only wires the
// standard ecosystem libraries the rest of the module depends on.
package cryptoutil

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/sha3"
)

// HashLength is the byte length of a keccak256 digest.
const HashLength = 32

// AddressLength is the byte length of an Ethereum-style address.
const AddressLength = 20

// Hash is a 32-byte keccak256 digest.
type Hash [HashLength]byte

// Address is a 20-byte account identifier.
type Address [AddressLength]byte

// EmptyCodeHash is keccak256 of the empty byte string, the code hash
// every account without deployed code must carry (§3 Account state).
var EmptyCodeHash = Keccak256(nil)

// EmptyRootHash is the known root of an empty Merkle-Patricia trie.
var EmptyRootHash = Hash{0x56, 0xe8, 0x1f, 0x17, 0x1b, 0xcc, 0x55, 0xa6,
	0xff, 0x83, 0x45, 0xe6, 0x92, 0xc0, 0xf8, 0x6e, 0x5b, 0x48, 0xe0, 0x1b,
	0x99, 0x6c, 0xad, 0xc0, 0x01, 0x62, 0x2f, 0xb5, 0xe3, 0x63, 0xb4, 0x21}

// EmptyUncleHash is the keccak256 of RLP([]), the required ommers-hash
// value for every post-merge header (§4.8).
var EmptyUncleHash = Keccak256([]byte{0xc0})

// Keccak256 hashes the concatenation of data.
func Keccak256(data ...[]byte) Hash {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out Hash
	h.Sum(out[:0])
	return out
}

// Keccak256Hash is a convenience wrapper returning a Hash value directly.
func Keccak256Hash(data []byte) Hash { return Keccak256(data) }

// RecoverSender recovers the signer address from a recoverable
// signature (r, s, v) over a transaction signing hash. v is the
// 0/1 recovery id (already normalized away from chain-id offsets by
// the caller, per the transaction variant's sighash rules).
func RecoverSender(sigHash Hash, r, s []byte, v byte) (Address, error) {
	sig := make([]byte, 65)
	copy(sig[32-len(r):32], r)
	copy(sig[64-len(s):64], s)
	sig[64] = v

	pub, _, err := secp256k1.RecoverCompact(recoverableSig(sig), sigHash[:])
	if err != nil {
		return Address{}, fmt.Errorf("cryptoutil: recover sender: %w", err)
	}
	return PubkeyToAddress(pub.SerializeUncompressed()), nil
}

// recoverableSig reshuffles an (r||s||v) 65-byte signature into the
// compact (recid||r||s) form secp256k1.RecoverCompact expects.
func recoverableSig(sig []byte) []byte {
	out := make([]byte, 65)
	out[0] = sig[64] + 27
	copy(out[1:], sig[:64])
	return out
}

// PubkeyToAddress derives the 20-byte address from an uncompressed
// (65-byte, 0x04-prefixed) public key: the low 20 bytes of keccak256
// of the 64-byte X||Y coordinate pair.
func PubkeyToAddress(uncompressed []byte) Address {
	h := Keccak256(uncompressed[1:])
	var a Address
	copy(a[:], h[12:])
	return a
}

func (a Address) String() string { return fmt.Sprintf("0x%x", [AddressLength]byte(a)) }
func (h Hash) String() string    { return fmt.Sprintf("0x%x", [HashLength]byte(h)) }

// IsZero reports whether the hash is all-zero (used to detect absent
// optional header fields and sentinel genesis values).
func (h Hash) IsZero() bool { return h == Hash{} }

func (a Address) MarshalJSON() ([]byte, error) { return []byte(`"` + a.String() + `"`), nil }
func (h Hash) MarshalJSON() ([]byte, error)    { return []byte(`"` + h.String() + `"`), nil }

func (a *Address) UnmarshalJSON(b []byte) error {
	decoded, err := unmarshalHexFixed(b, AddressLength)
	if err != nil {
		return fmt.Errorf("cryptoutil: decode address: %w", err)
	}
	copy(a[:], decoded)
	return nil
}

func (h *Hash) UnmarshalJSON(b []byte) error {
	decoded, err := unmarshalHexFixed(b, HashLength)
	if err != nil {
		return fmt.Errorf("cryptoutil: decode hash: %w", err)
	}
	copy(h[:], decoded)
	return nil
}

func unmarshalHexFixed(b []byte, want int) ([]byte, error) {
	s := string(b)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return nil, fmt.Errorf("not a JSON string")
	}
	s = s[1 : len(s)-1]
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	decoded := make([]byte, hex.DecodedLen(len(s)))
	n, err := hex.Decode(decoded, []byte(s))
	if err != nil {
		return nil, err
	}
	if n != want {
		return nil, fmt.Errorf("expected %d bytes, got %d", want, n)
	}
	return decoded, nil
}
