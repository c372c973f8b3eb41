package trie

import (
	"bytes"
	"errors"

	"github.com/eryx-labs/execution/internal/cryptoutil"
)

// ErrKeyNotFound is returned by Prove when key has no entry in the trie.
var ErrKeyNotFound = errors.New("trie: key not found")

// Proof is the ordered chain of node encodings traversed from root to
// leaf for one key (spec §4.3 Proofs).
type Proof struct {
	Nodes [][]byte
	Value []byte
}

// Prove walks from the root to key's leaf, collecting each traversed
// node's canonical encoding. Encodings and child hashes are computed
// on demand, so Root() need not have been called first.
func (t *Trie) Prove(key cryptoutil.Hash) (*Proof, error) {
	path := keyToNibbles(key)
	var proof Proof
	n := t.root
	for {
		if n == nil {
			return nil, ErrKeyNotFound
		}
		switch {
		case n.leaf != nil:
			if !bytes.Equal(n.leaf.keyNibbles, path) {
				return nil, ErrKeyNotFound
			}
			proof.Nodes = append(proof.Nodes, encodeLeaf(n.leaf))
			proof.Value = n.leaf.value
			return &proof, nil
		case n.extension != nil:
			shared := n.extension.sharedNibbles
			if len(path) < len(shared) || !bytes.Equal(shared, path[:len(shared)]) {
				return nil, ErrKeyNotFound
			}
			proof.Nodes = append(proof.Nodes, encodeExtension(n.extension))
			path = path[len(shared):]
			n = n.extension.child
		case n.branch != nil:
			proof.Nodes = append(proof.Nodes, encodeBranch(n.branch))
			if len(path) == 0 {
				if n.branch.value == nil {
					return nil, ErrKeyNotFound
				}
				proof.Value = n.branch.value
				return &proof, nil
			}
			n = n.branch.children[path[0]]
			path = path[1:]
		default:
			return nil, ErrKeyNotFound
		}
	}
}

// VerifyProof is a pure function with no state dependency (spec §4.3):
// it recomputes each node's reference from its encoding and checks
// that the chain is internally consistent and terminates at root.
func VerifyProof(root cryptoutil.Hash, key cryptoutil.Hash, proof *Proof) bool {
	if len(proof.Nodes) == 0 {
		return false
	}
	first := cryptoutil.Keccak256(proof.Nodes[0])
	if first != root {
		// the root node may itself be inlined only when the whole trie
		// fits in 32 bytes, which never happens for a populated trie;
		// a populated trie's root is always a hash reference.
		return false
	}
	remaining := keyToNibbles(key)
	for i, enc := range proof.Nodes {
		if len(enc) == 0 {
			return false
		}
		switch enc[0] {
		case 0x01: // leaf
			nibbles, value := decodeLeaf(enc)
			return i == len(proof.Nodes)-1 && bytes.Equal(nibbles, remaining) && bytes.Equal(value, proof.Value)
		case 0x02: // extension
			shared, ref := decodeExtension(enc)
			if len(remaining) < len(shared) || !bytes.Equal(shared, remaining[:len(shared)]) {
				return false
			}
			remaining = remaining[len(shared):]
			if i+1 >= len(proof.Nodes) {
				return false
			}
			if !refMatches(ref, proof.Nodes[i+1]) {
				return false
			}
		case 0x03: // branch
			if len(remaining) == 0 {
				value := decodeBranchValue(enc)
				return i == len(proof.Nodes)-1 && bytes.Equal(value, proof.Value)
			}
			idx := remaining[0]
			remaining = remaining[1:]
			ref, ok := decodeBranchChild(enc, idx)
			if !ok {
				return false
			}
			if i+1 >= len(proof.Nodes) {
				return false
			}
			if !refMatches(ref, proof.Nodes[i+1]) {
				return false
			}
		default:
			return false
		}
	}
	return false
}

// refMatches reports whether ref (an inlined encoding or a 32-byte
// hash, as produced by childRef) corresponds to nextEnc, the next
// proof element's full encoding.
func refMatches(ref []byte, nextEnc []byte) bool {
	if len(ref) <= cryptoutil.HashLength && len(ref) == len(nextEnc) && bytes.Equal(ref, nextEnc) {
		return true
	}
	h := cryptoutil.Keccak256(nextEnc)
	return bytes.Equal(ref, h[:])
}

// decodeLeaf splits an encodeLeaf() byte string back into its nibble
// and value components using the 1-byte nibble-count prefix.
func decodeLeaf(enc []byte) (nibbles, value []byte) {
	n := int(enc[1])
	return enc[2 : 2+n], enc[2+n:]
}

// decodeExtension splits an encodeExtension() byte string back into
// its shared-nibble prefix and child reference.
func decodeExtension(enc []byte) (shared []byte, ref []byte) {
	n := int(enc[1])
	shared = enc[2 : 2+n]
	rest := enc[2+n:]
	refLen := int(rest[0])
	return shared, rest[1 : 1+refLen]
}

// decodeBranchValue returns the trailing own-value of an
// encodeBranch() byte string, skipping the tag and 16 length-prefixed
// child references.
func decodeBranchValue(enc []byte) []byte {
	pos := 1
	for i := 0; i < 16; i++ {
		refLen := int(enc[pos])
		pos += 1 + refLen
	}
	if pos >= len(enc) {
		return nil
	}
	return enc[pos:]
}

// decodeBranchChild returns the idx'th child reference of an
// encodeBranch() byte string.
func decodeBranchChild(enc []byte, idx byte) ([]byte, bool) {
	pos := 1
	for i := 0; i < 16; i++ {
		refLen := int(enc[pos])
		pos++
		if byte(i) == idx {
			if refLen == 0 {
				return nil, false
			}
			return enc[pos : pos+refLen], true
		}
		pos += refLen
	}
	return nil, false
}
