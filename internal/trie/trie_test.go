package trie

import (
	"testing"

	"github.com/eryx-labs/execution/internal/cryptoutil"
)

func hashOf(b byte) cryptoutil.Hash {
	var h cryptoutil.Hash
	h[0] = b
	return h
}

// TestDeleteCollapsesBranchToLeaf is the scenario from the bug report:
// two keys land in the same branch (their first nibble differs), and
// deleting one must renormalize the survivor back into a bare leaf
// with its full path restored, not leave it as branch{child=leaf}.
func TestDeleteCollapsesBranchToLeaf(t *testing.T) {
	k1 := hashOf(0x10) // nibbles 1,0,...
	k2 := hashOf(0x20) // nibbles 2,0,... - differs in the first nibble

	built := New()
	built.Put(k1, []byte("v1"))
	built.Put(k2, []byte("v2"))
	built.Delete(k2)
	gotRoot := built.Root()

	fresh := New()
	fresh.Put(k1, []byte("v1"))
	wantRoot := fresh.Root()

	if gotRoot != wantRoot {
		t.Fatalf("root hash depends on deletion history: got %s want %s", gotRoot, wantRoot)
	}
}

// TestDeleteCollapsesBranchOwnValueToLeaf covers the other
// single-occupant case: a branch's own value survives after its only
// child is removed, and must become a leaf with an empty path rather
// than a one-child-less branch. Put/Delete alone can't reach a branch
// with its own value set (every key here is a fixed 64-nibble hash, so
// no key is ever a strict prefix of another), so the shape is built
// directly via the package's internal node types.
func TestDeleteCollapsesBranchOwnValueToLeaf(t *testing.T) {
	b := &branchNode{value: []byte("own-value")}
	b.children[0x3] = &node{leaf: &leafNode{keyNibbles: []byte{1, 2, 3}, value: []byte("child")}}
	n := &node{branch: b}

	got := remove(n, []byte{0x3, 1, 2, 3})
	if got == nil || got.leaf == nil {
		t.Fatalf("expected collapse to a leaf, got %+v", got)
	}
	if len(got.leaf.keyNibbles) != 0 {
		t.Fatalf("expected empty key nibbles on the collapsed leaf, got %v", got.leaf.keyNibbles)
	}
	if string(got.leaf.value) != "own-value" {
		t.Fatalf("expected the branch's own value to survive, got %q", got.leaf.value)
	}
}

// TestDeleteThenReinsertMatchesFreshTrie checks the general
// history-independence invariant across a larger key set: deleting a
// subset and reinserting a disjoint subset must match a trie built
// directly from the final key set, regardless of the order of
// mutations that produced it.
func TestDeleteThenReinsertMatchesFreshTrie(t *testing.T) {
	keys := make([]cryptoutil.Hash, 0, 8)
	for i := byte(0); i < 8; i++ {
		keys = append(keys, hashOf(i<<4))
	}

	built := New()
	for i, k := range keys {
		built.Put(k, []byte{byte(i)})
	}
	// delete every other key, then reinsert half of those
	for i := 1; i < len(keys); i += 2 {
		built.Delete(keys[i])
	}
	for i := 1; i < len(keys); i += 4 {
		built.Put(keys[i], []byte{byte(i)})
	}
	gotRoot := built.Root()

	fresh := New()
	for i, k := range keys {
		if i%2 == 1 && i%4 != 1 {
			continue // these stayed deleted
		}
		fresh.Put(k, []byte{byte(i)})
	}
	wantRoot := fresh.Root()

	if gotRoot != wantRoot {
		t.Fatalf("root hash mismatch after delete/reinsert: got %s want %s", gotRoot, wantRoot)
	}
}

func TestDeleteEmptiesTrie(t *testing.T) {
	k := hashOf(0x42)
	tr := New()
	tr.Put(k, []byte("v"))
	tr.Delete(k)
	if got := tr.Root(); got != cryptoutil.EmptyRootHash {
		t.Fatalf("expected empty root after deleting only key, got %s", got)
	}
}

func TestDeleteMissingKeyIsNoop(t *testing.T) {
	k1 := hashOf(0x01)
	k2 := hashOf(0x02)
	tr := New()
	tr.Put(k1, []byte("v1"))
	before := tr.Root()
	tr.Delete(k2)
	after := tr.Root()
	if before != after {
		t.Fatalf("deleting an absent key changed the root: before %s after %s", before, after)
	}
}

func TestProveAndVerifyRoundTrip(t *testing.T) {
	tr := New()
	keys := []cryptoutil.Hash{hashOf(0x01), hashOf(0x02), hashOf(0xf0)}
	for i, k := range keys {
		tr.Put(k, []byte{byte(i), byte(i)})
	}
	root := tr.Root()

	for i, k := range keys {
		proof, err := tr.Prove(k)
		if err != nil {
			t.Fatalf("Prove(%x): %v", k, err)
		}
		if !VerifyProof(root, k, proof) {
			t.Fatalf("VerifyProof rejected a valid proof for key %x", k)
		}
		if proof.Value[0] != byte(i) {
			t.Fatalf("proof carries wrong value for key %x", k)
		}
	}
}

func TestVerifyProofRejectsTamperedValue(t *testing.T) {
	tr := New()
	k := hashOf(0x01)
	tr.Put(k, []byte("real-value"))
	tr.Put(hashOf(0x02), []byte("other"))
	root := tr.Root()

	proof, err := tr.Prove(k)
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}
	proof.Value = []byte("tampered")
	if VerifyProof(root, k, proof) {
		t.Fatal("VerifyProof accepted a tampered value")
	}
}

func TestVerifyProofRejectsWrongRoot(t *testing.T) {
	tr := New()
	k := hashOf(0x01)
	tr.Put(k, []byte("v"))
	proof, err := tr.Prove(k)
	if err != nil {
		t.Fatalf("Prove: %v", err)
	}
	if VerifyProof(hashOf(0xff), k, proof) {
		t.Fatal("VerifyProof accepted a proof against the wrong root")
	}
}

func TestProveMissingKey(t *testing.T) {
	tr := New()
	tr.Put(hashOf(0x01), []byte("v"))
	if _, err := tr.Prove(hashOf(0x02)); err != ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestRootIsOrderIndependent(t *testing.T) {
	keys := []cryptoutil.Hash{hashOf(0x01), hashOf(0x02), hashOf(0x03), hashOf(0xa0)}

	forward := New()
	for i, k := range keys {
		forward.Put(k, []byte{byte(i)})
	}

	reverse := New()
	for i := len(keys) - 1; i >= 0; i-- {
		reverse.Put(keys[i], []byte{byte(i)})
	}

	if forward.Root() != reverse.Root() {
		t.Fatal("root hash depends on insertion order")
	}
}
