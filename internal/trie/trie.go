// Package trie implements the hexary, path-compressed Merkle-Patricia
// trie of spec §4.3: branch (17-way), extension (shared-prefix+child),
// and leaf nodes, incremental root recomputation over changed keys
// only, and inclusion proofs.
package trie

import (
	"bytes"
	"runtime"

	"github.com/sourcegraph/conc/pool"

	"github.com/eryx-labs/execution/internal/cryptoutil"
)

// node is the sum-type every trie node is one of. Exactly one of the
// three pointer fields is non-nil.
type node struct {
	branch    *branchNode
	extension *extensionNode
	leaf      *leafNode

	// memoized, cleared whenever this node (or a descendant) changes
	hashCache  *cryptoutil.Hash
	hashValid  bool
}

type branchNode struct {
	children [16]*node
	value    []byte // value stored at this branch's own path, if any (odd-length keys)
}

type extensionNode struct {
	sharedNibbles []byte
	child         *node
}

type leafNode struct {
	keyNibbles []byte // the remaining key nibbles below this node
	value      []byte
}

// Trie is a mutable hexary MPT. It is not safe for concurrent
// mutation; concurrent reads of an unmutated Trie are safe.
type Trie struct {
	root *node

	// dirty records the hashed keys (32-byte keccak(A) or keccak(K))
	// touched since the last Root() call; Root() clears it. Incremental
	// recompute itself is driven by each node's hashValid flag, not by
	// this set (spec §4.3 Incremental root).
	dirty map[cryptoutil.Hash]struct{}

	// Workers bounds the goroutine pool used to hash independent
	// sibling branches in parallel; 0 means "use runtime.NumCPU".
	Workers int
}

func New() *Trie {
	return &Trie{dirty: make(map[cryptoutil.Hash]struct{})}
}

// keyToNibbles expands a 32-byte hashed key into 64 nibbles.
func keyToNibbles(key cryptoutil.Hash) []byte {
	nibbles := make([]byte, 64)
	for i, b := range key {
		nibbles[2*i] = b >> 4
		nibbles[2*i+1] = b & 0x0f
	}
	return nibbles
}

// Put inserts or updates the value at hashed key and marks it dirty
// for the next Root() call.
func (t *Trie) Put(key cryptoutil.Hash, value []byte) {
	nibbles := keyToNibbles(key)
	t.root = insert(t.root, nibbles, value)
	t.dirty[key] = struct{}{}
}

// Delete removes the value at hashed key, if present.
func (t *Trie) Delete(key cryptoutil.Hash) {
	nibbles := keyToNibbles(key)
	t.root = remove(t.root, nibbles)
	t.dirty[key] = struct{}{}
}

func insert(n *node, path []byte, value []byte) *node {
	if n == nil {
		return &node{leaf: &leafNode{keyNibbles: append([]byte(nil), path...), value: value}}
	}
	switch {
	case n.leaf != nil:
		return insertIntoLeaf(n, path, value)
	case n.extension != nil:
		return insertIntoExtension(n, path, value)
	case n.branch != nil:
		return insertIntoBranch(n, path, value)
	}
	return n
}

func insertIntoBranch(n *node, path []byte, value []byte) *node {
	if len(path) == 0 {
		n.branch.value = value
		n.hashValid = false
		return n
	}
	idx := path[0]
	n.branch.children[idx] = insert(n.branch.children[idx], path[1:], value)
	n.hashValid = false
	return n
}

func insertIntoExtension(n *node, path []byte, value []byte) *node {
	shared := n.extension.sharedNibbles
	common := commonPrefixLen(shared, path)
	if common == len(shared) {
		n.extension.child = insert(n.extension.child, path[common:], value)
		n.hashValid = false
		return n
	}
	return splitExtension(n, path, value, common)
}

func splitExtension(n *node, path []byte, value []byte, common int) *node {
	shared := n.extension.sharedNibbles
	branch := &branchNode{}
	if common < len(shared) {
		remaining := shared[common+1:]
		childIdx := shared[common]
		var childNode *node
		if len(remaining) == 0 {
			childNode = n.extension.child
		} else {
			childNode = &node{extension: &extensionNode{sharedNibbles: remaining, child: n.extension.child}}
		}
		branch.children[childIdx] = childNode
	}
	newRoot := &node{branch: branch}
	rest := path[common:]
	if len(rest) == 0 {
		branch.value = value
	} else {
		newRoot = insert(newRoot, rest, value)
	}
	if common == 0 {
		return newRoot
	}
	return &node{extension: &extensionNode{sharedNibbles: shared[:common], child: newRoot}}
}

func insertIntoLeaf(n *node, path []byte, value []byte) *node {
	existing := n.leaf.keyNibbles
	common := commonPrefixLen(existing, path)
	if common == len(existing) && common == len(path) {
		n.leaf.value = value
		n.hashValid = false
		return n
	}
	branch := &branchNode{}
	if common < len(existing) {
		branch.children[existing[common]] = &node{leaf: &leafNode{keyNibbles: existing[common+1:], value: n.leaf.value}}
	} else {
		branch.value = n.leaf.value
	}
	rest := path[common:]
	root := &node{branch: branch}
	if len(rest) == 0 {
		branch.value = value
	} else {
		root = insert(root, rest, value)
	}
	if common == 0 {
		return root
	}
	return &node{extension: &extensionNode{sharedNibbles: path[:common], child: root}}
}

func remove(n *node, path []byte) *node {
	if n == nil {
		return nil
	}
	switch {
	case n.leaf != nil:
		if bytes.Equal(n.leaf.keyNibbles, path) {
			return nil
		}
		return n
	case n.extension != nil:
		shared := n.extension.sharedNibbles
		if len(path) < len(shared) || !bytes.Equal(shared, path[:len(shared)]) {
			return n
		}
		child := remove(n.extension.child, path[len(shared):])
		return mergeExtension(shared, child)
	case n.branch != nil:
		if len(path) == 0 {
			n.branch.value = nil
		} else {
			idx := path[0]
			n.branch.children[idx] = remove(n.branch.children[idx], path[1:])
		}
		n.hashValid = false
		return collapseBranch(n)
	}
	return n
}

// mergeExtension re-normalizes an extension node once its child has
// changed shape: an extension whose child vanished collapses to
// nothing, one whose child collapsed into a leaf/extension absorbs
// that child's nibbles into its own (extension-over-extension and
// extension-over-leaf are never canonical shapes), and one whose
// child is still a branch is left as an ordinary extension->branch.
func mergeExtension(shared []byte, child *node) *node {
	if child == nil {
		return nil
	}
	switch {
	case child.leaf != nil:
		return &node{leaf: &leafNode{
			keyNibbles: concatNibbles(shared, child.leaf.keyNibbles),
			value:      child.leaf.value,
		}}
	case child.extension != nil:
		return &node{extension: &extensionNode{
			sharedNibbles: concatNibbles(shared, child.extension.sharedNibbles),
			child:         child.extension.child,
		}}
	default:
		return &node{extension: &extensionNode{sharedNibbles: shared, child: child}}
	}
}

// collapseBranch re-normalizes n (a branch node) after a child or its
// own value was removed, mirroring in reverse what splitExtension/
// insertIntoLeaf build on insert: a branch with zero remaining
// occupants (no children, no value) vanishes; one left with a single
// occupant is not a valid branch at all and is rewritten as the
// leaf/extension that occupant implies, with the branch's own index
// nibble folded into the surviving child's path; a branch with two or
// more occupants remains a branch.
func collapseBranch(n *node) *node {
	b := n.branch
	onlyIdx := -1
	occupants := 0
	for i, c := range b.children {
		if c != nil {
			occupants++
			onlyIdx = i
		}
	}
	if b.value != nil {
		occupants++
	}
	switch {
	case occupants == 0:
		return nil
	case occupants == 1 && b.value != nil:
		return &node{leaf: &leafNode{keyNibbles: []byte{}, value: b.value}}
	case occupants == 1:
		return mergeNibble(byte(onlyIdx), b.children[onlyIdx])
	default:
		return n
	}
}

// mergeNibble folds idx (the branch slot the surviving child occupied)
// back onto the front of that child's path, producing the leaf or
// extension a branch with only this one occupant is equivalent to.
func mergeNibble(idx byte, child *node) *node {
	switch {
	case child.leaf != nil:
		return &node{leaf: &leafNode{
			keyNibbles: concatNibbles([]byte{idx}, child.leaf.keyNibbles),
			value:      child.leaf.value,
		}}
	case child.extension != nil:
		return &node{extension: &extensionNode{
			sharedNibbles: concatNibbles([]byte{idx}, child.extension.sharedNibbles),
			child:         child.extension.child,
		}}
	default:
		return &node{extension: &extensionNode{sharedNibbles: []byte{idx}, child: child}}
	}
}

func concatNibbles(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// Root recomputes and returns the trie's root hash. Unchanged
// subtries are memoized (hashValid) and reused; branches whose
// children are independent of one another are hashed concurrently
// through a bounded worker pool (spec §4.3 Incremental root).
func (t *Trie) Root() cryptoutil.Hash {
	if t.root == nil {
		t.dirty = make(map[cryptoutil.Hash]struct{})
		return cryptoutil.EmptyRootHash
	}
	hashNode(t.root, workerCount(t.Workers))
	t.dirty = make(map[cryptoutil.Hash]struct{})
	return *t.root.hashCache
}

func workerCount(n int) int {
	if n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// hashNode computes and memoizes a node's hash, recursing into
// children that are still dirty. At each branch node, dirty siblings
// are independent of one another once the shared parent state has
// been read, so they are fanned out across a worker pool bounded by
// width; unaffected subtries keep hashValid set and are skipped entirely.
func hashNode(n *node, width int) {
	if n == nil || n.hashValid {
		return
	}
	switch {
	case n.leaf != nil:
		h := cryptoutil.Keccak256(encodeLeaf(n.leaf))
		n.hashCache = &h
	case n.extension != nil:
		hashNode(n.extension.child, width)
		h := cryptoutil.Keccak256(encodeExtension(n.extension))
		n.hashCache = &h
	case n.branch != nil:
		p := pool.New().WithMaxGoroutines(width)
		for i := 0; i < 16; i++ {
			child := n.branch.children[i]
			if child == nil || child.hashValid {
				continue
			}
			c := child
			p.Go(func() { hashNode(c, width) })
		}
		p.Wait()
		h := cryptoutil.Keccak256(encodeBranch(n.branch))
		n.hashCache = &h
	}
	n.hashValid = true
}

// encodeLeaf: 0x01, 1-byte nibble count (nibbles are always <= 64),
// the nibbles themselves, then the value filling the rest of the slice.
func encodeLeaf(l *leafNode) []byte {
	buf := append([]byte{0x01, byte(len(l.keyNibbles))}, l.keyNibbles...)
	return append(buf, l.value...)
}

// encodeExtension: 0x02, 1-byte shared-nibble count, the nibbles, then
// a 1-byte child-ref length followed by the ref itself.
func encodeExtension(e *extensionNode) []byte {
	buf := append([]byte{0x02, byte(len(e.sharedNibbles))}, e.sharedNibbles...)
	ref := childRef(e.child)
	buf = append(buf, byte(len(ref)))
	return append(buf, ref...)
}

func encodeBranch(b *branchNode) []byte {
	buf := []byte{0x03}
	for _, c := range b.children {
		ref := childRef(c)
		buf = append(buf, byte(len(ref)))
		buf = append(buf, ref...)
	}
	if b.value != nil {
		buf = append(buf, b.value...)
	}
	return buf
}

// childRef returns the child's raw encoding inline when it is at most
// 32 bytes, or its keccak256 hash otherwise (spec §4.3: "nodes up to
// 32 bytes inline by value inside parents; larger nodes are referenced
// by hash"). The length-prefixing callers above make the two cases
// unambiguous to a decoder.
func childRef(n *node) []byte {
	if n == nil {
		return nil
	}
	hashNode(n, 1)
	enc := rawEncoding(n)
	if len(enc) <= cryptoutil.HashLength {
		return enc
	}
	return n.hashCache[:]
}

// rawEncoding returns a node's own encoding without recursing into
// childRef again, so callers can measure it against the 32-byte
// inlining threshold.
func rawEncoding(n *node) []byte {
	switch {
	case n.leaf != nil:
		return encodeLeaf(n.leaf)
	case n.extension != nil:
		return encodeExtension(n.extension)
	case n.branch != nil:
		return encodeBranch(n.branch)
	}
	return nil
}
