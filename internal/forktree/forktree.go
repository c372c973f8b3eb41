// Package forktree implements the fork tree of spec §4.7/§9: a DAG of
// every known, non-finalized block rooted at the last finalized
// block. It is an owned arena (§9 "Cyclic references"): nodes live in
// a map indexed by block hash, parent/child links are hash values, not
// borrowed pointers, so the structure needs no unsafe aliasing and its
// removal/pruning is a plain map bulk-delete.
//
// The engine-API driver (internal/engineapi) is the tree's only
// mutator, matching spec §5 "Shared-resource policy": "the fork tree
// is owned by the engine driver task and mutated only from there".
package forktree

import (
	"errors"
	"fmt"
	"sync"

	"github.com/eryx-labs/execution/internal/chain"
	"github.com/eryx-labs/execution/internal/cryptoutil"
)

var (
	ErrUnknownParent   = errors.New("forktree: parent not found")
	ErrUnknownBlock    = errors.New("forktree: block not found")
	ErrAlreadyFinal    = errors.New("forktree: block already finalized or pruned")
	ErrNoCommonAncestor = errors.New("forktree: no common ancestor within tree")
)

// Outcome is the execution result a node carries alongside its block,
// the same artifacts internal/execengine.Processor.Process returns
// (spec §4.7 "Each node stores a block plus its execution outcome").
type Outcome struct {
	Receipts  int // count only; full receipts live in the provider once canonical
	GasUsed   uint64
	StateRoot cryptoutil.Hash
}

// Node is one block attached to the tree. Optimistic marks a head
// accepted before its ancestors were fully validated (spec §4.7
// "Optimistic operation"). PruneFinalized does not consult this flag,
// so an optimistic node can still become the finalized root.
type Node struct {
	Hash       cryptoutil.Hash
	Number     uint64
	ParentHash cryptoutil.Hash
	Block      *chain.Block
	Outcome    Outcome
	Optimistic bool
}

// Tree is the arena: every node reachable from the last finalized
// root, plus the three Engine-API-maintained pointers (head, safe,
// finalized) spec §4.7 forkchoiceUpdated carries.
type Tree struct {
	mu    sync.RWMutex
	nodes map[cryptoutil.Hash]*Node

	finalized cryptoutil.Hash
	safe      cryptoutil.Hash
	head      cryptoutil.Hash
}

// NewFromFinalized seeds the tree with the last finalized block as its
// root; head/safe/finalized all start there until a forkchoice update
// moves them.
func NewFromFinalized(root *Node) *Tree {
	t := &Tree{nodes: make(map[cryptoutil.Hash]*Node)}
	t.nodes[root.Hash] = root
	t.finalized = root.Hash
	t.safe = root.Hash
	t.head = root.Hash
	return t
}

// Insert attaches block below its parent node, creating the new node
// (spec §4.7 "Inserting a block attaches it below its parent node,
// creating the node if the parent is on a known branch"). The parent
// must already be a tree member; a block whose parent this node has
// never seen is the caller's cue to request missing ancestors instead
// (spec §4.7 "Optimistic operation").
func (t *Tree) Insert(n *Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodes[n.ParentHash]; !ok {
		return fmt.Errorf("%w: %x", ErrUnknownParent, n.ParentHash)
	}
	t.nodes[n.Hash] = n
	return nil
}

// Get returns the node for hash, if present.
func (t *Tree) Get(hash cryptoutil.Hash) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[hash]
	return n, ok
}

// Head/Safe/Finalized report the three pointers a forkchoiceUpdated
// call last installed.
func (t *Tree) Head() cryptoutil.Hash      { t.mu.RLock(); defer t.mu.RUnlock(); return t.head }
func (t *Tree) Safe() cryptoutil.Hash      { t.mu.RLock(); defer t.mu.RUnlock(); return t.safe }
func (t *Tree) Finalized() cryptoutil.Hash { t.mu.RLock(); defer t.mu.RUnlock(); return t.finalized }

// SetForkchoice installs the three pointers a forkchoiceUpdated call
// names; it does not itself validate that head/safe/finalized are
// tree members — the caller (internal/engineapi) does that as part of
// computing the canonical switch.
func (t *Tree) SetForkchoice(head, safe, finalized cryptoutil.Hash) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.head, t.safe, t.finalized = head, safe, finalized
}

// CanonicalPath returns every node from the last finalized block to
// head, inclusive, oldest first — the unique path spec §4.7/§9/
// invariant 7 guarantees exists.
func (t *Tree) CanonicalPath() ([]*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pathToLocked(t.head, t.finalized)
}

// pathToLocked walks parent links from descendant back to ancestor,
// inclusive of both ends, and returns them oldest-first. Callers hold mu.
func (t *Tree) pathToLocked(descendant, ancestor cryptoutil.Hash) ([]*Node, error) {
	var rev []*Node
	cur := descendant
	for {
		n, ok := t.nodes[cur]
		if !ok {
			return nil, fmt.Errorf("%w: %x", ErrUnknownBlock, cur)
		}
		rev = append(rev, n)
		if cur == ancestor {
			break
		}
		if n.Hash == t.finalized && cur != ancestor {
			return nil, ErrNoCommonAncestor
		}
		cur = n.ParentHash
	}
	out := make([]*Node, len(rev))
	for i, n := range rev {
		out[len(rev)-1-i] = n
	}
	return out, nil
}

// PathBetween returns every node from ancestor to descendant,
// inclusive, oldest first - the replay order the engine-API driver
// walks when committing a newly canonical branch (spec §4.7 "Canonical
// switch" step 3). ancestor must be a true ancestor of descendant
// reachable without crossing below the tree's finalized pointer.
func (t *Tree) PathBetween(descendant, ancestor cryptoutil.Hash) ([]*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pathToLocked(descendant, ancestor)
}

// CommonAncestor finds the nearest node reachable from both a and b by
// walking parent pointers, the first step of spec §4.7's "Canonical
// switch" procedure.
func (t *Tree) CommonAncestor(a, b cryptoutil.Hash) (cryptoutil.Hash, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[cryptoutil.Hash]struct{})
	for cur := a; ; {
		seen[cur] = struct{}{}
		n, ok := t.nodes[cur]
		if !ok || cur == t.finalized {
			break
		}
		cur = n.ParentHash
	}
	for cur := b; ; {
		if _, ok := seen[cur]; ok {
			return cur, nil
		}
		n, ok := t.nodes[cur]
		if !ok || cur == t.finalized {
			break
		}
		cur = n.ParentHash
	}
	if _, ok := seen[t.finalized]; ok {
		return t.finalized, nil
	}
	return cryptoutil.Hash{}, ErrNoCommonAncestor
}

// MarkValidated clears a node's optimistic flag once its ancestors
// have fully closed (spec §9 "Optimistic sync": "finalization is
// allowed only after full validation closes the gap").
func (t *Tree) MarkValidated(hash cryptoutil.Hash) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[hash]
	if !ok {
		return fmt.Errorf("%w: %x", ErrUnknownBlock, hash)
	}
	n.Optimistic = false
	return nil
}

// PruneFinalized collects every descendant of newRoot (the new
// finalized block) and deletes everything else — the "bulk delete by
// collecting descendants of the new finalized root" spec §9 describes
// for removing a finalized subtree. newRoot itself becomes the new
// finalized pointer.
func (t *Tree) PruneFinalized(newRoot cryptoutil.Hash) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodes[newRoot]; !ok {
		return fmt.Errorf("%w: %x", ErrUnknownBlock, newRoot)
	}

	children := make(map[cryptoutil.Hash][]cryptoutil.Hash, len(t.nodes))
	for h, n := range t.nodes {
		children[n.ParentHash] = append(children[n.ParentHash], h)
	}

	keep := make(map[cryptoutil.Hash]struct{})
	queue := []cryptoutil.Hash{newRoot}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if _, ok := keep[h]; ok {
			continue
		}
		keep[h] = struct{}{}
		queue = append(queue, children[h]...)
	}

	for h := range t.nodes {
		if _, ok := keep[h]; !ok {
			delete(t.nodes, h)
		}
	}
	t.finalized = newRoot
	return nil
}

// Len reports how many nodes the tree currently tracks, for metrics
// and tests.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}
