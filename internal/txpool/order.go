package txpool

import (
	"container/heap"
	"time"

	"github.com/holiman/uint256"
)

// priority is the ordering tuple of spec §4.5 "Ordering":
// (effective_priority_fee_per_gas, origin_bonus, -age). Comparisons
// read top-down, each field only breaking ties left by the one
// before it.
type priority struct {
	fee     *uint256.Int
	bonus   int64
	addedAt time.Time
}

// less reports whether p sorts strictly below other, i.e. other is
// the higher-priority transaction. The third tuple field is `-age`;
// since age = now - addedAt, a smaller age (a more recently admitted
// transaction) makes -age larger, so among fee/origin ties the
// transaction admitted most recently wins. Once a later nonce from the
// same sender can only ever be considered after this one anyway, the
// practical effect of this tie-break is limited to distinct senders
// that happen to submit at an identical fee and origin class.
func (p priority) less(other priority) bool {
	if c := p.fee.Cmp(other.fee); c != 0 {
		return c < 0
	}
	if p.bonus != other.bonus {
		return p.bonus < other.bonus
	}
	return p.addedAt.Before(other.addedAt)
}

// candidate is one sender's current head-of-ready-queue entry sitting
// in the best-iterator heap.
type candidate struct {
	pt   *pendingTx
	prio priority
}

type candidateHeap []*candidate

func (h candidateHeap) Len() int { return len(h) }

// Less makes this a max-heap over priority: heap.Pop always returns
// the highest-priority candidate, the same inversion erigon's
// `ResultsQueue` uses over its own ascending comparator.
func (h candidateHeap) Less(i, j int) bool { return h[j].prio.less(h[i].prio) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(*candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// BestIterator builds the total-order iterator of spec §4.5
// "Ordering": decreasing priority, stopping once gasLimit would be
// exceeded. Only each sender's lowest ready nonce ever competes (nonce
// order per sender is preserved by construction: a later nonce can
// never be chosen ahead of an earlier one), and spec §4.5 states the
// resulting block admits no sender twice, so once a sender's head is
// chosen its remaining ready transactions sit out this round rather
// than being re-queued into the same heap pass. It takes a consistent
// snapshot under mu and does all further work lock-free, so a
// long-running payload-builder loop never blocks AddTx.
func (p *Pool) BestIterator(gasLimit uint64) []*pendingTx {
	p.mu.Lock()
	baseFee := p.baseFee()
	heads := make(candidateHeap, 0, len(p.bySender))
	for _, sq := range p.bySender {
		if pt, ok := sq.readyHead(); ok {
			heads = append(heads, &candidate{pt: pt, prio: pt.priority(baseFee)})
		}
	}
	p.mu.Unlock()

	heap.Init(&heads)

	var (
		out     []*pendingTx
		usedGas uint64
	)
	for heads.Len() > 0 {
		top := heap.Pop(&heads).(*candidate)
		pt := top.pt
		if usedGas+pt.tx.GasLimit > gasLimit {
			continue
		}
		out = append(out, pt)
		usedGas += pt.tx.GasLimit
	}
	return out
}
