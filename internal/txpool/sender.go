package txpool

// senderQueue is the per-sender nonce-keyed structure of spec §4.5
// "Per-sender structure": every tracked transaction for one sender,
// keyed by nonce, split into a contiguous "ready" run starting at the
// account's on-chain nonce and a "queued" tail waiting on a gap to
// close.
type senderQueue struct {
	txs   map[uint64]*pendingTx
	ready map[uint64]struct{}
}

func newSenderQueue() *senderQueue {
	return &senderQueue{
		txs:   make(map[uint64]*pendingTx),
		ready: make(map[uint64]struct{}),
	}
}

// refreshReady recomputes the ready set from scratch given the
// account's current on-chain nonce: every contiguous nonce starting at
// accountNonce that this sender has a transaction for is ready, the
// first gap (or the end of the map) ends the run.
func (sq *senderQueue) refreshReady(accountNonce uint64) {
	sq.ready = make(map[uint64]struct{})
	for n := accountNonce; ; n++ {
		if _, ok := sq.txs[n]; !ok {
			return
		}
		sq.ready[n] = struct{}{}
	}
}

// readyHead returns the lowest-nonce ready transaction still present,
// the one entry BestIterator's heap takes for this sender.
func (sq *senderQueue) readyHead() (*pendingTx, bool) {
	var head uint64
	found := false
	for n := range sq.ready {
		if !found || n < head {
			head, found = n, true
		}
	}
	if !found {
		return nil, false
	}
	return sq.txs[head], true
}

// advance removes nonce from the ready run. BestIterator does not call
// it: each sender contributes only its ready head to one pass.
func (sq *senderQueue) advance(nonce uint64) {
	delete(sq.ready, nonce)
}

// queuedTxs returns a point-in-time copy of every transaction not in
// the ready set, keyed by nonce.
func (sq *senderQueue) queuedTxs() map[uint64]*pendingTx {
	out := make(map[uint64]*pendingTx)
	for n, pt := range sq.txs {
		if _, ok := sq.ready[n]; !ok {
			out[n] = pt
		}
	}
	return out
}
