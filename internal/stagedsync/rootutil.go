package stagedsync

import (
	"encoding/binary"

	"github.com/eryx-labs/execution/internal/chain"
	"github.com/eryx-labs/execution/internal/cryptoutil"
	"github.com/eryx-labs/execution/internal/trie"
	"github.com/eryx-labs/execution/internal/txtypes"
)

// IndexTrieRoot builds the degenerate single-level index trie spec §3
// requires for `transactions_root`/`withdrawals_root`/receipts root:
// one entry per position, keyed by its big-endian index padded to the
// trie's 32-byte key width (internal/trie only operates on
// cryptoutil.Hash-shaped keys, so the index is embedded rather than
// hashed, matching the wire tries' raw-key convention without
// reimplementing a second trie variant for it).
func IndexTrieRoot(n int, get func(i int) []byte) cryptoutil.Hash {
	t := trie.New()
	for i := 0; i < n; i++ {
		t.Put(indexKey(i), get(i))
	}
	return t.Root()
}

func indexKey(i int) cryptoutil.Hash {
	var h cryptoutil.Hash
	binary.BigEndian.PutUint64(h[24:], uint64(i))
	return h
}

// ComputeReceiptsRoot, MerkleRootOfTransactions, and
// MerkleRootOfWithdrawals are exported so internal/engineapi can
// recompute the same roots when assembling or validating a consensus-
// layer-supplied payload body, without duplicating the degenerate
// index-trie construction this package already owns.
func ComputeReceiptsRoot(receipts []*txtypes.Receipt) cryptoutil.Hash {
	return IndexTrieRoot(len(receipts), func(i int) []byte { return receipts[i].Encode() })
}

func MerkleRootOfTransactions(txs []*txtypes.Transaction) cryptoutil.Hash {
	return IndexTrieRoot(len(txs), func(i int) []byte { return txs[i].Encode() })
}

func MerkleRootOfWithdrawals(wds []*chain.Withdrawal) cryptoutil.Hash {
	return IndexTrieRoot(len(wds), func(i int) []byte { return chain.EncodeWithdrawal(wds[i]) })
}
