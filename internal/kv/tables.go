// Package kv defines the typed-table storage interfaces the rest of
// the execution client reads and writes through: read-only and
// read-write transactions, per-table cursors, and the table
// catalogue. Naming follows the conventions observed in erigon's own
// table catalogue (kv.Headers, kv.HeaderCanonical, kv.EthTx, ...).
package kv

import "fmt"

// Mode distinguishes a table that stores one value per key from one
// that stores an ordered, deduplicated set of sub-keyed values per key.
type Mode uint8

const (
	Unique Mode = iota
	DupSort
)

// Table is a compile-time-checked table descriptor: a name, a mode,
// and (for DupSort tables) the byte length of the sub-key prefix
// within the value, so cursors can split stored values into
// (subkey, value) pairs without a second lookup.
type Table struct {
	Name       string
	Mode       Mode
	DupKeyLen  int // only meaningful when Mode == DupSort
}

// Catalogue of tables. Keys/values are documented inline; the binary
// layout of each value is produced by the internal/codec package.
var (
	// DatabaseInfo stores schema-version and layout metadata.
	DatabaseInfo = Table{Name: "DbInfo", Mode: Unique}

	// HeaderCanonical: block_num_u64 -> header hash.
	HeaderCanonical = Table{Name: "CanonicalHeader", Mode: Unique}
	// HeaderNumber: header hash -> block_num_u64.
	HeaderNumber = Table{Name: "HeaderNumber", Mode: Unique}
	// Headers: block_num_u64 ++ hash -> encoded header.
	Headers = Table{Name: "Header", Mode: Unique}
	// BlockBody: block_num_u64 ++ hash -> encoded body (tx list, withdrawals, ommers).
	BlockBody = Table{Name: "BlockBody", Mode: Unique}

	// EthTx: tx_num_u64 -> encoded transaction. Transaction numbers
	// (TN, §3) are globally monotonic and never reused.
	EthTx = Table{Name: "BlockTransaction", Mode: Unique}
	// MaxTxNum: block_num_u64 -> highest TN assigned within the block.
	MaxTxNum = Table{Name: "MaxTxNum", Mode: Unique}
	// TxLookup: tx hash -> TN, built by the transaction-lookup stage.
	TxLookup = Table{Name: "BlockTransactionLookup", Mode: Unique}
	// Senders: block_num_u64 ++ hash -> concatenated 20-byte sender addresses.
	Senders = Table{Name: "TxSender", Mode: Unique}

	// Receipts: tx_num_u64 -> encoded receipt.
	Receipts = Table{Name: "Receipt", Mode: Unique}

	// PlainAccounts: address -> encoded account (current state).
	PlainAccounts = Table{Name: "PlainState", Mode: Unique}
	// PlainStorage: address ++ storage_key -> 32-byte value (current state, DupSort by address).
	PlainStorage = Table{Name: "PlainStateStorage", Mode: DupSort, DupKeyLen: 20}
	// Code: code hash -> contract bytecode.
	Code = Table{Name: "Code", Mode: Unique}

	// HashedAccounts / HashedStorage: the hashed-state mirror the trie operates on.
	HashedAccounts = Table{Name: "HashedAccount", Mode: Unique}
	HashedStorage  = Table{Name: "HashedStorage", Mode: DupSort, DupKeyLen: 32}

	// TrieNodes: node hash -> encoded trie node (branch/extension/leaf), for nodes too large to inline.
	TrieNodes = Table{Name: "TrieNodes", Mode: Unique}

	// AccountChangeSet / StorageChangeSet: block_num_u64 -> ordered
	// pre-images, consumed both by HistoricalState and by unwind.
	AccountChangeSet = Table{Name: "AccountChangeSet", Mode: DupSort, DupKeyLen: 8}
	StorageChangeSet = Table{Name: "StorageChangeSet", Mode: DupSort, DupKeyLen: 8}

	// AccountHistory / StorageHistory: (address|slot) -> sorted block-number index, for historical reads.
	AccountHistory = Table{Name: "AccountHistoryKeys", Mode: Unique}
	StorageHistory = Table{Name: "StorageHistoryKeys", Mode: Unique}

	// SyncStageProgress: stage name -> checkpoint.
	SyncStageProgress = Table{Name: "SyncStage", Mode: Unique}
	// PruneProgress: segment name -> highest pruned block.
	PruneProgress = Table{Name: "PruneProgress", Mode: Unique}

	// Config: arbitrary node configuration k/v (chain config, genesis hash, ...).
	Config = Table{Name: "Config", Mode: Unique}

	// LastForkchoice: the latest Engine-API forkchoice triple (head/safe/finalized).
	LastForkchoice = Table{Name: "LastForkchoice", Mode: Unique}

	// Sequence: table name -> next auto-increment sequence value (used for TN allocation).
	Sequence = Table{Name: "Sequence", Mode: Unique}
)

// AllTables lists every table for schema initialization / iteration.
var AllTables = []Table{
	DatabaseInfo, HeaderCanonical, HeaderNumber, Headers, BlockBody,
	EthTx, MaxTxNum, TxLookup, Senders, Receipts,
	PlainAccounts, PlainStorage, Code,
	HashedAccounts, HashedStorage, TrieNodes,
	AccountChangeSet, StorageChangeSet, AccountHistory, StorageHistory,
	SyncStageProgress, PruneProgress, Config, LastForkchoice, Sequence,
}

func (t Table) String() string { return t.Name }

// PrunedDataError is returned by any read that would require data a
// prune checkpoint has already removed (spec §4.2 Pruning).
type PrunedDataError struct {
	Segment      string
	RequestedAt  uint64
	PrunedUpTo   uint64
}

func (e *PrunedDataError) Error() string {
	return fmt.Sprintf("kv: %s pruned up to block %d, requested block %d is no longer available",
		e.Segment, e.PrunedUpTo, e.RequestedAt)
}
