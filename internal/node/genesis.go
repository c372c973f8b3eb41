package node

import (
	"github.com/holiman/uint256"

	"github.com/eryx-labs/execution/internal/chain"
	"github.com/eryx-labs/execution/internal/cryptoutil"
)

// Genesis builds the chain's block-zero header/body. Allocation
// (pre-funding accounts at genesis) is a chain-configuration detail
// the CLI's --chain flag would normally point at a genesis JSON file
// (spec §6 "chain-selection flag"); this node only wires an
// unallocated genesis (state root = the empty-trie constant), since
// parsing an external genesis-alloc format is outside the core
// subsystems this spec covers.
// DefaultSchedule activates every fork from block/timestamp zero, so a
// genesis header must already carry every post-Prague optional field
// (withdrawals root, blob-gas accumulators, beacon root, requests
// hash) or ValidateHeaderStandalone rejects it.
func Genesis(gasLimit uint64, timestamp uint64) *chain.Block {
	baseFee := uint256.NewInt(1_000_000_000)
	zeroHash := cryptoutil.Hash{}
	withdrawalsRoot := cryptoutil.EmptyRootHash
	var zeroBlobGas uint64
	return &chain.Block{
		Header: &chain.Header{
			Number:                0,
			ParentHash:            cryptoutil.Hash{},
			Beneficiary:           cryptoutil.Address{},
			StateRoot:             cryptoutil.EmptyRootHash,
			ReceiptsRoot:          cryptoutil.EmptyRootHash,
			TransactionsRoot:      cryptoutil.EmptyRootHash,
			WithdrawalsRoot:       &withdrawalsRoot,
			OmmersHash:            cryptoutil.EmptyUncleHash,
			Timestamp:             timestamp,
			GasLimit:              gasLimit,
			GasUsed:               0,
			BaseFee:               baseFee,
			Difficulty:            0,
			Nonce:                 0,
			BlobGasUsed:           &zeroBlobGas,
			ExcessBlobGas:         &zeroBlobGas,
			ParentBeaconBlockRoot: &zeroHash,
			RequestsHash:          &zeroHash,
		},
		Body: &chain.Body{},
	}
}
