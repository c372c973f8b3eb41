// Package state models the Ethereum account and implements the
// working-state abstraction (spec §4.3) that sits between block
// execution and the hashed-state mirror the trie operates on.
package state

import (
	"github.com/holiman/uint256"

	"github.com/eryx-labs/execution/internal/cryptoutil"
)

// Account is the account record stored under PlainAccounts /
// HashedAccounts (encoded via internal/codec at the storage boundary).
type Account struct {
	Nonce       uint64
	Balance     uint256.Int
	CodeHash    cryptoutil.Hash // cryptoutil.EmptyCodeHash for EOAs
	StorageRoot cryptoutil.Hash // cryptoutil.EmptyRootHash when the account has no storage
}

// IsEmpty reports the EIP-161 "empty account" condition: touched but
// never given any nonce, balance, or code, eligible for state-clearing
// removal after a transaction.
func (a *Account) IsEmpty() bool {
	return a.Nonce == 0 && a.Balance.IsZero() && a.CodeHash == cryptoutil.EmptyCodeHash
}

func NewAccount() *Account {
	return &Account{CodeHash: cryptoutil.EmptyCodeHash, StorageRoot: cryptoutil.EmptyRootHash}
}
