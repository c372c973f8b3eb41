// Package execengine executes a block's transactions against a
// working state (§4.4): it owns the per-transaction and per-block
// procedures and the Host contract the embedded EVM interpreter runs
// against. The interpreter itself is an external collaborator this
// package never implements, only calls through the Interpreter
// interface below — the same dispatcher-over-interface shape as a
// build that can swap Go-EVM and a foreign interpreter without the
// caller knowing which is behind it.
package execengine

import (
	"github.com/holiman/uint256"

	"github.com/eryx-labs/execution/internal/cryptoutil"
)

// Host is the synchronous read/write surface the embedded interpreter
// is given for one transaction (§4.4 Host contract).
type Host interface {
	// Basic returns (nonce, balance, code_hash) for an existing
	// account, or ok=false if the account does not exist.
	Basic(addr cryptoutil.Address) (nonce uint64, balance *uint256.Int, codeHash cryptoutil.Hash, ok bool, err error)
	CodeByHash(codeHash cryptoutil.Hash) ([]byte, error)
	Storage(addr cryptoutil.Address, key cryptoutil.Hash) (cryptoutil.Hash, error)
	// BlockHash resolves one of the 256 most recent ancestors; zero
	// hash if n is out of that window.
	BlockHash(n uint64) cryptoutil.Hash

	SetBalance(addr cryptoutil.Address, balance *uint256.Int)
	SetNonce(addr cryptoutil.Address, nonce uint64)
	SetCode(addr cryptoutil.Address, code []byte)
	SetState(addr cryptoutil.Address, key, value cryptoutil.Hash)
	SelfDestruct(addr cryptoutil.Address)
	AddLog(addr cryptoutil.Address, topics []cryptoutil.Hash, data []byte)
	AddRefund(gas uint64)
	SubRefund(gas uint64)
	Refund() uint64
}

// Result is what the interpreter reports back for one message call.
type Result struct {
	Success    bool
	GasLeft    uint64
	ReturnData []byte
	Err        error
}

// Interpreter is the external EVM implementation this package drives;
// it is never implemented here, only called through.
type Interpreter interface {
	Run(host Host, sender cryptoutil.Address, to *cryptoutil.Address, input []byte, gas uint64, value *uint256.Int) Result
}
