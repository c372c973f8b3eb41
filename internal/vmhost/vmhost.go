// Package vmhost adapts execengine.Interpreter to a swappable
// dispatcher: a caller selects which concrete interpreter backend runs
// against the engine's Host without execengine or any of its callers
// needing to know which one is behind the interface. This is the same
// shape as the retrieved `core/vm/dispatcher_{goevm,revm}.go` pair —
// one dispatcher type holding a small registry of named backends,
// chosen once at construction.
//
// The EVM bytecode interpreter itself is out of scope (§1 "external
// collaborators": "the EVM interpreter itself (treated as a black-box
// transaction executor)"). Dispatcher registers Plain, a backend that
// only understands value transfers to accounts with no code — enough
// to drive every example in §8's end-to-end scenarios — and returns a
// failed Result with a clear error if asked to run against a contract
// account, so
// wiring in a real interpreter (go-ethereum's `core/vm.EVM`, or the
// revm bridge clydemeng-bsc shows) only means registering a second
// backend, never touching execengine or the dispatcher's own plumbing.
package vmhost

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/eryx-labs/execution/internal/cryptoutil"
	"github.com/eryx-labs/execution/internal/execengine"
)

// Dispatcher selects a concrete execengine.Interpreter backend by
// name at construction and forwards every Run call to it.
type Dispatcher struct {
	name    string
	backend execengine.Interpreter
}

// NewDispatcher returns a Dispatcher bound to the named backend.
// Unknown names fall back to Plain, matching the "missing revm build
// tag falls back to goEVM" texture of the retrieved dispatcher files.
func NewDispatcher(name string) *Dispatcher {
	switch name {
	case "plain", "":
		return &Dispatcher{name: "plain", backend: plainInterpreter{}}
	default:
		return &Dispatcher{name: "plain", backend: plainInterpreter{}}
	}
}

func (d *Dispatcher) Name() string { return d.name }

func (d *Dispatcher) Run(host execengine.Host, sender cryptoutil.Address, to *cryptoutil.Address, input []byte, gas uint64, value *uint256.Int) execengine.Result {
	return d.backend.Run(host, sender, to, input, gas, value)
}

// plainInterpreter executes only the value-transfer half of a CALL:
// move value from sender to recipient (creating the recipient account
// on first write, per §3's Account state "Created by first write")
// and refuse anything that looks like a contract interaction. No gas
// beyond the caller-supplied intrinsic amount is consumed, since there
// is no bytecode to run.
type plainInterpreter struct{}

func (plainInterpreter) Run(host execengine.Host, sender cryptoutil.Address, to *cryptoutil.Address, input []byte, gas uint64, value *uint256.Int) execengine.Result {
	if to == nil {
		return execengine.Result{Success: false, GasLeft: gas, Err: fmt.Errorf("vmhost: plain interpreter cannot create contracts")}
	}
	_, _, codeHash, ok := basicOrZero(host, *to)
	if ok && codeHash != cryptoutil.EmptyCodeHash {
		return execengine.Result{Success: false, GasLeft: gas, Err: fmt.Errorf("vmhost: plain interpreter cannot execute contract code at %s", *to)}
	}
	if len(input) != 0 {
		return execengine.Result{Success: false, GasLeft: gas, Err: fmt.Errorf("vmhost: plain interpreter cannot process call data")}
	}

	senderNonce, senderBal, _, senderOK, err := host.Basic(sender)
	if err != nil {
		return execengine.Result{Success: false, GasLeft: gas, Err: err}
	}
	if !senderOK {
		return execengine.Result{Success: false, GasLeft: gas, Err: fmt.Errorf("vmhost: sender %s has no account", sender)}
	}
	if senderBal.Cmp(value) < 0 {
		return execengine.Result{Success: false, GasLeft: gas, Err: fmt.Errorf("vmhost: insufficient balance for value transfer")}
	}

	host.SetBalance(sender, new(uint256.Int).Sub(senderBal, value))
	host.SetNonce(sender, senderNonce)

	recvNonce, recvBal, recvCodeHash, recvOK, err := host.Basic(*to)
	if err != nil {
		return execengine.Result{Success: false, GasLeft: gas, Err: err}
	}
	if !recvOK {
		recvNonce, recvCodeHash = 0, cryptoutil.EmptyCodeHash
		recvBal = new(uint256.Int)
	}
	host.SetBalance(*to, new(uint256.Int).Add(recvBal, value))
	if !recvOK {
		host.SetNonce(*to, recvNonce)
		host.SetCode(*to, nil)
		_ = recvCodeHash
	}

	return execengine.Result{Success: true, GasLeft: gas}
}

func basicOrZero(host execengine.Host, addr cryptoutil.Address) (uint64, *uint256.Int, cryptoutil.Hash, bool) {
	nonce, bal, codeHash, ok, err := host.Basic(addr)
	if err != nil || !ok {
		return 0, new(uint256.Int), cryptoutil.Hash{}, false
	}
	return nonce, bal, codeHash, true
}
