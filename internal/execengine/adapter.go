package execengine

import (
	"github.com/holiman/uint256"

	"github.com/eryx-labs/execution/internal/cryptoutil"
	"github.com/eryx-labs/execution/internal/state"
)

// stateHost adapts *state.IntraBlockState to the Host interface the
// interpreter expects, and supplies the recent-ancestor block-hash
// window the working state itself does not track.
type stateHost struct {
	ibs        *state.IntraBlockState
	blockHashes func(n uint64) cryptoutil.Hash
}

func newStateHost(ibs *state.IntraBlockState, blockHashes func(uint64) cryptoutil.Hash) *stateHost {
	return &stateHost{ibs: ibs, blockHashes: blockHashes}
}

func (h *stateHost) Basic(addr cryptoutil.Address) (uint64, *uint256.Int, cryptoutil.Hash, bool, error) {
	a, err := h.ibs.Basic(addr)
	if err != nil {
		return 0, nil, cryptoutil.Hash{}, false, err
	}
	if a == nil {
		return 0, nil, cryptoutil.Hash{}, false, nil
	}
	bal := a.Balance
	return a.Nonce, &bal, a.CodeHash, true, nil
}

func (h *stateHost) CodeByHash(codeHash cryptoutil.Hash) ([]byte, error) {
	return h.ibs.CodeByHash(codeHash)
}

func (h *stateHost) Storage(addr cryptoutil.Address, key cryptoutil.Hash) (cryptoutil.Hash, error) {
	return h.ibs.Storage(addr, key)
}

func (h *stateHost) BlockHash(n uint64) cryptoutil.Hash {
	if h.blockHashes == nil {
		return cryptoutil.Hash{}
	}
	return h.blockHashes(n)
}

func (h *stateHost) SetBalance(addr cryptoutil.Address, balance *uint256.Int) {
	h.ibs.SetBalance(addr, balance)
}
func (h *stateHost) SetNonce(addr cryptoutil.Address, nonce uint64) { h.ibs.SetNonce(addr, nonce) }
func (h *stateHost) SetCode(addr cryptoutil.Address, code []byte)   { h.ibs.SetCode(addr, code) }
func (h *stateHost) SetState(addr cryptoutil.Address, key, value cryptoutil.Hash) {
	h.ibs.SetState(addr, key, value)
}
func (h *stateHost) SelfDestruct(addr cryptoutil.Address) { h.ibs.SelfDestruct(addr) }
func (h *stateHost) AddLog(addr cryptoutil.Address, topics []cryptoutil.Hash, data []byte) {
	h.ibs.AddLog(addr, topics, data)
}
func (h *stateHost) AddRefund(gas uint64) { h.ibs.AddRefund(gas) }
func (h *stateHost) SubRefund(gas uint64) { h.ibs.SubRefund(gas) }
func (h *stateHost) Refund() uint64       { return h.ibs.Refund() }
