package state

import (
	"sync"

	"github.com/holiman/uint256"

	"github.com/eryx-labs/execution/internal/cryptoutil"
)

// Reader is the minimal read surface IntraBlockState needs from a
// state provider: point lookups against the pre-block snapshot.
type Reader interface {
	Account(addr cryptoutil.Address) (*Account, error)
	Storage(addr cryptoutil.Address, key cryptoutil.Hash) (cryptoutil.Hash, error)
	Code(codeHash cryptoutil.Hash) ([]byte, error)
}

type storageKey struct {
	addr cryptoutil.Address
	slot cryptoutil.Hash
}

// IntraBlockState is the working-state overlay execution runs
// against: an in-memory journal of account and storage writes on top
// of a read-only snapshot of the parent block's post-state (spec §4.4
// "prime the working state with the parent's post-state"). Nothing is
// written back to the provider until Flush, so a transaction's revert
// only needs to discard this overlay, never the underlying snapshot.
type IntraBlockState struct {
	reader Reader

	mu          sync.Mutex
	accounts    map[cryptoutil.Address]*Account
	storage     map[storageKey]cryptoutil.Hash
	code        map[cryptoutil.Hash][]byte
	destructed  map[cryptoutil.Address]struct{}
	dirtyAccts  map[cryptoutil.Address]struct{}
	dirtySlots  map[cryptoutil.Address]map[cryptoutil.Hash]struct{}
	logs        []logEntry
	refund      uint64
}

type logEntry struct {
	Address cryptoutil.Address
	Topics  []cryptoutil.Hash
	Data    []byte
}

func New(reader Reader) *IntraBlockState {
	return &IntraBlockState{
		reader:     reader,
		accounts:   make(map[cryptoutil.Address]*Account),
		storage:    make(map[storageKey]cryptoutil.Hash),
		code:       make(map[cryptoutil.Hash][]byte),
		destructed: make(map[cryptoutil.Address]struct{}),
		dirtyAccts: make(map[cryptoutil.Address]struct{}),
		dirtySlots: make(map[cryptoutil.Address]map[cryptoutil.Hash]struct{}),
	}
}

// Basic implements the host's basic(A) lookup (spec §4.4): returns nil
// if the account does not exist.
func (s *IntraBlockState) Basic(addr cryptoutil.Address) (*Account, error) {
	s.mu.Lock()
	if _, gone := s.destructed[addr]; gone {
		s.mu.Unlock()
		return nil, nil
	}
	if a, ok := s.accounts[addr]; ok {
		s.mu.Unlock()
		return a, nil
	}
	s.mu.Unlock()

	a, err := s.reader.Account(addr)
	if err != nil || a == nil {
		return a, err
	}
	s.mu.Lock()
	s.accounts[addr] = a
	s.mu.Unlock()
	return a, nil
}

// CodeByHash implements the host's code_by_hash lookup.
func (s *IntraBlockState) CodeByHash(codeHash cryptoutil.Hash) ([]byte, error) {
	s.mu.Lock()
	if c, ok := s.code[codeHash]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()
	c, err := s.reader.Code(codeHash)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.code[codeHash] = c
	s.mu.Unlock()
	return c, nil
}

// Storage implements the host's storage(A, K) lookup.
func (s *IntraBlockState) Storage(addr cryptoutil.Address, key cryptoutil.Hash) (cryptoutil.Hash, error) {
	k := storageKey{addr, key}
	s.mu.Lock()
	if v, ok := s.storage[k]; ok {
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()
	v, err := s.reader.Storage(addr, key)
	if err != nil {
		return cryptoutil.Hash{}, err
	}
	s.mu.Lock()
	s.storage[k] = v
	s.mu.Unlock()
	return v, nil
}

// SetBalance, SetNonce, SetCode, and SetState are the host's state-write
// observers (spec §4.4); each marks the touched key dirty so the trie
// subsystem can recompute only the changed paths.
func (s *IntraBlockState) SetBalance(addr cryptoutil.Address, balance *uint256.Int) {
	a := s.mutable(addr)
	a.Balance = *balance
	s.markAccountDirty(addr)
}

func (s *IntraBlockState) SetNonce(addr cryptoutil.Address, nonce uint64) {
	a := s.mutable(addr)
	a.Nonce = nonce
	s.markAccountDirty(addr)
}

func (s *IntraBlockState) SetCode(addr cryptoutil.Address, code []byte) {
	h := cryptoutil.Keccak256(code)
	s.mu.Lock()
	s.code[h] = code
	s.mu.Unlock()
	a := s.mutable(addr)
	a.CodeHash = h
	s.markAccountDirty(addr)
}

func (s *IntraBlockState) SetState(addr cryptoutil.Address, key cryptoutil.Hash, value cryptoutil.Hash) {
	s.mu.Lock()
	s.storage[storageKey{addr, key}] = value
	if s.dirtySlots[addr] == nil {
		s.dirtySlots[addr] = make(map[cryptoutil.Hash]struct{})
	}
	s.dirtySlots[addr][key] = struct{}{}
	s.mu.Unlock()
}

// SelfDestruct marks addr for removal at block commit, per the active
// fork's SELFDESTRUCT rules (spec §4.4 host observers).
func (s *IntraBlockState) SelfDestruct(addr cryptoutil.Address) {
	s.mu.Lock()
	s.destructed[addr] = struct{}{}
	s.mu.Unlock()
	s.markAccountDirty(addr)
}

// AddLog appends an emitted log; ReceiptsBloom/OrBloom in internal/txtypes
// consume these at receipt construction time.
func (s *IntraBlockState) AddLog(addr cryptoutil.Address, topics []cryptoutil.Hash, data []byte) {
	s.mu.Lock()
	s.logs = append(s.logs, logEntry{Address: addr, Topics: topics, Data: data})
	s.mu.Unlock()
}

// Logs drains and returns the logs emitted since the last call,
// letting the execution engine attach them to the current transaction's
// receipt without carrying logs from earlier transactions forward.
func (s *IntraBlockState) Logs() []logEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.logs
	s.logs = nil
	return out
}

// AddRefund and SubRefund track the EVM's gas-refund counter across a
// transaction (spec §4.4 step 6: "refund unused gas capped at a
// fork-specific fraction of gas used").
func (s *IntraBlockState) AddRefund(gas uint64) { s.mu.Lock(); s.refund += gas; s.mu.Unlock() }
func (s *IntraBlockState) SubRefund(gas uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gas > s.refund {
		s.refund = 0
		return
	}
	s.refund -= gas
}
func (s *IntraBlockState) Refund() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refund
}

// ResetRefund clears the refund counter; called between transactions
// since refunds never carry over (spec §4.4 per-transaction procedure).
func (s *IntraBlockState) ResetRefund() { s.mu.Lock(); s.refund = 0; s.mu.Unlock() }

func (s *IntraBlockState) mutable(addr cryptoutil.Address) *Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[addr]; ok {
		delete(s.destructed, addr)
		return a
	}
	a := NewAccount()
	s.accounts[addr] = a
	delete(s.destructed, addr)
	return a
}

func (s *IntraBlockState) markAccountDirty(addr cryptoutil.Address) {
	s.mu.Lock()
	s.dirtyAccts[addr] = struct{}{}
	s.mu.Unlock()
}

// DirtyAccounts and DirtySlots report the keys touched since
// construction, consumed by the trie subsystem for incremental root
// recomputation (spec §4.3 Incremental root) and by the provider's
// BlockWriter to know which tables need a change-set entry.
func (s *IntraBlockState) DirtyAccounts() []cryptoutil.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]cryptoutil.Address, 0, len(s.dirtyAccts))
	for a := range s.dirtyAccts {
		out = append(out, a)
	}
	return out
}

func (s *IntraBlockState) DirtySlots(addr cryptoutil.Address) []cryptoutil.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	slots := s.dirtySlots[addr]
	out := make([]cryptoutil.Hash, 0, len(slots))
	for k := range slots {
		out = append(out, k)
	}
	return out
}

// Destructed reports whether addr was self-destructed during this block.
func (s *IntraBlockState) Destructed(addr cryptoutil.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.destructed[addr]
	return ok
}

// Account returns the current overlay value for addr, or nil if it
// does not exist (including if self-destructed).
func (s *IntraBlockState) Account(addr cryptoutil.Address) *Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, gone := s.destructed[addr]; gone {
		return nil
	}
	return s.accounts[addr]
}

// StorageValue returns the current overlay value for (addr, key).
func (s *IntraBlockState) StorageValue(addr cryptoutil.Address, key cryptoutil.Hash) cryptoutil.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storage[storageKey{addr, key}]
}
