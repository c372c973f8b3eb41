package state

import (
	"github.com/eryx-labs/execution/internal/cryptoutil"
	"github.com/eryx-labs/execution/internal/trie"
)

// HashedMirror maintains the keccak-keyed trie view of live accounts
// and storage slots (spec §4.3 Hashed state): for each live (A) the
// trie operates on keccak(A), and for each live (A, K) on keccak(K)
// under the address's subtrie. It is kept incrementally rather than
// rebuilt per block because only the set of changed keys needs
// revisiting (spec §4.3 Incremental root).
type HashedMirror struct {
	accountTrie *trie.Trie
	storageTries map[cryptoutil.Address]*trie.Trie
}

func NewHashedMirror(workers int) *HashedMirror {
	t := trie.New()
	t.Workers = workers
	return &HashedMirror{accountTrie: t, storageTries: make(map[cryptoutil.Address]*trie.Trie)}
}

func (m *HashedMirror) storageTrie(addr cryptoutil.Address, workers int) *trie.Trie {
	st, ok := m.storageTries[addr]
	if !ok {
		st = trie.New()
		st.Workers = workers
		m.storageTries[addr] = st
	}
	return st
}

// ApplyBlock folds every account and storage slot IntraBlockState
// marked dirty during block execution into the hashed mirror, encodes
// each account with its up-to-date StorageRoot, and returns the new
// state root (spec §4.4 per-block procedure step 6).
func (m *HashedMirror) ApplyBlock(s *IntraBlockState, encodeAccount func(*Account) []byte) cryptoutil.Hash {
	for _, addr := range s.DirtyAccounts() {
		slots := s.DirtySlots(addr)
		if len(slots) > 0 {
			st := m.storageTrie(addr, 0)
			for _, slot := range slots {
				key := cryptoutil.Keccak256(slot[:])
				val := s.StorageValue(addr, slot)
				if val == (cryptoutil.Hash{}) {
					st.Delete(key)
				} else {
					st.Put(key, val[:])
				}
			}
		}

		acct := s.Account(addr)
		addrHash := cryptoutil.Keccak256(addr[:])
		if acct == nil {
			m.accountTrie.Delete(addrHash)
			delete(m.storageTries, addr)
			continue
		}
		if st, ok := m.storageTries[addr]; ok {
			acct.StorageRoot = st.Root()
		}
		m.accountTrie.Put(addrHash, encodeAccount(acct))
	}
	return m.accountTrie.Root()
}

// StorageRoot returns the current storage subtrie root for addr,
// cryptoutil.EmptyRootHash if the address has no tracked storage.
func (m *HashedMirror) StorageRoot(addr cryptoutil.Address) cryptoutil.Hash {
	st, ok := m.storageTries[addr]
	if !ok {
		return cryptoutil.EmptyRootHash
	}
	return st.Root()
}
