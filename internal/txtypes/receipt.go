package txtypes

import "github.com/eryx-labs/execution/internal/cryptoutil"

// Log is one EVM log entry (a contract emitting an event).
type Log struct {
	Address cryptoutil.Address
	Topics  []cryptoutil.Hash
	Data    []byte
}

// Bloom is the 2048-bit log bloom filter.
type Bloom [256]byte

// Receipt is the per-transaction execution artifact of spec §3/§4.4.
type Receipt struct {
	TxNum         uint64
	Success       bool
	CumulativeGas uint64
	GasUsed       uint64
	Logs          []Log
	Bloom         Bloom
}

// OrBloom ORs every log's contribution into dst, matching the
// "bloom = OR of log blooms" invariant of spec §3.
func OrBloom(dst *Bloom, logs []Log) {
	for _, l := range logs {
		addBloomItem(dst, l.Address[:])
		for _, t := range l.Topics {
			addBloomItem(dst, t[:])
		}
	}
}

// addBloomItem sets the three bits the standard Ethereum bloom filter
// derives from keccak256(item): bits m1,m2,m3 taken from three
// non-overlapping 11-bit windows of the hash.
func addBloomItem(b *Bloom, item []byte) {
	h := cryptoutil.Keccak256(item)
	for i := 0; i < 3; i++ {
		bitIdx := (uint(h[2*i])<<8 | uint(h[2*i+1])) & 0x7ff
		byteIdx := 255 - bitIdx/8
		b[byteIdx] |= 1 << (bitIdx % 8)
	}
}

// ReceiptsBloom ORs every receipt's bloom into one block-level bloom.
func ReceiptsBloom(receipts []*Receipt) Bloom {
	var out Bloom
	for _, r := range receipts {
		for i := range out {
			out[i] |= r.Bloom[i]
		}
	}
	return out
}
