// Package freezer implements the append-only segment store ("the
// freezer", spec §4.1): finalized ranges of headers, bodies, and
// receipts migrate out of the KV store into compressed, indexed,
// read-only files once their range is no longer expected to change.
package freezer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ErrCorruptSegment is returned when a segment's trailing checksum
// does not match its contents; the KV store remains authoritative for
// that range until a fresh segment is sealed (spec §4.1 Failure semantics).
var ErrCorruptSegment = errors.New("freezer: checksum mismatch, segment rejected")

// Kind distinguishes the three historical entity streams a segment can hold.
type Kind string

const (
	KindHeaders  Kind = "headers"
	KindBodies   Kind = "bodies"
	KindReceipts Kind = "receipts"
)

// Segment is one sealed, compressed, indexed range [Start, End] of
// blocks for a single Kind. Once written and fsynced it is read-only.
type Segment struct {
	Kind       Kind
	Start, End uint64
	path       string
	index      []uint64 // per-block byte offset into the decompressed stream
	mu         sync.Mutex
}

func segmentFileName(kind Kind, start, end uint64) string {
	return fmt.Sprintf("%s-%020d-%020d.seg", kind, start, end)
}

// Seal compresses entries (one byte slice per block number, Start..End
// inclusive, in order) into a new segment file under dir, fsyncs it,
// and appends a crc32 trailer covering the whole compressed stream.
func Seal(dir string, kind Kind, start uint64, entries [][]byte) (*Segment, error) {
	end := start + uint64(len(entries)) - 1
	path := filepath.Join(dir, segmentFileName(kind, start, end))

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("freezer: create segment: %w", err)
	}
	defer f.Close()

	crc := crc32.NewIEEE()
	enc, err := zstd.NewWriter(io.MultiWriter(f, crc))
	if err != nil {
		return nil, fmt.Errorf("freezer: init compressor: %w", err)
	}

	index := make([]uint64, 0, len(entries))
	var offset uint64
	for _, e := range entries {
		index = append(index, offset)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e)))
		if _, err := enc.Write(lenBuf[:]); err != nil {
			return nil, err
		}
		if _, err := enc.Write(e); err != nil {
			return nil, err
		}
		offset += uint64(4 + len(e))
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("freezer: close compressor: %w", err)
	}

	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], crc.Sum32())
	if _, err := f.Write(trailer[:]); err != nil {
		return nil, fmt.Errorf("freezer: write checksum trailer: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("freezer: fsync segment: %w", err)
	}

	return &Segment{Kind: kind, Start: start, End: end, path: path, index: index}, nil
}

// Open validates a previously sealed segment's checksum and builds its
// in-memory offset index, rejecting the file with ErrCorruptSegment on
// mismatch rather than serving possibly-truncated data.
func Open(path string, kind Kind, start, end uint64) (*Segment, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("freezer: read segment: %w", err)
	}
	if len(raw) < 4 {
		return nil, ErrCorruptSegment
	}
	body, trailer := raw[:len(raw)-4], raw[len(raw)-4:]
	want := binary.BigEndian.Uint32(trailer)
	got := crc32.ChecksumIEEE(body)
	if got != want {
		return nil, ErrCorruptSegment
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("freezer: init decompressor: %w", err)
	}
	defer dec.Close()
	plain, err := dec.DecodeAll(body, nil)
	if err != nil {
		return nil, fmt.Errorf("freezer: decompress segment: %w", err)
	}

	var index []uint64
	var offset uint64
	for offset < uint64(len(plain)) {
		index = append(index, offset)
		n := binary.BigEndian.Uint32(plain[offset : offset+4])
		offset += 4 + uint64(n)
	}

	return &Segment{Kind: kind, Start: start, End: end, path: path, index: index}, nil
}

// Get returns the entry for blockNum, or nil if out of range.
func (s *Segment) Get(blockNum uint64) ([]byte, error) {
	if blockNum < s.Start || blockNum > s.End {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("freezer: read segment: %w", err)
	}
	body := raw[:len(raw)-4]
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	plain, err := dec.DecodeAll(body, nil)
	if err != nil {
		return nil, err
	}

	idx := blockNum - s.Start
	off := s.index[idx]
	n := binary.BigEndian.Uint32(plain[off : off+4])
	return plain[off+4 : off+4+uint64(n)], nil
}

// Store is the directory of sealed segments for one Kind, queried by
// block number; readers see a monotonically growing, append-only list.
type Store struct {
	dir      string
	kind     Kind
	mu       sync.RWMutex
	segments []*Segment
}

func NewStore(dir string, kind Kind) *Store {
	return &Store{dir: dir, kind: kind}
}

// AddSealed registers a freshly sealed segment with the store.
func (s *Store) AddSealed(seg *Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = append(s.segments, seg)
}

// Get consults segment indices first, returning (nil, false, nil) if
// blockNum is not covered by any sealed segment - the caller then
// falls back to the KV store, per spec §4.1.
func (s *Store) Get(blockNum uint64) (data []byte, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, seg := range s.segments {
		if blockNum >= seg.Start && blockNum <= seg.End {
			d, err := seg.Get(blockNum)
			if err != nil {
				return nil, false, err
			}
			return d, true, nil
		}
	}
	return nil, false, nil
}

// FrozenUpTo returns the highest block number covered by a
// contiguous-from-zero run of sealed segments.
func (s *Store) FrozenUpTo() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var maxEnd uint64
	covered := make(map[uint64]bool)
	for _, seg := range s.segments {
		for n := seg.Start; n <= seg.End; n++ {
			covered[n] = true
		}
	}
	for n := uint64(0); covered[n]; n++ {
		maxEnd = n
	}
	return maxEnd
}

type countingHasher struct{ h interface{ Write([]byte) (int, error) } }

func newCountingHasher(h interface{ Write([]byte) (int, error) }) *countingHasher {
	return &countingHasher{h: h}
}
func (c *countingHasher) Write(b []byte) { _, _ = c.h.Write(b) }
