// Package etl implements the external-merge write pattern stages use
// to build bulk indices (the transaction lookup index, spec §4.6):
// buffer (key, value) pairs in bounded in-memory chunks, spill sorted
// runs to temporary files once a chunk fills, then merge all runs
// sequentially into the target table via RwCursor.Append (Upsert for
// keys the table already holds).
package etl

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/c2h5oh/datasize"
	"github.com/pbnjay/memory"

	"github.com/eryx-labs/execution/internal/kv"
)

// Chunk size bounds (spec §4.6): never below MinChunkEntries (keeps
// recovery bounded even on memory-starved hosts) and never above
// MaxChunkEntries (keeps a single spill file's write time bounded).
const (
	MinChunkEntries = 100_000
	MaxChunkEntries = 50_000_000
)

// DefaultChunkEntries picks a chunk size from available system
// memory, budgeting roughly 1/8th of free RAM for the collector and
// assuming an average entry size of 64 bytes, then clamps to the
// configured bounds.
func DefaultChunkEntries() int {
	free := memory.FreeMemory()
	if free == 0 {
		return MinChunkEntries
	}
	budget := free / 8
	n := int(budget / 64)
	if n < MinChunkEntries {
		return MinChunkEntries
	}
	if n > MaxChunkEntries {
		return MaxChunkEntries
	}
	return n
}

// ChunkMemoryBudget reports DefaultChunkEntries' underlying memory
// budget in human-readable form, for the startup log line a node emits
// alongside its chosen chunk size.
func ChunkMemoryBudget() datasize.ByteSize {
	free := memory.FreeMemory()
	return datasize.ByteSize(free / 8)
}

type kvPair struct{ k, v []byte }

// Collector buffers entries, spilling to disk once ChunkEntries is
// reached, and finally merges every run plus the final in-memory
// buffer into a target table in sorted key order.
type Collector struct {
	tmpDir       string
	chunkEntries int

	buf   []kvPair
	runs  []string // paths of spilled, sorted run files
}

func NewCollector(tmpDir string, chunkEntries int) *Collector {
	if chunkEntries <= 0 {
		chunkEntries = DefaultChunkEntries()
	}
	return &Collector{tmpDir: tmpDir, chunkEntries: chunkEntries}
}

// Collect adds one (key, value) pair, spilling the buffer once full.
func (c *Collector) Collect(k, v []byte) error {
	c.buf = append(c.buf, kvPair{
		k: append([]byte(nil), k...),
		v: append([]byte(nil), v...),
	})
	if len(c.buf) >= c.chunkEntries {
		return c.spill()
	}
	return nil
}

func (c *Collector) spill() error {
	sort.SliceStable(c.buf, func(i, j int) bool { return bytes.Compare(c.buf[i].k, c.buf[j].k) < 0 })
	f, err := os.CreateTemp(c.tmpDir, "etl-run-*.tmp")
	if err != nil {
		return fmt.Errorf("etl: create run file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, kv := range c.buf {
		if err := writeFramed(w, kv.k); err != nil {
			return err
		}
		if err := writeFramed(w, kv.v); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("etl: flush run file: %w", err)
	}
	c.runs = append(c.runs, f.Name())
	c.buf = c.buf[:0]
	return nil
}

func writeFramed(w *bufio.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFramed(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := readFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	b := make([]byte, n)
	if _, err := readFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readFull(r *bufio.Reader, b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := r.Read(b[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// LoadFunc decides, given the existing value for a key (nil if
// absent) and the new incoming value, what final value to append.
// The tx lookup stage ignores the existing value.
type LoadFunc func(existing, incoming []byte) (out []byte, keep bool)

// Load merges every spilled run plus the final buffer in sorted key
// order and writes the result into dstTable via an RwCursor: Upsert
// for a key the table already holds, Append (amortized O(1), since
// input is already sorted) for any other key. Append fails for a new
// key that does not exceed every key already in the table.
func (c *Collector) Load(tx kv.RwTx, dstTable kv.Table, load LoadFunc) (err error) {
	if len(c.buf) > 0 {
		if err := c.spill(); err != nil {
			return err
		}
	}
	defer func() {
		for _, p := range c.runs {
			_ = os.Remove(p)
		}
	}()

	readers := make([]*bufio.Reader, 0, len(c.runs))
	files := make([]*os.File, 0, len(c.runs))
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()
	for _, p := range c.runs {
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("etl: open run file: %w", err)
		}
		files = append(files, f)
		readers = append(readers, bufio.NewReader(f))
	}

	cur, err := tx.RwCursor(dstTable)
	if err != nil {
		return err
	}
	defer cur.Close()

	return mergeRuns(readers, func(k, v []byte) error {
		existing, err := tx.Get(dstTable, k)
		if err != nil {
			return err
		}
		out, keep := load(existing, v)
		if !keep {
			return nil
		}
		if existing != nil {
			return cur.Upsert(k, out)
		}
		return cur.Append(k, out)
	})
}

// mergeRuns performs a k-way merge of sorted run readers, invoking
// emit once per distinct ascending key (last writer for a key wins,
// matching the stage-local ordering the collector already enforced).
func mergeRuns(readers []*bufio.Reader, emit func(k, v []byte) error) error {
	type head struct {
		k, v  []byte
		ridx  int
		valid bool
	}
	heads := make([]head, len(readers))
	for i, r := range readers {
		k, err := readFramed(r)
		if err != nil {
			continue
		}
		v, err := readFramed(r)
		if err != nil {
			continue
		}
		heads[i] = head{k: k, v: v, ridx: i, valid: true}
	}

	for {
		minIdx := -1
		for i := range heads {
			if !heads[i].valid {
				continue
			}
			if minIdx == -1 || bytes.Compare(heads[i].k, heads[minIdx].k) <= 0 {
				minIdx = i
			}
		}
		if minIdx == -1 {
			return nil
		}
		// consume every record equal to the chosen key from every run; the
		// value emitted is the last one in the latest run holding the key.
		emittedKey, emittedVal := heads[minIdx].k, heads[minIdx].v
		for i := range heads {
			for heads[i].valid && bytes.Equal(heads[i].k, emittedKey) {
				if i == minIdx {
					emittedVal = heads[i].v
				}
				k, err := readFramed(readers[i])
				if err != nil {
					heads[i].valid = false
					break
				}
				v, err := readFramed(readers[i])
				if err != nil {
					heads[i].valid = false
					break
				}
				heads[i].k, heads[i].v = k, v
			}
		}
		if err := emit(emittedKey, emittedVal); err != nil {
			return err
		}
	}
}
