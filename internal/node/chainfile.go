package node

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/eryx-labs/execution/internal/chain"
)

// WriteChainFile appends blocks to w as a sequence of
// length-prefixed (header, body) compact-codec pairs - the "chain
// file" format spec §6's import/export subcommands round-trip through.
// It carries no framing beyond the two length prefixes since the
// compact codec (internal/codec) is already self-describing per block.
func WriteChainFile(w io.Writer, blocks []*chain.Block) error {
	bw := bufio.NewWriter(w)
	for _, b := range blocks {
		if err := writeFrame(bw, b.Header.Encode()); err != nil {
			return err
		}
		if err := writeFrame(bw, b.Body.Encode()); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeFrame(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadChainFile decodes a sequence of blocks written by WriteChainFile.
func ReadChainFile(r io.Reader) ([]*chain.Block, error) {
	br := bufio.NewReader(r)
	var blocks []*chain.Block
	for {
		headerBytes, err := readFrame(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("node: read chain file header frame: %w", err)
		}
		header, err := chain.DecodeHeader(headerBytes)
		if err != nil {
			return nil, fmt.Errorf("node: decode header: %w", err)
		}
		bodyBytes, err := readFrame(br)
		if err != nil {
			return nil, fmt.Errorf("node: read chain file body frame: %w", err)
		}
		body, err := chain.DecodeBody(bodyBytes)
		if err != nil {
			return nil, fmt.Errorf("node: decode body: %w", err)
		}
		blocks = append(blocks, &chain.Block{Header: header, Body: body})
	}
	return blocks, nil
}

// fileSource implements stagedsync.HeaderSource and stagedsync.BodySource
// over a slice of blocks already fully decoded in memory - the import
// subcommand's stand-in for the out-of-scope peer-to-peer transport
// (spec §1 "Out of scope (external collaborators)").
type fileSource struct {
	byNumber map[uint64]*chain.Block
	max      uint64
}

// NewFileSource wraps a decoded block slice as a HeaderSource/BodySource
// pair, letting cmd/execd drive the staged pipeline over an imported
// chain file the same way it would over a live peer pool.
func NewFileSource(blocks []*chain.Block) *fileSource {
	return newFileSource(blocks)
}

func newFileSource(blocks []*chain.Block) *fileSource {
	fs := &fileSource{byNumber: make(map[uint64]*chain.Block, len(blocks))}
	for _, b := range blocks {
		fs.byNumber[b.Number()] = b
		if b.Number() > fs.max {
			fs.max = b.Number()
		}
	}
	return fs
}

func (fs *fileSource) HeadersByRange(ctx context.Context, from, to uint64) ([]*chain.Header, error) {
	var out []*chain.Header
	for n := from; n <= to; n++ {
		b, ok := fs.byNumber[n]
		if !ok {
			break
		}
		out = append(out, b.Header)
	}
	return out, nil
}

func (fs *fileSource) BodiesByRange(ctx context.Context, headers []*chain.Header) ([]*chain.Body, error) {
	out := make([]*chain.Body, 0, len(headers))
	for _, h := range headers {
		b, ok := fs.byNumber[h.Number]
		if !ok {
			return out, nil
		}
		out = append(out, b.Body)
	}
	return out, nil
}

// OpenChainFile is a convenience wrapper for the import subcommand.
func OpenChainFile(path string) ([]*chain.Block, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadChainFile(f)
}
