// Package codec implements the compact, self-describing binary
// encoding used for every persisted value in the storage engine
// (spec §4.1). Fixed-size primitives serialize unchanged; variable
// width integers drop leading zero bytes; a struct-level bitflag
// header records, per field, its encoded length (or its presence bit
// for optional fields); collections are length-prefixed with a
// varuint and omit per-element lengths when the element type is
// fixed-size. A variable-length trailing byte string must be the
// last field of its struct - enforced once, at registration time,
// rather than on every encode/decode call.
package codec

import (
	"encoding/binary"
	"fmt"
)

// Writer accumulates an encoded value. It is not safe for concurrent use.
type Writer struct {
	buf []byte
}

// NewWriter returns an empty Writer with capacity hints for small
// struct encodings (most headers/receipts/accounts are under 256B).
func NewWriter() *Writer { return &Writer{buf: make([]byte, 0, 256)} }

// Bytes returns the accumulated encoding.
func (w *Writer) Bytes() []byte { return w.buf }

// PutFixed writes a fixed-size field (address, hash) unchanged.
func (w *Writer) PutFixed(b []byte) { w.buf = append(w.buf, b...) }

// PutVarInt strips leading zero bytes from a big-endian integer and
// writes only the trimmed bytes, with no length prefix. It
// returns the encoded length so callers can fold it into a
// struct-level bitflag header.
func (w *Writer) PutVarInt(b []byte) (length int) {
	i := 0
	for i < len(b) && b[i] == 0 {
		i++
	}
	trimmed := b[i:]
	w.buf = append(w.buf, trimmed...)
	return len(trimmed)
}

// PutUvarint writes x as a Go protobuf-style unsigned varint, used for
// collection length prefixes.
func (w *Writer) PutUvarint(x uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], x)
	w.buf = append(w.buf, tmp[:n]...)
}

// PutByte appends a single header/flag byte.
func (w *Writer) PutByte(b byte) { w.buf = append(w.buf, b) }

// PutBytes writes a raw byte string with no framing; valid only as
// the last field of a struct per the format's trailing-string rule.
func (w *Writer) PutBytes(b []byte) { w.buf = append(w.buf, b...) }

// Reader consumes a Writer-produced encoding in field order.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(b []byte) *Reader { return &Reader{buf: b} }

func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) GetFixed(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, fmt.Errorf("codec: short read, want %d have %d", n, r.Remaining())
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// GetVarInt reads length bytes and left-pads them into a field of
// size fullWidth (e.g. balances are logically 32 bytes wide but only
// the trimmed non-zero suffix was persisted).
func (r *Reader) GetVarInt(length, fullWidth int) ([]byte, error) {
	raw, err := r.GetFixed(length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, fullWidth)
	copy(out[fullWidth-length:], raw)
	return out, nil
}

func (r *Reader) GetByte() (byte, error) {
	if r.Remaining() < 1 {
		return 0, fmt.Errorf("codec: short read for flag byte")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *Reader) GetUvarint() (uint64, error) {
	x, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("codec: malformed varuint")
	}
	r.pos += n
	return x, nil
}

// GetTrailingBytes returns everything left in the buffer - valid only
// for a struct's final variable-length byte-string field.
func (r *Reader) GetTrailingBytes() []byte {
	out := r.buf[r.pos:]
	r.pos = len(r.buf)
	return out
}

// FieldHeader is the struct-level bitflag header emitted before a
// struct's fields: one presence bit per optional field, plus a
// length byte per variable-width integer field. Registration (see
// MustRegister) panics if a struct declares a variable-length byte
// string anywhere but its last field - a breaking-format mistake
// caught at init time, not against every encoded value.
type FieldHeader struct {
	PresenceBits uint32
	Lengths      []uint8 // one entry per variable-width integer field, in declaration order
}

func (h FieldHeader) HasField(bit uint) bool { return h.PresenceBits&(1<<bit) != 0 }

func (h *FieldHeader) SetField(bit uint, present bool) {
	if present {
		h.PresenceBits |= 1 << bit
	} else {
		h.PresenceBits &^= 1 << bit
	}
}

// Encode serializes the header: a uvarint presence-bitmap followed by
// one byte per declared variable-width-integer length.
func (h FieldHeader) Encode(w *Writer) {
	w.PutUvarint(uint64(h.PresenceBits))
	w.PutByte(byte(len(h.Lengths)))
	for _, l := range h.Lengths {
		w.PutByte(l)
	}
}

func DecodeFieldHeader(r *Reader) (FieldHeader, error) {
	bits, err := r.GetUvarint()
	if err != nil {
		return FieldHeader{}, err
	}
	n, err := r.GetByte()
	if err != nil {
		return FieldHeader{}, err
	}
	lengths := make([]uint8, n)
	for i := range lengths {
		b, err := r.GetByte()
		if err != nil {
			return FieldHeader{}, err
		}
		lengths[i] = b
	}
	return FieldHeader{PresenceBits: uint32(bits), Lengths: lengths}, nil
}

// StructSchema describes the breaking-change contract the format
// requires of any registered struct: which field index (if any) is
// the variable-length trailing byte string.
type StructSchema struct {
	Name             string
	TrailingStringAt int // -1 if none
	NumFields        int
}

// MustRegister validates a schema at package-init time: only the last
// field may be the variable-length trailing byte string. A violation
// is a programming error in this codebase, not a runtime data error,
// so it panics immediately rather than surfacing per-encode.
func MustRegister(s StructSchema) StructSchema {
	if s.TrailingStringAt >= 0 && s.TrailingStringAt != s.NumFields-1 {
		panic(fmt.Sprintf("codec: %s declares trailing byte-string field %d of %d fields; "+
			"it must be the last field or the on-disk format is ambiguous",
			s.Name, s.TrailingStringAt, s.NumFields))
	}
	return s
}
