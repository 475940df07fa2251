// Package byteio provides a bounds-checked cursor over a borrowed byte
// slice, used to decode the fixed and variable-length records of every
// on-disk TACT/CASC structure (index footers, encoding pages, root
// blocks, BLTE chunk tables) without copying the underlying buffer.
//
// Grounded on the teacher's field-by-field struct decoding in
// compactindexsized/header.go and query.go (manual offset math over a
// []byte, no reflection), generalized into a reusable cursor type.
package byteio

import (
	"encoding/binary"
	"fmt"

	"github.com/rpcpool/tactgo/tacterr"
)

// Reader is a bounds-checked cursor over a byte slice. The zero value is
// not usable; construct with NewReader.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential, bounds-checked reads starting at offset 0.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Pos returns the current absolute cursor position.
func (r *Reader) Pos() int { return r.pos }

// Len returns the total length of the wrapped buffer.
func (r *Reader) Len() int { return len(r.buf) }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Seek moves the cursor to an absolute offset. It fails if off is out of [0, len(buf)].
func (r *Reader) Seek(off int) error {
	if off < 0 || off > len(r.buf) {
		return tacterr.New(tacterr.KindIO, "byteio.Seek", fmt.Sprintf("offset %d out of bounds [0,%d]", off, len(r.buf)))
	}
	r.pos = off
	return nil
}

func (r *Reader) need(n int) error {
	if n < 0 || r.pos+n > len(r.buf) {
		return tacterr.New(tacterr.KindIO, "byteio.read", fmt.Sprintf("read of %d bytes at %d exceeds buffer of %d", n, r.pos, len(r.buf)))
	}
	return nil
}

// Bytes reads n raw bytes and advances the cursor. The returned slice
// aliases the underlying buffer; callers must copy if they retain it
// past the buffer's lifetime.
func (r *Reader) Bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// U8 reads one unsigned byte.
func (r *Reader) U8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// U16BE reads a big-endian uint16.
func (r *Reader) U16BE() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// U16LE reads a little-endian uint16.
func (r *Reader) U16LE() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

// U24BE reads a big-endian 24-bit unsigned integer into the low bits of a uint32.
func (r *Reader) U24BE() (uint32, error) {
	if err := r.need(3); err != nil {
		return 0, err
	}
	v := uint32(r.buf[r.pos])<<16 | uint32(r.buf[r.pos+1])<<8 | uint32(r.buf[r.pos+2])
	r.pos += 3
	return v, nil
}

// U32BE reads a big-endian uint32.
func (r *Reader) U32BE() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// U32LE reads a little-endian uint32.
func (r *Reader) U32LE() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// I32BE reads a big-endian signed int32.
func (r *Reader) I32BE() (int32, error) {
	v, err := r.U32BE()
	return int32(v), err
}

// I16BE reads a big-endian signed int16.
func (r *Reader) I16BE() (int16, error) {
	v, err := r.U16BE()
	return int16(v), err
}

// U40BE reads a big-endian 40-bit unsigned integer (used for encoding
// record decoded/encoded sizes) into a uint64.
func (r *Reader) U40BE() (uint64, error) {
	if err := r.need(5); err != nil {
		return 0, err
	}
	b := r.buf[r.pos : r.pos+5]
	v := uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 | uint64(b[3])<<8 | uint64(b[4])
	r.pos += 5
	return v, nil
}

// U64LE reads a little-endian uint64.
func (r *Reader) U64LE() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// U64BE reads a big-endian uint64.
func (r *Reader) U64BE() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// NulString reads bytes up to (and consuming) the next NUL byte, or to
// the end of the buffer if no NUL is found, and returns the string
// without the terminator. maxLen bounds how far it will scan.
func (r *Reader) NulString(maxLen int) (string, error) {
	end := r.pos + maxLen
	if end > len(r.buf) {
		end = len(r.buf)
	}
	for i := r.pos; i < end; i++ {
		if r.buf[i] == 0 {
			s := string(r.buf[r.pos:i])
			r.pos = i + 1
			return s, nil
		}
	}
	if r.pos >= len(r.buf) {
		return "", tacterr.New(tacterr.KindIO, "byteio.NulString", "read past end of buffer")
	}
	s := string(r.buf[r.pos:end])
	r.pos = end
	return s, nil
}
