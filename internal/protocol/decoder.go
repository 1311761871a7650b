package protocol

import (
	"bytes"
	"encoding/binary"
)

// Decoder reads little-endian fields sequentially from one packet payload.
// Every read either consumes exactly its width or fails with a *BoundsError
// and leaves the position untouched.
type Decoder struct {
	data []byte
	pos  int
}

// NewDecoder creates a decoder over data. The decoder owns the slice.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

func (d *Decoder) take(op string, n int) ([]byte, error) {
	if n < 0 || n > len(d.data)-d.pos {
		return nil, &BoundsError{Op: op, Offset: d.pos, Want: n, Have: len(d.data) - d.pos}
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// ReadUint8 reads one byte.
func (d *Decoder) ReadUint8() (uint8, error) {
	b, err := d.take("read uint8", 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint16 reads a little-endian uint16.
func (d *Decoder) ReadUint16() (uint16, error) {
	b, err := d.take("read uint16", 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadUint32 reads a little-endian uint32.
func (d *Decoder) ReadUint32() (uint32, error) {
	b, err := d.take("read uint32", 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadUint64 reads a little-endian uint64.
func (d *Decoder) ReadUint64() (uint64, error) {
	b, err := d.take("read uint64", 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadBytes returns a copy of the next n bytes.
func (d *Decoder) ReadBytes(n int) ([]byte, error) {
	b, err := d.take("read bytes", n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// Skip advances past n bytes of padding.
func (d *Decoder) Skip(n int) error {
	_, err := d.take("skip", n)
	return err
}

// ReadFixedString consumes exactly n bytes and returns the text up to the
// first zero byte. Bytes after the terminator are padding and are discarded.
func (d *Decoder) ReadFixedString(n int) (string, error) {
	b, err := d.take("read fixed string", n)
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), nil
}

// ReadCString reads a zero-terminated string of any length and consumes the
// terminator. The search never leaves the payload: a missing terminator
// fails with ErrUnterminatedString.
func (d *Decoder) ReadCString() (string, error) {
	rest := d.data[d.pos:]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return "", ErrUnterminatedString
	}
	d.pos += i + 1
	return string(rest[:i]), nil
}

// EOF reports whether every byte has been consumed.
func (d *Decoder) EOF() bool {
	return d.pos >= len(d.data)
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.data) - d.pos
}

// Pos returns the current read offset.
func (d *Decoder) Pos() int { return d.pos }

// Len returns the payload length.
func (d *Decoder) Len() int { return len(d.data) }
