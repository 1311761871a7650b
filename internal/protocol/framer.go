package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

type framerState uint8

const (
	awaitingHeader framerState = iota
	awaitingLengthField
	awaitingBody
)

func (s framerState) String() string {
	switch s {
	case awaitingHeader:
		return "awaiting_header"
	case awaitingLengthField:
		return "awaiting_length"
	case awaitingBody:
		return "awaiting_body"
	default:
		return "unknown"
	}
}

// Frame is one complete packet cut from the stream.
type Frame struct {
	Opcode  Opcode
	Policy  LengthPolicy
	Payload []byte // bytes after the opcode and, for variable packets, the length field
}

// Size returns the on-wire size of the frame.
func (f Frame) Size() int {
	if f.Policy.IsVariable() {
		return HeaderSize + LengthFieldSize + len(f.Payload)
	}
	return HeaderSize + len(f.Payload)
}

// Decoder returns a fresh decoder over the payload.
func (f Frame) Decoder() *Decoder {
	return NewDecoder(f.Payload)
}

// FramerStats counts the work done by a framer.
type FramerStats struct {
	Reads     uint64
	BytesRead uint64
	Frames    uint64
}

// Framer reassembles packets from a byte stream using a phase length table.
//
// Reads fill as much of the frame buffer as the socket hands over; bytes past
// the current frame boundary stay buffered and start the next frame.
// The framer is not safe for concurrent use.
type Framer struct {
	r     io.Reader
	table *LengthTable

	buf      []byte
	buffered int
	target   int
	state    framerState

	opcode    Opcode
	policy    LengthPolicy
	bodyStart int

	stats FramerStats
}

// NewFramer creates a framer reading from r.
func NewFramer(r io.Reader, table *LengthTable) *Framer {
	return &Framer{
		r:      r,
		table:  table,
		buf:    make([]byte, MaxPacketSize),
		target: HeaderSize,
	}
}

// Next blocks until a complete frame is available.
//
// It returns io.EOF when the peer closes the stream on a frame boundary and
// ErrTruncatedFrame when it closes mid-frame. An unknown opcode or an invalid
// in-band length is a desync error and the framer must not be used again.
func (f *Framer) Next() (Frame, error) {
	if f.buf == nil {
		return Frame{}, io.ErrClosedPipe
	}

	for {
		frame, ok, err := f.advance()
		if err != nil {
			return Frame{}, err
		}
		if ok {
			return frame, nil
		}

		n, err := f.r.Read(f.buf[f.buffered:])
		f.stats.Reads++
		if n > 0 {
			f.buffered += n
			f.stats.BytesRead += uint64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if n > 0 {
					// process what arrived with the close before reporting it
					continue
				}
				if f.buffered == 0 && f.state == awaitingHeader {
					return Frame{}, io.EOF
				}
				return Frame{}, ErrTruncatedFrame
			}
			return Frame{}, &IOError{Op: "read", Err: err}
		}
	}
}

// advance runs the state machine over the buffered bytes until it emits a
// frame or needs more input.
func (f *Framer) advance() (Frame, bool, error) {
	for f.buffered >= f.target {
		switch f.state {
		case awaitingHeader:
			op := Opcode(binary.LittleEndian.Uint16(f.buf[:HeaderSize]))
			policy, err := f.table.Lookup(op)
			if err != nil {
				return Frame{}, false, err
			}
			f.opcode = op
			f.policy = policy
			if policy.IsVariable() {
				f.target = HeaderSize + LengthFieldSize
				f.state = awaitingLengthField
			} else {
				f.bodyStart = HeaderSize
				f.target = HeaderSize + policy.Extra()
				f.state = awaitingBody
			}

		case awaitingLengthField:
			total := int(binary.LittleEndian.Uint16(f.buf[HeaderSize : HeaderSize+LengthFieldSize]))
			if total < HeaderSize+LengthFieldSize || total > MaxPacketSize {
				return Frame{}, false, &LengthError{Phase: f.table.Phase(), Opcode: f.opcode, Declared: total}
			}
			f.bodyStart = HeaderSize + LengthFieldSize
			f.target = total
			f.state = awaitingBody

		case awaitingBody:
			return f.emit(), true, nil
		}
	}
	return Frame{}, false, nil
}

func (f *Framer) emit() Frame {
	payload := make([]byte, f.target-f.bodyStart)
	copy(payload, f.buf[f.bodyStart:f.target])
	frame := Frame{Opcode: f.opcode, Policy: f.policy, Payload: payload}

	rest := copy(f.buf, f.buf[f.target:f.buffered])
	f.buffered = rest
	f.target = HeaderSize
	f.state = awaitingHeader
	f.bodyStart = 0
	f.stats.Frames++
	return frame
}

// Buffered returns the number of bytes held for frames not yet emitted.
func (f *Framer) Buffered() int { return f.buffered }

// Stats returns a copy of the framer counters.
func (f *Framer) Stats() FramerStats { return f.stats }

// Release drops the frame buffer. Next fails afterwards.
func (f *Framer) Release() {
	f.buf = nil
	f.buffered = 0
	f.target = HeaderSize
	f.state = awaitingHeader
}
