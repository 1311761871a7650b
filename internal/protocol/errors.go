package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfBounds        = errors.New("protocol: read out of bounds")
	ErrOverflow           = errors.New("protocol: write overflows buffer")
	ErrStringTooLong      = errors.New("protocol: string does not fit fixed-width field")
	ErrUnterminatedString = fmt.Errorf("protocol: unterminated string: %w", ErrOutOfBounds)
	ErrUnknownOpcode      = errors.New("protocol: unknown opcode")
	ErrInvalidLength      = errors.New("protocol: invalid packet length")
	ErrTruncatedFrame     = errors.New("protocol: connection closed mid-frame")
	ErrTableMismatch      = errors.New("protocol: handler table does not match length table")
)

// BoundsError reports a decoder read that would cross the end of the payload.
type BoundsError struct {
	Op     string
	Offset int
	Want   int
	Have   int
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("protocol: %s at offset %d needs %d bytes, %d remaining", e.Op, e.Offset, e.Want, e.Have)
}

func (e *BoundsError) Unwrap() error { return ErrOutOfBounds }

// OverflowError reports an encoder write that would cross the buffer capacity.
type OverflowError struct {
	Op       string
	Offset   int
	Want     int
	Capacity int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("protocol: %s at offset %d needs %d bytes, capacity %d", e.Op, e.Offset, e.Want, e.Capacity)
}

func (e *OverflowError) Unwrap() error { return ErrOverflow }

// UnknownOpcodeError is raised when a phase receives an opcode it has no length for.
// The stream cannot be realigned after this.
type UnknownOpcodeError struct {
	Phase  Phase
	Opcode Opcode
}

func (e *UnknownOpcodeError) Error() string {
	return fmt.Sprintf("protocol: unknown %s opcode %s", e.Phase, e.Opcode)
}

func (e *UnknownOpcodeError) Unwrap() error { return ErrUnknownOpcode }

// LengthError reports an in-band length that cannot describe a valid frame.
type LengthError struct {
	Phase    Phase
	Opcode   Opcode
	Declared int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("protocol: %s opcode %s declares invalid length %d", e.Phase, e.Opcode, e.Declared)
}

func (e *LengthError) Unwrap() error { return ErrInvalidLength }

// IOError wraps a socket failure. It is fatal to the connection it happened on.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// AuthRefusedError is returned by the login phase when the server answers AUTHRESULT.
type AuthRefusedError struct {
	Code AuthResult
}

func (e *AuthRefusedError) Error() string {
	return fmt.Sprintf("login refused: %s (%d)", e.Code, uint8(e.Code))
}

// IsDesync reports whether err means the byte stream is no longer aligned with the
// length table. Such connections must be dropped and restarted, never retried in place.
func IsDesync(err error) bool {
	return errors.Is(err, ErrUnknownOpcode) ||
		errors.Is(err, ErrInvalidLength) ||
		errors.Is(err, ErrOutOfBounds)
}

// IsIO reports whether err originated from the socket rather than the protocol.
func IsIO(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr) || errors.Is(err, ErrTruncatedFrame)
}
