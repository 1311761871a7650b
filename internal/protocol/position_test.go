package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePositionVector(t *testing.T) {
	p := DecodePosition([PositionSize]byte{0x01, 0x23, 0x45})
	assert.Equal(t, Position{X: 4, Y: 0x234, Dir: 5}, p)
	assert.Equal(t, [PositionSize]byte{0x01, 0x23, 0x45}, EncodePosition(p))
}

func TestPositionRoundTrip(t *testing.T) {
	for x := uint16(0); x < 1024; x += 31 {
		for y := uint16(0); y < 1024; y += 37 {
			for dir := uint8(0); dir < 8; dir++ {
				p := Position{X: x, Y: y, Dir: dir}
				require.Equal(t, p, DecodePosition(EncodePosition(p)))
			}
		}
	}
	edge := Position{X: 1023, Y: 1023, Dir: 15}
	assert.Equal(t, edge, DecodePosition(EncodePosition(edge)))
}

func TestMovementVector(t *testing.T) {
	raw := [MovementSize]byte{0x19, 0x0C, 0x84, 0xB1, 0x90, 0x88}
	want := Movement{FromX: 100, FromY: 200, ToX: 300, ToY: 400, SubX: 8, SubY: 8}

	assert.Equal(t, want, DecodeMovement(raw))
	assert.Equal(t, raw, EncodeMovement(want))
}

func TestMovementRoundTrip(t *testing.T) {
	for _, m := range []Movement{
		{},
		{FromX: 1023, FromY: 1023, ToX: 1023, ToY: 1023, SubX: 15, SubY: 15},
		{FromX: 53, FromY: 111, ToX: 55, ToY: 109, SubX: 8, SubY: 8},
		{FromX: 512, FromY: 1, ToX: 1, ToY: 512},
	} {
		assert.Equal(t, m, DecodeMovement(EncodeMovement(m)))
	}
}

func TestPositionThroughCodec(t *testing.T) {
	p := Position{X: 156, Y: 191, Dir: 4}
	m := Movement{FromX: 150, FromY: 180, ToX: 160, ToY: 190, SubX: 8, SubY: 8}

	out, err := NewEncoder(16).WritePosition(p).WriteMovement(m).Bytes()
	require.NoError(t, err)
	require.Len(t, out, PositionSize+MovementSize)

	d := NewDecoder(out)
	gotP, err := d.ReadPosition()
	require.NoError(t, err)
	gotM, err := d.ReadMovement()
	require.NoError(t, err)
	assert.Equal(t, p, gotP)
	assert.Equal(t, m, gotM)

	_, err = NewDecoder(out[:2]).ReadPosition()
	assert.ErrorIs(t, err, ErrOutOfBounds)
}
