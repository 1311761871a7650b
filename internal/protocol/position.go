package protocol

// Position is a map cell plus facing packed into 3 bytes:
// 10 bits x, 10 bits y, 4 bits direction.
type Position struct {
	X   uint16
	Y   uint16
	Dir uint8
}

// Movement is a walk from one cell to another packed into 6 bytes:
// two 10-bit coordinate pairs followed by the 4-bit sub-cell offsets.
type Movement struct {
	FromX uint16
	FromY uint16
	ToX   uint16
	ToY   uint16
	SubX  uint8
	SubY  uint8
}

const (
	PositionSize = 3
	MovementSize = 6
)

// DecodePosition unpacks a 3-byte position.
func DecodePosition(b [PositionSize]byte) Position {
	return Position{
		X:   uint16(b[0])<<2 | uint16(b[1]>>6),
		Y:   uint16(b[1]&0x3F)<<4 | uint16(b[2]>>4),
		Dir: b[2] & 0x0F,
	}
}

// EncodePosition packs a position. Coordinates keep their low 10 bits.
func EncodePosition(p Position) [PositionSize]byte {
	return [PositionSize]byte{
		byte(p.X >> 2),
		byte(p.X<<6) | byte(p.Y>>4)&0x3F,
		byte(p.Y<<4) | p.Dir&0x0F,
	}
}

// DecodeMovement unpacks a 6-byte movement.
func DecodeMovement(b [MovementSize]byte) Movement {
	return Movement{
		FromX: uint16(b[0])<<2 | uint16(b[1]>>6),
		FromY: uint16(b[1]&0x3F)<<4 | uint16(b[2]>>4),
		ToX:   uint16(b[2]&0x0F)<<6 | uint16(b[3]>>2),
		ToY:   uint16(b[3]&0x03)<<8 | uint16(b[4]),
		SubX:  b[5] >> 4,
		SubY:  b[5] & 0x0F,
	}
}

// EncodeMovement packs a movement.
func EncodeMovement(m Movement) [MovementSize]byte {
	return [MovementSize]byte{
		byte(m.FromX >> 2),
		byte(m.FromX<<6) | byte(m.FromY>>4)&0x3F,
		byte(m.FromY<<4) | byte(m.ToX>>6)&0x0F,
		byte(m.ToX<<2) | byte(m.ToY>>8)&0x03,
		byte(m.ToY),
		m.SubX<<4 | m.SubY&0x0F,
	}
}

// ReadPosition reads a packed 3-byte position.
func (d *Decoder) ReadPosition() (Position, error) {
	b, err := d.take("read position", PositionSize)
	if err != nil {
		return Position{}, err
	}
	return DecodePosition([PositionSize]byte(b)), nil
}

// ReadMovement reads a packed 6-byte movement.
func (d *Decoder) ReadMovement() (Movement, error) {
	b, err := d.take("read movement", MovementSize)
	if err != nil {
		return Movement{}, err
	}
	return DecodeMovement([MovementSize]byte(b)), nil
}

// WritePosition writes a packed 3-byte position.
func (e *Encoder) WritePosition(p Position) *Encoder {
	b := EncodePosition(p)
	return e.WriteBytes(b[:])
}

// WriteMovement writes a packed 6-byte movement.
func (e *Encoder) WriteMovement(m Movement) *Encoder {
	b := EncodeMovement(m)
	return e.WriteBytes(b[:])
}
