package protocol

import (
	"encoding/binary"
	"fmt"
)

// Encoder writes packet fields into a fixed-capacity buffer.
//
// Writes chain like the old packet builder. The first write that does not fit
// records an *OverflowError; later writes are ignored and Err/Bytes report it.
type Encoder struct {
	buf []byte
	pos int
	err error
}

// NewEncoder creates an encoder with the given capacity.
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, capacity)}
}

// NewPacket starts a fixed packet with its opcode.
func NewPacket(op Opcode) *Encoder {
	return NewEncoder(DefaultSendCapacity).WriteUint16(uint16(op))
}

// NewVariablePacket starts a self-sized packet: the opcode followed by a
// length placeholder that Finish backpatches.
func NewVariablePacket(op Opcode) *Encoder {
	return NewEncoder(DefaultSendCapacity).WriteUint16(uint16(op)).Skip(LengthFieldSize)
}

func (e *Encoder) reserve(op string, n int) []byte {
	if e.err != nil {
		return nil
	}
	if n < 0 || n > len(e.buf)-e.pos {
		e.err = &OverflowError{Op: op, Offset: e.pos, Want: n, Capacity: len(e.buf)}
		return nil
	}
	b := e.buf[e.pos : e.pos+n]
	e.pos += n
	return b
}

// WriteUint8 writes a single byte.
func (e *Encoder) WriteUint8(v uint8) *Encoder {
	if b := e.reserve("write uint8", 1); b != nil {
		b[0] = v
	}
	return e
}

// WriteUint16 writes a uint16 in little-endian order.
func (e *Encoder) WriteUint16(v uint16) *Encoder {
	if b := e.reserve("write uint16", 2); b != nil {
		binary.LittleEndian.PutUint16(b, v)
	}
	return e
}

// WriteUint32 writes a uint32 in little-endian order.
func (e *Encoder) WriteUint32(v uint32) *Encoder {
	if b := e.reserve("write uint32", 4); b != nil {
		binary.LittleEndian.PutUint32(b, v)
	}
	return e
}

// WriteUint64 writes a uint64 in little-endian order.
func (e *Encoder) WriteUint64(v uint64) *Encoder {
	if b := e.reserve("write uint64", 8); b != nil {
		binary.LittleEndian.PutUint64(b, v)
	}
	return e
}

// WriteUint16BE writes a uint16 in big-endian order.
func (e *Encoder) WriteUint16BE(v uint16) *Encoder {
	if b := e.reserve("write uint16 be", 2); b != nil {
		binary.BigEndian.PutUint16(b, v)
	}
	return e
}

// WriteUint32BE writes a uint32 in big-endian order.
func (e *Encoder) WriteUint32BE(v uint32) *Encoder {
	if b := e.reserve("write uint32 be", 4); b != nil {
		binary.BigEndian.PutUint32(b, v)
	}
	return e
}

// WriteUint64BE writes a uint64 in big-endian order.
func (e *Encoder) WriteUint64BE(v uint64) *Encoder {
	if b := e.reserve("write uint64 be", 8); b != nil {
		binary.BigEndian.PutUint64(b, v)
	}
	return e
}

// WriteBytes writes raw bytes.
func (e *Encoder) WriteBytes(data []byte) *Encoder {
	if b := e.reserve("write bytes", len(data)); b != nil {
		copy(b, data)
	}
	return e
}

// Skip advances n bytes without writing. The skipped bytes stay zero.
func (e *Encoder) Skip(n int) *Encoder {
	e.reserve("skip", n)
	return e
}

// WriteString writes the raw bytes of s followed by one zero terminator.
func (e *Encoder) WriteString(s string) *Encoder {
	if b := e.reserve("write string", len(s)+1); b != nil {
		copy(b, s)
		b[len(s)] = 0
	}
	return e
}

// WriteFixedString writes s into an n-byte zero-padded field. One byte is
// reserved for the terminator, so strings of n bytes or more are rejected
// with ErrStringTooLong.
func (e *Encoder) WriteFixedString(s string, n int) *Encoder {
	if e.err != nil {
		return e
	}
	if len(s) >= n {
		e.err = fmt.Errorf("%w: %d bytes into %d-byte field", ErrStringTooLong, len(s), n)
		return e
	}
	return e.WriteString(s).Skip(n - len(s) - 1)
}

// PatchUint16 rewrites a little-endian uint16 already written at offset.
func (e *Encoder) PatchUint16(offset int, v uint16) error {
	if e.err != nil {
		return e.err
	}
	if offset < 0 || offset+2 > e.pos {
		return &OverflowError{Op: "patch uint16", Offset: offset, Want: 2, Capacity: e.pos}
	}
	binary.LittleEndian.PutUint16(e.buf[offset:], v)
	return nil
}

// Finish backpatches the total length of a packet started with NewVariablePacket.
func (e *Encoder) Finish() *Encoder {
	if e.err != nil {
		return e
	}
	if e.pos > MaxPacketSize {
		e.err = &OverflowError{Op: "finish", Offset: e.pos, Want: e.pos, Capacity: MaxPacketSize}
		return e
	}
	if err := e.PatchUint16(HeaderSize, uint16(e.pos)); err != nil {
		e.err = err
	}
	return e
}

// Len returns the number of bytes written, padding included.
func (e *Encoder) Len() int { return e.pos }

// Cap returns the buffer capacity.
func (e *Encoder) Cap() int { return len(e.buf) }

// Err returns the first error recorded by a write.
func (e *Encoder) Err() error { return e.err }

// Bytes returns the encoded packet, or the first recorded error.
func (e *Encoder) Bytes() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.buf[:e.pos], nil
}

// String returns a hex dump of the current packet for debugging.
func (e *Encoder) String() string {
	return fmt.Sprintf("Encoder[%d bytes]: %x", e.pos, e.buf[:e.pos])
}

// ---- Pre-built packet constructors ----

// ClientHashSize is the size of the executable hash sent by UDPCLHASH.
const ClientHashSize = 16

// BuildUDPClientHash creates the client hash packet (0x0204).
// Format: [cmd:2][hash:16]
func BuildUDPClientHash(hash [ClientHashSize]byte) ([]byte, error) {
	return NewPacket(OpUDPClientHash).WriteBytes(hash[:]).Bytes()
}

// BuildReqAuth creates the credentials packet (0x0064).
// Format: [cmd:2][version:4][username:24][password:24][client_type:1]
func BuildReqAuth(version uint32, username, password string, clientType uint8) ([]byte, error) {
	return NewPacket(OpReqAuth).
		WriteUint32(version).
		WriteFixedString(username, CredentialSize).
		WriteFixedString(password, CredentialSize).
		WriteUint8(clientType).
		Bytes()
}

// BuildReqToConnect creates the char server entry packet (0x0065).
// Format: [cmd:2][account_id:4][login_id1:4][login_id2:4][unknown:2][sex:1]
func BuildReqToConnect(accountID, loginID1, loginID2 uint32, sex uint8) ([]byte, error) {
	return NewPacket(OpReqToConnect).
		WriteUint32(accountID).
		WriteUint32(loginID1).
		WriteUint32(loginID2).
		WriteUint16(0).
		WriteUint8(sex).
		Bytes()
}

// BuildReqCharList creates the character list request (0x09A1).
func BuildReqCharList() ([]byte, error) {
	return NewPacket(OpReqCharList).Bytes()
}

// BuildCharSelect creates the character selection packet (0x0066).
func BuildCharSelect(slot uint8) ([]byte, error) {
	return NewPacket(OpCharSelect).WriteUint8(slot).Bytes()
}

// BuildConnectMapServer creates the map server entry packet (0x0436).
// Format: [cmd:2][account_id:4][char_id:4][login_id1:4][client_tick:4][sex:1]
func BuildConnectMapServer(accountID, charID, loginID1, tick uint32, sex uint8) ([]byte, error) {
	return NewPacket(OpConnectMapServer).
		WriteUint32(accountID).
		WriteUint32(charID).
		WriteUint32(loginID1).
		WriteUint32(tick).
		WriteUint8(sex).
		Bytes()
}

// Actions accepted by BuildRequestAction.
const (
	ActionAttack       uint8 = 0
	ActionSit          uint8 = 2
	ActionStand        uint8 = 3
	ActionAttackRepeat uint8 = 7
)

// BuildRequestAction creates an action request (0x0437).
func BuildRequestAction(targetID uint32, action uint8) ([]byte, error) {
	return NewPacket(OpRequestAction).WriteUint32(targetID).WriteUint8(action).Bytes()
}

// BuildEffectsOption creates the reduced-effects option packet (0x021D).
func BuildEffectsOption(option uint32) ([]byte, error) {
	return NewPacket(OpEffectsOption).WriteUint32(option).Bytes()
}

// BuildAckMap tells the map server the client finished loading (0x007D).
func BuildAckMap() ([]byte, error) {
	return NewPacket(OpAckMap).Bytes()
}

// BuildClientTick creates the keepalive tick packet (0x0360).
func BuildClientTick(tick uint32) ([]byte, error) {
	return NewPacket(OpClientTick).WriteUint32(tick).Bytes()
}

// BuildChangeDir creates a facing change packet (0x0361).
func BuildChangeDir(headDir uint16, dir uint8) ([]byte, error) {
	return NewPacket(OpChangeDir).WriteUint16(headDir).WriteUint8(dir & 0x0F).Bytes()
}

// BuildPingLiveAck answers the server liveness probe (0x0B1C).
func BuildPingLiveAck() ([]byte, error) {
	return NewPacket(OpPingLiveAck).Bytes()
}

// BuildChatMessage creates a public chat packet (0x00F3).
// Format: [cmd:2][len:2]["name : text\0"]
func BuildChatMessage(name, text string) ([]byte, error) {
	return NewVariablePacket(OpChatMessage).
		WriteString(name + " : " + text).
		Finish().
		Bytes()
}
