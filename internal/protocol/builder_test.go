package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoderEndianness(t *testing.T) {
	out, err := NewEncoder(32).
		WriteUint8(0x01).
		WriteUint16(0x0302).
		WriteUint32(0x07060504).
		WriteUint16BE(0x0809).
		WriteUint32BE(0x0A0B0C0D).
		WriteUint64(0x0102030405060708).
		Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{
		0x01,
		0x02, 0x03,
		0x04, 0x05, 0x06, 0x07,
		0x08, 0x09,
		0x0A, 0x0B, 0x0C, 0x0D,
		0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01,
	}, out)
}

func TestEncoderOverflowIsSticky(t *testing.T) {
	r := require.New(t)

	e := NewEncoder(5).WriteUint32(1).WriteUint16(2).WriteUint8(3)
	r.ErrorIs(e.Err(), ErrOverflow)
	r.Equal(4, e.Len(), "the failing write and everything after it is dropped")

	var oerr *OverflowError
	r.True(errors.As(e.Err(), &oerr))
	r.Equal("write uint16", oerr.Op)
	r.Equal(4, oerr.Offset)
	r.Equal(5, oerr.Capacity)

	out, err := e.Bytes()
	r.Nil(out)
	r.ErrorIs(err, ErrOverflow)

	r.ErrorIs(NewEncoder(2).Skip(3).Err(), ErrOverflow)
	r.ErrorIs(NewEncoder(3).WriteString("abc").Err(), ErrOverflow)
}

func TestEncoderSkipPads(t *testing.T) {
	out, err := NewEncoder(8).WriteUint8(0xFF).Skip(3).WriteUint8(0xEE).Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0, 0, 0, 0xEE}, out)
}

func TestFixedStringRoundTrip(t *testing.T) {
	for _, s := range []string{"", "a", "Poring", "exactly23characterslong"} {
		out, err := NewEncoder(64).WriteFixedString(s, CharNameSize).Bytes()
		require.NoError(t, err, s)
		require.Len(t, out, CharNameSize, s)

		got, err := NewDecoder(out).ReadFixedString(CharNameSize)
		require.NoError(t, err, s)
		assert.Equal(t, s, got)
	}
}

func TestFixedStringRejectsLong(t *testing.T) {
	for _, s := range []string{"exactly24characterslong!", "this one is much longer than the field"} {
		e := NewEncoder(64).WriteUint8(1).WriteFixedString(s, CharNameSize).WriteUint8(2)
		assert.ErrorIs(t, e.Err(), ErrStringTooLong, s)
		assert.Equal(t, 1, e.Len(), s)
	}
}

func TestPatchUint16(t *testing.T) {
	r := require.New(t)

	e := NewEncoder(8).WriteUint16(0).WriteUint16(0xFFFF)
	r.NoError(e.PatchUint16(0, 0xBEEF))
	out, err := e.Bytes()
	r.NoError(err)
	r.Equal([]byte{0xEF, 0xBE, 0xFF, 0xFF}, out)

	r.ErrorIs(e.PatchUint16(3, 1), ErrOverflow, "patch must stay inside written bytes")
	r.ErrorIs(e.PatchUint16(-1, 1), ErrOverflow)
}

func TestVariablePacketFinish(t *testing.T) {
	out, err := BuildChatMessage("Novice", "hi")
	require.NoError(t, err)

	text := "Novice : hi\x00"
	require.Len(t, out, 4+len(text))
	assert.Equal(t, []byte{0xF3, 0x00}, out[:2])
	assert.Equal(t, []byte{byte(len(out)), 0x00}, out[2:4])
	assert.Equal(t, text, string(out[4:]))

	// the framer must accept what the encoder produced
	table, err := NewCustomLengthTable(PhaseGame, map[Opcode]LengthPolicy{OpChatMessage: Variable()})
	require.NoError(t, err)
	frame, err := NewFramer(bytes.NewReader(out), table).Next()
	require.NoError(t, err)
	msg, err := frame.Decoder().ReadCString()
	require.NoError(t, err)
	assert.Equal(t, "Novice : hi", msg)
}

func TestFinishRejectsOversizedPacket(t *testing.T) {
	e := NewEncoder(MaxPacketSize + 8).WriteUint16(uint16(OpChatMessage)).Skip(LengthFieldSize).Skip(MaxPacketSize)
	require.NoError(t, e.Err())
	assert.ErrorIs(t, e.Finish().Err(), ErrOverflow)
}

func TestClientPacketSizes(t *testing.T) {
	build := func(b []byte, err error) []byte {
		require.NoError(t, err)
		return b
	}

	cases := []struct {
		name string
		pkt  []byte
		op   Opcode
		size int
	}{
		{"UDPCLHASH", build(BuildUDPClientHash([ClientHashSize]byte{})), OpUDPClientHash, 18},
		{"REQAUTH", build(BuildReqAuth(0x80000001, "user", "pass", 2)), OpReqAuth, 55},
		{"ReqToConnect", build(BuildReqToConnect(1, 2, 3, 1)), OpReqToConnect, 17},
		{"ReqCharList", build(BuildReqCharList()), OpReqCharList, 2},
		{"CharSelect", build(BuildCharSelect(0)), OpCharSelect, 3},
		{"ConnectMapServer", build(BuildConnectMapServer(1, 2, 3, 4, 0)), OpConnectMapServer, 19},
		{"RequestAction", build(BuildRequestAction(0, ActionSit)), OpRequestAction, 7},
		{"EffectsOption", build(BuildEffectsOption(0)), OpEffectsOption, 6},
		{"AckMap", build(BuildAckMap()), OpAckMap, 2},
		{"ClientTick", build(BuildClientTick(1000)), OpClientTick, 6},
		{"ChangeDir", build(BuildChangeDir(0, 4)), OpChangeDir, 5},
		{"PingLiveAck", build(BuildPingLiveAck()), OpPingLiveAck, 2},
	}

	for _, tc := range cases {
		assert.Len(t, tc.pkt, tc.size, tc.name)
		assert.Equal(t, uint16(tc.op), uint16(tc.pkt[0])|uint16(tc.pkt[1])<<8, tc.name)
	}
}

func TestBuildReqAuthLayout(t *testing.T) {
	a := assert.New(t)

	out, err := BuildReqAuth(0x80000001, "kafra", "secret", 2)
	require.NoError(t, err)

	d := NewDecoder(out)
	op, _ := d.ReadUint16()
	a.Equal(uint16(OpReqAuth), op)
	version, _ := d.ReadUint32()
	a.Equal(uint32(0x80000001), version)
	user, _ := d.ReadFixedString(CredentialSize)
	a.Equal("kafra", user)
	pass, _ := d.ReadFixedString(CredentialSize)
	a.Equal("secret", pass)
	clientType, err := d.ReadUint8()
	require.NoError(t, err)
	a.Equal(uint8(2), clientType)
	a.True(d.EOF())

	_, err = BuildReqAuth(1, "a-username-that-is-way-too-long", "x", 2)
	a.ErrorIs(err, ErrStringTooLong)
}
