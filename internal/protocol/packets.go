// Package protocol implements the binary codec and stream framing for the
// login, character-select and map servers. Every packet starts with a 2-byte
// little-endian opcode; variable-length packets follow it with a 2-byte
// little-endian total length that includes the opcode itself.
package protocol

import "fmt"

const (
	// HeaderSize is the size of the opcode that starts every packet.
	HeaderSize = 2

	// LengthFieldSize is the size of the in-band total length carried by
	// sentinel-variable packets right after the opcode.
	LengthFieldSize = 2

	// MaxPacketSize bounds a single frame, header included.
	MaxPacketSize = 16 * 1024

	// DefaultSendCapacity is the encoder capacity used for client packets.
	DefaultSendCapacity = 1024
)

// Phase identifies which server tier a connection talks to.
type Phase uint8

const (
	PhaseLogin Phase = iota + 1
	PhaseCharList
	PhaseGame
)

func (p Phase) String() string {
	switch p {
	case PhaseLogin:
		return "login"
	case PhaseCharList:
		return "charlist"
	case PhaseGame:
		return "game"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Opcode is the 2-byte packet identifier.
type Opcode uint16

func (o Opcode) String() string {
	return fmt.Sprintf("0x%04X", uint16(o))
}

// Login server -> client
const (
	OpAuthOK     Opcode = 0x0AC4 // Login accepted: session ids + server list
	OpAuthResult Opcode = 0x0081 // Login refused with a 1-byte code
)

// Client -> login server
const (
	OpUDPClientHash Opcode = 0x0204 // 16-byte client executable hash
	OpReqAuth       Opcode = 0x0064 // Credentials
)

// Char server -> client
const (
	OpWindowData         Opcode = 0x082D // Slot counts
	OpCharsData          Opcode = 0x006B // Character list
	OpNotify             Opcode = 0x09A0 // Page count
	OpBanCharacter       Opcode = 0x020D // Characters pending deletion
	OpPinCodeState       Opcode = 0x08B9 // Pin code seed / state
	OpAckCharInfoPerPage Opcode = 0x0B72 // One page of characters
	OpMapData            Opcode = 0x0AC5 // Map server address for the selected character
	OpMapServerNotReady  Opcode = 0x0840 // Map server unavailable
)

// Client -> char server
const (
	OpReqToConnect Opcode = 0x0065
	OpReqCharList  Opcode = 0x09A1
	OpCharSelect   Opcode = 0x0066
)

// Map server -> client
const (
	OpAccountID         Opcode = 0x0283
	OpAcceptEnter       Opcode = 0x02EB
	OpWeightLimit       Opcode = 0x0ADE
	OpParChange         Opcode = 0x00B0
	OpLongParChange     Opcode = 0x00B1
	OpLongParChange2    Opcode = 0x0ACB
	OpCoupleStatus      Opcode = 0x0141
	OpStatus            Opcode = 0x00BD
	OpStatusChange      Opcode = 0x00BE
	OpNotifyExp         Opcode = 0x0ACC
	OpInventoryStart    Opcode = 0x0B08
	OpInventoryNormal   Opcode = 0x0B09
	OpInventoryEquip    Opcode = 0x0B0A
	OpInventoryEnd      Opcode = 0x0B0B
	OpQuestList         Opcode = 0x09F8
	OpAchievementList   Opcode = 0x0A23
	OpAchievementUpdate Opcode = 0x0A24
	OpPartyConfig       Opcode = 0x02C9
	OpConfigNotify      Opcode = 0x02DA
	OpShortcutKeys      Opcode = 0x0A00
	OpNotifyTime        Opcode = 0x007F
	OpNotifyVanish      Opcode = 0x0080
	OpPlayerMove        Opcode = 0x0087
	OpStopMove          Opcode = 0x0088
	OpNotifyChat        Opcode = 0x008D
	OpNotifyPlayerChat  Opcode = 0x008E
	OpChangeDirection   Opcode = 0x009C
	OpMapMove           Opcode = 0x0091
	OpSpriteChange      Opcode = 0x01D7
	OpUnreadMail        Opcode = 0x09E7
	OpNameAll           Opcode = 0x0A30
	OpStandEntry        Opcode = 0x09FF
	OpAttackRange       Opcode = 0x013A
	OpCartCount         Opcode = 0x0121
	OpPingLive          Opcode = 0x0B1D
)

// Client -> map server
const (
	OpConnectMapServer Opcode = 0x0436
	OpRequestAction    Opcode = 0x0437
	OpEffectsOption    Opcode = 0x021D
	OpAckMap           Opcode = 0x007D
	OpClientTick       Opcode = 0x0360
	OpChangeDir        Opcode = 0x0361
	OpChatMessage      Opcode = 0x00F3
	OpPingLiveAck      Opcode = 0x0B1C
)

// opcodeDef describes one server -> client opcode of a phase.
type opcodeDef struct {
	name   string
	policy LengthPolicy
}

var loginOpcodes = map[Opcode]opcodeDef{
	OpAuthOK:     {"AuthOK", Variable()},
	OpAuthResult: {"AuthResult", Fixed(1)},
}

var charListOpcodes = map[Opcode]opcodeDef{
	OpWindowData:         {"WindowData", Variable()},
	OpCharsData:          {"CharsData", Variable()},
	OpNotify:             {"Notify", Fixed(4)},
	OpBanCharacter:       {"BanCharacter", Variable()},
	OpPinCodeState:       {"PinCodeState", Fixed(10)},
	OpAckCharInfoPerPage: {"AckCharInfoPerPage", Variable()},
	OpMapData:            {"MapData", Fixed(154)},
	OpMapServerNotReady:  {"MapServerNotReady", Fixed(22)},
}

var gameOpcodes = map[Opcode]opcodeDef{
	OpAccountID:         {"AccountID", Fixed(4)},
	OpAcceptEnter:       {"AcceptEnter", Fixed(11)},
	OpWeightLimit:       {"WeightLimit", Fixed(4)},
	OpParChange:         {"ParChange", Fixed(6)},
	OpLongParChange:     {"LongParChange", Fixed(6)},
	OpLongParChange2:    {"LongParChange2", Fixed(10)},
	OpCoupleStatus:      {"CoupleStatus", Fixed(12)},
	OpStatus:            {"Status", Fixed(42)},
	OpStatusChange:      {"StatusChange", Fixed(3)},
	OpNotifyExp:         {"NotifyExp", Fixed(16)},
	OpInventoryStart:    {"InventoryStart", Variable()},
	OpInventoryNormal:   {"InventoryNormal", Variable()},
	OpInventoryEquip:    {"InventoryEquip", Variable()},
	OpInventoryEnd:      {"InventoryEnd", Fixed(2)},
	OpQuestList:         {"QuestList", Variable()},
	OpAchievementList:   {"AchievementList", Variable()},
	OpAchievementUpdate: {"AchievementUpdate", Fixed(64)},
	OpPartyConfig:       {"PartyConfig", Fixed(1)},
	OpConfigNotify:      {"ConfigNotify", Fixed(1)},
	OpShortcutKeys:      {"ShortcutKeys", Fixed(267)},
	OpNotifyTime:        {"NotifyTime", Fixed(4)},
	OpNotifyVanish:      {"NotifyVanish", Fixed(5)},
	OpPlayerMove:        {"PlayerMove", Fixed(10)},
	OpStopMove:          {"StopMove", Fixed(8)},
	OpNotifyChat:        {"NotifyChat", Variable()},
	OpNotifyPlayerChat:  {"NotifyPlayerChat", Variable()},
	OpChangeDirection:   {"ChangeDirection", Fixed(7)},
	OpMapMove:           {"MapMove", Fixed(20)},
	OpSpriteChange:      {"SpriteChange", Fixed(9)},
	OpUnreadMail:        {"UnreadMail", Fixed(1)},
	OpNameAll:           {"NameAll", Fixed(104)},
	OpStandEntry:        {"StandEntry", Variable()},
	OpAttackRange:       {"AttackRange", Fixed(2)},
	OpCartCount:         {"CartCount", Fixed(12)},
	OpPingLive:          {"PingLive", Fixed(0)},
}

func opcodesOf(p Phase) map[Opcode]opcodeDef {
	switch p {
	case PhaseLogin:
		return loginOpcodes
	case PhaseCharList:
		return charListOpcodes
	case PhaseGame:
		return gameOpcodes
	default:
		return nil
	}
}

// ParseOpcode converts a wire value into an opcode known to the phase.
// Unknown values yield an *UnknownOpcodeError.
func ParseOpcode(p Phase, v uint16) (Opcode, error) {
	op := Opcode(v)
	if _, ok := opcodesOf(p)[op]; !ok {
		return 0, &UnknownOpcodeError{Phase: p, Opcode: op}
	}
	return op, nil
}

// OpcodeName returns a readable name for a server opcode of the phase.
func OpcodeName(p Phase, op Opcode) string {
	if def, ok := opcodesOf(p)[op]; ok {
		return def.name
	}
	return op.String()
}

// Opcodes lists every server -> client opcode the phase understands.
func Opcodes(p Phase) []Opcode {
	set := opcodesOf(p)
	out := make([]Opcode, 0, len(set))
	for op := range set {
		out = append(out, op)
	}
	return out
}

// AuthResult is the refusal code carried by AUTHRESULT.
type AuthResult uint8

const (
	AuthServerClosed        AuthResult = 1
	AuthAlreadyLoggedWithID AuthResult = 2
	AuthAlreadyOnline       AuthResult = 8
)

func (r AuthResult) String() string {
	switch r {
	case AuthServerClosed:
		return "server closed"
	case AuthAlreadyLoggedWithID:
		return "already logged with id"
	case AuthAlreadyOnline:
		return "already online"
	default:
		return "unknown"
	}
}

// ParseAuthResult converts the wire code, failing on values the client does not know.
func ParseAuthResult(v uint8) (AuthResult, error) {
	switch r := AuthResult(v); r {
	case AuthServerClosed, AuthAlreadyLoggedWithID, AuthAlreadyOnline:
		return r, nil
	default:
		return r, fmt.Errorf("unknown auth result code %d", v)
	}
}
