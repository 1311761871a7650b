package protocol

import (
	"fmt"
	"net"
	"strconv"
)

// Field widths of the fixed strings and records used by the servers.
const (
	CredentialSize    = 24
	ServerNameSize    = 20
	CharNameSize      = 24
	MapNameSize       = 16
	WebTokenSize      = 17
	BanDateSize       = 20
	CharacterInfoSize = 175
	ServerEntrySize   = 160
)

// fieldReader keeps the first decode error so long records read linearly.
type fieldReader struct {
	d   *Decoder
	err error
}

func (r *fieldReader) u8() uint8 {
	if r.err != nil {
		return 0
	}
	v, err := r.d.ReadUint8()
	r.err = err
	return v
}

func (r *fieldReader) u16() uint16 {
	if r.err != nil {
		return 0
	}
	v, err := r.d.ReadUint16()
	r.err = err
	return v
}

func (r *fieldReader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	v, err := r.d.ReadUint32()
	r.err = err
	return v
}

func (r *fieldReader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	v, err := r.d.ReadUint64()
	r.err = err
	return v
}

func (r *fieldReader) str(n int) string {
	if r.err != nil {
		return ""
	}
	v, err := r.d.ReadFixedString(n)
	r.err = err
	return v
}

func (r *fieldReader) skip(n int) {
	if r.err != nil {
		return
	}
	r.err = r.d.Skip(n)
}

func (r *fieldReader) pos() Position {
	if r.err != nil {
		return Position{}
	}
	v, err := r.d.ReadPosition()
	r.err = err
	return v
}

func (r *fieldReader) move() Movement {
	if r.err != nil {
		return Movement{}
	}
	v, err := r.d.ReadMovement()
	r.err = err
	return v
}

func (r *fieldReader) wrap(what string) error {
	if r.err == nil {
		return nil
	}
	return fmt.Errorf("failed to parse %s: %w", what, r.err)
}

// IPv4FromWire converts an address stored as a little-endian uint32 where the
// low byte is the first octet.
func IPv4FromWire(v uint32) net.IP {
	return net.IPv4(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// IPv4ToWire is the inverse of IPv4FromWire.
func IPv4ToWire(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return uint32(ip4[0]) | uint32(ip4[1])<<8 | uint32(ip4[2])<<16 | uint32(ip4[3])<<24
}

// ---- Login server ----

// ServerEntry is one character server advertised by AUTHOK.
type ServerEntry struct {
	IP    net.IP `json:"ip"`
	Port  uint16 `json:"port"`
	Name  string `json:"name"`
	Users uint16 `json:"users"`
	Type  uint16 `json:"type"`
	New   uint16 `json:"new"`
}

// Addr returns the host:port of the server.
func (s ServerEntry) Addr() string {
	return net.JoinHostPort(s.IP.String(), strconv.Itoa(int(s.Port)))
}

// AuthAccept is the decoded AUTHOK packet.
type AuthAccept struct {
	LoginID1  uint32
	AccountID uint32
	LoginID2  uint32
	LastIP    net.IP
	Sex       uint8
	WebToken  string
	Servers   []ServerEntry
}

// ParseAuthOK decodes AUTHOK (0x0AC4).
// Format: [login_id1:4][account_id:4][login_id2:4][last_ip:4][last_login:24][unknown:2]
//
//	[sex:1][web_token:17][servers: n * 160]
func ParseAuthOK(d *Decoder) (*AuthAccept, error) {
	r := &fieldReader{d: d}
	auth := &AuthAccept{
		LoginID1:  r.u32(),
		AccountID: r.u32(),
		LoginID2:  r.u32(),
		LastIP:    IPv4FromWire(r.u32()),
	}
	r.skip(24)
	r.u16()
	auth.Sex = r.u8()
	auth.WebToken = r.str(WebTokenSize)
	if err := r.wrap("auth ok header"); err != nil {
		return nil, err
	}

	for !d.EOF() {
		entry := ServerEntry{
			IP:   IPv4FromWire(r.u32()),
			Port: r.u16(),
			Name: r.str(ServerNameSize),
		}
		entry.Users = r.u16()
		entry.Type = r.u16()
		entry.New = r.u16()
		r.skip(128)
		if err := r.wrap("server entry"); err != nil {
			return nil, err
		}
		auth.Servers = append(auth.Servers, entry)
	}

	return auth, nil
}

// ParseAuthResultPacket decodes AUTHRESULT (0x0081) into its refusal code.
func ParseAuthResultPacket(d *Decoder) (AuthResult, error) {
	code, err := d.ReadUint8()
	if err != nil {
		return 0, fmt.Errorf("failed to parse auth result: %w", err)
	}
	return AuthResult(code), nil
}

// ---- Char server ----

// WindowData is the slot summary sent first by the char server.
type WindowData struct {
	MinChars        uint8
	PremiumChars    uint8
	BillingChars    uint8
	ProducibleChars uint8
	MaxChars        uint8
}

// ParseWindowData decodes 0x082D.
func ParseWindowData(d *Decoder) (*WindowData, error) {
	r := &fieldReader{d: d}
	w := &WindowData{
		MinChars:        r.u8(),
		PremiumChars:    r.u8(),
		BillingChars:    r.u8(),
		ProducibleChars: r.u8(),
		MaxChars:        r.u8(),
	}
	r.skip(20)
	if err := r.wrap("window data"); err != nil {
		return nil, err
	}
	return w, nil
}

// CharacterInfo is one 175-byte character record.
type CharacterInfo struct {
	ID          uint32 `json:"id"`
	BaseExp     uint64 `json:"base_exp"`
	Zeny        uint32 `json:"zeny"`
	JobExp      uint64 `json:"job_exp"`
	JobLevel    uint32 `json:"job_level"`
	BodyState   uint32 `json:"-"`
	HealthState uint32 `json:"-"`
	EffectState uint32 `json:"-"`
	Virtue      uint32 `json:"-"`
	Honor       uint32 `json:"-"`
	JobPoints   uint16 `json:"job_points"`
	HP          uint64 `json:"hp"`
	MaxHP       uint64 `json:"max_hp"`
	SP          uint64 `json:"sp"`
	MaxSP       uint64 `json:"max_sp"`
	Speed       uint16 `json:"speed"`
	Job         uint16 `json:"job"`
	Head        uint16 `json:"-"`
	Body        uint16 `json:"-"`
	Weapon      uint16 `json:"-"`
	BaseLevel   uint16 `json:"base_level"`
	SkillPoints uint16 `json:"skill_points"`
	Accessory   uint16 `json:"-"`
	Shield      uint16 `json:"-"`
	Accessory2  uint16 `json:"-"`
	Accessory3  uint16 `json:"-"`
	HeadPalette uint16 `json:"-"`
	BodyPalette uint16 `json:"-"`
	Name        string `json:"name"`
	Str         uint8  `json:"str"`
	Agi         uint8  `json:"agi"`
	Vit         uint8  `json:"vit"`
	Int         uint8  `json:"int"`
	Dex         uint8  `json:"dex"`
	Luk         uint8  `json:"luk"`
	Slot        uint8  `json:"slot"`
	HairColor   uint8  `json:"-"`
	Renamed     uint16 `json:"-"`
	MapName     string `json:"map"`
	DeleteDate  uint32 `json:"-"`
	RobePalette uint32 `json:"-"`
	SlotChanges uint32 `json:"-"`
	NameChanges uint32 `json:"-"`
	Sex         uint8  `json:"sex"`
}

func readCharacterInfo(r *fieldReader) CharacterInfo {
	return CharacterInfo{
		ID:          r.u32(),
		BaseExp:     r.u64(),
		Zeny:        r.u32(),
		JobExp:      r.u64(),
		JobLevel:    r.u32(),
		BodyState:   r.u32(),
		HealthState: r.u32(),
		EffectState: r.u32(),
		Virtue:      r.u32(),
		Honor:       r.u32(),
		JobPoints:   r.u16(),
		HP:          r.u64(),
		MaxHP:       r.u64(),
		SP:          r.u64(),
		MaxSP:       r.u64(),
		Speed:       r.u16(),
		Job:         r.u16(),
		Head:        r.u16(),
		Body:        r.u16(),
		Weapon:      r.u16(),
		BaseLevel:   r.u16(),
		SkillPoints: r.u16(),
		Accessory:   r.u16(),
		Shield:      r.u16(),
		Accessory2:  r.u16(),
		Accessory3:  r.u16(),
		HeadPalette: r.u16(),
		BodyPalette: r.u16(),
		Name:        r.str(CharNameSize),
		Str:         r.u8(),
		Agi:         r.u8(),
		Vit:         r.u8(),
		Int:         r.u8(),
		Dex:         r.u8(),
		Luk:         r.u8(),
		Slot:        r.u8(),
		HairColor:   r.u8(),
		Renamed:     r.u16(),
		MapName:     r.str(MapNameSize),
		DeleteDate:  r.u32(),
		RobePalette: r.u32(),
		SlotChanges: r.u32(),
		NameChanges: r.u32(),
		Sex:         r.u8(),
	}
}

// ParseCharacterList decodes consecutive character records until the payload ends.
func ParseCharacterList(d *Decoder) ([]CharacterInfo, error) {
	r := &fieldReader{d: d}
	var chars []CharacterInfo
	for !d.EOF() {
		c := readCharacterInfo(r)
		if err := r.wrap("character info"); err != nil {
			return nil, err
		}
		chars = append(chars, c)
	}
	return chars, nil
}

// CharsData is the decoded 0x006B packet.
type CharsData struct {
	MaxChars     uint8
	MinChars     uint8
	PremiumChars uint8
	Characters   []CharacterInfo
}

// ParseCharsData decodes 0x006B.
func ParseCharsData(d *Decoder) (*CharsData, error) {
	r := &fieldReader{d: d}
	cd := &CharsData{
		MaxChars:     r.u8(),
		MinChars:     r.u8(),
		PremiumChars: r.u8(),
	}
	r.skip(20)
	if err := r.wrap("chars data"); err != nil {
		return nil, err
	}

	chars, err := ParseCharacterList(d)
	if err != nil {
		return nil, err
	}
	cd.Characters = chars
	return cd, nil
}

// BanEntry is one character scheduled for deletion.
type BanEntry struct {
	CharacterID uint32
	Until       string
}

// ParseBanCharacter decodes 0x020D.
func ParseBanCharacter(d *Decoder) ([]BanEntry, error) {
	r := &fieldReader{d: d}
	var entries []BanEntry
	for !d.EOF() {
		entry := BanEntry{CharacterID: r.u32()}
		if entry.CharacterID != 0 {
			entry.Until = r.str(BanDateSize)
		}
		if err := r.wrap("ban character"); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// PinCodeState is the decoded 0x08B9 packet.
type PinCodeState struct {
	Seed      uint32
	AccountID uint32
	State     uint16
}

// ParsePinCodeState decodes 0x08B9.
func ParsePinCodeState(d *Decoder) (*PinCodeState, error) {
	r := &fieldReader{d: d}
	p := &PinCodeState{
		Seed:      r.u32(),
		AccountID: r.u32(),
		State:     r.u16(),
	}
	if err := r.wrap("pin code state"); err != nil {
		return nil, err
	}
	return p, nil
}

// MapData tells the client where the selected character lives.
type MapData struct {
	CharacterID uint32
	MapName     string
	IP          net.IP
	Port        uint16
}

// Addr returns the host:port of the map server.
func (m MapData) Addr() string {
	return net.JoinHostPort(m.IP.String(), strconv.Itoa(int(m.Port)))
}

// ParseMapData decodes 0x0AC5.
// Format: [char_id:4][map_name:16][ip:4][port:2][unknown:128]
func ParseMapData(d *Decoder) (*MapData, error) {
	r := &fieldReader{d: d}
	m := &MapData{
		CharacterID: r.u32(),
		MapName:     r.str(MapNameSize),
		IP:          IPv4FromWire(r.u32()),
		Port:        r.u16(),
	}
	r.skip(128)
	if err := r.wrap("map data"); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseMapServerNotReady decodes 0x0840 and returns its status code.
func ParseMapServerNotReady(d *Decoder) (uint16, error) {
	r := &fieldReader{d: d}
	code := r.u16()
	r.skip(20)
	if err := r.wrap("map server not ready"); err != nil {
		return 0, err
	}
	return code, nil
}

// ---- Map server ----

// AcceptEnter is the decoded 0x02EB packet.
type AcceptEnter struct {
	Tick     uint32
	Position Position
	XSize    uint8
	YSize    uint8
	Font     uint16
}

// ParseAcceptEnter decodes 0x02EB.
func ParseAcceptEnter(d *Decoder) (*AcceptEnter, error) {
	r := &fieldReader{d: d}
	a := &AcceptEnter{
		Tick:     r.u32(),
		Position: r.pos(),
		XSize:    r.u8(),
		YSize:    r.u8(),
		Font:     r.u16(),
	}
	if err := r.wrap("accept enter"); err != nil {
		return nil, err
	}
	return a, nil
}

// ParChange is a status parameter update (0x00B0, 0x00B1, 0x0ACB).
type ParChange struct {
	Var   uint16
	Value uint64
}

// ParseParChange decodes 0x00B0 and 0x00B1 (32-bit values).
func ParseParChange(d *Decoder) (*ParChange, error) {
	r := &fieldReader{d: d}
	p := &ParChange{Var: r.u16(), Value: uint64(r.u32())}
	if err := r.wrap("par change"); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseLongParChange2 decodes 0x0ACB (64-bit values).
func ParseLongParChange2(d *Decoder) (*ParChange, error) {
	r := &fieldReader{d: d}
	p := &ParChange{Var: r.u16(), Value: r.u64()}
	if err := r.wrap("long par change"); err != nil {
		return nil, err
	}
	return p, nil
}

// PlayerMove is the decoded 0x0087 packet.
type PlayerMove struct {
	Tick     uint32
	Movement Movement
}

// ParsePlayerMove decodes 0x0087.
func ParsePlayerMove(d *Decoder) (*PlayerMove, error) {
	r := &fieldReader{d: d}
	m := &PlayerMove{Tick: r.u32(), Movement: r.move()}
	if err := r.wrap("player move"); err != nil {
		return nil, err
	}
	return m, nil
}

// StopMove is the decoded 0x0088 packet.
type StopMove struct {
	ID uint32
	X  uint16
	Y  uint16
}

// ParseStopMove decodes 0x0088.
func ParseStopMove(d *Decoder) (*StopMove, error) {
	r := &fieldReader{d: d}
	s := &StopMove{ID: r.u32(), X: r.u16(), Y: r.u16()}
	if err := r.wrap("stop move"); err != nil {
		return nil, err
	}
	return s, nil
}

// DirectionChange is the decoded 0x009C packet.
type DirectionChange struct {
	ID      uint32
	HeadDir uint16
	Dir     uint8
}

// ParseChangeDirection decodes 0x009C.
func ParseChangeDirection(d *Decoder) (*DirectionChange, error) {
	r := &fieldReader{d: d}
	c := &DirectionChange{ID: r.u32(), HeadDir: r.u16(), Dir: r.u8()}
	if err := r.wrap("change direction"); err != nil {
		return nil, err
	}
	return c, nil
}

// MapMove is the decoded 0x0091 packet.
type MapMove struct {
	MapName string
	X       uint16
	Y       uint16
}

// ParseMapMove decodes 0x0091.
func ParseMapMove(d *Decoder) (*MapMove, error) {
	r := &fieldReader{d: d}
	m := &MapMove{MapName: r.str(MapNameSize), X: r.u16(), Y: r.u16()}
	if err := r.wrap("map move"); err != nil {
		return nil, err
	}
	return m, nil
}

// ChatMessage is a chat line received from the map server.
type ChatMessage struct {
	ID      uint32 // zero for the player's own messages
	Message string
}

// ParseNotifyChat decodes 0x008D: [id:4][message:cstring].
func ParseNotifyChat(d *Decoder) (*ChatMessage, error) {
	id, err := d.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("failed to parse chat id: %w", err)
	}
	msg, err := d.ReadCString()
	if err != nil {
		return nil, fmt.Errorf("failed to parse chat message: %w", err)
	}
	return &ChatMessage{ID: id, Message: msg}, nil
}

// ParseNotifyPlayerChat decodes 0x008E: [message:cstring].
func ParseNotifyPlayerChat(d *Decoder) (*ChatMessage, error) {
	msg, err := d.ReadCString()
	if err != nil {
		return nil, fmt.Errorf("failed to parse player chat: %w", err)
	}
	return &ChatMessage{Message: msg}, nil
}
