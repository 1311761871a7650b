// Package events defines the event types carried by the session event bus.
package events

import (
	"time"

	"github.com/energizer-project/kafra/internal/protocol"
)

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Phase lifecycle events
	EventPhaseStarted EventType = "phase_started"
	EventPhaseEnded   EventType = "phase_ended"

	// Login events
	EventAuthAccepted EventType = "auth_accepted"
	EventAuthRefused  EventType = "auth_refused"

	// Char server events
	EventCharacterList EventType = "character_list"
	EventMapAssigned   EventType = "map_assigned"

	// Map server events
	EventMapEntered   EventType = "map_entered"
	EventMapChanged   EventType = "map_changed"
	EventChatReceived EventType = "chat_received"

	// Wire events
	EventFrameReceived  EventType = "frame_received"
	EventProtocolDesync EventType = "protocol_desync"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventHeartbeat     EventType = "heartbeat"
	EventShutdown      EventType = "shutdown"

	// EventAny subscribes a handler to every event type.
	EventAny EventType = "*"
)

// PhaseState is the lifecycle state of one phase connection.
type PhaseState int

const (
	PhaseStateIdle PhaseState = iota
	PhaseStateConnecting
	PhaseStateLive
	PhaseStateHandedOff
	PhaseStateClosed
	PhaseStateFailed
)

var phaseStateStrings = map[PhaseState]string{
	PhaseStateIdle:       "idle",
	PhaseStateConnecting: "connecting",
	PhaseStateLive:       "live",
	PhaseStateHandedOff:  "handed_off",
	PhaseStateClosed:     "closed",
	PhaseStateFailed:     "failed",
}

// String returns the string representation of PhaseState.
func (s PhaseState) String() string {
	if str, ok := phaseStateStrings[s]; ok {
		return str
	}
	return "idle"
}

// MarshalJSON serializes PhaseState as a JSON string (e.g. "live").
func (s PhaseState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Time    time.Time
	Payload interface{}
}

// PhasePayload is carried by EventPhaseStarted and EventPhaseEnded.
type PhasePayload struct {
	Phase    protocol.Phase `json:"-"`
	Name     string         `json:"phase"`
	Addr     string         `json:"addr"`
	State    PhaseState     `json:"state"`
	Frames   uint64         `json:"frames,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// AuthAcceptedPayload summarizes AUTHOK.
type AuthAcceptedPayload struct {
	AccountID uint32                 `json:"account_id"`
	Sex       uint8                  `json:"sex"`
	Servers   []protocol.ServerEntry `json:"servers"`
}

// AuthRefusedPayload carries the AUTHRESULT code.
type AuthRefusedPayload struct {
	Code   uint8  `json:"code"`
	Reason string `json:"reason"`
}

// CharacterListPayload carries one page of characters.
type CharacterListPayload struct {
	Characters []protocol.CharacterInfo `json:"characters"`
}

// MapAssignedPayload is emitted when the char server hands over to a map server.
type MapAssignedPayload struct {
	CharacterID uint32 `json:"character_id"`
	MapName     string `json:"map_name"`
	Addr        string `json:"addr"`
}

// MapEnteredPayload is emitted when the map server accepts the character.
type MapEnteredPayload struct {
	Tick uint32 `json:"tick"`
	X    uint16 `json:"x"`
	Y    uint16 `json:"y"`
	Dir  uint8  `json:"dir"`
}

// MapChangedPayload is emitted on a map move.
type MapChangedPayload struct {
	MapName string `json:"map_name"`
	X       uint16 `json:"x"`
	Y       uint16 `json:"y"`
}

// ChatPayload carries a received chat line.
type ChatPayload struct {
	SourceID uint32 `json:"source_id"`
	Message  string `json:"message"`
}

// FramePayload describes one framed packet.
type FramePayload struct {
	Phase  protocol.Phase  `json:"-"`
	Opcode protocol.Opcode `json:"-"`
	Name   string          `json:"name"`
	Size   int             `json:"size"`
	Data   []byte          `json:"-"`
}

// DesyncPayload is emitted when a phase loses alignment with its stream.
type DesyncPayload struct {
	Phase protocol.Phase `json:"-"`
	Error string         `json:"error"`
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}

// HeartbeatPayload is the periodic status summary.
type HeartbeatPayload struct {
	Phase       string  `json:"phase"`
	MapName     string  `json:"map_name"`
	Connections int     `json:"connections"`
	Goroutines  int     `json:"goroutines"`
	CPUPercent  float64 `json:"cpu_percent"`
	RSSMB       uint64  `json:"rss_mb"`
	UptimeSec   int64   `json:"uptime_sec"`
}
