// Package session carries the identity handed from one server tier to the next.
package session

import (
	"sync"
	"time"

	"github.com/energizer-project/kafra/internal/protocol"
)

// Context is the identity issued by the login server. It is passed by value
// at each phase handoff and never shared mutably between phases.
type Context struct {
	AccountID   uint32 `json:"account_id"`
	LoginID1    uint32 `json:"login_id1"`
	LoginID2    uint32 `json:"login_id2"`
	Sex         uint8  `json:"sex"`
	CharacterID uint32 `json:"character_id"`
}

// FromAuth builds the session issued by AUTHOK.
func FromAuth(auth *protocol.AuthAccept) Context {
	return Context{
		AccountID: auth.AccountID,
		LoginID1:  auth.LoginID1,
		LoginID2:  auth.LoginID2,
		Sex:       auth.Sex,
	}
}

// WithCharacter returns a copy bound to the selected character.
func (c Context) WithCharacter(id uint32) Context {
	c.CharacterID = id
	return c
}

// Snapshot is a read-only view of the live session for the API and console.
type Snapshot struct {
	Phase      string                   `json:"phase"`
	Session    Context                  `json:"session"`
	Servers    []protocol.ServerEntry   `json:"servers"`
	Characters []protocol.CharacterInfo `json:"characters"`
	MapName    string                   `json:"map_name"`
	Position   protocol.Position        `json:"position"`
	ServerTick uint32                   `json:"server_tick"`
	UpdatedAt  time.Time                `json:"updated_at"`
	StartedAt  time.Time                `json:"started_at"`
}

// Tracker records what the phases learn so other components can read it.
// The game phase reads the character list back to name the chat sender.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{snap: Snapshot{Phase: "idle", StartedAt: now, UpdatedAt: now}}
}

func (t *Tracker) update(fn func(s *Snapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.snap)
	t.snap.UpdatedAt = time.Now()
}

// SetPhase records the phase currently live.
func (t *Tracker) SetPhase(phase string) {
	t.update(func(s *Snapshot) { s.Phase = phase })
}

// SetSession records the latest session identity.
func (t *Tracker) SetSession(ctx Context) {
	t.update(func(s *Snapshot) { s.Session = ctx })
}

// SetServers records the char servers advertised at login.
func (t *Tracker) SetServers(servers []protocol.ServerEntry) {
	cp := append([]protocol.ServerEntry(nil), servers...)
	t.update(func(s *Snapshot) { s.Servers = cp })
}

// AddCharacters appends a page of characters, replacing entries with the same id.
func (t *Tracker) AddCharacters(chars []protocol.CharacterInfo) {
	t.update(func(s *Snapshot) {
		for _, c := range chars {
			replaced := false
			for i := range s.Characters {
				if s.Characters[i].ID == c.ID {
					s.Characters[i] = c
					replaced = true
					break
				}
			}
			if !replaced {
				s.Characters = append(s.Characters, c)
			}
		}
	})
}

// SetMap records the current map and position.
func (t *Tracker) SetMap(name string, pos protocol.Position) {
	t.update(func(s *Snapshot) {
		if name != "" {
			s.MapName = name
		}
		s.Position = pos
	})
}

// SetPosition records a position change on the current map.
func (t *Tracker) SetPosition(x, y uint16) {
	t.update(func(s *Snapshot) {
		s.Position.X = x
		s.Position.Y = y
	})
}

// SetServerTick records the last server time received.
func (t *Tracker) SetServerTick(tick uint32) {
	t.update(func(s *Snapshot) { s.ServerTick = tick })
}

// Snapshot returns a copy of the tracked state.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.snap
	s.Servers = append([]protocol.ServerEntry(nil), t.snap.Servers...)
	s.Characters = append([]protocol.CharacterInfo(nil), t.snap.Characters...)
	return s
}
