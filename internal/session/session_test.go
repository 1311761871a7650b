package session

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/energizer-project/kafra/internal/protocol"
)

func TestContextIsValue(t *testing.T) {
	base := FromAuth(&protocol.AuthAccept{AccountID: 2000001, LoginID1: 11, LoginID2: 22, Sex: 1})
	withChar := base.WithCharacter(150001)

	assert.Zero(t, base.CharacterID)
	assert.Equal(t, uint32(150001), withChar.CharacterID)
	assert.Equal(t, base.AccountID, withChar.AccountID)
	assert.Equal(t, uint8(1), withChar.Sex)
}

func TestTrackerSnapshotIsCopy(t *testing.T) {
	a := assert.New(t)
	tr := NewTracker()
	a.Equal("idle", tr.Snapshot().Phase)

	tr.SetPhase("charlist")
	tr.AddCharacters([]protocol.CharacterInfo{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}})
	tr.AddCharacters([]protocol.CharacterInfo{{ID: 2, Name: "b2"}, {ID: 3, Name: "c"}})

	snap := tr.Snapshot()
	a.Equal("charlist", snap.Phase)
	a.Len(snap.Characters, 3)
	a.Equal("b2", snap.Characters[1].Name)

	snap.Characters[0].Name = "mutated"
	a.Equal("a", tr.Snapshot().Characters[0].Name)
}

func TestTrackerMap(t *testing.T) {
	tr := NewTracker()
	tr.SetMap("prontera.gat", protocol.Position{X: 1, Y: 2, Dir: 3})
	tr.SetMap("", protocol.Position{X: 5, Y: 6})
	tr.SetPosition(7, 8)

	snap := tr.Snapshot()
	assert.Equal(t, "prontera.gat", snap.MapName)
	assert.Equal(t, protocol.Position{X: 7, Y: 8}, snap.Position)
}
