package connector

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/kafra/internal/config"
	"github.com/energizer-project/kafra/internal/events"
	"github.com/energizer-project/kafra/internal/protocol"
	"github.com/energizer-project/kafra/internal/session"
)

// ErrMapServerNotReady is returned when the char server reports that the
// selected character's map server is unavailable.
var ErrMapServerNotReady = errors.New("map server not ready")

// CharResult is what the char server phase hands to the map server phase.
type CharResult struct {
	Session session.Context
	Map     protocol.MapData
}

// CharServerConnector runs character selection against one char server.
type CharServerConnector struct {
	cfg    config.ClientData
	deps   Deps
	server protocol.ServerEntry
	logger zerolog.Logger
}

// NewCharServerConnector creates a char server phase connector for server.
func NewCharServerConnector(cfg config.ClientData, deps Deps, server protocol.ServerEntry) *CharServerConnector {
	return &CharServerConnector{
		cfg:    cfg,
		deps:   deps,
		server: server,
		logger: log.With().Str("component", "charserver").Str("server", server.Name).Logger(),
	}
}

// Run enters the char server with sess, selects the configured slot once the
// first character page arrives, and returns the map server assignment.
func (c *CharServerConnector) Run(ctx context.Context, sess session.Context) (*CharResult, error) {
	conn, err := c.deps.open(ctx, protocol.PhaseCharList, c.server.Addr(), c.cfg)
	if err != nil {
		return nil, err
	}
	defer c.deps.release(conn)

	if err := conn.Send(protocol.BuildReqToConnect(sess.AccountID, sess.LoginID1, sess.LoginID2, sess.Sex)); err != nil {
		return nil, fmt.Errorf("failed to send connect request: %w", err)
	}

	// The account id comes back as 4 bare bytes ahead of the framed stream.
	raw, err := conn.ReadFull(4)
	if err != nil {
		return nil, err
	}
	if id := binary.LittleEndian.Uint32(raw); id != sess.AccountID {
		c.logger.Warn().Uint32("expected", sess.AccountID).Uint32("got", id).Msg("char server acknowledged a different account")
	}

	slot := uint8(c.cfg.CharacterSlot)
	selected := false
	var result *CharResult

	handlers := Handlers{
		protocol.OpWindowData: func(ctx context.Context, frame protocol.Frame) (bool, error) {
			w, err := protocol.ParseWindowData(frame.Decoder())
			if err != nil {
				return false, err
			}
			c.logger.Debug().Uint8("max_chars", w.MaxChars).Uint8("premium", w.PremiumChars).Msg("slot window")
			return true, nil
		},
		protocol.OpCharsData: func(ctx context.Context, frame protocol.Frame) (bool, error) {
			cd, err := protocol.ParseCharsData(frame.Decoder())
			if err != nil {
				return false, err
			}
			c.characters(ctx, cd.Characters)
			return true, nil
		},
		protocol.OpNotify: func(ctx context.Context, frame protocol.Frame) (bool, error) {
			pages, err := frame.Decoder().ReadUint32()
			if err != nil {
				return false, err
			}
			c.logger.Debug().Uint32("pages", pages).Msg("character pages")
			return true, nil
		},
		protocol.OpBanCharacter: func(ctx context.Context, frame protocol.Frame) (bool, error) {
			bans, err := protocol.ParseBanCharacter(frame.Decoder())
			if err != nil {
				return false, err
			}
			for _, b := range bans {
				if b.CharacterID != 0 {
					c.logger.Info().Uint32("char_id", b.CharacterID).Str("until", b.Until).Msg("character pending deletion")
				}
			}
			return true, nil
		},
		protocol.OpPinCodeState: func(ctx context.Context, frame protocol.Frame) (bool, error) {
			pin, err := protocol.ParsePinCodeState(frame.Decoder())
			if err != nil {
				return false, err
			}
			c.logger.Debug().Uint16("state", pin.State).Msg("pin code state, requesting characters")
			return true, conn.Send(protocol.BuildReqCharList())
		},
		protocol.OpAckCharInfoPerPage: func(ctx context.Context, frame protocol.Frame) (bool, error) {
			chars, err := protocol.ParseCharacterList(frame.Decoder())
			if err != nil {
				return false, err
			}
			c.characters(ctx, chars)
			if selected {
				return true, nil
			}
			selected = true
			c.logger.Info().Uint8("slot", slot).Msg("selecting character")
			return true, conn.Send(protocol.BuildCharSelect(slot))
		},
		protocol.OpMapData: func(ctx context.Context, frame protocol.Frame) (bool, error) {
			m, err := protocol.ParseMapData(frame.Decoder())
			if err != nil {
				return false, err
			}
			c.logger.Info().
				Uint32("char_id", m.CharacterID).
				Str("map", m.MapName).
				Str("addr", m.Addr()).
				Msg("map server assigned")
			c.deps.emit(ctx, events.EventMapAssigned, "charserver", events.MapAssignedPayload{
				CharacterID: m.CharacterID,
				MapName:     m.MapName,
				Addr:        m.Addr(),
			})
			result = &CharResult{Session: sess.WithCharacter(m.CharacterID), Map: *m}
			c.deps.Tracker.SetSession(result.Session)
			return false, nil
		},
		protocol.OpMapServerNotReady: func(ctx context.Context, frame protocol.Frame) (bool, error) {
			code, err := protocol.ParseMapServerNotReady(frame.Decoder())
			if err != nil {
				return false, err
			}
			return false, fmt.Errorf("%w (code %d)", ErrMapServerNotReady, code)
		},
	}

	if _, err := c.deps.dispatch(ctx, protocol.PhaseCharList, handlers, conn); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("char server: %w", ErrNoAnswer)
	}
	return result, nil
}

func (c *CharServerConnector) characters(ctx context.Context, chars []protocol.CharacterInfo) {
	if len(chars) == 0 {
		return
	}
	for _, ch := range chars {
		c.logger.Info().
			Uint8("slot", ch.Slot).
			Str("name", ch.Name).
			Uint16("level", ch.BaseLevel).
			Str("map", ch.MapName).
			Msg("character")
	}
	c.deps.Tracker.AddCharacters(chars)
	c.deps.emit(ctx, events.EventCharacterList, "charserver", events.CharacterListPayload{Characters: chars})
}
