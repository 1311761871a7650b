package connector

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/energizer-project/kafra/internal/config"
	"github.com/energizer-project/kafra/internal/events"
	"github.com/energizer-project/kafra/internal/network"
	"github.com/energizer-project/kafra/internal/protocol"
	"github.com/energizer-project/kafra/internal/session"
)

// ErrNotInGame is returned by in-game commands while no map server
// connection is live.
var ErrNotInGame = errors.New("not connected to a map server")

// MapServerConnector keeps a character on a map server and exposes the
// few commands the console can send.
type MapServerConnector struct {
	cfg    config.ClientData
	deps   Deps
	logger zerolog.Logger

	conn  atomic.Pointer[network.Connection]
	name  atomic.Pointer[string]
	start time.Time
}

// NewMapServerConnector creates a map server phase connector.
func NewMapServerConnector(cfg config.ClientData, deps Deps) *MapServerConnector {
	return &MapServerConnector{
		cfg:    cfg,
		deps:   deps,
		start:  time.Now(),
		logger: log.With().Str("component", "mapserver").Logger(),
	}
}

// tick is the client clock sent with ConnectMapServer and ClientTick.
func (m *MapServerConnector) tick() uint32 {
	return uint32(time.Since(m.start).Milliseconds())
}

// Run enters the map server assigned by the char server and stays there
// until the server closes the connection or ctx is cancelled. A keepalive
// ClientTick is sent every KeepAliveInterval while the phase is live.
func (m *MapServerConnector) Run(ctx context.Context, sess session.Context, assigned protocol.MapData) error {
	conn, err := m.deps.open(ctx, protocol.PhaseGame, assigned.Addr(), m.cfg)
	if err != nil {
		return err
	}
	defer m.deps.release(conn)

	m.name.Store(m.characterName(sess.CharacterID))
	m.conn.Store(conn)
	defer m.conn.Store(nil)

	if err := conn.Send(protocol.BuildConnectMapServer(sess.AccountID, sess.CharacterID, sess.LoginID1, m.tick(), sess.Sex)); err != nil {
		return fmt.Errorf("failed to send map server entry: %w", err)
	}
	m.logger.Info().Str("map", assigned.MapName).Str("addr", assigned.Addr()).Msg("entering map server")

	handlers := m.handlers(conn, sess, assigned.MapName)

	g, gctx := errgroup.WithContext(ctx)
	loopCtx, stopLoop := context.WithCancel(gctx)
	defer stopLoop()

	g.Go(func() error {
		defer stopLoop()
		_, err := m.deps.dispatch(loopCtx, protocol.PhaseGame, handlers, conn)
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			// the dispatcher stopped because the keepalive failed or the
			// map server closed; the group reports the real cause
			return nil
		}
		return err
	})
	g.Go(func() error {
		return m.keepAlive(loopCtx, conn)
	})

	return g.Wait()
}

func (m *MapServerConnector) keepAlive(ctx context.Context, conn *network.Connection) error {
	interval := m.cfg.KeepAliveInterval()
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := conn.Send(protocol.BuildClientTick(m.tick())); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("keepalive: %w", err)
			}
		}
	}
}

func (m *MapServerConnector) characterName(id uint32) *string {
	name := ""
	for _, ch := range m.deps.Tracker.Snapshot().Characters {
		if ch.ID == id {
			name = ch.Name
			break
		}
	}
	return &name
}

func (m *MapServerConnector) handlers(conn *network.Connection, sess session.Context, mapName string) Handlers {
	consumed := consume(m.logger, protocol.PhaseGame)
	loaded := false

	return Handlers{
		protocol.OpAccountID: func(ctx context.Context, frame protocol.Frame) (bool, error) {
			id, err := frame.Decoder().ReadUint32()
			if err != nil {
				return false, err
			}
			if id != sess.AccountID {
				m.logger.Warn().Uint32("expected", sess.AccountID).Uint32("got", id).Msg("map server acknowledged a different account")
			}
			return true, nil
		},
		protocol.OpAcceptEnter: func(ctx context.Context, frame protocol.Frame) (bool, error) {
			a, err := protocol.ParseAcceptEnter(frame.Decoder())
			if err != nil {
				return false, err
			}
			m.logger.Info().
				Str("map", mapName).
				Uint16("x", a.Position.X).
				Uint16("y", a.Position.Y).
				Msg("entered map")
			m.deps.Tracker.SetMap(mapName, a.Position)
			m.deps.Tracker.SetServerTick(a.Tick)
			m.deps.emit(ctx, events.EventMapEntered, "mapserver", events.MapEnteredPayload{
				Tick: a.Tick, X: a.Position.X, Y: a.Position.Y, Dir: a.Position.Dir,
			})
			return true, nil
		},
		protocol.OpWeightLimit: func(ctx context.Context, frame protocol.Frame) (bool, error) {
			if loaded {
				return true, nil
			}
			loaded = true
			if err := conn.Send(protocol.BuildEffectsOption(m.cfg.EffectsOption)); err != nil {
				return false, err
			}
			return true, conn.Send(protocol.BuildAckMap())
		},
		protocol.OpParChange:      m.parChange(protocol.ParseParChange),
		protocol.OpLongParChange:  m.parChange(protocol.ParseParChange),
		protocol.OpLongParChange2: m.parChange(protocol.ParseLongParChange2),
		protocol.OpNotifyTime: func(ctx context.Context, frame protocol.Frame) (bool, error) {
			t, err := frame.Decoder().ReadUint32()
			if err != nil {
				return false, err
			}
			m.deps.Tracker.SetServerTick(t)
			return true, nil
		},
		protocol.OpPlayerMove: func(ctx context.Context, frame protocol.Frame) (bool, error) {
			mv, err := protocol.ParsePlayerMove(frame.Decoder())
			if err != nil {
				return false, err
			}
			m.logger.Debug().
				Uint16("from_x", mv.Movement.FromX).Uint16("from_y", mv.Movement.FromY).
				Uint16("to_x", mv.Movement.ToX).Uint16("to_y", mv.Movement.ToY).
				Msg("walking")
			m.deps.Tracker.SetPosition(mv.Movement.ToX, mv.Movement.ToY)
			return true, nil
		},
		protocol.OpStopMove: func(ctx context.Context, frame protocol.Frame) (bool, error) {
			s, err := protocol.ParseStopMove(frame.Decoder())
			if err != nil {
				return false, err
			}
			if s.ID == sess.AccountID {
				m.deps.Tracker.SetPosition(s.X, s.Y)
			}
			return true, nil
		},
		protocol.OpChangeDirection: func(ctx context.Context, frame protocol.Frame) (bool, error) {
			c, err := protocol.ParseChangeDirection(frame.Decoder())
			if err != nil {
				return false, err
			}
			m.logger.Trace().Uint32("id", c.ID).Uint8("dir", c.Dir).Msg("direction changed")
			return true, nil
		},
		protocol.OpMapMove: func(ctx context.Context, frame protocol.Frame) (bool, error) {
			mm, err := protocol.ParseMapMove(frame.Decoder())
			if err != nil {
				return false, err
			}
			m.logger.Info().Str("map", mm.MapName).Uint16("x", mm.X).Uint16("y", mm.Y).Msg("map changed")
			m.deps.Tracker.SetMap(mm.MapName, protocol.Position{X: mm.X, Y: mm.Y})
			m.deps.emit(ctx, events.EventMapChanged, "mapserver", events.MapChangedPayload{
				MapName: mm.MapName, X: mm.X, Y: mm.Y,
			})
			return true, conn.Send(protocol.BuildAckMap())
		},
		protocol.OpNotifyChat:       m.chat(protocol.ParseNotifyChat),
		protocol.OpNotifyPlayerChat: m.chat(protocol.ParseNotifyPlayerChat),
		protocol.OpPingLive: func(ctx context.Context, frame protocol.Frame) (bool, error) {
			return true, conn.Send(protocol.BuildPingLiveAck())
		},

		protocol.OpCoupleStatus:      consumed,
		protocol.OpStatus:            consumed,
		protocol.OpStatusChange:      consumed,
		protocol.OpNotifyExp:         consumed,
		protocol.OpInventoryStart:    consumed,
		protocol.OpInventoryNormal:   consumed,
		protocol.OpInventoryEquip:    consumed,
		protocol.OpInventoryEnd:      consumed,
		protocol.OpQuestList:         consumed,
		protocol.OpAchievementList:   consumed,
		protocol.OpAchievementUpdate: consumed,
		protocol.OpPartyConfig:       consumed,
		protocol.OpConfigNotify:      consumed,
		protocol.OpShortcutKeys:      consumed,
		protocol.OpNotifyVanish:      consumed,
		protocol.OpSpriteChange:      consumed,
		protocol.OpUnreadMail:        consumed,
		protocol.OpNameAll:           consumed,
		protocol.OpStandEntry:        consumed,
		protocol.OpAttackRange:       consumed,
		protocol.OpCartCount:         consumed,
	}
}

func (m *MapServerConnector) parChange(parse func(*protocol.Decoder) (*protocol.ParChange, error)) HandlerFunc {
	return func(ctx context.Context, frame protocol.Frame) (bool, error) {
		p, err := parse(frame.Decoder())
		if err != nil {
			return false, err
		}
		m.logger.Trace().Uint16("var", p.Var).Uint64("value", p.Value).Msg("status parameter")
		return true, nil
	}
}

func (m *MapServerConnector) chat(parse func(*protocol.Decoder) (*protocol.ChatMessage, error)) HandlerFunc {
	return func(ctx context.Context, frame protocol.Frame) (bool, error) {
		msg, err := parse(frame.Decoder())
		if err != nil {
			return false, err
		}
		m.logger.Info().Uint32("from", msg.ID).Str("message", msg.Message).Msg("chat")
		m.deps.emit(ctx, events.EventChatReceived, "mapserver", events.ChatPayload{
			SourceID: msg.ID, Message: msg.Message,
		})
		return true, nil
	}
}

func (m *MapServerConnector) send(data []byte, err error) error {
	conn := m.conn.Load()
	if conn == nil {
		return ErrNotInGame
	}
	return conn.Send(data, err)
}

// InGame reports whether a map server connection is live.
func (m *MapServerConnector) InGame() bool {
	return m.conn.Load() != nil
}

// Say sends a public chat line as the selected character.
func (m *MapServerConnector) Say(text string) error {
	name := ""
	if p := m.name.Load(); p != nil {
		name = *p
	}
	return m.send(protocol.BuildChatMessage(name, text))
}

// ChangeDir turns the character to face dir (0-7).
func (m *MapServerConnector) ChangeDir(dir uint8) error {
	return m.send(protocol.BuildChangeDir(0, dir))
}

// RequestAction sends an action against target.
func (m *MapServerConnector) RequestAction(target uint32, action uint8) error {
	return m.send(protocol.BuildRequestAction(target, action))
}

// Sit makes the character sit down.
func (m *MapServerConnector) Sit() error {
	return m.RequestAction(0, protocol.ActionSit)
}

// Stand makes the character stand up.
func (m *MapServerConnector) Stand() error {
	return m.RequestAction(0, protocol.ActionStand)
}
