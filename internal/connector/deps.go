package connector

import (
	"context"

	"github.com/energizer-project/kafra/internal/config"
	"github.com/energizer-project/kafra/internal/events"
	"github.com/energizer-project/kafra/internal/network"
	"github.com/energizer-project/kafra/internal/protocol"
	"github.com/energizer-project/kafra/internal/session"
)

// Deps are the shared components every phase reports to.
type Deps struct {
	Bus      *events.EventBus
	Tracker  *session.Tracker
	Registry *network.ConnectionRegistry
}

// NewDeps creates a fresh set of shared components.
func NewDeps() Deps {
	return Deps{
		Bus:      events.NewEventBus(),
		Tracker:  session.NewTracker(),
		Registry: network.NewConnectionRegistry(),
	}
}

// open dials addr and registers the connection under phase.
func (d Deps) open(ctx context.Context, phase protocol.Phase, addr string, cfg config.ClientData) (*network.Connection, error) {
	conn, err := network.Dial(ctx, phase, addr, cfg.ConnectTimeout())
	if err != nil {
		return nil, err
	}
	conn.SetReadTimeout(cfg.ReadTimeout())
	if d.Registry != nil {
		d.Registry.Register(conn)
	}
	return conn, nil
}

func (d Deps) release(conn *network.Connection) {
	if d.Registry != nil {
		d.Registry.Unregister(conn)
	}
	conn.Close()
}

// dispatch runs the phase's read loop with handlers over conn.
func (d Deps) dispatch(ctx context.Context, phase protocol.Phase, handlers Handlers, conn *network.Connection) (Outcome, error) {
	table, err := protocol.NewLengthTable(phase)
	if err != nil {
		return Outcome{}, err
	}
	dispatcher, err := NewDispatcher(table, handlers, d.Bus)
	if err != nil {
		return Outcome{}, err
	}
	return dispatcher.Run(ctx, conn)
}

func (d Deps) emit(ctx context.Context, t events.EventType, source string, payload interface{}) {
	if d.Bus == nil {
		return
	}
	d.Bus.Emit(ctx, events.Event{Type: t, Source: source, Payload: payload})
}
