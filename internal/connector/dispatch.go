// Package connector drives the three server tiers: the login server, the
// char server and the map server. Each tier runs one Dispatcher over its own
// connection; the Orchestrator hands the session from one tier to the next.
package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/kafra/internal/events"
	"github.com/energizer-project/kafra/internal/network"
	"github.com/energizer-project/kafra/internal/protocol"
)

// HandlerFunc handles one framed packet. Returning false ends the phase
// without error, which is how a phase signals handoff.
type HandlerFunc func(ctx context.Context, frame protocol.Frame) (bool, error)

// Handlers maps every server opcode of a phase to its handler.
type Handlers map[protocol.Opcode]HandlerFunc

// Outcome reports how a dispatch loop ended.
type Outcome struct {
	Frames   uint64
	HandOff  bool // a handler ended the phase
	Duration time.Duration
}

// Dispatcher runs the read loop of one phase: frames from the Framer are
// routed to the handler registered for their opcode.
type Dispatcher struct {
	table    *protocol.LengthTable
	handlers Handlers
	bus      *events.EventBus
	logger   zerolog.Logger
}

// NewDispatcher fails with protocol.ErrTableMismatch unless handlers covers
// exactly the opcodes of table.
func NewDispatcher(table *protocol.LengthTable, handlers Handlers, bus *events.EventBus) (*Dispatcher, error) {
	var missing, extra []string
	for _, op := range table.Opcodes() {
		if handlers[op] == nil {
			missing = append(missing, op.String())
		}
	}
	for op, h := range handlers {
		if h != nil && !table.Has(op) {
			extra = append(extra, op.String())
		}
	}

	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(missing)
		sort.Strings(extra)
		return nil, fmt.Errorf("%w: %s phase missing [%s] extra [%s]",
			protocol.ErrTableMismatch, table.Phase(),
			strings.Join(missing, " "), strings.Join(extra, " "))
	}

	return &Dispatcher{
		table:    table,
		handlers: handlers,
		bus:      bus,
		logger:   log.With().Str("component", "dispatch").Stringer("phase", table.Phase()).Logger(),
	}, nil
}

// Run reads frames from conn until a handler ends the phase, the peer closes
// the stream, or ctx is cancelled. Cancelling ctx closes conn so a blocked
// read returns immediately. The frame buffer is released when Run returns.
//
// An orderly close on a frame boundary is not an error. Desync errors
// (protocol.IsDesync) mean the connection must be dropped and restarted.
func (d *Dispatcher) Run(ctx context.Context, conn *network.Connection) (Outcome, error) {
	phase := d.table.Phase()
	start := time.Now()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	framer := protocol.NewFramer(conn, d.table)
	defer framer.Release()

	outcome := func(handOff bool) Outcome {
		return Outcome{Frames: framer.Stats().Frames, HandOff: handOff, Duration: time.Since(start)}
	}

	for {
		frame, err := framer.Next()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return outcome(false), ctxErr
			}
			if errors.Is(err, io.EOF) {
				d.logger.Info().Uint64("frames", framer.Stats().Frames).Msg("server closed connection")
				return outcome(false), nil
			}
			if protocol.IsDesync(err) {
				d.logger.Error().Err(err).Int("buffered", framer.Buffered()).Msg("protocol desync")
				d.emit(ctx, events.EventProtocolDesync, events.DesyncPayload{Phase: phase, Error: err.Error()})
			}
			return outcome(false), err
		}

		name := protocol.OpcodeName(phase, frame.Opcode)
		d.logger.Debug().
			Stringer("opcode", frame.Opcode).
			Str("name", name).
			Int("size", frame.Size()).
			Msg("frame received")
		d.emit(ctx, events.EventFrameReceived, events.FramePayload{
			Phase:  phase,
			Opcode: frame.Opcode,
			Name:   name,
			Size:   frame.Size(),
			Data:   frame.Payload,
		})

		cont, err := d.handlers[frame.Opcode](ctx, frame)
		if err != nil {
			err = fmt.Errorf("%s handler %s: %w", phase, name, err)
			if protocol.IsDesync(err) {
				d.logger.Error().Err(err).Stringer("opcode", frame.Opcode).Msg("protocol desync in packet body")
				d.emit(ctx, events.EventProtocolDesync, events.DesyncPayload{Phase: phase, Error: err.Error()})
			}
			return outcome(false), err
		}
		if !cont {
			return outcome(true), nil
		}
	}
}

func (d *Dispatcher) emit(ctx context.Context, t events.EventType, payload interface{}) {
	if d.bus == nil {
		return
	}
	d.bus.Emit(ctx, events.Event{Type: t, Source: d.table.Phase().String(), Payload: payload})
}

// consume is the handler for packets the client reads past without acting on.
func consume(logger zerolog.Logger, phase protocol.Phase) HandlerFunc {
	return func(ctx context.Context, frame protocol.Frame) (bool, error) {
		logger.Trace().
			Str("name", protocol.OpcodeName(phase, frame.Opcode)).
			Int("size", frame.Size()).
			Msg("packet consumed")
		return true, nil
	}
}
