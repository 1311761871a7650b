package connector

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/energizer-project/kafra/internal/config"
	"github.com/energizer-project/kafra/internal/events"
	"github.com/energizer-project/kafra/internal/protocol"
	"github.com/energizer-project/kafra/internal/session"
)

// Orchestrator sequences the three phases of one session. Each phase runs
// as its own task and spawns the next with the session it produced; the
// session is copied at every handoff.
type Orchestrator struct {
	cfg    config.ClientData
	deps   Deps
	game   *MapServerConnector
	logger zerolog.Logger
}

// NewOrchestrator creates an orchestrator for one login.
func NewOrchestrator(cfg config.ClientData, deps Deps) *Orchestrator {
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		game:   NewMapServerConnector(cfg, deps),
		logger: log.With().Str("component", "orchestrator").Logger(),
	}
}

// Game returns the map server connector used for in-game commands.
func (o *Orchestrator) Game() *MapServerConnector { return o.game }

// Run logs in and follows the session through the char server to the map
// server. It returns when the map server closes the session, a phase fails,
// or ctx is cancelled. Cancellation is not reported as an error. Failed
// phases are not retried.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var res *LoginResult
		err := o.phase(gctx, protocol.PhaseLogin, o.cfg.LoginAddress, func() error {
			var err error
			res, err = NewLoginConnector(o.cfg, o.deps).Run(gctx)
			return err
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return o.charServer(gctx, g, res) })
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		o.logger.Info().Msg("session cancelled")
		o.deps.Tracker.SetPhase("closed")
		return nil
	}
	if err != nil {
		o.deps.Tracker.SetPhase("failed")
		return err
	}
	o.deps.Tracker.SetPhase("closed")
	return nil
}

func (o *Orchestrator) charServer(ctx context.Context, g *errgroup.Group, login *LoginResult) error {
	var res *CharResult
	err := o.phase(ctx, protocol.PhaseCharList, login.CharServer.Addr(), func() error {
		var err error
		res, err = NewCharServerConnector(o.cfg, o.deps, login.CharServer).Run(ctx, login.Session)
		return err
	})
	if err != nil {
		return err
	}
	g.Go(func() error { return o.mapServer(ctx, res.Session, res.Map) })
	return nil
}

func (o *Orchestrator) mapServer(ctx context.Context, sess session.Context, assigned protocol.MapData) error {
	return o.phase(ctx, protocol.PhaseGame, assigned.Addr(), func() error {
		return o.game.Run(ctx, sess, assigned)
	})
}

// phase runs fn and reports its lifecycle on the bus and the tracker.
func (o *Orchestrator) phase(ctx context.Context, phase protocol.Phase, addr string, fn func() error) error {
	start := time.Now()
	o.deps.Tracker.SetPhase(phase.String())
	o.deps.emit(ctx, events.EventPhaseStarted, "orchestrator", events.PhasePayload{
		Phase: phase, Name: phase.String(), Addr: addr, State: events.PhaseStateConnecting,
	})
	o.logger.Info().Stringer("phase", phase).Str("addr", addr).Msg("phase started")

	err := fn()

	ended := events.PhasePayload{
		Phase:    phase,
		Name:     phase.String(),
		Addr:     addr,
		State:    events.PhaseStateHandedOff,
		Duration: time.Since(start),
	}
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		ended.State = events.PhaseStateClosed
	case err != nil:
		ended.State = events.PhaseStateFailed
		ended.Error = err.Error()
		o.logger.Error().Err(err).Stringer("phase", phase).Msg("phase failed")
	case phase == protocol.PhaseGame:
		ended.State = events.PhaseStateClosed
	}
	o.logger.Info().Stringer("phase", phase).Stringer("state", ended.State).Dur("duration", ended.Duration).Msg("phase ended")
	o.deps.emit(ctx, events.EventPhaseEnded, "orchestrator", ended)
	return err
}
