package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/kafra/internal/config"
	"github.com/energizer-project/kafra/internal/events"
	"github.com/energizer-project/kafra/internal/protocol"
	"github.com/energizer-project/kafra/internal/session"
)

// ErrNoAnswer is returned when a server closes the connection before the
// phase produced its result.
var ErrNoAnswer = errors.New("server closed connection before answering")

// LoginResult is what the login phase hands to the char server phase.
type LoginResult struct {
	Session    session.Context
	Servers    []protocol.ServerEntry
	CharServer protocol.ServerEntry
}

// LoginConnector authenticates against the login server.
type LoginConnector struct {
	cfg    config.ClientData
	deps   Deps
	logger zerolog.Logger
}

// NewLoginConnector creates a login phase connector.
func NewLoginConnector(cfg config.ClientData, deps Deps) *LoginConnector {
	return &LoginConnector{
		cfg:    cfg,
		deps:   deps,
		logger: log.With().Str("component", "login").Logger(),
	}
}

// Run connects to the login server, sends the client hash and the
// credentials, and waits for AUTHOK or AUTHRESULT.
func (l *LoginConnector) Run(ctx context.Context) (*LoginResult, error) {
	hash, err := l.cfg.ClientHashBytes()
	if err != nil {
		return nil, err
	}

	conn, err := l.deps.open(ctx, protocol.PhaseLogin, l.cfg.LoginAddress, l.cfg)
	if err != nil {
		return nil, err
	}
	defer l.deps.release(conn)

	if err := conn.Send(protocol.BuildUDPClientHash(hash)); err != nil {
		return nil, fmt.Errorf("failed to send client hash: %w", err)
	}
	if err := conn.Send(protocol.BuildReqAuth(l.cfg.ClientVersion, l.cfg.Username, l.cfg.Password, l.cfg.ClientType)); err != nil {
		return nil, fmt.Errorf("failed to send credentials: %w", err)
	}
	l.logger.Info().Str("user", l.cfg.Username).Msg("credentials sent")

	var result *LoginResult
	handlers := Handlers{
		protocol.OpAuthOK: func(ctx context.Context, frame protocol.Frame) (bool, error) {
			auth, err := protocol.ParseAuthOK(frame.Decoder())
			if err != nil {
				return false, err
			}
			r, err := l.accept(ctx, auth)
			if err != nil {
				return false, err
			}
			result = r
			return false, nil
		},
		protocol.OpAuthResult: func(ctx context.Context, frame protocol.Frame) (bool, error) {
			code, err := protocol.ParseAuthResultPacket(frame.Decoder())
			if err != nil {
				return false, err
			}
			l.logger.Warn().Stringer("reason", code).Uint8("code", uint8(code)).Msg("login refused")
			l.deps.emit(ctx, events.EventAuthRefused, "login", events.AuthRefusedPayload{Code: uint8(code), Reason: code.String()})
			return false, &protocol.AuthRefusedError{Code: code}
		},
	}

	if _, err := l.deps.dispatch(ctx, protocol.PhaseLogin, handlers, conn); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("login: %w", ErrNoAnswer)
	}
	return result, nil
}

func (l *LoginConnector) accept(ctx context.Context, auth *protocol.AuthAccept) (*LoginResult, error) {
	sess := session.FromAuth(auth)
	l.logger.Info().
		Uint32("account_id", sess.AccountID).
		Int("servers", len(auth.Servers)).
		Msg("login accepted")

	l.deps.Tracker.SetSession(sess)
	l.deps.Tracker.SetServers(auth.Servers)
	l.deps.emit(ctx, events.EventAuthAccepted, "login", events.AuthAcceptedPayload{
		AccountID: sess.AccountID,
		Sex:       sess.Sex,
		Servers:   auth.Servers,
	})

	idx := l.cfg.CharServerIndex
	if idx < 0 || idx >= len(auth.Servers) {
		return nil, fmt.Errorf("char server index %d not in list of %d servers", idx, len(auth.Servers))
	}

	return &LoginResult{
		Session:    sess,
		Servers:    auth.Servers,
		CharServer: auth.Servers[idx],
	}, nil
}
