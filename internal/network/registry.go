package network

import (
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/kafra/internal/protocol"
)

// ConnectionRegistry holds at most one live connection per phase.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[protocol.Phase]*Connection
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{conns: make(map[protocol.Phase]*Connection)}
}

// Register makes conn the connection of its phase. A different connection
// already registered for that phase is closed.
func (r *ConnectionRegistry) Register(conn *Connection) {
	phase := conn.Phase()

	r.mu.Lock()
	prev := r.conns[phase]
	r.conns[phase] = conn
	r.mu.Unlock()

	if prev != nil && prev != conn {
		prev.Close()
	}
	log.Debug().Stringer("phase", phase).Msg("connection registered")
}

// Unregister forgets conn unless another connection replaced it meanwhile.
func (r *ConnectionRegistry) Unregister(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conns[conn.Phase()] != conn {
		return
	}
	delete(r.conns, conn.Phase())
	log.Debug().Stringer("phase", conn.Phase()).Msg("connection unregistered")
}

func (r *ConnectionRegistry) Get(phase protocol.Phase) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[phase]
	return conn, ok
}

// GetAll returns a copy of the phase to connection map.
func (r *ConnectionRegistry) GetAll() map[protocol.Phase]*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.conns)
}

func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes and forgets every connection.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[protocol.Phase]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	log.Info().Int("closed", len(conns)).Msg("all connections closed")
}

// CleanStale closes connections with no traffic within timeout and returns
// how many it closed. Closing unblocks the phase reading from them.
func (r *ConnectionRegistry) CleanStale(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)

	r.mu.Lock()
	var stale []*Connection
	for phase, conn := range r.conns {
		if conn.LastActivity().Before(cutoff) {
			stale = append(stale, conn)
			delete(r.conns, phase)
		}
	}
	r.mu.Unlock()

	for _, conn := range stale {
		log.Warn().
			Stringer("phase", conn.Phase()).
			Time("last_activity", conn.LastActivity()).
			Msg("closing stale connection")
		conn.Close()
	}
	return len(stale)
}
