// Package health runs the periodic checks around a live session: idle
// connection reaping, journal pruning, process sampling and the heartbeat.
package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/kafra/internal/config"
	"github.com/energizer-project/kafra/internal/db"
	"github.com/energizer-project/kafra/internal/events"
	"github.com/energizer-project/kafra/internal/network"
	"github.com/energizer-project/kafra/internal/session"
	"github.com/energizer-project/kafra/internal/util"
)

// Manager runs periodic checks, each on its own ticker.
type Manager struct {
	cfg      *config.Config
	eventBus *events.EventBus
	tracker  *session.Tracker
	registry *network.ConnectionRegistry
	journal  *db.Journal // nil when the journal is disabled
	logger   zerolog.Logger

	// sampleProcess is replaced in tests.
	sampleProcess func() (*util.ProcessUsage, error)
}

// NewManager creates a health check manager. journal may be nil.
func NewManager(
	cfg *config.Config,
	eventBus *events.EventBus,
	tracker *session.Tracker,
	registry *network.ConnectionRegistry,
	journal *db.Journal,
) *Manager {
	return &Manager{
		cfg:           cfg,
		eventBus:      eventBus,
		tracker:       tracker,
		registry:      registry,
		journal:       journal,
		logger:        log.With().Str("component", "health").Logger(),
		sampleProcess: util.GetProcessUsage,
	}
}

type check struct {
	name     string
	interval time.Duration
	fn       func(context.Context)
}

func (m *Manager) checks() []check {
	timers := m.cfg.GetApplicationData().Timers
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }

	return []check{
		{"stale_connections", sec(timers.StaleCheckInterval), m.checkStaleConnections},
		{"journal_prune", sec(timers.JournalPruneInterval), m.pruneJournal},
		{"process_usage", sec(timers.ProcessCheckInterval), m.checkProcessUsage},
		{"heartbeat", sec(timers.HeartbeatInterval), m.heartbeat},
	}
}

// Start launches the checks and blocks until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	started := 0
	for _, c := range m.checks() {
		if c.interval <= 0 {
			continue
		}
		started++

		c := c
		go func() {
			ticker := time.NewTicker(c.interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					c.fn(ctx)
				}
			}
		}()
	}

	m.logger.Info().Int("checks", started).Msg("health check manager started")
	<-ctx.Done()
	m.logger.Info().Msg("health check manager stopped")
}

// staleTimeout is how long a connection may stay silent before it is closed.
// Twice the read timeout leaves the framer the first chance to notice.
func (m *Manager) staleTimeout() time.Duration {
	return 2 * m.cfg.GetClientData().ReadTimeout()
}

// checkStaleConnections closes connections idle for too long, which unblocks
// the phase stuck on them.
func (m *Manager) checkStaleConnections(ctx context.Context) {
	timeout := m.staleTimeout()
	if timeout <= 0 {
		return
	}
	if cleaned := m.registry.CleanStale(timeout); cleaned > 0 {
		m.logger.Warn().Int("cleaned", cleaned).Dur("timeout", timeout).Msg("closed stale connections")
	}
}

func (m *Manager) pruneJournal(ctx context.Context) {
	if m.journal == nil {
		return
	}
	removed, err := m.journal.Prune()
	if err != nil {
		m.logger.Warn().Err(err).Msg("journal prune failed")
		return
	}
	if removed > 0 {
		m.logger.Debug().Int64("removed", removed).Msg("journal pruned")
	}
}

func (m *Manager) checkProcessUsage(ctx context.Context) {
	usage, err := m.sampleProcess()
	if err != nil {
		m.logger.Warn().Err(err).Msg("process usage check failed")
		return
	}
	m.logger.Debug().
		Float64("cpu_percent", usage.CPUPercent).
		Uint64("rss_mb", usage.RSSMB).
		Int("goroutines", usage.Goroutines).
		Int("open_files", usage.OpenFiles).
		Msg("process usage")
}

// Heartbeat builds the status summary published by the heartbeat check.
func (m *Manager) Heartbeat() events.HeartbeatPayload {
	snap := m.tracker.Snapshot()
	hb := events.HeartbeatPayload{
		Phase:       snap.Phase,
		MapName:     snap.MapName,
		Connections: m.registry.Count(),
		UptimeSec:   int64(time.Since(snap.StartedAt).Seconds()),
	}
	if usage, err := m.sampleProcess(); err == nil {
		hb.Goroutines = usage.Goroutines
		hb.CPUPercent = usage.CPUPercent
		hb.RSSMB = usage.RSSMB
	}
	return hb
}

func (m *Manager) heartbeat(ctx context.Context) {
	m.eventBus.Emit(ctx, events.Event{
		Type:    events.EventHeartbeat,
		Source:  "health",
		Payload: m.Heartbeat(),
	})
}
