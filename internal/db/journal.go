package db

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/kafra/internal/config"
	"github.com/energizer-project/kafra/internal/events"
)

// pruneEvery is how many inserts pass between trims to MaxRows.
const pruneEvery = 256

// FrameRecord is one journaled packet.
type FrameRecord struct {
	ID      int64     `json:"id"`
	Time    time.Time `json:"time"`
	Phase   string    `json:"phase"`
	Opcode  string    `json:"opcode"`
	Name    string    `json:"name"`
	Size    int       `json:"size"`
	Payload string    `json:"payload,omitempty"` // hex
}

// PhaseRecord is one journaled phase transition.
type PhaseRecord struct {
	ID       int64     `json:"id"`
	Time     time.Time `json:"time"`
	Event    string    `json:"event"`
	Phase    string    `json:"phase"`
	Addr     string    `json:"addr"`
	State    string    `json:"state"`
	Duration float64   `json:"duration_sec"`
	Error    string    `json:"error,omitempty"`
}

// FrameQuery filters Frames. Zero values match everything.
type FrameQuery struct {
	Phase   string
	Name    string
	AfterID int64
	Limit   int
}

// Journal records framed packets and phase transitions from the event bus.
type Journal struct {
	db           *Database
	maxRows      int
	storePayload bool
	inserts      atomic.Int64
	logger       zerolog.Logger
}

// NewJournal opens the journal database described by cfg and migrates it.
func NewJournal(cfg config.JournalConfig) (*Journal, error) {
	database, err := NewDatabase(cfg.Path)
	if err != nil {
		return nil, err
	}

	j := &Journal{
		db:           database,
		maxRows:      cfg.MaxRows,
		storePayload: cfg.StorePayload,
		logger:       log.With().Str("component", "journal").Logger(),
	}
	if err := j.migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS frames (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			recorded_at INTEGER NOT NULL,
			phase TEXT NOT NULL,
			opcode TEXT NOT NULL,
			name TEXT NOT NULL,
			size INTEGER NOT NULL,
			payload BLOB
		);

		CREATE TABLE IF NOT EXISTS phases (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			recorded_at INTEGER NOT NULL,
			event TEXT NOT NULL,
			phase TEXT NOT NULL,
			addr TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_frames_phase ON frames(phase);
		CREATE INDEX IF NOT EXISTS idx_frames_name ON frames(name);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	j.logger.Debug().Msg("journal schema migrated")
	return nil
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Attach subscribes the journal to frame and phase events on bus.
func (j *Journal) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventFrameReceived, "journal.frame", j.onFrame)
	bus.Subscribe(events.EventPhaseStarted, "journal.phase", j.onPhase)
	bus.Subscribe(events.EventPhaseEnded, "journal.phase", j.onPhase)
}

// Detach removes the subscriptions made by Attach.
func (j *Journal) Detach(bus *events.EventBus) {
	bus.Unsubscribe(events.EventFrameReceived, "journal.frame")
	bus.Unsubscribe(events.EventPhaseStarted, "journal.phase")
	bus.Unsubscribe(events.EventPhaseEnded, "journal.phase")
}

func (j *Journal) onFrame(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.FramePayload)
	if !ok {
		return nil
	}
	return j.RecordFrame(event.Time, p)
}

func (j *Journal) onPhase(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.PhasePayload)
	if !ok {
		return nil
	}
	return j.RecordPhase(event.Time, event.Type, p)
}

// RecordFrame stores one framed packet.
func (j *Journal) RecordFrame(at time.Time, f events.FramePayload) error {
	var payload []byte
	if j.storePayload {
		payload = f.Data
	}
	_, err := j.db.Exec(
		"INSERT INTO frames (recorded_at, phase, opcode, name, size, payload) VALUES (?, ?, ?, ?, ?, ?)",
		at.UnixMilli(), f.Phase.String(), f.Opcode.String(), f.Name, f.Size, payload)
	if err != nil {
		return fmt.Errorf("failed to record frame: %w", err)
	}

	if j.maxRows > 0 && j.inserts.Add(1)%pruneEvery == 0 {
		if _, err := j.Prune(); err != nil {
			j.logger.Warn().Err(err).Msg("journal prune failed")
		}
	}
	return nil
}

// RecordPhase stores one phase transition.
func (j *Journal) RecordPhase(at time.Time, t events.EventType, p events.PhasePayload) error {
	_, err := j.db.Exec(
		"INSERT INTO phases (recorded_at, event, phase, addr, state, duration_ms, error) VALUES (?, ?, ?, ?, ?, ?, ?)",
		at.UnixMilli(), string(t), p.Name, p.Addr, p.State.String(), p.Duration.Milliseconds(), p.Error)
	if err != nil {
		return fmt.Errorf("failed to record phase: %w", err)
	}
	return nil
}

// Prune deletes the oldest frames beyond MaxRows and returns how many went.
func (j *Journal) Prune() (int64, error) {
	if j.maxRows <= 0 {
		return 0, nil
	}
	res, err := j.db.Exec(
		"DELETE FROM frames WHERE id <= (SELECT MAX(id) FROM frames) - ?", j.maxRows)
	if err != nil {
		return 0, fmt.Errorf("failed to prune frames: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		j.logger.Debug().Int64("deleted", n).Msg("journal pruned")
	}
	return n, nil
}

// Frames returns journaled frames matching q, oldest first.
func (j *Journal) Frames(q FrameQuery) ([]FrameRecord, error) {
	var where []string
	var args []interface{}
	if q.Phase != "" {
		where = append(where, "phase = ?")
		args = append(args, q.Phase)
	}
	if q.Name != "" {
		where = append(where, "name = ?")
		args = append(args, q.Name)
	}
	if q.AfterID > 0 {
		where = append(where, "id > ?")
		args = append(args, q.AfterID)
	}

	query := "SELECT id, recorded_at, phase, opcode, name, size, payload FROM frames"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %w", err)
	}
	defer rows.Close()

	var out []FrameRecord
	for rows.Next() {
		var rec FrameRecord
		var ms int64
		var payload []byte
		if err := rows.Scan(&rec.ID, &ms, &rec.Phase, &rec.Opcode, &rec.Name, &rec.Size, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %w", err)
		}
		rec.Time = time.UnixMilli(ms)
		if len(payload) > 0 {
			rec.Payload = hex.EncodeToString(payload)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Phases returns the most recent phase transitions, oldest first.
func (j *Journal) Phases(limit int) ([]PhaseRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := j.db.Query(`
		SELECT id, recorded_at, event, phase, addr, state, duration_ms, error FROM (
			SELECT * FROM phases ORDER BY id DESC LIMIT ?
		) ORDER BY id`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query phases: %w", err)
	}
	defer rows.Close()

	var out []PhaseRecord
	for rows.Next() {
		var rec PhaseRecord
		var ms, durMs int64
		if err := rows.Scan(&rec.ID, &ms, &rec.Event, &rec.Phase, &rec.Addr, &rec.State, &durMs, &rec.Error); err != nil {
			return nil, fmt.Errorf("failed to scan phase: %w", err)
		}
		rec.Time = time.UnixMilli(ms)
		rec.Duration = float64(durMs) / 1000
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Counts returns the number of journaled frames per phase.
func (j *Journal) Counts() (map[string]int64, error) {
	rows, err := j.db.Query("SELECT phase, COUNT(*) FROM frames GROUP BY phase")
	if err != nil {
		return nil, fmt.Errorf("failed to count frames: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var phase string
		var n int64
		if err := rows.Scan(&phase, &n); err != nil {
			return nil, err
		}
		out[phase] = n
	}
	return out, rows.Err()
}
