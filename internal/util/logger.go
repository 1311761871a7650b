// Package util provides logging and host helpers shared by the kafra components.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const logPrefix = "kafra_"

// LogConfig controls where log output goes and at what level.
type LogConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultLogConfig logs at info level to the console and to ./logs.
func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info", Directory: "logs", MaxBackups: 5, Console: true}
}

// InitLogger replaces the global zerolog logger. Files get JSON lines, the
// console gets the human readable writer. With neither configured the
// console is used.
func InitLogger(cfg LogConfig) error {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var (
		outputs []io.Writer
		file    string
	)
	if cfg.Directory != "" {
		f, err := openDailyLog(cfg.Directory, time.Now())
		if err != nil {
			return err
		}
		file = f.Name()
		outputs = append(outputs, f)
	}
	if cfg.Console || len(outputs) == 0 {
		outputs = append(outputs, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		With().
		Timestamp().
		Str("app", "kafra").
		Caller().
		Logger()

	log.Info().Stringer("level", level).Str("log_file", file).Msg("logger initialized")

	if cfg.Directory != "" {
		go cleanOldLogs(cfg.Directory, cfg.MaxBackups)
	}
	return nil
}

func openDailyLog(dir string, day time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, logPrefix+day.Format("2006-01-02")+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return f, nil
}

// cleanOldLogs removes all but the newest keep daily log files.
func cleanOldLogs(dir string, keep int) {
	if keep <= 0 {
		return
	}
	matches, err := filepath.Glob(filepath.Join(dir, logPrefix+"*.log"))
	if err != nil || len(matches) <= keep {
		return
	}
	// dated names sort oldest first
	slices.Sort(matches)
	for _, path := range matches[:len(matches)-keep] {
		if err := os.Remove(path); err == nil {
			log.Debug().Str("file", path).Msg("removed old log file")
		}
	}
}
