package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Config is the root configuration for taskhub.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	Catalog CatalogConfig `json:"catalog"`
	Hub     HubConfig     `json:"hub"`
	Locks   LocksConfig   `json:"locks"`
	Events  EventsConfig  `json:"events"`
	Log     LogConfig     `json:"log"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	WSPath string `json:"ws_path"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `json:"driver"` // "memory", "sqlite", "dir"
	Path   string `json:"path"`   // sqlite file or directory root
}

// CatalogConfig lists the directories holding task definitions.
type CatalogConfig struct {
	Dirs []string `json:"dirs"` // default: [$TASKHUB_PATH/tasks]
}

// HubConfig tunes the dispatcher.
type HubConfig struct {
	CoProcessorPolicy string `json:"coprocessor_policy"` // "skip" or "stall"
	HashSnapshots     bool   `json:"hash_snapshots"`
	SendBuffer        int    `json:"send_buffer"`
}

// LocksConfig drives the lock watchdog and idle entry sweep.
type LocksConfig struct {
	WatchdogInterval Duration `json:"watchdog_interval"`
	StuckAfter       Duration `json:"stuck_after"`
	IdleAfter        Duration `json:"idle_after"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int    `json:"buffer_size"`
	AuditDir   string `json:"audit_dir"` // empty disables the audit log
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // text or json
}

// SlogLevel parses Level.
func (c LogConfig) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", c.Level, err)
	}
	return l, nil
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
