package lock

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Watchdog reports locks held longer than a threshold and garbage-collects
// idle entries. It never force-releases a lock.
type Watchdog struct {
	m          *Manager
	stuckAfter time.Duration
	idleAfter  time.Duration
	onStuck    func(Holding)
}

// WatchdogConfig configures a Watchdog.
type WatchdogConfig struct {
	StuckAfter time.Duration
	IdleAfter  time.Duration
	// OnStuck is called once per check for every stuck lock.
	OnStuck func(Holding)
}

// NewWatchdog creates a watchdog over m.
func NewWatchdog(m *Manager, cfg WatchdogConfig) *Watchdog {
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 2 * time.Minute
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = 10 * time.Minute
	}
	return &Watchdog{
		m:          m,
		stuckAfter: cfg.StuckAfter,
		idleAfter:  cfg.IdleAfter,
		onStuck:    cfg.OnStuck,
	}
}

// Check runs one pass and returns the stuck locks it found.
func (w *Watchdog) Check() []Holding {
	stuck := w.m.Held(w.stuckAfter)
	for _, h := range stuck {
		slog.Warn("lock held too long",
			"instance_id", h.ID,
			"description", h.Description,
			"held", h.Held.Truncate(time.Second),
			"waiters", h.Waiters,
		)
		if w.onStuck != nil {
			w.onStuck(h)
		}
	}
	if n := w.m.Sweep(w.idleAfter); n > 0 {
		slog.Debug("swept idle locks", "count", n)
	}
	return stuck
}

// Schedule registers the check on c every interval.
func (w *Watchdog) Schedule(c *cron.Cron, interval time.Duration) (cron.EntryID, error) {
	id, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() { w.Check() })
	if err != nil {
		return 0, fmt.Errorf("schedule lock watchdog: %w", err)
	}
	return id, nil
}
