// Package lock serializes mutations of task instances with one mutex per
// instance id.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

var (
	ErrNoKey  = errors.New("no lock key provided")
	ErrLocked = errors.New("already locked")
)

type entry struct {
	sem      chan struct{}
	waiters  int
	held     bool
	holder   string
	since    time.Time
	lastUsed time.Time
}

// Manager hands out per-instance locks. Entries are created lazily and only
// removed by Sweep.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

// NewManager creates an empty lock manager.
func NewManager() *Manager {
	return &Manager{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Lease is a held lock. Release may be called any number of times.
type Lease struct {
	m    *Manager
	id   string
	e    *entry
	once sync.Once
}

// ID returns the instance id the lease is held for.
func (l *Lease) ID() string { return l.id }

// Release frees the lock.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.m.mu.Lock()
		l.e.held = false
		l.e.holder = ""
		l.e.lastUsed = l.m.now()
		held := l.m.now().Sub(l.e.since)
		l.m.mu.Unlock()

		<-l.e.sem
		slog.Debug("released lock", "instance_id", l.id, "held", held)
	})
}

func (m *Manager) entry(id string) *entry {
	e, ok := m.entries[id]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1), lastUsed: m.now()}
		m.entries[id] = e
	}
	return e
}

// Acquire blocks until the lock for id is free or ctx is done.
func (m *Manager) Acquire(ctx context.Context, id, description string) (*Lease, error) {
	if id == "" {
		return nil, fmt.Errorf("acquire %s: %w", description, ErrNoKey)
	}

	m.mu.Lock()
	e := m.entry(id)
	e.waiters++
	m.mu.Unlock()

	slog.Debug("requesting lock", "instance_id", id, "description", description)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		m.mu.Lock()
		e.waiters--
		m.mu.Unlock()
		return nil, ctx.Err()
	}

	m.mu.Lock()
	e.waiters--
	e.held = true
	e.holder = description
	e.since = m.now()
	m.mu.Unlock()

	slog.Debug("got lock", "instance_id", id, "description", description)
	return &Lease{m: m, id: id, e: e}, nil
}

// TryAcquire takes the lock for id only if it is free right now.
func (m *Manager) TryAcquire(id, description string) (*Lease, error) {
	if id == "" {
		return nil, fmt.Errorf("acquire %s: %w", description, ErrNoKey)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(id)
	select {
	case e.sem <- struct{}{}:
	default:
		return nil, fmt.Errorf("lock %s (%s): %w", id, description, ErrLocked)
	}
	e.held = true
	e.holder = description
	e.since = m.now()
	return &Lease{m: m, id: id, e: e}, nil
}

// Do runs fn while holding the lock for id. The lock is released on every
// exit path, including a panic in fn.
func (m *Manager) Do(ctx context.Context, id, description string, fn func() error) error {
	lease, err := m.Acquire(ctx, id, description)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn()
}

// Locked reports whether the lock for id is currently held.
func (m *Manager) Locked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return ok && e.held
}

// Holding describes a lock that has been held for a while.
type Holding struct {
	ID          string        `json:"instance_id"`
	Description string        `json:"description"`
	Since       time.Time     `json:"since"`
	Held        time.Duration `json:"held"`
	Waiters     int           `json:"waiters"`
}

// Held lists locks held for at least olderThan, longest first.
func (m *Manager) Held(olderThan time.Duration) []Holding {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []Holding
	for id, e := range m.entries {
		if !e.held {
			continue
		}
		if d := now.Sub(e.since); d >= olderThan {
			out = append(out, Holding{
				ID:          id,
				Description: e.holder,
				Since:       e.since,
				Held:        d,
				Waiters:     e.waiters,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Held > out[j].Held })
	return out
}

// Sweep drops entries that are free, have no waiters, and were last used
// more than idle ago. It returns the number removed.
func (m *Manager) Sweep(idle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for id, e := range m.entries {
		if e.held || e.waiters > 0 || now.Sub(e.lastUsed) < idle {
			continue
		}
		delete(m.entries, id)
		removed++
	}
	return removed
}

// Len returns the number of lock entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
