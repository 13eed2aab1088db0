// Package registry tracks which connection belongs to which processor and
// what each processor has announced it can do.
package registry

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
)

// Conn is the send side of a processor connection.
type Conn interface {
	Send(ctx context.Context, data []byte) error
}

// Processor is what a processor announces when it registers.
type Processor struct {
	ID               string   `json:"id"`
	CommandsAccepted []string `json:"commandsAccepted"`
	CoProcessor      bool     `json:"coProcessor"`
	Priority         int      `json:"priority"`
	Environment      string   `json:"environment,omitempty"`

	seq uint64
}

// Accepts reports whether the processor accepts command.
func (p Processor) Accepts(command string) bool {
	return slices.Contains(p.CommandsAccepted, command)
}

// Registry binds processor ids to live connections and holds the announced
// capabilities of active processors and coprocessors.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]Conn
	processors map[string]Processor
	seq        uint64
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		conns:      make(map[string]Conn),
		processors: make(map[string]Processor),
	}
}

// Register binds id to conn, replacing an older binding. It reports whether
// the binding changed.
func (r *Registry) Register(id string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[id]; ok && cur == conn {
		return false
	}
	r.conns[id] = conn
	slog.Info("processor connected", "processor_id", id, "connections", len(r.conns))
	return true
}

// Lookup returns the connection bound to id.
func (r *Registry) Lookup(id string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Unregister removes the binding of id if it still points at conn. A nil
// conn removes any binding. It reports whether a binding was removed; calling
// it again is a no-op.
func (r *Registry) Unregister(id string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.conns[id]
	if !ok || (conn != nil && cur != conn) {
		return false
	}
	delete(r.conns, id)
	return true
}

// IDs returns the ids of all bound processors, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BoundTo returns the ids currently bound to conn, sorted.
func (r *Registry) BoundTo(conn Conn) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, c := range r.conns {
		if c == conn {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Announce records the capabilities of a processor. Re-announcing keeps the
// original announce order so coprocessor positions stay stable.
func (r *Registry) Announce(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.processors[p.ID]; ok {
		p.seq = prev.seq
	} else {
		r.seq++
		p.seq = r.seq
	}
	r.processors[p.ID] = p
	slog.Info("processor registered",
		"processor_id", p.ID,
		"coprocessor", p.CoProcessor,
		"commands", p.CommandsAccepted,
		"environment", p.Environment,
	)
}

// Forget drops the capabilities of id. It reports whether anything was
// removed.
func (r *Registry) Forget(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.processors[id]; !ok {
		return false
	}
	delete(r.processors, id)
	return true
}

// Processor returns the announced capabilities of id.
func (r *Registry) Processor(id string) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[id]
	return p, ok
}

// IsActive reports whether id has announced itself as a processor or a
// coprocessor.
func (r *Registry) IsActive(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.processors[id]
	return ok
}

// Processors returns the ordinary (non-coprocessor) processors sorted by id.
func (r *Registry) Processors() []Processor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Processor
	for _, p := range r.processors {
		if !p.CoProcessor {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CoProcessors returns the coprocessor chain in its deterministic order:
// priority ascending, then announce order, then id.
func (r *Registry) CoProcessors() []Processor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Processor
	for _, p := range r.processors {
		if p.CoProcessor {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.seq != b.seq {
			return a.seq < b.seq
		}
		return a.ID < b.ID
	})
	return out
}
