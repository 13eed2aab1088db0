// Package hub dispatches inbound task envelopes: it binds connections to
// processors, routes transitions through the coprocessor chain, mutates the
// canonical snapshots under their instance lock and fans out per-recipient
// diffs.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dohr-michael/taskhub/internal/coproc"
	"github.com/dohr-michael/taskhub/internal/events"
	"github.com/dohr-michael/taskhub/internal/lock"
	"github.com/dohr-michael/taskhub/internal/metrics"
	"github.com/dohr-michael/taskhub/internal/registry"
	"github.com/dohr-michael/taskhub/internal/store"
	"github.com/dohr-michael/taskhub/internal/task"
)

var (
	ErrProtocol          = errors.New("protocol violation")
	ErrNoActiveTask      = errors.New("no active task")
	ErrMissingSyncTarget = errors.New("sync without target instance")
)

// Initializer materializes new task instances.
type Initializer interface {
	Init(ctx context.Context, req task.InitRequest) (task.Doc, error)
}

// Deps are the services a Hub works with. Bus and Metrics are optional.
type Deps struct {
	Registry    *registry.Registry
	Locks       *lock.Manager
	Active      *store.ActiveTasks
	Instances   *store.Instances
	Outputs     *store.FamilyOutputs
	Router      *coproc.Router
	Initializer Initializer
	Bus         *events.Bus
	Metrics     *metrics.Metrics
}

// Options tune hub behavior at runtime.
type Options struct {
	// HashSnapshots stamps meta.hash after every mutation.
	HashSnapshots bool
}

// Hub is the command dispatcher.
type Hub struct {
	registry  *registry.Registry
	locks     *lock.Manager
	active    *store.ActiveTasks
	instances *store.Instances
	outputs   *store.FamilyOutputs
	router    *coproc.Router
	init      Initializer
	bus       *events.Bus
	metrics   *metrics.Metrics

	hashSnapshots atomic.Bool
	messageCount  atomic.Int64
	startSeq      atomic.Uint64
}

// New creates a Hub.
func New(deps Deps, opts Options) *Hub {
	h := &Hub{
		registry:  deps.Registry,
		locks:     deps.Locks,
		active:    deps.Active,
		instances: deps.Instances,
		outputs:   deps.Outputs,
		router:    deps.Router,
		init:      deps.Initializer,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
	}
	h.hashSnapshots.Store(opts.HashSnapshots)
	return h
}

// SetHashSnapshots toggles hash stamping.
func (h *Hub) SetHashSnapshots(on bool) { h.hashSnapshots.Store(on) }

// Router returns the coprocessor router.
func (h *Hub) Router() *coproc.Router { return h.router }

// Lane returns the instance a raw frame serializes on. ping, pong, register
// and undecodable frames take no instance lock and get the empty lane. A start
// without a predecessor gets a lane of its own.
func (h *Hub) Lane(raw []byte) string {
	doc, err := task.ParseMessage(raw)
	if err != nil {
		return ""
	}
	hub, err := doc.HubInfo()
	if err != nil {
		return ""
	}

	var id string
	switch hub.Command {
	case "", task.CommandPing, task.CommandPong, task.CommandRegister:
		return ""
	case task.CommandStart:
		if id = hub.StringArg("prevInstanceId"); id == "" {
			id = doc.InstanceID()
		}
		if id == "" {
			return fmt.Sprintf("start#%d", h.startSeq.Add(1))
		}
	case task.CommandSync:
		id = hub.StringArg("instanceId")
	case task.CommandUpdate:
		if hub.BoolArg("sync") {
			id = hub.StringArg("instanceId")
		}
	}
	if id == "" {
		id = doc.InstanceID()
	}
	return id
}

// HandleMessage processes one inbound frame from conn. Returned errors are
// faults of this message only; the connection stays usable.
func (h *Hub) HandleMessage(ctx context.Context, conn registry.Conn, raw []byte) error {
	start := time.Now()

	doc, err := task.ParseMessage(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	cmd := doc.Command()
	h.metrics.Received(string(cmd))
	defer h.metrics.ObserveHandle(string(cmd), start)

	err = h.handle(ctx, conn, doc, raw)
	if err != nil {
		h.metrics.HandlerError(string(cmd))
	}
	return err
}

func (h *Hub) handle(ctx context.Context, conn registry.Conn, doc task.Doc, raw []byte) error {
	cmd := doc.Command()
	pid := doc.ProcessorID()
	if cmd == "" && pid == "" {
		return fmt.Errorf("%w: %v", ErrProtocol, task.ErrNoCommand)
	}

	if pid != "" {
		h.bind(pid, conn)
	}

	switch {
	case cmd == task.CommandPing:
		return h.pong(ctx, conn)
	case cmd == task.CommandRegister:
		return h.register(ctx, pid, doc)
	case pid != "" && !h.registry.IsActive(pid):
		slog.Info("requesting registration", "processor_id", pid)
		return h.sendRaw(ctx, pid, task.Doc{"hub": map[string]any{"command": string(task.CommandRegister)}})
	case cmd == "":
		// A bare processor.id only binds the connection.
		return nil
	case !cmd.Valid() || cmd == task.CommandPong:
		return fmt.Errorf("%w: unexpected command %q", ErrProtocol, cmd)
	case cmd == task.CommandPartial:
		return h.partial(ctx, doc, pid, raw)
	}

	source := pid
	var step coproc.Step
	var err error
	if coproc.InChain(doc) {
		step, err = h.router.Advance(doc, pid)
	} else {
		step, err = h.router.Begin(doc, pid)
	}
	if err != nil {
		return fmt.Errorf("route %s: %w", cmd, err)
	}
	if step.Next != "" {
		h.metrics.CoProcessorHop()
		return h.forward(ctx, doc, step.Next)
	}
	if step.Done {
		hub, _ := doc.HubInfo()
		if hub.InitiatingProcessorID != "" {
			source = hub.InitiatingProcessorID
		}
	}
	if source == "" {
		hub, _ := doc.HubInfo()
		source = hub.SourceProcessorID
	}
	return h.dispatch(ctx, doc, source)
}

func (h *Hub) dispatch(ctx context.Context, doc task.Doc, source string) error {
	hub, err := doc.HubInfo()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	switch hub.Command {
	case task.CommandStart:
		return h.start(ctx, doc, hub, source)
	case task.CommandUpdate:
		if hub.BoolArg("sync") {
			return h.sync(ctx, doc, hub, source)
		}
		return h.update(ctx, doc, hub, source)
	case task.CommandSync:
		return h.sync(ctx, doc, hub, source)
	case task.CommandError:
		return h.fail(ctx, doc, hub, source)
	}
	return fmt.Errorf("%w: unexpected command %q", ErrProtocol, hub.Command)
}

// bind associates pid with conn on the first envelope that names it.
func (h *Hub) bind(pid string, conn registry.Conn) {
	if conn == nil || !h.registry.Register(pid, conn) {
		return
	}
	h.metrics.SetConnections(len(h.registry.IDs()))
	h.publish(events.NewTypedEvent(events.SourceHub, events.ProcessorConnectedPayload{ProcessorID: pid}))
}

// Disconnect cleans up after a closed connection. It is a no-op when pid is
// empty, already gone, or bound to a newer connection.
func (h *Hub) Disconnect(pid string, conn registry.Conn) {
	if pid == "" || !h.registry.Unregister(pid, conn) {
		return
	}
	h.registry.Forget(pid)
	instances := h.active.DropProcessor(pid)

	h.metrics.SetConnections(len(h.registry.IDs()))
	h.updateProcessorGauges()
	slog.Info("processor disconnected", "processor_id", pid, "instances", len(instances))
	h.publish(events.NewTypedEvent(events.SourceHub, events.ProcessorDisconnectedPayload{
		ProcessorID: pid,
		Instances:   instances,
	}))
}

// withLock runs fn while holding the lock of id.
func (h *Hub) withLock(ctx context.Context, id, description string, fn func() error) error {
	if id == "" {
		return fmt.Errorf("%w: %v", ErrProtocol, lock.ErrNoKey)
	}
	waitStart := time.Now()
	lease, err := h.locks.Acquire(ctx, id, description)
	if err != nil {
		return fmt.Errorf("lock %s: %w", id, err)
	}
	defer lease.Release()
	h.metrics.ObserveLockWait(time.Since(waitStart))
	return fn()
}

func (h *Hub) publish(e events.Event) {
	if h.bus != nil {
		h.bus.Publish(e)
	}
}

func (h *Hub) updateProcessorGauges() {
	h.metrics.SetProcessors(len(h.registry.Processors()), len(h.registry.CoProcessors()))
}

// Locked reports whether the instance lock of id is held.
func (h *Hub) Locked(id string) bool { return h.locks.Locked(id) }
