// Package events carries hub lifecycle events from the dispatcher to the
// audit log, the monitor websocket and the REST history.
package events

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrBusClosed = errors.New("event bus is closed")
)

// DefaultBufferSize is used when NewBus is given a non-positive size.
const DefaultBufferSize = 1024

// EventType represents the type of event.
type EventType string

const (
	// Task lifecycle
	EventTaskStarted EventType = "task.started"
	EventTaskUpdated EventType = "task.updated"
	EventTaskSynced  EventType = "task.synced"
	EventTaskError   EventType = "task.error"
	EventTaskDone    EventType = "task.done"

	// Processor lifecycle
	EventProcessorConnected    EventType = "processor.connected"
	EventProcessorRegistered   EventType = "processor.registered"
	EventProcessorDisconnected EventType = "processor.disconnected"

	// Faults
	EventIntegrityMismatch EventType = "integrity.mismatch"
	EventDeliveryDropped   EventType = "delivery.dropped"
	EventLockStuck         EventType = "lock.stuck"
)

// EventSource identifies the component that emitted an event.
type EventSource string

const (
	SourceHub   EventSource = "hub"
	SourceWS    EventSource = "ws"
	SourceLock  EventSource = "lock"
	SourceStore EventSource = "store"
)

// Event represents an event in the system.
type Event struct {
	ID         string         `json:"id"`
	InstanceID string         `json:"instance_id,omitempty"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	Source     EventSource    `json:"source"`
	Payload    map[string]any `json:"payload"`
}

// eventIDCounter is used to generate sequential event IDs.
var eventIDCounter uint64

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, source EventSource, payload map[string]any) Event {
	return Event{
		ID:        generateEventID(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Payload:   payload,
	}
}

// NewEventForInstance creates a new event attached to a task instance.
func NewEventForInstance(eventType EventType, source EventSource, payload map[string]any, instanceID string) Event {
	e := NewEvent(eventType, source, payload)
	e.InstanceID = instanceID
	return e
}

func generateEventID() string {
	seq := atomic.AddUint64(&eventIDCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), seq)
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// DefaultQueueSize bounds the backlog of a single subscriber.
const DefaultQueueSize = 256

// subscription delivers matching events to its handler in publish order
// from a dedicated goroutine.
type subscription struct {
	types   map[EventType]struct{}
	handler Subscriber
	queue   chan Event
	stopped chan struct{}
}

func (s *subscription) run() {
	defer close(s.stopped)
	for e := range s.queue {
		s.handler(e)
	}
}

func (s *subscription) wants(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus is an in-memory publish/subscribe bus. Publishing never blocks the
// publisher: an event that finds the bus queue or a subscriber queue full is
// dropped and counted.
type Bus struct {
	mu         sync.RWMutex
	subs       map[int]*subscription
	nextID     int
	queue      chan Event
	bufferSize int
	history    *RingBuffer
	closed     bool
	done       chan struct{}
	dropped    atomic.Uint64
}

// NewBus creates a bus whose queue and history hold bufferSize events.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	b := &Bus{
		subs:       make(map[int]*subscription),
		queue:      make(chan Event, bufferSize),
		bufferSize: bufferSize,
		history:    NewRingBuffer(bufferSize),
		done:       make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *Bus) dispatch() {
	for {
		select {
		case e := <-b.queue:
			b.history.Add(e)
			b.fanout(e)
		case <-b.done:
			return
		}
	}
}

func (b *Bus) fanout(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.wants(e.Type) {
			continue
		}
		select {
		case sub.queue <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Publish queues an event. It is a no-op once the bus is closed.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- event:
	default:
		b.dropped.Add(1)
	}
}

// PublishAsync queues an event, waiting for room until ctx is done.
func (b *Bus) PublishAsync(ctx context.Context, event Event) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}

	select {
	case b.queue <- event:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns how many events were discarded because a queue was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) subscribe(handler Subscriber, eventTypes []EventType) (int, *subscription) {
	sub := &subscription{
		types:   make(map[EventType]struct{}, len(eventTypes)),
		handler: handler,
		queue:   make(chan Event, DefaultQueueSize),
		stopped: make(chan struct{}),
	}
	for _, t := range eventTypes {
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.closed {
		close(sub.queue)
	} else {
		b.subs[id] = sub
	}
	go sub.run()
	return id, sub
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.queue)
	}
}

// Subscribe registers a handler for the given event types, or for every event
// when none are given. Events reach a handler one at a time in publish order.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(handler Subscriber, eventTypes ...EventType) func() {
	id, _ := b.subscribe(handler, eventTypes)
	return func() { b.unsubscribe(id) }
}

// SubscribeChan returns a channel that receives events. Events that find the
// channel full are dropped. The channel is closed by the returned function.
func (b *Bus) SubscribeChan(bufSize int, eventTypes ...EventType) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)
	id, sub := b.subscribe(func(e Event) {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}, eventTypes)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.unsubscribe(id)
			<-sub.stopped
			close(ch)
		})
	}
}

// History returns recent events, oldest first.
func (b *Bus) History(limit int) []Event {
	return b.history.Get(limit)
}

// HistoryFor returns up to limit recent events of one instance, oldest first.
func (b *Bus) HistoryFor(instanceID string, limit int) []Event {
	all := b.history.Get(b.bufferSize)
	var out []Event
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if all[i].InstanceID == instanceID {
			out = append(out, all[i])
		}
	}
	slices.Reverse(out)
	return out
}

// Close stops dispatching and ends every subscription. Pending events are
// discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.queue)
	}
}

// RingBuffer is a circular buffer for storing recent events.
type RingBuffer struct {
	mu     sync.RWMutex
	events []Event
	size   int
	pos    int
	count  int
}

// NewRingBuffer creates a new ring buffer.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{
		events: make([]Event, size),
		size:   size,
	}
}

func (r *RingBuffer) Add(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events[r.pos] = event
	r.pos = (r.pos + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

func (r *RingBuffer) Get(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n > r.count {
		n = r.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]Event, n)
	start := (r.pos - n + r.size) % r.size
	for i := 0; i < n; i++ {
		result[i] = r.events[(start+i)%r.size]
	}
	return result
}

func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pos = 0
	r.count = 0
}
