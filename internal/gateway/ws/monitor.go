package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/dohr-michael/taskhub/internal/events"
)

// observer is a read-only client of the monitor stream.
type observer struct {
	conn     *websocket.Conn
	send     chan []byte
	instance string
}

// Monitor streams hub events to websocket observers. An observer may narrow
// the stream to one instance with ?instance=<id>.
type Monitor struct {
	mu          sync.RWMutex
	observers   map[*observer]struct{}
	unsubscribe func()
}

// NewMonitor creates a monitor fed by bus.
func NewMonitor(bus *events.Bus) *Monitor {
	m := &Monitor{observers: make(map[*observer]struct{})}

	m.unsubscribe = bus.Subscribe(func(e events.Event) {
		frame, err := NewEventFrame(string(e.Type), e.InstanceID, e)
		if err != nil {
			slog.Error("marshal event frame", "error", err)
			return
		}
		data, err := MarshalFrame(frame)
		if err != nil {
			slog.Error("marshal frame", "error", err)
			return
		}
		m.broadcast(e.InstanceID, data)
	})
	return m
}

func (m *Monitor) broadcast(instanceID string, data []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for o := range m.observers {
		if o.instance != "" && o.instance != instanceID {
			continue
		}
		select {
		case o.send <- data:
		default:
			// Observer too slow, skip
		}
	}
}

func (m *Monitor) add(o *observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers[o] = struct{}{}
	slog.Debug("monitor observer connected", "observers", len(m.observers))
}

func (m *Monitor) remove(o *observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.observers[o]; ok {
		delete(m.observers, o)
		close(o.send)
	}
}

// Observers returns the number of connected observers.
func (m *Monitor) Observers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.observers)
}

// ServeWS upgrades an observer connection.
func (m *Monitor) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("monitor accept", "error", err)
		return
	}

	o := &observer{
		conn:     conn,
		send:     make(chan []byte, 256),
		instance: r.URL.Query().Get("instance"),
	}
	m.add(o)

	// CloseRead drains and discards inbound frames; its context ends when
	// the observer goes away.
	ctx := conn.CloseRead(r.Context())
	hello, _ := MarshalFrame(Frame{Type: FrameTypeHello, InstanceID: o.instance})
	if err := conn.Write(ctx, websocket.MessageText, hello); err != nil {
		m.remove(o)
		return
	}
	o.writePump(ctx)
	m.remove(o)
	conn.Close(websocket.StatusNormalClosure, "")
}

func (o *observer) writePump(ctx context.Context) {
	for {
		select {
		case msg, ok := <-o.send:
			if !ok {
				return
			}
			if err := o.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the stream and disconnects every observer.
func (m *Monitor) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for o := range m.observers {
		o.conn.Close(websocket.StatusGoingAway, "server shutdown")
		delete(m.observers, o)
		close(o.send)
	}
}
