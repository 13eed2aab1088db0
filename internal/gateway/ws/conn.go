// Package ws carries websocket traffic: processor connections feeding the
// hub dispatcher, and the read-only monitor stream.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/dohr-michael/taskhub/internal/registry"
)

// DefaultSendBuffer is the outbound queue length per connection.
const DefaultSendBuffer = 256

// MaxMessageSize bounds a single inbound frame.
const MaxMessageSize = 16 << 20

var (
	ErrClosed       = errors.New("connection closed")
	ErrSlowConsumer = errors.New("send buffer full")
)

// Handler consumes processor traffic.
type Handler interface {
	// Lane returns the ordering key of a frame. Frames sharing a key are
	// handled in arrival order, different keys concurrently. An empty key
	// handles the frame inline before the next one is read.
	Lane(raw []byte) string
	HandleMessage(ctx context.Context, conn registry.Conn, raw []byte) error
	ReplyError(ctx context.Context, conn registry.Conn, cause error) error
	Disconnect(processorID string, conn registry.Conn)
}

// Client is one processor websocket. It implements registry.Conn.
type Client struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	remote    string
}

// Send queues data for the connection without blocking. A full queue fails
// the send for this recipient only.
func (c *Client) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrSlowConsumer
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Server accepts processor connections on the hub websocket endpoint.
type Server struct {
	mu         sync.Mutex
	clients    map[*Client]struct{}
	handler    Handler
	registry   *registry.Registry
	sendBuffer int
}

// NewServer creates a processor connection server. sendBuffer <= 0 uses
// DefaultSendBuffer.
func NewServer(handler Handler, reg *registry.Registry, sendBuffer int) *Server {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	return &Server{
		clients:    make(map[*Client]struct{}),
		handler:    handler,
		registry:   reg,
		sendBuffer: sendBuffer,
	}
}

// Clients returns the number of open connections.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) add(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
	slog.Info("ws client connected", "remote", c.remote, "clients", len(s.clients))
}

// remove forgets c and disconnects every processor still bound to it.
func (s *Server) remove(c *Client) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	for _, pid := range s.registry.BoundTo(c) {
		s.handler.Disconnect(pid, c)
	}
	slog.Info("ws client disconnected", "remote", c.remote, "clients", n)
}

// ServeWS handles a websocket upgrade and manages the client lifecycle.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("ws accept", "error", err)
		return
	}
	conn.SetReadLimit(MaxMessageSize)

	c := &Client{
		conn:   conn,
		send:   make(chan []byte, s.sendBuffer),
		done:   make(chan struct{}),
		remote: r.RemoteAddr,
	}
	s.add(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go c.writePump(ctx)
	s.readPump(ctx, c)
}

// readPump reads frames and hands them to the handler. Frames without a lane
// are handled inline; the rest run on per-key lanes so one instance waiting
// for its lock never stalls the others.
func (s *Server) readPump(ctx context.Context, c *Client) {
	l := newLanes(DefaultMaxInFlight)
	defer func() {
		l.wait()
		s.remove(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("ws read closed", "status", websocket.CloseStatus(err))
			} else {
				slog.Debug("ws read error", "error", err)
			}
			return
		}

		key := s.handler.Lane(data)
		if key == "" {
			s.handle(ctx, c, data)
			continue
		}
		if err := l.run(ctx, key, func() { s.handle(ctx, c, data) }); err != nil {
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, c *Client, data []byte) {
	if err := s.handler.HandleMessage(ctx, c, data); err != nil {
		slog.Warn("ws message rejected", "remote", c.remote, "error", err)
		if err := s.handler.ReplyError(ctx, c, err); err != nil {
			slog.Debug("ws error reply failed", "error", err)
		}
	}
}

// writePump writes queued messages to the connection.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close disconnects every client.
func (s *Server) Close() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		s.remove(c)
	}
}
