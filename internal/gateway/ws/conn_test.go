package ws

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/dohr-michael/taskhub/internal/registry"
)

// echoHandler binds every sender to the id "p" and echoes its frames.
type echoHandler struct {
	reg *registry.Registry

	mu           sync.Mutex
	disconnected []string
}

func (h *echoHandler) Lane([]byte) string { return "" }

func (h *echoHandler) HandleMessage(ctx context.Context, conn registry.Conn, raw []byte) error {
	if strings.HasPrefix(string(raw), "bad") {
		return errors.New("rejected")
	}
	h.reg.Register("p", conn)
	return conn.Send(ctx, raw)
}

func (h *echoHandler) ReplyError(ctx context.Context, conn registry.Conn, cause error) error {
	return conn.Send(ctx, []byte("error: "+cause.Error()))
}

func (h *echoHandler) Disconnect(pid string, conn registry.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reg.Unregister(pid, conn) {
		h.disconnected = append(h.disconnected, pid)
	}
}

func (h *echoHandler) gone() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.disconnected...)
}

func dial(t *testing.T, h Handler, reg *registry.Registry) (*Server, *websocket.Conn) {
	t.Helper()
	srv := NewServer(h, reg, 0)
	ts := httptest.NewServer(httpHandler(srv))
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return srv, conn
}

func read(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func write(t *testing.T, conn *websocket.Conn, s string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(s)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestServerEchoAndErrorReply(t *testing.T) {
	reg := registry.New()
	_, conn := dial(t, &echoHandler{reg: reg}, reg)

	write(t, conn, `{"task":{}}`)
	if got := read(t, conn); got != `{"task":{}}` {
		t.Fatalf("echo = %q", got)
	}

	write(t, conn, "bad frame")
	if got := read(t, conn); got != "error: rejected" {
		t.Fatalf("error reply = %q", got)
	}

	// The connection survives a rejected frame.
	write(t, conn, "again")
	if got := read(t, conn); got != "again" {
		t.Fatalf("echo after error = %q", got)
	}
}

func TestServerDisconnectsBoundProcessors(t *testing.T) {
	reg := registry.New()
	h := &echoHandler{reg: reg}
	srv, conn := dial(t, h, reg)

	write(t, conn, "hello")
	read(t, conn)
	if srv.Clients() != 1 {
		t.Fatalf("clients = %d, want 1", srv.Clients())
	}

	conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(5 * time.Second)
	for len(h.gone()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := h.gone(); len(got) != 1 || got[0] != "p" {
		t.Fatalf("disconnected = %v, want [p]", got)
	}
	if _, ok := reg.Lookup("p"); ok {
		t.Fatal("binding survived the close")
	}
}

func TestClientSendBackpressure(t *testing.T) {
	c := &Client{send: make(chan []byte, 1), done: make(chan struct{})}
	ctx := context.Background()

	if err := c.Send(ctx, []byte("1")); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := c.Send(ctx, []byte("2")); !errors.Is(err, ErrSlowConsumer) {
		t.Fatalf("expected ErrSlowConsumer, got %v", err)
	}
	c.close()
	c.close()
	if err := c.Send(ctx, []byte("3")); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

// laneHandler echoes "<lane>:<text>" frames on their lane. Frames of lane
// "slow" wait for release; "ping" frames are handled inline.
type laneHandler struct {
	release chan struct{}
}

func (h *laneHandler) Lane(raw []byte) string {
	lane, _, _ := strings.Cut(string(raw), ":")
	if lane == "ping" {
		return ""
	}
	return lane
}

func (h *laneHandler) HandleMessage(ctx context.Context, conn registry.Conn, raw []byte) error {
	if strings.HasPrefix(string(raw), "slow:") {
		select {
		case <-h.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return conn.Send(ctx, raw)
}

func (h *laneHandler) ReplyError(context.Context, registry.Conn, error) error { return nil }

func (h *laneHandler) Disconnect(string, registry.Conn) {}

func TestBlockedLaneDoesNotStallOthers(t *testing.T) {
	reg := registry.New()
	h := &laneHandler{release: make(chan struct{})}
	_, conn := dial(t, h, reg)

	write(t, conn, "slow:1")
	write(t, conn, "ping:")
	write(t, conn, "fast:1")
	write(t, conn, "slow:2")

	if got := read(t, conn); got != "ping:" {
		t.Fatalf("first reply = %q, want the inline ping", got)
	}
	if got := read(t, conn); got != "fast:1" {
		t.Fatalf("second reply = %q, want fast:1", got)
	}

	close(h.release)
	for _, want := range []string{"slow:1", "slow:2"} {
		if got := read(t, conn); got != want {
			t.Fatalf("reply = %q, want %q", got, want)
		}
	}
}

func TestLanesKeepOrderPerKey(t *testing.T) {
	l := newLanes(4)
	ctx := context.Background()

	var mu sync.Mutex
	got := map[string][]int{}
	for i := 0; i < 20; i++ {
		key := []string{"a", "b"}[i%2]
		if err := l.run(ctx, key, func() {
			mu.Lock()
			got[key] = append(got[key], i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("run: %v", err)
		}
	}
	l.wait()

	for key, seq := range got {
		for j := 1; j < len(seq); j++ {
			if seq[j] < seq[j-1] {
				t.Fatalf("lane %s out of order: %v", key, seq)
			}
		}
	}
	if len(got["a"])+len(got["b"]) != 20 {
		t.Fatalf("ran %d items, want 20", len(got["a"])+len(got["b"]))
	}
}
