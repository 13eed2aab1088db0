package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/taskhub/internal/events"
	"github.com/dohr-michael/taskhub/internal/gateway/ws"
	"github.com/dohr-michael/taskhub/internal/hub"
	"github.com/dohr-michael/taskhub/internal/metrics"
	"github.com/dohr-michael/taskhub/internal/registry"
	"github.com/dohr-michael/taskhub/internal/storage"
	"github.com/dohr-michael/taskhub/internal/store"
)

// DefaultWSPath is where processors connect.
const DefaultWSPath = "/hub/ws"

// Deps are the services exposed by the gateway. Audit and Metrics are
// optional.
type Deps struct {
	Hub       *hub.Hub
	Registry  *registry.Registry
	Active    *store.ActiveTasks
	Instances *store.Instances
	Outputs   *store.FamilyOutputs
	Bus       *events.Bus
	Audit     *storage.AuditLog
	Metrics   *metrics.Metrics
}

// Options configure the listener.
type Options struct {
	Host       string
	Port       int
	WSPath     string
	SendBuffer int
}

// Server is the taskhub HTTP server.
type Server struct {
	httpServer *http.Server
	conns      *ws.Server
	monitor    *ws.Monitor
	deps       Deps
	started    time.Time
}

// NewServer creates a new gateway server.
func NewServer(deps Deps, opts Options) *Server {
	if opts.WSPath == "" {
		opts.WSPath = DefaultWSPath
	}

	s := &Server{
		conns:   ws.NewServer(deps.Hub, deps.Registry, opts.SendBuffer),
		monitor: ws.NewMonitor(deps.Bus),
		deps:    deps,
		started: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get(opts.WSPath, s.conns.ServeWS)
	r.Get("/metrics", deps.Metrics.Handler().ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/events", s.handleEvents)
		r.Get("/events/ws", s.monitor.ServeWS)
		r.Get("/processors", s.handleProcessors)
		r.Get("/families/{familyId}/outputs", s.handleFamilyOutputs)

		r.Get("/tasks", s.handleTasks)
		r.Get("/tasks/{instanceId}", s.handleTask)
		r.Get("/tasks/{instanceId}/events", s.handleTaskEvents)
	})

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// Connections returns the number of open processor connections.
func (s *Server) Connections() int { return s.conns.Clients() }

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	slog.Info("taskhub listening", "addr", ln.Addr().String())
	err := s.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.monitor.Close()
	s.conns.Close()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("encode response", "error", err)
	}
}

func limitParam(r *http.Request, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		return n
	}
	return def
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"uptime":       time.Since(s.started).Round(time.Second).String(),
		"connections":  s.conns.Clients(),
		"processors":   len(s.deps.Registry.IDs()),
		"active_tasks": s.deps.Active.Len(),
	})
}

type eventJSON struct {
	ID         string             `json:"id"`
	InstanceID string             `json:"instance_id,omitempty"`
	Type       string             `json:"type"`
	Timestamp  string             `json:"timestamp"`
	Source     events.EventSource `json:"source"`
	Payload    map[string]any     `json:"payload"`
}

func formatEvents(history []events.Event) []eventJSON {
	result := make([]eventJSON, len(history))
	for i, e := range history {
		result[i] = eventJSON{
			ID:         e.ID,
			InstanceID: e.InstanceID,
			Type:       string(e.Type),
			Timestamp:  e.Timestamp.Format(time.RFC3339Nano),
			Source:     e.Source,
			Payload:    e.Payload,
		}
	}
	return result
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := limitParam(r, 50)
	var history []events.Event
	if id := r.URL.Query().Get("instance"); id != "" {
		history = s.deps.Bus.HistoryFor(id, limit)
	} else {
		history = s.deps.Bus.History(limit)
	}
	writeJSON(w, http.StatusOK, formatEvents(history))
}

type processorJSON struct {
	registry.Processor
	Connected bool     `json:"connected"`
	Instances []string `json:"instances"`
}

func (s *Server) handleProcessors(w http.ResponseWriter, r *http.Request) {
	reg := s.deps.Registry
	all := append(reg.CoProcessors(), reg.Processors()...)
	out := make([]processorJSON, 0, len(all))
	for _, p := range all {
		_, connected := reg.Lookup(p.ID)
		out = append(out, processorJSON{
			Processor: p,
			Connected: connected,
			Instances: s.deps.Active.InstancesOf(p.ID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFamilyOutputs(w http.ResponseWriter, r *http.Request) {
	outputs, err := s.deps.Outputs.Get(r.Context(), chi.URLParam(r, "familyId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, outputs)
}
