package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dohr-michael/hostbridge/internal/bridge"
	"github.com/dohr-michael/hostbridge/internal/events"
	"github.com/dohr-michael/hostbridge/internal/gateway/ws"
)

// Server is the hostbridge gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	bus        *events.Bus
	service    ws.Service

	mu   sync.Mutex
	addr net.Addr
}

// NewServer creates a new gateway server.
func NewServer(bus *events.Bus, service ws.Service, host string, port int) *Server {
	hub := ws.NewHub(bus, service)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	s := &Server{
		hub:     hub,
		bus:     bus,
		service: service,
	}

	// Routes
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", hub.ServeWS)
	r.Get("/api/events", s.handleEvents)
	r.Get("/api/workdir", s.handleWorkDir)

	// API: tasks
	r.Get("/api/tasks", s.handleListTasks)
	r.Post("/api/tasks", s.handleExecuteTask)
	r.Delete("/api/tasks", s.handleClearTasks)
	r.Get("/api/tasks/{id}", s.handleTaskStatus)
	r.Post("/api/tasks/{id}/interrupt", s.handleInterruptTask)
	r.Post("/api/tasks/{id}/notified", s.handleMarkNotified)

	// API: diagnostics
	r.Post("/api/diagnostics", s.handleDiagnostic)

	s.httpServer = &http.Server{
		Addr:    net.JoinHostPort(host, strconv.Itoa(port)),
		Handler: r,
	}

	return s
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	slog.Info("hostbridge gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Addr returns the bound address once Start is listening, or the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr != nil {
		return s.addr.String()
	}
	return s.httpServer.Addr
}

// Clients returns the number of connected WebSocket clients.
func (s *Server) Clients() int {
	return s.hub.Clients()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

// writeEnvelope maps the envelope status onto an HTTP code. Task outcomes
// and delivered diagnostics, failed ones included, are 200: they answer the
// query. A diagnostic carries an execution path only once it was delivered.
func writeEnvelope(w http.ResponseWriter, resp bridge.Response) {
	code := http.StatusOK
	switch resp.Status {
	case bridge.StatusError:
		if resp.Type != bridge.TypeDiagnosticResult || resp.ExecutionPath == "" {
			code = http.StatusBadRequest
		}
	case bridge.StatusNotFound:
		code = http.StatusNotFound
	case bridge.StatusTimeout:
		code = http.StatusGatewayTimeout
	}
	writeJSON(w, code, resp)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, bridge.Response{
			Type:    bridge.TypeResult,
			Status:  bridge.StatusError,
			Message: fmt.Sprintf("invalid request body: %v", err),
		})
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWorkDir(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.service.WorkingDirectory())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	history := s.bus.History(limit)

	// Format timestamps nicely
	type eventJSON struct {
		ID        string             `json:"id"`
		SessionID string             `json:"session_id,omitempty"`
		Type      string             `json:"type"`
		Timestamp string             `json:"timestamp"`
		Source    events.EventSource `json:"source"`
		Payload   map[string]any     `json:"payload"`
	}

	result := make([]eventJSON, len(history))
	for i, e := range history {
		result[i] = eventJSON{
			ID:        e.ID,
			SessionID: e.SessionID,
			Type:      string(e.Type),
			Timestamp: e.Timestamp.Format(time.RFC3339Nano),
			Source:    e.Source,
			Payload:   e.Payload,
		}
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	writeEnvelope(w, s.service.ListTasks(bridge.ListRequest{
		Session: q.Get("session_id"),
		Status:  q.Get("status"),
		Offset:  queryInt(r, "offset", 0),
		Limit:   queryInt(r, "limit", 0),
	}))
}

func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	var req bridge.ExecuteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeEnvelope(w, s.service.ExecuteTask(r.Context(), req))
}

func (s *Server) handleClearTasks(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.service.ClearTasks(r.URL.Query().Get("session_id")))
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.service.CheckStatus(chi.URLParam(r, "id")))
}

func (s *Server) handleInterruptTask(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.service.InterruptTask(chi.URLParam(r, "id")))
}

func (s *Server) handleMarkNotified(w http.ResponseWriter, r *http.Request) {
	writeEnvelope(w, s.service.MarkNotified(chi.URLParam(r, "id")))
}

func (s *Server) handleDiagnostic(w http.ResponseWriter, r *http.Request) {
	var req bridge.DiagnosticRequest
	if !decodeBody(w, r, &req) {
		return
	}
	writeEnvelope(w, s.service.Diagnostic(r.Context(), req))
}
