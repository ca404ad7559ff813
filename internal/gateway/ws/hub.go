package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/dohr-michael/hostbridge/internal/bridge"
	"github.com/dohr-michael/hostbridge/internal/events"
)

// Request errors.
var (
	ErrInvalidParams = errors.New("invalid params")
	ErrUnknownMethod = errors.New("unknown method")
)

// Service is the request surface the hub dispatches to.
type Service interface {
	ExecuteTask(ctx context.Context, req bridge.ExecuteRequest) bridge.Response
	CheckStatus(taskID string) bridge.Response
	ListTasks(req bridge.ListRequest) bridge.Response
	InterruptTask(taskID string) bridge.Response
	ClearTasks(pattern string) bridge.Response
	MarkNotified(taskID string) bridge.Response
	Diagnostic(ctx context.Context, req bridge.DiagnosticRequest) bridge.Response
	Ping() bridge.Response
	WorkingDirectory() bridge.Response
}

// hubClient represents a connected WebSocket client.
type hubClient struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	hub    *Hub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Hub manages WebSocket clients and bridges them to the event bus.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*hubClient]struct{}
	bus         *events.Bus
	service     Service
	unsubscribe func()
}

// NewHub creates a new WebSocket hub connected to an event bus.
func NewHub(bus *events.Bus, service Service) *Hub {
	h := &Hub{
		clients: make(map[*hubClient]struct{}),
		bus:     bus,
		service: service,
	}

	// Subscribe to all events and bridge to WS clients
	h.unsubscribe = bus.Subscribe(func(e events.Event) {
		frame, err := NewEventFrame(string(e.Type), e.SessionID, e)
		if err != nil {
			slog.Error("marshal event frame", "error", err)
			return
		}
		data, err := MarshalFrame(frame)
		if err != nil {
			slog.Error("marshal frame", "error", err)
			return
		}
		h.broadcast(data)
	})

	return h
}

// broadcast sends data to all connected clients.
func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// register adds a client to the hub.
func (h *Hub) register(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	slog.Info("ws client connected", "clients", len(h.clients))
}

// unregister removes a client from the hub. In-flight request goroutines may
// still hold the client, so send is never closed; done stops them instead.
func (h *Hub) unregister(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.done)
		slog.Info("ws client disconnected", "clients", len(h.clients))
	}
}

// ServeWS handles a WebSocket upgrade and manages the client lifecycle.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local clients only
	})
	if err != nil {
		slog.Error("ws accept", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := &hubClient{
		conn:   conn,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		hub:    h,
		cancel: cancel,
	}

	h.register(client)

	go client.writePump(ctx)
	client.readPump(ctx)
}

// readPump reads frames from the WS connection and dispatches them.
func (c *hubClient) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
		c.cancel()
		c.wg.Wait()
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

		frame, err := UnmarshalFrame(data)
		if err != nil {
			slog.Warn("ws invalid frame", "error", err)
			if frame.Type == FrameTypeRequest && frame.ID != "" {
				c.sendError(frame.ID, err.Error())
			}
			continue
		}

		c.handleFrame(ctx, frame)
	}
}

// handleFrame processes an incoming WS frame. Requests run on their own
// goroutine so a slow diagnostic never blocks the connection.
func (c *hubClient) handleFrame(ctx context.Context, frame Frame) {
	switch frame.Type {
	case FrameTypeRequest:
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			resp, err := Dispatch(ctx, c.hub.service, frame.Method, frame.Params)
			if err != nil {
				c.sendError(frame.ID, err.Error())
				return
			}
			c.sendResponse(frame.ID, resp)
		}()
	default:
		slog.Debug("ws unknown frame type", "type", frame.Type)
	}
}

// writePump writes queued messages to the WS connection.
func (c *hubClient) writePump(ctx context.Context) {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *hubClient) sendResponse(id string, resp bridge.Response) {
	f, err := NewEnvelopeFrame(id, resp)
	if err != nil {
		slog.Error("marshal response frame", "error", err)
		return
	}
	c.enqueue(f)
}

func (c *hubClient) sendError(id string, errMsg string) {
	f, err := NewResponseFrame(id, false, nil, errMsg)
	if err != nil {
		return
	}
	c.enqueue(f)
}

// enqueue waits for room in the send buffer: a response is never dropped
// while the client is connected.
func (c *hubClient) enqueue(f Frame) {
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	}
}

// Close shuts down the hub and all client connections.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		delete(h.clients, c)
		close(c.done)
	}
}

// Dispatch decodes params for method and calls the matching handler. Only
// malformed requests return an error; handler failures are envelopes.
func Dispatch(ctx context.Context, svc Service, method Method, params json.RawMessage) (bridge.Response, error) {
	decode := func(v any) error {
		if len(params) == 0 {
			return nil
		}
		if err := json.Unmarshal(params, v); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		return nil
	}

	switch method {
	case MethodExecuteTask:
		var p bridge.ExecuteRequest
		if err := decode(&p); err != nil {
			return bridge.Response{}, err
		}
		return svc.ExecuteTask(ctx, p), nil

	case MethodCheckTaskStatus:
		var p TaskParams
		if err := decode(&p); err != nil {
			return bridge.Response{}, err
		}
		return svc.CheckStatus(p.TaskID), nil

	case MethodListTasks:
		var p bridge.ListRequest
		if err := decode(&p); err != nil {
			return bridge.Response{}, err
		}
		return svc.ListTasks(p), nil

	case MethodInterruptTask:
		var p TaskParams
		if err := decode(&p); err != nil {
			return bridge.Response{}, err
		}
		return svc.InterruptTask(p.TaskID), nil

	case MethodClearTasks:
		var p ClearParams
		if err := decode(&p); err != nil {
			return bridge.Response{}, err
		}
		return svc.ClearTasks(p.SessionID), nil

	case MethodMarkTaskNotified:
		var p TaskParams
		if err := decode(&p); err != nil {
			return bridge.Response{}, err
		}
		return svc.MarkNotified(p.TaskID), nil

	case MethodDiagnostic:
		var p bridge.DiagnosticRequest
		if err := decode(&p); err != nil {
			return bridge.Response{}, err
		}
		return svc.Diagnostic(ctx, p), nil

	case MethodWorkingDirectory:
		return svc.WorkingDirectory(), nil

	case MethodPing:
		return svc.Ping(), nil

	default:
		return bridge.Response{}, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
}
