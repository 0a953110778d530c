package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/dohr-michael/warden/internal/events"
)

// Handler serves request frames sent by operators over the socket.
type Handler interface {
	Status(ctx context.Context) (any, error)
	ListTasks(queue string) (any, error)
	CheckTask(taskID string) (any, error)
	CancelTask(taskID, reason string) error
	ClearFlag(flag string) error
}

// Client represents a connected WebSocket client.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub manages WebSocket clients and bridges them to the event bus.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	bus         *events.Bus
	handler     Handler
	unsubscribe func()
}

// NewHub creates a new WebSocket hub connected to an event bus.
// handler may be nil, in which case request frames are rejected.
func NewHub(bus *events.Bus, handler Handler) *Hub {
	h := &Hub{
		clients: make(map[*Client]struct{}),
		bus:     bus,
		handler: handler,
	}

	// Subscribe to all events and bridge to WS clients
	h.unsubscribe = bus.Subscribe(func(e events.Event) {
		frame, err := NewEventFrame(string(e.Type), e)
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

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
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

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	slog.Info("ws client connected", "clients", len(h.clients))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		slog.Info("ws client disconnected", "clients", len(h.clients))
	}
}

// ServeWS handles a WebSocket upgrade and manages the client lifecycle.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // Allow any origin for dev
	})
	if err != nil {
		slog.Error("ws accept", "error", err)
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
	}

	h.register(client)

	ctx := r.Context()
	go client.writePump(ctx)
	client.readPump(ctx)
}

// readPump reads frames from the WS connection and dispatches them.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
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

		frame, err := UnmarshalFrame(data)
		if err != nil {
			slog.Error("ws unmarshal frame", "error", err)
			continue
		}

		if frame.Type != FrameTypeRequest {
			slog.Debug("ws unknown frame type", "type", frame.Type)
			continue
		}
		c.handleRequest(ctx, frame)
	}
}

type requestParams struct {
	TaskID string `json:"task_id"`
	Queue  string `json:"queue"`
	Reason string `json:"reason"`
	Flag   string `json:"flag"`
}

// handleRequest processes a request frame (method dispatch).
func (c *Client) handleRequest(ctx context.Context, frame Frame) {
	h := c.hub.handler
	if h == nil {
		c.sendError(frame.ID, "requests not supported")
		return
	}

	var params requestParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			c.sendError(frame.ID, "invalid params")
			return
		}
	}

	var (
		result any
		err    error
	)
	switch Method(frame.Method) {
	case MethodStatus:
		result, err = h.Status(ctx)
	case MethodListTasks:
		result, err = h.ListTasks(params.Queue)
	case MethodCheckTask:
		result, err = h.CheckTask(params.TaskID)
	case MethodCancelTask:
		err = h.CancelTask(params.TaskID, params.Reason)
		result = map[string]string{"status": "cancelled"}
	case MethodClearFlag:
		err = h.ClearFlag(params.Flag)
		result = map[string]string{"status": "cleared"}
	default:
		c.sendError(frame.ID, "unknown method: "+frame.Method)
		return
	}

	if err != nil {
		c.sendError(frame.ID, err.Error())
		return
	}
	c.sendOK(frame.ID, result)
}

// writePump writes queued messages to the WS connection.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) sendOK(id string, payload any) {
	c.sendResponse(id, true, payload, "")
}

func (c *Client) sendError(id string, errMsg string) {
	c.sendResponse(id, false, nil, errMsg)
}

func (c *Client) sendResponse(id string, ok bool, payload any, errMsg string) {
	f, err := NewResponseFrame(id, ok, payload, errMsg)
	if err != nil {
		return
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	// The send channel may already be closed by unregister.
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, live := c.hub.clients[c]; !live {
		return
	}
	select {
	case c.send <- data:
	default:
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
	}
}
