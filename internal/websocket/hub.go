package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rcourtman/billing-bridge/internal/billing"
	"github.com/rcourtman/billing-bridge/internal/channel"
	internalerrors "github.com/rcourtman/billing-bridge/internal/errors"
	"github.com/rcourtman/billing-bridge/internal/logging"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256

	eventConnectionState = "connectionState"
)

// MethodHandler executes method calls received from clients.
type MethodHandler interface {
	OnMethodCall(ctx context.Context, call channel.MethodCall, result channel.Result)
}

// Request is an inbound method-call frame.
type Request struct {
	ID        int64          `json:"id"`
	Method    string         `json:"method"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Response answers exactly one Request.
type Response struct {
	ID             int64          `json:"id"`
	Result         any            `json:"result,omitempty"`
	Error          *ErrorResponse `json:"error,omitempty"`
	NotImplemented bool           `json:"notImplemented,omitempty"`
}

// ErrorResponse is the error half of a Response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Event is a server-initiated broadcast.
type Event struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Options configures a Hub.
type Options struct {
	AllowedOrigins []string
	RateLimit      float64 // calls per second per client; <= 0 disables limiting
	Burst          int
}

// Client is one connected websocket peer.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	id      string
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// Hub maintains active clients, routes their method calls to the handler and
// broadcasts connection state changes.
type Hub struct {
	handler    MethodHandler
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	upgrader   websocket.Upgrader

	originsMu      sync.RWMutex
	allowedOrigins []string

	rateLimit rate.Limit
	burst     int

	getState func() billing.ConnectionState
	done     chan struct{}
}

// NewHub creates a hub dispatching to handler.
func NewHub(handler MethodHandler, opts Options) *Hub {
	h := &Hub{
		handler:    handler,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		rateLimit:  rate.Inf,
		done:       make(chan struct{}),
	}
	if opts.RateLimit > 0 {
		h.rateLimit = rate.Limit(opts.RateLimit)
		h.burst = opts.Burst
		if h.burst <= 0 {
			h.burst = 1
		}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	h.SetAllowedOrigins(opts.AllowedOrigins)
	return h
}

// SetStateGetter sets the function used to greet new clients with the
// current connection state.
func (h *Hub) SetStateGetter(getState func() billing.ConnectionState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.getState = getState
}

// SetAllowedOrigins replaces the origin allow-list. Patterns may contain
// wildcards, e.g. "https://*.example.com"; "*" allows every origin.
func (h *Hub) SetAllowedOrigins(origins []string) {
	cleaned := make([]string, 0, len(origins))
	for _, origin := range origins {
		if origin = strings.TrimSpace(origin); origin != "" {
			cleaned = append(cleaned, strings.TrimRight(origin, "/"))
		}
	}
	h.originsMu.Lock()
	h.allowedOrigins = cleaned
	h.originsMu.Unlock()
	log.Info().Strs("origins", cleaned).Msg("WebSocket origin allow-list updated")
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Not a browser.
		return true
	}

	h.originsMu.RLock()
	allowed := h.allowedOrigins
	h.originsMu.RUnlock()

	if len(allowed) == 0 {
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
	for _, pattern := range allowed {
		if pattern == "*" || wildcard.Match(pattern, origin) {
			return true
		}
	}
	log.Warn().Str("origin", origin).Str("host", r.Host).Msg("Rejected WebSocket origin")
	return false
}

// Run starts the hub's main loop. It returns when ctx is done, after closing
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			getState := h.getState
			h.mu.Unlock()
			log.Info().Str("client", client.id).Msg("WebSocket client connected")

			if getState != nil {
				if data, err := encodeEvent(eventConnectionState, getState().String()); err == nil {
					client.enqueue(data)
				}
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				h.mu.Unlock()
				client.close()
				log.Info().Str("client", client.id).Msg("WebSocket client disconnected")
			} else {
				h.mu.Unlock()
			}

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			for _, client := range clients {
				if !client.enqueue(message) {
					// Too slow to keep up; drop it.
					h.mu.Lock()
					delete(h.clients, client)
					h.mu.Unlock()
					client.close()
				}
			}

		case <-ctx.Done():
			h.mu.Lock()
			clients := h.clients
			h.clients = make(map[*Client]bool)
			h.mu.Unlock()
			for client := range clients {
				client.close()
			}
			return
		}
	}
}

// HandleWebSocket handles websocket upgrade requests.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		hub:     h,
		conn:    conn,
		id:      uuid.NewString(),
		limiter: rate.NewLimiter(h.rateLimit, h.burst),
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan []byte, sendBufferSize),
	}

	select {
	case h.register <- client:
	case <-h.done:
		cancel()
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// BroadcastConnectionState tells every client about a state change. It never
// blocks, so it can be used as a session hook.
func (h *Hub) BroadcastConnectionState(state billing.ConnectionState) {
	data, err := encodeEvent(eventConnectionState, state.String())
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		log.Warn().Msg("WebSocket broadcast channel full")
	}
}

// Hooks returns session hooks that broadcast connection state changes.
func (h *Hub) Hooks() billing.Hooks {
	return billing.Hooks{StateChanged: h.BroadcastConnectionState}
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func encodeEvent(name string, data any) ([]byte, error) {
	payload, err := json.Marshal(Event{Event: name, Data: data})
	if err != nil {
		log.Error().Err(err).Str("event", name).Msg("Failed to marshal WebSocket event")
	}
	return payload, err
}

// enqueue hands data to the write pump. It reports false when the client is
// gone or its buffer is full.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	close(c.send)
}

// readPump handles incoming frames from the client.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
			c.close()
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("client", c.id).Msg("WebSocket read error")
			} else {
				log.Debug().Err(err).Str("client", c.id).Msg("WebSocket closed")
			}
			return
		}

		var req Request
		if err := json.Unmarshal(message, &req); err != nil {
			log.Warn().Err(err).Str("client", c.id).Msg("Failed to unmarshal WebSocket request")
			c.reply(Response{ID: req.ID, Error: &ErrorResponse{
				Code:    string(internalerrors.CodeError),
				Message: "Malformed request",
			}})
			continue
		}
		c.dispatch(req)
	}
}

func (c *Client) dispatch(req Request) {
	if !c.limiter.Allow() {
		log.Warn().Str("client", c.id).Str("method", req.Method).Msg("Rate limit exceeded")
		c.reply(Response{ID: req.ID, Error: &ErrorResponse{
			Code:    string(internalerrors.CodeError),
			Message: "Too many requests",
		}})
		return
	}

	ctx, _ := logging.WithRequestID(c.ctx, "")
	logger := logging.FromContext(ctx)
	logger.Debug().
		Str("client", c.id).
		Int64("id", req.ID).
		Str("method", req.Method).
		Msg("Method call")

	c.hub.handler.OnMethodCall(ctx, channel.MethodCall{
		Method:    req.Method,
		Arguments: req.Arguments,
	}, &callResult{client: c, id: req.ID})
}

func (c *Client) reply(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Str("client", c.id).Int64("id", resp.ID).Msg("Failed to marshal WebSocket response")
		data, _ = json.Marshal(Response{ID: resp.ID, Error: &ErrorResponse{
			Code:    string(internalerrors.CodeError),
			Message: "Failed to encode result",
		}})
	}
	if !c.enqueue(data) {
		log.Debug().Str("client", c.id).Int64("id", resp.ID).Msg("Dropping response for departed client")
	}
}

// writePump handles outgoing frames to the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().Err(err).Str("client", c.id).Msg("Failed to write message")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// callResult delivers one method call's outcome back to its client.
type callResult struct {
	client *Client
	id     int64
	once   sync.Once
}

var _ channel.Result = (*callResult)(nil)

func (r *callResult) Success(value any) {
	r.once.Do(func() {
		if value == nil {
			value = json.RawMessage("null")
		}
		r.client.reply(Response{ID: r.id, Result: value})
	})
}

func (r *callResult) Error(code, message string, details any) {
	r.once.Do(func() {
		r.client.reply(Response{ID: r.id, Error: &ErrorResponse{Code: code, Message: message, Details: details}})
	})
}

func (r *callResult) NotImplemented() {
	r.once.Do(func() {
		r.client.reply(Response{ID: r.id, NotImplemented: true})
	})
}
