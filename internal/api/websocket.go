package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/miguel-bm/threadwatch/internal/tracker"
)

// wsCloseCodeAuthRequired closes sockets that act before authenticating.
const wsCloseCodeAuthRequired = 4001

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadLimit  = 64 * 1024
)

// WSClient is one live event subscriber.
type WSClient struct {
	hub  *WSHub
	conn *websocket.Conn
	send chan []byte

	// done is closed by the hub when the client is dropped.
	done     chan struct{}
	doneOnce sync.Once

	mu     sync.Mutex
	authed bool

	// threads limits delivery to these provider thread IDs; empty means all.
	threads map[string]bool
}

func (c *WSClient) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *WSClient) wants(e tracker.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.authed {
		return false
	}
	if len(c.threads) == 0 || e.ThreadID == "" {
		return true
	}
	return c.threads[e.ThreadID]
}

// WSHub fans session events out to WebSocket clients.
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan tracker.Event
	register   chan *WSClient
	unregister chan *WSClient
	done       chan struct{}
	stopOnce   sync.Once
}

// NewWSHub creates a new WebSocket hub. Call Run to start it.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan tracker.Event, 256),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop; it returns when ctx is done or Stop is called.
func (h *WSHub) Run(ctx context.Context) {
	defer func() {
		for client := range h.clients {
			delete(h.clients, client)
			client.shutdown()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return

		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.shutdown()
			}

		case event := <-h.broadcast:
			message, err := json.Marshal(map[string]any{"type": "event", "event": event})
			if err != nil {
				slog.Warn("marshal websocket event", "error", err)
				continue
			}
			for client := range h.clients {
				if !client.wants(event) {
					continue
				}
				select {
				case client.send <- message:
				default:
					// Slow consumer: drop it rather than block the hub.
					delete(h.clients, client)
					client.shutdown()
				}
			}
		}
	}
}

// Stop ends Run. It is safe to call more than once.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Publish queues an event for connected clients without blocking.
func (h *WSHub) Publish(e tracker.Event) {
	select {
	case h.broadcast <- e:
	case <-h.done:
	default:
		slog.Debug("websocket broadcast queue full, event dropped", "type", e.Type)
	}
}

func (h *WSHub) add(c *WSClient) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *WSHub) remove(c *WSClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// handleWebSocket upgrades the connection. A ?token= query authenticates the
// handshake; without it the client must send {"type":"auth"} first.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	authed := false
	if token := r.URL.Query().Get("token"); token != "" {
		if !s.auth.ValidateToken(token) {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		authed = true
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || isAllowedOrigin(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:     s.wsHub,
		conn:    conn,
		send:    make(chan []byte, 64),
		done:    make(chan struct{}),
		authed:  authed,
		threads: make(map[string]bool),
	}
	if !s.wsHub.add(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(s.auth)
}

// readPump handles incoming messages from the client
func (c *WSClient) readPump(auth *AuthService) {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Debug("websocket read error", "error", err)
			}
			return
		}
		if !c.handleMessage(auth, message) {
			return
		}
	}
}

// handleMessage processes one client message and reports whether the
// connection should stay open.
func (c *WSClient) handleMessage(auth *AuthService, message []byte) bool {
	var msg struct {
		Type    string `json:"type"`
		Token   string `json:"token"`
		Channel string `json:"channel"`
		ID      string `json:"id"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		slog.Debug("invalid websocket message", "error", err)
		return true
	}

	if msg.Type == "auth" {
		if !auth.ValidateToken(msg.Token) {
			c.closeWith(wsCloseCodeAuthRequired, "invalid token")
			return false
		}
		c.mu.Lock()
		c.authed = true
		c.mu.Unlock()
		c.sendJSON(map[string]string{"type": "authenticated"})
		return true
	}

	c.mu.Lock()
	authed := c.authed
	c.mu.Unlock()
	if !authed {
		c.closeWith(wsCloseCodeAuthRequired, "authentication required")
		return false
	}

	switch msg.Type {
	case "subscribe":
		if msg.Channel == "thread" && msg.ID != "" {
			c.mu.Lock()
			c.threads[msg.ID] = true
			c.mu.Unlock()
		}
		c.sendJSON(map[string]string{"type": "subscribed", "channel": msg.Channel, "id": msg.ID})

	case "unsubscribe":
		c.mu.Lock()
		delete(c.threads, msg.ID)
		c.mu.Unlock()
		c.sendJSON(map[string]string{"type": "unsubscribed", "channel": msg.Channel, "id": msg.ID})

	case "ping":
		c.sendJSON(map[string]string{"type": "pong"})
	}
	return true
}

func (c *WSClient) closeWith(code int, reason string) {
	deadline := time.Now().Add(wsWriteWait)
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// writePump sends messages to the client
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendJSON queues a JSON message for the client
func (c *WSClient) sendJSON(v any) {
	message, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case c.send <- message:
	default:
	}
}
