package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"pollscan/internal/config"
)

// clients only send control frames
const maxMessageSize = 4 * 1024

// StreamOptions tunes the WebSocket stream. Zero fields take defaults.
type StreamOptions struct {
	SendBuffer int
	WriteWait  time.Duration
	PongWait   time.Duration
}

// StreamOptionsFrom reads the stream tunables from the dashboard config.
func StreamOptionsFrom(cfg config.DashboardConfig) StreamOptions {
	return StreamOptions{
		SendBuffer: cfg.WSSendBuffer,
		WriteWait:  cfg.WSWriteWait,
		PongWait:   cfg.WSPongWait,
	}
}

func (o StreamOptions) withDefaults() StreamOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	return o
}

func (o StreamOptions) pingPeriod() time.Duration {
	return o.PongWait * 9 / 10
}

// frame is one encoded event. Lossy frames (progress) are superseded by the
// next one of their kind, so a backed-up client may skip them.
type frame struct {
	data  []byte
	lossy bool
}

// HubStats counts stream clients and the frames they could not take.
type HubStats struct {
	Clients int    `json:"clients"`
	Evicted uint64 `json:"evicted"`
	Skipped uint64 `json:"skipped_progress"`
}

// Hub fans dashboard events out to WebSocket clients.
type Hub struct {
	opts       StreamOptions
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	frames     chan frame
	done       chan struct{} // closed when Run returns
	mu         sync.RWMutex

	evicted atomic.Uint64
	skipped atomic.Uint64

	logger *slog.Logger
}

// Client is one dashboard connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	remote string
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub(opts StreamOptions, logger *slog.Logger) *Hub {
	return &Hub{
		opts:       opts.withDefaults(),
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		frames:     make(chan frame, 256),
		done:       make(chan struct{}),
		logger:     logger.With("component", "ws-hub"),
	}
}

// Run is the hub's main loop. It returns when ctx is done, closing every
// client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client connected", "remote", c.remote, "clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				h.drop(c)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client disconnected", "remote", c.remote, "clients", n)

		case f := <-h.frames:
			h.deliver(f)
		}
	}
}

// deliver queues f on every client without blocking. A client with a full
// queue skips lossy frames; any other frame evicts it, since missed state
// events are never replayed.
func (h *Hub) deliver(f frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- f.data:
		default:
			if f.lossy {
				h.skipped.Add(1)
				continue
			}
			h.drop(c)
			h.evicted.Add(1)
			h.logger.Warn("evicting slow client", "remote", c.remote, "clients", len(h.clients))
		}
	}
}

// drop removes c and closes its queue. Callers hold h.mu.
func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	close(c.send)
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns the current client count and the lifetime drop counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Clients: h.Len(),
		Evicted: h.evicted.Load(),
		Skipped: h.skipped.Load(),
	}
}

// BroadcastEvent encodes evt once and hands it to the hub loop.
func (h *Hub) BroadcastEvent(evt DashboardEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal event", "type", evt.Type, "error", err)
		return
	}

	f := frame{data: data, lossy: evt.Type == EventProgress}
	select {
	case h.frames <- f:
	default:
		if f.lossy {
			h.skipped.Add(1)
			h.logger.Debug("hub backed up, skipping progress frame")
			return
		}
		h.logger.Warn("hub backed up, dropping event", "type", evt.Type)
	}
}

// writePump writes queued frames and keepalive pings until the queue is
// closed or a write fails.
func (c *Client) writePump() {
	opts := c.hub.opts
	ticker := time.NewTicker(opts.pingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.logger.Debug("websocket write failed", "remote", c.remote, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client messages, keeping the read deadline alive on
// pongs, then unregisters.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	pongWait := c.hub.opts.PongWait
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket error", "remote", c.remote, "error", err)
			}
			return
		}
	}
}

// NewClient registers a client, queues first (the initial snapshot) and
// starts its pumps.
func NewClient(hub *Hub, conn *websocket.Conn, first []byte) *Client {
	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, hub.opts.SendBuffer),
		remote: conn.RemoteAddr().String(),
	}
	if first != nil {
		client.send <- first
	}

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return client
	}

	go client.writePump()
	go client.readPump()

	return client
}
