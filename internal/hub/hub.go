package hub

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/crowdwatch/crowdwatch/internal/metrics"
	"github.com/crowdwatch/crowdwatch/pkg/types"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong before treating the connection
	// as dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth. Frames
	// arrive every few hundred milliseconds, so this absorbs short stalls.
	sendBufSize = 64

	EventFrame   = "frame"
	EventSession = "session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// CORS is applied at the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Message is the JSON envelope sent to clients.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Source provides the state a newly connected client is primed with.
type Source interface {
	Latest() (types.Frame, bool)
	Session(ctx context.Context) (types.SessionSnapshot, error)
}

// Hub manages WebSocket clients.
type Hub struct {
	src      Source
	interval time.Duration
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a Hub that pushes session status every interval. m may be nil.
func New(src Source, interval time.Duration, m *metrics.Metrics) *Hub {
	return &Hub{
		src:      src,
		interval: interval,
		metrics:  m,
		clients:  make(map[*client]struct{}),
	}
}

// SetSource replaces the Source. It must be called before Run and before the
// first client connects.
func (h *Hub) SetSource(src Source) { h.src = src }

// Publish broadcasts one frame. It never blocks.
func (h *Hub) Publish(f types.Frame) {
	data, err := encode(EventFrame, f)
	if err != nil {
		slog.Error("hub: encode frame", "err", err)
		return
	}
	h.broadcast(data)
}

// Run pushes the session status every interval until ctx is cancelled, then
// closes all client connections.
func (h *Hub) Run(ctx context.Context) error {
	t := time.NewTicker(h.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case <-t.C:
			if data, ok := h.sessionMessage(ctx); ok {
				h.broadcast(data)
			}
		}
	}
}

// ServeHTTP upgrades the connection and serves the client until it goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, sendBufSize),
	}

	// Registered before priming so no frame published meanwhile is missed.
	// A frame may then arrive twice; clients order by Seq.
	h.register(c)
	defer h.unregister(c)

	if h.src != nil {
		if f, ok := h.src.Latest(); ok {
			if data, err := encode(EventFrame, f); err == nil {
				h.sendTo(c, data)
			}
		}
		if data, ok := h.sessionMessage(r.Context()); ok {
			h.sendTo(c, data)
		}
	}

	go c.writePump()
	c.readPump()
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) sessionMessage(ctx context.Context) ([]byte, bool) {
	if h.src == nil {
		return nil, false
	}
	snap, err := h.src.Session(ctx)
	if err != nil {
		return nil, false
	}
	data, err := encode(EventSession, snap)
	if err != nil {
		slog.Error("hub: encode session", "err", err)
		return nil, false
	}
	return data, true
}

func encode(event string, v any) ([]byte, error) {
	return json.Marshal(Message{Event: event, Data: v})
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.observe(n)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.observe(n)
	}
}

// broadcast sends data to every client. Sends happen under the read lock so
// a concurrent unregister cannot close a channel mid-send.
func (h *Hub) broadcast(data []byte) {
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		slog.Warn("hub: dropping slow client", "remote", c.conn.RemoteAddr().String())
		h.unregister(c)
	}
}

// sendTo queues data for one client if it is still registered.
func (h *Hub) sendTo(c *client, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
	h.observe(0)
}

func (h *Hub) observe(n int) {
	if h.metrics != nil {
		h.metrics.HubClients.Set(float64(n))
	}
}

// writePump drains the send channel into the connection and sends periodic
// pings. Runs in its own goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump processes control frames and detects disconnects. Clients do not
// send data messages.
func (c *client) readPump() {
	defer c.conn.Close()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
