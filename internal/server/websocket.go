package server

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lissahyacinth/audia/internal/metrics"
	"github.com/lissahyacinth/audia/internal/relay"
)

const (
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
	sendQueue     = 32
)

var upgrader = websocket.Upgrader{
	CheckOrigin: checkOrigin,
}

// checkOrigin reports whether the WebSocket connection origin is allowed
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	// Same-origin requests and non-browser clients omit the Origin header
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		slog.Warn("Rejected websocket connection: invalid origin URL", slog.String("origin", origin))
		return false
	}

	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	requestHost := r.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if host == requestHost {
		return true
	}

	ip := net.ParseIP(host)
	if ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return true
	}

	slog.Warn("Rejected websocket connection", slog.String("origin", origin), slog.String("host", host))
	return false
}

type wsClient struct {
	conn *websocket.Conn
	send chan any
}

// HubStats represents live feed statistics
type HubStats struct {
	Clients   int    `json:"clients"`
	Broadcast uint64 `json:"broadcast"`
	Dropped   uint64 `json:"dropped"`
}

// Hub fans relay events out to websocket clients. A client that cannot keep
// up loses events rather than slowing the relay.
type Hub struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	closed  bool
	stats   HubStats
}

var _ relay.Broadcaster = (*Hub)(nil)

// NewHub creates an empty hub. m may be nil.
func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		metrics: m,
		clients: make(map[*wsClient]struct{}),
	}
}

// Broadcast queues event for every connected client
func (h *Hub) Broadcast(event relay.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stats.Broadcast++
	for c := range h.clients {
		select {
		case c.send <- event:
		default:
			h.stats.Dropped++
		}
	}
}

// ServeWS upgrades the request and streams events until the client leaves.
// hello, when non-nil, is sent first.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, hello any) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &wsClient{conn: conn, send: make(chan any, sendQueue)}
	if hello != nil {
		c.send <- hello
	}
	if !h.register(c) {
		conn.Close()
		return
	}

	h.logger.Debug("Websocket client connected", slog.String("remote_addr", r.RemoteAddr))

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writer(c)
	}()

	// Clients only listen; reading handles control frames and detects close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Websocket read error", slog.String("error", err.Error()))
			}
			break
		}
	}

	h.unregister(c)
	<-done
	h.logger.Debug("Websocket client disconnected", slog.String("remote_addr", r.RemoteAddr))
}

// writer is the sole writer to the connection
func (h *Hub) writer(c *wsClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeDeadline))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	h.stats.Clients = len(h.clients)
	if h.metrics != nil {
		h.metrics.SetWebsocketClients(len(h.clients))
	}
	return true
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.stats.Clients = len(h.clients)
	if h.metrics != nil {
		h.metrics.SetWebsocketClients(len(h.clients))
	}
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.stats.Clients = 0
	if h.metrics != nil {
		h.metrics.SetWebsocketClients(0)
	}
}

// GetStats returns live feed statistics
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}
