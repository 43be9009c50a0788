// Package events fans out log events POSTed by a log shipper to every
// connected websocket client.
package events

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"agstudio/internal/observability/metrics"
)

const (
	DefaultMaxEventBytes int64 = 1 << 20
	defaultSendBuffer          = 64
	writeWait                  = 10 * time.Second
)

type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// HeartbeatInterval controls websocket ping frames. Zero disables them.
	HeartbeatInterval time.Duration
	// SendBuffer is the per-client queue length. A client whose queue is
	// full is dropped.
	SendBuffer    int
	MaxEventBytes int64
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
}

// Hub tracks connected clients and broadcasts events to them.
type Hub struct {
	logger            *slog.Logger
	metrics           *metrics.Recorder
	heartbeatInterval time.Duration
	sendBuffer        int
	maxEventBytes     int64
	upgrader          websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

func NewHub(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	maxEventBytes := cfg.MaxEventBytes
	if maxEventBytes <= 0 {
		maxEventBytes = DefaultMaxEventBytes
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		logger:            logger,
		metrics:           cfg.Metrics,
		heartbeatInterval: cfg.HeartbeatInterval,
		sendBuffer:        sendBuffer,
		maxEventBytes:     maxEventBytes,
		upgrader:          websocket.Upgrader{CheckOrigin: checkOrigin},
		clients:           make(map[*client]struct{}),
	}
}

// Routes returns the hub's HTTP surface. metricsHandler is mounted on
// /metrics when non-nil.
func (h *Hub) Routes(metricsHandler http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /fluent", h.HandleFluent)
	mux.HandleFunc("GET /client", h.HandleClient)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": h.Clients()})
	})
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}
	return mux
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) reportClients(n int) {
	if h.metrics != nil {
		h.metrics.SetEventClients(n)
	}
}

// Broadcast queues message for every client and returns how many received
// it. Clients with a full queue are removed.
func (h *Hub) Broadcast(message []byte) int {
	var slow []*client
	delivered := 0

	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- message:
			delivered++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow event client", "remote_addr", c.remoteAddr)
		h.remove(c)
	}
	if h.metrics != nil {
		h.metrics.ObserveBroadcast()
	}
	return delivered
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.reportClients(n)
	h.logger.Info("event client connected", "remote_addr", c.remoteAddr, "clients", n)
	return true
}

// remove unregisters c and closes its connection. Repeated calls are no-ops.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	c.closeConn()
	if ok {
		h.reportClients(n)
		h.logger.Info("event client disconnected", "remote_addr", c.remoteAddr, "clients", n)
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.remove(c)
	}
}

func (h *Hub) HandleFluent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxEventBytes))
	if err != nil {
		h.logger.Warn("read event body", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Bad Request"})
		return
	}
	delivered := h.Broadcast(body)
	h.logger.Debug("event broadcast", "bytes", len(body), "clients", delivered)
	w.WriteHeader(http.StatusOK)
}

func (h *Hub) HandleClient(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	c := &client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, h.sendBuffer),
		remoteAddr: conn.RemoteAddr().String(),
	}
	if !h.add(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	go c.writeLoop(h.heartbeatInterval)
	c.readLoop(h.heartbeatInterval)
}

type client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
	closeOnce  sync.Once
}

func (c *client) closeConn() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// writeLoop is the only writer of data frames on the connection.
func (c *client) writeLoop(heartbeat time.Duration) {
	defer c.hub.remove(c)

	var tick <-chan time.Time
	if heartbeat > 0 {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("event client write failed", "remote_addr", c.remoteAddr, "error", err)
				return
			}
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound frames until the connection fails. With
// heartbeats enabled a client that stops answering pings times out after two
// intervals.
func (c *client) readLoop(heartbeat time.Duration) {
	defer c.hub.remove(c)
	c.conn.SetReadLimit(c.hub.maxEventBytes)
	if heartbeat > 0 {
		pongWait := 2 * heartbeat
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
