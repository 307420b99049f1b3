package bridge

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/vnmchuo/llm-relay/internal/dispatch"
	"github.com/vnmchuo/llm-relay/internal/metrics"
)

const (
	clientBuffer = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
)

// Hub fans dispatch notifications out to websocket subscribers. Each client
// has its own buffered queue drained by a single writer, so a client sees the
// notifications of a request in the order they were published.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn   *websocket.Conn
	remote string
	send   chan []byte
	// requestID limits the subscription to one request when set.
	requestID string
}

func NewHub(allowedOrigins []string) *Hub {
	h := &Hub{clients: make(map[*client]struct{})}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// Non-browser clients do not send an Origin.
			return origin == "" || originAllowed(origin, allowedOrigins)
		},
	}
	return h
}

// Notify queues n for every matching client. A client whose queue is full is
// disconnected instead of stalling the dispatch that published n.
func (h *Hub) Notify(n dispatch.Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		log.Error().Err(err).Str("request_id", n.RequestID).Msg("bridge: encode notification")
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		if c.requestID != "" && c.requestID != n.RequestID {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.Warn().Str("remote", c.remote).Msg("bridge: dropping slow event subscriber")
		h.remove(c)
	}
}

// ServeHTTP upgrades the connection and streams notifications until the
// client goes away. The optional request_id query parameter narrows the
// subscription to a single request.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		log.Warn().Err(err).Msg("bridge: websocket upgrade failed")
		return
	}

	c := &client{
		conn:      conn,
		remote:    r.RemoteAddr,
		send:      make(chan []byte, clientBuffer),
		requestID: r.URL.Query().Get("request_id"),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.StreamClients.Inc()

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.StreamClients.Dec()
}

// Len reports the connected subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.remove(c)
	}
}

// readPump only services control frames; subscribers have nothing to say.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

// originAllowed matches origin against patterns that may contain a single
// "*" wildcard, e.g. "chrome-extension://*".
func originAllowed(origin string, patterns []string) bool {
	for _, p := range patterns {
		if p == "*" || p == origin {
			return true
		}
		if prefix, suffix, ok := strings.Cut(p, "*"); ok {
			if len(origin) >= len(prefix)+len(suffix) &&
				strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
				return true
			}
		}
	}
	return false
}
