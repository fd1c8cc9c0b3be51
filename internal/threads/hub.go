package threads

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reflectionguide/reflect/internal/metrics"
)

const writeWait = 10 * time.Second

// Event types pushed to live clients.
const (
	EventMessage    = "message"
	EventThread     = "thread"
	EventVoiceUsage = "voice_usage"
	EventCustomer   = "customer_info"
)

// Hub tracks live websocket connections per profile. A profile can hold
// several connections at once (tabs, reconnects).
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

type Client struct {
	ProfileID string
	conn      *websocket.Conn
	mu        sync.Mutex // serializes writes
}

func NewClient(profileID string, conn *websocket.Conn) *Client {
	return &Client{ProfileID: profileID, conn: conn}
}

// Event is the envelope written to clients.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*Client]struct{})}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c.ProfileID] == nil {
		h.clients[c.ProfileID] = make(map[*Client]struct{})
	}
	h.clients[c.ProfileID][c] = struct{}{}
	metrics.LiveConnections.Inc()
	slog.Debug("live client connected", "profile", c.ProfileID, "profile_conns", len(h.clients[c.ProfileID]))
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.clients[c.ProfileID]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, c.ProfileID)
	}
	metrics.LiveConnections.Dec()
	slog.Debug("live client disconnected", "profile", c.ProfileID)
}

// SendToProfile writes ev to every connection of profileID. Write failures
// are logged; the reader loop of the failed connection unregisters it.
func (h *Hub) SendToProfile(profileID string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.RLock()
	conns := h.clients[profileID]
	clients := make([]*Client, 0, len(conns))
	for c := range conns {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(data); err != nil {
			slog.Warn("live write failed", "error", err, "profile", profileID)
		}
	}
	return nil
}

func (c *Client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (h *Hub) IsOnline(profileID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[profileID]) > 0
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, conns := range h.clients {
		total += len(conns)
	}
	return total
}

// CloseAll drops every connection, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for profile, conns := range h.clients {
		for c := range conns {
			c.mu.Lock()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(time.Second))
			_ = c.conn.Close()
			c.mu.Unlock()
			metrics.LiveConnections.Dec()
		}
		delete(h.clients, profile)
	}
}
