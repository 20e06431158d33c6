// Package feed streams the cascade's writes to WebSocket clients.
package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nicktill/tinyrollup/pkg/aggregate"
	"github.com/nicktill/tinyrollup/pkg/config"
	"github.com/nicktill/tinyrollup/pkg/rollup"
	"github.com/nicktill/tinyrollup/pkg/sensor"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// No Origin header means a non-browser client.
		origin := r.Header.Get("Origin")
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// RecordMessage is sent for every aggregate row written.
type RecordMessage struct {
	Type   string `json:"type"`
	Tier   string `json:"tier"`
	Time   string `json:"time"`
	Sensor string `json:"sensor"`
	Kind   string `json:"kind"`
	Min    any    `json:"min"`
	Avg    any    `json:"avg"`
	Max    any    `json:"max"`
	Units  string `json:"units,omitempty"`
	Count  int64  `json:"count,omitempty"`
}

// CycleMessage is sent after every successful cycle.
type CycleMessage struct {
	Type      string `json:"type"`
	WindowEnd string `json:"window_end"`
	Outcome   string `json:"outcome"`
	CatchUp   bool   `json:"catch_up"`
	Written   int    `json:"written"`
	Merged    int    `json:"merged"`
	Skipped   int    `json:"skipped"`
}

type outgoing struct {
	data []byte

	// Zero for cycle messages, which every client receives.
	tier, kind string
}

// client is one connection. Only writePump writes to conn.
type client struct {
	conn *websocket.Conn
	send chan []byte

	// Empty filters match everything.
	tier string
	kind string
}

func (c *client) wants(m outgoing) bool {
	if m.tier == "" {
		return true
	}
	return (c.tier == "" || c.tier == m.tier) && (c.kind == "" || c.kind == m.kind)
}

// Hub fans messages out to connected clients. It implements
// rollup.Observer.
type Hub struct {
	log *zap.Logger

	register   chan *client
	unregister chan *client
	broadcast  chan outgoing
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]bool
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:        log.Named("feed"),
		register:   make(chan *client, config.WSChannelBuffer),
		unregister: make(chan *client, config.WSChannelBuffer),
		broadcast:  make(chan outgoing, config.WSBroadcastBuffer),
		done:       make(chan struct{}),
		clients:    make(map[*client]bool),
	}
}

// Run is the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client connected", zap.Int("clients", count), zap.String("tier", c.tier), zap.String("kind", c.kind))
		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client disconnected", zap.Int("clients", count))
		case m := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if !c.wants(m) {
					continue
				}
				select {
				case c.send <- m.data:
				default:
					// Slow client.
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// HasClients reports whether anyone is listening.
func (h *Hub) HasClients() bool {
	return h.ClientCount() > 0
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) publish(m outgoing) {
	select {
	case h.broadcast <- m:
	default:
		h.log.Warn("broadcast channel full, dropping message")
	}
}

func (h *Hub) publishJSON(v any, tier, kind string) {
	if !h.HasClients() {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("encode feed message", zap.Error(err))
		return
	}
	h.publish(outgoing{data: data, tier: tier, kind: kind})
}

// RecordWritten implements rollup.Observer.
func (h *Hub) RecordWritten(tier rollup.Tier, rec *aggregate.Record) {
	kind := rec.Identity.Kind()
	h.publishJSON(RecordMessage{
		Type:   "record",
		Tier:   tier.Name,
		Time:   rec.Time.UTC().Format(time.RFC3339),
		Sensor: rec.Identity.String(),
		Kind:   kind,
		Min:    jsonValue(rec.Min),
		Avg:    jsonValue(rec.Avg),
		Max:    jsonValue(rec.Max),
		Units:  rec.Units,
		Count:  rec.Count,
	}, tier.Name, kind)
}

// CycleFinished implements rollup.Observer. Failed attempts are not sent.
func (h *Hub) CycleFinished(res *rollup.CycleResult, err error) {
	if err != nil || res == nil {
		return
	}
	h.publishJSON(CycleMessage{
		Type:      "cycle",
		WindowEnd: res.Stamp.UTC().Format(time.RFC3339),
		Outcome:   res.Outcome.String(),
		CatchUp:   res.CatchUp,
		Written:   res.Written,
		Merged:    res.Merged,
		Skipped:   res.Skipped,
	}, "", "")
}

// jsonValue renders structured values as objects.
func jsonValue(v sensor.Value) any {
	switch v.Type() {
	case sensor.ScalarType:
		f, _ := v.Float()
		return f
	case sensor.TextType:
		s, _ := v.Str()
		return s
	default:
		out := make(map[string]float64)
		for _, c := range v.Components() {
			out[c.Name] = c.Value
		}
		return out
	}
}

// HandleWebSocket upgrades the request and streams messages until the
// client goes away. Query parameters tier and kind filter records.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		conn: conn,
		send: make(chan []byte, config.WSBroadcastBuffer),
		tier: r.URL.Query().Get("tier"),
		kind: r.URL.Query().Get(sensor.TagKind),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	h.readPump(c)
}

// readPump handles control frames and detects the close.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump sends queued messages and keepalive pings.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(config.WSPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.log.Debug("websocket write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
