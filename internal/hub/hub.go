// Package hub fans game events out to websocket subscribers, one channel
// per market, and feeds inbound sentiment votes back to the schedulers.
package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"moonride/internal/domain"
	"moonride/internal/infra"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	clientBuffer   = 64
	broadcastQueue = 256
)

// Envelope is the JSON frame every outbound message uses.
type Envelope struct {
	Event   string `json:"event"`
	Symbol  string `json:"symbol,omitempty"`
	Payload any    `json:"payload"`
}

// voteMessage is the only inbound frame clients may send.
type voteMessage struct {
	Type    string `json:"type"`
	Address string `json:"address"`
	Side    string `json:"side"`
}

type client struct {
	id     string
	symbol string
	conn   *websocket.Conn
	send   chan []byte
}

type outbound struct {
	symbol string // empty targets every channel
	data   []byte
}

// Hub manages subscriber connections grouped by market symbol.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]bool // symbol -> clients

	broadcast  chan outbound
	register   chan *client
	unregister chan *client

	// OnVote receives inbound sentiment votes. Set before Run.
	OnVote func(symbol, address string, side domain.Side)
}

// NewHub creates an empty hub for the given market symbols.
func NewHub(symbols []string) *Hub {
	clients := make(map[string]map[*client]bool, len(symbols))
	for _, s := range symbols {
		clients[s] = make(map[*client]bool)
	}
	return &Hub{
		clients:    clients,
		broadcast:  make(chan outbound, broadcastQueue),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run drives the hub's event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[c.symbol]; ok {
				h.clients[c.symbol][c] = true
				infra.WSClients.WithLabelValues(c.symbol).Inc()
			}
			h.mu.Unlock()
			slog.Debug("Subscriber connected",
				slog.String("client", c.id),
				slog.String("symbol", c.symbol))

		case c := <-h.unregister:
			h.drop(c)

		case msg := <-h.broadcast:
			h.mu.RLock()
			if msg.symbol == "" {
				for _, group := range h.clients {
					for c := range group {
						h.push(c, msg.data)
					}
				}
			} else {
				for c := range h.clients[msg.symbol] {
					h.push(c, msg.data)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// push hands a frame to a client's send queue, dropping the frame when
// the queue is full. Telemetry repeats every second; a slow reader just
// misses a tick.
func (h *Hub) push(c *client, data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group, ok := h.clients[c.symbol]
	if !ok {
		return
	}
	if _, ok := group[c]; ok {
		delete(group, c)
		close(c.send)
		infra.WSClients.WithLabelValues(c.symbol).Dec()
	}
}

// Broadcast queues an event for one market's subscribers.
func (h *Hub) Broadcast(symbol, event string, payload any) {
	h.enqueue(symbol, event, payload)
}

// BroadcastAll queues an event for every subscriber.
func (h *Hub) BroadcastAll(event string, payload any) {
	h.enqueue("", event, payload)
}

func (h *Hub) enqueue(symbol, event string, payload any) {
	data, err := json.Marshal(Envelope{Event: event, Symbol: symbol, Payload: payload})
	if err != nil {
		slog.Warn("Broadcast marshal failed",
			slog.String("event", event),
			slog.Any("error", err))
		return
	}
	select {
	case h.broadcast <- outbound{symbol: symbol, data: data}:
	default:
		// Drop rather than block the game loop.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS upgrades a subscriber connection. The market symbol comes
// from the 'symbol' query parameter.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")

	h.mu.RLock()
	_, known := h.clients[symbol]
	h.mu.RUnlock()
	if !known {
		http.Error(w, "unknown market", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Subscriber upgrade failed", slog.Any("error", err))
		return
	}

	c := &client{
		id:     uuid.NewString(),
		symbol: symbol,
		conn:   conn,
		send:   make(chan []byte, clientBuffer),
	}
	h.register <- c

	go h.writePump(c)
	go h.readPump(c)
}

// readPump consumes inbound frames, handling sentiment votes and
// detecting disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg voteMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "vote" {
			continue
		}
		side := domain.Side(msg.Side)
		if side != domain.SideUp && side != domain.SideDown {
			continue
		}
		if h.OnVote != nil {
			h.OnVote(c.symbol, msg.Address, side)
		}
	}
}

// writePump flushes the send queue and keeps the connection alive
// through proxies.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
