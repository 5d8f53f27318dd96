// Package realtime pushes booking status changes to connected clients
// over websockets. Clients subscribe to topics (a booking number or a
// provider id); a client with no subscriptions receives everything,
// which is what the admin dashboard uses.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/findrhealth/booking-platform/internal/booking"
	"github.com/findrhealth/booking-platform/pkg/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 16
)

// ClientGauge tracks connected client counts.
type ClientGauge interface {
	ClientConnected()
	ClientDisconnected()
}

// StatusUpdate is the wire message for one booking status change.
type StatusUpdate struct {
	Type           string    `json:"type"`
	BookingID      string    `json:"booking_id"`
	BookingNumber  string    `json:"booking_number"`
	ProviderID     string    `json:"provider_id"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	Status         string    `json:"status"`
	PaymentStatus  string    `json:"payment_status"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// subscribeMessage is the only inbound message clients send.
type subscribeMessage struct {
	Subscribe   string `json:"subscribe,omitempty"`
	Unsubscribe string `json:"unsubscribe,omitempty"`
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]struct{}
	mu     sync.Mutex
}

func (c *client) subscribed(topics ...string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.topics) == 0 {
		return true
	}
	for _, t := range topics {
		if _, ok := c.topics[t]; ok {
			return true
		}
	}
	return false
}

// Hub fans status updates out to websocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	upgrader websocket.Upgrader
	logger   *logging.Logger
	gauge    ClientGauge
}

// NewHub creates an empty hub. gauge may be nil.
func NewHub(logger *logging.Logger, gauge ClientGauge) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		clients: map[*client]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Auth happens upstream at the gateway.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
		gauge:  gauge,
	}
}

// ServeHTTP upgrades the connection and attaches the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		topics: map[string]struct{}{},
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if h.gauge != nil {
		h.gauge.ClientConnected()
	}

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	_, attached := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !attached {
		return
	}
	close(c.send)
	c.conn.Close()
	if h.gauge != nil {
		h.gauge.ClientDisconnected()
	}
}

func (h *Hub) readPump(c *client) {
	defer h.detach(c)
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg subscribeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		c.mu.Lock()
		if msg.Subscribe != "" {
			c.topics[msg.Subscribe] = struct{}{}
		}
		if msg.Unsubscribe != "" {
			delete(c.topics, msg.Unsubscribe)
		}
		c.mu.Unlock()
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

// BroadcastStatus pushes a booking's status change to every subscribed
// client. Slow clients are skipped rather than blocking the caller.
func (h *Hub) BroadcastStatus(b *booking.Booking, previous booking.Status) {
	update := StatusUpdate{
		Type:           "status_changed",
		BookingID:      b.ID.String(),
		BookingNumber:  b.Number,
		ProviderID:     b.ProviderID.String(),
		PreviousStatus: string(previous),
		Status:         string(b.Status),
		PaymentStatus:  string(b.Payment.Status),
		UpdatedAt:      b.UpdatedAt,
	}
	payload, err := json.Marshal(update)
	if err != nil {
		h.logger.Error("broadcast marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.subscribed(b.Number, b.ProviderID.String()) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("dropping update for slow client", "booking_number", b.Number)
		}
	}
}

// Shutdown closes every client connection.
func (h *Hub) Shutdown(context.Context) error {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		h.detach(c)
	}
	return nil
}
