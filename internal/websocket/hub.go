package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dukerupert/haulscan/internal/metrics"
	"github.com/dukerupert/haulscan/internal/model"
)

const TypeEntitlementChanged = "entitlement_changed"

// Message tells a client that its entitlement inputs changed and it should
// re-fetch /subscription-status.
type Message struct {
	Type      string `json:"type"`
	Principal string `json:"principal"`
	Reason    string `json:"reason,omitempty"`
}

// Hub tracks connected clients by the principal they authenticated as.
type Hub struct {
	mu      sync.RWMutex
	clients map[model.Principal]map[*Client]struct{}
	count   int
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[model.Principal]map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	set, ok := h.clients[c.principal]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.principal] = set
	}
	if _, dup := set[c]; !dup {
		set[c] = struct{}{}
		h.count++
		metrics.WebsocketClients.Inc()
	}
	h.mu.Unlock()
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if set, ok := h.clients[c.principal]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			close(c.send)
			h.count--
			metrics.WebsocketClients.Dec()
		}
		if len(set) == 0 {
			delete(h.clients, c.principal)
		}
	}
	h.mu.Unlock()
}

// EntitlementChanged notifies every connection of p.
func (h *Hub) EntitlementChanged(p model.Principal, reason string) {
	h.Send(p, Message{Type: TypeEntitlementChanged, Principal: p.String(), Reason: reason})
}

// Send delivers msg to every connection of p. Clients with a full buffer
// miss the message.
func (h *Hub) Send(p model.Principal, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal websocket message", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[p] {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("websocket client buffer full, dropping message", "principal", p.String())
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}
