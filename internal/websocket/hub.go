package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/taskpact/internal/notify"
)

// Message is the JSON frame pushed to family clients for each event.
type Message struct {
	Type          string    `json:"type"`
	TaskID        int64     `json:"task_id,omitempty"`
	NegotiationID int64     `json:"negotiation_id,omitempty"`
	Recipients    []int64   `json:"recipients,omitempty"`
	Title         string    `json:"title"`
	Body          string    `json:"body,omitempty"`
	At            time.Time `json:"at"`
}

func NewMessage(e notify.Event) Message {
	return Message{
		Type:          string(e.Kind),
		TaskID:        e.TaskID,
		NegotiationID: e.NegotiationID,
		Recipients:    e.Recipients,
		Title:         e.Title,
		Body:          e.Body,
		At:            e.At,
	}
}

// Hub tracks connected clients per family and fans events out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[int64]map[*Client]struct{}
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[int64]map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	family, ok := h.clients[c.familyID]
	if !ok {
		family = make(map[*Client]struct{})
		h.clients[c.familyID] = family
	}
	family[c] = struct{}{}
	h.mu.Unlock()
}

// Unregister removes a client and closes its send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if family, ok := h.clients[c.familyID]; ok {
		if _, ok := family[c]; ok {
			delete(family, c)
			close(c.send)
		}
		if len(family) == 0 {
			delete(h.clients, c.familyID)
		}
	}
	h.mu.Unlock()
}

// Notify sends e to every client connected for its family. A client whose
// buffer is full misses the event.
func (h *Hub) Notify(ctx context.Context, e notify.Event) error {
	data, err := json.Marshal(NewMessage(e))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	dropped := 0
	for c := range h.clients[e.FamilyID] {
		if !c.wants(e.Recipients) {
			continue
		}
		select {
		case c.send <- data:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Warn("dropped event for slow clients", "kind", e.Kind, "family_id", e.FamilyID, "clients", dropped)
	}
	return nil
}

// ClientCount returns the number of connected clients across all families.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, family := range h.clients {
		n += len(family)
	}
	return n
}

func (h *Hub) FamilyCount(familyID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[familyID])
}
