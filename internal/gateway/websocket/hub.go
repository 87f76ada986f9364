// Package websocket bridges the event bus to WebSocket listeners: a client
// subscribes to channels (global, workflow:<id>, agent:<id>) and receives
// every event published on them.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/events"
	"github.com/caw-dev/caw/internal/events/bus"
)

// Hub tracks connected clients and owns the bus bridge.
type Hub struct {
	bus bus.EventBus

	mu      sync.Mutex
	clients map[*Client]bool

	logger *logger.Logger
}

// NewHub creates a hub over the given event bus.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus:     eventBus,
		clients: make(map[*Client]bool),
		logger:  log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
	h.logger.Debug("client registered", zap.String("client_id", client.ID))
}

// Unregister removes a client, tearing down its subscriptions.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	client.close()
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

// Shutdown disconnects every client.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.close()
		delete(h.clients, client)
	}
	h.logger.Info("websocket hub stopped")
}

// subscribeChannel maps a channel name to its bus subject and attaches the
// callback.
func (h *Hub) subscribeChannel(channel string, fn func(*bus.Event)) (bus.Subscription, error) {
	return h.bus.Subscribe(events.Subject(channel), func(ctx context.Context, event *bus.Event) error {
		fn(event)
		return nil
	})
}
