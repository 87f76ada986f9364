package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/caw-dev/caw/internal/common/logger"
	"github.com/caw-dev/caw/internal/events/bus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// clientRequest is the control message a listener sends over the socket.
type clientRequest struct {
	Action  string `json:"action"`
	Channel string `json:"channel"`
}

// channelEvent is the frame pushed to a listener when an event fires on one
// of its channels.
type channelEvent struct {
	Channel string     `json:"channel"`
	Event   *bus.Event `json:"event"`
}

// Client is a single WebSocket connection holding a set of channel
// subscriptions on the event bus.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu            sync.Mutex
	closed        bool
	subscriptions map[string]bus.Subscription

	logger *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bus.Subscription),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump processes subscribe/unsubscribe requests until the peer goes away.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			return
		}

		var req clientRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			c.logger.Warn("dropping malformed client request", zap.Error(err))
			continue
		}
		switch req.Action {
		case "subscribe":
			c.subscribe(req.Channel)
		case "unsubscribe":
			c.unsubscribe(req.Channel)
		default:
			c.logger.Warn("unknown client action", zap.String("action", req.Action))
		}
	}
}

// WritePump forwards queued frames to the peer and keeps the connection
// alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
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

// subscribe attaches the client to a channel; duplicates are ignored.
func (c *Client) subscribe(channel string) {
	if channel == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[channel]; ok {
		return
	}

	sub, err := c.hub.subscribeChannel(channel, func(event *bus.Event) {
		frame, err := json.Marshal(channelEvent{Channel: channel, Event: event})
		if err != nil {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return
		}
		select {
		case c.send <- frame:
		default:
			c.logger.Warn("dropping event for slow client", zap.String("channel", channel))
		}
	})
	if err != nil {
		c.logger.Error("failed to subscribe", zap.String("channel", channel), zap.Error(err))
		return
	}
	c.subscriptions[channel] = sub
	c.logger.Debug("client subscribed", zap.String("channel", channel))
}

// unsubscribe detaches the client from a channel.
func (c *Client) unsubscribe(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subscriptions[channel]; ok {
		_ = sub.Unsubscribe()
		delete(c.subscriptions, channel)
	}
}

// close tears down every subscription and the outbound queue.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for channel, sub := range c.subscriptions {
		_ = sub.Unsubscribe()
		delete(c.subscriptions, channel)
	}
	close(c.send)
}
