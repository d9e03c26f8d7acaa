package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
	replyBuffer    = 8
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// controlMessage is what clients send to change their stream.
//
//	{"op":"subscribe","filter":{"kinds":["risk_action"]}}
//	{"op":"ping"}
type controlMessage struct {
	Op     string        `json:"op"`
	Filter *Subscription `json:"filter,omitempty"`
}

// reply acknowledges a control message.
type reply struct {
	Type    string        `json:"type"` // "subscribed", "pong", "error"
	Filter  *Subscription `json:"filter,omitempty"`
	Message string        `json:"message,omitempty"`
}

// Client represents a WebSocket connection
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte // events, closed by the hub
	replies chan []byte // control replies, never closed
	since   uint64
	replay  bool

	mu  sync.RWMutex
	sub Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

func (c *Client) setSubscription(sub Subscription) {
	if sub.empty() {
		sub.AllEvents = true
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

// handle applies one control message and returns the reply to send.
func (c *Client) handle(raw []byte) reply {
	var msg controlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return reply{Type: "error", Message: "malformed control message"}
	}
	switch msg.Op {
	case "subscribe":
		if msg.Filter == nil {
			return reply{Type: "error", Message: "subscribe requires a filter"}
		}
		c.setSubscription(*msg.Filter)
		sub := c.subscription()
		return reply{Type: "subscribed", Filter: &sub}
	case "ping":
		return reply{Type: "pong"}
	default:
		return reply{Type: "error", Message: "unknown op " + msg.Op}
	}
}

// enqueue queues a reply without blocking the read loop.
func (c *Client) enqueue(r reply) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	select {
	case c.replies <- data:
	default:
	}
}

// readPump reads control messages and pongs from the client
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		c.enqueue(c.handle(message))
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case message := <-c.replies:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
