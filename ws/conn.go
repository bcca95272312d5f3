package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"
)

const sendQueueCapacity = 64

// Conn wraps one accepted WebSocket connection: a buffered send queue
// drained by a dedicated writer goroutine (so slow clients never block
// the broadcast path) and a read loop for inbound frames.
type Conn struct {
	id  string
	hub *Hub
	ws  *websocket.Conn

	send      chan OutFrame
	closed    chan struct{}
	closeOnce sync.Once
}

func newConn(id string, hub *Hub, wsConn *websocket.Conn) *Conn {
	return &Conn{
		id:     id,
		hub:    hub,
		ws:     wsConn,
		send:   make(chan OutFrame, sendQueueCapacity),
		closed: make(chan struct{}),
	}
}

// enqueue delivers a frame to this connection's send queue without
// waiting. A full queue closes the connection, which drops it from the
// broadcast set; the close runs on its own goroutine because the caller
// (Hub.broadcast) may hold the hub lock that unregister takes.
func (c *Conn) enqueue(f OutFrame) {
	select {
	case c.send <- f:
	case <-c.closed:
	default:
		_ = level.Warn(c.hub.logger).Log("msg", "ws send queue full, dropping connection", "conn", c.id)
		go c.Close()
	}
}

// writeLoop drains the send queue until the connection closes.
func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case f := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteJSON(f); err != nil {
				c.Close()
				return
			}
		}
	}
}

// readLoop parses inbound frames and dispatches them until the
// connection closes or the socket errors.
func (c *Conn) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var in InFrame
		// Malformed JSON is ignored, never treated as a
		// reason to close the socket.
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		c.hub.handleInbound(c, in)
	}
}

// Close terminates the connection exactly once and unregisters it from
// the hub.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
		c.hub.unregister(c)
	})
}
