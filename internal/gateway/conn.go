package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/respondware/station/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 32
)

// Conn is one live websocket connection. The identity is set exactly once,
// by a successful authenticate event, and never changes afterwards.
type Conn struct {
	id   string
	sock *websocket.Conn
	send chan []byte

	mu        sync.RWMutex
	identity  auth.Identity
	authed    bool
	closed    bool
	closeOnce sync.Once
}

func newConn(id string, sock *websocket.Conn) *Conn {
	return &Conn{
		id:   id,
		sock: sock,
		send: make(chan []byte, sendBufferSize),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

// Identity returns the authenticated identity, if any.
func (c *Conn) Identity() (auth.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity, c.authed
}

// setIdentity attaches the identity. Returns false if already authenticated.
func (c *Conn) setIdentity(identity auth.Identity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authed {
		return false
	}
	c.identity = identity
	c.authed = true
	return true
}

// enqueue hands a marshaled frame to the write pump. Slow consumers drop
// frames instead of stalling the hub, and a closed connection drops them
// too: the hub may still hold the conn between close and LeaveAll.
func (c *Conn) enqueue(frame []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// sendEvent marshals and enqueues a frame for this connection only.
func (c *Conn) sendEvent(event string, payload interface{}) {
	frame, err := EncodeFrame(event, payload)
	if err != nil {
		return
	}
	c.enqueue(frame)
}

// sendError emits a sender-only error frame.
func (c *Conn) sendError(message string) {
	c.sendEvent(EventError, errorPayload{Message: message})
}

// close tears the socket down once. The closed flag flips under the write
// lock before the channel closes, so no enqueue can race the close.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
	})
}

// writePump drains the send channel onto the socket and keeps the
// connection alive with pings. Runs on its own goroutine per connection.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.sock.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
