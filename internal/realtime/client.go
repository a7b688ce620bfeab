package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/internal/protocol"
	"chatrelay/internal/router"
	"chatrelay/internal/session"
)

// client is one attached WebSocket connection. The write pump is the only
// goroutine that touches the socket's write side; everything outbound goes
// through the send channel.
type client struct {
	conn      *websocket.Conn
	send      chan []byte
	server    *Server
	sessionID string

	mu     sync.Mutex
	closed bool
}

// Interface compliance checks.
var (
	_ session.Transport = (*client)(nil)
	_ router.Conn       = (*client)(nil)
)

// Send queues a message for delivery. It never blocks: a full queue means
// the client is too slow or gone, which the caller treats as a dead
// connection.
func (c *client) Send(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// Close initiates a graceful shutdown: the write pump flushes what is queued
// and sends a close frame.
func (c *client) Close() error {
	c.shutdown()
	return nil
}

// shutdown closes the send channel exactly once.
func (c *client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump reads frames from the socket and hands them to the router. Any
// inbound traffic counts as liveness and pushes the read deadline out.
func (c *client) readPump() {
	defer func() {
		c.server.registry.Unregister(c)
		c.shutdown()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.server.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.ReadDeadline))

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Debug().Err(err).Str("session_id", c.sessionID).Msg("websocket read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.ReadDeadline))
		c.server.router.Route(c, raw)
	}
}

// writePump writes queued messages to the socket and emits keepalives when
// the channel is idle.
func (c *client) writePump() {
	ticker := time.NewTicker(c.server.cfg.KeepaliveInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteDeadline))
			keepalive, _ := protocol.NewKeepalive(c.sessionID).Encode()
			if err := c.conn.WriteMessage(websocket.TextMessage, keepalive); err != nil {
				return
			}
		}
	}
}
