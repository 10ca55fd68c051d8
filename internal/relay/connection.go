// ABOUTME: Websocket connection wrapper with a buffered outbound channel and write pump
// ABOUTME: Slow consumers are disconnected rather than allowed to stall fan-out

package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

// ErrConnectionClosed is returned when sending on a closed connection
var ErrConnectionClosed = errors.New("connection closed")

// Connection wraps one agent console's websocket. All writes go through the
// buffered send channel; the write pump is the only goroutine touching the
// socket for writes.
type Connection struct {
	ID      string
	AgentID string

	ws    *websocket.Conn
	send  chan []byte
	once  sync.Once
	close chan struct{}
}

// NewConnection wraps an upgraded websocket for the given agent
func NewConnection(agentID string, ws *websocket.Conn) *Connection {
	return &Connection{
		ID:      uuid.NewString(),
		AgentID: agentID,
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		close:   make(chan struct{}),
	}
}

// Start launches the write pump. Call exactly once per connection.
func (c *Connection) Start() {
	go c.writePump()
}

// Send enqueues a payload. A full buffer means the client can't keep up, so
// the connection is closed to keep backpressure bounded.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.close:
		return ErrConnectionClosed
	case c.send <- payload:
		return nil
	default:
		c.CloseWith(websocket.CloseGoingAway, "send buffer full")
		return errors.New("send buffer exceeded")
	}
}

// CloseWith terminates the connection with a close frame. Safe to call more
// than once.
func (c *Connection) CloseWith(code int, reason string) {
	c.once.Do(func() {
		close(c.close)
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.close:
			return
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) write(messageType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, payload)
}
