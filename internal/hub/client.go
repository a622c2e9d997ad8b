package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBufferSize = 256
)

// Client is one WebSocket connection owned by this process. UserID is empty
// for anonymous connections.
type Client struct {
	ID     string
	UserID string

	// OnFrame is invoked for every inbound frame. OnClose fires once when
	// the read pump exits. OnPong fires on every heartbeat pong. All three
	// must be set before the pumps start.
	OnFrame func(Frame)
	OnClose func()
	OnPong  func()

	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	log       *slog.Logger
}

// NewClient wraps an upgraded connection. conn may be nil in tests that only
// exercise the hub's routing; such clients must not start pumps.
func NewClient(id, userID string, conn *websocket.Conn, log *slog.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(maxMessageSize)
	}
	return &Client{
		ID:     id,
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		log:    log,
	}
}

// SendChan exposes the outbound queue; tests consume it in place of a write
// pump.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// trySend queues payload without blocking. A full buffer means a slow
// client; the frame is dropped, which is acceptable for a best-effort
// channel.
func (c *Client) trySend(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		c.log.Warn("Dropping frame for slow client", "socket", c.ID, "user", c.UserID)
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// ReadPump consumes inbound frames until the connection dies, then invokes
// OnClose. Heartbeat timeouts surface here as read errors, so a silent
// client is torn down the same way as an explicit close.
func (c *Client) ReadPump() {
	defer c.OnClose()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if c.OnPong != nil {
			c.OnPong()
		}
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("Socket read error", "socket", c.ID, "error", err)
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
			c.log.Debug("Ignoring malformed frame", "socket", c.ID, "error", err)
			continue
		}
		c.OnFrame(f)
	}
}

// WritePump flushes the send queue and keeps the heartbeat alive.
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
