package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
	sendBuffer     = 256
)

// Client is a Conn backed by a WebSocket. Writes go through a buffered
// channel drained by WritePump. A client whose buffer fills is closed
// rather than silently skipped, so it reconnects and resyncs instead of
// missing events.
type Client struct {
	id     string
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
	log    *zap.Logger
}

// NewClient wraps conn. The caller must run WritePump and ReadLoop.
func NewClient(conn *websocket.Conn, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.New().String()
	return &Client{
		id:     id,
		conn:   conn,
		sendCh: make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		log:    log.With(zap.String("conn", id)),
	}
}

// ID implements Conn.
func (c *Client) ID() string { return c.id }

// Done is closed when the client shuts down.
func (c *Client) Done() <-chan struct{} { return c.done }

// Open implements Conn.
func (c *Client) Open() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Send implements Conn.
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- data:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn("send buffer full, closing slow client")
		c.Close()
		return false
	}
}

// Close shuts the client down. It is safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// WritePump drains the send buffer onto the socket and sends keepalive
// pings. It returns when the client is closed or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// ReadLoop delivers each text message to handle until the peer goes away,
// then closes the client.
func (c *Client) ReadLoop(handle func(data []byte)) {
	defer c.Close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(data)
	}
}
