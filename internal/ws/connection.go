package ws

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tracksnap/parcelhub/config"
	"github.com/tracksnap/parcelhub/internal/hub"
)

// Connection is one client socket. It implements hub.Conn: the hub queues
// frames with Send and the write pump drains them onto the wire.
type Connection struct {
	id     string
	conn   *websocket.Conn
	hub    *hub.Hub
	cfg    config.WebSocketConfig
	logger *slog.Logger

	// mu orders Send against closing the send channel.
	mu        sync.RWMutex
	send      chan []byte
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ hub.Conn = (*Connection)(nil)

func NewConnection(conn *websocket.Conn, h *hub.Hub, id string, cfg config.WebSocketConfig, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		id:     id,
		conn:   conn,
		hub:    h,
		cfg:    cfg,
		logger: logger.With("conn", id),
		send:   make(chan []byte, cfg.SendBuffer),
	}
}

func (c *Connection) ID() string { return c.id }

// Send queues msg without blocking.
func (c *Connection) Send(msg []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed.Load() {
		return hub.ErrConnClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return hub.ErrSendBufferFull
	}
}

func (c *Connection) IsOpen() bool { return !c.closed.Load() }

// Close stops accepting frames and lets the write pump flush what is queued,
// send a close frame and release the socket.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed.Store(true)
		close(c.send)
		c.mu.Unlock()
	})
	return nil
}

// ReadPump feeds inbound frames to the hub until the socket fails or the peer
// goes silent for longer than the pong wait. It unregisters the connection on
// the way out.
func (c *Connection) ReadPump() {
	defer func() {
		c.hub.OnDisconnect(c)
		_ = c.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("unexpected close", "err", err)
			}
			return
		}
		c.hub.HandleMessage(c, data)
	}
}

// WritePump writes queued frames and keepalive pings. It returns once the send
// channel is closed or a write fails, closing the socket either way.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		c.closed.Store(true)
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("close error", "err", err)
		}
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if !ok {
				if err := c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
					c.logger.Debug("failed to send close frame", "err", err)
				}
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Warn("write error", "err", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", "err", err)
				return
			}
		}
	}
}
