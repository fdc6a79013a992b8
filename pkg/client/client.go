// Package client is a Go client for the parcel hub: a WebSocket subscriber
// (Client) and a thin wrapper around the admin HTTP API (AdminClient).
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBufferSize  = 64
	eventBufferSize = 256
	closeGrace      = time.Second
	writeWait       = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("client not connected")
	ErrClosed       = errors.New("connection closed")
)

// Event is one message received from the hub. Fields holds the whole decoded
// object, including type, topic and timestamp.
type Event struct {
	Type      string
	Topic     string
	Timestamp time.Time
	Fields    map[string]any
}

// String returns a field as a string, or "" when it is missing or not a string.
func (e Event) String(key string) string {
	s, _ := e.Fields[key].(string)
	return s
}

// ParseEvent decodes a raw frame from the hub.
func ParseEvent(data []byte) (Event, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	e := Event{Fields: fields}
	e.Type = e.String("type")
	e.Topic = e.String("topic")
	if e.Topic == "" {
		e.Topic = e.String("parcelId")
	}
	if ts := e.String("timestamp"); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		}
	}
	return e, nil
}

type request struct {
	Type   string   `json:"type"`
	Topic  string   `json:"topic,omitempty"`
	Topics []string `json:"topics,omitempty"`
}

type Client struct {
	url    string
	logger *slog.Logger

	conn    *websocket.Conn
	events  chan Event
	done    chan struct{}
	stopped chan struct{} // closed when the write pump exits

	// mu guards send against Close.
	mu      sync.Mutex
	send    chan request
	closing bool
}

// NewClient accepts a full ws:// or wss:// URL, or a bare host:port, in which
// case the default /ws path is used.
func NewClient(serverURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:     normalizeURL(serverURL),
		logger:  logger.With("component", "client"),
		send:    make(chan request, sendBufferSize),
		events:  make(chan Event, eventBufferSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func normalizeURL(s string) string {
	if strings.Contains(s, "://") {
		return s
	}
	u := url.URL{Scheme: "ws", Host: s, Path: "/ws"}
	return u.String()
}

// URL is the WebSocket endpoint the client dials.
func (c *Client) URL() string { return c.url }

func (c *Client) Connect(ctx context.Context) error {
	c.logger.Debug("connecting", "url", c.url)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial error: %w", err)
	}
	c.conn = conn
	c.logger.Debug("connected", "url", c.url)
	return nil
}

// Run starts the read and write pumps. Events arrive on Events until the
// connection ends, at which point Done is closed.
func (c *Client) Run() error {
	if c.conn == nil {
		return ErrNotConnected
	}
	go c.readPump()
	go c.writePump()
	return nil
}

func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Subscribe(topics ...string) error {
	return c.enqueue(topicRequest("subscribe", topics))
}

func (c *Client) Unsubscribe(topics ...string) error {
	return c.enqueue(topicRequest("unsubscribe", topics))
}

// ListSubscriptions asks the hub for this connection's topics. The answer
// arrives as a "subscriptions" event.
func (c *Client) ListSubscriptions() error {
	return c.enqueue(request{Type: "list_subscriptions"})
}

func topicRequest(typ string, topics []string) request {
	if len(topics) == 1 {
		return request{Type: typ, Topic: topics[0]}
	}
	return request{Type: typ, Topics: topics}
}

func (c *Client) enqueue(r request) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrClosed
	}
	select {
	case <-c.stopped:
		return ErrClosed
	default:
	}
	select {
	case c.send <- r:
		return nil
	case <-c.stopped:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) readPump() {
	defer func() {
		close(c.done)
		close(c.events)
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("close error", "err", err)
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket error", "err", err)
			}
			return
		}
		e, err := ParseEvent(data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", "err", err)
			continue
		}
		select {
		case c.events <- e:
		default:
			c.logger.Warn("event buffer full, dropping event", "type", e.Type, "topic", e.Topic)
		}
	}
}

// writePump drains send onto the socket. A failed write closes the socket so
// the read pump stops too.
func (c *Client) writePump() {
	defer close(c.stopped)

	for {
		select {
		case r, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				if err := c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
					c.logger.Debug("failed to send close frame", "err", err)
				}
				return
			}
			if err := c.conn.WriteJSON(r); err != nil {
				c.logger.Warn("write error", "err", err)
				_ = c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close sends a close frame and waits briefly for the hub to acknowledge it
// before dropping the socket.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	c.mu.Lock()
	if !c.closing {
		c.closing = true
		close(c.send)
	}
	c.mu.Unlock()

	select {
	case <-c.done:
		return nil
	case <-time.After(closeGrace):
		return c.conn.Close()
	}
}
