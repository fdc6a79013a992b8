package hub

import "errors"

var (
	// ErrInvalidTopic is returned for empty topic identifiers.
	ErrInvalidTopic = errors.New("invalid topic")

	// ErrUnknownConnection is returned when a connection is not registered with the hub,
	// either because it never connected or because it has already been cleaned up.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrSubscriptionLimit is returned when a connection already holds the maximum
	// number of subscriptions allowed.
	ErrSubscriptionLimit = errors.New("subscription limit reached")

	// ErrConnClosed is returned by Conn.Send once the connection has closed.
	ErrConnClosed = errors.New("connection closed")

	// ErrSendBufferFull is returned by Conn.Send when the outgoing buffer is full.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Conn is the hub's view of a live client connection. The transport owns it;
// the hub only keeps a reference while the connection is registered.
//
// Implementations must be usable as map keys (pointer receivers) and IsOpen
// must not block, since it is called while the hub holds its lock.
type Conn interface {
	// ID returns a stable identifier used in logs and welcome messages.
	ID() string

	// Send queues msg for delivery without blocking. It returns ErrConnClosed
	// or ErrSendBufferFull when the message cannot be queued.
	Send(msg []byte) error

	// IsOpen reports whether the connection is still usable.
	IsOpen() bool

	// Close tears down the transport. It must be safe to call more than once.
	Close() error
}
