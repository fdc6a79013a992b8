// Package hub is the parcel event publish/subscribe core.
//
// A Hub keeps two indexes under one lock: the registry (connection -> topics)
// and the topic index (topic -> connections). Every mutation updates both, so
// a connection is in a topic's subscriber set exactly when the topic is in the
// connection's subscription set. Topics exist only while they have
// subscribers.
//
// Transports register connections with OnConnect, feed inbound frames to
// HandleMessage and call OnDisconnect when the socket goes away. Publishers
// use Publish, PublishToMany, PublishAll or the typed helpers in publish.go.
package hub

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures a Hub.
type Options struct {
	// SweepInterval is how often Run purges closed connections. Zero or a
	// negative value disables the periodic sweep.
	SweepInterval time.Duration

	// LegacyBroadcast makes the typed publish helpers also deliver every event
	// to all connections, regardless of subscription.
	LegacyBroadcast bool

	// MaxSubscriptionsPerConn caps the topics one connection may hold. Zero
	// means unlimited.
	MaxSubscriptionsPerConn int

	Logger *slog.Logger

	// Now overrides the clock used for event timestamps.
	Now func() time.Time
}

type Hub struct {
	mu     sync.RWMutex
	conns  map[Conn]map[string]struct{}
	topics map[string]map[Conn]struct{}

	sweepInterval    time.Duration
	maxSubscriptions int
	legacyBroadcast  atomic.Bool

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	swept     atomic.Uint64

	now    func() time.Time
	logger *slog.Logger
}

func New(opts Options) *Hub {
	h := &Hub{
		conns:            make(map[Conn]map[string]struct{}),
		topics:           make(map[string]map[Conn]struct{}),
		sweepInterval:    opts.SweepInterval,
		maxSubscriptions: opts.MaxSubscriptionsPerConn,
		now:              opts.Now,
		logger:           opts.Logger,
	}
	if h.now == nil {
		h.now = time.Now
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "hub")
	h.legacyBroadcast.Store(opts.LegacyBroadcast)
	return h
}

// Ack acknowledges a subscribe or unsubscribe.
type Ack struct {
	Topic string
}

// SubscriptionList is the reply to a list request.
type SubscriptionList struct {
	Topics []string
	Count  int
}

// SetLegacyBroadcast switches the dual delivery path at runtime.
func (h *Hub) SetLegacyBroadcast(enabled bool) {
	if h.legacyBroadcast.Swap(enabled) != enabled {
		h.logger.Info("legacy broadcast toggled", "enabled", enabled)
	}
}

// LegacyBroadcast reports whether the dual delivery path is on.
func (h *Hub) LegacyBroadcast() bool {
	return h.legacyBroadcast.Load()
}

// OnConnect registers c with an empty topic set and sends it the welcome event.
// Registering an already known connection keeps its subscriptions.
func (h *Hub) OnConnect(c Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.conns[c] = make(map[string]struct{})
	}
	total := len(h.conns)
	h.mu.Unlock()

	h.logger.Info("client connected", "conn", c.ID(), "total", total)

	h.reply(c, Event{
		Type: EventWelcome,
		Fields: Fields{
			"message":      "Connected to parcel tracking hub",
			"connectionId": c.ID(),
		},
	})
}

// OnDisconnect drops c from every topic and from the registry. It is a no-op
// for connections the hub does not know.
func (h *Hub) OnDisconnect(c Conn) {
	h.mu.Lock()
	_, known := h.conns[c]
	removedTopics := h.removeLocked(c)
	total := len(h.conns)
	h.mu.Unlock()

	if known {
		h.logger.Info("client disconnected", "conn", c.ID(), "topics_removed", removedTopics, "total", total)
	}
}

// Subscribe adds the (c, topic) relation. Subscribing twice is a no-op.
func (h *Hub) Subscribe(c Conn, topic string) (Ack, error) {
	if !validTopic(topic) {
		return Ack{}, fmt.Errorf("subscribe %q: %w", topic, ErrInvalidTopic)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.conns[c]
	if !ok {
		return Ack{}, fmt.Errorf("subscribe %q: %w", topic, ErrUnknownConnection)
	}
	if _, already := subs[topic]; already {
		return Ack{Topic: topic}, nil
	}
	if h.maxSubscriptions > 0 && len(subs) >= h.maxSubscriptions {
		return Ack{}, fmt.Errorf("subscribe %q: %w", topic, ErrSubscriptionLimit)
	}

	subs[topic] = struct{}{}
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[Conn]struct{})
		h.topics[topic] = set
	}
	set[c] = struct{}{}

	h.logger.Debug("subscribed", "conn", c.ID(), "topic", topic, "subscribers", len(set))
	return Ack{Topic: topic}, nil
}

// Unsubscribe removes the (c, topic) relation. Removing a relation that does
// not exist still succeeds.
func (h *Hub) Unsubscribe(c Conn, topic string) (Ack, error) {
	if !validTopic(topic) {
		return Ack{}, fmt.Errorf("unsubscribe %q: %w", topic, ErrInvalidTopic)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.conns[c]; ok {
		delete(subs, topic)
	}
	h.unindexLocked(topic, c)

	h.logger.Debug("unsubscribed", "conn", c.ID(), "topic", topic)
	return Ack{Topic: topic}, nil
}

// ListSubscriptions returns c's topics in lexical order.
func (h *Hub) ListSubscriptions(c Conn) SubscriptionList {
	h.mu.RLock()
	subs := h.conns[c]
	topics := make([]string, 0, len(subs))
	for t := range subs {
		topics = append(topics, t)
	}
	h.mu.RUnlock()

	sort.Strings(topics)
	return SubscriptionList{Topics: topics, Count: len(topics)}
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) registered(c Conn) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[c]
	return ok
}

// removeLocked drops c from the index and the registry and returns how many
// topics were deleted because c was their last subscriber. Callers hold h.mu.
func (h *Hub) removeLocked(c Conn) int {
	subs, ok := h.conns[c]
	if !ok {
		return 0
	}
	removed := 0
	for topic := range subs {
		if h.unindexLocked(topic, c) {
			removed++
		}
	}
	delete(h.conns, c)
	return removed
}

// unindexLocked removes c from topic's subscriber set and reports whether the
// topic entry was deleted. Callers hold h.mu.
func (h *Hub) unindexLocked(topic string, c Conn) bool {
	set, ok := h.topics[topic]
	if !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.topics, topic)
		return true
	}
	return false
}

func validTopic(topic string) bool {
	return topic != ""
}
