package hub

import (
	"encoding/json"
	"errors"
)

// Publisher is the surface external collaborators use to announce parcel
// state changes.
type Publisher interface {
	PublishTracking(parcelID string, point any) int
	PublishHandoff(parcelID, status string, lastLog any, metadata map[string]any) int
	PublishStatusUpdate(parcelID, status string, metadata map[string]any) int
	PublishRouteUpdate(parcelID string, change any) int
	PublishFeedback(parcelID string, feedback any) int
}

var _ Publisher = (*Hub)(nil)

// Publish delivers an event to the subscribers of topic and returns the number
// of connections it reached. A topic nobody listens to is a silent no-op.
func (h *Hub) Publish(topic string, typ EventType, fields Fields) int {
	h.published.Add(1)

	targets := h.subscribers(topic)
	if len(targets) == 0 {
		return 0
	}
	data, err := h.encode(Event{Type: typ, Topic: topic, Fields: fields})
	if err != nil {
		h.logger.Error("failed to encode event", "type", typ, "topic", topic, "err", err)
		return 0
	}
	return h.deliver(targets, data)
}

// PublishToMany publishes once per topic. A connection subscribed to several
// of the topics receives one copy per topic.
func (h *Hub) PublishToMany(topics []string, typ EventType, fields Fields) int {
	n := 0
	for _, topic := range topics {
		n += h.Publish(topic, typ, fields)
	}
	return n
}

// PublishAll delivers an event to every registered connection, subscribed or not.
func (h *Hub) PublishAll(typ EventType, fields Fields) int {
	return h.publishAll("", typ, fields)
}

func (h *Hub) publishAll(topic string, typ EventType, fields Fields) int {
	h.published.Add(1)

	h.mu.RLock()
	targets := make([]Conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}
	data, err := h.encode(Event{Type: typ, Topic: topic, Fields: fields})
	if err != nil {
		h.logger.Error("failed to encode event", "type", typ, "err", err)
		return 0
	}
	return h.deliver(targets, data)
}

func (h *Hub) PublishTracking(parcelID string, point any) int {
	return h.publishParcelEvent(parcelID, EventTracking, Fields{"point": point})
}

func (h *Hub) PublishHandoff(parcelID, status string, lastLog any, metadata map[string]any) int {
	return h.publishParcelEvent(parcelID, EventHandoff, Fields{
		"status":   status,
		"lastLog":  lastLog,
		"metadata": nonNilMap(metadata),
	})
}

func (h *Hub) PublishStatusUpdate(parcelID, status string, metadata map[string]any) int {
	return h.publishParcelEvent(parcelID, EventStatusUpdate, Fields{
		"status":   status,
		"metadata": nonNilMap(metadata),
	})
}

func (h *Hub) PublishRouteUpdate(parcelID string, change any) int {
	return h.publishParcelEvent(parcelID, EventRouteUpdate, Fields{"change": change})
}

func (h *Hub) PublishFeedback(parcelID string, feedback any) int {
	return h.publishParcelEvent(parcelID, EventFeedback, Fields{"feedback": feedback})
}

// publishParcelEvent is the topic-scoped path for the typed helpers, plus the
// unconditional path when legacy broadcast is on.
func (h *Hub) publishParcelEvent(parcelID string, typ EventType, fields Fields) int {
	n := h.Publish(parcelID, typ, fields)
	if h.legacyBroadcast.Load() {
		n += h.publishAll(parcelID, typ, fields)
	}
	return n
}

func (h *Hub) subscribers(topic string) []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.topics[topic]
	if len(set) == 0 {
		return nil
	}
	targets := make([]Conn, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	return targets
}

// deliver offers data to each target without blocking. Targets that are
// closed or refuse the message are collected and evicted once the loop is
// done, so one bad connection never stops delivery to the rest.
func (h *Hub) deliver(targets []Conn, data []byte) int {
	var failed []Conn
	sent := 0
	for _, c := range targets {
		if !c.IsOpen() {
			failed = append(failed, c)
			continue
		}
		if err := c.Send(data); err != nil {
			h.logger.Warn("dropping connection after failed send", "conn", c.ID(), "err", err)
			failed = append(failed, c)
			continue
		}
		sent++
	}

	h.delivered.Add(uint64(sent))
	if len(failed) > 0 {
		h.dropped.Add(uint64(len(failed)))
		h.evict(failed)
	}
	return sent
}

// evict removes conns from the hub and closes their transports.
func (h *Hub) evict(conns []Conn) {
	h.mu.Lock()
	for _, c := range conns {
		h.removeLocked(c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			h.logger.Debug("close after eviction failed", "conn", c.ID(), "err", err)
		}
	}
}

// reply sends a protocol message to a single connection.
func (h *Hub) reply(c Conn, e Event) {
	data, err := h.encode(e)
	if err != nil {
		h.logger.Error("failed to encode reply", "type", e.Type, "err", err)
		return
	}
	if err := c.Send(data); err != nil {
		if errors.Is(err, ErrConnClosed) {
			return
		}
		h.logger.Warn("dropping connection after failed reply", "conn", c.ID(), "err", err)
		h.dropped.Add(1)
		h.evict([]Conn{c})
	}
}

func (h *Hub) encode(e Event) ([]byte, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = h.now()
	}
	return json.Marshal(e)
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
