package hub

import (
	"encoding/json"
	"time"
)

// EventType tags every message the hub sends to clients.
type EventType string

const (
	EventWelcome       EventType = "welcome"
	EventSubscribed    EventType = "subscribed"
	EventUnsubscribed  EventType = "unsubscribed"
	EventSubscriptions EventType = "subscriptions"
	EventError         EventType = "error"

	EventTracking     EventType = "tracking"
	EventHandoff      EventType = "handoff"
	EventStatusUpdate EventType = "status_update"
	EventRouteUpdate  EventType = "route_update"
	EventFeedback     EventType = "feedback"
	EventSystemAlert  EventType = "system_alert"
	EventTestMessage  EventType = "test_message"
)

// timestampLayout is ISO8601 with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Fields carries the type-specific part of an event.
type Fields map[string]any

// Event is an outbound message. It is encoded as a flat JSON object: the
// fields are merged with type, timestamp and, for topic-scoped events, both
// topic and its parcelId alias. The reserved keys always win over fields.
type Event struct {
	Type      EventType
	Topic     string
	Timestamp time.Time
	Fields    Fields
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+4)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["type"] = e.Type
	out["timestamp"] = e.Timestamp.UTC().Format(timestampLayout)
	if e.Topic != "" {
		out["topic"] = e.Topic
		out["parcelId"] = e.Topic
	} else {
		delete(out, "topic")
		delete(out, "parcelId")
	}
	return json.Marshal(out)
}
