package hub

import (
	"errors"
	"fmt"
)

// HandleMessage applies one inbound control frame from c and replies to c.
// Frames from connections that are no longer registered are ignored.
func (h *Hub) HandleMessage(c Conn, data []byte) {
	if !h.registered(c) {
		h.logger.Debug("ignoring message from unregistered connection", "conn", c.ID())
		return
	}

	req, err := DecodeRequest(data)
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			h.logger.Debug("protocol error", "conn", c.ID(), "code", perr.Code, "err", perr.Message)
			h.reply(c, perr.event())
		}
		return
	}

	switch r := req.(type) {
	case SubscribeRequest:
		h.applyEach(c, r.Topics, h.Subscribe, EventSubscribed)
	case UnsubscribeRequest:
		h.applyEach(c, r.Topics, h.Unsubscribe, EventUnsubscribed)
	case ListSubscriptionsRequest:
		list := h.ListSubscriptions(c)
		h.reply(c, Event{
			Type:   EventSubscriptions,
			Fields: Fields{"topics": list.Topics, "count": list.Count},
		})
	}
}

// applyEach runs op for every topic and acknowledges each one separately. A
// rejected topic gets its own error reply and does not stop the rest.
func (h *Hub) applyEach(c Conn, topics []string, op func(Conn, string) (Ack, error), ok EventType) {
	for _, topic := range topics {
		ack, err := op(c, topic)
		switch {
		case err == nil:
			h.reply(c, Event{Type: ok, Topic: ack.Topic})
		case errors.Is(err, ErrUnknownConnection):
			// Disconnected mid-request.
			return
		case errors.Is(err, ErrSubscriptionLimit):
			h.reply(c, (&ProtocolError{
				Code:    CodeSubscriptionLimit,
				Message: fmt.Sprintf("Subscription limit of %d reached", h.maxSubscriptions),
				Topic:   topic,
			}).event())
		default:
			h.reply(c, (&ProtocolError{
				Code:    CodeInvalidTopic,
				Message: "Invalid topic: must be a non-empty string",
				Topic:   topic,
			}).event())
		}
	}
}
