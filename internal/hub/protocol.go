package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RequestType identifies a client control message.
type RequestType string

const (
	RequestSubscribe         RequestType = "subscribe"
	RequestUnsubscribe       RequestType = "unsubscribe"
	RequestListSubscriptions RequestType = "list_subscriptions"
)

// Error codes carried in error replies.
const (
	CodeInvalidFormat     = "invalid_format"
	CodeMissingTopic      = "missing_topic"
	CodeUnknownType       = "unknown_type"
	CodeInvalidTopic      = "invalid_topic"
	CodeSubscriptionLimit = "subscription_limit"
)

// Request is a decoded client control message. The concrete types are
// SubscribeRequest, UnsubscribeRequest and ListSubscriptionsRequest.
type Request interface {
	requestType() RequestType
}

// SubscribeRequest asks to add each topic. Non-string list elements decode to
// the empty topic so that they are rejected individually.
type SubscribeRequest struct {
	Topics []string
}

type UnsubscribeRequest struct {
	Topics []string
}

type ListSubscriptionsRequest struct{}

func (SubscribeRequest) requestType() RequestType         { return RequestSubscribe }
func (UnsubscribeRequest) requestType() RequestType       { return RequestUnsubscribe }
func (ListSubscriptionsRequest) requestType() RequestType { return RequestListSubscriptions }

// ProtocolError is reported back to the offending connection only.
type ProtocolError struct {
	Code    string
	Message string
	Topic   string
}

func (e *ProtocolError) Error() string {
	return e.Message
}

func (e *ProtocolError) event() Event {
	return Event{
		Type:   EventError,
		Topic:  e.Topic,
		Fields: Fields{"code": e.Code, "message": e.Message},
	}
}

// wireRequest is the inbound envelope. topic/topics are the canonical names,
// parcelId/parcelIds the aliases older clients send.
type wireRequest struct {
	Type      *string         `json:"type"`
	Topic     json.RawMessage `json:"topic"`
	ParcelID  json.RawMessage `json:"parcelId"`
	Topics    json.RawMessage `json:"topics"`
	ParcelIDs json.RawMessage `json:"parcelIds"`
}

// DecodeRequest parses one inbound frame. Anything that is not a known
// request fails with a *ProtocolError.
func DecodeRequest(data []byte) (Request, error) {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil || w.Type == nil {
		return nil, &ProtocolError{Code: CodeInvalidFormat, Message: "Invalid message format"}
	}

	switch typ := RequestType(*w.Type); typ {
	case RequestSubscribe, RequestUnsubscribe:
		topics := w.targets()
		if len(topics) == 0 {
			return nil, &ProtocolError{
				Code:    CodeMissingTopic,
				Message: fmt.Sprintf("%s requires a topic or topic list", typ),
			}
		}
		if typ == RequestSubscribe {
			return SubscribeRequest{Topics: topics}, nil
		}
		return UnsubscribeRequest{Topics: topics}, nil
	case RequestListSubscriptions:
		return ListSubscriptionsRequest{}, nil
	default:
		return nil, &ProtocolError{
			Code:    CodeUnknownType,
			Message: fmt.Sprintf("Unknown message type: %s", *w.Type),
		}
	}
}

// targets collects the single topic followed by the topic list. The canonical
// field wins over its alias when both are present.
func (w wireRequest) targets() []string {
	var topics []string

	single := w.Topic
	if isAbsent(single) {
		single = w.ParcelID
	}
	if !isAbsent(single) {
		topics = append(topics, decodeTopic(single))
	}

	list := w.Topics
	if isAbsent(list) {
		list = w.ParcelIDs
	}
	if !isAbsent(list) {
		var elems []json.RawMessage
		if err := json.Unmarshal(list, &elems); err != nil {
			// Not an array: one bad element rather than a silent drop.
			return append(topics, "")
		}
		for _, e := range elems {
			topics = append(topics, decodeTopic(e))
		}
	}
	return topics
}

func isAbsent(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func decodeTopic(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
