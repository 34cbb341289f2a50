package realtime

import (
	"context"
	"encoding/json"
	"fmt"
)

// Envelope is the JSON frame written to websocket clients.
type Envelope struct {
	Event   string          `json:"event"`
	GroupID int64           `json:"group_id"`
	Data    json.RawMessage `json:"data"`
}

// Replies sent to a single client in answer to its inbound messages.
const (
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventError        = "error"
)

// ErrorPayload is the data of an error event.
type ErrorPayload struct {
	Error string `json:"error"`
}

// Publisher broadcasts an event to the subscribers of a group.
type Publisher interface {
	Publish(ctx context.Context, groupID int64, event string, payload any) error
}

// NewEnvelope marshals payload into an envelope.
func NewEnvelope(groupID int64, event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, GroupID: groupID, Data: data}, nil
}

// Inbound message types sent by websocket clients.
const (
	MessageSubscribe   = "subscribe"
	MessageUnsubscribe = "unsubscribe"
	MessageAction      = "action"
)

// Inbound is a message read from a websocket client.
type Inbound struct {
	Type    string `json:"type"`
	GroupID int64  `json:"group_id"`
	Action  string `json:"action,omitempty"`
}
