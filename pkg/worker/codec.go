package worker

import (
	"encoding/json"
	"fmt"

	"gitpull/internal"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Codec is an interface for decoding messages from a message broker into an Event.
type Codec interface {
	// Decode transforms a Watermill message into an Event.
	Decode(topic string, msg *message.Message) (*Event, error)
}

// DefaultCodec decodes the JSON push published by the webhook handlers.
type DefaultCodec struct{}

// Decode unmarshals a Watermill message into an Event.
func (DefaultCodec) Decode(topic string, msg *message.Message) (*Event, error) {
	var push internal.Event
	if err := json.Unmarshal(msg.Payload, &push); err != nil {
		return nil, fmt.Errorf("decode push: %w", err)
	}

	metadata := make(map[string]string, len(msg.Metadata))
	for key, value := range msg.Metadata {
		metadata[key] = value
	}

	if push.Provider == "" {
		push.Provider = msg.Metadata.Get("provider")
	}
	if push.Name == "" {
		push.Name = msg.Metadata.Get("event")
	}
	if push.RequestID == "" {
		push.RequestID = msg.Metadata.Get("request_id")
	}
	if push.Provider == "" {
		return nil, fmt.Errorf("message %s has no provider", msg.UUID)
	}

	return &Event{
		Provider: push.Provider,
		Type:     push.Name,
		Topic:    topic,
		Metadata: metadata,
		Payload:  json.RawMessage(msg.Payload),
		Push:     &push,
	}, nil
}
