package worker

import (
	"encoding/json"

	"gitpull/internal"
)

// Event represents a message received by the worker.
type Event struct {
	// Provider is the name of the Git provider (e.g., "github", "gitlab").
	Provider string `json:"provider"`
	// Type is the name of the event, "push" for every published push.
	Type string `json:"type"`
	// Topic is the topic or job kind the message was received on.
	Topic string `json:"topic"`
	// Metadata contains message-broker-specific metadata.
	Metadata map[string]string `json:"metadata"`
	// Payload is the raw JSON payload of the message.
	Payload json.RawMessage `json:"payload"`
	// Push is the decoded push notification.
	Push *internal.Event `json:"-"`
}

// RequestID returns the webhook request id the push was received with.
func (e *Event) RequestID() string {
	if e == nil {
		return ""
	}
	if id := e.Metadata["request_id"]; id != "" {
		return id
	}
	if e.Push != nil {
		return e.Push.RequestID
	}
	return ""
}
