package dto

import (
	"encoding/json"
)

// WebhookPayload represents the raw inbound gateway webhook envelope. Data is
// kept raw because field names vary across gateway versions; normalization
// happens in the webhook flow.
type WebhookPayload struct {
	Event    string           `json:"event"`
	Instance *WebhookInstance `json:"instance,omitempty"`
	Data     json.RawMessage  `json:"data,omitempty"`
}

// WebhookInstance identifies the gateway instance the event belongs to
type WebhookInstance struct {
	Key string `json:"key"`
}

// WebhookAck is the acknowledgment body returned for every webhook delivery
type WebhookAck struct {
	Received bool   `json:"received"`
	Event    string `json:"event,omitempty"`
}
