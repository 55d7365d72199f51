// Package dto defines request and response structures for the messaging API
package dto

// APIResponse is the envelope every management endpoint returns. Webhook
// acknowledgements use WebhookAck instead, matching what the gateway expects.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty" validate:"omitempty"`
	Error   any    `json:"error,omitempty" validate:"omitempty"`
}

// ErrorDetail represents error details in API responses
type ErrorDetail struct {
	Code    string `json:"code"`
	Details any    `json:"details,omitempty" validate:"omitempty"`
}
