// Package businessflow contains the core business logic and use cases for messaging workflows
package businessflow

import (
	"errors"
	"fmt"
)

// Business flow error constants
var (
	// Tenant-related errors
	ErrTenantNotFound          = errors.New("tenant not found")
	ErrTenantIDRequired        = errors.New("tenant ID is required")
	ErrTenantAlreadyRegistered = errors.New("tenant is already registered")
	ErrInvalidAPISecret        = errors.New("invalid tenant credentials")
	ErrInstanceInactive        = errors.New("tenant instance is inactive")
	ErrTenantNotConnected      = errors.New("tenant is not connected to the gateway")

	// Contact-related errors
	ErrContactNotFound = errors.New("contact not found")
	ErrPhoneRequired   = errors.New("phone number is required")
	ErrPhoneInvalid    = errors.New("phone number is invalid")

	// Message-related errors
	ErrMessageNotFound   = errors.New("message not found")
	ErrContentRequired   = errors.New("message content is required")
	ErrMediaURLRequired  = errors.New("media URL is required for media messages")
	ErrRetriesExhausted  = errors.New("delivery attempts exhausted")
	ErrDuplicateExternal = errors.New("message with this external ID already exists")

	// Webhook-related errors
	ErrWebhookPayloadInvalid = errors.New("webhook payload is invalid")
	ErrWebhookSecretMismatch = errors.New("webhook secret mismatch")
	ErrUnknownEventType      = errors.New("unknown webhook event type")

	// Infrastructure errors
	ErrGatewayUnavailable = errors.New("gateway is unavailable")
	ErrCacheNotAvailable  = errors.New("cache not available")
)

type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func IsTenantNotFound(err error) bool {
	return errors.Is(err, ErrTenantNotFound)
}

func IsTenantIDRequired(err error) bool {
	return errors.Is(err, ErrTenantIDRequired)
}

func IsTenantAlreadyRegistered(err error) bool {
	return errors.Is(err, ErrTenantAlreadyRegistered)
}

func IsInvalidAPISecret(err error) bool {
	return errors.Is(err, ErrInvalidAPISecret)
}

func IsPhoneInvalid(err error) bool {
	return errors.Is(err, ErrPhoneInvalid) || errors.Is(err, ErrPhoneRequired)
}

func IsContentRequired(err error) bool {
	return errors.Is(err, ErrContentRequired)
}

func IsGatewayUnavailable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable)
}

func IsWebhookPayloadInvalid(err error) bool {
	return errors.Is(err, ErrWebhookPayloadInvalid)
}

func IsWebhookSecretMismatch(err error) bool {
	return errors.Is(err, ErrWebhookSecretMismatch)
}
