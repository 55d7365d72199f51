// Package handlers contains HTTP request handlers and presentation layer logic for the API endpoints
package handlers

import (
	"context"
	"crypto/subtle"
	"log"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/matriculaplus/messaging/app/dto"
	businessflow "github.com/matriculaplus/messaging/business_flow"
	"github.com/matriculaplus/messaging/config"
)

// WebhookHandlerInterface defines the contract for webhook handlers
type WebhookHandlerInterface interface {
	HandleEvent(c fiber.Ctx) error
}

// WebhookHandler receives gateway events. Apart from secret validation it
// always acknowledges with 200: the gateway redelivers on any other status,
// and a redelivery storm is worse than a lost event. Internal failures are
// logged instead and the webhook flow's handlers are idempotent.
type WebhookHandler struct {
	webhookFlow businessflow.WebhookFlow
	config      *config.WebhookConfig
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(webhookFlow businessflow.WebhookFlow, cfg *config.WebhookConfig) *WebhookHandler {
	return &WebhookHandler{
		webhookFlow: webhookFlow,
		config:      cfg,
	}
}

// HandleEvent ingests one gateway webhook delivery
func (h *WebhookHandler) HandleEvent(c fiber.Ctx) error {
	if h.config.Secret != "" {
		presented := c.Get(h.config.SecretHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(h.config.Secret)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.APIResponse{
				Success: false,
				Message: "Webhook secret validation failed",
				Error: dto.ErrorDetail{
					Code: "INVALID_WEBHOOK_SECRET",
				},
			})
		}
	}

	tenantID := c.Params("tenantId")

	var payload dto.WebhookPayload
	if err := c.Bind().JSON(&payload); err != nil {
		log.Printf("webhook: malformed payload for tenant %q: %v", tenantID, err)
		return h.acknowledge(c, "")
	}

	ctx, cancel := createWebhookContext(10 * time.Second)
	defer cancel()

	if err := h.webhookFlow.ProcessEvent(ctx, tenantID, &payload); err != nil {
		log.Printf("webhook: processing %q for tenant %q failed: %v", payload.Event, tenantID, err)
	}

	return h.acknowledge(c, payload.Event)
}

// Webhook processing runs against a background context: the delivery is
// acknowledged regardless, so a client disconnect must not cancel the work.
func createWebhookContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func (h *WebhookHandler) acknowledge(c fiber.Ctx, event string) error {
	return c.Status(fiber.StatusOK).JSON(dto.WebhookAck{
		Received: true,
		Event:    event,
	})
}
