// Package handlers contains HTTP request handlers and presentation layer logic for the API endpoints
package handlers

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/matriculaplus/messaging/app/dto"
	businessflow "github.com/matriculaplus/messaging/business_flow"
	"github.com/matriculaplus/messaging/utils"
)

// MessagingHandlerInterface defines the contract for messaging handlers
type MessagingHandlerInterface interface {
	SendMessage(c fiber.Ctx) error
	GetConnectionStatus(c fiber.Ctx) error
	Connect(c fiber.Ctx) error
	Disconnect(c fiber.Ctx) error
	ListMessages(c fiber.Ctx) error
	ListContacts(c fiber.Ctx) error
}

// MessagingHandler handles messaging-related HTTP requests
type MessagingHandler struct {
	messagingFlow businessflow.MessagingFlow
	validator     *validator.Validate
}

// NewMessagingHandler creates a new messaging handler
func NewMessagingHandler(messagingFlow businessflow.MessagingFlow) *MessagingHandler {
	return &MessagingHandler{
		messagingFlow: messagingFlow,
		validator:     validator.New(),
	}
}

func (h *MessagingHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *MessagingHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// SendMessage enqueues an outbound message for the tenant. The response only
// confirms queuing; delivery outcome is observed via the message status.
func (h *MessagingHandler) SendMessage(c fiber.Ctx) error {
	var req dto.SendMessageRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}

	if err := h.validator.Struct(&req); err != nil {
		var validationErrors []string
		for _, err := range err.(validator.ValidationErrors) {
			validationErrors = append(validationErrors, getValidationErrorMessage(err))
		}
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationErrors)
	}

	req.TenantID = c.Params("tenantId")
	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))

	result, err := h.messagingFlow.EnqueueMessage(h.createRequestContext(c, "/api/v1/messaging/messages"), &req, metadata)
	if err != nil {
		if businessflow.IsTenantIDRequired(err) {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Tenant ID is required", "MISSING_TENANT_ID", nil)
		}
		if businessflow.IsPhoneInvalid(err) {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Phone number is invalid", "INVALID_PHONE", nil)
		}
		if businessflow.IsContentRequired(err) {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Message content is required", "MISSING_CONTENT", nil)
		}

		log.Println("Message enqueue failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to enqueue message", "ENQUEUE_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusAccepted, "Message enqueued successfully", result)
}

// GetConnectionStatus reports the tenant's gateway session state and queue
// counters. Unknown tenants report disconnected with an empty queue.
func (h *MessagingHandler) GetConnectionStatus(c fiber.Ctx) error {
	tenantID := c.Params("tenantId")

	result, err := h.messagingFlow.GetConnectionStatus(h.createRequestContext(c, "/api/v1/messaging/status"), tenantID)
	if err != nil {
		if businessflow.IsTenantIDRequired(err) {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Tenant ID is required", "MISSING_TENANT_ID", nil)
		}

		log.Println("Connection status query failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to query connection status", "STATUS_QUERY_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Connection status retrieved successfully", result)
}

// Connect provisions the gateway instance and starts the pairing handshake
func (h *MessagingHandler) Connect(c fiber.Ctx) error {
	tenantID := c.Params("tenantId")
	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))

	result, err := h.messagingFlow.ConnectTenant(h.createRequestContext(c, "/api/v1/messaging/connect"), tenantID, metadata)
	if err != nil {
		if businessflow.IsTenantIDRequired(err) {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Tenant ID is required", "MISSING_TENANT_ID", nil)
		}
		if businessflow.IsGatewayUnavailable(err) {
			return h.ErrorResponse(c, fiber.StatusBadGateway, "Messaging gateway is unavailable", "GATEWAY_UNAVAILABLE", nil)
		}

		log.Println("Tenant connect failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to connect tenant", "CONNECT_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Pairing started successfully", result)
}

// Disconnect logs the tenant out of the gateway. Queued messages are kept and
// resume after a reconnect.
func (h *MessagingHandler) Disconnect(c fiber.Ctx) error {
	tenantID := c.Params("tenantId")
	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))

	result, err := h.messagingFlow.DisconnectTenant(h.createRequestContext(c, "/api/v1/messaging/disconnect"), tenantID, metadata)
	if err != nil {
		if businessflow.IsTenantIDRequired(err) {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Tenant ID is required", "MISSING_TENANT_ID", nil)
		}

		log.Println("Tenant disconnect failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to disconnect tenant", "DISCONNECT_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Tenant disconnected successfully", result)
}

// ListMessages returns a page of the tenant's durable messages, newest first
func (h *MessagingHandler) ListMessages(c fiber.Ctx) error {
	req := &dto.ListMessagesRequest{
		TenantID: c.Params("tenantId"),
		Page:     parsePositiveInt(c.Query("page", "1"), 1),
		PageSize: parsePositiveInt(c.Query("page_size", "20"), 20),
	}
	if status := c.Query("status"); status != "" {
		req.Status = &status
	}

	if err := h.validator.Struct(req); err != nil {
		var validationErrors []string
		for _, err := range err.(validator.ValidationErrors) {
			validationErrors = append(validationErrors, getValidationErrorMessage(err))
		}
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationErrors)
	}

	result, err := h.messagingFlow.ListMessages(h.createRequestContext(c, "/api/v1/messaging/messages"), req)
	if err != nil {
		if businessflow.IsTenantIDRequired(err) {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Tenant ID is required", "MISSING_TENANT_ID", nil)
		}

		log.Println("List messages failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list messages", "LIST_MESSAGES_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Messages retrieved successfully", result)
}

// ListContacts returns a page of the tenant's contacts
func (h *MessagingHandler) ListContacts(c fiber.Ctx) error {
	req := &dto.ListContactsRequest{
		TenantID: c.Params("tenantId"),
		Page:     parsePositiveInt(c.Query("page", "1"), 1),
		PageSize: parsePositiveInt(c.Query("page_size", "20"), 20),
	}

	result, err := h.messagingFlow.ListContacts(h.createRequestContext(c, "/api/v1/messaging/contacts"), req)
	if err != nil {
		if businessflow.IsTenantIDRequired(err) {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Tenant ID is required", "MISSING_TENANT_ID", nil)
		}

		log.Println("List contacts failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list contacts", "LIST_CONTACTS_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Contacts retrieved successfully", result)
}

func (h *MessagingHandler) createRequestContext(c fiber.Ctx, endpoint string) context.Context {
	return createRequestContextWithTimeout(c, endpoint, 30*time.Second)
}

// createRequestContextWithTimeout builds the request-scoped context passed to
// business flows, carrying observability values for audit logging
func createRequestContextWithTimeout(c fiber.Ctx, endpoint string, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	ctx = context.WithValue(ctx, utils.RequestIDKey, c.Get("X-Request-ID"))
	ctx = context.WithValue(ctx, utils.UserAgentKey, c.Get("User-Agent"))
	ctx = context.WithValue(ctx, utils.IPAddressKey, c.IP())
	ctx = context.WithValue(ctx, utils.EndpointKey, endpoint)
	ctx = context.WithValue(ctx, utils.TimeoutKey, timeout)
	ctx = context.WithValue(ctx, utils.CancelFuncKey, cancel)

	return ctx
}

func parsePositiveInt(raw string, fallback int) int {
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return fallback
}
