// Package handlers contains HTTP request handlers and presentation layer logic for the API endpoints
package handlers

import (
	"crypto/subtle"
	"log"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/matriculaplus/messaging/app/dto"
	businessflow "github.com/matriculaplus/messaging/business_flow"
)

// TenantHandlerInterface defines the contract for tenant management handlers
type TenantHandlerInterface interface {
	RegisterTenant(c fiber.Ctx) error
	IssueToken(c fiber.Ctx) error
}

// TenantHandler handles tenant provisioning and token issuance. Registration
// is guarded by the platform provisioning key; token issuance is guarded by
// the per-tenant API secret.
type TenantHandler struct {
	tenantFlow   businessflow.TenantFlow
	provisionKey string
	validator    *validator.Validate
}

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// NewTenantHandler creates a new tenant handler
func NewTenantHandler(tenantFlow businessflow.TenantFlow, provisionKey string) *TenantHandler {
	handler := &TenantHandler{
		tenantFlow:   tenantFlow,
		provisionKey: provisionKey,
		validator:    validator.New(),
	}

	handler.setupCustomValidations()

	return handler
}

func (h *TenantHandler) setupCustomValidations() {
	_ = h.validator.RegisterValidation("alphanum_dash", func(fl validator.FieldLevel) bool {
		return tenantIDPattern.MatchString(fl.Field().String())
	})
}

func (h *TenantHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *TenantHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// RegisterTenant provisions a school's messaging instance. The returned API
// secret is shown exactly once; only its hash is stored. Disabled entirely
// when no provisioning key is configured.
func (h *TenantHandler) RegisterTenant(c fiber.Ctx) error {
	if h.provisionKey == "" {
		return h.ErrorResponse(c, fiber.StatusForbidden, "Tenant registration is disabled", "REGISTRATION_DISABLED", nil)
	}
	presented := c.Get("X-Provision-Key")
	if subtle.ConstantTimeCompare([]byte(presented), []byte(h.provisionKey)) != 1 {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid provisioning key", "INVALID_PROVISION_KEY", nil)
	}

	var req dto.RegisterTenantRequest
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

	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))

	result, err := h.tenantFlow.RegisterTenant(createRequestContextWithTimeout(c, "/api/v1/tenants", 30*time.Second), &req, metadata)
	if err != nil {
		if businessflow.IsTenantAlreadyRegistered(err) {
			return h.ErrorResponse(c, fiber.StatusConflict, "Tenant is already registered", "TENANT_ALREADY_REGISTERED", nil)
		}

		log.Println("Tenant registration failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to register tenant", "REGISTRATION_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusCreated, "Tenant registered successfully", result)
}

// IssueToken exchanges a tenant API secret for a tenant-scoped access token
func (h *TenantHandler) IssueToken(c fiber.Ctx) error {
	var req dto.IssueTokenRequest
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

	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))

	result, err := h.tenantFlow.IssueToken(createRequestContextWithTimeout(c, "/api/v1/auth/token", 30*time.Second), &req, metadata)
	if err != nil {
		if businessflow.IsInvalidAPISecret(err) {
			return h.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid tenant credentials", "INVALID_CREDENTIALS", nil)
		}

		log.Println("Token issuance failed", err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to issue token", "TOKEN_ISSUANCE_FAILED", nil)
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Token issued successfully", result)
}
