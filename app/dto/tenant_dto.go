package dto

import (
	"time"
)

// RegisterTenantRequest represents the request to provision a tenant's
// messaging instance
type RegisterTenantRequest struct {
	TenantID string `json:"tenant_id" validate:"required,min=3,max=64,alphanum_dash"`
	Name     string `json:"name,omitempty" validate:"omitempty,max=255"`
}

// RegisterTenantResponse represents the response to a tenant registration.
// APISecret is returned exactly once; only its hash is stored.
type RegisterTenantResponse struct {
	TenantID  string    `json:"tenant_id"`
	ClientID  string    `json:"client_id"`
	APISecret string    `json:"api_secret"`
	CreatedAt time.Time `json:"created_at"`
}

// IssueTokenRequest represents the request to exchange a tenant API secret
// for a management access token
type IssueTokenRequest struct {
	TenantID  string `json:"tenant_id" validate:"required,min=3,max=64"`
	APISecret string `json:"api_secret" validate:"required,min=16"`
}

// IssueTokenResponse represents the response carrying a tenant-scoped token
type IssueTokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}
