// Package services provides external service integrations and technical concerns like notifications and tokens
package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestTokenService creates a token service for testing
func createTestTokenService() (TokenService, error) {
	return NewTokenService(
		15*time.Minute,
		"test-issuer",
		"test-audience",
		"test-secret-key-for-jwt-signing-32-chars",
	)
}

func TestNewTokenService(t *testing.T) {
	tests := []struct {
		name        string
		ttl         time.Duration
		issuer      string
		audience    string
		secretKey   string
		expectError bool
	}{
		{
			name:        "valid configuration",
			ttl:         15 * time.Minute,
			issuer:      "test-issuer",
			audience:    "test-audience",
			secretKey:   "test-secret-key-for-jwt-signing-32-chars",
			expectError: false,
		},
		{
			name:        "missing secret key",
			ttl:         15 * time.Minute,
			issuer:      "test-issuer",
			audience:    "test-audience",
			secretKey:   "",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, err := NewTokenService(tt.ttl, tt.issuer, tt.audience, tt.secretKey)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, service)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, service)
			}
		})
	}
}

func TestGenerateAndValidateToken(t *testing.T) {
	service, err := createTestTokenService()
	require.NoError(t, err)

	token, err := service.GenerateToken("school-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := service.ValidateToken(token)
	require.NoError(t, err)
	require.NotNil(t, claims)
	assert.Equal(t, "school-1", claims.TenantID)
	assert.NotEmpty(t, claims.TokenID)
	assert.True(t, claims.ExpiresAt.After(claims.IssuedAt))
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	service, err := createTestTokenService()
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "empty token", token: ""},
		{name: "not a JWT", token: "not-a-token"},
		{name: "wrong signature", token: "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.eyJ0ZW5hbnRfaWQiOiJ4In0.invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := service.ValidateToken(tt.token)
			assert.ErrorIs(t, err, ErrTokenInvalid)
			assert.Nil(t, claims)
		})
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	service, err := NewTokenService(
		-1*time.Minute, // already expired on issue
		"test-issuer",
		"test-audience",
		"test-secret-key-for-jwt-signing-32-chars",
	)
	require.NoError(t, err)

	token, err := service.GenerateToken("school-1")
	require.NoError(t, err)

	claims, err := service.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.Nil(t, claims)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	issuing, err := createTestTokenService()
	require.NoError(t, err)
	validating, err := NewTokenService(
		15*time.Minute,
		"test-issuer",
		"test-audience",
		"a-completely-different-secret-key-here",
	)
	require.NoError(t, err)

	token, err := issuing.GenerateToken("school-1")
	require.NoError(t, err)

	claims, err := validating.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	assert.Nil(t, claims)
}

func TestRevokeToken(t *testing.T) {
	service, err := createTestTokenService()
	require.NoError(t, err)

	token, err := service.GenerateToken("school-1")
	require.NoError(t, err)

	claims, err := service.ValidateToken(token)
	require.NoError(t, err)
	assert.False(t, service.IsTokenRevoked(claims.TokenID))

	require.NoError(t, service.RevokeToken(token))
	assert.True(t, service.IsTokenRevoked(claims.TokenID))

	_, err = service.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}
