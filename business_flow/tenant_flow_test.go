package businessflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/matriculaplus/messaging/app/dto"
	"github.com/matriculaplus/messaging/app/services"
	"github.com/matriculaplus/messaging/models"
)

func newTestTenantFlow(t *testing.T) (TenantFlow, *memInstanceRepo, services.TokenService) {
	t.Helper()

	instanceRepo := newMemInstanceRepo()
	registry := NewConnectionRegistry("matricula_", 3)

	tokenService, err := services.NewTokenService(
		time.Hour,
		"matriculaplus-messaging",
		"matriculaplus-api",
		"test-secret-key-0123456789abcdef",
	)
	require.NoError(t, err)

	flow := NewTenantFlow(instanceRepo, registry, tokenService, bcrypt.MinCost, time.Hour)
	return flow, instanceRepo, tokenService
}

func TestRegisterTenant(t *testing.T) {
	ctx := context.Background()
	metadata := NewClientMetadata("127.0.0.1", "test-agent")

	t.Run("RegistersAndReturnsSecretOnce", func(t *testing.T) {
		flow, instanceRepo, _ := newTestTenantFlow(t)

		result, err := flow.RegisterTenant(ctx, &dto.RegisterTenantRequest{TenantID: "school-alpha"}, metadata)
		require.NoError(t, err)

		assert.Equal(t, "school-alpha", result.TenantID)
		assert.Equal(t, "matricula_school-alpha", result.ClientID)
		assert.Len(t, result.APISecret, 64)

		stored, err := instanceRepo.ByTenantID(ctx, "school-alpha")
		require.NoError(t, err)
		require.NotNil(t, stored)
		assert.Equal(t, models.ConnectionStatusDisconnected, stored.Status)

		// The gateway subscription set is seeded at registration so Connect
		// can register webhook delivery for it
		assert.ElementsMatch(t, []string(defaultWebhookEvents), []string(stored.WebhookEvents))

		// Only the hash is persisted, and it verifies against the secret
		require.NotNil(t, stored.APISecretHash)
		assert.NotEqual(t, result.APISecret, *stored.APISecretHash)
		err = bcrypt.CompareHashAndPassword([]byte(*stored.APISecretHash), []byte(result.APISecret))
		assert.NoError(t, err)
	})

	t.Run("RejectsDuplicateRegistration", func(t *testing.T) {
		flow, _, _ := newTestTenantFlow(t)

		_, err := flow.RegisterTenant(ctx, &dto.RegisterTenantRequest{TenantID: "school-beta"}, metadata)
		require.NoError(t, err)

		_, err = flow.RegisterTenant(ctx, &dto.RegisterTenantRequest{TenantID: "school-beta"}, metadata)
		require.Error(t, err)
		assert.True(t, IsTenantAlreadyRegistered(err))
	})

	t.Run("RejectsEmptyTenantID", func(t *testing.T) {
		flow, _, _ := newTestTenantFlow(t)

		_, err := flow.RegisterTenant(ctx, &dto.RegisterTenantRequest{}, metadata)
		assert.ErrorIs(t, err, ErrTenantIDRequired)
	})

	t.Run("SecretsDifferPerTenant", func(t *testing.T) {
		flow, _, _ := newTestTenantFlow(t)

		first, err := flow.RegisterTenant(ctx, &dto.RegisterTenantRequest{TenantID: "school-gamma"}, metadata)
		require.NoError(t, err)
		second, err := flow.RegisterTenant(ctx, &dto.RegisterTenantRequest{TenantID: "school-delta"}, metadata)
		require.NoError(t, err)

		assert.NotEqual(t, first.APISecret, second.APISecret)
	})
}

func TestIssueToken(t *testing.T) {
	ctx := context.Background()
	metadata := NewClientMetadata("127.0.0.1", "test-agent")

	t.Run("IssuesTenantScopedToken", func(t *testing.T) {
		flow, _, tokenService := newTestTenantFlow(t)

		registered, err := flow.RegisterTenant(ctx, &dto.RegisterTenantRequest{TenantID: "school-alpha"}, metadata)
		require.NoError(t, err)

		result, err := flow.IssueToken(ctx, &dto.IssueTokenRequest{
			TenantID:  "school-alpha",
			APISecret: registered.APISecret,
		}, metadata)
		require.NoError(t, err)

		assert.Equal(t, "Bearer", result.TokenType)
		assert.True(t, result.ExpiresAt.After(time.Now()))

		claims, err := tokenService.ValidateToken(result.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "school-alpha", claims.TenantID)
	})

	t.Run("RejectsWrongSecret", func(t *testing.T) {
		flow, _, _ := newTestTenantFlow(t)

		_, err := flow.RegisterTenant(ctx, &dto.RegisterTenantRequest{TenantID: "school-beta"}, metadata)
		require.NoError(t, err)

		_, err = flow.IssueToken(ctx, &dto.IssueTokenRequest{
			TenantID:  "school-beta",
			APISecret: "wrong-secret",
		}, metadata)
		require.Error(t, err)
		assert.True(t, IsInvalidAPISecret(err))
	})

	t.Run("UnknownTenantFailsLikeWrongSecret", func(t *testing.T) {
		flow, _, _ := newTestTenantFlow(t)

		_, err := flow.IssueToken(ctx, &dto.IssueTokenRequest{
			TenantID:  "never-registered",
			APISecret: "anything",
		}, metadata)
		require.Error(t, err)
		assert.True(t, IsInvalidAPISecret(err))
	})

	t.Run("TenantWithoutStoredHashIsRejected", func(t *testing.T) {
		flow, instanceRepo, _ := newTestTenantFlow(t)

		// Instance provisioned out of band, without an API secret
		err := instanceRepo.Save(ctx, &models.TenantInstance{
			TenantID: "school-legacy",
			ClientID: "matricula_school-legacy",
			Status:   models.ConnectionStatusDisconnected,
		})
		require.NoError(t, err)

		_, err = flow.IssueToken(ctx, &dto.IssueTokenRequest{
			TenantID:  "school-legacy",
			APISecret: "anything",
		}, metadata)
		require.Error(t, err)
		assert.True(t, IsInvalidAPISecret(err))
	})
}
