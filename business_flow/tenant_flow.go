package businessflow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/matriculaplus/messaging/app/dto"
	"github.com/matriculaplus/messaging/app/services"
	"github.com/matriculaplus/messaging/models"
	"github.com/matriculaplus/messaging/repository"
	"github.com/matriculaplus/messaging/utils"
)

// defaultWebhookEvents is the subscription set registered with the gateway
// when an instance is provisioned. It covers everything the webhook flow
// handles.
var defaultWebhookEvents = pq.StringArray{
	"connection.update",
	"qrcode.updated",
	"messages.upsert",
	"message.status.update",
}

// TenantFlow provisions tenant messaging instances and exchanges tenant API
// secrets for management tokens. The API secret is generated once at
// registration; only its bcrypt hash is stored.
type TenantFlow interface {
	RegisterTenant(ctx context.Context, req *dto.RegisterTenantRequest, metadata *ClientMetadata) (*dto.RegisterTenantResponse, error)
	IssueToken(ctx context.Context, req *dto.IssueTokenRequest, metadata *ClientMetadata) (*dto.IssueTokenResponse, error)
}

// TenantFlowImpl implements TenantFlow
type TenantFlowImpl struct {
	instanceRepo repository.TenantInstanceRepository
	registry     ConnectionRegistry
	tokenService services.TokenService
	bcryptCost   int
	tokenTTL     time.Duration
}

func NewTenantFlow(
	instanceRepo repository.TenantInstanceRepository,
	registry ConnectionRegistry,
	tokenService services.TokenService,
	bcryptCost int,
	tokenTTL time.Duration,
) TenantFlow {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &TenantFlowImpl{
		instanceRepo: instanceRepo,
		registry:     registry,
		tokenService: tokenService,
		bcryptCost:   bcryptCost,
		tokenTTL:     tokenTTL,
	}
}

// RegisterTenant creates the durable instance record for a school and returns
// the generated API secret. Re-registering an existing tenant fails; rotating
// a lost secret is an operator task, not an API call.
func (f *TenantFlowImpl) RegisterTenant(ctx context.Context, req *dto.RegisterTenantRequest, metadata *ClientMetadata) (*dto.RegisterTenantResponse, error) {
	if req.TenantID == "" {
		return nil, ErrTenantIDRequired
	}

	existing, err := f.instanceRepo.ByTenantID(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing tenant: %w", err)
	}
	if existing != nil {
		return nil, ErrTenantAlreadyRegistered
	}

	secret, err := generateAPISecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate API secret: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), f.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash API secret: %w", err)
	}
	hashStr := string(hash)

	now := utils.UTCNow()
	instance := &models.TenantInstance{
		TenantID:      req.TenantID,
		ClientID:      f.registry.ClientID(req.TenantID),
		Status:        models.ConnectionStatusDisconnected,
		APISecretHash: &hashStr,
		WebhookEvents: defaultWebhookEvents,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := f.instanceRepo.Save(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to save tenant instance: %w", err)
	}

	log.Printf("tenant: registered %s (client %s, ip %s)", req.TenantID, instance.ClientID, metadata.IPAddress)

	return &dto.RegisterTenantResponse{
		TenantID:  instance.TenantID,
		ClientID:  instance.ClientID,
		APISecret: secret,
		CreatedAt: instance.CreatedAt,
	}, nil
}

// IssueToken verifies the tenant's API secret against the stored bcrypt hash
// and returns a tenant-scoped access token. Unknown tenants and wrong secrets
// fail identically so callers cannot probe for registered tenant IDs.
func (f *TenantFlowImpl) IssueToken(ctx context.Context, req *dto.IssueTokenRequest, metadata *ClientMetadata) (*dto.IssueTokenResponse, error) {
	if req.TenantID == "" {
		return nil, ErrTenantIDRequired
	}

	instance, err := f.instanceRepo.ByTenantID(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant instance: %w", err)
	}
	if instance == nil || instance.APISecretHash == nil {
		return nil, ErrInvalidAPISecret
	}

	if err := bcrypt.CompareHashAndPassword([]byte(*instance.APISecretHash), []byte(req.APISecret)); err != nil {
		log.Printf("tenant: rejected token request for %s (ip %s)", req.TenantID, metadata.IPAddress)
		return nil, ErrInvalidAPISecret
	}

	token, err := f.tokenService.GenerateToken(req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	return &dto.IssueTokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   utils.UTCNow().Add(f.tokenTTL),
	}, nil
}

func generateAPISecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
