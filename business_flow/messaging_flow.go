package businessflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/matriculaplus/messaging/app/dto"
	"github.com/matriculaplus/messaging/app/services"
	"github.com/matriculaplus/messaging/config"
	"github.com/matriculaplus/messaging/models"
	"github.com/matriculaplus/messaging/repository"
	"github.com/matriculaplus/messaging/utils"
	"github.com/redis/go-redis/v9"
)

// MessagingFlow defines operations for enqueuing messages and driving a
// tenant's gateway session
type MessagingFlow interface {
	EnqueueMessage(ctx context.Context, req *dto.SendMessageRequest, metadata *ClientMetadata) (*dto.SendMessageResponse, error)
	GetConnectionStatus(ctx context.Context, tenantID string) (*dto.ConnectionStatusResponse, error)
	ConnectTenant(ctx context.Context, tenantID string, metadata *ClientMetadata) (*dto.ConnectTenantResponse, error)
	DisconnectTenant(ctx context.Context, tenantID string, metadata *ClientMetadata) (*dto.DisconnectTenantResponse, error)
	ListMessages(ctx context.Context, req *dto.ListMessagesRequest) (*dto.ListMessagesResponse, error)
	ListContacts(ctx context.Context, req *dto.ListContactsRequest) (*dto.ListContactsResponse, error)
}

// MessagingFlowImpl implements MessagingFlow
type MessagingFlowImpl struct {
	registry      ConnectionRegistry
	gateway       services.GatewayClient
	instanceRepo  repository.TenantInstanceRepository
	contactRepo   repository.ContactRepository
	messageRepo   repository.MessageRepository
	rc            *redis.Client
	cacheConfig   *config.CacheConfig
	gatewayConfig *config.GatewayConfig
}

func NewMessagingFlow(
	registry ConnectionRegistry,
	gateway services.GatewayClient,
	instanceRepo repository.TenantInstanceRepository,
	contactRepo repository.ContactRepository,
	messageRepo repository.MessageRepository,
	rc *redis.Client,
	cacheConfig *config.CacheConfig,
	gatewayConfig *config.GatewayConfig,
) MessagingFlow {
	return &MessagingFlowImpl{
		registry:      registry,
		gateway:       gateway,
		instanceRepo:  instanceRepo,
		contactRepo:   contactRepo,
		messageRepo:   messageRepo,
		rc:            rc,
		cacheConfig:   cacheConfig,
		gatewayConfig: gatewayConfig,
	}
}

func redisKey(cfg config.CacheConfig, key string) string {
	prefix := strings.TrimSuffix(cfg.RedisPrefix, ":")
	if prefix != "" {
		return prefix + ":" + key
	}
	return key
}

func qrCodeCacheKey(cfg config.CacheConfig, tenantID string) string {
	return redisKey(cfg, "qrcode:"+tenantID)
}

// EnqueueMessage validates the request, persists a pending message and
// appends it to the tenant's in-memory queue. Delivery happens later; callers
// observe the outcome through the persisted message status. Once validation
// passes, queuing itself never fails: a persistence outage degrades to a
// queue-only message rather than a synchronous error.
func (f *MessagingFlowImpl) EnqueueMessage(ctx context.Context, req *dto.SendMessageRequest, metadata *ClientMetadata) (*dto.SendMessageResponse, error) {
	if req.TenantID == "" {
		return nil, ErrTenantIDRequired
	}
	phone := utils.NormalizePhone(req.Phone)
	if len(phone) < 8 {
		return nil, ErrPhoneInvalid
	}
	if req.Content == "" && req.MediaURL == nil {
		return nil, ErrContentRequired
	}

	queued := &QueuedMessage{
		Phone:   phone,
		Content: req.Content,
	}
	if req.MediaURL != nil {
		queued.MediaURL = *req.MediaURL
	}
	if req.MediaType != nil {
		queued.MediaType = *req.MediaType
	}
	if req.Caption != nil {
		queued.Caption = *req.Caption
	}

	now := utils.UTCNow()
	messageUUID := ""

	contact, err := f.contactRepo.GetOrCreate(ctx, req.TenantID, phone, nil)
	if err != nil {
		log.Printf("enqueue: get-or-create contact failed for tenant %s: %v", req.TenantID, err)
	} else {
		queued.ContactID = contact.ID

		msg := &models.Message{
			UUID:      uuid.New(),
			TenantID:  req.TenantID,
			ContactID: contact.ID,
			Direction: models.MessageDirectionOutbound,
			Phone:     phone,
			Content:   req.Content,
			MediaURL:  req.MediaURL,
			MediaType: req.MediaType,
			Caption:   req.Caption,
			Status:    models.MessageStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		token := uuid.New().String()
		msg.QueueToken = &token
		queued.Token = token

		if err := f.messageRepo.Save(ctx, msg); err != nil {
			log.Printf("enqueue: persist message failed for tenant %s: %v", req.TenantID, err)
		} else {
			queued.PersistedMessageID = &msg.ID
			messageUUID = msg.UUID.String()
		}
	}

	queueToken := f.registry.Enqueue(req.TenantID, queued)

	return &dto.SendMessageResponse{
		QueueToken:  queueToken,
		MessageUUID: messageUUID,
		Status:      string(models.MessageStatusPending),
		EnqueuedAt:  queued.EnqueuedAt,
	}, nil
}

// GetConnectionStatus reports the tenant's live session state. Tenants the
// registry has never seen fall back to the durable record, and finally to a
// "disconnected, empty queue" default so the endpoint stays idempotent
// against not-yet-initialized tenants.
func (f *MessagingFlowImpl) GetConnectionStatus(ctx context.Context, tenantID string) (*dto.ConnectionStatusResponse, error) {
	if tenantID == "" {
		return nil, ErrTenantIDRequired
	}

	if snap, ok := f.registry.Snapshot(tenantID); ok {
		return connectionStatusDTO(tenantID, snap), nil
	}

	instance, err := f.instanceRepo.ByTenantID(ctx, tenantID)
	if err != nil {
		log.Printf("status: load instance failed for tenant %s: %v", tenantID, err)
	}
	if instance == nil {
		return &dto.ConnectionStatusResponse{
			TenantID: tenantID,
			Status:   string(models.ConnectionStatusDisconnected),
		}, nil
	}

	resp := &dto.ConnectionStatusResponse{
		TenantID:  tenantID,
		Status:    string(instance.Status),
		LastError: instance.LastError,
	}
	resp.QRCode = f.cachedQRCode(ctx, tenantID, instance.QRCode)
	return resp, nil
}

// ConnectTenant provisions the gateway instance and starts the pairing
// handshake. The returned QR code (when present) is shown to the school so a
// phone can be linked; the connected state itself arrives via webhook.
func (f *MessagingFlowImpl) ConnectTenant(ctx context.Context, tenantID string, metadata *ClientMetadata) (*dto.ConnectTenantResponse, error) {
	if tenantID == "" {
		return nil, ErrTenantIDRequired
	}

	clientID := f.registry.ClientID(tenantID)

	instance, err := f.instanceRepo.ByTenantID(ctx, tenantID)
	if err != nil {
		log.Printf("connect: load instance failed for tenant %s: %v", tenantID, err)
	}
	events := []string(defaultWebhookEvents)
	if instance != nil && len(instance.WebhookEvents) > 0 {
		events = instance.WebhookEvents
	}

	if err := f.gateway.CreateInstance(ctx, clientID, f.webhookCallbackURL(tenantID), events); err != nil {
		// An instance that already exists on the gateway is fine; anything
		// else means the gateway is unreachable or rejecting us.
		if !isAlreadyExists(err) {
			f.recordGatewayFailure(ctx, tenantID, err)
			return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
	}

	if err := f.gateway.Connect(ctx, clientID); err != nil {
		f.recordGatewayFailure(ctx, tenantID, err)
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	qrCode, err := f.gateway.GetQRCode(ctx, clientID)
	if err != nil {
		log.Printf("connect: fetch QR code failed for tenant %s: %v", tenantID, err)
		qrCode = ""
	}

	var qrPtr *string
	if qrCode != "" {
		qrPtr = &qrCode
		f.cacheQRCode(ctx, tenantID, qrCode)
	}

	f.registry.SetStatus(tenantID, models.ConnectionStatusConnecting, qrPtr, nil)
	if err := f.instanceRepo.UpdateStatus(ctx, tenantID, models.ConnectionStatusConnecting, qrPtr, nil); err != nil {
		log.Printf("connect: persist instance status failed for tenant %s: %v", tenantID, err)
	}

	return &dto.ConnectTenantResponse{
		TenantID: tenantID,
		Status:   string(models.ConnectionStatusConnecting),
		QRCode:   qrPtr,
	}, nil
}

// DisconnectTenant logs the tenant out of the gateway and marks the session
// disconnected. Queued messages are kept; they resume after a reconnect.
func (f *MessagingFlowImpl) DisconnectTenant(ctx context.Context, tenantID string, metadata *ClientMetadata) (*dto.DisconnectTenantResponse, error) {
	if tenantID == "" {
		return nil, ErrTenantIDRequired
	}

	clientID := f.registry.ClientID(tenantID)
	if err := f.gateway.Disconnect(ctx, clientID); err != nil {
		log.Printf("disconnect: gateway logout failed for tenant %s: %v", tenantID, err)
	}

	f.registry.SetStatus(tenantID, models.ConnectionStatusDisconnected, nil, nil)
	if err := f.instanceRepo.UpdateStatus(ctx, tenantID, models.ConnectionStatusDisconnected, nil, nil); err != nil {
		log.Printf("disconnect: persist instance status failed for tenant %s: %v", tenantID, err)
	}
	f.dropCachedQRCode(ctx, tenantID)

	return &dto.DisconnectTenantResponse{
		TenantID: tenantID,
		Status:   string(models.ConnectionStatusDisconnected),
	}, nil
}

// ListMessages returns a page of the tenant's durable messages, newest first
func (f *MessagingFlowImpl) ListMessages(ctx context.Context, req *dto.ListMessagesRequest) (*dto.ListMessagesResponse, error) {
	if req.TenantID == "" {
		return nil, ErrTenantIDRequired
	}
	page, pageSize := normalizePage(req.Page, req.PageSize)

	filter := models.MessageFilter{TenantID: &req.TenantID}
	if req.Status != nil {
		status := models.MessageStatus(*req.Status)
		filter.Status = &status
	}

	total, err := f.messageRepo.Count(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	messages, err := f.messageRepo.ByFilter(ctx, filter, "created_at DESC", pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	out := make([]dto.MessageDTO, 0, len(messages))
	for _, m := range messages {
		out = append(out, dto.MessageDTO{
			UUID:        m.UUID.String(),
			Direction:   string(m.Direction),
			Phone:       m.Phone,
			Content:     m.Content,
			MediaURL:    m.MediaURL,
			Status:      string(m.Status),
			ExternalID:  m.ExternalID,
			Error:       m.ErrorMessage,
			SentAt:      m.SentAt,
			DeliveredAt: m.DeliveredAt,
			ReadAt:      m.ReadAt,
			CreatedAt:   m.CreatedAt,
		})
	}

	return &dto.ListMessagesResponse{
		Messages: out,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

// ListContacts returns a page of the tenant's contacts
func (f *MessagingFlowImpl) ListContacts(ctx context.Context, req *dto.ListContactsRequest) (*dto.ListContactsResponse, error) {
	if req.TenantID == "" {
		return nil, ErrTenantIDRequired
	}
	page, pageSize := normalizePage(req.Page, req.PageSize)

	filter := models.ContactFilter{TenantID: &req.TenantID}
	total, err := f.contactRepo.Count(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to count contacts: %w", err)
	}
	contacts, err := f.contactRepo.ListByTenant(ctx, req.TenantID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}

	out := make([]dto.ContactDTO, 0, len(contacts))
	for _, c := range contacts {
		out = append(out, dto.ContactDTO{
			Phone:     c.Phone,
			Name:      c.Name,
			CreatedAt: c.CreatedAt,
		})
	}

	return &dto.ListContactsResponse{
		Contacts: out,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

// webhookCallbackURL is where the gateway delivers this tenant's events.
// Empty when no public base URL is configured; the gateway then keeps
// whatever webhook it already has.
func (f *MessagingFlowImpl) webhookCallbackURL(tenantID string) string {
	if f.gatewayConfig == nil || f.gatewayConfig.WebhookBaseURL == "" {
		return ""
	}
	return strings.TrimSuffix(f.gatewayConfig.WebhookBaseURL, "/") + "/api/v1/webhook/" + tenantID
}

func (f *MessagingFlowImpl) recordGatewayFailure(ctx context.Context, tenantID string, err error) {
	errMsg := err.Error()
	f.registry.SetStatus(tenantID, models.ConnectionStatusError, nil, &errMsg)
	if perr := f.instanceRepo.UpdateStatus(ctx, tenantID, models.ConnectionStatusError, nil, &errMsg); perr != nil {
		log.Printf("connect: persist error status failed for tenant %s: %v", tenantID, perr)
	}
}

func (f *MessagingFlowImpl) cacheQRCode(ctx context.Context, tenantID, qrCode string) {
	if f.rc == nil || f.cacheConfig == nil || !f.cacheConfig.Enabled {
		return
	}
	key := qrCodeCacheKey(*f.cacheConfig, tenantID)
	if err := f.rc.Set(ctx, key, qrCode, f.cacheConfig.QRCodeTTL).Err(); err != nil {
		log.Printf("cache: store QR code failed for tenant %s: %v", tenantID, err)
	}
}

func (f *MessagingFlowImpl) cachedQRCode(ctx context.Context, tenantID string, fallback *string) *string {
	if f.rc != nil && f.cacheConfig != nil && f.cacheConfig.Enabled {
		key := qrCodeCacheKey(*f.cacheConfig, tenantID)
		if val, err := f.rc.Get(ctx, key).Result(); err == nil && val != "" {
			return &val
		}
	}
	return fallback
}

func (f *MessagingFlowImpl) dropCachedQRCode(ctx context.Context, tenantID string) {
	if f.rc == nil || f.cacheConfig == nil || !f.cacheConfig.Enabled {
		return
	}
	key := qrCodeCacheKey(*f.cacheConfig, tenantID)
	if err := f.rc.Del(ctx, key).Err(); err != nil {
		log.Printf("cache: drop QR code failed for tenant %s: %v", tenantID, err)
	}
}

func connectionStatusDTO(tenantID string, snap ConnectionSnapshot) *dto.ConnectionStatusResponse {
	resp := &dto.ConnectionStatusResponse{
		TenantID: tenantID,
		Status:   string(snap.Status),
		QueueStats: dto.QueueStatsDTO{
			PendingCount:  snap.Stats.PendingCount,
			RetryingCount: snap.Stats.RetryingCount,
		},
	}
	if snap.QRCode != "" {
		resp.QRCode = &snap.QRCode
	}
	if snap.LastError != "" {
		resp.LastError = &snap.LastError
	}
	return resp
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	return page, pageSize
}

// isAlreadyExists matches the gateway's rejection of a duplicate instance key
func isAlreadyExists(err error) bool {
	var gwErr *services.GatewayError
	if !errors.As(err, &gwErr) {
		return false
	}
	return gwErr.StatusCode == 403 || gwErr.StatusCode == 409
}
