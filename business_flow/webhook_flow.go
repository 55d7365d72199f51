package businessflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matriculaplus/messaging/app/dto"
	"github.com/matriculaplus/messaging/config"
	"github.com/matriculaplus/messaging/models"
	"github.com/matriculaplus/messaging/repository"
	"github.com/matriculaplus/messaging/utils"
	"github.com/redis/go-redis/v9"
)

// WebhookFlow processes inbound gateway events. Errors it returns are for
// logging only; the webhook endpoint acknowledges every delivery regardless,
// so each handler must tolerate being invoked more than once with the same
// payload.
type WebhookFlow interface {
	ProcessEvent(ctx context.Context, tenantID string, payload *dto.WebhookPayload) error
}

// WebhookFlowImpl implements WebhookFlow
type WebhookFlowImpl struct {
	registry       ConnectionRegistry
	instanceRepo   repository.TenantInstanceRepository
	contactRepo    repository.ContactRepository
	messageRepo    repository.MessageRepository
	rc             *redis.Client
	cacheConfig    *config.CacheConfig
	clientIDPrefix string
}

func NewWebhookFlow(
	registry ConnectionRegistry,
	instanceRepo repository.TenantInstanceRepository,
	contactRepo repository.ContactRepository,
	messageRepo repository.MessageRepository,
	rc *redis.Client,
	cacheConfig *config.CacheConfig,
	clientIDPrefix string,
) WebhookFlow {
	return &WebhookFlowImpl{
		registry:       registry,
		instanceRepo:   instanceRepo,
		contactRepo:    contactRepo,
		messageRepo:    messageRepo,
		rc:             rc,
		cacheConfig:    cacheConfig,
		clientIDPrefix: clientIDPrefix,
	}
}

// Gateway event types. Both the dotted and legacy uppercase spellings occur
// in the wild depending on the gateway version.
const (
	eventConnectionUpdate = "connection.update"
	eventQRCodeUpdated    = "qrcode.updated"
	eventMessagesUpsert   = "messages.upsert"
	eventMessagesUpdate   = "messages.update"
	eventMessageStatus    = "message.status.update"
)

// normalizedEvent is the strongly-typed form of a raw gateway payload. All
// state-machine logic runs against this, never against the raw JSON.
type normalizedEvent struct {
	Type       string
	State      string
	QRCode     string
	LastError  string
	ExternalID string
	Status     models.MessageStatus
	Inbound    *inboundMessage
}

// inboundMessage is a message received from a contact's phone
type inboundMessage struct {
	ExternalID string
	FromMe     bool
	Phone      string
	PushName   string
	Content    string
	MediaURL   string
	MediaType  string
	Caption    string
	ReceivedAt time.Time
}

// ProcessEvent resolves the tenant, normalizes the payload and dispatches to
// the matching handler. Unknown event types are logged and dropped.
func (f *WebhookFlowImpl) ProcessEvent(ctx context.Context, tenantID string, payload *dto.WebhookPayload) error {
	if payload == nil || payload.Event == "" {
		return ErrWebhookPayloadInvalid
	}

	if tenantID == "" {
		tenantID = f.tenantFromInstanceKey(payload.Instance)
	}
	if tenantID == "" {
		return fmt.Errorf("%w: no tenant in path or instance key", ErrWebhookPayloadInvalid)
	}

	event, err := normalizeEvent(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWebhookPayloadInvalid, err)
	}

	switch event.Type {
	case eventConnectionUpdate:
		return f.handleConnectionUpdate(ctx, tenantID, event)
	case eventQRCodeUpdated:
		return f.handleQRCodeUpdated(ctx, tenantID, event)
	case eventMessagesUpsert:
		return f.handleInboundMessage(ctx, tenantID, event)
	case eventMessageStatus:
		return f.handleStatusUpdate(ctx, tenantID, event)
	default:
		log.Printf("webhook: ignoring unknown event %q for tenant %s", payload.Event, tenantID)
		return nil
	}
}

func (f *WebhookFlowImpl) tenantFromInstanceKey(instance *dto.WebhookInstance) string {
	if instance == nil {
		return ""
	}
	return strings.TrimPrefix(instance.Key, f.clientIDPrefix)
}

// handleConnectionUpdate moves the tenant's session through the connection
// state machine. Re-applying the current state is a no-op; only real
// transitions touch the durable record.
func (f *WebhookFlowImpl) handleConnectionUpdate(ctx context.Context, tenantID string, event *normalizedEvent) error {
	status, ok := connectionStatusFrom(event.State)
	if !ok {
		log.Printf("webhook: ignoring connection state %q for tenant %s", event.State, tenantID)
		return nil
	}

	var qrPtr, errPtr *string
	if status == models.ConnectionStatusConnecting && event.QRCode != "" {
		qrPtr = &event.QRCode
	}
	if event.LastError != "" {
		errPtr = &event.LastError
	}

	previous, changed := f.registry.SetStatus(tenantID, status, qrPtr, errPtr)
	if !changed && qrPtr == nil {
		return nil
	}
	if changed {
		log.Printf("webhook: tenant %s connection %s -> %s", tenantID, previous, status)
	}

	if qrPtr != nil {
		f.cacheQR(ctx, tenantID, *qrPtr)
	}
	if status == models.ConnectionStatusConnected || status == models.ConnectionStatusDisconnected {
		f.dropQR(ctx, tenantID)
	}

	if err := f.instanceRepo.UpdateStatus(ctx, tenantID, status, qrPtr, errPtr); err != nil {
		return fmt.Errorf("failed to persist connection status: %w", err)
	}
	return nil
}

// handleQRCodeUpdated refreshes the pairing QR code while the session is
// still connecting. A stale QR frame can trail the connected event; once the
// session is connected, pairing is over and the frame is dropped.
func (f *WebhookFlowImpl) handleQRCodeUpdated(ctx context.Context, tenantID string, event *normalizedEvent) error {
	if event.QRCode == "" {
		return nil
	}
	if snap, ok := f.registry.Snapshot(tenantID); ok && snap.Status == models.ConnectionStatusConnected {
		return nil
	}
	f.registry.SetStatus(tenantID, models.ConnectionStatusConnecting, &event.QRCode, nil)
	f.cacheQR(ctx, tenantID, event.QRCode)
	if err := f.instanceRepo.UpdateStatus(ctx, tenantID, models.ConnectionStatusConnecting, &event.QRCode, nil); err != nil {
		return fmt.Errorf("failed to persist QR code: %w", err)
	}
	return nil
}

// handleInboundMessage persists a message received from a contact. Echoes of
// our own sends (fromMe) are dropped; duplicates are filtered first by the
// redis de-dup key and ultimately by the unique (tenant_id, external_id)
// constraint.
func (f *WebhookFlowImpl) handleInboundMessage(ctx context.Context, tenantID string, event *normalizedEvent) error {
	in := event.Inbound
	if in == nil {
		return nil
	}
	if in.FromMe {
		return nil
	}
	if in.Phone == "" {
		return fmt.Errorf("%w: inbound message without sender phone", ErrWebhookPayloadInvalid)
	}

	if in.ExternalID != "" && f.alreadySeen(ctx, tenantID, in.ExternalID) {
		return nil
	}

	if in.ExternalID != "" {
		existing, err := f.messageRepo.ByExternalID(ctx, tenantID, in.ExternalID)
		if err != nil {
			return fmt.Errorf("failed to check inbound duplicate: %w", err)
		}
		if existing != nil {
			return nil
		}
	}

	var name *string
	if in.PushName != "" {
		name = &in.PushName
	}
	contact, err := f.contactRepo.GetOrCreate(ctx, tenantID, in.Phone, name)
	if err != nil {
		return fmt.Errorf("failed to get or create contact: %w", err)
	}

	now := utils.UTCNow()
	msg := &models.Message{
		UUID:      uuid.New(),
		TenantID:  tenantID,
		ContactID: contact.ID,
		Direction: models.MessageDirectionInbound,
		Phone:     in.Phone,
		Content:   in.Content,
		Status:    models.MessageStatusReceived,
		CreatedAt: in.ReceivedAt,
		UpdatedAt: now,
	}
	if in.ExternalID != "" {
		msg.ExternalID = &in.ExternalID
	}
	if in.MediaURL != "" {
		msg.MediaURL = &in.MediaURL
	}
	if in.MediaType != "" {
		msg.MediaType = &in.MediaType
	}
	if in.Caption != "" {
		msg.Caption = &in.Caption
	}

	if err := f.messageRepo.Save(ctx, msg); err != nil {
		// A race with a redelivered webhook loses to the unique constraint;
		// that is the de-dup working, not a failure.
		if isDuplicateKey(err) {
			return nil
		}
		return fmt.Errorf("failed to persist inbound message: %w", err)
	}
	return nil
}

// handleStatusUpdate advances a persisted message along the delivery ladder.
// Unknown external IDs are dropped silently; regressions and duplicates are
// no-ops.
func (f *WebhookFlowImpl) handleStatusUpdate(ctx context.Context, tenantID string, event *normalizedEvent) error {
	if event.ExternalID == "" || event.Status == "" {
		return nil
	}

	msg, err := f.messageRepo.ByExternalID(ctx, tenantID, event.ExternalID)
	if err != nil {
		return fmt.Errorf("failed to load message for status update: %w", err)
	}
	if msg == nil {
		// Out-of-order or duplicate delivery for a message we never tracked
		return nil
	}

	if !msg.Status.Advances(event.Status) {
		return nil
	}

	if err := f.messageRepo.AdvanceStatus(ctx, msg.ID, event.Status, utils.UTCNow()); err != nil {
		return fmt.Errorf("failed to advance message status: %w", err)
	}
	return nil
}

// alreadySeen marks the external ID in redis and reports whether it was
// already there. Cache outages degrade to the database constraint.
func (f *WebhookFlowImpl) alreadySeen(ctx context.Context, tenantID, externalID string) bool {
	if f.rc == nil || f.cacheConfig == nil || !f.cacheConfig.Enabled {
		return false
	}
	key := redisKey(*f.cacheConfig, "dedup:"+tenantID+":"+externalID)
	set, err := f.rc.SetNX(ctx, key, 1, f.cacheConfig.DedupTTL).Result()
	if err != nil {
		log.Printf("webhook: de-dup check failed for tenant %s: %v", tenantID, err)
		return false
	}
	return !set
}

func (f *WebhookFlowImpl) cacheQR(ctx context.Context, tenantID, qrCode string) {
	if f.rc == nil || f.cacheConfig == nil || !f.cacheConfig.Enabled {
		return
	}
	key := qrCodeCacheKey(*f.cacheConfig, tenantID)
	if err := f.rc.Set(ctx, key, qrCode, f.cacheConfig.QRCodeTTL).Err(); err != nil {
		log.Printf("webhook: cache QR code failed for tenant %s: %v", tenantID, err)
	}
}

func (f *WebhookFlowImpl) dropQR(ctx context.Context, tenantID string) {
	if f.rc == nil || f.cacheConfig == nil || !f.cacheConfig.Enabled {
		return
	}
	key := qrCodeCacheKey(*f.cacheConfig, tenantID)
	if err := f.rc.Del(ctx, key).Err(); err != nil {
		log.Printf("webhook: drop QR code failed for tenant %s: %v", tenantID, err)
	}
}

// --- payload normalization ---

type connectionUpdateData struct {
	State  string `json:"state"`
	Status string `json:"status"`
	QRCode string `json:"qrcode"`
	Base64 string `json:"base64"`
	Error  string `json:"error"`
}

type qrCodeData struct {
	QRCode struct {
		Code   string `json:"code"`
		Base64 string `json:"base64"`
	} `json:"qrcode"`
	Code   string `json:"code"`
	Base64 string `json:"base64"`
}

type messageKeyData struct {
	ID        string `json:"id"`
	FromMe    bool   `json:"fromMe"`
	RemoteJID string `json:"remoteJid"`
}

type upsertData struct {
	Key              messageKeyData `json:"key"`
	PushName         string         `json:"pushName"`
	From             string         `json:"from"`
	Sender           string         `json:"sender"`
	Phone            string         `json:"phone"`
	MessageTimestamp int64          `json:"messageTimestamp"`
	Message          struct {
		Conversation        string `json:"conversation"`
		ExtendedTextMessage struct {
			Text string `json:"text"`
		} `json:"extendedTextMessage"`
		ImageMessage    mediaMessageData `json:"imageMessage"`
		VideoMessage    mediaMessageData `json:"videoMessage"`
		AudioMessage    mediaMessageData `json:"audioMessage"`
		DocumentMessage mediaMessageData `json:"documentMessage"`
	} `json:"message"`
}

type mediaMessageData struct {
	URL      string `json:"url"`
	Mimetype string `json:"mimetype"`
	Caption  string `json:"caption"`
}

type statusUpdateData struct {
	Key    messageKeyData `json:"key"`
	ID     string         `json:"id"`
	Status string         `json:"status"`
}

// normalizeEvent turns the loosely-typed gateway payload into a
// normalizedEvent. Field names vary across gateway versions (from/sender/
// phone for the same concept), so every known spelling is inspected here and
// nowhere else.
func normalizeEvent(payload *dto.WebhookPayload) (*normalizedEvent, error) {
	eventType := strings.ToLower(strings.ReplaceAll(payload.Event, "_", "."))

	switch eventType {
	case eventConnectionUpdate, "connection.status":
		var data connectionUpdateData
		if err := unmarshalData(payload.Data, &data); err != nil {
			return nil, err
		}
		state := data.State
		if state == "" {
			state = data.Status
		}
		qr := data.Base64
		if qr == "" {
			qr = data.QRCode
		}
		return &normalizedEvent{
			Type:      eventConnectionUpdate,
			State:     strings.ToLower(state),
			QRCode:    qr,
			LastError: data.Error,
		}, nil

	case eventQRCodeUpdated:
		var data qrCodeData
		if err := unmarshalData(payload.Data, &data); err != nil {
			return nil, err
		}
		qr := data.QRCode.Base64
		for _, candidate := range []string{data.QRCode.Code, data.Base64, data.Code} {
			if qr != "" {
				break
			}
			qr = candidate
		}
		return &normalizedEvent{Type: eventQRCodeUpdated, QRCode: qr}, nil

	case eventMessagesUpsert:
		var data upsertData
		if err := unmarshalData(payload.Data, &data); err != nil {
			return nil, err
		}
		return &normalizedEvent{
			Type:    eventMessagesUpsert,
			Inbound: normalizeInbound(data),
		}, nil

	case eventMessagesUpdate, eventMessageStatus:
		var data statusUpdateData
		if err := unmarshalData(payload.Data, &data); err != nil {
			return nil, err
		}
		externalID := data.Key.ID
		if externalID == "" {
			externalID = data.ID
		}
		status, _ := messageStatusFrom(data.Status)
		return &normalizedEvent{
			Type:       eventMessageStatus,
			ExternalID: externalID,
			Status:     status,
		}, nil

	default:
		return &normalizedEvent{Type: eventType}, nil
	}
}

func unmarshalData(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func normalizeInbound(data upsertData) *inboundMessage {
	sender := data.Key.RemoteJID
	for _, candidate := range []string{data.From, data.Sender, data.Phone} {
		if sender != "" {
			break
		}
		sender = candidate
	}

	in := &inboundMessage{
		ExternalID: data.Key.ID,
		FromMe:     data.Key.FromMe,
		Phone:      utils.NormalizePhone(utils.PhoneFromJID(sender)),
		PushName:   data.PushName,
		ReceivedAt: utils.FromUnixMillis(data.MessageTimestamp),
	}

	msg := data.Message
	switch {
	case msg.Conversation != "":
		in.Content = msg.Conversation
	case msg.ExtendedTextMessage.Text != "":
		in.Content = msg.ExtendedTextMessage.Text
	case msg.ImageMessage.URL != "" || msg.ImageMessage.Caption != "":
		in.MediaURL = msg.ImageMessage.URL
		in.MediaType = msg.ImageMessage.Mimetype
		in.Caption = msg.ImageMessage.Caption
		in.Content = msg.ImageMessage.Caption
	case msg.VideoMessage.URL != "" || msg.VideoMessage.Caption != "":
		in.MediaURL = msg.VideoMessage.URL
		in.MediaType = msg.VideoMessage.Mimetype
		in.Caption = msg.VideoMessage.Caption
		in.Content = msg.VideoMessage.Caption
	case msg.DocumentMessage.URL != "":
		in.MediaURL = msg.DocumentMessage.URL
		in.MediaType = msg.DocumentMessage.Mimetype
		in.Caption = msg.DocumentMessage.Caption
		in.Content = msg.DocumentMessage.Caption
	case msg.AudioMessage.URL != "":
		in.MediaURL = msg.AudioMessage.URL
		in.MediaType = msg.AudioMessage.Mimetype
	}
	return in
}

// connectionStatusFrom maps the gateway's connection state strings onto the
// internal taxonomy
func connectionStatusFrom(state string) (models.ConnectionStatus, bool) {
	switch state {
	case "open", "connected":
		return models.ConnectionStatusConnected, true
	case "connecting", "qr", "pairing":
		return models.ConnectionStatusConnecting, true
	case "close", "closed", "disconnected", "logout":
		return models.ConnectionStatusDisconnected, true
	case "error", "failure":
		return models.ConnectionStatusError, true
	default:
		return "", false
	}
}

// messageStatusFrom maps the gateway's delivery receipt strings onto the
// internal taxonomy
func messageStatusFrom(status string) (models.MessageStatus, bool) {
	switch strings.ToLower(status) {
	case "server_ack", "sent":
		return models.MessageStatusSent, true
	case "delivery_ack", "delivered", "received":
		return models.MessageStatusDelivered, true
	case "read", "read_ack", "seen", "played":
		return models.MessageStatusRead, true
	case "error", "failed":
		return models.MessageStatusFailed, true
	default:
		return "", false
	}
}

// isDuplicateKey matches postgres unique-violation errors surfaced through
// the driver
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "23505")
}
