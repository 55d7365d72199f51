package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageStatus enumerates the delivery state of a message
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusReceived  MessageStatus = "received"
	MessageStatusFailed    MessageStatus = "failed"
)

// MessageDirection distinguishes outbound sends from inbound webhook messages
type MessageDirection string

const (
	MessageDirectionOutbound MessageDirection = "outbound"
	MessageDirectionInbound  MessageDirection = "inbound"
)

// statusRank orders the forward-only delivery ladder. Failed and received sit
// outside the ladder: failed is terminal, received applies to inbound only.
var statusRank = map[MessageStatus]int{
	MessageStatusPending:   0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
}

// Advances reports whether moving from the current status to next is a legal
// forward transition. Failed always advances from a non-terminal state;
// duplicates and regressions (read -> delivered) do not advance.
func (s MessageStatus) Advances(next MessageStatus) bool {
	if s == MessageStatusFailed {
		return false
	}
	if next == MessageStatusFailed {
		return true
	}
	curRank, ok := statusRank[s]
	if !ok {
		return false
	}
	nextRank, ok := statusRank[next]
	if !ok {
		return false
	}
	return nextRank > curRank
}

// StatusesBelow returns the ladder statuses ranked strictly below next, or nil
// when next is not on the ladder. Status updates filter on this set so a stale
// receipt racing a later one cannot regress the stored status.
func StatusesBelow(next MessageStatus) []MessageStatus {
	nextRank, ok := statusRank[next]
	if !ok {
		return nil
	}
	var below []MessageStatus
	for status, rank := range statusRank {
		if rank < nextRank {
			below = append(below, status)
		}
	}
	return below
}

// Message is a durable WhatsApp message record, outbound or inbound.
// ExternalID is the identifier assigned by the gateway; the unique
// (tenant_id, external_id) index is the de-duplication boundary for
// redelivered webhooks.
type Message struct {
	ID           uint             `gorm:"primaryKey" json:"id"`
	UUID         uuid.UUID        `gorm:"type:uuid;not null;uniqueIndex:idx_messages_uuid" json:"uuid"`
	TenantID     string           `gorm:"size:64;not null;index:idx_messages_tenant_id;uniqueIndex:idx_messages_tenant_external,priority:1" json:"tenant_id"`
	ContactID    uint             `gorm:"not null;index:idx_messages_contact_id" json:"contact_id"`
	Direction    MessageDirection `gorm:"size:10;not null;default:'outbound'" json:"direction"`
	Phone        string           `gorm:"size:20;not null" json:"phone"`
	Content      string           `gorm:"type:text;not null" json:"content"`
	MediaURL     *string          `gorm:"type:text" json:"media_url,omitempty"`
	MediaType    *string          `gorm:"size:32" json:"media_type,omitempty"`
	Caption      *string          `gorm:"type:text" json:"caption,omitempty"`
	Status       MessageStatus    `gorm:"size:12;not null;default:'pending';index:idx_messages_status" json:"status"`
	ExternalID   *string          `gorm:"size:128;uniqueIndex:idx_messages_tenant_external,priority:2" json:"external_id,omitempty"`
	QueueToken   *string          `gorm:"size:64;index:idx_messages_queue_token" json:"queue_token,omitempty"`
	ErrorMessage *string          `gorm:"type:text" json:"error_message,omitempty"`
	SentAt       *time.Time       `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time       `json:"delivered_at,omitempty"`
	ReadAt       *time.Time       `json:"read_at,omitempty"`
	FailedAt     *time.Time       `json:"failed_at,omitempty"`
	CreatedAt    time.Time        `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_messages_created_at" json:"created_at"`
	UpdatedAt    time.Time        `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (Message) TableName() string { return "messages" }

// MessageFilter provides filter fields for repository queries
type MessageFilter struct {
	ID            *uint
	UUID          *uuid.UUID
	TenantID      *string
	ContactID     *uint
	Direction     *MessageDirection
	Status        *MessageStatus
	ExternalID    *string
	QueueToken    *string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}
