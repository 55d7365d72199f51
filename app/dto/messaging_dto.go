package dto

import (
	"time"
)

// SendMessageRequest represents the request to enqueue an outbound message
type SendMessageRequest struct {
	TenantID  string  `json:"-"`
	Phone     string  `json:"phone" validate:"required,min=8,max=20"`
	Content   string  `json:"content" validate:"required_without=MediaURL,max=4096"`
	MediaURL  *string `json:"media_url,omitempty" validate:"omitempty,url"`
	MediaType *string `json:"media_type,omitempty" validate:"omitempty,oneof=image video audio document"`
	Caption   *string `json:"caption,omitempty" validate:"omitempty,max=1024"`
}

// SendMessageResponse represents the response to enqueue an outbound message
type SendMessageResponse struct {
	QueueToken  string    `json:"queue_token"`
	MessageUUID string    `json:"message_uuid"`
	Status      string    `json:"status"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// QueueStatsDTO represents the queue counters in status responses
type QueueStatsDTO struct {
	PendingCount  int `json:"pending_count"`
	RetryingCount int `json:"retrying_count"`
}

// ConnectionStatusResponse represents a tenant's gateway session state
type ConnectionStatusResponse struct {
	TenantID   string        `json:"tenant_id"`
	Status     string        `json:"status"`
	QRCode     *string       `json:"qr_code,omitempty"`
	LastError  *string       `json:"last_error,omitempty"`
	QueueStats QueueStatsDTO `json:"queue_stats"`
}

// ConnectTenantResponse represents the response to a connect request
type ConnectTenantResponse struct {
	TenantID string  `json:"tenant_id"`
	Status   string  `json:"status"`
	QRCode   *string `json:"qr_code,omitempty"`
}

// DisconnectTenantResponse represents the response to a disconnect request
type DisconnectTenantResponse struct {
	TenantID string `json:"tenant_id"`
	Status   string `json:"status"`
}

// ListMessagesRequest represents the request to list a tenant's messages
type ListMessagesRequest struct {
	TenantID string  `json:"-"`
	Status   *string `json:"status,omitempty" validate:"omitempty,oneof=pending sent delivered read received failed"`
	Page     int     `json:"page" validate:"omitempty,min=1"`
	PageSize int     `json:"page_size" validate:"omitempty,min=1,max=100"`
}

// MessageDTO represents one durable message in list responses
type MessageDTO struct {
	UUID        string     `json:"uuid"`
	Direction   string     `json:"direction"`
	Phone       string     `json:"phone"`
	Content     string     `json:"content"`
	MediaURL    *string    `json:"media_url,omitempty"`
	Status      string     `json:"status"`
	ExternalID  *string    `json:"external_id,omitempty"`
	Error       *string    `json:"error,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ListMessagesResponse represents the response to list a tenant's messages
type ListMessagesResponse struct {
	Messages []MessageDTO `json:"messages"`
	Total    int64        `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
}

// ContactDTO represents one contact in list responses
type ContactDTO struct {
	Phone     string    `json:"phone"`
	Name      *string   `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ListContactsRequest represents the request to list a tenant's contacts
type ListContactsRequest struct {
	TenantID string `json:"-"`
	Page     int    `json:"page" validate:"omitempty,min=1"`
	PageSize int    `json:"page_size" validate:"omitempty,min=1,max=100"`
}

// ListContactsResponse represents the response to list a tenant's contacts
type ListContactsResponse struct {
	Contacts []ContactDTO `json:"contacts"`
	Total    int64        `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
}
