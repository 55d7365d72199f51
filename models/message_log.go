package models

import "time"

// DeliveryOutcome enumerates the result of one delivery attempt
type DeliveryOutcome string

const (
	DeliveryOutcomeSuccess DeliveryOutcome = "success"
	DeliveryOutcomeRetry   DeliveryOutcome = "retry"
	DeliveryOutcomeFailed  DeliveryOutcome = "failed"
)

// MessageLog records a single delivery attempt made by the queue processor,
// one row per attempt.
type MessageLog struct {
	ID         uint            `gorm:"primaryKey" json:"id"`
	TenantID   string          `gorm:"size:64;not null;index:idx_message_logs_tenant_id" json:"tenant_id"`
	MessageID  *uint           `gorm:"index:idx_message_logs_message_id" json:"message_id,omitempty"`
	QueueToken string          `gorm:"size:64;not null;index:idx_message_logs_queue_token" json:"queue_token"`
	Attempt    int             `gorm:"not null" json:"attempt"`
	Outcome    DeliveryOutcome `gorm:"size:10;not null;index:idx_message_logs_outcome" json:"outcome"`
	ExternalID *string         `gorm:"size:128" json:"external_id,omitempty"`
	Error      *string         `gorm:"type:text" json:"error,omitempty"`
	CreatedAt  time.Time       `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC');index:idx_message_logs_created_at" json:"created_at"`
}

func (MessageLog) TableName() string { return "message_logs" }

// MessageLogFilter provides filter fields for repository queries
type MessageLogFilter struct {
	ID         *uint
	TenantID   *string
	MessageID  *uint
	QueueToken *string
	Outcome    *DeliveryOutcome
}
