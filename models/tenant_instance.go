package models

import (
	"time"

	"github.com/lib/pq"
)

// ConnectionStatus enumerates the gateway connection state of a tenant instance
type ConnectionStatus string

const (
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusError        ConnectionStatus = "error"
)

// TenantInstance is the durable record of a school's gateway session. The
// live connection state (queue, draining flag) is held in memory by the
// connection registry; this row mirrors status/qr/error for dashboards and
// survives restarts.
type TenantInstance struct {
	ID            uint             `gorm:"primaryKey" json:"id"`
	TenantID      string           `gorm:"size:64;not null;uniqueIndex:idx_tenant_instances_tenant_id" json:"tenant_id"`
	ClientID      string           `gorm:"size:128;not null" json:"client_id"`
	Status        ConnectionStatus `gorm:"size:20;not null;default:'disconnected';index:idx_tenant_instances_status" json:"status"`
	QRCode        *string          `gorm:"type:text" json:"qr_code,omitempty"`
	LastError     *string          `gorm:"type:text" json:"last_error,omitempty"`
	APISecretHash *string          `gorm:"size:100" json:"-"`
	WebhookEvents pq.StringArray   `gorm:"type:text[]" json:"webhook_events"`
	ConnectedAt   *time.Time       `json:"connected_at,omitempty"`
	CreatedAt     time.Time        `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (TenantInstance) TableName() string { return "tenant_instances" }

// TenantInstanceFilter provides filter fields for repository queries
type TenantInstanceFilter struct {
	ID       *uint
	TenantID *string
	Status   *ConnectionStatus
}
