package models

import "time"

// Contact is a phone number known to a tenant. Contacts are created lazily
// the first time a message is sent to or received from a previously unseen
// number and are never deleted by the messaging core.
type Contact struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TenantID  string    `gorm:"size:64;not null;uniqueIndex:idx_contacts_tenant_phone,priority:1" json:"tenant_id"`
	Phone     string    `gorm:"size:20;not null;uniqueIndex:idx_contacts_tenant_phone,priority:2" json:"phone"`
	Name      *string   `gorm:"size:255" json:"name,omitempty"`
	CreatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"created_at"`
	UpdatedAt time.Time `gorm:"default:(CURRENT_TIMESTAMP AT TIME ZONE 'UTC')" json:"updated_at"`
}

func (Contact) TableName() string { return "contacts" }

// ContactFilter provides filter fields for repository queries
type ContactFilter struct {
	ID       *uint
	TenantID *string
	Phone    *string
}
