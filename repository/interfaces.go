// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"time"

	"github.com/matriculaplus/messaging/models"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

type Repository[T any, F any] interface {
	ByID(ctx context.Context, id uint) (*T, error)
	ByFilter(ctx context.Context, filter F, orderBy string, limit, offset int) ([]*T, error)
	Save(ctx context.Context, entity *T) error
	SaveBatch(ctx context.Context, entities []*T) error
	Count(ctx context.Context, filter F) (int64, error)
	Exists(ctx context.Context, filter F) (bool, error)
}

// TenantInstanceRepository defines operations for durable tenant gateway sessions
type TenantInstanceRepository interface {
	Repository[models.TenantInstance, models.TenantInstanceFilter]
	ByTenantID(ctx context.Context, tenantID string) (*models.TenantInstance, error)
	UpdateStatus(ctx context.Context, tenantID string, status models.ConnectionStatus, qrCode, lastError *string) error
	ListByStatus(ctx context.Context, status models.ConnectionStatus, limit, offset int) ([]*models.TenantInstance, error)
}

// ContactRepository defines operations for tenant contacts
type ContactRepository interface {
	Repository[models.Contact, models.ContactFilter]
	ByTenantAndPhone(ctx context.Context, tenantID, phone string) (*models.Contact, error)
	GetOrCreate(ctx context.Context, tenantID, phone string, name *string) (*models.Contact, error)
	ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.Contact, error)
}

// MessageRepository defines operations for durable message records
type MessageRepository interface {
	Repository[models.Message, models.MessageFilter]
	ByExternalID(ctx context.Context, tenantID, externalID string) (*models.Message, error)
	ByQueueToken(ctx context.Context, queueToken string) (*models.Message, error)
	MarkSent(ctx context.Context, messageID uint, externalID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, messageID uint, reason string, failedAt time.Time) error
	AdvanceStatus(ctx context.Context, messageID uint, status models.MessageStatus, at time.Time) error
	ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.Message, error)
}

// MessageLogRepository defines operations for delivery attempt logs
type MessageLogRepository interface {
	Repository[models.MessageLog, models.MessageLogFilter]
	ListByQueueToken(ctx context.Context, queueToken string) ([]*models.MessageLog, error)
	ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.MessageLog, error)
}
