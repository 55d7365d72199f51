package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matriculaplus/messaging/models"
	"github.com/matriculaplus/messaging/utils"
	"gorm.io/gorm"
)

// MessageRepositoryImpl implements MessageRepository
type MessageRepositoryImpl struct {
	*BaseRepository[models.Message, models.MessageFilter]
}

func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &MessageRepositoryImpl{BaseRepository: NewBaseRepository[models.Message, models.MessageFilter](db)}
}

func (r *MessageRepositoryImpl) ByExternalID(ctx context.Context, tenantID, externalID string) (*models.Message, error) {
	db := r.getDB(ctx)
	var row models.Message
	if err := db.Where("tenant_id = ? AND external_id = ?", tenantID, externalID).Last(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *MessageRepositoryImpl) ByQueueToken(ctx context.Context, queueToken string) (*models.Message, error) {
	db := r.getDB(ctx)
	var row models.Message
	if err := db.Where("queue_token = ?", queueToken).Last(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// MarkSent records a successful delivery attempt: status sent plus the
// gateway-assigned external identifier. Guarded so a late success cannot
// overwrite a terminal failed state.
func (r *MessageRepositoryImpl) MarkSent(ctx context.Context, messageID uint, externalID string, sentAt time.Time) error {
	db := r.getDB(ctx)
	res := db.Model(&models.Message{}).
		Where("id = ? AND status NOT IN ?", messageID, []models.MessageStatus{models.MessageStatusFailed}).
		Updates(map[string]any{
			"status":      models.MessageStatusSent,
			"external_id": externalID,
			"sent_at":     sentAt,
			"updated_at":  utils.UTCNow(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark message %d sent: %w", messageID, res.Error)
	}
	return nil
}

func (r *MessageRepositoryImpl) MarkFailed(ctx context.Context, messageID uint, reason string, failedAt time.Time) error {
	db := r.getDB(ctx)
	res := db.Model(&models.Message{}).
		Where("id = ?", messageID).
		Updates(map[string]any{
			"status":        models.MessageStatusFailed,
			"error_message": reason,
			"failed_at":     failedAt,
			"updated_at":    utils.UTCNow(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark message %d failed: %w", messageID, res.Error)
	}
	return nil
}

// AdvanceStatus applies a webhook-driven status transition. Callers check
// models.MessageStatus.Advances against their loaded row first, but that
// snapshot can be stale under concurrent receipts, so the forward-only rule is
// enforced again in the WHERE clause: only rows still below the target status
// are updated, and failed stays terminal.
func (r *MessageRepositoryImpl) AdvanceStatus(ctx context.Context, messageID uint, status models.MessageStatus, at time.Time) error {
	db := r.getDB(ctx)
	updates := map[string]any{
		"status":     status,
		"updated_at": utils.UTCNow(),
	}
	switch status {
	case models.MessageStatusSent:
		updates["sent_at"] = at
	case models.MessageStatusDelivered:
		updates["delivered_at"] = at
	case models.MessageStatusRead:
		updates["read_at"] = at
	case models.MessageStatusFailed:
		updates["failed_at"] = at
	}
	query := db.Model(&models.Message{}).Where("id = ?", messageID)
	if status == models.MessageStatusFailed {
		query = query.Where("status <> ?", models.MessageStatusFailed)
	} else {
		below := models.StatusesBelow(status)
		if len(below) == 0 {
			return nil
		}
		query = query.Where("status IN ?", below)
	}
	res := query.Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to advance message %d to %s: %w", messageID, status, res.Error)
	}
	return nil
}

func (r *MessageRepositoryImpl) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.Message, error) {
	filter := models.MessageFilter{TenantID: &tenantID}
	return r.ByFilter(ctx, filter, "id DESC", limit, offset)
}

func (r *MessageRepositoryImpl) applyFilter(db *gorm.DB, f models.MessageFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.UUID != nil {
		db = db.Where("uuid = ?", *f.UUID)
	}
	if f.TenantID != nil {
		db = db.Where("tenant_id = ?", *f.TenantID)
	}
	if f.ContactID != nil {
		db = db.Where("contact_id = ?", *f.ContactID)
	}
	if f.Direction != nil {
		db = db.Where("direction = ?", *f.Direction)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	if f.ExternalID != nil {
		db = db.Where("external_id = ?", *f.ExternalID)
	}
	if f.QueueToken != nil {
		db = db.Where("queue_token = ?", *f.QueueToken)
	}
	if f.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", *f.CreatedBefore)
	}
	return db
}

func (r *MessageRepositoryImpl) ByFilter(ctx context.Context, filter models.MessageFilter, orderBy string, limit, offset int) ([]*models.Message, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Message{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.Message
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *MessageRepositoryImpl) Count(ctx context.Context, filter models.MessageFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Message{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *MessageRepositoryImpl) Exists(ctx context.Context, filter models.MessageFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
