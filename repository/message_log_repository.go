package repository

import (
	"context"

	"github.com/matriculaplus/messaging/models"
	"gorm.io/gorm"
)

// MessageLogRepositoryImpl implements MessageLogRepository
type MessageLogRepositoryImpl struct {
	*BaseRepository[models.MessageLog, models.MessageLogFilter]
}

func NewMessageLogRepository(db *gorm.DB) MessageLogRepository {
	return &MessageLogRepositoryImpl{BaseRepository: NewBaseRepository[models.MessageLog, models.MessageLogFilter](db)}
}

func (r *MessageLogRepositoryImpl) ListByQueueToken(ctx context.Context, queueToken string) ([]*models.MessageLog, error) {
	filter := models.MessageLogFilter{QueueToken: &queueToken}
	return r.ByFilter(ctx, filter, "attempt ASC", 0, 0)
}

func (r *MessageLogRepositoryImpl) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.MessageLog, error) {
	filter := models.MessageLogFilter{TenantID: &tenantID}
	return r.ByFilter(ctx, filter, "id DESC", limit, offset)
}

func (r *MessageLogRepositoryImpl) applyFilter(db *gorm.DB, f models.MessageLogFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.TenantID != nil {
		db = db.Where("tenant_id = ?", *f.TenantID)
	}
	if f.MessageID != nil {
		db = db.Where("message_id = ?", *f.MessageID)
	}
	if f.QueueToken != nil {
		db = db.Where("queue_token = ?", *f.QueueToken)
	}
	if f.Outcome != nil {
		db = db.Where("outcome = ?", *f.Outcome)
	}
	return db
}

func (r *MessageLogRepositoryImpl) ByFilter(ctx context.Context, filter models.MessageLogFilter, orderBy string, limit, offset int) ([]*models.MessageLog, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.MessageLog{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.MessageLog
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *MessageLogRepositoryImpl) Count(ctx context.Context, filter models.MessageLogFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.MessageLog{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *MessageLogRepositoryImpl) Exists(ctx context.Context, filter models.MessageLogFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
