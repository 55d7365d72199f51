package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/matriculaplus/messaging/models"
	"github.com/matriculaplus/messaging/utils"
	"gorm.io/gorm"
)

// TenantInstanceRepositoryImpl implements TenantInstanceRepository
type TenantInstanceRepositoryImpl struct {
	*BaseRepository[models.TenantInstance, models.TenantInstanceFilter]
}

func NewTenantInstanceRepository(db *gorm.DB) TenantInstanceRepository {
	return &TenantInstanceRepositoryImpl{BaseRepository: NewBaseRepository[models.TenantInstance, models.TenantInstanceFilter](db)}
}

func (r *TenantInstanceRepositoryImpl) ByTenantID(ctx context.Context, tenantID string) (*models.TenantInstance, error) {
	db := r.getDB(ctx)
	var row models.TenantInstance
	if err := db.Where("tenant_id = ?", tenantID).Last(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// UpdateStatus writes the connection state mirrored from the in-memory
// registry. A nil qrCode clears the stored code; lastError is only written
// when present so a reconnect does not erase the previous failure reason.
func (r *TenantInstanceRepositoryImpl) UpdateStatus(ctx context.Context, tenantID string, status models.ConnectionStatus, qrCode, lastError *string) error {
	db := r.getDB(ctx)
	updates := map[string]any{
		"status":     status,
		"qr_code":    qrCode,
		"updated_at": utils.UTCNow(),
	}
	if lastError != nil {
		updates["last_error"] = *lastError
	}
	if status == models.ConnectionStatusConnected {
		updates["connected_at"] = utils.UTCNow()
	}
	res := db.Model(&models.TenantInstance{}).Where("tenant_id = ?", tenantID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update instance status for tenant %s: %w", tenantID, res.Error)
	}
	return nil
}

func (r *TenantInstanceRepositoryImpl) ListByStatus(ctx context.Context, status models.ConnectionStatus, limit, offset int) ([]*models.TenantInstance, error) {
	filter := models.TenantInstanceFilter{Status: &status}
	return r.ByFilter(ctx, filter, "id ASC", limit, offset)
}

func (r *TenantInstanceRepositoryImpl) applyFilter(db *gorm.DB, f models.TenantInstanceFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.TenantID != nil {
		db = db.Where("tenant_id = ?", *f.TenantID)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	return db
}

func (r *TenantInstanceRepositoryImpl) ByFilter(ctx context.Context, filter models.TenantInstanceFilter, orderBy string, limit, offset int) ([]*models.TenantInstance, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.TenantInstance{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.TenantInstance
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *TenantInstanceRepositoryImpl) Count(ctx context.Context, filter models.TenantInstanceFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.TenantInstance{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *TenantInstanceRepositoryImpl) Exists(ctx context.Context, filter models.TenantInstanceFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
