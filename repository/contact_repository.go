package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/matriculaplus/messaging/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ContactRepositoryImpl implements ContactRepository
type ContactRepositoryImpl struct {
	*BaseRepository[models.Contact, models.ContactFilter]
}

func NewContactRepository(db *gorm.DB) ContactRepository {
	return &ContactRepositoryImpl{BaseRepository: NewBaseRepository[models.Contact, models.ContactFilter](db)}
}

func (r *ContactRepositoryImpl) ByTenantAndPhone(ctx context.Context, tenantID, phone string) (*models.Contact, error) {
	db := r.getDB(ctx)
	var row models.Contact
	if err := db.Where("tenant_id = ? AND phone = ?", tenantID, phone).Last(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// GetOrCreate returns the contact for (tenantID, phone), inserting it on
// first sight. Concurrent creators race on the unique (tenant_id, phone)
// index; ON CONFLICT DO NOTHING plus a re-read makes the race benign.
func (r *ContactRepositoryImpl) GetOrCreate(ctx context.Context, tenantID, phone string, name *string) (*models.Contact, error) {
	existing, err := r.ByTenantAndPhone(ctx, tenantID, phone)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	db := r.getDB(ctx)
	contact := &models.Contact{
		TenantID: tenantID,
		Phone:    phone,
		Name:     name,
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(contact).Error; err != nil {
		return nil, fmt.Errorf("failed to create contact for tenant %s: %w", tenantID, err)
	}
	if contact.ID != 0 {
		return contact, nil
	}
	return r.ByTenantAndPhone(ctx, tenantID, phone)
}

func (r *ContactRepositoryImpl) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.Contact, error) {
	filter := models.ContactFilter{TenantID: &tenantID}
	return r.ByFilter(ctx, filter, "id ASC", limit, offset)
}

func (r *ContactRepositoryImpl) applyFilter(db *gorm.DB, f models.ContactFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.TenantID != nil {
		db = db.Where("tenant_id = ?", *f.TenantID)
	}
	if f.Phone != nil {
		db = db.Where("phone = ?", *f.Phone)
	}
	return db
}

func (r *ContactRepositoryImpl) ByFilter(ctx context.Context, filter models.ContactFilter, orderBy string, limit, offset int) ([]*models.Contact, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Contact{}), filter)
	if orderBy != "" {
		query = query.Order(orderBy)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	var rows []*models.Contact
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *ContactRepositoryImpl) Count(ctx context.Context, filter models.ContactFilter) (int64, error) {
	db := r.getDB(ctx)
	query := r.applyFilter(db.Model(&models.Contact{}), filter)
	var count int64
	if err := query.Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *ContactRepositoryImpl) Exists(ctx context.Context, filter models.ContactFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
