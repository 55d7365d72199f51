package businessflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matriculaplus/messaging/models"
	"github.com/matriculaplus/messaging/utils"
)

// In-memory repository fakes. They implement just enough of the repository
// contracts for flow tests; filter support covers the fields the flows use.

type memInstanceRepo struct {
	mu        sync.Mutex
	seq       uint
	instances map[string]*models.TenantInstance
}

func newMemInstanceRepo() *memInstanceRepo {
	return &memInstanceRepo{instances: make(map[string]*models.TenantInstance)}
}

func (r *memInstanceRepo) ByID(ctx context.Context, id uint) (*models.TenantInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		if inst.ID == id {
			return inst, nil
		}
	}
	return nil, nil
}

func (r *memInstanceRepo) ByFilter(ctx context.Context, filter models.TenantInstanceFilter, orderBy string, limit, offset int) ([]*models.TenantInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.TenantInstance
	for _, inst := range r.instances {
		if filter.TenantID != nil && inst.TenantID != *filter.TenantID {
			continue
		}
		if filter.Status != nil && inst.Status != *filter.Status {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

func (r *memInstanceRepo) Save(ctx context.Context, entity *models.TenantInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entity.ID == 0 {
		r.seq++
		entity.ID = r.seq
	}
	r.instances[entity.TenantID] = entity
	return nil
}

func (r *memInstanceRepo) SaveBatch(ctx context.Context, entities []*models.TenantInstance) error {
	for _, e := range entities {
		if err := r.Save(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *memInstanceRepo) Count(ctx context.Context, filter models.TenantInstanceFilter) (int64, error) {
	items, _ := r.ByFilter(ctx, filter, "", 0, 0)
	return int64(len(items)), nil
}

func (r *memInstanceRepo) Exists(ctx context.Context, filter models.TenantInstanceFilter) (bool, error) {
	count, _ := r.Count(ctx, filter)
	return count > 0, nil
}

func (r *memInstanceRepo) ByTenantID(ctx context.Context, tenantID string) (*models.TenantInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instances[tenantID], nil
}

func (r *memInstanceRepo) UpdateStatus(ctx context.Context, tenantID string, status models.ConnectionStatus, qrCode, lastError *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[tenantID]
	if !ok {
		r.seq++
		inst = &models.TenantInstance{ID: r.seq, TenantID: tenantID}
		r.instances[tenantID] = inst
	}
	inst.Status = status
	inst.QRCode = qrCode
	if lastError != nil {
		inst.LastError = lastError
	}
	inst.UpdatedAt = utils.UTCNow()
	return nil
}

func (r *memInstanceRepo) ListByStatus(ctx context.Context, status models.ConnectionStatus, limit, offset int) ([]*models.TenantInstance, error) {
	return r.ByFilter(ctx, models.TenantInstanceFilter{Status: &status}, "", limit, offset)
}

type memContactRepo struct {
	mu       sync.Mutex
	seq      uint
	contacts []*models.Contact
}

func newMemContactRepo() *memContactRepo {
	return &memContactRepo{}
}

func (r *memContactRepo) ByID(ctx context.Context, id uint) (*models.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.contacts {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, nil
}

func (r *memContactRepo) ByFilter(ctx context.Context, filter models.ContactFilter, orderBy string, limit, offset int) ([]*models.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Contact
	for _, c := range r.contacts {
		if filter.TenantID != nil && c.TenantID != *filter.TenantID {
			continue
		}
		if filter.Phone != nil && c.Phone != *filter.Phone {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *memContactRepo) Save(ctx context.Context, entity *models.Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entity.ID == 0 {
		r.seq++
		entity.ID = r.seq
		r.contacts = append(r.contacts, entity)
	}
	return nil
}

func (r *memContactRepo) SaveBatch(ctx context.Context, entities []*models.Contact) error {
	for _, e := range entities {
		if err := r.Save(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *memContactRepo) Count(ctx context.Context, filter models.ContactFilter) (int64, error) {
	items, _ := r.ByFilter(ctx, filter, "", 0, 0)
	return int64(len(items)), nil
}

func (r *memContactRepo) Exists(ctx context.Context, filter models.ContactFilter) (bool, error) {
	count, _ := r.Count(ctx, filter)
	return count > 0, nil
}

func (r *memContactRepo) ByTenantAndPhone(ctx context.Context, tenantID, phone string) (*models.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.contacts {
		if c.TenantID == tenantID && c.Phone == phone {
			return c, nil
		}
	}
	return nil, nil
}

func (r *memContactRepo) GetOrCreate(ctx context.Context, tenantID, phone string, name *string) (*models.Contact, error) {
	if existing, _ := r.ByTenantAndPhone(ctx, tenantID, phone); existing != nil {
		return existing, nil
	}
	contact := &models.Contact{
		TenantID:  tenantID,
		Phone:     phone,
		Name:      name,
		CreatedAt: utils.UTCNow(),
		UpdatedAt: utils.UTCNow(),
	}
	if err := r.Save(ctx, contact); err != nil {
		return nil, err
	}
	return contact, nil
}

func (r *memContactRepo) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.Contact, error) {
	return r.ByFilter(ctx, models.ContactFilter{TenantID: &tenantID}, "", limit, offset)
}

type memMessageRepo struct {
	mu       sync.Mutex
	seq      uint
	messages []*models.Message
}

func newMemMessageRepo() *memMessageRepo {
	return &memMessageRepo{}
}

func (r *memMessageRepo) ByID(ctx context.Context, id uint) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(func(m *models.Message) bool { return m.ID == id }), nil
}

func (r *memMessageRepo) findLocked(match func(*models.Message) bool) *models.Message {
	for _, m := range r.messages {
		if match(m) {
			return m
		}
	}
	return nil
}

func (r *memMessageRepo) ByFilter(ctx context.Context, filter models.MessageFilter, orderBy string, limit, offset int) ([]*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Message
	for _, m := range r.messages {
		if filter.TenantID != nil && m.TenantID != *filter.TenantID {
			continue
		}
		if filter.Status != nil && m.Status != *filter.Status {
			continue
		}
		if filter.Direction != nil && m.Direction != *filter.Direction {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *memMessageRepo) Save(ctx context.Context, entity *models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entity.ExternalID != nil {
		dup := r.findLocked(func(m *models.Message) bool {
			return m.ID != entity.ID && m.TenantID == entity.TenantID &&
				m.ExternalID != nil && *m.ExternalID == *entity.ExternalID
		})
		if dup != nil {
			return errors.New(`duplicate key value violates unique constraint "idx_messages_tenant_external"`)
		}
	}
	if entity.ID == 0 {
		r.seq++
		entity.ID = r.seq
		r.messages = append(r.messages, entity)
	}
	return nil
}

func (r *memMessageRepo) SaveBatch(ctx context.Context, entities []*models.Message) error {
	for _, e := range entities {
		if err := r.Save(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (r *memMessageRepo) Count(ctx context.Context, filter models.MessageFilter) (int64, error) {
	items, _ := r.ByFilter(ctx, filter, "", 0, 0)
	return int64(len(items)), nil
}

func (r *memMessageRepo) Exists(ctx context.Context, filter models.MessageFilter) (bool, error) {
	count, _ := r.Count(ctx, filter)
	return count > 0, nil
}

func (r *memMessageRepo) ByExternalID(ctx context.Context, tenantID, externalID string) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(func(m *models.Message) bool {
		return m.TenantID == tenantID && m.ExternalID != nil && *m.ExternalID == externalID
	}), nil
}

func (r *memMessageRepo) ByQueueToken(ctx context.Context, queueToken string) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(func(m *models.Message) bool {
		return m.QueueToken != nil && *m.QueueToken == queueToken
	}), nil
}

func (r *memMessageRepo) MarkSent(ctx context.Context, messageID uint, externalID string, sentAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.findLocked(func(m *models.Message) bool { return m.ID == messageID })
	if m == nil || m.Status == models.MessageStatusFailed {
		return nil
	}
	m.Status = models.MessageStatusSent
	m.ExternalID = &externalID
	m.SentAt = &sentAt
	m.UpdatedAt = sentAt
	return nil
}

func (r *memMessageRepo) MarkFailed(ctx context.Context, messageID uint, reason string, failedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.findLocked(func(m *models.Message) bool { return m.ID == messageID })
	if m == nil {
		return nil
	}
	m.Status = models.MessageStatusFailed
	m.ErrorMessage = &reason
	m.FailedAt = &failedAt
	m.UpdatedAt = failedAt
	return nil
}

func (r *memMessageRepo) AdvanceStatus(ctx context.Context, messageID uint, status models.MessageStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.findLocked(func(m *models.Message) bool { return m.ID == messageID })
	if m == nil {
		return nil
	}
	// Same write-time guard as the SQL repository: a stale receipt that
	// passed the caller's snapshot check must still lose here.
	if !m.Status.Advances(status) {
		return nil
	}
	m.Status = status
	switch status {
	case models.MessageStatusDelivered:
		m.DeliveredAt = &at
	case models.MessageStatusRead:
		m.ReadAt = &at
	case models.MessageStatusFailed:
		m.FailedAt = &at
	}
	m.UpdatedAt = at
	return nil
}

func (r *memMessageRepo) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.Message, error) {
	return r.ByFilter(ctx, models.MessageFilter{TenantID: &tenantID}, "", limit, offset)
}
