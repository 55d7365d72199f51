// Package testing provides test utilities and database setup for testing the messaging core
package testing

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/matriculaplus/messaging/models"
	"github.com/matriculaplus/messaging/utils"
)

// TestFixtures provides helper methods for creating test data
type TestFixtures struct {
	DB *TestDB
}

// NewTestFixtures creates a new test fixtures instance
func NewTestFixtures(db *TestDB) *TestFixtures {
	return &TestFixtures{DB: db}
}

// CreateTestTenantInstance creates a tenant instance row in the given status
func (tf *TestFixtures) CreateTestTenantInstance(tenantID string, status models.ConnectionStatus) (*models.TenantInstance, error) {
	instance := &models.TenantInstance{
		TenantID:      tenantID,
		ClientID:      fmt.Sprintf("matricula_%s", tenantID),
		Status:        status,
		WebhookEvents: []string{"connection.update", "qrcode.updated", "messages.upsert", "message.status.update"},
	}

	if status == models.ConnectionStatusConnected {
		instance.ConnectedAt = utils.UTCNowPtr()
	}

	if err := tf.DB.DB.Create(instance).Error; err != nil {
		return nil, fmt.Errorf("failed to create test tenant instance: %w", err)
	}

	return instance, nil
}

// CreateTestTenantWithSecret creates a tenant instance carrying a bcrypt hash
// of the given API secret, the way the provisioning flow stores it
func (tf *TestFixtures) CreateTestTenantWithSecret(tenantID, apiSecret string) (*models.TenantInstance, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiSecret), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash api secret: %w", err)
	}

	instance := &models.TenantInstance{
		TenantID:      tenantID,
		ClientID:      fmt.Sprintf("matricula_%s", tenantID),
		Status:        models.ConnectionStatusDisconnected,
		APISecretHash: utils.ToPtr(string(hash)),
		WebhookEvents: []string{"connection.update", "qrcode.updated", "messages.upsert", "message.status.update"},
	}

	if err := tf.DB.DB.Create(instance).Error; err != nil {
		return nil, fmt.Errorf("failed to create test tenant instance: %w", err)
	}

	return instance, nil
}

// CreateTestContact creates a contact for the tenant with a random phone number
func (tf *TestFixtures) CreateTestContact(tenantID string) (*models.Contact, error) {
	randomDigits := fmt.Sprintf("%09d", rand.Intn(900000000)+100000000)

	contact := &models.Contact{
		TenantID: tenantID,
		Phone:    fmt.Sprintf("+5511%s", randomDigits),
		Name:     utils.ToPtr("Test Guardian"),
	}

	if err := tf.DB.DB.Create(contact).Error; err != nil {
		return nil, fmt.Errorf("failed to create test contact: %w", err)
	}

	return contact, nil
}

// CreateTestMessage creates an outbound message for the contact in the given status
func (tf *TestFixtures) CreateTestMessage(tenantID string, contact *models.Contact, status models.MessageStatus) (*models.Message, error) {
	message := &models.Message{
		UUID:      uuid.New(),
		TenantID:  tenantID,
		ContactID: contact.ID,
		Direction: models.MessageDirectionOutbound,
		Phone:     contact.Phone,
		Content:   "Enrollment confirmation: your spot is reserved.",
		Status:    status,
	}

	switch status {
	case models.MessageStatusPending:
		message.QueueToken = utils.ToPtr(uuid.NewString())
	case models.MessageStatusSent, models.MessageStatusDelivered, models.MessageStatusRead:
		message.ExternalID = utils.ToPtr(fmt.Sprintf("wamid.%s", uuid.NewString()))
		message.SentAt = utils.UTCNowPtr()
	case models.MessageStatusFailed:
		message.ErrorMessage = utils.ToPtr("gateway returned status 500")
		message.FailedAt = utils.UTCNowPtr()
	}

	if err := tf.DB.DB.Create(message).Error; err != nil {
		return nil, fmt.Errorf("failed to create test message: %w", err)
	}

	return message, nil
}

// CreateTestInboundMessage creates an inbound message with a gateway external ID
func (tf *TestFixtures) CreateTestInboundMessage(tenantID string, contact *models.Contact) (*models.Message, error) {
	message := &models.Message{
		UUID:       uuid.New(),
		TenantID:   tenantID,
		ContactID:  contact.ID,
		Direction:  models.MessageDirectionInbound,
		Phone:      contact.Phone,
		Content:    "We confirm the enrollment, thank you!",
		Status:     models.MessageStatusReceived,
		ExternalID: utils.ToPtr(fmt.Sprintf("wamid.%s", uuid.NewString())),
	}

	if err := tf.DB.DB.Create(message).Error; err != nil {
		return nil, fmt.Errorf("failed to create test inbound message: %w", err)
	}

	return message, nil
}

// CreateTestMessageLog records a delivery attempt for the message
func (tf *TestFixtures) CreateTestMessageLog(message *models.Message, attempt int, outcome models.DeliveryOutcome) (*models.MessageLog, error) {
	queueToken := ""
	if message.QueueToken != nil {
		queueToken = *message.QueueToken
	}

	entry := &models.MessageLog{
		TenantID:   message.TenantID,
		MessageID:  &message.ID,
		QueueToken: queueToken,
		Attempt:    attempt,
		Outcome:    outcome,
	}

	switch outcome {
	case models.DeliveryOutcomeSuccess:
		entry.ExternalID = utils.ToPtr(fmt.Sprintf("wamid.%s", uuid.NewString()))
	case models.DeliveryOutcomeRetry, models.DeliveryOutcomeFailed:
		entry.Error = utils.ToPtr("gateway returned status 502")
	}

	if err := tf.DB.DB.Create(entry).Error; err != nil {
		return nil, fmt.Errorf("failed to create test message log: %w", err)
	}

	return entry, nil
}

// CreateTenantWithTraffic seeds a connected tenant with a contact and a mix of
// message states, useful for listing and reporting tests
func (tf *TestFixtures) CreateTenantWithTraffic(tenantID string) (*models.TenantInstance, *models.Contact, []*models.Message, error) {
	instance, err := tf.CreateTestTenantInstance(tenantID, models.ConnectionStatusConnected)
	if err != nil {
		return nil, nil, nil, err
	}

	contact, err := tf.CreateTestContact(tenantID)
	if err != nil {
		return nil, nil, nil, err
	}

	statuses := []models.MessageStatus{
		models.MessageStatusPending,
		models.MessageStatusSent,
		models.MessageStatusDelivered,
		models.MessageStatusRead,
		models.MessageStatusFailed,
	}

	var messages []*models.Message
	for _, status := range statuses {
		msg, err := tf.CreateTestMessage(tenantID, contact, status)
		if err != nil {
			return nil, nil, nil, err
		}
		messages = append(messages, msg)
	}

	return instance, contact, messages, nil
}
