// Package tests contains test cases for models and repository packages to avoid circular imports
package tests

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matriculaplus/messaging/models"
	"github.com/matriculaplus/messaging/repository"
	testingutil "github.com/matriculaplus/messaging/testing"
	"github.com/matriculaplus/messaging/utils"
)

func TestTenantInstanceRepository(t *testing.T) {
	err := testingutil.TestWithDB(func(testDB *testingutil.TestDB) error {
		fixtures := testingutil.NewTestFixtures(testDB)
		repo := repository.NewTenantInstanceRepository(testDB.DB)
		ctx := testingutil.CreateTestContext()

		t.Run("ByTenantID", func(t *testing.T) {
			created, err := fixtures.CreateTestTenantInstance("school-alpha", models.ConnectionStatusConnected)
			require.NoError(t, err)

			found, err := repo.ByTenantID(ctx, "school-alpha")
			require.NoError(t, err)
			require.NotNil(t, found)
			assert.Equal(t, created.ID, found.ID)
			assert.Equal(t, created.ClientID, found.ClientID)
		})

		t.Run("ByTenantIDNotFound", func(t *testing.T) {
			found, err := repo.ByTenantID(ctx, "no-such-school")
			require.NoError(t, err)
			assert.Nil(t, found)
		})

		t.Run("UpdateStatus", func(t *testing.T) {
			_, err := fixtures.CreateTestTenantInstance("school-beta", models.ConnectionStatusDisconnected)
			require.NoError(t, err)

			qr := "data:image/png;base64,QR"
			err = repo.UpdateStatus(ctx, "school-beta", models.ConnectionStatusConnecting, &qr, nil)
			require.NoError(t, err)

			found, err := repo.ByTenantID(ctx, "school-beta")
			require.NoError(t, err)
			require.NotNil(t, found)
			assert.Equal(t, models.ConnectionStatusConnecting, found.Status)
			require.NotNil(t, found.QRCode)
			assert.Equal(t, qr, *found.QRCode)

			// Connecting leaves connected_at unset; connected stamps it
			assert.Nil(t, found.ConnectedAt)

			err = repo.UpdateStatus(ctx, "school-beta", models.ConnectionStatusConnected, nil, nil)
			require.NoError(t, err)

			found, err = repo.ByTenantID(ctx, "school-beta")
			require.NoError(t, err)
			assert.Equal(t, models.ConnectionStatusConnected, found.Status)
			assert.Nil(t, found.QRCode)
			assert.NotNil(t, found.ConnectedAt)
		})

		t.Run("UpdateStatusRecordsError", func(t *testing.T) {
			_, err := fixtures.CreateTestTenantInstance("school-gamma", models.ConnectionStatusConnected)
			require.NoError(t, err)

			lastError := "gateway session expired"
			err = repo.UpdateStatus(ctx, "school-gamma", models.ConnectionStatusError, nil, &lastError)
			require.NoError(t, err)

			found, err := repo.ByTenantID(ctx, "school-gamma")
			require.NoError(t, err)
			assert.Equal(t, models.ConnectionStatusError, found.Status)
			require.NotNil(t, found.LastError)
			assert.Equal(t, lastError, *found.LastError)
		})

		t.Run("ListByStatus", func(t *testing.T) {
			require.NoError(t, testDB.ClearAllTables())

			_, err := fixtures.CreateTestTenantInstance("school-a", models.ConnectionStatusConnected)
			require.NoError(t, err)
			_, err = fixtures.CreateTestTenantInstance("school-b", models.ConnectionStatusConnected)
			require.NoError(t, err)
			_, err = fixtures.CreateTestTenantInstance("school-c", models.ConnectionStatusDisconnected)
			require.NoError(t, err)

			connected, err := repo.ListByStatus(ctx, models.ConnectionStatusConnected, 0, 0)
			require.NoError(t, err)
			assert.Len(t, connected, 2)

			disconnected, err := repo.ListByStatus(ctx, models.ConnectionStatusDisconnected, 0, 0)
			require.NoError(t, err)
			assert.Len(t, disconnected, 1)
			assert.Equal(t, "school-c", disconnected[0].TenantID)
		})

		return nil
	})
	require.NoError(t, err)
}

func TestContactRepository(t *testing.T) {
	err := testingutil.TestWithDB(func(testDB *testingutil.TestDB) error {
		fixtures := testingutil.NewTestFixtures(testDB)
		repo := repository.NewContactRepository(testDB.DB)
		ctx := testingutil.CreateTestContext()

		t.Run("GetOrCreateInsertsOnFirstSight", func(t *testing.T) {
			name := "Guardian Silva"
			contact, err := repo.GetOrCreate(ctx, "school-alpha", "+5511987654321", &name)
			require.NoError(t, err)
			require.NotNil(t, contact)
			assert.NotZero(t, contact.ID)
			assert.Equal(t, "+5511987654321", contact.Phone)

			// Second call returns the same row, ignoring the new name
			other := "Different Name"
			again, err := repo.GetOrCreate(ctx, "school-alpha", "+5511987654321", &other)
			require.NoError(t, err)
			assert.Equal(t, contact.ID, again.ID)
			require.NotNil(t, again.Name)
			assert.Equal(t, name, *again.Name)
		})

		t.Run("GetOrCreateIsTenantScoped", func(t *testing.T) {
			first, err := repo.GetOrCreate(ctx, "school-alpha", "+5511911112222", nil)
			require.NoError(t, err)

			second, err := repo.GetOrCreate(ctx, "school-beta", "+5511911112222", nil)
			require.NoError(t, err)

			assert.NotEqual(t, first.ID, second.ID)
		})

		t.Run("ByTenantAndPhone", func(t *testing.T) {
			created, err := fixtures.CreateTestContact("school-gamma")
			require.NoError(t, err)

			found, err := repo.ByTenantAndPhone(ctx, "school-gamma", created.Phone)
			require.NoError(t, err)
			require.NotNil(t, found)
			assert.Equal(t, created.ID, found.ID)

			missing, err := repo.ByTenantAndPhone(ctx, "school-gamma", "+5511900000000")
			require.NoError(t, err)
			assert.Nil(t, missing)
		})

		t.Run("ListByTenant", func(t *testing.T) {
			require.NoError(t, testDB.ClearAllTables())

			for i := 0; i < 3; i++ {
				_, err := fixtures.CreateTestContact("school-delta")
				require.NoError(t, err)
			}
			_, err := fixtures.CreateTestContact("school-epsilon")
			require.NoError(t, err)

			contacts, err := repo.ListByTenant(ctx, "school-delta", 0, 0)
			require.NoError(t, err)
			assert.Len(t, contacts, 3)

			paged, err := repo.ListByTenant(ctx, "school-delta", 2, 0)
			require.NoError(t, err)
			assert.Len(t, paged, 2)
		})

		return nil
	})
	require.NoError(t, err)
}

func TestMessageRepository(t *testing.T) {
	err := testingutil.TestWithDB(func(testDB *testingutil.TestDB) error {
		fixtures := testingutil.NewTestFixtures(testDB)
		repo := repository.NewMessageRepository(testDB.DB)
		ctx := testingutil.CreateTestContext()

		t.Run("MarkSent", func(t *testing.T) {
			contact, err := fixtures.CreateTestContact("school-alpha")
			require.NoError(t, err)
			message, err := fixtures.CreateTestMessage("school-alpha", contact, models.MessageStatusPending)
			require.NoError(t, err)

			sentAt := utils.UTCNow()
			err = repo.MarkSent(ctx, message.ID, "wamid.gateway-1", sentAt)
			require.NoError(t, err)

			found, err := repo.ByID(ctx, message.ID)
			require.NoError(t, err)
			assert.Equal(t, models.MessageStatusSent, found.Status)
			require.NotNil(t, found.ExternalID)
			assert.Equal(t, "wamid.gateway-1", *found.ExternalID)
			require.NotNil(t, found.SentAt)
		})

		t.Run("MarkSentDoesNotResurrectFailed", func(t *testing.T) {
			contact, err := fixtures.CreateTestContact("school-alpha")
			require.NoError(t, err)
			message, err := fixtures.CreateTestMessage("school-alpha", contact, models.MessageStatusFailed)
			require.NoError(t, err)

			err = repo.MarkSent(ctx, message.ID, "wamid.late-success", utils.UTCNow())
			require.NoError(t, err)

			found, err := repo.ByID(ctx, message.ID)
			require.NoError(t, err)
			assert.Equal(t, models.MessageStatusFailed, found.Status)
			assert.Nil(t, found.ExternalID)
		})

		t.Run("MarkFailed", func(t *testing.T) {
			contact, err := fixtures.CreateTestContact("school-beta")
			require.NoError(t, err)
			message, err := fixtures.CreateTestMessage("school-beta", contact, models.MessageStatusPending)
			require.NoError(t, err)

			err = repo.MarkFailed(ctx, message.ID, "gateway returned status 500", utils.UTCNow())
			require.NoError(t, err)

			found, err := repo.ByID(ctx, message.ID)
			require.NoError(t, err)
			assert.Equal(t, models.MessageStatusFailed, found.Status)
			require.NotNil(t, found.ErrorMessage)
			assert.Equal(t, "gateway returned status 500", *found.ErrorMessage)
			assert.NotNil(t, found.FailedAt)
		})

		t.Run("AdvanceStatusStampsTimestampColumn", func(t *testing.T) {
			contact, err := fixtures.CreateTestContact("school-gamma")
			require.NoError(t, err)
			message, err := fixtures.CreateTestMessage("school-gamma", contact, models.MessageStatusSent)
			require.NoError(t, err)

			at := utils.UTCNow()
			err = repo.AdvanceStatus(ctx, message.ID, models.MessageStatusDelivered, at)
			require.NoError(t, err)

			found, err := repo.ByID(ctx, message.ID)
			require.NoError(t, err)
			assert.Equal(t, models.MessageStatusDelivered, found.Status)
			require.NotNil(t, found.DeliveredAt)
			assert.WithinDuration(t, at, *found.DeliveredAt, time.Second)
			assert.Nil(t, found.ReadAt)

			err = repo.AdvanceStatus(ctx, message.ID, models.MessageStatusRead, utils.UTCNow())
			require.NoError(t, err)

			found, err = repo.ByID(ctx, message.ID)
			require.NoError(t, err)
			assert.Equal(t, models.MessageStatusRead, found.Status)
			assert.NotNil(t, found.ReadAt)
		})

		t.Run("AdvanceStatusIgnoresStaleReceipt", func(t *testing.T) {
			contact, err := fixtures.CreateTestContact("school-gamma")
			require.NoError(t, err)
			message, err := fixtures.CreateTestMessage("school-gamma", contact, models.MessageStatusSent)
			require.NoError(t, err)

			err = repo.AdvanceStatus(ctx, message.ID, models.MessageStatusRead, utils.UTCNow())
			require.NoError(t, err)

			// A delivered receipt that raced the read one: its handler loaded
			// the row while it was still sent, so its in-memory check passed.
			// The guarded UPDATE must not let it win.
			err = repo.AdvanceStatus(ctx, message.ID, models.MessageStatusDelivered, utils.UTCNow())
			require.NoError(t, err)

			found, err := repo.ByID(ctx, message.ID)
			require.NoError(t, err)
			assert.Equal(t, models.MessageStatusRead, found.Status)
			assert.Nil(t, found.DeliveredAt)
		})

		t.Run("AdvanceStatusKeepsFailedTerminal", func(t *testing.T) {
			contact, err := fixtures.CreateTestContact("school-gamma")
			require.NoError(t, err)
			message, err := fixtures.CreateTestMessage("school-gamma", contact, models.MessageStatusFailed)
			require.NoError(t, err)

			err = repo.AdvanceStatus(ctx, message.ID, models.MessageStatusDelivered, utils.UTCNow())
			require.NoError(t, err)

			found, err := repo.ByID(ctx, message.ID)
			require.NoError(t, err)
			assert.Equal(t, models.MessageStatusFailed, found.Status)
		})

		t.Run("ByExternalID", func(t *testing.T) {
			contact, err := fixtures.CreateTestContact("school-delta")
			require.NoError(t, err)
			message, err := fixtures.CreateTestMessage("school-delta", contact, models.MessageStatusSent)
			require.NoError(t, err)
			require.NotNil(t, message.ExternalID)

			found, err := repo.ByExternalID(ctx, "school-delta", *message.ExternalID)
			require.NoError(t, err)
			require.NotNil(t, found)
			assert.Equal(t, message.ID, found.ID)

			// Same external ID under another tenant finds nothing
			crossTenant, err := repo.ByExternalID(ctx, "school-epsilon", *message.ExternalID)
			require.NoError(t, err)
			assert.Nil(t, crossTenant)
		})

		t.Run("ByQueueToken", func(t *testing.T) {
			contact, err := fixtures.CreateTestContact("school-zeta")
			require.NoError(t, err)
			message, err := fixtures.CreateTestMessage("school-zeta", contact, models.MessageStatusPending)
			require.NoError(t, err)
			require.NotNil(t, message.QueueToken)

			found, err := repo.ByQueueToken(ctx, *message.QueueToken)
			require.NoError(t, err)
			require.NotNil(t, found)
			assert.Equal(t, message.ID, found.ID)

			missing, err := repo.ByQueueToken(ctx, "no-such-token")
			require.NoError(t, err)
			assert.Nil(t, missing)
		})

		t.Run("ListByTenantNewestFirst", func(t *testing.T) {
			require.NoError(t, testDB.ClearAllTables())

			contact, err := fixtures.CreateTestContact("school-eta")
			require.NoError(t, err)

			first, err := fixtures.CreateTestMessage("school-eta", contact, models.MessageStatusSent)
			require.NoError(t, err)
			second, err := fixtures.CreateTestMessage("school-eta", contact, models.MessageStatusPending)
			require.NoError(t, err)

			messages, err := repo.ListByTenant(ctx, "school-eta", 0, 0)
			require.NoError(t, err)
			require.Len(t, messages, 2)
			assert.Equal(t, second.ID, messages[0].ID)
			assert.Equal(t, first.ID, messages[1].ID)
		})

		t.Run("CountByStatusFilter", func(t *testing.T) {
			require.NoError(t, testDB.ClearAllTables())

			_, _, _, err := fixtures.CreateTenantWithTraffic("school-theta")
			require.NoError(t, err)

			tenantID := "school-theta"
			pending := models.MessageStatusPending
			count, err := repo.Count(ctx, models.MessageFilter{TenantID: &tenantID, Status: &pending})
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)

			total, err := repo.Count(ctx, models.MessageFilter{TenantID: &tenantID})
			require.NoError(t, err)
			assert.Equal(t, int64(5), total)
		})

		return nil
	})
	require.NoError(t, err)
}

func TestMessageLogRepository(t *testing.T) {
	err := testingutil.TestWithDB(func(testDB *testingutil.TestDB) error {
		fixtures := testingutil.NewTestFixtures(testDB)
		repo := repository.NewMessageLogRepository(testDB.DB)
		ctx := testingutil.CreateTestContext()

		t.Run("ListByQueueTokenInAttemptOrder", func(t *testing.T) {
			contact, err := fixtures.CreateTestContact("school-alpha")
			require.NoError(t, err)
			message, err := fixtures.CreateTestMessage("school-alpha", contact, models.MessageStatusPending)
			require.NoError(t, err)
			require.NotNil(t, message.QueueToken)

			_, err = fixtures.CreateTestMessageLog(message, 2, models.DeliveryOutcomeRetry)
			require.NoError(t, err)
			_, err = fixtures.CreateTestMessageLog(message, 1, models.DeliveryOutcomeRetry)
			require.NoError(t, err)
			_, err = fixtures.CreateTestMessageLog(message, 3, models.DeliveryOutcomeSuccess)
			require.NoError(t, err)

			entries, err := repo.ListByQueueToken(ctx, *message.QueueToken)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, 1, entries[0].Attempt)
			assert.Equal(t, 2, entries[1].Attempt)
			assert.Equal(t, 3, entries[2].Attempt)
			assert.Equal(t, models.DeliveryOutcomeSuccess, entries[2].Outcome)
		})

		t.Run("ListByTenant", func(t *testing.T) {
			require.NoError(t, testDB.ClearAllTables())

			contact, err := fixtures.CreateTestContact("school-beta")
			require.NoError(t, err)
			message, err := fixtures.CreateTestMessage("school-beta", contact, models.MessageStatusPending)
			require.NoError(t, err)

			_, err = fixtures.CreateTestMessageLog(message, 1, models.DeliveryOutcomeRetry)
			require.NoError(t, err)
			_, err = fixtures.CreateTestMessageLog(message, 2, models.DeliveryOutcomeFailed)
			require.NoError(t, err)

			entries, err := repo.ListByTenant(ctx, "school-beta", 0, 0)
			require.NoError(t, err)
			assert.Len(t, entries, 2)

			none, err := repo.ListByTenant(ctx, "school-gamma", 0, 0)
			require.NoError(t, err)
			assert.Empty(t, none)
		})

		return nil
	})
	require.NoError(t, err)
}
