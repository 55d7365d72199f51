package businessflow

import (
	"sync"
	"testing"
	"time"

	"github.com/matriculaplus/messaging/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionRegistryGetOrCreate(t *testing.T) {
	registry := NewConnectionRegistry("inst_", 3)

	snap := registry.GetOrCreate("school-1")
	assert.Equal(t, "school-1", snap.TenantID)
	assert.Equal(t, "inst_school-1", snap.ClientID)
	assert.Equal(t, models.ConnectionStatusDisconnected, snap.Status)
	assert.Equal(t, 0, snap.Stats.PendingCount)

	again := registry.GetOrCreate("school-1")
	assert.Equal(t, snap.ClientID, again.ClientID)
}

func TestConnectionRegistryEnqueueFIFO(t *testing.T) {
	registry := NewConnectionRegistry("inst_", 3)

	tokenA := registry.Enqueue("school-1", &QueuedMessage{Phone: "5511999990001", Content: "first"})
	tokenB := registry.Enqueue("school-1", &QueuedMessage{Phone: "5511999990002", Content: "second"})
	require.NotEmpty(t, tokenA)
	require.NotEmpty(t, tokenB)
	assert.NotEqual(t, tokenA, tokenB)

	stats := registry.QueueStats("school-1")
	assert.Equal(t, 2, stats.PendingCount)
	assert.Equal(t, 0, stats.RetryingCount)

	registry.SetStatus("school-1", models.ConnectionStatusConnected, nil, nil)
	require.True(t, registry.BeginDrain("school-1"))
	batch := registry.PeekBatch("school-1", 5)
	require.Len(t, batch, 2)
	assert.Equal(t, "first", batch[0].Content)
	assert.Equal(t, "second", batch[1].Content)
	registry.EndDrain("school-1")
}

func TestConnectionRegistryQueueStatsUnknownTenant(t *testing.T) {
	registry := NewConnectionRegistry("inst_", 3)
	stats := registry.QueueStats("never-seen")
	assert.Equal(t, QueueStats{}, stats)

	_, ok := registry.Snapshot("never-seen")
	assert.False(t, ok)
}

func TestConnectionRegistrySetStatus(t *testing.T) {
	registry := NewConnectionRegistry("inst_", 3)

	qr := "qr-payload"
	previous, changed := registry.SetStatus("school-1", models.ConnectionStatusConnecting, &qr, nil)
	assert.Equal(t, models.ConnectionStatusDisconnected, previous)
	assert.True(t, changed)

	snap, ok := registry.Snapshot("school-1")
	require.True(t, ok)
	assert.Equal(t, models.ConnectionStatusConnecting, snap.Status)
	assert.Equal(t, "qr-payload", snap.QRCode)

	// Re-applying the same status is a no-op
	_, changed = registry.SetStatus("school-1", models.ConnectionStatusConnecting, nil, nil)
	assert.False(t, changed)

	// Connecting clears the stale QR code
	previous, changed = registry.SetStatus("school-1", models.ConnectionStatusConnected, nil, nil)
	assert.Equal(t, models.ConnectionStatusConnecting, previous)
	assert.True(t, changed)
	snap, _ = registry.Snapshot("school-1")
	assert.Empty(t, snap.QRCode)
}

func TestConnectionRegistrySingleDrainExclusion(t *testing.T) {
	registry := NewConnectionRegistry("inst_", 3)
	registry.Enqueue("school-1", &QueuedMessage{Phone: "5511999990001", Content: "hello"})
	registry.SetStatus("school-1", models.ConnectionStatusConnected, nil, nil)

	require.True(t, registry.BeginDrain("school-1"))
	assert.False(t, registry.BeginDrain("school-1"), "second drain must observe the first and back off")
	registry.EndDrain("school-1")
	assert.True(t, registry.BeginDrain("school-1"))
	registry.EndDrain("school-1")
}

func TestConnectionRegistryBeginDrainRequiresWork(t *testing.T) {
	registry := NewConnectionRegistry("inst_", 3)

	// Unknown tenant
	assert.False(t, registry.BeginDrain("school-1"))

	// Known but disconnected
	registry.Enqueue("school-1", &QueuedMessage{Phone: "5511999990001", Content: "hello"})
	assert.False(t, registry.BeginDrain("school-1"))

	// Connected but empty
	registry.SetStatus("school-2", models.ConnectionStatusConnected, nil, nil)
	assert.False(t, registry.BeginDrain("school-2"))
}

func TestConnectionRegistryRecordFailure(t *testing.T) {
	registry := NewConnectionRegistry("inst_", 3)
	token := registry.Enqueue("school-1", &QueuedMessage{Phone: "5511999990001", Content: "hello"})

	msg, exhausted := registry.RecordFailure("school-1", token)
	require.NotNil(t, msg)
	assert.False(t, exhausted)
	assert.Equal(t, 1, msg.Attempts)
	assert.Equal(t, 1, registry.QueueStats("school-1").RetryingCount)

	_, exhausted = registry.RecordFailure("school-1", token)
	assert.False(t, exhausted)

	msg, exhausted = registry.RecordFailure("school-1", token)
	require.NotNil(t, msg)
	assert.True(t, exhausted, "third failure reaches maxAttempts=3")
	assert.Equal(t, 0, registry.QueueStats("school-1").PendingCount)

	// Message is gone; further failures are no-ops
	msg, exhausted = registry.RecordFailure("school-1", token)
	assert.Nil(t, msg)
	assert.False(t, exhausted)
}

func TestConnectionRegistryEnqueueTriggersDrain(t *testing.T) {
	registry := NewConnectionRegistry("inst_", 3)
	registry.Start()
	defer registry.Stop()

	triggered := make(chan string, 4)
	registry.SetDrainTrigger(func(tenantID string) {
		triggered <- tenantID
	})

	// Disconnected tenant: no trigger
	registry.Enqueue("school-1", &QueuedMessage{Phone: "5511999990001", Content: "queued offline"})
	select {
	case <-triggered:
		t.Fatal("enqueue on a disconnected tenant must not trigger a drain")
	case <-time.After(50 * time.Millisecond):
	}

	// Coming online with pending work triggers a drain
	registry.SetStatus("school-1", models.ConnectionStatusConnected, nil, nil)
	select {
	case tenantID := <-triggered:
		assert.Equal(t, "school-1", tenantID)
	case <-time.After(time.Second):
		t.Fatal("connected transition with pending work must trigger a drain")
	}

	// Enqueue while connected triggers a drain
	registry.Enqueue("school-1", &QueuedMessage{Phone: "5511999990002", Content: "queued online"})
	select {
	case tenantID := <-triggered:
		assert.Equal(t, "school-1", tenantID)
	case <-time.After(time.Second):
		t.Fatal("enqueue while connected must trigger a drain")
	}
}

func TestConnectionRegistryCrossTenantIndependence(t *testing.T) {
	registry := NewConnectionRegistry("inst_", 3)
	registry.SetStatus("school-a", models.ConnectionStatusConnected, nil, nil)
	registry.SetStatus("school-b", models.ConnectionStatusConnected, nil, nil)

	const perTenant = 50
	var wg sync.WaitGroup
	for _, tenant := range []string{"school-a", "school-b"} {
		wg.Add(1)
		go func(tenantID string) {
			defer wg.Done()
			for i := 0; i < perTenant; i++ {
				registry.Enqueue(tenantID, &QueuedMessage{Phone: "5511999990001", Content: tenantID})
			}
		}(tenant)
	}
	wg.Wait()

	assert.Equal(t, perTenant, registry.QueueStats("school-a").PendingCount)
	assert.Equal(t, perTenant, registry.QueueStats("school-b").PendingCount)

	// Holding tenant A's drain slot must not block tenant B
	require.True(t, registry.BeginDrain("school-a"))
	require.True(t, registry.BeginDrain("school-b"))
	registry.EndDrain("school-a")
	registry.EndDrain("school-b")

	tenants := registry.TenantsWithPending()
	assert.ElementsMatch(t, []string{"school-a", "school-b"}, tenants)
}

func TestConnectionRegistryRemove(t *testing.T) {
	registry := NewConnectionRegistry("inst_", 3)
	tokenA := registry.Enqueue("school-1", &QueuedMessage{Phone: "5511999990001", Content: "a"})
	tokenB := registry.Enqueue("school-1", &QueuedMessage{Phone: "5511999990002", Content: "b"})

	registry.Remove("school-1", tokenA)
	assert.Equal(t, 1, registry.QueueStats("school-1").PendingCount)

	registry.SetStatus("school-1", models.ConnectionStatusConnected, nil, nil)
	require.True(t, registry.BeginDrain("school-1"))
	batch := registry.PeekBatch("school-1", 5)
	require.Len(t, batch, 1)
	assert.Equal(t, tokenB, batch[0].Token)
	registry.EndDrain("school-1")
}
