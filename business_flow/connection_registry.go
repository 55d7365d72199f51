package businessflow

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matriculaplus/messaging/models"
	"github.com/matriculaplus/messaging/utils"
)

// QueuedMessage is one unit of outbound work held in a tenant's in-memory
// queue. PersistedMessageID links back to the durable record when the caller
// created one; queue-only messages carry nil.
type QueuedMessage struct {
	Token              string    `json:"token"`
	TenantID           string    `json:"tenant_id"`
	ContactID          uint      `json:"contact_id"`
	Phone              string    `json:"phone"`
	Content            string    `json:"content"`
	MediaURL           string    `json:"media_url,omitempty"`
	MediaType          string    `json:"media_type,omitempty"`
	Caption            string    `json:"caption,omitempty"`
	PersistedMessageID *uint     `json:"persisted_message_id,omitempty"`
	Attempts           int       `json:"attempts"`
	MaxAttempts        int       `json:"max_attempts"`
	EnqueuedAt         time.Time `json:"enqueued_at"`
}

// IsMedia reports whether the message carries a media attachment
func (m *QueuedMessage) IsMedia() bool {
	return m.MediaURL != ""
}

// QueueStats is a read-only snapshot of a tenant's queue
type QueueStats struct {
	PendingCount  int `json:"pending_count"`
	RetryingCount int `json:"retrying_count"`
}

// ConnectionSnapshot is a point-in-time view of a tenant's gateway session
type ConnectionSnapshot struct {
	TenantID  string                  `json:"tenant_id"`
	ClientID  string                  `json:"client_id"`
	Status    models.ConnectionStatus `json:"status"`
	QRCode    string                  `json:"qr_code,omitempty"`
	LastError string                  `json:"last_error,omitempty"`
	Stats     QueueStats              `json:"queue_stats"`
}

// tenantConnection holds one tenant's live gateway session state. All field
// access goes through the registry's methods; the per-tenant mutex serializes
// writers for one tenant without blocking other tenants.
type tenantConnection struct {
	tenantID string
	clientID string

	mu        sync.Mutex
	status    models.ConnectionStatus
	qrCode    string
	lastError string
	queue     []*QueuedMessage

	// draining is the single-drain exclusion flag, flipped with CAS so two
	// concurrent ticks cannot both start a drain for the same tenant.
	draining atomic.Bool
}

// ConnectionRegistry tracks every tenant's gateway session and outbound queue.
// It is purely in-memory and non-blocking; persistence is the caller's job.
type ConnectionRegistry interface {
	Start()
	Stop()
	GetOrCreate(tenantID string) ConnectionSnapshot
	Enqueue(tenantID string, msg *QueuedMessage) string
	SetStatus(tenantID string, status models.ConnectionStatus, qrCode, lastError *string) (previous models.ConnectionStatus, changed bool)
	QueueStats(tenantID string) QueueStats
	Snapshot(tenantID string) (ConnectionSnapshot, bool)
	ClientID(tenantID string) string
	TenantsWithPending() []string
	BeginDrain(tenantID string) bool
	EndDrain(tenantID string)
	PeekBatch(tenantID string, n int) []*QueuedMessage
	Remove(tenantID, token string)
	RecordFailure(tenantID, token string) (msg *QueuedMessage, exhausted bool)
	SetDrainTrigger(fn func(tenantID string))
}

// ConnectionRegistryImpl implements ConnectionRegistry
type ConnectionRegistryImpl struct {
	mu    sync.RWMutex
	conns map[string]*tenantConnection

	clientIDPrefix string
	maxAttempts    int

	started      atomic.Bool
	drainMu      sync.RWMutex
	drainTrigger func(tenantID string)
}

// NewConnectionRegistry creates a new connection registry
func NewConnectionRegistry(clientIDPrefix string, maxAttempts int) ConnectionRegistry {
	if maxAttempts <= 0 {
		maxAttempts = utils.DefaultMaxAttempts
	}
	return &ConnectionRegistryImpl{
		conns:          make(map[string]*tenantConnection),
		clientIDPrefix: clientIDPrefix,
		maxAttempts:    maxAttempts,
	}
}

// Start enables asynchronous drain triggers
func (r *ConnectionRegistryImpl) Start() {
	r.started.Store(true)
}

// Stop disables asynchronous drain triggers. Queued messages stay in place so
// a restart of the processor resumes where it left off.
func (r *ConnectionRegistryImpl) Stop() {
	r.started.Store(false)
}

// SetDrainTrigger registers the callback fired when an enqueue lands on a
// connected tenant. The queue processor installs itself here.
func (r *ConnectionRegistryImpl) SetDrainTrigger(fn func(tenantID string)) {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()
	r.drainTrigger = fn
}

func (r *ConnectionRegistryImpl) getOrCreateConn(tenantID string) *tenantConnection {
	r.mu.RLock()
	conn, ok := r.conns[tenantID]
	r.mu.RUnlock()
	if ok {
		return conn
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[tenantID]; ok {
		return conn
	}
	conn = &tenantConnection{
		tenantID: tenantID,
		clientID: r.clientIDPrefix + tenantID,
		status:   models.ConnectionStatusDisconnected,
	}
	r.conns[tenantID] = conn
	return conn
}

// GetOrCreate returns the tenant's session snapshot, creating a disconnected
// entry with an empty queue on first sight. Never fails.
func (r *ConnectionRegistryImpl) GetOrCreate(tenantID string) ConnectionSnapshot {
	conn := r.getOrCreateConn(tenantID)
	return conn.snapshot()
}

// Enqueue appends a message to the tenant's queue and returns its queue token.
// When the tenant is connected and no drain is running, a drain is triggered
// asynchronously; the caller never blocks on delivery.
func (r *ConnectionRegistryImpl) Enqueue(tenantID string, msg *QueuedMessage) string {
	conn := r.getOrCreateConn(tenantID)

	conn.mu.Lock()
	if msg.Token == "" {
		msg.Token = uuid.New().String()
	}
	msg.TenantID = tenantID
	if msg.MaxAttempts <= 0 {
		msg.MaxAttempts = r.maxAttempts
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = utils.UTCNow()
	}
	conn.queue = append(conn.queue, msg)
	connected := conn.status == models.ConnectionStatusConnected
	conn.mu.Unlock()

	if connected && !conn.draining.Load() && r.started.Load() {
		r.drainMu.RLock()
		trigger := r.drainTrigger
		r.drainMu.RUnlock()
		if trigger != nil {
			go trigger(tenantID)
		}
	}
	return msg.Token
}

// SetStatus updates the tenant's session state and reports the previous
// status. A connected transition clears any stale QR code and error; callers
// use the (previous, changed) pair to decide on persistence and logging.
func (r *ConnectionRegistryImpl) SetStatus(tenantID string, status models.ConnectionStatus, qrCode, lastError *string) (models.ConnectionStatus, bool) {
	conn := r.getOrCreateConn(tenantID)

	conn.mu.Lock()
	previous := conn.status
	conn.status = status
	if status == models.ConnectionStatusConnected {
		conn.qrCode = ""
		conn.lastError = ""
	}
	if qrCode != nil {
		conn.qrCode = *qrCode
	}
	if lastError != nil {
		conn.lastError = *lastError
	}
	hasPending := len(conn.queue) > 0
	conn.mu.Unlock()

	changed := previous != status

	// A tenant coming online with queued work gets drained right away
	// instead of waiting for the next tick.
	if changed && status == models.ConnectionStatusConnected && hasPending && r.started.Load() {
		r.drainMu.RLock()
		trigger := r.drainTrigger
		r.drainMu.RUnlock()
		if trigger != nil {
			go trigger(tenantID)
		}
	}
	return previous, changed
}

// QueueStats returns the pending and retrying counts for a tenant. Unknown
// tenants report an empty queue.
func (r *ConnectionRegistryImpl) QueueStats(tenantID string) QueueStats {
	r.mu.RLock()
	conn, ok := r.conns[tenantID]
	r.mu.RUnlock()
	if !ok {
		return QueueStats{}
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.statsLocked()
}

// Snapshot returns the tenant's session view without creating an entry
func (r *ConnectionRegistryImpl) Snapshot(tenantID string) (ConnectionSnapshot, bool) {
	r.mu.RLock()
	conn, ok := r.conns[tenantID]
	r.mu.RUnlock()
	if !ok {
		return ConnectionSnapshot{}, false
	}
	return conn.snapshot(), true
}

// ClientID returns the gateway instance key for a tenant
func (r *ConnectionRegistryImpl) ClientID(tenantID string) string {
	return r.getOrCreateConn(tenantID).clientID
}

// TenantsWithPending lists tenants that are connected and have queued work
func (r *ConnectionRegistryImpl) TenantsWithPending() []string {
	r.mu.RLock()
	conns := make([]*tenantConnection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	var out []string
	for _, conn := range conns {
		conn.mu.Lock()
		ready := conn.status == models.ConnectionStatusConnected && len(conn.queue) > 0
		conn.mu.Unlock()
		if ready {
			out = append(out, conn.tenantID)
		}
	}
	return out
}

// BeginDrain claims the tenant's drain slot. It returns false when another
// drain is in flight, the tenant is not connected, or the queue is empty.
func (r *ConnectionRegistryImpl) BeginDrain(tenantID string) bool {
	r.mu.RLock()
	conn, ok := r.conns[tenantID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if !conn.draining.CompareAndSwap(false, true) {
		return false
	}

	conn.mu.Lock()
	ready := conn.status == models.ConnectionStatusConnected && len(conn.queue) > 0
	conn.mu.Unlock()
	if !ready {
		conn.draining.Store(false)
		return false
	}
	return true
}

// EndDrain releases the tenant's drain slot. Must run even when a send panics.
func (r *ConnectionRegistryImpl) EndDrain(tenantID string) {
	r.mu.RLock()
	conn, ok := r.conns[tenantID]
	r.mu.RUnlock()
	if ok {
		conn.draining.Store(false)
	}
}

// PeekBatch returns up to n oldest queued messages in enqueue order without
// removing them. The caller settles each one via Remove or RecordFailure.
func (r *ConnectionRegistryImpl) PeekBatch(tenantID string, n int) []*QueuedMessage {
	r.mu.RLock()
	conn, ok := r.conns[tenantID]
	r.mu.RUnlock()
	if !ok || n <= 0 {
		return nil
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if n > len(conn.queue) {
		n = len(conn.queue)
	}
	batch := make([]*QueuedMessage, n)
	copy(batch, conn.queue[:n])
	return batch
}

// Remove drops a settled message from the tenant's queue
func (r *ConnectionRegistryImpl) Remove(tenantID, token string) {
	r.mu.RLock()
	conn, ok := r.conns[tenantID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	conn.removeLocked(token)
}

// RecordFailure increments a message's attempt count. Once the count reaches
// the ceiling the message is removed and exhausted is true; the caller marks
// the durable record failed.
func (r *ConnectionRegistryImpl) RecordFailure(tenantID, token string) (*QueuedMessage, bool) {
	r.mu.RLock()
	conn, ok := r.conns[tenantID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	for _, m := range conn.queue {
		if m.Token == token {
			m.Attempts++
			if m.Attempts >= m.MaxAttempts {
				conn.removeLocked(token)
				return m, true
			}
			return m, false
		}
	}
	return nil, false
}

func (c *tenantConnection) snapshot() ConnectionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionSnapshot{
		TenantID:  c.tenantID,
		ClientID:  c.clientID,
		Status:    c.status,
		QRCode:    c.qrCode,
		LastError: c.lastError,
		Stats:     c.statsLocked(),
	}
}

func (c *tenantConnection) statsLocked() QueueStats {
	stats := QueueStats{PendingCount: len(c.queue)}
	for _, m := range c.queue {
		if m.Attempts > 0 {
			stats.RetryingCount++
		}
	}
	return stats
}

func (c *tenantConnection) removeLocked(token string) {
	for i, m := range c.queue {
		if m.Token == token {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}
