// Package scheduler
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/matriculaplus/messaging/app/services"
	businessflow "github.com/matriculaplus/messaging/business_flow"
	"github.com/matriculaplus/messaging/config"
	"github.com/matriculaplus/messaging/models"
	"github.com/matriculaplus/messaging/repository"
	"github.com/matriculaplus/messaging/utils"
)

var (
	messagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_messages_sent_total",
			Help: "Messages delivered to the gateway, by tenant",
		},
		[]string{"tenant"},
	)

	messagesFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_messages_failed_total",
			Help: "Messages dropped after exhausting delivery attempts, by tenant",
		},
		[]string{"tenant"},
	)

	messageRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbound_message_retries_total",
			Help: "Failed delivery attempts that will be retried, by tenant",
		},
		[]string{"tenant"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "outbound_queue_depth",
			Help: "Messages waiting in the in-memory queue, by tenant",
		},
		[]string{"tenant"},
	)

	drainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbound_drain_duration_seconds",
			Help:    "Time spent draining one tenant's queue batch",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// QueueProcessor drains every connected tenant's outbound queue on a fixed
// tick and immediately when an enqueue lands on a connected tenant. Tenants
// drain in parallel with each other; the registry's draining flag guarantees
// at most one drain per tenant at a time.
type QueueProcessor struct {
	registry    businessflow.ConnectionRegistry
	gateway     services.GatewayClient
	messageRepo repository.MessageRepository
	logRepo     repository.MessageLogRepository
	logger      *log.Logger
	interval    time.Duration
	batchSize   int
}

func NewQueueProcessor(
	registry businessflow.ConnectionRegistry,
	gateway services.GatewayClient,
	messageRepo repository.MessageRepository,
	logRepo repository.MessageLogRepository,
	logger *log.Logger,
	queueCfg config.QueueConfig,
	loggingCfg config.LoggingConfig,
) *QueueProcessor {
	interval := queueCfg.TickInterval
	if interval <= 0 {
		interval = utils.DefaultQueueTickInterval
	}
	batchSize := queueCfg.BatchSize
	if batchSize <= 0 {
		batchSize = utils.DefaultDrainBatchSize
	}

	p := &QueueProcessor{
		registry:    registry,
		gateway:     gateway,
		messageRepo: messageRepo,
		logRepo:     logRepo,
		logger:      logger,
		interval:    interval,
		batchSize:   batchSize,
	}
	if p.logger == nil {
		p.logger = newProcessorLogger(loggingCfg)
	}
	return p
}

// newProcessorLogger writes to stdout and a rotating file so delivery history
// survives restarts without growing unbounded
func newProcessorLogger(cfg config.LoggingConfig) *log.Logger {
	var w io.Writer = os.Stdout
	if cfg.FilePath != "" && (cfg.Output == "file" || cfg.Output == "both") {
		rotating := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		if cfg.Output == "file" {
			w = rotating
		} else {
			w = io.MultiWriter(os.Stdout, rotating)
		}
	}
	return log.New(w, "queue ", log.LstdFlags|log.Lmicroseconds|log.LUTC)
}

// Start launches the processor loop in a background goroutine and returns a
// stop function. It also installs the processor as the registry's drain
// trigger so enqueue-while-connected drains without waiting for the tick.
func (p *QueueProcessor) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)

	p.registry.SetDrainTrigger(func(tenantID string) {
		p.DrainTenant(ctx, tenantID)
	})
	p.registry.Start()

	go func() {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.runOnce(ctx)
			}
		}
	}()

	return func() {
		p.registry.Stop()
		cancel()
	}
}

// runOnce fans out one drain goroutine per tenant with pending work. It never
// blocks on slow tenants; the per-tenant draining flag keeps overlapping
// ticks safe.
func (p *QueueProcessor) runOnce(ctx context.Context) {
	for _, tenantID := range p.registry.TenantsWithPending() {
		id := tenantID
		go p.DrainTenant(ctx, id)
	}
}

// DrainTenant processes up to one batch of the tenant's oldest queued
// messages in FIFO order. Each message settles independently: a failure never
// aborts the rest of the batch.
func (p *QueueProcessor) DrainTenant(ctx context.Context, tenantID string) {
	if !p.registry.BeginDrain(tenantID) {
		return
	}
	start := time.Now()
	defer func() {
		// The drain slot must be released even if a send panics, or the
		// tenant's queue would wedge forever.
		if r := recover(); r != nil {
			p.logger.Printf("drain: panic for tenant %s: %v", tenantID, r)
		}
		p.registry.EndDrain(tenantID)
		drainDuration.Observe(time.Since(start).Seconds())
		queueDepth.WithLabelValues(tenantID).Set(float64(p.registry.QueueStats(tenantID).PendingCount))
	}()

	clientID := p.registry.ClientID(tenantID)
	batch := p.registry.PeekBatch(tenantID, p.batchSize)

	for _, msg := range batch {
		externalID, err := p.send(ctx, clientID, msg)
		if err != nil {
			p.settleFailure(ctx, tenantID, msg, err)
			continue
		}
		p.settleSuccess(ctx, tenantID, msg, externalID)
	}
}

func (p *QueueProcessor) send(ctx context.Context, clientID string, msg *businessflow.QueuedMessage) (string, error) {
	if msg.IsMedia() {
		return p.gateway.SendMedia(ctx, clientID, msg.Phone, msg.MediaURL, msg.MediaType, msg.Caption)
	}
	return p.gateway.SendText(ctx, clientID, msg.Phone, msg.Content)
}

func (p *QueueProcessor) settleSuccess(ctx context.Context, tenantID string, msg *businessflow.QueuedMessage, externalID string) {
	p.registry.Remove(tenantID, msg.Token)
	messagesSentTotal.WithLabelValues(tenantID).Inc()
	p.logger.Printf("drain: tenant %s message %s sent, external id %s", tenantID, msg.Token, externalID)

	if msg.PersistedMessageID != nil {
		if err := p.messageRepo.MarkSent(ctx, *msg.PersistedMessageID, externalID, utils.UTCNow()); err != nil {
			p.logger.Printf("drain: mark sent failed for message %s: %v", msg.Token, err)
		}
	}
	p.appendLog(ctx, tenantID, msg, msg.Attempts+1, models.DeliveryOutcomeSuccess, nil, &externalID)
}

func (p *QueueProcessor) settleFailure(ctx context.Context, tenantID string, msg *businessflow.QueuedMessage, sendErr error) {
	updated, exhausted := p.registry.RecordFailure(tenantID, msg.Token)
	if updated == nil {
		// Settled elsewhere between peek and failure, nothing left to do
		return
	}

	errMsg := sendErr.Error()
	if exhausted {
		messagesFailedTotal.WithLabelValues(tenantID).Inc()
		p.logger.Printf("drain: tenant %s message %s failed after %d attempts: %v", tenantID, msg.Token, updated.Attempts, sendErr)

		if msg.PersistedMessageID != nil {
			reason := fmt.Sprintf("delivery attempts exhausted: %s", errMsg)
			if err := p.messageRepo.MarkFailed(ctx, *msg.PersistedMessageID, reason, utils.UTCNow()); err != nil {
				p.logger.Printf("drain: mark failed failed for message %s: %v", msg.Token, err)
			}
		}
		p.appendLog(ctx, tenantID, msg, updated.Attempts, models.DeliveryOutcomeFailed, &errMsg, nil)
		return
	}

	messageRetriesTotal.WithLabelValues(tenantID).Inc()
	p.logger.Printf("drain: tenant %s message %s attempt %d/%d failed, will retry: %v", tenantID, msg.Token, updated.Attempts, updated.MaxAttempts, sendErr)
	p.appendLog(ctx, tenantID, msg, updated.Attempts, models.DeliveryOutcomeRetry, &errMsg, nil)
}

func (p *QueueProcessor) appendLog(ctx context.Context, tenantID string, msg *businessflow.QueuedMessage, attempt int, outcome models.DeliveryOutcome, errMsg, externalID *string) {
	entry := &models.MessageLog{
		TenantID:   tenantID,
		QueueToken: msg.Token,
		MessageID:  msg.PersistedMessageID,
		Attempt:    attempt,
		Outcome:    outcome,
		Error:      errMsg,
		ExternalID: externalID,
		CreatedAt:  utils.UTCNow(),
	}
	if err := p.logRepo.Save(ctx, entry); err != nil {
		p.logger.Printf("drain: append delivery log failed for message %s: %v", msg.Token, err)
	}
}
