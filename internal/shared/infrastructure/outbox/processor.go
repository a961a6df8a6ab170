package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/felixgeelhaar/subscriptions/internal/shared/domain"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/subscriptions/pkg/observability"
)

// ProcessorConfig holds configuration for the outbox processor.
type ProcessorConfig struct {
	PollInterval     time.Duration
	BatchSize        int
	MaxRetries       int
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
	// PublishRate caps messages per second sent to the broker. Zero disables
	// the limit.
	PublishRate float64
	// Retention is how long published messages are kept before cleanup.
	Retention       time.Duration
	CleanupInterval time.Duration
}

// DefaultProcessorConfig returns sensible defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		PollInterval:     time.Second,
		BatchSize:        100,
		MaxRetries:       5,
		RetryBackoffBase: time.Second,
		RetryBackoffMax:  time.Minute,
		PublishRate:      200,
		Retention:        14 * 24 * time.Hour,
		CleanupInterval:  24 * time.Hour,
	}
}

// Option configures a Processor.
type Option func(*Processor)

// WithMetrics records publish outcomes.
func WithMetrics(m observability.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// Processor polls the outbox and publishes events to the message broker.
type Processor struct {
	repo      Repository
	publisher eventbus.Publisher
	config    ProcessorConfig
	logger    *slog.Logger
	metrics   observability.Metrics
	limiter   *rate.Limiter
	now       func() time.Time

	running atomic.Bool

	statsMu sync.Mutex
	stats   Stats
}

// NewProcessor creates a new outbox processor.
func NewProcessor(repo Repository, publisher eventbus.Publisher, config ProcessorConfig, logger *slog.Logger, opts ...Option) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if config.PublishRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.PublishRate), max(1, int(config.PublishRate)))
	}

	p := &Processor{
		repo:      repo,
		publisher: publisher,
		config:    config,
		logger:    logger,
		metrics:   observability.NoopMetrics{},
		limiter:   limiter,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until ctx is cancelled. It returns nil on cancellation.
func (p *Processor) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("outbox processor already running")
	}
	defer p.running.Store(false)

	p.logger.InfoContext(ctx, "outbox processor started",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize,
		"publish_rate", p.config.PublishRate,
	)
	defer p.logger.Info("outbox processor stopped")

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.processBatch(ctx); err != nil && ctx.Err() == nil {
				p.logger.ErrorContext(ctx, "failed to process outbox batch", "error", err)
			}
		}
	}
}

// IsRunning returns true while Run is active.
func (p *Processor) IsRunning() bool {
	return p.running.Load()
}

// ProcessOnce processes a single batch synchronously.
func (p *Processor) ProcessOnce(ctx context.Context) error {
	return p.processBatch(ctx)
}

func (p *Processor) processBatch(ctx context.Context) error {
	messages, err := p.repo.GetUnpublished(ctx, p.config.BatchSize, p.now())
	if err != nil {
		p.recordError(err)
		return err
	}

	p.recordProcessed(messages)

	for _, msg := range messages {
		if err := p.limiter.Wait(ctx); err != nil {
			// ctx cancelled; the rest of the batch is picked up next run
			return nil
		}
		p.handle(ctx, msg)
	}

	if pending, err := p.repo.CountPending(ctx); err == nil {
		p.metrics.Gauge(observability.MetricOutboxPending, float64(pending))
	}
	return nil
}

func (p *Processor) handle(ctx context.Context, msg *Message) {
	tag := observability.T("routing_key", msg.RoutingKey)

	if err := p.publisher.Publish(ctx, msg.RoutingKey, msg.Payload); err != nil {
		meta := p.metadataFields(msg)
		p.logger.WarnContext(ctx, "failed to publish message",
			"id", msg.ID,
			"routing_key", msg.RoutingKey,
			"event_id", msg.EventID,
			"correlation_id", meta.CorrelationID,
			"user_id", meta.UserID,
			"retry_count", msg.RetryCount,
			"error", err,
		)
		p.fail(ctx, msg, err, tag)
		return
	}

	if err := p.repo.MarkPublished(ctx, msg.ID, p.now()); err != nil {
		p.logger.ErrorContext(ctx, "failed to mark message as published",
			"id", msg.ID,
			"event_id", msg.EventID,
			"error", err,
		)
		return
	}
	p.metrics.Counter(observability.MetricOutboxPublished, 1, tag)
	p.recordPublished()
}

func (p *Processor) fail(ctx context.Context, msg *Message, cause error, tag observability.Tag) {
	errStr := cause.Error()
	if p.shouldDeadLetter(msg) {
		p.metrics.Counter(observability.MetricOutboxDeadLettered, 1, tag)
		p.recordDead(cause)
		if err := p.repo.MarkDead(ctx, msg.ID, errStr, p.now()); err != nil {
			p.logger.ErrorContext(ctx, "failed to mark message as dead-lettered",
				"id", msg.ID,
				"error", err,
			)
		}
		return
	}

	p.metrics.Counter(observability.MetricOutboxFailed, 1, tag)
	p.recordFailed(cause)
	nextRetryAt := p.now().Add(p.retryBackoff(msg.RetryCount + 1))
	if err := p.repo.MarkFailed(ctx, msg.ID, errStr, nextRetryAt); err != nil {
		p.logger.ErrorContext(ctx, "failed to mark message as failed",
			"id", msg.ID,
			"error", err,
		)
	}
}

func (p *Processor) shouldDeadLetter(msg *Message) bool {
	if p.config.MaxRetries <= 0 {
		return true
	}
	return msg.RetryCount+1 >= p.config.MaxRetries
}

func (p *Processor) retryBackoff(attempt int) time.Duration {
	base := p.config.RetryBackoffBase
	if base <= 0 {
		base = time.Second
	}
	ceiling := p.config.RetryBackoffMax
	if ceiling <= 0 {
		ceiling = time.Minute
	}

	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= ceiling {
			return ceiling
		}
	}
	return min(backoff, ceiling)
}

// Cleanup deletes published messages older than the retention period.
func (p *Processor) Cleanup(ctx context.Context) (int64, error) {
	retention := p.config.Retention
	if retention <= 0 {
		retention = DefaultProcessorConfig().Retention
	}
	deleted, err := p.repo.DeleteOld(ctx, p.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		p.logger.InfoContext(ctx, "outbox cleanup", "deleted", deleted)
	}
	return deleted, nil
}

// RunCleanup calls Cleanup every CleanupInterval until ctx is cancelled.
func (p *Processor) RunCleanup(ctx context.Context) error {
	interval := p.config.CleanupInterval
	if interval <= 0 {
		interval = DefaultProcessorConfig().CleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.Cleanup(ctx); err != nil && ctx.Err() == nil {
				p.logger.ErrorContext(ctx, "outbox cleanup failed", "error", err)
			}
		}
	}
}

type metadataFields struct {
	CorrelationID string
	UserID        string
}

func (p *Processor) metadataFields(msg *Message) metadataFields {
	if len(msg.Metadata) == 0 {
		return metadataFields{}
	}

	var metadata domain.EventMetadata
	if err := json.Unmarshal(msg.Metadata, &metadata); err != nil {
		return metadataFields{}
	}

	return metadataFields{
		CorrelationID: metadata.CorrelationID.String(),
		UserID:        metadata.UserID.String(),
	}
}

// Stats returns processor statistics.
type Stats struct {
	IsRunning       bool
	PublishedCount  uint64
	FailedCount     uint64
	DeadCount       uint64
	LagSeconds      float64
	LastError       string
	LastErrorAt     *time.Time
	LastProcessedAt *time.Time
	OldestMessageAt *time.Time
}

// GetStats returns current processor statistics.
func (p *Processor) GetStats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	stats := p.stats
	stats.IsRunning = p.IsRunning()
	return stats
}

func (p *Processor) recordPublished() {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.PublishedCount++
}

func (p *Processor) recordFailed(err error) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.FailedCount++
	p.setLastError(err)
}

func (p *Processor) recordDead(err error) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.DeadCount++
	p.setLastError(err)
}

func (p *Processor) recordError(err error) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.setLastError(err)
}

// setLastError requires statsMu.
func (p *Processor) setLastError(err error) {
	now := p.now()
	p.stats.LastError = err.Error()
	p.stats.LastErrorAt = &now
}

func (p *Processor) recordProcessed(messages []*Message) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	now := p.now()
	p.stats.LastProcessedAt = &now
	if len(messages) == 0 {
		p.stats.LagSeconds = 0
		p.stats.OldestMessageAt = nil
		return
	}

	oldest := messages[0].CreatedAt
	for _, msg := range messages[1:] {
		if msg.CreatedAt.Before(oldest) {
			oldest = msg.CreatedAt
		}
	}
	p.stats.OldestMessageAt = &oldest
	p.stats.LagSeconds = now.Sub(oldest).Seconds()
}
