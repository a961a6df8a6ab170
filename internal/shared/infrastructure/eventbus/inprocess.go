package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// InProcessPublisher delivers events synchronously to local consumers. It
// replaces RabbitMQ when no broker is configured. Consumer failures are
// logged and do not fail the publish, so the outbox never retries a message
// that was already seen by some consumers.
type InProcessPublisher struct {
	registry *ConsumerRegistry
	logger   *slog.Logger
}

// NewInProcessPublisher creates a publisher that dispatches to registry.
func NewInProcessPublisher(registry *ConsumerRegistry, logger *slog.Logger) *InProcessPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcessPublisher{registry: registry, logger: logger}
}

// Publish decodes the envelope and dispatches it.
func (p *InProcessPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	event := &Envelope{}
	if err := json.Unmarshal(payload, event); err != nil {
		p.logger.ErrorContext(ctx, "failed to unmarshal event payload",
			"routing_key", routingKey,
			"error", err,
		)
		return nil
	}
	if event.RoutingKey == "" {
		event.RoutingKey = routingKey
	}

	start := time.Now()
	if err := p.registry.Dispatch(ctx, event); err != nil {
		p.logger.WarnContext(ctx, "event dispatch failed",
			"routing_key", routingKey,
			"event_id", event.EventID,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return nil
	}

	p.logger.DebugContext(ctx, "event dispatched",
		"routing_key", routingKey,
		"event_id", event.EventID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Close is a no-op.
func (p *InProcessPublisher) Close() error {
	return nil
}
