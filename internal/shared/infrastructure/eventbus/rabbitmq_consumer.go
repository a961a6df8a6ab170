package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultConsumerQueueName is the durable queue used by the worker's
// notification consumers.
const DefaultConsumerQueueName = "subscriptions.notifications"

// RabbitMQConsumerConfig configures the RabbitMQ consumer.
type RabbitMQConsumerConfig struct {
	URL       string
	QueueName string
	Exchange  string
	Logger    *slog.Logger
}

// RabbitMQConsumer feeds messages from a queue bound to the exchange into a
// ConsumerRegistry.
type RabbitMQConsumer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	queue    string
	exchange string
	registry *ConsumerRegistry
	logger   *slog.Logger
}

// NewRabbitMQConsumer connects, declares the queue and binds it to every
// routing key the registry has consumers for.
func NewRabbitMQConsumer(cfg RabbitMQConsumerConfig, registry *ConsumerRegistry) (*RabbitMQConsumer, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueName == "" {
		cfg.QueueName = DefaultConsumerQueueName
	}
	if cfg.Exchange == "" {
		cfg.Exchange = ExchangeName
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	fail := func(step string, err error) (*RabbitMQConsumer, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to %s: %w", step, err)
	}

	if err := declareExchange(ch, cfg.Exchange); err != nil {
		return fail("declare exchange", err)
	}
	if _, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, nil); err != nil {
		return fail("declare queue", err)
	}
	for _, routingKey := range registry.EventTypes() {
		if err := ch.QueueBind(cfg.QueueName, routingKey, cfg.Exchange, false, nil); err != nil {
			return fail("bind queue to "+routingKey, err)
		}
	}

	cfg.Logger.Info("RabbitMQ consumer connected",
		"queue", cfg.QueueName,
		"exchange", cfg.Exchange,
	)

	return &RabbitMQConsumer{
		conn:     conn,
		channel:  ch,
		queue:    cfg.QueueName,
		exchange: cfg.Exchange,
		registry: registry,
		logger:   cfg.Logger,
	}, nil
}

// Run consumes until ctx is cancelled or the channel closes.
func (c *RabbitMQConsumer) Run(ctx context.Context) error {
	if err := c.channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := c.channel.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("message channel closed unexpectedly")
			}
			c.deliver(ctx, msg)
		}
	}
}

func (c *RabbitMQConsumer) deliver(ctx context.Context, msg amqp.Delivery) {
	event := &Envelope{}
	if err := json.Unmarshal(msg.Body, event); err != nil {
		// Malformed messages are dropped rather than redelivered forever.
		c.logger.ErrorContext(ctx, "failed to unmarshal event",
			"routing_key", msg.RoutingKey,
			"error", err,
		)
		_ = msg.Ack(false)
		return
	}
	if event.RoutingKey == "" {
		event.RoutingKey = msg.RoutingKey
	}

	if err := c.registry.Dispatch(ctx, event); err != nil {
		if nackErr := msg.Nack(false, !msg.Redelivered); nackErr != nil {
			c.logger.ErrorContext(ctx, "failed to nack message", "error", nackErr)
		}
		return
	}
	if err := msg.Ack(false); err != nil {
		c.logger.ErrorContext(ctx, "failed to ack message", "error", err)
	}
}

// Close closes the consumer connection.
func (c *RabbitMQConsumer) Close() error {
	if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Warn("error closing channel", "error", err)
	}
	return c.conn.Close()
}
