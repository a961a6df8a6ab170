package application

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/subscriptions/internal/billing/domain"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/subscriptions/pkg/observability"
)

// NotificationConsumer tells users about changes to their subscription.
// Delivery is a log line for now; the hook is where a mailer plugs in.
type NotificationConsumer struct {
	users  domain.UserDirectory
	logger *slog.Logger
}

// NewNotificationConsumer creates a NotificationConsumer.
func NewNotificationConsumer(users domain.UserDirectory, logger *slog.Logger) *NotificationConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationConsumer{users: users, logger: logger}
}

// EventTypes implements eventbus.EventConsumer.
func (c *NotificationConsumer) EventTypes() []string {
	return []string{
		domain.RoutingKeyCreated,
		domain.RoutingKeyPlanChanged,
		domain.RoutingKeyCancelled,
		domain.RoutingKeyExpired,
	}
}

// Handle implements eventbus.EventConsumer.
func (c *NotificationConsumer) Handle(ctx context.Context, event *eventbus.Envelope) error {
	var payload struct {
		SubscriptionID uuid.UUID `json:"subscription_id"`
		UserID         uuid.UUID `json:"user_id"`
	}
	if err := event.Decode(&payload); err != nil {
		return err
	}

	user, err := c.users.GetUser(ctx, payload.UserID)
	if err != nil {
		return fmt.Errorf("load user for notification: %w", err)
	}
	if user == nil {
		c.logger.WarnContext(ctx, "notification skipped, user not found",
			observability.UserIDKey, payload.UserID,
			observability.SubscriptionIDKey, payload.SubscriptionID,
		)
		return nil
	}

	c.logger.InfoContext(ctx, "sending subscription notification",
		"notification_type", strings.TrimPrefix(event.RoutingKey, "billing.subscription."),
		"email", user.Email,
		observability.SubscriptionIDKey, payload.SubscriptionID,
		"event_id", event.EventID,
	)
	return nil
}

var _ eventbus.EventConsumer = (*NotificationConsumer)(nil)
