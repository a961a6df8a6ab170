package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	sharedDomain "github.com/felixgeelhaar/subscriptions/internal/shared/domain"
)

const aggregateType = "Subscription"

// Routing keys of subscription events.
const (
	RoutingKeyCreated          = "billing.subscription.created"
	RoutingKeyPlanChanged      = "billing.subscription.plan_changed"
	RoutingKeyAutoRenewChanged = "billing.subscription.auto_renew_changed"
	RoutingKeyCancelled        = "billing.subscription.cancelled"
	RoutingKeyExpired          = "billing.subscription.expired"
)

// SubscriptionCreated is emitted when a subscription is created.
type SubscriptionCreated struct {
	sharedDomain.BaseEvent
	SubscriptionID uuid.UUID       `json:"subscription_id"`
	UserID         uuid.UUID       `json:"user_id"`
	PlanID         uuid.UUID       `json:"plan_id"`
	PlanName       string          `json:"plan_name"`
	Price          decimal.Decimal `json:"price"`
	StartDate      time.Time       `json:"start_date"`
	EndDate        time.Time       `json:"end_date"`
	AutoRenew      bool            `json:"auto_renew"`
}

// NewSubscriptionCreated creates a SubscriptionCreated event.
func NewSubscriptionCreated(s *Subscription, plan Plan) *SubscriptionCreated {
	return &SubscriptionCreated{
		BaseEvent:      sharedDomain.NewBaseEvent(s.ID(), aggregateType, RoutingKeyCreated, s.UpdatedAt()),
		SubscriptionID: s.ID(),
		UserID:         s.UserID(),
		PlanID:         plan.ID,
		PlanName:       plan.Name,
		Price:          plan.Price,
		StartDate:      s.StartDate(),
		EndDate:        s.EndDate(),
		AutoRenew:      s.AutoRenew(),
	}
}

// SubscriptionPlanChanged is emitted when a subscription switches plans.
type SubscriptionPlanChanged struct {
	sharedDomain.BaseEvent
	SubscriptionID uuid.UUID `json:"subscription_id"`
	UserID         uuid.UUID `json:"user_id"`
	PreviousPlanID uuid.UUID `json:"previous_plan_id"`
	PlanID         uuid.UUID `json:"plan_id"`
	EndDate        time.Time `json:"end_date"`
	TermReset      bool      `json:"term_reset"`
	AutoRenew      bool      `json:"auto_renew"`
}

// NewSubscriptionPlanChanged creates a SubscriptionPlanChanged event.
func NewSubscriptionPlanChanged(s *Subscription, previousPlanID uuid.UUID, termReset bool) *SubscriptionPlanChanged {
	return &SubscriptionPlanChanged{
		BaseEvent:      sharedDomain.NewBaseEvent(s.ID(), aggregateType, RoutingKeyPlanChanged, s.UpdatedAt()),
		SubscriptionID: s.ID(),
		UserID:         s.UserID(),
		PreviousPlanID: previousPlanID,
		PlanID:         s.PlanID(),
		EndDate:        s.EndDate(),
		TermReset:      termReset,
		AutoRenew:      s.AutoRenew(),
	}
}

// SubscriptionAutoRenewChanged is emitted when auto-renew is toggled.
type SubscriptionAutoRenewChanged struct {
	sharedDomain.BaseEvent
	SubscriptionID uuid.UUID `json:"subscription_id"`
	UserID         uuid.UUID `json:"user_id"`
	AutoRenew      bool      `json:"auto_renew"`
}

// NewSubscriptionAutoRenewChanged creates a SubscriptionAutoRenewChanged event.
func NewSubscriptionAutoRenewChanged(s *Subscription) *SubscriptionAutoRenewChanged {
	return &SubscriptionAutoRenewChanged{
		BaseEvent:      sharedDomain.NewBaseEvent(s.ID(), aggregateType, RoutingKeyAutoRenewChanged, s.UpdatedAt()),
		SubscriptionID: s.ID(),
		UserID:         s.UserID(),
		AutoRenew:      s.AutoRenew(),
	}
}

// SubscriptionCancelled is emitted when a subscription is cancelled.
type SubscriptionCancelled struct {
	sharedDomain.BaseEvent
	SubscriptionID uuid.UUID `json:"subscription_id"`
	UserID         uuid.UUID `json:"user_id"`
	PlanID         uuid.UUID `json:"plan_id"`
	EndDate        time.Time `json:"end_date"`
}

// NewSubscriptionCancelled creates a SubscriptionCancelled event.
func NewSubscriptionCancelled(s *Subscription) *SubscriptionCancelled {
	return &SubscriptionCancelled{
		BaseEvent:      sharedDomain.NewBaseEvent(s.ID(), aggregateType, RoutingKeyCancelled, s.UpdatedAt()),
		SubscriptionID: s.ID(),
		UserID:         s.UserID(),
		PlanID:         s.PlanID(),
		EndDate:        s.EndDate(),
	}
}

// SubscriptionExpired is emitted when a subscription's term runs out.
type SubscriptionExpired struct {
	sharedDomain.BaseEvent
	SubscriptionID uuid.UUID `json:"subscription_id"`
	UserID         uuid.UUID `json:"user_id"`
	PlanID         uuid.UUID `json:"plan_id"`
	EndDate        time.Time `json:"end_date"`
	AutoRenew      bool      `json:"auto_renew"`
}

// NewSubscriptionExpired creates a SubscriptionExpired event.
func NewSubscriptionExpired(s *Subscription) *SubscriptionExpired {
	return &SubscriptionExpired{
		BaseEvent:      sharedDomain.NewBaseEvent(s.ID(), aggregateType, RoutingKeyExpired, s.UpdatedAt()),
		SubscriptionID: s.ID(),
		UserID:         s.UserID(),
		PlanID:         s.PlanID(),
		EndDate:        s.EndDate(),
		AutoRenew:      s.AutoRenew(),
	}
}
