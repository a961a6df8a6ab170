package application

import (
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/subscriptions/internal/billing/domain"
)

// CreateCommand subscribes a user to a plan.
type CreateCommand struct {
	UserID    uuid.UUID
	PlanID    uuid.UUID
	AutoRenew bool
}

func (CreateCommand) CommandName() string { return "create_subscription" }

// ChangePlanCommand moves the user's active subscription to another plan.
// A nil AutoRenew keeps the current flag.
type ChangePlanCommand struct {
	UserID    uuid.UUID
	PlanID    uuid.UUID
	AutoRenew *bool
}

func (ChangePlanCommand) CommandName() string { return "change_plan" }

// SetAutoRenewCommand toggles renewal on the user's active subscription.
type SetAutoRenewCommand struct {
	UserID    uuid.UUID
	AutoRenew bool
}

func (SetAutoRenewCommand) CommandName() string { return "set_auto_renew" }

// CancelCommand cancels the user's active subscription.
type CancelCommand struct {
	UserID uuid.UUID
}

func (CancelCommand) CommandName() string { return "cancel_subscription" }

// ListQuery filters Manager.List.
type ListQuery struct {
	Status      *domain.Status
	UserID      *uuid.UUID
	WithDetails bool
}

// SubscriptionView is a subscription with its plan and user resolved.
// Plan and User are nil when not requested or no longer resolvable.
type SubscriptionView struct {
	ID        uuid.UUID     `json:"id"`
	UserID    uuid.UUID     `json:"user_id"`
	PlanID    uuid.UUID     `json:"plan_id"`
	Status    domain.Status `json:"status"`
	StartDate time.Time     `json:"start_date"`
	EndDate   time.Time     `json:"end_date"`
	AutoRenew bool          `json:"auto_renew"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Version   int           `json:"version"`

	Plan *domain.Plan `json:"plan,omitempty"`
	User *domain.User `json:"user,omitempty"`
}

func newView(sub *domain.Subscription) *SubscriptionView {
	return &SubscriptionView{
		ID:        sub.ID(),
		UserID:    sub.UserID(),
		PlanID:    sub.PlanID(),
		Status:    sub.Status(),
		StartDate: sub.StartDate(),
		EndDate:   sub.EndDate(),
		AutoRenew: sub.AutoRenew(),
		CreatedAt: sub.CreatedAt(),
		UpdatedAt: sub.UpdatedAt(),
		Version:   sub.Version(),
	}
}
