package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ListFilter narrows SubscriptionStore.List. Zero values match everything.
type ListFilter struct {
	Status *Status
	UserID *uuid.UUID
}

// SubscriptionStore persists subscriptions. It is the only way rows are
// written, and it enforces one ACTIVE subscription per user with a storage
// constraint.
type SubscriptionStore interface {
	// FindActiveByUser returns the user's ACTIVE subscription, or nil.
	FindActiveByUser(ctx context.Context, userID uuid.UUID) (*Subscription, error)

	// FindByID returns the subscription, or nil.
	FindByID(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// List returns subscriptions ordered by id. When filtering by user they
	// are ordered newest first instead.
	List(ctx context.Context, filter ListFilter) ([]*Subscription, error)

	// Insert stores a new subscription. It fails with ErrConstraintViolation
	// when the user already has an ACTIVE subscription.
	Insert(ctx context.Context, sub *Subscription) error

	// Update loads the subscription, applies mutate and writes it back only
	// if nobody else wrote it in between. It fails with
	// ErrSubscriptionNotFound for unknown ids and ErrConcurrentModification
	// when the write loses a race.
	Update(ctx context.Context, id uuid.UUID, mutate func(*Subscription) error) (*Subscription, error)

	// ExpireDue moves every ACTIVE subscription with end date <= asOf to
	// EXPIRED in one statement and returns the rows it changed.
	ExpireDue(ctx context.Context, asOf, now time.Time) ([]*Subscription, error)
}

// PlanCatalog resolves plans.
type PlanCatalog interface {
	// GetActivePlan returns the plan if it exists and is active, or nil.
	GetActivePlan(ctx context.Context, id uuid.UUID) (*Plan, error)

	// GetPlan returns the plan regardless of its active flag, or nil.
	GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error)
}

// UserDirectory resolves users.
type UserDirectory interface {
	// GetUser returns the user, or nil.
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
}
