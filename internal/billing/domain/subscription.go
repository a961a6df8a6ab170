package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	sharedDomain "github.com/felixgeelhaar/subscriptions/internal/shared/domain"
)

// Subscription binds a user to a plan for a term.
type Subscription struct {
	sharedDomain.BaseAggregateRoot
	userID    uuid.UUID
	planID    uuid.UUID
	status    Status
	startDate time.Time
	endDate   time.Time
	autoRenew bool
}

// NewSubscription starts an ACTIVE subscription on plan at now.
func NewSubscription(userID uuid.UUID, plan Plan, autoRenew bool, now time.Time) (*Subscription, error) {
	if !plan.IsActive {
		return nil, ErrPlanNotFound
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	now = now.UTC()
	sub := &Subscription{
		BaseAggregateRoot: sharedDomain.NewBaseAggregateRoot(now),
		userID:            userID,
		planID:            plan.ID,
		status:            StatusActive,
		startDate:         now,
		endDate:           plan.TermEnd(now),
		autoRenew:         autoRenew,
	}

	sub.AddDomainEvent(NewSubscriptionCreated(sub, plan))
	return sub, nil
}

// RehydrateSubscription recreates a subscription from persisted state.
func RehydrateSubscription(
	id, userID, planID uuid.UUID,
	status Status,
	startDate, endDate time.Time,
	autoRenew bool,
	createdAt, updatedAt time.Time,
	version int,
) *Subscription {
	return &Subscription{
		BaseAggregateRoot: sharedDomain.RehydrateBaseAggregateRoot(id, createdAt, updatedAt, version),
		userID:            userID,
		planID:            planID,
		status:            status,
		startDate:         startDate.UTC(),
		endDate:           endDate.UTC(),
		autoRenew:         autoRenew,
	}
}

// Getters
func (s *Subscription) UserID() uuid.UUID    { return s.userID }
func (s *Subscription) PlanID() uuid.UUID    { return s.planID }
func (s *Subscription) Status() Status       { return s.status }
func (s *Subscription) StartDate() time.Time { return s.startDate }
func (s *Subscription) EndDate() time.Time   { return s.endDate }
func (s *Subscription) AutoRenew() bool      { return s.autoRenew }
func (s *Subscription) IsActive() bool       { return s.status == StatusActive }

func (s *Subscription) transition(to Status) error {
	if !CanTransition(s.status, to) {
		return fmt.Errorf("%w: cannot move %s subscription to %s", ErrSubscriptionTerminal, s.status, to)
	}
	s.status = to
	return nil
}

// ChangePlan binds the subscription to target. When the term length
// differs from current, the term restarts at now on the target plan and the
// time left on the old plan is dropped. A nil current plan counts as a
// different length. autoRenew overwrites the flag when non-nil.
func (s *Subscription) ChangePlan(current *Plan, target Plan, autoRenew *bool, now time.Time) error {
	if !target.IsActive {
		return ErrPlanNotFound
	}
	if err := target.Validate(); err != nil {
		return err
	}
	if err := s.transition(StatusActive); err != nil {
		return err
	}

	now = now.UTC()
	previousPlanID := s.planID
	termReset := current == nil || current.DurationDays != target.DurationDays

	s.planID = target.ID
	if termReset {
		s.endDate = target.TermEnd(now)
	}
	if autoRenew != nil {
		s.autoRenew = *autoRenew
	}
	s.Touch(now)

	s.AddDomainEvent(NewSubscriptionPlanChanged(s, previousPlanID, termReset))
	return nil
}

// SetAutoRenew changes the renewal flag of an active subscription.
func (s *Subscription) SetAutoRenew(enabled bool, now time.Time) error {
	if err := s.transition(StatusActive); err != nil {
		return err
	}
	s.autoRenew = enabled
	s.Touch(now)

	s.AddDomainEvent(NewSubscriptionAutoRenewChanged(s))
	return nil
}

// Cancel ends the subscription. Auto-renew is switched off.
func (s *Subscription) Cancel(now time.Time) error {
	if err := s.transition(StatusCancelled); err != nil {
		return err
	}
	s.autoRenew = false
	s.Touch(now)

	s.AddDomainEvent(NewSubscriptionCancelled(s))
	return nil
}
