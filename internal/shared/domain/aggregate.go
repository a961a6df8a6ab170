package domain

import (
	"time"

	"github.com/google/uuid"
)

// AggregateRoot is the consistency boundary that records domain events.
type AggregateRoot interface {
	ID() uuid.UUID
	CreatedAt() time.Time
	UpdatedAt() time.Time
	Version() int
	DomainEvents() []DomainEvent
	ClearDomainEvents()
}

// BaseAggregateRoot holds identity, timestamps, the optimistic concurrency
// version and the uncommitted events of an aggregate.
type BaseAggregateRoot struct {
	id           uuid.UUID
	createdAt    time.Time
	updatedAt    time.Time
	version      int
	domainEvents []DomainEvent
}

// NewBaseAggregateRoot creates a fresh aggregate identity with a time-ordered ID.
func NewBaseAggregateRoot(now time.Time) BaseAggregateRoot {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	now = now.UTC()
	return BaseAggregateRoot{
		id:        id,
		createdAt: now,
		updatedAt: now,
	}
}

// RehydrateBaseAggregateRoot recreates aggregate state loaded from storage.
func RehydrateBaseAggregateRoot(id uuid.UUID, createdAt, updatedAt time.Time, version int) BaseAggregateRoot {
	return BaseAggregateRoot{
		id:        id,
		createdAt: createdAt.UTC(),
		updatedAt: updatedAt.UTC(),
		version:   version,
	}
}

func (a *BaseAggregateRoot) ID() uuid.UUID        { return a.id }
func (a *BaseAggregateRoot) CreatedAt() time.Time { return a.createdAt }
func (a *BaseAggregateRoot) UpdatedAt() time.Time { return a.updatedAt }
func (a *BaseAggregateRoot) Version() int         { return a.version }

// Touch moves the updatedAt timestamp forward.
func (a *BaseAggregateRoot) Touch(now time.Time) {
	a.updatedAt = now.UTC()
}

// IncrementVersion is called by repositories after a successful write.
func (a *BaseAggregateRoot) IncrementVersion() {
	a.version++
}

// DomainEvents returns the events recorded since the last clear.
func (a *BaseAggregateRoot) DomainEvents() []DomainEvent {
	return a.domainEvents
}

// ClearDomainEvents drops the recorded events once they have been persisted.
func (a *BaseAggregateRoot) ClearDomainEvents() {
	a.domainEvents = nil
}

// AddDomainEvent records an event.
func (a *BaseAggregateRoot) AddDomainEvent(event DomainEvent) {
	a.domainEvents = append(a.domainEvents, event)
}
