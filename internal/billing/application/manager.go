// Package application runs subscription use cases inside units of work.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/subscriptions/internal/billing/domain"
	sharedApplication "github.com/felixgeelhaar/subscriptions/internal/shared/application"
	sharedDomain "github.com/felixgeelhaar/subscriptions/internal/shared/domain"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/subscriptions/pkg/observability"
)

// DefaultMutationRetries is how often a lost optimistic write is retried.
const DefaultMutationRetries = 3

// Manager owns every subscription state change. Writes run in one unit of
// work together with the outbox rows of the events they raise.
type Manager struct {
	store   domain.SubscriptionStore
	plans   domain.PlanCatalog
	users   domain.UserDirectory
	outbox  outbox.Repository
	uow     sharedApplication.UnitOfWork
	views   domain.PlanCatalog
	logger  *slog.Logger
	metrics observability.Metrics
	clock   func() time.Time
	retries int
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics observability.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithMutationRetries sets how many times a write that lost a concurrent
// modification race is attempted in total.
func WithMutationRetries(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.retries = n
		}
	}
}

// WithViewCatalog sets the catalog used to resolve plans for read views,
// typically a cache in front of the transactional catalog.
func WithViewCatalog(catalog domain.PlanCatalog) Option {
	return func(m *Manager) { m.views = catalog }
}

// NewManager creates a Manager.
func NewManager(
	store domain.SubscriptionStore,
	plans domain.PlanCatalog,
	users domain.UserDirectory,
	outboxRepo outbox.Repository,
	uow sharedApplication.UnitOfWork,
	opts ...Option,
) *Manager {
	m := &Manager{
		store:   store,
		plans:   plans,
		users:   users,
		outbox:  outboxRepo,
		uow:     uow,
		views:   plans,
		logger:  slog.Default(),
		metrics: observability.NoopMetrics{},
		clock:   time.Now,
		retries: DefaultMutationRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// now is truncated to what both databases store.
func (m *Manager) now() time.Time {
	return m.clock().UTC().Truncate(time.Microsecond)
}

func (m *Manager) timer(operation string) *observability.Timer {
	return observability.StartTimer(operation, m.logger, m.metrics)
}

// Create starts an ACTIVE subscription for the user.
func (m *Manager) Create(ctx context.Context, cmd CreateCommand) (view *SubscriptionView, err error) {
	ctx = observability.WithOperation(ctx, cmd.CommandName())
	timer := m.timer(cmd.CommandName())
	defer func() { timer.Stop(err) }()

	var sub *domain.Subscription
	err = sharedApplication.WithUnitOfWork(ctx, m.uow, func(txCtx context.Context) error {
		user, err := m.users.GetUser(txCtx, cmd.UserID)
		if err != nil {
			return fmt.Errorf("load user: %w", err)
		}
		if user == nil {
			return domain.ErrUserNotFound
		}

		plan, err := m.plans.GetActivePlan(txCtx, cmd.PlanID)
		if err != nil {
			return fmt.Errorf("load plan: %w", err)
		}
		if plan == nil {
			return domain.ErrPlanNotFound
		}

		existing, err := m.store.FindActiveByUser(txCtx, cmd.UserID)
		if err != nil {
			return fmt.Errorf("load active subscription: %w", err)
		}
		if existing != nil {
			return domain.ErrAlreadySubscribed
		}

		sub, err = domain.NewSubscription(cmd.UserID, *plan, cmd.AutoRenew, m.now())
		if err != nil {
			return err
		}
		if err := m.store.Insert(txCtx, sub); err != nil {
			// lost the race against a concurrent create for the same user
			if errors.Is(err, domain.ErrConstraintViolation) {
				return domain.ErrAlreadySubscribed
			}
			return err
		}
		return m.saveEvents(txCtx, cmd.UserID, sub.DomainEvents())
	})
	if err != nil {
		m.logFailure(ctx, cmd.CommandName(), cmd.UserID, err)
		return nil, err
	}
	sub.ClearDomainEvents()

	m.metrics.Counter(observability.MetricSubscriptionsCreated, 1)
	m.logger.InfoContext(ctx, "subscription created",
		observability.SubscriptionIDKey, sub.ID(),
		observability.UserIDKey, sub.UserID(),
		observability.PlanIDKey, sub.PlanID(),
		"end_date", sub.EndDate(),
	)
	return m.detailedView(ctx, sub)
}

// ChangePlan binds the user's active subscription to another active plan.
func (m *Manager) ChangePlan(ctx context.Context, cmd ChangePlanCommand) (view *SubscriptionView, err error) {
	ctx = observability.WithOperation(ctx, cmd.CommandName())
	timer := m.timer(cmd.CommandName())
	defer func() { timer.Stop(err) }()

	sub, err := m.mutate(ctx, cmd, cmd.UserID, func(txCtx context.Context, s *domain.Subscription) error {
		target, err := m.plans.GetActivePlan(txCtx, cmd.PlanID)
		if err != nil {
			return fmt.Errorf("load plan: %w", err)
		}
		if target == nil {
			return domain.ErrPlanNotFound
		}
		current, err := m.plans.GetPlan(txCtx, s.PlanID())
		if err != nil {
			return fmt.Errorf("load current plan: %w", err)
		}
		return s.ChangePlan(current, *target, cmd.AutoRenew, m.now())
	})
	if err != nil {
		return nil, err
	}

	m.metrics.Counter(observability.MetricPlanChanges, 1)
	m.logger.InfoContext(ctx, "subscription plan changed",
		observability.SubscriptionIDKey, sub.ID(),
		observability.UserIDKey, sub.UserID(),
		observability.PlanIDKey, sub.PlanID(),
		"end_date", sub.EndDate(),
	)
	return m.detailedView(ctx, sub)
}

// SetAutoRenew turns renewal on or off for the user's active subscription.
func (m *Manager) SetAutoRenew(ctx context.Context, cmd SetAutoRenewCommand) (view *SubscriptionView, err error) {
	ctx = observability.WithOperation(ctx, cmd.CommandName())
	timer := m.timer(cmd.CommandName())
	defer func() { timer.Stop(err) }()

	sub, err := m.mutate(ctx, cmd, cmd.UserID, func(_ context.Context, s *domain.Subscription) error {
		return s.SetAutoRenew(cmd.AutoRenew, m.now())
	})
	if err != nil {
		return nil, err
	}

	m.logger.InfoContext(ctx, "subscription auto-renew updated",
		observability.SubscriptionIDKey, sub.ID(),
		observability.UserIDKey, sub.UserID(),
		"auto_renew", sub.AutoRenew(),
	)
	return m.detailedView(ctx, sub)
}

// Cancel ends the user's active subscription.
func (m *Manager) Cancel(ctx context.Context, cmd CancelCommand) (view *SubscriptionView, err error) {
	ctx = observability.WithOperation(ctx, cmd.CommandName())
	timer := m.timer(cmd.CommandName())
	defer func() { timer.Stop(err) }()

	sub, err := m.mutate(ctx, cmd, cmd.UserID, func(_ context.Context, s *domain.Subscription) error {
		return s.Cancel(m.now())
	})
	if err != nil {
		return nil, err
	}

	m.metrics.Counter(observability.MetricSubscriptionsCancelled, 1)
	m.logger.InfoContext(ctx, "subscription cancelled",
		observability.SubscriptionIDKey, sub.ID(),
		observability.UserIDKey, sub.UserID(),
	)
	return m.detailedView(ctx, sub)
}

// mutate applies fn to the user's active subscription. The whole unit of
// work is retried when the store reports a concurrent modification.
func (m *Manager) mutate(
	ctx context.Context,
	cmd sharedApplication.Command,
	userID uuid.UUID,
	fn func(txCtx context.Context, sub *domain.Subscription) error,
) (*domain.Subscription, error) {
	var (
		result *domain.Subscription
		err    error
	)
	for attempt := 1; attempt <= m.retries; attempt++ {
		err = sharedApplication.WithUnitOfWork(ctx, m.uow, func(txCtx context.Context) error {
			current, err := m.store.FindActiveByUser(txCtx, userID)
			if err != nil {
				return fmt.Errorf("load active subscription: %w", err)
			}
			if current == nil {
				return domain.ErrNoActiveSubscription
			}

			updated, err := m.store.Update(txCtx, current.ID(), func(s *domain.Subscription) error {
				return fn(txCtx, s)
			})
			if err != nil {
				return err
			}
			result = updated
			return m.saveEvents(txCtx, userID, updated.DomainEvents())
		})
		if !errors.Is(err, domain.ErrConcurrentModification) || attempt == m.retries {
			break
		}

		m.metrics.Counter(observability.MetricMutationRetries, 1, observability.T(observability.OperationKey, cmd.CommandName()))
		m.logger.DebugContext(ctx, "retrying after concurrent modification",
			observability.UserIDKey, userID,
			"attempt", attempt,
		)
	}
	if err != nil {
		m.logFailure(ctx, cmd.CommandName(), userID, err)
		return nil, err
	}
	result.ClearDomainEvents()
	return result, nil
}

// Expire moves every ACTIVE subscription whose end date is at or before
// asOf to EXPIRED and returns how many changed. Running it again for the
// same asOf changes nothing.
func (m *Manager) Expire(ctx context.Context, asOf time.Time) (count int, err error) {
	ctx = observability.WithOperation(ctx, "expire_subscriptions")
	timer := m.timer("expire_subscriptions")
	defer func() { timer.Stop(err) }()

	var expired []*domain.Subscription
	err = sharedApplication.WithUnitOfWork(ctx, m.uow, func(txCtx context.Context) error {
		var err error
		expired, err = m.store.ExpireDue(txCtx, asOf.UTC(), m.now())
		if err != nil {
			return err
		}

		for _, sub := range expired {
			events := []sharedDomain.DomainEvent{domain.NewSubscriptionExpired(sub)}
			if err := m.saveEvents(txCtx, sub.UserID(), events); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "expiring subscriptions failed", "as_of", asOf, observability.ErrorKey, err)
		return 0, err
	}

	if len(expired) > 0 {
		m.metrics.Counter(observability.MetricSubscriptionsExpired, int64(len(expired)))
		for _, sub := range expired {
			m.logger.InfoContext(ctx, "subscription expired",
				observability.SubscriptionIDKey, sub.ID(),
				observability.UserIDKey, sub.UserID(),
				"end_date", sub.EndDate(),
			)
		}
	}
	return len(expired), nil
}

// ExpireNow expires everything due at the current time.
func (m *Manager) ExpireNow(ctx context.Context) (int, error) {
	return m.Expire(ctx, m.now())
}

// Get returns the user's ACTIVE subscription.
func (m *Manager) Get(ctx context.Context, userID uuid.UUID) (*SubscriptionView, error) {
	sub, err := m.store.FindActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load active subscription: %w", err)
	}
	if sub == nil {
		return nil, domain.ErrNoActiveSubscription
	}
	return m.detailedView(ctx, sub)
}

// GetByID returns a subscription in any state.
func (m *Manager) GetByID(ctx context.Context, id uuid.UUID) (*SubscriptionView, error) {
	sub, err := m.store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	return m.detailedView(ctx, sub)
}

// List returns subscriptions matching q, ordered by id, or newest first
// when filtered by user.
func (m *Manager) List(ctx context.Context, q ListQuery) ([]*SubscriptionView, error) {
	subs, err := m.store.List(ctx, domain.ListFilter{Status: q.Status, UserID: q.UserID})
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	views := make([]*SubscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, newView(sub))
	}
	if q.WithDetails {
		if err := m.resolve(ctx, views); err != nil {
			return nil, err
		}
	}
	return views, nil
}

// History returns every subscription the user ever had, newest first.
func (m *Manager) History(ctx context.Context, userID uuid.UUID) ([]*SubscriptionView, error) {
	user, err := m.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return nil, domain.ErrUserNotFound
	}
	return m.List(ctx, ListQuery{UserID: &userID, WithDetails: true})
}

func (m *Manager) detailedView(ctx context.Context, sub *domain.Subscription) (*SubscriptionView, error) {
	view := newView(sub)
	if err := m.resolve(ctx, []*SubscriptionView{view}); err != nil {
		return nil, err
	}
	return view, nil
}

// resolve fills in plan and user snapshots. It must run outside the write
// transaction because the view catalog may be cached.
func (m *Manager) resolve(ctx context.Context, views []*SubscriptionView) error {
	plans := make(map[uuid.UUID]*domain.Plan)
	users := make(map[uuid.UUID]*domain.User)

	for _, view := range views {
		plan, ok := plans[view.PlanID]
		if !ok {
			var err error
			if plan, err = m.views.GetPlan(ctx, view.PlanID); err != nil {
				return fmt.Errorf("resolve plan %s: %w", view.PlanID, err)
			}
			plans[view.PlanID] = plan
		}
		view.Plan = plan

		user, ok := users[view.UserID]
		if !ok {
			var err error
			if user, err = m.users.GetUser(ctx, view.UserID); err != nil {
				return fmt.Errorf("resolve user %s: %w", view.UserID, err)
			}
			users[view.UserID] = user
		}
		view.User = user
	}
	return nil
}

func (m *Manager) saveEvents(ctx context.Context, userID uuid.UUID, events []sharedDomain.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	sharedApplication.ApplyEventMetadata(events, sharedApplication.NewEventMetadata(ctx, userID))

	msgs, err := outbox.NewMessages(events)
	if err != nil {
		return err
	}
	if err := m.outbox.SaveBatch(ctx, msgs); err != nil {
		return fmt.Errorf("save events to outbox: %w", err)
	}
	return nil
}

func (m *Manager) logFailure(ctx context.Context, operation string, userID uuid.UUID, err error) {
	level := slog.LevelWarn
	if !isExpected(err) {
		level = slog.LevelError
	}
	m.logger.Log(ctx, level, "subscription operation failed",
		observability.OperationKey, operation,
		observability.UserIDKey, userID,
		observability.ErrorKey, err,
	)
}

// isExpected reports errors caused by the request rather than the system.
func isExpected(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrConflict) ||
		errors.Is(err, domain.ErrInvalidState)
}
