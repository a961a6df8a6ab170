package persistence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/felixgeelhaar/subscriptions/internal/billing/domain"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/database"
)

const subscriptionsTable = "subscriptions"

var subscriptionColumns = []string{
	"id", "user_id", "plan_id", "status", "start_date", "end_date",
	"auto_renew", "version", "created_at", "updated_at",
}

// SQLSubscriptionStore implements domain.SubscriptionStore for Postgres and
// SQLite. One-active-per-user is enforced by the partial unique index
// subscriptions_one_active_per_user.
type SQLSubscriptionStore struct {
	conn database.Connection
	sb   sq.StatementBuilderType
}

// NewSQLSubscriptionStore creates a new store.
func NewSQLSubscriptionStore(conn database.Connection) *SQLSubscriptionStore {
	return &SQLSubscriptionStore{conn: conn, sb: conn.Driver().Builder()}
}

func (s *SQLSubscriptionStore) exec(ctx context.Context) database.Executor {
	return database.ExecutorFromContext(ctx, s.conn)
}

func (s *SQLSubscriptionStore) timeArg(t time.Time) any {
	return s.conn.Driver().TimeValue(t)
}

func (s *SQLSubscriptionStore) selectBuilder() sq.SelectBuilder {
	return s.sb.Select(subscriptionColumns...).From(subscriptionsTable)
}

// FindActiveByUser returns the user's ACTIVE subscription, or nil.
func (s *SQLSubscriptionStore) FindActiveByUser(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	return s.findOne(ctx, s.selectBuilder().
		Where(sq.Eq{"user_id": userID, "status": string(domain.StatusActive)}))
}

// FindByID returns the subscription, or nil.
func (s *SQLSubscriptionStore) FindByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	return s.findOne(ctx, s.selectBuilder().Where(sq.Eq{"id": id}))
}

func (s *SQLSubscriptionStore) findOne(ctx context.Context, b sq.SelectBuilder) (*domain.Subscription, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build subscription select: %w", err)
	}
	sub, err := scanSubscription(s.exec(ctx).QueryRow(ctx, query, args...))
	if database.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// List returns subscriptions matching filter.
func (s *SQLSubscriptionStore) List(ctx context.Context, filter domain.ListFilter) ([]*domain.Subscription, error) {
	b := s.selectBuilder()
	if filter.Status != nil {
		b = b.Where(sq.Eq{"status": string(*filter.Status)})
	}
	if filter.UserID != nil {
		b = b.Where(sq.Eq{"user_id": *filter.UserID}).OrderBy("created_at DESC", "id DESC")
	} else {
		b = b.OrderBy("id")
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build subscription list: %w", err)
	}
	rows, err := s.exec(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

// Insert stores a new subscription.
func (s *SQLSubscriptionStore) Insert(ctx context.Context, sub *domain.Subscription) error {
	query, args, err := s.sb.Insert(subscriptionsTable).
		Columns(subscriptionColumns...).
		Values(
			sub.ID(), sub.UserID(), sub.PlanID(), string(sub.Status()),
			s.timeArg(sub.StartDate()), s.timeArg(sub.EndDate()),
			sub.AutoRenew(), sub.Version()+1,
			s.timeArg(sub.CreatedAt()), s.timeArg(sub.UpdatedAt()),
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build subscription insert: %w", err)
	}

	if _, err := s.exec(ctx).Exec(ctx, query, args...); err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("insert subscription for user %s: %w", sub.UserID(), domain.ErrConstraintViolation)
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	sub.IncrementVersion()
	return nil
}

// Update applies mutate to the stored subscription with a compare-and-swap
// on version. On Postgres the row is also locked for the rest of the
// transaction.
func (s *SQLSubscriptionStore) Update(ctx context.Context, id uuid.UUID, mutate func(*domain.Subscription) error) (*domain.Subscription, error) {
	b := s.selectBuilder().Where(sq.Eq{"id": id})
	if s.conn.Driver().SupportsRowLocks() {
		b = b.Suffix("FOR UPDATE")
	}
	sub, err := s.findOne(ctx, b)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, domain.ErrSubscriptionNotFound
	}

	if err := mutate(sub); err != nil {
		return nil, err
	}

	query, args, err := s.sb.Update(subscriptionsTable).
		Set("plan_id", sub.PlanID()).
		Set("status", string(sub.Status())).
		Set("end_date", s.timeArg(sub.EndDate())).
		Set("auto_renew", sub.AutoRenew()).
		Set("updated_at", s.timeArg(sub.UpdatedAt())).
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{"id": id, "version": sub.Version()}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build subscription update: %w", err)
	}

	res, err := s.exec(ctx).Exec(ctx, query, args...)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, fmt.Errorf("update subscription %s: %w", id, domain.ErrConstraintViolation)
		}
		return nil, fmt.Errorf("update subscription %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update subscription %s: %w", id, err)
	}
	if n == 0 {
		return nil, domain.ErrConcurrentModification
	}

	sub.IncrementVersion()
	return sub, nil
}

// ExpireDue expires every ACTIVE subscription whose end date is at or
// before asOf in a single statement.
func (s *SQLSubscriptionStore) ExpireDue(ctx context.Context, asOf, now time.Time) ([]*domain.Subscription, error) {
	query, args, err := s.sb.Update(subscriptionsTable).
		Set("status", string(domain.StatusExpired)).
		Set("updated_at", s.timeArg(now)).
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{"status": string(domain.StatusActive)}).
		Where(sq.LtOrEq{"end_date": s.timeArg(asOf)}).
		Suffix("RETURNING " + strings.Join(subscriptionColumns, ", ")).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build expire statement: %w", err)
	}

	rows, err := s.exec(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("expire subscriptions: %w", err)
	}
	expired, err := collectSubscriptions(rows)
	if err != nil {
		return nil, fmt.Errorf("expire subscriptions: %w", err)
	}

	// RETURNING order is unspecified
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ID().String() < expired[j].ID().String()
	})
	return expired, nil
}

func collectSubscriptions(rows database.Rows) ([]*domain.Subscription, error) {
	defer func() { _ = rows.Close() }()

	subs := make([]*domain.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return subs, nil
}

func scanSubscription(row database.Row) (*domain.Subscription, error) {
	var (
		id, userID, planID   uuid.UUID
		status               string
		startDate, endDate   database.Timestamp
		autoRenew            bool
		version              int
		createdAt, updatedAt database.Timestamp
	)
	if err := row.Scan(&id, &userID, &planID, &status, &startDate, &endDate,
		&autoRenew, &version, &createdAt, &updatedAt); err != nil {
		if database.IsNoRows(err) {
			return nil, err
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	parsed, err := domain.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("subscription %s: %w", id, err)
	}

	return domain.RehydrateSubscription(id, userID, planID, parsed,
		startDate.Time, endDate.Time, autoRenew,
		createdAt.Time, updatedAt.Time, version), nil
}

var _ domain.SubscriptionStore = (*SQLSubscriptionStore)(nil)
