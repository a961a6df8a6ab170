package application_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/subscriptions/internal/billing/application"
	"github.com/felixgeelhaar/subscriptions/internal/billing/domain"
	"github.com/felixgeelhaar/subscriptions/internal/billing/infrastructure/persistence"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/database/sqlite"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/migrations"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/subscriptions/pkg/observability"
)

var t0 = time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	conn    database.Connection
	store   *persistence.SQLSubscriptionStore
	catalog *persistence.SQLPlanCatalog
	users   *persistence.SQLUserDirectory
	outbox  *outbox.SQLRepository
	clock   *clock
	metrics *observability.InMemoryMetrics
	plans   map[string]domain.Plan
	userID  uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	conn, err := sqlite.NewConnection(ctx, database.Config{
		Driver:     database.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "lifecycle.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = migrations.Run(ctx, conn, observability.DiscardLogger())
	require.NoError(t, err)
	_, err = persistence.Seed(ctx, conn, t0)
	require.NoError(t, err)

	e := &env{
		conn:    conn,
		store:   persistence.NewSQLSubscriptionStore(conn),
		catalog: persistence.NewSQLPlanCatalog(conn),
		users:   persistence.NewSQLUserDirectory(conn),
		outbox:  outbox.NewSQLRepository(conn),
		clock:   &clock{now: t0},
		metrics: observability.NewInMemoryMetrics(),
		plans:   make(map[string]domain.Plan),
	}

	plans, err := e.catalog.ListPlans(ctx, false)
	require.NoError(t, err)
	for _, p := range plans {
		e.plans[p.Name] = *p
	}

	user, err := e.users.GetUserByEmail(ctx, persistence.DefaultUser.Email)
	require.NoError(t, err)
	require.NotNil(t, user)
	e.userID = user.ID
	return e
}

// manager builds a Manager over store, which defaults to the SQL store.
func (e *env) manager(store domain.SubscriptionStore, opts ...application.Option) *application.Manager {
	if store == nil {
		store = e.store
	}
	opts = append([]application.Option{
		application.WithClock(e.clock.Now),
		application.WithLogger(observability.DiscardLogger()),
		application.WithMetrics(e.metrics),
	}, opts...)
	return application.NewManager(store, e.catalog, e.users, e.outbox, database.NewUnitOfWork(e.conn), opts...)
}

func (e *env) plan(t *testing.T, name string) domain.Plan {
	t.Helper()
	p, ok := e.plans[name]
	require.True(t, ok, "unknown plan %s", name)
	return p
}

func (e *env) addUser(t *testing.T, email string) uuid.UUID {
	t.Helper()
	id := uuid.Must(uuid.NewV7())
	query, args, err := e.conn.Driver().Builder().
		Insert("users").
		Columns("id", "email", "full_name").
		Values(id, email, email).
		ToSql()
	require.NoError(t, err)
	_, err = e.conn.Exec(context.Background(), query, args...)
	require.NoError(t, err)
	return id
}

func (e *env) retirePlan(t *testing.T, name string) domain.Plan {
	t.Helper()
	plan := e.plan(t, name)
	query, args, err := e.conn.Driver().Builder().
		Update("plans").
		Set("is_active", false).
		Where("id = ?", plan.ID).
		ToSql()
	require.NoError(t, err)
	_, err = e.conn.Exec(context.Background(), query, args...)
	require.NoError(t, err)
	return plan
}

// events returns the routing keys written to the outbox, oldest first.
func (e *env) events(t *testing.T) []string {
	t.Helper()
	msgs, err := e.outbox.GetUnpublished(context.Background(), 1000, t0.AddDate(10, 0, 0))
	require.NoError(t, err)
	keys := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		keys = append(keys, msg.RoutingKey)
	}
	return keys
}

func ptr[T any](v T) *T { return &v }
