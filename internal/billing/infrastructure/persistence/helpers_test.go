package persistence_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/subscriptions/internal/billing/domain"
	"github.com/felixgeelhaar/subscriptions/internal/billing/infrastructure/persistence"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/database/sqlite"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/migrations"
	"github.com/felixgeelhaar/subscriptions/pkg/observability"
)

type fixture struct {
	conn  database.Connection
	plans map[string]*domain.Plan
	user  *domain.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	conn, err := sqlite.NewConnection(ctx, database.Config{
		Driver:     database.DriverSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "billing.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = migrations.Run(ctx, conn, observability.DiscardLogger())
	require.NoError(t, err)

	_, err = persistence.Seed(ctx, conn, time.Now())
	require.NoError(t, err)

	plans, err := persistence.NewSQLPlanCatalog(conn).ListPlans(ctx, false)
	require.NoError(t, err)

	f := &fixture{conn: conn, plans: make(map[string]*domain.Plan)}
	for _, p := range plans {
		f.plans[p.Name] = p
	}

	f.user, err = persistence.NewSQLUserDirectory(conn).GetUserByEmail(ctx, persistence.DefaultUser.Email)
	require.NoError(t, err)
	require.NotNil(t, f.user)
	return f
}

func (f *fixture) plan(t *testing.T, name string) domain.Plan {
	t.Helper()
	p, ok := f.plans[name]
	require.True(t, ok, "unknown plan %s", name)
	return *p
}

func (f *fixture) addUser(t *testing.T, email string) uuid.UUID {
	t.Helper()
	id := uuid.Must(uuid.NewV7())
	query, args, err := f.conn.Driver().Builder().
		Insert("users").
		Columns("id", "email", "full_name").
		Values(id, email, email).
		ToSql()
	require.NoError(t, err)
	_, err = f.conn.Exec(context.Background(), query, args...)
	require.NoError(t, err)
	return id
}

func (f *fixture) addPlan(t *testing.T, name string, days int, active bool) uuid.UUID {
	t.Helper()
	id := uuid.Must(uuid.NewV7())
	query, args, err := f.conn.Driver().Builder().
		Insert("plans").
		Columns("id", "name", "price", "duration_days", "is_active").
		Values(id, name, "5.00", days, active).
		ToSql()
	require.NoError(t, err)
	_, err = f.conn.Exec(context.Background(), query, args...)
	require.NoError(t, err)
	return id
}

// subscription builds an ACTIVE subscription whose term ends at end.
func (f *fixture) subscription(t *testing.T, userID uuid.UUID, plan domain.Plan, end time.Time) *domain.Subscription {
	t.Helper()
	sub, err := domain.NewSubscription(userID, plan, false, end.Add(-plan.Term()))
	require.NoError(t, err)
	return sub
}
