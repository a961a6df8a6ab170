package app_test

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/subscriptions/internal/app"
	"github.com/felixgeelhaar/subscriptions/internal/billing/application"
	"github.com/felixgeelhaar/subscriptions/internal/billing/infrastructure/persistence"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/lock"
	"github.com/felixgeelhaar/subscriptions/pkg/config"
	"github.com/felixgeelhaar/subscriptions/pkg/observability"
)

func localConfig(t *testing.T, extra map[string]string) *config.Config {
	t.Helper()
	vars := map[string]string{
		"APP_ENV":     "test",
		"SQLITE_PATH": filepath.Join(t.TempDir(), "subscriptions.db"),
	}
	for k, v := range extra {
		vars[k] = v
	}
	cfg, err := config.LoadFromMap(vars)
	require.NoError(t, err)
	return cfg
}

func TestNewContainer_Local(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	c, err := app.NewContainer(ctx, localConfig(t, nil), logger)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	assert.Nil(t, c.RedisClient)
	assert.IsType(t, &lock.LocalLocker{}, c.Locker)
	assert.False(t, c.UsesBroker())
	require.NotNil(t, c.UnitOfWork)

	seeded, err := c.Seed(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(persistence.DefaultPlans), seeded.PlansCreated)

	user, err := c.Users.GetUserByEmail(ctx, persistence.DefaultUser.Email)
	require.NoError(t, err)
	require.NotNil(t, user)
	plans, err := c.Catalog.ListPlans(ctx, true)
	require.NoError(t, err)
	require.NotEmpty(t, plans)

	view, err := c.Manager.Create(ctx, application.CreateCommand{UserID: user.ID, PlanID: plans[0].ID, AutoRenew: true})
	require.NoError(t, err)
	assert.Equal(t, plans[0].Name, view.Plan.Name)

	// the created event reaches the notification consumer in process
	require.NoError(t, c.OutboxProcessor.ProcessOnce(ctx))
	assert.Contains(t, buf.String(), "sending subscription notification")
	assert.Contains(t, buf.String(), "notification_type=created")

	health := c.Health.Check(ctx)
	assert.Equal(t, observability.HealthStatusHealthy, health.Status)
	assert.Contains(t, health.Checks, "database")

	families, err := c.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNewContainer_MigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, err := app.NewContainer(ctx, localConfig(t, nil), observability.DiscardLogger())
	require.NoError(t, err)
	t.Cleanup(c.Close)

	results, err := c.Migrate(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestNewContainer_Redis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	c, err := app.NewContainer(ctx, localConfig(t, map[string]string{"REDIS_URL": "redis://" + mr.Addr()}), observability.DiscardLogger())
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.NotNil(t, c.RedisClient)
	assert.IsType(t, &lock.RedisLocker{}, c.Locker)
	assert.Contains(t, c.Health.Check(ctx).Checks, "redis")

	_, err = c.Seed(ctx)
	require.NoError(t, err)
	plans, err := c.Catalog.ListPlans(ctx, true)
	require.NoError(t, err)
	require.NotEmpty(t, plans)

	plan, err := c.PlanCache.GetPlan(ctx, plans[0].ID)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.True(t, mr.Exists("billing:plan:"+plans[0].ID.String()))

	n, err := c.Sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewContainer_RedisUnavailable(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	t.Run("development falls back", func(t *testing.T) {
		cfg := localConfig(t, map[string]string{"APP_ENV": "development", "REDIS_URL": "redis://" + addr})
		c, err := app.NewContainer(ctx, cfg, observability.DiscardLogger())
		require.NoError(t, err)
		t.Cleanup(c.Close)

		assert.Nil(t, c.RedisClient)
		assert.IsType(t, &lock.LocalLocker{}, c.Locker)
	})

	t.Run("production fails", func(t *testing.T) {
		cfg := localConfig(t, map[string]string{"APP_ENV": "production", "REDIS_URL": "redis://" + addr})
		_, err := app.NewContainer(ctx, cfg, observability.DiscardLogger())
		require.Error(t, err)
	})
}

func TestNewContainer_Clock(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	now := start

	c, err := app.NewContainer(ctx, localConfig(t, nil), observability.DiscardLogger(), app.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	t.Cleanup(c.Close)

	_, err = c.Seed(ctx)
	require.NoError(t, err)
	user, err := c.Users.GetUserByEmail(ctx, persistence.DefaultUser.Email)
	require.NoError(t, err)
	plans, err := c.Catalog.ListPlans(ctx, true)
	require.NoError(t, err)

	view, err := c.Manager.Create(ctx, application.CreateCommand{UserID: user.ID, PlanID: plans[0].ID})
	require.NoError(t, err)
	assert.Equal(t, start, view.StartDate)

	now = view.EndDate
	n, err := c.Sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
