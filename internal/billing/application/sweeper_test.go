package application_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/subscriptions/internal/billing/application"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/lock"
	"github.com/felixgeelhaar/subscriptions/pkg/observability"
)

type fakeExpirer struct {
	calls atomic.Int32
	count int
	err   error
}

func (f *fakeExpirer) ExpireNow(context.Context) (int, error) {
	f.calls.Add(1)
	return f.count, f.err
}

type brokenLocker struct{}

func (brokenLocker) TryAcquire(context.Context, string, time.Duration) (func(), bool, error) {
	return nil, false, errors.New("redis down")
}

func TestSweeper_RunOnce(t *testing.T) {
	ctx := context.Background()
	expirer := &fakeExpirer{count: 4}
	metrics := observability.NewInMemoryMetrics()
	locker := lock.NewLocalLocker()
	sweeper := application.NewSweeper(expirer, locker, application.SweeperConfig{}, observability.DiscardLogger(), metrics)

	n, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Len(t, metrics.GetTimings(observability.MetricSweepDuration), 1)

	// the lease is released afterwards
	release, acquired, err := locker.TryAcquire(ctx, application.SweepLockKey, time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
	release()
}

func TestSweeper_SkipsWhenLeaseHeld(t *testing.T) {
	ctx := context.Background()
	expirer := &fakeExpirer{count: 4}
	metrics := observability.NewInMemoryMetrics()
	locker := lock.NewLocalLocker()
	sweeper := application.NewSweeper(expirer, locker, application.SweeperConfig{}, observability.DiscardLogger(), metrics)

	release, acquired, err := locker.TryAcquire(ctx, application.SweepLockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	defer release()

	n, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, expirer.calls.Load())
	assert.Equal(t, int64(1), metrics.GetCounter(observability.MetricSweepSkipped))
}

func TestSweeper_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("expire fails", func(t *testing.T) {
		expirer := &fakeExpirer{count: 3, err: errors.New("database unavailable")}
		metrics := observability.NewInMemoryMetrics()
		sweeper := application.NewSweeper(expirer, lock.NewLocalLocker(), application.SweeperConfig{}, observability.DiscardLogger(), metrics)

		n, err := sweeper.RunOnce(ctx)
		require.Error(t, err)
		assert.Zero(t, n)
		assert.Equal(t, int64(1), metrics.GetCounter(observability.MetricSweepErrors))
	})

	t.Run("lease fails", func(t *testing.T) {
		expirer := &fakeExpirer{}
		metrics := observability.NewInMemoryMetrics()
		sweeper := application.NewSweeper(expirer, brokenLocker{}, application.SweeperConfig{}, observability.DiscardLogger(), metrics)

		_, err := sweeper.RunOnce(ctx)
		require.Error(t, err)
		assert.Zero(t, expirer.calls.Load())
		assert.Equal(t, int64(1), metrics.GetCounter(observability.MetricSweepErrors))
	})
}

func TestSweeper_Run(t *testing.T) {
	expirer := &fakeExpirer{}
	sweeper := application.NewSweeper(expirer, lock.NewLocalLocker(),
		application.SweeperConfig{Interval: 10 * time.Millisecond}, observability.DiscardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	require.Eventually(t, func() bool { return expirer.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeper_ExpiresThroughManager(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	m := e.manager(nil)

	_, err := m.Create(ctx, application.CreateCommand{UserID: e.userID, PlanID: e.plan(t, "Basic").ID})
	require.NoError(t, err)

	sweeper := application.NewSweeper(m, lock.NewLocalLocker(), application.DefaultSweeperConfig(), observability.DiscardLogger(), e.metrics)

	n, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	e.clock.Advance(30 * 24 * time.Hour)
	n, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// nothing is left for a repeated sweep
	n, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
