package persistence_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/subscriptions/internal/billing/domain"
	"github.com/felixgeelhaar/subscriptions/internal/billing/infrastructure/persistence"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/subscriptions/pkg/observability"
)

type countingCatalog struct {
	plans map[uuid.UUID]*domain.Plan
	calls atomic.Int32
	delay time.Duration
}

func newCountingCatalog(plans ...domain.Plan) *countingCatalog {
	c := &countingCatalog{plans: make(map[uuid.UUID]*domain.Plan)}
	for i := range plans {
		p := plans[i]
		c.plans[p.ID] = &p
	}
	return c
}

func (c *countingCatalog) GetActivePlan(ctx context.Context, id uuid.UUID) (*domain.Plan, error) {
	p, err := c.GetPlan(ctx, id)
	if p == nil || !p.IsActive {
		return nil, err
	}
	return p, err
}

func (c *countingCatalog) GetPlan(_ context.Context, id uuid.UUID) (*domain.Plan, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	p, ok := c.plans[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func testPlan(active bool) domain.Plan {
	return domain.Plan{
		ID:           uuid.New(),
		Name:         "Pro",
		Price:        decimal.RequireFromString("29.99"),
		DurationDays: 30,
		IsActive:     active,
	}
}

func newRedisCache(t *testing.T) (*persistence.RedisPlanCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return persistence.NewRedisPlanCache(client, time.Minute), mr
}

func TestCachedPlanCatalog_Caches(t *testing.T) {
	redisCache, _ := newRedisCache(t)
	caches := map[string]persistence.PlanCache{
		"local": persistence.NewLocalPlanCache(time.Minute),
		"redis": redisCache,
	}

	for name, planCache := range caches {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			plan := testPlan(true)
			next := newCountingCatalog(plan)
			metrics := observability.NewInMemoryMetrics()
			catalog := persistence.NewCachedPlanCatalog(next, planCache, observability.DiscardLogger(), metrics)

			first, err := catalog.GetPlan(ctx, plan.ID)
			require.NoError(t, err)
			require.NotNil(t, first)

			second, err := catalog.GetActivePlan(ctx, plan.ID)
			require.NoError(t, err)
			require.NotNil(t, second)
			assert.Equal(t, plan.Name, second.Name)
			assert.True(t, plan.Price.Equal(second.Price))

			assert.Equal(t, int32(1), next.calls.Load())
			assert.Equal(t, int64(1), metrics.GetCounter(observability.MetricPlanCacheHits))
			assert.Equal(t, int64(1), metrics.GetCounter(observability.MetricPlanCacheMisses))

			// callers get their own copy
			second.Name = "mutated"
			third, err := catalog.GetPlan(ctx, plan.ID)
			require.NoError(t, err)
			assert.Equal(t, "Pro", third.Name)
		})
	}
}

func TestCachedPlanCatalog_InactiveAndMissing(t *testing.T) {
	ctx := context.Background()
	plan := testPlan(false)
	next := newCountingCatalog(plan)
	catalog := persistence.NewCachedPlanCatalog(next, persistence.NewLocalPlanCache(time.Minute), nil, nil)

	got, err := catalog.GetActivePlan(ctx, plan.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = catalog.GetPlan(ctx, plan.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.IsActive)

	got, err = catalog.GetPlan(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCachedPlanCatalog_BypassedInTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	basic := f.plan(t, "Basic")
	next := newCountingCatalog(basic)
	catalog := persistence.NewCachedPlanCatalog(next, persistence.NewLocalPlanCache(time.Minute), nil, nil)

	_, err := catalog.GetPlan(ctx, basic.ID)
	require.NoError(t, err)

	uow := database.NewUnitOfWork(f.conn)
	txCtx, err := uow.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = uow.Rollback(txCtx) }()

	_, err = catalog.GetActivePlan(txCtx, basic.ID)
	require.NoError(t, err)
	_, err = catalog.GetPlan(txCtx, basic.ID)
	require.NoError(t, err)

	assert.Equal(t, int32(3), next.calls.Load())
}

func TestCachedPlanCatalog_CollapsesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	plan := testPlan(true)
	next := newCountingCatalog(plan)
	next.delay = 50 * time.Millisecond
	catalog := persistence.NewCachedPlanCatalog(next, persistence.NewLocalPlanCache(time.Minute), nil, nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := catalog.GetPlan(ctx, plan.ID)
			assert.NoError(t, err)
			assert.NotNil(t, got)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), next.calls.Load())
}

// gatedCatalog blocks lookups until release is closed and fails them when
// their context was cancelled meanwhile.
type gatedCatalog struct {
	plan    domain.Plan
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedCatalog) GetActivePlan(ctx context.Context, id uuid.UUID) (*domain.Plan, error) {
	return g.GetPlan(ctx, id)
}

func (g *gatedCatalog) GetPlan(ctx context.Context, _ uuid.UUID) (*domain.Plan, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cp := g.plan
	return &cp, nil
}

func TestCachedPlanCatalog_SharedLookupSurvivesCallerCancel(t *testing.T) {
	plan := testPlan(true)
	next := &gatedCatalog{plan: plan, entered: make(chan struct{}), release: make(chan struct{})}
	catalog := persistence.NewCachedPlanCatalog(next, persistence.NewLocalPlanCache(time.Minute), nil, nil)

	leaderCtx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := catalog.GetPlan(leaderCtx, plan.ID)
		leaderErr <- err
	}()
	<-next.entered

	type result struct {
		plan *domain.Plan
		err  error
	}
	follower := make(chan result, 1)
	go func() {
		got, err := catalog.GetPlan(context.Background(), plan.ID)
		follower <- result{got, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	close(next.release)

	res := <-follower
	require.NoError(t, res.err)
	require.NotNil(t, res.plan)
	assert.Equal(t, plan.ID, res.plan.ID)
	assert.NoError(t, <-leaderErr)
}

func TestCachedPlanCatalog_RedisUnavailable(t *testing.T) {
	ctx := context.Background()
	redisCache, mr := newRedisCache(t)
	mr.Close()

	plan := testPlan(true)
	next := newCountingCatalog(plan)
	catalog := persistence.NewCachedPlanCatalog(next, redisCache, observability.DiscardLogger(), nil)

	got, err := catalog.GetPlan(ctx, plan.ID)
	require.NoError(t, err, "cache failures fall through to the catalog")
	require.NotNil(t, got)
	assert.Equal(t, plan.ID, got.ID)
}

func TestRedisPlanCache_TTL(t *testing.T) {
	ctx := context.Background()
	redisCache, mr := newRedisCache(t)
	plan := testPlan(true)

	require.NoError(t, redisCache.Set(ctx, &plan))
	_, ok, err := redisCache.Get(ctx, plan.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	_, ok, err = redisCache.Get(ctx, plan.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}
