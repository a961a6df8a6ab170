package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/felixgeelhaar/subscriptions/internal/billing/domain"
	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/subscriptions/pkg/observability"
)

// PlanCache stores plan snapshots by id.
type PlanCache interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Plan, bool, error)
	Set(ctx context.Context, plan *domain.Plan) error
}

// LocalPlanCache keeps plans in process memory.
type LocalPlanCache struct {
	c *cache.Cache
}

// NewLocalPlanCache creates an in-memory cache with the given ttl.
func NewLocalPlanCache(ttl time.Duration) *LocalPlanCache {
	return &LocalPlanCache{c: cache.New(ttl, 2*ttl)}
}

func (l *LocalPlanCache) Get(_ context.Context, id uuid.UUID) (*domain.Plan, bool, error) {
	v, ok := l.c.Get(id.String())
	if !ok {
		return nil, false, nil
	}
	plan := v.(domain.Plan)
	return &plan, true, nil
}

func (l *LocalPlanCache) Set(_ context.Context, plan *domain.Plan) error {
	l.c.Set(plan.ID.String(), *plan, cache.DefaultExpiration)
	return nil
}

// RedisPlanCache shares plan snapshots between replicas as JSON.
type RedisPlanCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisPlanCache creates a Redis-backed cache.
func NewRedisPlanCache(client redis.UniversalClient, ttl time.Duration) *RedisPlanCache {
	return &RedisPlanCache{client: client, ttl: ttl}
}

func redisPlanKey(id uuid.UUID) string {
	return "billing:plan:" + id.String()
}

func (r *RedisPlanCache) Get(ctx context.Context, id uuid.UUID) (*domain.Plan, bool, error) {
	data, err := r.client.Get(ctx, redisPlanKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get plan: %w", err)
	}

	var plan domain.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, false, fmt.Errorf("decode cached plan: %w", err)
	}
	return &plan, true, nil
}

func (r *RedisPlanCache) Set(ctx context.Context, plan *domain.Plan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}
	if err := r.client.Set(ctx, redisPlanKey(plan.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set plan: %w", err)
	}
	return nil
}

// CachedPlanCatalog serves plan lookups for read views from a cache.
// Lookups inside a transaction always go to the wrapped catalog, so
// writes never act on a stale active flag.
type CachedPlanCatalog struct {
	next    domain.PlanCatalog
	cache   PlanCache
	group   singleflight.Group
	logger  *slog.Logger
	metrics observability.Metrics
}

// NewCachedPlanCatalog wraps next.
func NewCachedPlanCatalog(next domain.PlanCatalog, planCache PlanCache, logger *slog.Logger, metrics observability.Metrics) *CachedPlanCatalog {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &CachedPlanCatalog{next: next, cache: planCache, logger: logger, metrics: metrics}
}

// GetActivePlan returns the plan if it exists and is active, or nil.
func (c *CachedPlanCatalog) GetActivePlan(ctx context.Context, id uuid.UUID) (*domain.Plan, error) {
	if database.InTransaction(ctx) {
		return c.next.GetActivePlan(ctx, id)
	}
	plan, err := c.GetPlan(ctx, id)
	if err != nil || plan == nil || !plan.IsActive {
		return nil, err
	}
	return plan, nil
}

// GetPlan returns the plan regardless of its active flag, or nil.
func (c *CachedPlanCatalog) GetPlan(ctx context.Context, id uuid.UUID) (*domain.Plan, error) {
	if database.InTransaction(ctx) {
		return c.next.GetPlan(ctx, id)
	}

	if plan, ok, err := c.cache.Get(ctx, id); err != nil {
		c.logger.WarnContext(ctx, "plan cache read failed", observability.PlanIDKey, id, "error", err)
	} else if ok {
		c.metrics.Counter(observability.MetricPlanCacheHits, 1)
		return plan, nil
	}
	c.metrics.Counter(observability.MetricPlanCacheMisses, 1)

	// The lookup is shared by every waiting caller, so one caller's
	// cancellation must not fail the rest.
	shared := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(id.String(), func() (any, error) {
		plan, err := c.next.GetPlan(shared, id)
		if err != nil || plan == nil {
			return plan, err
		}
		if err := c.cache.Set(shared, plan); err != nil {
			c.logger.WarnContext(ctx, "plan cache write failed", observability.PlanIDKey, id, "error", err)
		}
		return plan, nil
	})
	if err != nil {
		return nil, err
	}
	plan, _ := v.(*domain.Plan)
	if plan == nil {
		return nil, nil
	}
	cp := *plan
	return &cp, nil
}

var _ domain.PlanCatalog = (*CachedPlanCatalog)(nil)
