package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/lock"
	"github.com/felixgeelhaar/subscriptions/pkg/observability"
)

// SweepLockKey is the lease that keeps replicas from sweeping at once.
const SweepLockKey = "billing:subscriptions:sweep"

// Expirer expires every subscription that is due now.
type Expirer interface {
	ExpireNow(ctx context.Context) (int, error)
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Interval time.Duration
	LeaseTTL time.Duration
}

// DefaultSweeperConfig sweeps hourly.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval: time.Hour,
		LeaseTTL: 5 * time.Minute,
	}
}

// Sweeper periodically expires subscriptions whose term has ended.
type Sweeper struct {
	expirer Expirer
	locker  lock.Locker
	config  SweeperConfig
	logger  *slog.Logger
	metrics observability.Metrics
}

// NewSweeper creates a Sweeper.
func NewSweeper(expirer Expirer, locker lock.Locker, config SweeperConfig, logger *slog.Logger, metrics observability.Metrics) *Sweeper {
	defaults := DefaultSweeperConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = defaults.LeaseTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}
	return &Sweeper{
		expirer: expirer,
		locker:  locker,
		config:  config,
		logger:  observability.LogOperation(logger, "expiration_sweep", "lease", SweepLockKey),
		metrics: metrics,
	}
}

// RunOnce performs one sweep. It returns 0 without sweeping when another
// process holds the lease.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()

	release, acquired, err := s.locker.TryAcquire(ctx, SweepLockKey, s.config.LeaseTTL)
	if err != nil {
		s.metrics.Counter(observability.MetricSweepErrors, 1)
		return 0, fmt.Errorf("acquire sweep lease: %w", err)
	}
	if !acquired {
		s.metrics.Counter(observability.MetricSweepSkipped, 1)
		s.logger.DebugContext(ctx, "sweep skipped, lease held elsewhere")
		return 0, nil
	}
	defer release()

	expired, err := s.expirer.ExpireNow(ctx)
	s.metrics.Timing(observability.MetricSweepDuration, time.Since(start))
	if err != nil {
		s.metrics.Counter(observability.MetricSweepErrors, 1)
		return 0, err
	}

	s.logger.InfoContext(ctx, "expiration sweep finished",
		"expired", expired,
		observability.DurationKey, time.Since(start).Milliseconds(),
	)
	return expired, nil
}

// Run sweeps once immediately and then every Interval until ctx is
// cancelled. Failed sweeps are logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "expiration sweeper started", "interval", s.config.Interval)
	defer s.logger.Info("expiration sweeper stopped")

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.ErrorContext(ctx, "expiration sweep failed", observability.ErrorKey, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
