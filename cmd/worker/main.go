package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/subscriptions/internal/app"
	"github.com/felixgeelhaar/subscriptions/pkg/config"
	"github.com/felixgeelhaar/subscriptions/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogConfig("subscriptions-worker"))
	slog.SetDefault(logger)
	logger.Info("starting subscriptions worker", "env", cfg.AppEnv)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer container.Close()

	if _, err := container.Migrate(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if container.UsesBroker() {
		consumer, err := container.NewBrokerConsumer()
		if err != nil {
			return err
		}
		defer func() {
			if err := consumer.Close(); err != nil {
				logger.Warn("error closing broker consumer", "error", err)
			}
		}()
		g.Go(func() error { return consumer.Run(ctx) })
	}

	g.Go(func() error { return container.Sweeper.Run(ctx) })
	g.Go(func() error { return container.OutboxProcessor.Run(ctx) })
	g.Go(func() error { return container.OutboxProcessor.RunCleanup(ctx) })

	if cfg.WorkerHealthAddr != "" {
		srv := &http.Server{
			Addr:              cfg.WorkerHealthAddr,
			Handler:           container.OpsRouter(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			logger.Info("ops server starting", "addr", cfg.WorkerHealthAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})

		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
