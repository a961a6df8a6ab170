package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/subscriptions/adapter/cli"
	"github.com/felixgeelhaar/subscriptions/adapter/cli/subscription"
	"github.com/felixgeelhaar/subscriptions/internal/app"
	"github.com/felixgeelhaar/subscriptions/pkg/config"
	"github.com/felixgeelhaar/subscriptions/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	// Command output goes to stdout; logs stay on stderr and quiet unless
	// LOG_LEVEL asks for more.
	logCfg := cfg.LogConfig("subscriptions-cli")
	logCfg.Output = os.Stderr
	if os.Getenv("LOG_LEVEL") == "" {
		logCfg.Level = observability.LogLevelWarn
	}
	logger := observability.NewLogger(logCfg)
	slog.SetDefault(logger)
	cli.SetLogger(logger)

	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		logger.Warn("running without database", "error", err)
	} else {
		defer container.Close()

		cliApp := cli.NewApp(container.Manager, container.Catalog, container)
		if cfg.CLIUserID != "" {
			userID, err := uuid.Parse(cfg.CLIUserID)
			if err != nil {
				fmt.Fprintln(os.Stderr, "error: invalid CLI_USER_ID:", err)
				os.Exit(1)
			}
			cliApp.SetDefaultUserID(userID)
		}
		cli.SetApp(cliApp)
	}

	for _, cmd := range subscription.Commands() {
		cli.AddCommand(cmd)
	}

	cli.Execute(ctx)
}
