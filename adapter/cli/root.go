package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/subscriptions/internal/billing/domain"
	"github.com/felixgeelhaar/subscriptions/pkg/observability"
)

var logger *slog.Logger

type commandContext struct {
	correlationID string
	startedAt     time.Time
}

type commandContextKey struct{}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "subscriptions",
	Short: "Manage user subscriptions",
	Long: `subscriptions creates, changes, cancels and expires user subscriptions
against the plan catalog. Every user holds at most one active subscription.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if logger == nil {
			logger = slog.Default()
		}
		ctx := observability.WithCorrelationID(cmd.Context(), "")
		info := commandContext{
			correlationID: observability.CorrelationIDFromContext(ctx),
			startedAt:     time.Now(),
		}
		cmd.SetContext(context.WithValue(ctx, commandContextKey{}, info))
		logger.Debug("command start",
			"command", cmd.CommandPath(),
			observability.CorrelationIDKey, info.correlationID,
		)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger == nil {
			logger = slog.Default()
		}
		info, ok := cmd.Context().Value(commandContextKey{}).(commandContext)
		if !ok {
			return
		}
		logger.Debug("command end",
			"command", cmd.CommandPath(),
			observability.CorrelationIDKey, info.correlationID,
			observability.DurationKey, time.Since(info.startedAt).Milliseconds(),
		)
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", Describe(err))
		os.Exit(1)
	}
}

// Describe turns an error into the message shown to the user.
func Describe(err error) string {
	switch {
	case errors.Is(err, domain.ErrAlreadySubscribed):
		return "already subscribed: " + err.Error()
	case errors.Is(err, domain.ErrConflict):
		return "conflict, try again: " + err.Error()
	case errors.Is(err, domain.ErrNotFound):
		return "not found: " + err.Error()
	case errors.Is(err, domain.ErrInvalidState):
		return "not allowed: " + err.Error()
	default:
		return err.Error()
	}
}

// AddCommand adds a command to the root command.
func AddCommand(cmd *cobra.Command) {
	rootCmd.AddCommand(cmd)
}

// SetLogger sets the CLI logger.
func SetLogger(l *slog.Logger) {
	logger = l
}
