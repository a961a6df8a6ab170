package subscription

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/subscriptions/adapter/cli"
	"github.com/felixgeelhaar/subscriptions/internal/billing/application"
	"github.com/felixgeelhaar/subscriptions/internal/billing/domain"
)

var (
	subscriptionRef string
	statusFilter    string
	withDetails     bool
	asOf            string
	includeInactive bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a subscription",
	Long: `Show the user's active subscription, or any subscription by ID.

Examples:
  subscriptions show
  subscriptions show --user 0190...
  subscriptions show --id 0190... --json`,
	Aliases: []string{"get"},
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.RequireManager()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		var view *application.SubscriptionView
		if subscriptionRef != "" {
			id, err := uuid.Parse(subscriptionRef)
			if err != nil {
				return fmt.Errorf("invalid subscription ID: %w", err)
			}
			view, err = app.Manager.GetByID(ctx, id)
			if err != nil {
				return err
			}
		} else {
			userID, err := app.ResolveUser(userRef)
			if err != nil {
				return err
			}
			view, err = app.Manager.Get(ctx, userID)
			if err != nil {
				return err
			}
		}

		if asJSON {
			return writeJSON(cmd.OutOrStdout(), view)
		}
		printView(cmd.OutOrStdout(), view)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List every subscription of a user, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.RequireManager()
		if err != nil {
			return err
		}

		userID, err := app.ResolveUser(userRef)
		if err != nil {
			return err
		}

		views, err := app.Manager.History(cmd.Context(), userID)
		if err != nil {
			return err
		}
		return printList(cmd, views)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscriptions",
	Long: `List subscriptions, optionally filtered by status and user.

Examples:
  subscriptions list --status active
  subscriptions list --user 0190... --details`,
	Aliases: []string{"ls"},
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.RequireManager()
		if err != nil {
			return err
		}

		query := application.ListQuery{WithDetails: withDetails}
		if statusFilter != "" {
			status, err := domain.ParseStatus(statusFilter)
			if err != nil {
				return err
			}
			query.Status = &status
		}
		if userRef != "" {
			userID, err := app.ResolveUser(userRef)
			if err != nil {
				return err
			}
			query.UserID = &userID
		}

		views, err := app.Manager.List(cmd.Context(), query)
		if err != nil {
			return err
		}
		return printList(cmd, views)
	},
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire subscriptions whose term has ended",
	Long: `Move every ACTIVE subscription with an end date at or before the
cut-off to EXPIRED. Running it again expires nothing new.

Examples:
  subscriptions expire
  subscriptions expire --as-of 2026-03-01T00:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.RequireManager()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		var n int
		if asOf == "" {
			n, err = app.Manager.ExpireNow(ctx)
		} else {
			cutoff, perr := time.Parse(time.RFC3339, asOf)
			if perr != nil {
				return fmt.Errorf("invalid --as-of, use RFC3339: %w", perr)
			}
			n, err = app.Manager.Expire(ctx, cutoff)
		}
		if err != nil {
			return fmt.Errorf("failed to expire subscriptions: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Expired %d subscriptions\n", n)
		return nil
	},
}

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "List the plan catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := cli.GetApp()
		if app == nil || app.Plans == nil {
			return cli.ErrNotInitialized
		}

		plans, err := app.Plans.ListPlans(cmd.Context(), !includeInactive)
		if err != nil {
			return fmt.Errorf("failed to list plans: %w", err)
		}

		out := cmd.OutOrStdout()
		if asJSON {
			return writeJSON(out, plans)
		}
		if len(plans) == 0 {
			fmt.Fprintln(out, "No plans found.")
			return nil
		}
		for _, p := range plans {
			marker := ""
			if !p.IsActive {
				marker = " [retired]"
			}
			fmt.Fprintf(out, "%s%s\n", formatPlan(p), marker)
			fmt.Fprintf(out, "   ID: %s\n", p.ID)
			if p.Features != "" {
				fmt.Fprintf(out, "   %s\n", p.Features)
			}
		}
		return nil
	},
}

func printList(cmd *cobra.Command, views []*application.SubscriptionView) error {
	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, views)
	}
	if len(views) == 0 {
		fmt.Fprintln(out, "No subscriptions found.")
		return nil
	}

	fmt.Fprintf(out, "Subscriptions (%d):\n", len(views))
	fmt.Fprintln(out, strings.Repeat("-", 60))
	for _, v := range views {
		printRow(out, v)
	}
	return nil
}

func init() {
	for _, c := range []*cobra.Command{showCmd, historyCmd, listCmd} {
		c.Flags().StringVarP(&userRef, "user", "u", "", "user ID (defaults to CLI_USER_ID)")
		c.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	}
	plansCmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	showCmd.Flags().StringVar(&subscriptionRef, "id", "", "subscription ID")

	listCmd.Flags().StringVarP(&statusFilter, "status", "s", "", "filter by status (active, cancelled, expired)")
	listCmd.Flags().BoolVar(&withDetails, "details", false, "resolve plan and user")

	expireCmd.Flags().StringVar(&asOf, "as-of", "", "cut-off time in RFC3339 (defaults to now)")

	plansCmd.Flags().BoolVar(&includeInactive, "all", false, "include retired plans")
}
