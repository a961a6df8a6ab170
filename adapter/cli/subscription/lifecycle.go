package subscription

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/subscriptions/adapter/cli"
	"github.com/felixgeelhaar/subscriptions/internal/billing/application"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Subscribe a user to a plan",
	Long: `Start an ACTIVE subscription. The term runs from now for the plan's
duration. A user can hold only one active subscription.

Examples:
  subscriptions subscribe --user 0190... --plan Pro
  subscriptions subscribe --plan "Annual Basic" --auto-renew=false`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.RequireManager()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		userID, err := app.ResolveUser(userRef)
		if err != nil {
			return err
		}
		planID, err := app.ResolvePlan(ctx, planRef)
		if err != nil {
			return err
		}

		view, err := app.Manager.Create(ctx, application.CreateCommand{
			UserID:    userID,
			PlanID:    planID,
			AutoRenew: autoRenew,
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Subscribed.")
		printView(cmd.OutOrStdout(), view)
		return nil
	},
}

var changePlanCmd = &cobra.Command{
	Use:   "change-plan",
	Short: "Move the active subscription to another plan",
	Long: `Switch plans. When the new plan has a different duration the term
restarts now; otherwise the end date is kept. --auto-renew is only applied
when given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.RequireManager()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		userID, err := app.ResolveUser(userRef)
		if err != nil {
			return err
		}
		planID, err := app.ResolvePlan(ctx, planRef)
		if err != nil {
			return err
		}

		change := application.ChangePlanCommand{UserID: userID, PlanID: planID}
		if cmd.Flags().Changed("auto-renew") {
			renew := autoRenew
			change.AutoRenew = &renew
		}

		view, err := app.Manager.ChangePlan(ctx, change)
		if err != nil {
			return fmt.Errorf("failed to change plan: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Plan changed.")
		printView(cmd.OutOrStdout(), view)
		return nil
	},
}

var autoRenewEnabled bool

var autoRenewCmd = &cobra.Command{
	Use:   "auto-renew",
	Short: "Turn renewal of the active subscription on or off",
	Long: `Examples:
  subscriptions auto-renew --enabled=false
  subscriptions auto-renew --user 0190... --enabled`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.RequireManager()
		if err != nil {
			return err
		}

		userID, err := app.ResolveUser(userRef)
		if err != nil {
			return err
		}

		view, err := app.Manager.SetAutoRenew(cmd.Context(), application.SetAutoRenewCommand{
			UserID:    userID,
			AutoRenew: autoRenewEnabled,
		})
		if err != nil {
			return fmt.Errorf("failed to update auto-renew: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Auto-renew %s for %s\n", yesNo(view.AutoRenew), view.ID)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the active subscription",
	Long:  `Cancel the user's active subscription. Cancelling turns auto-renew off and cannot be undone.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := cli.RequireManager()
		if err != nil {
			return err
		}

		userID, err := app.ResolveUser(userRef)
		if err != nil {
			return err
		}

		view, err := app.Manager.Cancel(cmd.Context(), application.CancelCommand{UserID: userID})
		if err != nil {
			return fmt.Errorf("failed to cancel: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Subscription cancelled.")
		printView(cmd.OutOrStdout(), view)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{subscribeCmd, changePlanCmd, autoRenewCmd, cancelCmd} {
		c.Flags().StringVarP(&userRef, "user", "u", "", "user ID (defaults to CLI_USER_ID)")
	}

	subscribeCmd.Flags().StringVarP(&planRef, "plan", "p", "", "plan ID or name")
	subscribeCmd.Flags().BoolVar(&autoRenew, "auto-renew", true, "renew at the end of the term")

	changePlanCmd.Flags().StringVarP(&planRef, "plan", "p", "", "plan ID or name")
	changePlanCmd.Flags().BoolVar(&autoRenew, "auto-renew", true, "renew at the end of the term (kept when omitted)")

	autoRenewCmd.Flags().BoolVar(&autoRenewEnabled, "enabled", true, "whether the subscription renews")
}
