// Package subscription holds the subscription lifecycle commands.
package subscription

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/subscriptions/internal/billing/application"
	"github.com/felixgeelhaar/subscriptions/internal/billing/domain"
)

const dateLayout = "2006-01-02 15:04 MST"

var (
	userRef   string
	planRef   string
	autoRenew bool
	asJSON    bool
)

// Commands returns the commands registered on the root command.
func Commands() []*cobra.Command {
	return []*cobra.Command{
		subscribeCmd,
		showCmd,
		historyCmd,
		changePlanCmd,
		autoRenewCmd,
		cancelCmd,
		listCmd,
		expireCmd,
		plansCmd,
	}
}

func printView(w io.Writer, v *application.SubscriptionView) {
	fmt.Fprintf(w, "Subscription: %s\n", v.ID)
	if v.User != nil {
		fmt.Fprintf(w, "  User:       %s (%s)\n", v.User.Email, v.UserID)
	} else {
		fmt.Fprintf(w, "  User:       %s\n", v.UserID)
	}
	if v.Plan != nil {
		fmt.Fprintf(w, "  Plan:       %s\n", formatPlan(v.Plan))
	} else {
		fmt.Fprintf(w, "  Plan:       %s\n", v.PlanID)
	}
	fmt.Fprintf(w, "  Status:     %s\n", v.Status)
	fmt.Fprintf(w, "  Starts:     %s\n", v.StartDate.Format(dateLayout))
	fmt.Fprintf(w, "  Ends:       %s\n", v.EndDate.Format(dateLayout))
	fmt.Fprintf(w, "  Auto-renew: %s\n", yesNo(v.AutoRenew))
}

func printRow(w io.Writer, v *application.SubscriptionView) {
	plan := v.PlanID.String()[:8]
	if v.Plan != nil {
		plan = v.Plan.Name
	}
	fmt.Fprintf(w, "%s %s  %-10s %-14s ends %s\n",
		statusIcon(v.Status), v.ID.String()[:8], v.Status, plan, v.EndDate.Format("2006-01-02"))
}

func formatPlan(p *domain.Plan) string {
	return fmt.Sprintf("%s ($%s / %d days)", p.Name, p.Price.StringFixed(2), p.DurationDays)
}

func statusIcon(status domain.Status) string {
	switch status {
	case domain.StatusActive:
		return "[*]"
	case domain.StatusCancelled:
		return "[x]"
	default:
		return "[-]"
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
