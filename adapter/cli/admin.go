package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if app == nil || app.Maintenance == nil {
			return ErrNotInitialized
		}

		results, err := app.Maintenance.Migrate(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(results) == 0 {
			fmt.Fprintln(out, "Schema is up to date")
			return nil
		}
		for _, r := range results {
			fmt.Fprintf(out, "Applied %d %s (%s)\n", r.Version, r.Path, r.Duration)
		}
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert the starter plans and test user",
	Long: `Insert the Basic, Pro, Enterprise and Annual Basic plans and the
test@example.com user. Rows that already exist are left untouched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if app == nil || app.Maintenance == nil {
			return ErrNotInitialized
		}

		result, err := app.Maintenance.Seed(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d plans and %d users\n", result.PlansCreated, result.UsersCreated)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
}
