package commands

import (
	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		action string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded lifecycle events",
		Long: `List the audit log: runs started, suspended, completed and failed,
signals raised and approval outcomes, newest first.`,
		Example: `  # Approval outcomes only
  traverse history --action approval.decided`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			var filter *string
			if action != "" {
				filter = &action
			}
			entries, err := a.store.ListAuditEntries(cmd.Context(), filter, limit, 0)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), entries)
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "only entries with this action")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	return cmd
}
