package commands

import (
	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show the status of a run",
		Long: `Show the runtime status of a run, its progress and the approval it is
waiting on, if any.`,
		Example: `  traverse status 3f1c2a7e-... --output yaml`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			a.runtimeOnly()

			st, err := a.rt.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), st)
		},
	}
}
