package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newExcludeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exclude",
		Short: "Manage excluded event subjects",
		Long: `Manage the subjects that are never turned into tasks.

Matching ignores case and surrounding whitespace. Subjects listed in the
exclusions file (TRAVERSE_EXCLUSIONS_FILE) apply as well but are edited in the file.`,
	}

	cmd.AddCommand(newExcludeAddCommand())
	cmd.AddCommand(newExcludeListCommand())
	cmd.AddCommand(newExcludeRemoveCommand())
	return cmd
}

func newExcludeAddCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "add <subject>",
		Short:   "Exclude a subject",
		Example: `  traverse exclude add "Weekly standup"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			ex, err := a.exclusions.Add(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), ex)
		},
	}
}

func newExcludeListCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List excluded subjects",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if all {
				subjects, err := a.exclusions.GetExcludedSubjects(cmd.Context())
				if err != nil {
					return err
				}
				return printOutput(cmd.OutOrStdout(), subjects)
			}
			list, err := a.exclusions.List(cmd.Context())
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), list)
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "list effective subjects including the exclusions file")
	return cmd
}

func newExcludeRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an excluded subject by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.exclusions.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Removed exclusion %s\n", args[0])
			return err
		},
	}
}
