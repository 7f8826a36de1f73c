package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	output     string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "traverse",
		Short: "Traverse - calendar to task list reconciliation",
		Long: `Traverse watches an iCalendar feed and turns new events into tasks.

Every new event is announced through a push notification and becomes a task
only once it is approved. Events are remembered so each is asked about once.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "CUE config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "json", "output format (json, yaml)")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newApproveCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newExcludeCommand())
	rootCmd.AddCommand(newKnownCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
