package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/traverse-calendar/traverse/pkg/stores"
	"github.com/traverse-calendar/traverse/pkg/workflow"
)

func newRunCommand() *cobra.Command {
	var (
		feedURL  string
		listName string
		wait     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start one reconciliation run in this process",
		Long: `Start one reconciliation run and print its status once it completes,
fails or suspends waiting for an approval.

A suspended run is continued by "traverse serve" when the approval arrives.`,
		Example: `  # Run with settings from the environment
  traverse run

  # Override the target list
  traverse run --list Family`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.withDriver(); err != nil {
				return err
			}

			if feedURL != "" {
				a.settings.Feed.URL = feedURL
			}
			if listName != "" {
				a.settings.Tasks.ListName = listName
			}
			in, err := a.settings.RunInput()
			if err != nil {
				return err
			}

			id, err := a.driver.Start(ctx, in)
			if err != nil {
				return err
			}
			a.logger.WithInstanceID(id).Info("Run started")

			st, err := waitForRest(ctx, a.rt, id, wait)
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), st)
		},
	}

	cmd.Flags().StringVar(&feedURL, "feed", "", "iCalendar feed URL (overrides HTTPS_ICAL_FEED)")
	cmd.Flags().StringVar(&listName, "list", "", "target task list (overrides TODOIST_LIST)")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Minute, "how long to wait for the run to settle")
	return cmd
}

// waitForRest polls until the instance is no longer running.
func waitForRest(ctx context.Context, rt *workflow.Runtime, id string, limit time.Duration) (*workflow.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		st, err := rt.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.Status != stores.InstanceStatusRunning {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, fmt.Errorf("run %s still running: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}
