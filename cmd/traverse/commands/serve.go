package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/traverse-calendar/traverse/pkg/api"
	"github.com/traverse-calendar/traverse/pkg/trigger"
)

func newServeCommand() *cobra.Command {
	var noTimer bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled trigger",
		Long: `Serve the HTTP API (manual start, status, approval links, exclusions,
health and metrics) and start runs on the configured cron schedule.

Runs left waiting for approval by a previous process are recovered on start.
Only one serve process may use a database file.`,
		Example: `  # Serve with settings from the environment
  traverse serve

  # Serve from a config file without the timer
  traverse serve --config traverse.cue --no-timer`,
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

			n, err := a.rt.Recover(ctx)
			if err != nil {
				return err
			}
			a.logger.Infof("Recovered %d unfinished runs", n)

			if err := a.exclusions.Watch(ctx); err != nil {
				a.logger.WithError(err).Warn("Exclusions file will not be reloaded")
			}

			startRun := func(ctx context.Context) (string, error) {
				in, err := a.settings.RunInput()
				if err != nil {
					return "", err
				}
				return a.driver.Start(ctx, in)
			}

			if !noTimer && a.settings.Server.Schedule != "" {
				timer, err := trigger.NewTimer(a.settings.Server.Schedule, startRun, trigger.WithLogger(a.logger))
				if err != nil {
					return err
				}
				if err := timer.Start(ctx); err != nil {
					return err
				}
				defer timer.Stop()
			}

			server := api.NewServer(a.driver, a.exclusions, a.settings.RunInput,
				api.WithLogger(a.logger),
				api.WithMetrics(a.tel.Metrics),
				api.WithRateLimit(a.settings.Server.RateLimit, a.settings.Server.Burst),
				api.WithHealthCheck(a.store),
			)

			errCh := make(chan error, 1)
			go func() { errCh <- server.ListenAndServe(a.settings.Server.Addr) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().BoolVar(&noTimer, "no-timer", false, "do not start runs on the schedule")
	return cmd
}
