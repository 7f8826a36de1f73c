package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/traverse-calendar/traverse/pkg/stores"
)

const sampleConfig = `// Traverse configuration. Environment variables override these values.

feed: {
	url: "https://calendar.example.com/family.ics"
	// Removed from the raw feed before parsing.
	// cleanupPattern: "X-APPLE-TRAVEL-ADVISORY-BEHAVIOR:.*"
}

tasks: listName: "Inbox"

notify: {
	approvalUrl:  "https://traverse.example.com/api/approval"
	useShortcuts: false
	priority:     0
}

reconcile: {
	bulkSeedThreshold: 100
	// Undecided events are rejected after this long. Unset waits forever.
	// approvalTimeout: "72h"
}

server: {
	addr:     ":8080"
	schedule: "0 0 8-22/4 * * *"
}

store: path: "%s"

// exclusionsFile: "exclusions.yaml"
`

func newInitCommand() *cobra.Command {
	var (
		dir   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the database and a sample config",
		Long: `Create the SQLite database with its schema and write a sample
traverse.cue next to it. An existing config is kept unless --force is given.

Secrets (TODOIST_APIKEY, PROWL_API_KEY) are read from the environment only.`,
		Example: `  traverse init --dir /var/lib/traverse`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}

			dbPath := filepath.Join(dir, "traverse.db")
			log.Info().Str("path", dbPath).Msg("Initializing database")

			store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
			if err != nil {
				return fmt.Errorf("failed to create store: %w", err)
			}
			defer store.Close()
			if err := store.Init(cmd.Context()); err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized database: %s\n", dbPath)

			cfgPath := filepath.Join(dir, "traverse.cue")
			if _, err := os.Stat(cfgPath); err == nil && !force {
				fmt.Fprintf(cmd.OutOrStdout(), "Kept existing config: %s\n", cfgPath)
				return nil
			} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to check %s: %w", cfgPath, err)
			}

			if err := os.WriteFile(cfgPath, []byte(fmt.Sprintf(sampleConfig, dbPath)), 0o600); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote config: %s\n", cfgPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", ".", "directory for the database and config")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}
