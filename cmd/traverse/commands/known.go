package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var knownKey string

func newKnownCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "known",
		Short: "Inspect and edit the known-event record",
		Long: `Inspect and edit the record of events that were already handled.

An event removed from the record is treated as new by the next run. Resetting
the record makes the next run seed it again when the feed holds more new
events than the bulk-seed threshold.`,
	}

	cmd.PersistentFlags().StringVar(&knownKey, "key", "", "record key (default from settings)")

	cmd.AddCommand(newKnownShowCommand())
	cmd.AddCommand(newKnownRemoveCommand())
	cmd.AddCommand(newKnownResetCommand())
	return cmd
}

func recordKey(a *app) string {
	if knownKey != "" {
		return knownKey
	}
	return a.settings.Reconcile.LineageKey
}

func newKnownShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the known events",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			set, err := a.known.Entity(recordKey(a)).GetEvents(cmd.Context())
			if err != nil {
				return err
			}
			return printOutput(cmd.OutOrStdout(), set.Events())
		},
	}
}

func newKnownRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <uid>",
		Short: "Forget the events with a UID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			handle := a.known.Entity(recordKey(a))
			set, err := handle.GetEvents(cmd.Context())
			if err != nil {
				return err
			}

			removed := 0
			for _, ev := range set.Events() {
				if ev.UID != args[0] {
					continue
				}
				changed, err := handle.RemoveEvent(cmd.Context(), ev)
				if err != nil {
					return err
				}
				if changed {
					removed++
				}
			}
			if removed == 0 {
				return fmt.Errorf("no known event with uid %s", args[0])
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d event(s) with uid %s\n", removed, args[0])
			return err
		},
	}
}

func newKnownResetCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the known-event record",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("reset deletes every known event; pass --yes to confirm")
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			key := recordKey(a)
			if err := a.known.Entity(key).DeleteEntity(cmd.Context()); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Deleted known-event record %s\n", key)
			return err
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}
