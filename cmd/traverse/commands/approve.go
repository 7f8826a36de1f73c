package commands

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/traverse-calendar/traverse/pkg/transports/httpclient"
)

func newApproveCommand() *cobra.Command {
	var (
		reject bool
		event  string
		server string
	)

	cmd := &cobra.Command{
		Use:   "approve <instance-id>",
		Short: "Approve or reject the event a run is waiting on",
		Long: `Send a decision to the approval endpoint of a running "traverse serve",
the same request a notification link makes.`,
		Example: `  # Approve
  traverse approve 3f1c2a7e-...

  # Reject, only if the run still waits on event evt-42
  traverse approve 3f1c2a7e-... --reject --event evt-42 --server https://traverse.example.com`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				settings, err := loadSettings()
				if err != nil {
					return err
				}
				server = localServerURL(settings.Server.Addr)
			}

			u, err := url.Parse(strings.TrimSuffix(server, "/") + "/api/approval")
			if err != nil {
				return fmt.Errorf("invalid server URL %q: %w", server, err)
			}
			q := u.Query()
			q.Set("approvestate", fmt.Sprintf("%t", !reject))
			q.Set("instanceid", args[0])
			if event != "" {
				q.Set("eventuid", event)
			}
			u.RawQuery = q.Encode()

			client, err := httpclient.New(httpclient.DefaultConfig("traverse-cli"))
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, u.String(), nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			if err := client.CheckStatus(resp); err != nil {
				return err
			}
			_ = resp.Body.Close()

			decision := "approved"
			if reject {
				decision = "rejected"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Run %s: event %s\n", args[0], decision)
			return err
		},
	}

	cmd.Flags().BoolVar(&reject, "reject", false, "reject instead of approve")
	cmd.Flags().StringVar(&event, "event", "", "UID of the event the decision is for")
	cmd.Flags().StringVar(&server, "server", "", "base URL of traverse serve (default from TRAVERSE_ADDR)")
	return cmd
}

func localServerURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}
