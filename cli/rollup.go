package cli

import (
	"net/url"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/coder/scrobble/cli/cliflag"
	"github.com/coder/scrobble/scrobblesdk"
)

func rollupCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "rollup",
		Short: "Manage daily usage rollups",
	}
	root.AddCommand(rollupRun())
	return root
}

func rollupRun() *cobra.Command {
	var (
		rawURL  string
		cronKey string
		day     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Rebuild the session and usage rollups for one UTC day",
		RunE: func(cmd *cobra.Command, _ []string) error {
			serverURL, err := url.Parse(rawURL)
			if err != nil {
				return xerrors.Errorf("parse URL %q: %w", rawURL, err)
			}

			client := scrobblesdk.New(serverURL)
			resp, err := client.RunRollup(cmd.Context(), scrobblesdk.RollupRunRequest{
				Day: day,
			}, cronKey)
			if err != nil {
				return err
			}
			cmd.Printf("Rebuilt %s: %d session rows, %d usage totals\n",
				resp.Day.Format("2006-01-02"), resp.SessionRows, resp.TotalRows)
			return nil
		},
	}

	cliflag.StringVarP(cmd.Flags(), &rawURL, "url", "", "SCROBBLE_URL", "http://127.0.0.1:3000", "URL of the scrobble gateway")
	cliflag.StringVarP(cmd.Flags(), &cronKey, "cron-key", "", "SCROBBLE_CRON_KEY", "", "Shared secret matching the gateway's --cron-key")
	cliflag.StringVarP(cmd.Flags(), &day, "day", "", "", "", "UTC day to rebuild, formatted 2006-01-02. Empty rebuilds yesterday")

	return cmd
}
