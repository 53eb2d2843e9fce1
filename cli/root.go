package cli

import (
	"github.com/spf13/cobra"
)

// Root returns the scrobble command tree.
func Root() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "scrobble",
		SilenceErrors: true,
		SilenceUsage:  true,
		Long: "Scrobble captures per-device app usage, spools it locally and ships it to a\n" +
			"gateway that deduplicates and aggregates it for dashboards and screen time\n" +
			"controls.",
		Example: "  Start a gateway:\n" +
			"     $ scrobble server --postgres-url=postgres://localhost/scrobble\n\n" +
			"  Run the device agent against it:\n" +
			"     $ scrobble agent --url=http://127.0.0.1:3000 --enrollment-key=<key>",
	}
	cmd.AddCommand(
		deviceAgent(),
		rollupCmd(),
		server(),
		versionCmd(),
	)
	return cmd
}
