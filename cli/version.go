package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/coder/scrobble/buildinfo"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show scrobble version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var str strings.Builder
			_, _ = str.WriteString(fmt.Sprintf("Scrobble %s", buildinfo.Version()))
			buildTime, valid := buildinfo.Time()
			if valid {
				_, _ = str.WriteString(" " + buildTime.Format(time.UnixDate))
			}
			_, _ = str.WriteString("\r\n" + buildinfo.ExternalURL() + "\r\n")
			cmd.Println(str.String())
			return nil
		},
	}
}
