package cli

import (
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"

	"github.com/coder/scrobble/agent"
	"github.com/coder/scrobble/agent/spool"
	"github.com/coder/scrobble/cli/cliflag"
	"github.com/coder/scrobble/scrobblesdk"
)

func deviceAgent() *cobra.Command {
	var (
		rawURL            string
		enrollmentKey     string
		spoolPath         string
		deviceName        string
		platform          string
		flushInterval     time.Duration
		heartbeatInterval time.Duration
		mergeGap          time.Duration
		ignorePackages    []string
		stdinSource       bool
		verbose           bool
	)

	root := &cobra.Command{
		Use:   "agent",
		Short: "Run the device agent",
		Long: "Run the device agent. Captured activity is sessionized into a local\n" +
			"spool and uploaded in batches; nothing is lost while the gateway is\n" +
			"unreachable.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.Make(sloghuman.Sink(cmd.ErrOrStderr()))
			if verbose {
				logger = logger.Leveled(slog.LevelDebug)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			serverURL, err := url.Parse(rawURL)
			if err != nil {
				return xerrors.Errorf("parse URL %q: %w", rawURL, err)
			}

			sp, err := spool.Open(ctx, spoolPath)
			if err != nil {
				return xerrors.Errorf("open spool %q: %w", spoolPath, err)
			}
			defer sp.Close()

			// Without a source the agent still settles whatever a previous
			// run left spooled.
			var source agent.Source
			if stdinSource {
				source = agent.NewStreamSource(cmd.InOrStdin())
			}

			a, err := agent.New(agent.Options{
				Logger:            logger,
				Client:            scrobblesdk.New(serverURL),
				Spool:             sp,
				Source:            source,
				DeviceName:        deviceName,
				Platform:          platform,
				EnrollmentKey:     enrollmentKey,
				FlushInterval:     flushInterval,
				HeartbeatInterval: heartbeatInterval,
				MergeGap:          mergeGap,
				NoisePackages:     ignorePackages,
			})
			if err != nil {
				return xerrors.Errorf("create agent: %w", err)
			}

			cmd.Printf("Scrobbling to %s (spool at %s)\n", serverURL.String(), spoolPath)
			<-ctx.Done()

			cmd.Println("\nShutting down agent...")
			err = a.Close()
			if err != nil {
				return xerrors.Errorf("close agent: %w", err)
			}
			return nil
		},
	}

	cliflag.StringVarP(root.Flags(), &rawURL, "url", "", "SCROBBLE_URL", "http://127.0.0.1:3000", "URL of the scrobble gateway")
	cliflag.StringVarP(root.Flags(), &enrollmentKey, "enrollment-key", "", "SCROBBLE_ENROLLMENT_KEY", "",
		"Account enrollment key authorizing first-time registration. Unneeded once the device holds credentials")
	cliflag.StringVarP(root.Flags(), &spoolPath, "spool", "", "SCROBBLE_SPOOL", defaultSpoolPath(), "Path to the durable spool database")
	cliflag.StringVarP(root.Flags(), &deviceName, "device-name", "", "SCROBBLE_DEVICE_NAME", "", "Name reported at registration. Defaults to the hostname")
	cliflag.StringVarP(root.Flags(), &platform, "platform", "", "SCROBBLE_PLATFORM", "", "Platform reported at registration. Defaults to the runtime OS")
	cliflag.DurationVarP(root.Flags(), &flushInterval, "flush-interval", "", "SCROBBLE_FLUSH_INTERVAL", agent.DefaultFlushInterval,
		"How often to sessionize and upload captured activity")
	cliflag.DurationVarP(root.Flags(), &heartbeatInterval, "heartbeat-interval", "", "SCROBBLE_HEARTBEAT_INTERVAL", agent.DefaultHeartbeatInterval,
		"How often to report liveness to the gateway")
	cliflag.DurationVarP(root.Flags(), &mergeGap, "merge-gap", "", "SCROBBLE_MERGE_GAP", agent.DefaultMergeGap,
		"Usage of the same app separated by less than this is merged into one session")
	cliflag.StringArrayVarP(root.Flags(), &ignorePackages, "ignore-package", "", "SCROBBLE_IGNORE_PACKAGES", nil,
		"Additional packages to exclude from capture, e.g. launchers")
	cliflag.BoolVarP(root.Flags(), &stdinSource, "stdin", "", "SCROBBLE_STDIN", false,
		"Read activity observations from stdin as line-delimited JSON, e.g. {\"kind\":\"foreground\",\"app\":\"com.spotify.music\"}")
	cliflag.BoolVarP(root.Flags(), &verbose, "verbose", "v", "SCROBBLE_VERBOSE", false, "Enables verbose logging")

	return root
}

func defaultSpoolPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "scrobble", "spool.db")
}
