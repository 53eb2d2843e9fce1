package cli

import (
	"context"
	"database/sql"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"

	"github.com/coder/scrobble/cli/cliflag"
	"github.com/coder/scrobble/scrobbled"
	"github.com/coder/scrobble/scrobbled/database"
	"github.com/coder/scrobble/scrobbled/database/dbmem"
	"github.com/coder/scrobble/scrobbled/database/migrations"
	"github.com/coder/scrobble/scrobbled/database/pubsub"
	"github.com/coder/scrobble/scrobbled/processor"
	"github.com/coder/scrobble/scrobbled/rollup"
)

func server() *cobra.Command {
	var (
		address          string
		postgresURL      string
		inMemoryDatabase bool
		queuePartitions  int
		apiRateLimit     int
		cronKey          string
		allowAllCors     bool
		corsOrigins      []string
		rollupSchedule   string
		verbose          bool
	)

	root := &cobra.Command{
		Use:   "server",
		Short: "Start a scrobble gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := slog.Make(sloghuman.Sink(cmd.ErrOrStderr()))
			if verbose {
				logger = logger.Leveled(slog.LevelDebug)
			}

			// Main command context for managing cancellation of running
			// services.
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			listener, err := net.Listen("tcp", address)
			if err != nil {
				return xerrors.Errorf("listen %q: %w", address, err)
			}
			defer listener.Close()

			tcpAddr, valid := listener.Addr().(*net.TCPAddr)
			if !valid {
				return xerrors.New("must be listening on tcp")
			}
			// If just a port is specified, assume localhost.
			if tcpAddr.IP.IsUnspecified() {
				tcpAddr.IP = net.IPv4(127, 0, 0, 1)
			}

			var (
				db database.Store
				ps pubsub.Pubsub
			)
			if inMemoryDatabase {
				db = dbmem.New()
				ps = pubsub.NewInMemory()
			} else {
				if postgresURL == "" {
					return xerrors.New("either --postgres-url or --in-memory is required")
				}
				sqlDB, err := sql.Open("postgres", postgresURL)
				if err != nil {
					return xerrors.Errorf("dial postgres: %w", err)
				}
				defer sqlDB.Close()

				err = sqlDB.Ping()
				if err != nil {
					return xerrors.Errorf("ping postgres: %w", err)
				}
				err = migrations.Up(sqlDB)
				if err != nil {
					return xerrors.Errorf("migrate up: %w", err)
				}
				db = database.New(sqlDB)
				ps, err = pubsub.New(ctx, sqlDB, postgresURL)
				if err != nil {
					return xerrors.Errorf("create pubsub: %w", err)
				}
				defer ps.Close()
			}

			sched, err := cron.ParseStandard(rollupSchedule)
			if err != nil {
				return xerrors.Errorf("parse rollup schedule %q: %w", rollupSchedule, err)
			}

			registry := prometheus.NewRegistry()

			rolluper := rollup.New(logger.Named("rollup"), db, rollup.WithSchedule(sched))
			defer rolluper.Close()

			proc, err := processor.New(logger.Named("processor"), db, ps,
				processor.WithPartitions(int32(queuePartitions)),
				processor.WithMetrics(processor.NewMetrics(registry)),
			)
			if err != nil {
				return xerrors.Errorf("create stream processor: %w", err)
			}
			defer proc.Close()

			handler := scrobbled.New(&scrobbled.Options{
				Logger:             logger.Named("scrobbled"),
				Database:           db,
				Pubsub:             ps,
				APIRateLimit:       apiRateLimit,
				QueuePartitions:    int32(queuePartitions),
				CronKey:            cronKey,
				DailyRolluper:      rolluper,
				AllowAllCors:       allowAllCors,
				CorsOrigins:        corsOrigins,
				PrometheusRegistry: registry,
			})

			shutdownConnsCtx, shutdownConns := context.WithCancel(ctx)
			defer shutdownConns()
			server := &http.Server{
				// These errors are typically noise like "TLS: EOF". Vault does similar:
				// https://github.com/hashicorp/vault/blob/e2490059d0711635e529a4efcbaa1b26998d6e1c/command/server.go#L2714
				ErrorLog: log.New(io.Discard, "", 0),
				Handler:  handler,
				BaseContext: func(_ net.Listener) context.Context {
					return shutdownConnsCtx
				},
			}
			defer func() {
				_ = shutdownWithTimeout(server, 5*time.Second)
			}()

			// Since errCh only has one buffered slot, all routines
			// sending on it must be wrapped in a select/default to
			// avoid leaving dangling goroutines waiting for the
			// channel to be consumed.
			errCh := make(chan error, 1)
			eg := errgroup.Group{}
			eg.Go(func() error {
				return server.Serve(listener)
			})
			go func() {
				select {
				case errCh <- eg.Wait():
				default:
				}
			}()

			cmd.Printf("Serving scrobble API at http://%s\n", tcpAddr.String())
			cmd.Println("\n==> Logs will stream in below (press ctrl+c to gracefully exit):")

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()

			var exitErr error
			select {
			case <-ctx.Done():
				exitErr = ctx.Err()
			case exitErr = <-errCh:
			}
			if exitErr != nil && !xerrors.Is(exitErr, context.Canceled) {
				cmd.Printf("Unexpected error, shutting down server: %s\n", exitErr)
			}

			// Begin clean shut down stage, we try to shut down services
			// gracefully in an order that gives the best experience.
			// This procedure should not differ greatly from the order
			// of `defer`s in this function, but allows us to inform
			// the user about what's going on and handle errors more
			// explicitly.

			// Stop accepting new connections without interrupting
			// in-flight requests, give in-flight requests 5 seconds to
			// complete.
			cmd.Println("Shutting down API server...")
			err = shutdownWithTimeout(server, 5*time.Second)
			if err != nil {
				cmd.Printf("API server shutdown took longer than 5s: %s\n", err)
			} else {
				cmd.Printf("Gracefully shut down API server\n")
			}
			// Cancel any remaining in-flight requests.
			shutdownConns()

			// The processor drains its owned partitions before returning so
			// a restart does not replay acknowledged work.
			cmd.Println("Shutting down stream processor...")
			err = proc.Close()
			if err != nil {
				cmd.Printf("Close stream processor: %s\n", err)
			}
			err = rolluper.Close()
			if err != nil {
				cmd.Printf("Close rollup scheduler: %s\n", err)
			}

			// Trigger context cancellation for any remaining services.
			cancel()

			return exitErr
		},
	}

	cliflag.StringVarP(root.Flags(), &address, "address", "a", "SCROBBLE_ADDRESS", "127.0.0.1:3000", "The address to serve the API")
	cliflag.StringVarP(root.Flags(), &postgresURL, "postgres-url", "", "SCROBBLE_PG_CONNECTION_URL", "", "The URL of a PostgreSQL database to connect to")
	cliflag.BoolVarP(root.Flags(), &inMemoryDatabase, "in-memory", "", "SCROBBLE_INMEMORY", false,
		"Specifies whether data will be stored in an in-memory database. Lost on exit, intended for development")
	cliflag.IntVarP(root.Flags(), &queuePartitions, "queue-partitions", "", "SCROBBLE_QUEUE_PARTITIONS", database.DefaultQueuePartitions,
		"The number of usage event queue partitions. Must match across every gateway sharing a database")
	cliflag.IntVarP(root.Flags(), &apiRateLimit, "api-rate-limit", "", "SCROBBLE_API_RATE_LIMIT", 512,
		"Maximum number of requests per minute allowed to the API per device or IP address. Negative values disable the rate limiter")
	cliflag.StringVarP(root.Flags(), &cronKey, "cron-key", "", "SCROBBLE_CRON_KEY", "",
		"Shared secret authorizing the operator routes: manual rollup runs, dead letter inspection and controls updates. Empty disables them")
	cliflag.BoolVarP(root.Flags(), &allowAllCors, "dangerous-allow-cors-all", "", "SCROBBLE_DANGEROUS_ALLOW_CORS_ALL", false,
		"Allow all CORS origins on the dashboard read routes. Intended for development only")
	cliflag.StringArrayVarP(root.Flags(), &corsOrigins, "cors-origin", "", "SCROBBLE_CORS_ORIGINS", nil,
		"Origins allowed to read the dashboard routes from a browser")
	cliflag.StringVarP(root.Flags(), &rollupSchedule, "rollup-schedule", "", "SCROBBLE_ROLLUP_SCHEDULE", rollup.DefaultSchedule,
		"Cron schedule for rebuilding the previous day's session and usage rollups")
	cliflag.BoolVarP(root.Flags(), &verbose, "verbose", "v", "SCROBBLE_VERBOSE", false, "Enables verbose logging")

	return root
}

func shutdownWithTimeout(s interface{ Shutdown(context.Context) error }, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Shutdown(ctx)
}
