package scrobbled

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cdr.dev/slog/v3"

	"github.com/coder/scrobble/buildinfo"
	"github.com/coder/scrobble/scrobbled/database"
	"github.com/coder/scrobble/scrobbled/database/pubsub"
	"github.com/coder/scrobble/scrobbled/httpapi"
	"github.com/coder/scrobble/scrobbled/httpmw"
	"github.com/coder/scrobble/scrobbled/rollup"
	"github.com/coder/scrobble/scrobblesdk"
)

// Options are required parameters for the API server to start.
type Options struct {
	Logger   slog.Logger
	Database database.Store
	Pubsub   pubsub.Pubsub

	// APIRateLimit is the minutely throughput rate limit per device or ip.
	// Setting a rate limit <0 will disable the rate limiter across the
	// entire app. Specific routes have their own stricter limits.
	APIRateLimit int
	// QueuePartitions must match the stream processor's configuration so
	// that appended events land in partitions a worker owns.
	QueuePartitions int32
	// CronKey authenticates the operator surfaces: manual rollup runs, dead
	// letter inspection and controls updates. Empty disables those routes.
	CronKey string
	// DailyRolluper serves manual rollup runs when configured.
	DailyRolluper *rollup.Rolluper
	// AllowAllCors opens the dashboard read routes to any origin. Intended
	// for development only.
	AllowAllCors bool
	// CorsOrigins lists origins allowed to read the dashboard routes from a
	// browser.
	CorsOrigins []string

	PrometheusRegistry *prometheus.Registry
}

// New constructs the scrobble API into an HTTP handler.
func New(options *Options) http.Handler {
	if options.APIRateLimit == 0 {
		options.APIRateLimit = 512
	}
	if options.QueuePartitions == 0 {
		options.QueuePartitions = database.DefaultQueuePartitions
	}
	if options.PrometheusRegistry == nil {
		options.PrometheusRegistry = prometheus.NewRegistry()
	}
	api := &api{
		Options: options,
	}

	deviceAuth := httpmw.ExtractDevice(httpmw.ExtractDeviceConfig{
		DB: options.Database,
	})

	r := chi.NewRouter()
	r.Use(
		httpmw.Recover(options.Logger),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(middleware.NewWrapResponseWriter(w, r.ProtoMajor), r)
			})
		},
		httpmw.Prometheus(options.PrometheusRegistry),
		httpmw.Logger(options.Logger.Named("http")),
	)

	r.Get("/healthz", api.healthz)
	r.Get("/metrics", promhttp.HandlerFor(options.PrometheusRegistry, promhttp.HandlerOpts{}).ServeHTTP)

	r.Route("/api/v1", func(r chi.Router) {
		r.NotFound(func(rw http.ResponseWriter, r *http.Request) {
			httpapi.Write(rw, http.StatusNotFound, scrobblesdk.Response{
				Message: "Route not found.",
			})
		})
		r.Use(
			// CORS must sit above routing so dashboard preflights resolve
			// without a token; an inline group would never see OPTIONS.
			httpmw.Cors(options.AllowAllCors, options.CorsOrigins...),
			// Specific routes can specify smaller limits.
			httpmw.RateLimit(options.APIRateLimit, time.Minute),
			debugLogRequest(options.Logger),
		)
		r.Get("/", func(rw http.ResponseWriter, r *http.Request) {
			httpapi.Write(rw, http.StatusOK, scrobblesdk.Response{
				Message: "👋",
			})
		})
		r.Route("/buildinfo", func(r chi.Router) {
			r.Get("/", func(rw http.ResponseWriter, r *http.Request) {
				httpapi.Write(rw, http.StatusOK, scrobblesdk.BuildInfoResponse{
					ExternalURL: buildinfo.ExternalURL(),
					Version:     buildinfo.Version(),
				})
			})
		})
		r.Route("/devices", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(httpmw.RateLimit(10, time.Minute))
				r.Post("/register", api.postDeviceRegister)
				r.Post("/refresh", api.postDeviceRefresh)
			})
			r.Group(func(r chi.Router) {
				r.Use(deviceAuth)
				r.Post("/revoke", api.postDeviceRevoke)
				r.Get("/me", api.device)
				r.With(httpmw.RateLimit(60, time.Minute)).
					Post("/heartbeat", api.postDeviceHeartbeat)
			})
		})
		r.Group(func(r chi.Router) {
			r.Use(
				deviceAuth,
				httpmw.RateLimit(50, time.Minute),
				// Oversized batches are rejected wholesale, never truncated.
				middleware.RequestSize(scrobblesdk.MaxBatchBytes),
			)
			r.Post("/events/batch", api.postEventsBatch)
			r.Post("/usage/batch", api.postUsageBatch)
			r.Post("/usage/validate", api.postUsageValidate)
		})
		r.With(deviceAuth).Get("/controls", api.controls)
		// Dashboard reads.
		r.Group(func(r chi.Router) {
			r.Use(deviceAuth)
			r.Get("/stats/today", api.statsToday)
			r.Get("/stats/week", api.statsWeek)
			r.Get("/apps/top", api.topApps)
			r.Get("/usage", api.usageSeries)
		})
		// Operator surfaces, guarded by the cron key.
		r.Group(func(r chi.Router) {
			r.Use(api.extractCronKey)
			r.Post("/rollups/run", api.postRollupRun)
			r.Get("/deadletters", api.deadLetters)
			r.Put("/controls", api.putControls)
		})
	})
	return r
}

// api contains all route handlers. Only HTTP handlers should be added to
// this struct for code clarity.
type api struct {
	*Options
}

func (api *api) healthz(rw http.ResponseWriter, r *http.Request) {
	latency, err := api.Database.Ping(r.Context())
	if err == nil {
		// Exercises the notify path, which a wedged connection breaks long
		// before queries do.
		err = api.Pubsub.Publish("healthz", nil)
	}
	if err != nil {
		httpapi.Write(rw, http.StatusServiceUnavailable, scrobblesdk.HealthzResponse{
			Healthy:           false,
			DatabaseLatencyMS: latency.Milliseconds(),
		})
		return
	}
	httpapi.Write(rw, http.StatusOK, scrobblesdk.HealthzResponse{
		Healthy:           true,
		DatabaseLatencyMS: latency.Milliseconds(),
	})
}

// extractCronKey guards the operator surfaces. No configured key removes the
// routes entirely rather than leaving them open.
func (api *api) extractCronKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if api.CronKey == "" {
			httpapi.Write(rw, http.StatusNotFound, scrobblesdk.Response{
				Message: "Route not found.",
			})
			return
		}
		key := r.Header.Get(scrobblesdk.CronKeyHeader)
		if subtle.ConstantTimeCompare([]byte(key), []byte(api.CronKey)) != 1 {
			httpapi.Write(rw, http.StatusUnauthorized, scrobblesdk.Response{
				Message: "Cron key is missing or invalid.",
			})
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func debugLogRequest(log slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			log.Debug(context.Background(), fmt.Sprintf("%s %s", r.Method, r.URL.Path))
			next.ServeHTTP(rw, r)
		})
	}
}
