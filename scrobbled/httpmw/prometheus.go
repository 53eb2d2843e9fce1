package httpmw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus records API request metrics on the provided registerer.
func Prometheus(register prometheus.Registerer) func(http.Handler) http.Handler {
	factory := promauto.With(register)
	requestsProcessed := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scrobbled",
		Subsystem: "api",
		Name:      "requests_processed_total",
		Help:      "The total number of processed API requests",
	}, []string{"code", "method", "path"})
	requestsConcurrent := factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "scrobbled",
		Subsystem: "api",
		Name:      "concurrent_requests",
		Help:      "The number of concurrent API requests.",
	})
	requestsDist := factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scrobbled",
		Subsystem: "api",
		Name:      "request_latencies_seconds",
		Help:      "Latency distribution of requests in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.010, 0.025, 0.050, 0.100, 0.500, 1, 5, 10, 30},
	}, []string{"method", "path"})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			var (
				start  = time.Now()
				method = r.Method
				rctx   = chi.RouteContext(r.Context())
			)
			sw, ok := rw.(middleware.WrapResponseWriter)
			if !ok {
				panic("dev error: http.ResponseWriter is not middleware.WrapResponseWriter")
			}

			requestsConcurrent.Inc()
			defer requestsConcurrent.Dec()

			next.ServeHTTP(rw, r)

			// The route pattern is only populated after the request routes.
			path := rctx.RoutePattern()
			statusStr := strconv.Itoa(sw.Status())

			requestsProcessed.WithLabelValues(statusStr, method, path).Inc()
			requestsDist.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		})
	}
}
