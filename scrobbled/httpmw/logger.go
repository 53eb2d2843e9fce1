package httpmw

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"cdr.dev/slog/v3"
)

func Logger(log slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := middleware.NewWrapResponseWriter(rw, r.ProtoMajor)

			httplog := log.With(
				slog.F("host", r.Host),
				slog.F("path", r.URL.Path),
				slog.F("proto", r.Proto),
				slog.F("remote_addr", r.RemoteAddr),
			)

			next.ServeHTTP(sw, r)

			end := time.Now()

			// Don't log successful health check requests.
			if r.URL.Path == "/healthz" && sw.Status() == http.StatusOK {
				return
			}

			httplog = httplog.With(
				slog.F("took", end.Sub(start)),
				slog.F("status_code", sw.Status()),
			)

			// 5xx responses include proxy and shutdown errors, so they log
			// at warn rather than error to keep error logs actionable.
			logLevelFn := httplog.Debug
			if sw.Status() >= http.StatusInternalServerError {
				logLevelFn = httplog.Warn
			}
			logLevelFn(r.Context(), r.Method)
		})
	}
}
