package httpmw

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/coder/scrobble/scrobbled/httpapi"
	"github.com/coder/scrobble/scrobblesdk"
)

// RateLimit returns a handler that limits requests per-minute based
// on the authenticated device, falling back to the remote IP for
// unauthenticated routes like registration.
func RateLimit(count int, window time.Duration) func(http.Handler) http.Handler {
	// -1 is no rate limit
	if count <= 0 {
		return func(handler http.Handler) http.Handler {
			return handler
		}
	}
	return httprate.Limit(
		count,
		window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			device, ok := DeviceOptional(r)
			if ok {
				return device.ID.String(), nil
			}
			return httprate.KeyByIP(r)
		}),
		httprate.WithLimitHandler(func(rw http.ResponseWriter, r *http.Request) {
			httpapi.Write(rw, http.StatusTooManyRequests, scrobblesdk.Response{
				Message: "You've been rate limited for sending too many requests!",
			})
		}),
	)
}
