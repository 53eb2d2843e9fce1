package httpmw

import (
	"net/http"

	"github.com/go-chi/cors"

	"github.com/coder/scrobble/scrobblesdk"
)

// Cors returns a handler that sets CORS headers for the dashboard read
// routes. An empty origin list blocks cross-origin requests entirely, which
// is the secure default; "*" is only set when allowAll is explicit.
func Cors(allowAll bool, origins ...string) func(next http.Handler) http.Handler {
	if len(origins) == 0 {
		// The default behavior of the library is '*', so the empty string
		// restores the secure behavior of blocking CORS requests.
		origins = []string{""}
	}
	if allowAll {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		// The dashboard only reads.
		AllowedMethods: []string{http.MethodOptions, http.MethodGet},
		AllowedHeaders: []string{"Accept", "Content-Type", scrobblesdk.SessionTokenHeader},
		// Device tokens travel in headers, never cookies.
		AllowCredentials: false,
	})
}
