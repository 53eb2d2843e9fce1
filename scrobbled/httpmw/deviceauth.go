package httpmw

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/scrobble/scrobbled/database"
	"github.com/coder/scrobble/scrobbled/database/dbtime"
	"github.com/coder/scrobble/scrobbled/devicetoken"
	"github.com/coder/scrobble/scrobbled/httpapi"
	"github.com/coder/scrobble/scrobblesdk"
)

type deviceContextKey struct{}

// DeviceOptional may return a device from the ExtractDevice handler.
func DeviceOptional(r *http.Request) (database.Device, bool) {
	device, ok := r.Context().Value(deviceContextKey{}).(database.Device)
	return device, ok
}

// Device returns the authenticated device from the ExtractDevice handler.
func Device(r *http.Request) database.Device {
	device, ok := DeviceOptional(r)
	if !ok {
		panic("developer error: ExtractDevice middleware not provided")
	}
	return device
}

const SignedOutErrorMessage = "Device token is missing or invalid. Re-register or refresh the device to continue."

type ExtractDeviceConfig struct {
	DB database.Store
	// Optional governs whether unauthenticated requests continue to the
	// handler. Use DeviceOptional to read the device on such routes.
	Optional bool
}

// ExtractDevice authenticates the request with a device access token. The
// signing secret lives on the device row, so the subject claim is read
// unverified first to locate the row, then the signature is checked
// against that row's secret.
func ExtractDevice(cfg ExtractDeviceConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			write := func(status int, resp scrobblesdk.Response) {
				if cfg.Optional {
					next.ServeHTTP(rw, r)
					return
				}
				httpapi.Write(rw, status, resp)
			}

			token := TokenFromRequest(r)
			if token == "" {
				write(http.StatusUnauthorized, scrobblesdk.Response{
					Message: SignedOutErrorMessage,
					Detail:  fmt.Sprintf("Header %q must be provided.", scrobblesdk.SessionTokenHeader),
				})
				return
			}

			deviceID, err := devicetoken.DeviceID(token)
			if err != nil {
				write(http.StatusUnauthorized, scrobblesdk.Response{
					Message: SignedOutErrorMessage,
					Detail:  "Invalid device token format: " + err.Error(),
				})
				return
			}

			device, err := cfg.DB.GetDeviceByID(ctx, deviceID)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					write(http.StatusUnauthorized, scrobblesdk.Response{
						Message: SignedOutErrorMessage,
						Detail:  "Device does not exist.",
					})
					return
				}
				httpapi.InternalServerError(rw, err)
				return
			}
			if device.Revoked {
				write(http.StatusUnauthorized, scrobblesdk.Response{
					Message: SignedOutErrorMessage,
					Detail:  "Device has been revoked.",
				})
				return
			}

			_, err = devicetoken.Verify(token, device.JWTSecret, devicetoken.TypeAuth)
			if err != nil {
				write(http.StatusUnauthorized, scrobblesdk.Response{
					Message: SignedOutErrorMessage,
					Detail:  err.Error(),
				})
				return
			}

			// Refresh last_seen_at at most once a minute to keep the hot
			// path from writing on every request.
			now := dbtime.Now()
			if !device.LastSeenAt.Valid || device.LastSeenAt.Time.Add(time.Minute).Before(now) {
				err = cfg.DB.UpdateDeviceConnection(ctx, database.UpdateDeviceConnectionParams{
					ID:         device.ID,
					LastSeenAt: now,
				})
				if err != nil {
					httpapi.InternalServerError(rw, err)
					return
				}
				device.LastSeenAt = sql.NullTime{Time: now, Valid: true}
				device.UpdatedAt = now
			}

			ctx = context.WithValue(ctx, deviceContextKey{}, device)
			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}

// TokenFromRequest returns the device token from the request, if found.
// The custom header wins over a bearer Authorization header.
func TokenFromRequest(r *http.Request) string {
	token := r.Header.Get(scrobblesdk.SessionTokenHeader)
	if token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
