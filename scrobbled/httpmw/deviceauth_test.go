package httpmw_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/coder/scrobble/scrobbled/database"
	"github.com/coder/scrobble/scrobbled/database/dbtestutil"
	"github.com/coder/scrobble/scrobbled/database/dbtime"
	"github.com/coder/scrobble/scrobbled/devicetoken"
	"github.com/coder/scrobble/scrobbled/httpmw"
	"github.com/coder/scrobble/scrobblesdk"
)

func TestExtractDevice(t *testing.T) {
	t.Parallel()

	successHandler := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		// Only called if the device is valid.
		rw.WriteHeader(http.StatusOK)
	})

	setup := func(t *testing.T) (database.Store, database.Device) {
		t.Helper()
		ctx := context.Background()
		db, _ := dbtestutil.NewDB(t)
		account, err := db.InsertAccount(ctx, database.InsertAccountParams{
			ID:            uuid.New(),
			Name:          "family",
			EnrollmentKey: uuid.NewString(),
			CreatedAt:     dbtime.Now(),
		})
		require.NoError(t, err)
		device, err := db.InsertDevice(ctx, database.InsertDeviceParams{
			ID:        uuid.New(),
			AccountID: account.ID,
			DeviceUID: uuid.NewString(),
			Name:      "pixel",
			Platform:  "android",
			JWTSecret: "secret",
			CreatedAt: dbtime.Now(),
			UpdatedAt: dbtime.Now(),
		})
		require.NoError(t, err)
		return db, device
	}

	t.Run("NoToken", func(t *testing.T) {
		t.Parallel()
		db, _ := setup(t)
		r := httptest.NewRequest("GET", "/", nil)
		rw := httptest.NewRecorder()
		httpmw.ExtractDevice(httpmw.ExtractDeviceConfig{DB: db})(successHandler).ServeHTTP(rw, r)
		require.Equal(t, http.StatusUnauthorized, rw.Code)
	})

	t.Run("InvalidFormat", func(t *testing.T) {
		t.Parallel()
		db, _ := setup(t)
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set(scrobblesdk.SessionTokenHeader, "not-a-jwt")
		rw := httptest.NewRecorder()
		httpmw.ExtractDevice(httpmw.ExtractDeviceConfig{DB: db})(successHandler).ServeHTTP(rw, r)
		require.Equal(t, http.StatusUnauthorized, rw.Code)
	})

	t.Run("DeviceNotFound", func(t *testing.T) {
		t.Parallel()
		db, _ := setup(t)
		token, err := devicetoken.New(uuid.New(), "secret", devicetoken.TypeAuth, time.Now())
		require.NoError(t, err)
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set(scrobblesdk.SessionTokenHeader, token)
		rw := httptest.NewRecorder()
		httpmw.ExtractDevice(httpmw.ExtractDeviceConfig{DB: db})(successHandler).ServeHTTP(rw, r)
		require.Equal(t, http.StatusUnauthorized, rw.Code)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		t.Parallel()
		db, device := setup(t)
		token, err := devicetoken.New(device.ID, "other", devicetoken.TypeAuth, time.Now())
		require.NoError(t, err)
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set(scrobblesdk.SessionTokenHeader, token)
		rw := httptest.NewRecorder()
		httpmw.ExtractDevice(httpmw.ExtractDeviceConfig{DB: db})(successHandler).ServeHTTP(rw, r)
		require.Equal(t, http.StatusUnauthorized, rw.Code)
	})

	t.Run("RefreshTokenRejected", func(t *testing.T) {
		t.Parallel()
		db, device := setup(t)
		token, err := devicetoken.New(device.ID, "secret", devicetoken.TypeRefresh, time.Now())
		require.NoError(t, err)
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set(scrobblesdk.SessionTokenHeader, token)
		rw := httptest.NewRecorder()
		httpmw.ExtractDevice(httpmw.ExtractDeviceConfig{DB: db})(successHandler).ServeHTTP(rw, r)
		require.Equal(t, http.StatusUnauthorized, rw.Code)
	})

	t.Run("Revoked", func(t *testing.T) {
		t.Parallel()
		db, device := setup(t)
		_, err := db.UpdateDeviceSecret(context.Background(), database.UpdateDeviceSecretParams{
			ID:        device.ID,
			JWTSecret: device.JWTSecret,
			Revoked:   true,
			UpdatedAt: dbtime.Now(),
		})
		require.NoError(t, err)
		token, err := devicetoken.New(device.ID, "secret", devicetoken.TypeAuth, time.Now())
		require.NoError(t, err)
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set(scrobblesdk.SessionTokenHeader, token)
		rw := httptest.NewRecorder()
		httpmw.ExtractDevice(httpmw.ExtractDeviceConfig{DB: db})(successHandler).ServeHTTP(rw, r)
		require.Equal(t, http.StatusUnauthorized, rw.Code)
	})

	t.Run("Valid", func(t *testing.T) {
		t.Parallel()
		db, device := setup(t)
		token, err := devicetoken.New(device.ID, "secret", devicetoken.TypeAuth, time.Now())
		require.NoError(t, err)
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set(scrobblesdk.SessionTokenHeader, token)
		rw := httptest.NewRecorder()
		handler := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			got := httpmw.Device(r)
			require.Equal(t, device.ID, got.ID)
			rw.WriteHeader(http.StatusOK)
		})
		httpmw.ExtractDevice(httpmw.ExtractDeviceConfig{DB: db})(handler).ServeHTTP(rw, r)
		require.Equal(t, http.StatusOK, rw.Code)

		updated, err := db.GetDeviceByID(context.Background(), device.ID)
		require.NoError(t, err)
		require.True(t, updated.LastSeenAt.Valid)
	})

	t.Run("BearerHeader", func(t *testing.T) {
		t.Parallel()
		db, device := setup(t)
		token, err := devicetoken.New(device.ID, "secret", devicetoken.TypeAuth, time.Now())
		require.NoError(t, err)
		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		rw := httptest.NewRecorder()
		httpmw.ExtractDevice(httpmw.ExtractDeviceConfig{DB: db})(successHandler).ServeHTTP(rw, r)
		require.Equal(t, http.StatusOK, rw.Code)
	})

	t.Run("OptionalWithoutToken", func(t *testing.T) {
		t.Parallel()
		db, _ := setup(t)
		r := httptest.NewRequest("GET", "/", nil)
		rw := httptest.NewRecorder()
		handler := http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			_, ok := httpmw.DeviceOptional(r)
			require.False(t, ok)
			rw.WriteHeader(http.StatusOK)
		})
		httpmw.ExtractDevice(httpmw.ExtractDeviceConfig{DB: db, Optional: true})(handler).ServeHTTP(rw, r)
		require.Equal(t, http.StatusOK, rw.Code)
	})
}
