package scrobbled

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/coder/scrobble/cryptorand"
	"github.com/coder/scrobble/scrobbled/database"
	"github.com/coder/scrobble/scrobbled/database/dbtime"
	"github.com/coder/scrobble/scrobbled/devicetoken"
	"github.com/coder/scrobble/scrobbled/httpapi"
	"github.com/coder/scrobble/scrobbled/httpmw"
	"github.com/coder/scrobble/scrobblesdk"
)

// deviceSecretLength is the length of the random per-device signing secret.
// 43 base-62 characters carry slightly over 256 bits.
const deviceSecretLength = 43

// heartbeatInterval is how often devices are told to check in.
const heartbeatInterval = 300

func (api *api) postDeviceRegister(rw http.ResponseWriter, r *http.Request) {
	var req scrobblesdk.RegisterDeviceRequest
	if !httpapi.Read(rw, r, &req) {
		return
	}

	account, err := api.Database.GetAccountByEnrollmentKey(r.Context(), req.AccountKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			httpapi.Write(rw, http.StatusUnauthorized, scrobblesdk.Response{
				Message: "Enrollment key is invalid.",
			})
			return
		}
		httpapi.InternalServerError(rw, err)
		return
	}

	secret, err := cryptorand.String(deviceSecretLength)
	if err != nil {
		httpapi.InternalServerError(rw, err)
		return
	}

	now := dbtime.Now()
	device, err := api.Database.InsertDevice(r.Context(), database.InsertDeviceParams{
		ID:            uuid.New(),
		AccountID:     account.ID,
		DeviceUID:     req.DeviceUID,
		Name:          req.Name,
		Platform:      req.Platform,
		ClientVersion: req.ClientVersion,
		JWTSecret:     secret,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if database.IsUniqueViolation(err, database.UniqueDevicesDeviceUID) {
		// The same machine re-registering, usually after losing its spool.
		// Rotate the secret on the existing row instead of creating a twin;
		// tokens minted under the old secret die with it.
		device, err = api.Database.GetDeviceByUID(r.Context(), req.DeviceUID)
		if err != nil {
			httpapi.InternalServerError(rw, err)
			return
		}
		if device.AccountID != account.ID {
			httpapi.Write(rw, http.StatusConflict, scrobblesdk.Response{
				Message: "Device is already enrolled under another account.",
			})
			return
		}
		device, err = api.Database.UpdateDeviceSecret(r.Context(), database.UpdateDeviceSecretParams{
			ID:        device.ID,
			JWTSecret: secret,
			Revoked:   false,
			UpdatedAt: now,
		})
	}
	if err != nil {
		httpapi.InternalServerError(rw, err)
		return
	}

	pair, err := mintTokenPair(device, now)
	if err != nil {
		httpapi.InternalServerError(rw, err)
		return
	}
	httpapi.Write(rw, http.StatusCreated, scrobblesdk.RegisterDeviceResponse{
		Device:    convertDevice(device),
		TokenPair: pair,
	})
}

func (api *api) postDeviceRefresh(rw http.ResponseWriter, r *http.Request) {
	var req scrobblesdk.RefreshTokenRequest
	if !httpapi.Read(rw, r, &req) {
		return
	}

	deviceID, err := devicetoken.DeviceID(req.RefreshToken)
	if err != nil {
		httpapi.Write(rw, http.StatusUnauthorized, scrobblesdk.Response{
			Message: httpmw.SignedOutErrorMessage,
			Detail:  "Invalid refresh token format: " + err.Error(),
		})
		return
	}
	device, err := api.Database.GetDeviceByID(r.Context(), deviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			httpapi.Write(rw, http.StatusUnauthorized, scrobblesdk.Response{
				Message: httpmw.SignedOutErrorMessage,
				Detail:  "Device does not exist.",
			})
			return
		}
		httpapi.InternalServerError(rw, err)
		return
	}
	if device.Revoked {
		httpapi.Write(rw, http.StatusUnauthorized, scrobblesdk.Response{
			Message: httpmw.SignedOutErrorMessage,
			Detail:  "Device has been revoked.",
		})
		return
	}
	if _, err := devicetoken.Verify(req.RefreshToken, device.JWTSecret, devicetoken.TypeRefresh); err != nil {
		httpapi.Write(rw, http.StatusUnauthorized, scrobblesdk.Response{
			Message: httpmw.SignedOutErrorMessage,
			Detail:  err.Error(),
		})
		return
	}

	pair, err := mintTokenPair(device, dbtime.Now())
	if err != nil {
		httpapi.InternalServerError(rw, err)
		return
	}
	httpapi.Write(rw, http.StatusOK, pair)
}

func (api *api) postDeviceRevoke(rw http.ResponseWriter, r *http.Request) {
	device := httpmw.Device(r)

	// A fresh secret is written even though the device is marked revoked, so
	// a leaked old secret cannot be replayed if the device re-registers.
	secret, err := cryptorand.String(deviceSecretLength)
	if err != nil {
		httpapi.InternalServerError(rw, err)
		return
	}
	_, err = api.Database.UpdateDeviceSecret(r.Context(), database.UpdateDeviceSecretParams{
		ID:        device.ID,
		JWTSecret: secret,
		Revoked:   true,
		UpdatedAt: dbtime.Now(),
	})
	if err != nil {
		httpapi.InternalServerError(rw, err)
		return
	}
	httpapi.Write(rw, http.StatusOK, scrobblesdk.RevokeDeviceResponse{
		Revoked: true,
	})
}

func (api *api) device(rw http.ResponseWriter, r *http.Request) {
	httpapi.Write(rw, http.StatusOK, convertDevice(httpmw.Device(r)))
}

func (api *api) postDeviceHeartbeat(rw http.ResponseWriter, r *http.Request) {
	device := httpmw.Device(r)

	var req scrobblesdk.HeartbeatRequest
	if !httpapi.Read(rw, r, &req) {
		return
	}

	now := dbtime.Now()
	err := api.Database.UpdateDeviceConnection(r.Context(), database.UpdateDeviceConnectionParams{
		ID:              device.ID,
		ClientVersion:   req.ClientVersion,
		LastSeenAt:      now,
		UpdateHeartbeat: true,
	})
	if err != nil {
		httpapi.InternalServerError(rw, err)
		return
	}
	httpapi.Write(rw, http.StatusOK, scrobblesdk.HeartbeatResponse{
		ServerTime:      now,
		NextHeartbeatIn: heartbeatInterval,
	})
}

func mintTokenPair(device database.Device, now time.Time) (scrobblesdk.TokenPair, error) {
	accessToken, err := devicetoken.New(device.ID, device.JWTSecret, devicetoken.TypeAuth, now)
	if err != nil {
		return scrobblesdk.TokenPair{}, xerrors.Errorf("mint access token: %w", err)
	}
	refreshToken, err := devicetoken.New(device.ID, device.JWTSecret, devicetoken.TypeRefresh, now)
	if err != nil {
		return scrobblesdk.TokenPair{}, xerrors.Errorf("mint refresh token: %w", err)
	}
	return scrobblesdk.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}

func convertDevice(device database.Device) scrobblesdk.Device {
	sdkDevice := scrobblesdk.Device{
		ID:            device.ID,
		AccountID:     device.AccountID,
		DeviceUID:     device.DeviceUID,
		Name:          device.Name,
		Platform:      device.Platform,
		ClientVersion: device.ClientVersion,
		CreatedAt:     device.CreatedAt,
	}
	if device.LastSeenAt.Valid {
		sdkDevice.LastSeenAt = device.LastSeenAt.Time
	}
	if device.LastHeartbeatAt.Valid {
		sdkDevice.LastHeartbeatAt = device.LastHeartbeatAt.Time
	}
	return sdkDevice
}
