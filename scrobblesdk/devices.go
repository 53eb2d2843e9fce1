package scrobblesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Device is the API's view of a registered device.
type Device struct {
	ID              uuid.UUID `json:"id"`
	AccountID       uuid.UUID `json:"account_id"`
	DeviceUID       string    `json:"device_uid"`
	Name            string    `json:"name"`
	Platform        string    `json:"platform"`
	ClientVersion   string    `json:"client_version,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastSeenAt      time.Time `json:"last_seen_at,omitempty"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at,omitempty"`
}

// RegisterDeviceRequest enrolls a device under the account owning the
// enrollment key. DeviceUID is the stable hardware-derived identifier, so
// re-registering the same machine returns the same device.
type RegisterDeviceRequest struct {
	DeviceUID     string `json:"device_uid" validate:"required"`
	Name          string `json:"name" validate:"required"`
	Platform      string `json:"platform" validate:"required"`
	ClientVersion string `json:"client_version"`
	AccountKey    string `json:"account_key" validate:"required"`
}

// TokenPair carries both device credentials. The access token authenticates
// pipeline requests; the refresh token only mints new pairs.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// RegisterDeviceResponse returns the device and its first token pair.
type RegisterDeviceResponse struct {
	Device Device `json:"device"`
	TokenPair
}

// RefreshTokenRequest trades a refresh token for a new pair.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// RevokeDeviceResponse confirms credential revocation.
type RevokeDeviceResponse struct {
	Revoked bool `json:"revoked"`
}

// HeartbeatRequest reports liveness and, optionally, a version change.
type HeartbeatRequest struct {
	ClientVersion string `json:"client_version,omitempty"`
}

// HeartbeatResponse tells the device when to check in next.
type HeartbeatResponse struct {
	ServerTime time.Time `json:"server_time"`
	// NextHeartbeatIn is seconds until the next expected heartbeat.
	NextHeartbeatIn int `json:"next_heartbeat_in"`
}

// ControlRule is one entry in the device's policy document.
type ControlRule struct {
	Package string `json:"package"`
	// Mode is "block" or "limit".
	Mode string `json:"mode"`
	// LimitSeconds applies when Mode is "limit".
	LimitSeconds int64 `json:"limit_seconds,omitempty"`
}

// Controls is the policy document a device polls, independent of the usage
// pipeline. Distribution semantics beyond this read surface live elsewhere.
type Controls struct {
	UpdatedAt time.Time     `json:"updated_at"`
	Rules     []ControlRule `json:"rules"`
}

// RegisterDevice enrolls a device. No authentication; the enrollment key in
// the request body is the credential.
func (c *Client) RegisterDevice(ctx context.Context, req RegisterDeviceRequest) (RegisterDeviceResponse, error) {
	res, err := c.Request(ctx, http.MethodPost, "/api/v1/devices/register", req)
	if err != nil {
		return RegisterDeviceResponse{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		return RegisterDeviceResponse{}, ReadBodyAsError(res)
	}
	var resp RegisterDeviceResponse
	return resp, json.NewDecoder(res.Body).Decode(&resp)
}

// RefreshDeviceToken mints a new token pair from a refresh token. The client's
// stored session token is not sent; the refresh token alone authenticates.
func (c *Client) RefreshDeviceToken(ctx context.Context, refreshToken string) (TokenPair, error) {
	res, err := c.Request(ctx, http.MethodPost, "/api/v1/devices/refresh", RefreshTokenRequest{
		RefreshToken: refreshToken,
	})
	if err != nil {
		return TokenPair{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return TokenPair{}, ReadBodyAsError(res)
	}
	var pair TokenPair
	return pair, json.NewDecoder(res.Body).Decode(&pair)
}

// RevokeDevice invalidates every outstanding token for the authenticated
// device by rotating its signing secret.
func (c *Client) RevokeDevice(ctx context.Context) (RevokeDeviceResponse, error) {
	res, err := c.Request(ctx, http.MethodPost, "/api/v1/devices/revoke", nil)
	if err != nil {
		return RevokeDeviceResponse{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return RevokeDeviceResponse{}, ReadBodyAsError(res)
	}
	var resp RevokeDeviceResponse
	return resp, json.NewDecoder(res.Body).Decode(&resp)
}

// Device returns the authenticated device.
func (c *Client) Device(ctx context.Context) (Device, error) {
	res, err := c.Request(ctx, http.MethodGet, "/api/v1/devices/me", nil)
	if err != nil {
		return Device{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return Device{}, ReadBodyAsError(res)
	}
	var device Device
	return device, json.NewDecoder(res.Body).Decode(&device)
}

// PostHeartbeat reports device liveness.
func (c *Client) PostHeartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
	res, err := c.Request(ctx, http.MethodPost, "/api/v1/devices/heartbeat", req)
	if err != nil {
		return HeartbeatResponse{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return HeartbeatResponse{}, ReadBodyAsError(res)
	}
	var resp HeartbeatResponse
	return resp, json.NewDecoder(res.Body).Decode(&resp)
}

// Controls fetches the device's current policy document.
func (c *Client) Controls(ctx context.Context) (Controls, error) {
	res, err := c.Request(ctx, http.MethodGet, "/api/v1/controls", nil)
	if err != nil {
		return Controls{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return Controls{}, ReadBodyAsError(res)
	}
	var controls Controls
	return controls, json.NewDecoder(res.Body).Decode(&controls)
}
