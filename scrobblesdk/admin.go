package scrobblesdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// CronKeyHeader authenticates operational endpoints like the manual
// rollup trigger. The server compares it to its configured cron key.
const CronKeyHeader = "X-Scrobble-Cron-Key"

type RollupRunRequest struct {
	// Day selects the UTC day to rebuild, formatted 2006-01-02.
	// Empty means yesterday.
	Day string `json:"day,omitempty"`
}

type RollupRunResponse struct {
	Day         time.Time `json:"day"`
	SessionRows int64     `json:"session_rows"`
	TotalRows   int64     `json:"total_rows"`
}

// RunRollup rebuilds the daily session aggregates for one day. Requires
// the cron key.
func (c *Client) RunRollup(ctx context.Context, req RollupRunRequest, cronKey string) (RollupRunResponse, error) {
	res, err := c.Request(ctx, http.MethodPost, "/api/v1/rollups/run", req, WithHeader(CronKeyHeader, cronKey))
	if err != nil {
		return RollupRunResponse{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return RollupRunResponse{}, ReadBodyAsError(res)
	}
	var resp RollupRunResponse
	return resp, json.NewDecoder(res.Body).Decode(&resp)
}

type DeadLetter struct {
	ID        int64           `json:"id"`
	DeviceID  uuid.NullUUID   `json:"device_id"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// DeadLetters lists the most recent dead-lettered events. Requires the
// cron key.
func (c *Client) DeadLetters(ctx context.Context, limit int, cronKey string) ([]DeadLetter, error) {
	res, err := c.Request(ctx, http.MethodGet, fmt.Sprintf("/api/v1/deadletters?limit=%d", limit), nil, WithHeader(CronKeyHeader, cronKey))
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, ReadBodyAsError(res)
	}
	var letters []DeadLetter
	return letters, json.NewDecoder(res.Body).Decode(&letters)
}

type UpdateControlsRequest struct {
	EnrollmentKey string        `json:"enrollment_key" validate:"required"`
	Rules         []ControlRule `json:"rules"`
}

// UpdateControls replaces an account's control rules. Requires the cron
// key; devices pick the change up on their next controls poll.
func (c *Client) UpdateControls(ctx context.Context, req UpdateControlsRequest, cronKey string) (Controls, error) {
	res, err := c.Request(ctx, http.MethodPut, "/api/v1/controls", req, WithHeader(CronKeyHeader, cronKey))
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
