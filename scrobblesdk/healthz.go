package scrobblesdk

import (
	"context"
	"encoding/json"
	"net/http"
)

// HealthzResponse reports liveness of the server and its backing store.
type HealthzResponse struct {
	Healthy           bool  `json:"healthy"`
	DatabaseLatencyMS int64 `json:"database_latency_ms"`
}

// Healthz returns the server's health. A healthy server responds 200; an
// unhealthy one responds 503 with the same body shape.
func (c *Client) Healthz(ctx context.Context) (HealthzResponse, error) {
	res, err := c.Request(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return HealthzResponse{}, err
	}
	defer res.Body.Close()

	var resp HealthzResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return HealthzResponse{}, err
	}
	return resp, nil
}
