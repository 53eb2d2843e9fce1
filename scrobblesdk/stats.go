package scrobblesdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// AppStat is aggregated usage for one key over a query range.
type AppStat struct {
	Key            string `json:"key"`
	AggregatedSecs int64  `json:"aggregated_secs"`
	FragmentCount  int64  `json:"fragment_count"`
}

// StatsResponse summarizes usage over a range, read purely from rollups.
type StatsResponse struct {
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	TotalSeconds int64     `json:"total_seconds"`
	Apps         []AppStat `json:"apps"`
}

// UsagePoint is one bucket in a usage series.
type UsagePoint struct {
	Bucket  time.Time `json:"bucket"`
	Seconds int64     `json:"seconds"`
}

// UsageSeriesResponse is a bucketed usage series for charting.
type UsageSeriesResponse struct {
	Granularity string       `json:"granularity"`
	Points      []UsagePoint `json:"points"`
}

// StatsToday returns today's aggregated usage for the device's account.
func (c *Client) StatsToday(ctx context.Context) (StatsResponse, error) {
	return c.stats(ctx, "/api/v1/stats/today")
}

// StatsWeek returns the trailing week's aggregated usage.
func (c *Client) StatsWeek(ctx context.Context) (StatsResponse, error) {
	return c.stats(ctx, "/api/v1/stats/week")
}

func (c *Client) stats(ctx context.Context, path string) (StatsResponse, error) {
	res, err := c.Request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return StatsResponse{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return StatsResponse{}, ReadBodyAsError(res)
	}
	var resp StatsResponse
	return resp, json.NewDecoder(res.Body).Decode(&resp)
}

// TopApps returns the highest-usage keys over the trailing week.
func (c *Client) TopApps(ctx context.Context, limit int) ([]AppStat, error) {
	res, err := c.Request(ctx, http.MethodGet, fmt.Sprintf("/api/v1/apps/top?limit=%d", limit), nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, ReadBodyAsError(res)
	}
	var apps []AppStat
	return apps, json.NewDecoder(res.Body).Decode(&apps)
}

// UsageSeries returns a bucketed series between from and to. Granularity is
// "hour" or "day".
func (c *Client) UsageSeries(ctx context.Context, granularity string, from, to time.Time) (UsageSeriesResponse, error) {
	query := url.Values{}
	query.Set("granularity", granularity)
	query.Set("from", from.UTC().Format(time.RFC3339))
	query.Set("to", to.UTC().Format(time.RFC3339))
	res, err := c.Request(ctx, http.MethodGet, "/api/v1/usage?"+query.Encode(), nil)
	if err != nil {
		return UsageSeriesResponse{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return UsageSeriesResponse{}, ReadBodyAsError(res)
	}
	var resp UsageSeriesResponse
	return resp, json.NewDecoder(res.Body).Decode(&resp)
}
