package scrobbled_test

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coder/scrobble/scrobbled/scrobbledtest"
	"github.com/coder/scrobble/scrobblesdk"
	"github.com/coder/scrobble/testutil"
)

func TestHealthz(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	client := scrobbledtest.New(t, nil)

	resp, err := client.Healthz(ctx)
	require.NoError(t, err)
	require.True(t, resp.Healthy)
}

func TestBuildInfo(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	client := scrobbledtest.New(t, nil)

	info, err := client.BuildInfo(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, info.ExternalURL)
	require.NotEmpty(t, info.Version)
}

func TestRouteNotFound(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	client := scrobbledtest.New(t, nil)

	res, err := client.Request(ctx, http.MethodGet, "/api/v1/bogus", nil)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	client := scrobbledtest.New(t, &scrobbledtest.Options{APIRateLimit: 1})

	_, err := client.BuildInfo(ctx)
	require.NoError(t, err)
	_, err = client.BuildInfo(ctx)
	var apiErr *scrobblesdk.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode())
}

func TestCorsPreflight(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	client := scrobbledtest.New(t, &scrobbledtest.Options{AllowAllCors: true})

	// A preflight must resolve before device auth, or browsers can never
	// reach the dashboard reads.
	res, err := client.Request(ctx, http.MethodOptions, "/api/v1/stats/today", nil,
		scrobblesdk.WithHeader("Origin", "https://dash.example.com"),
		scrobblesdk.WithHeader("Access-Control-Request-Method", http.MethodGet),
	)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	client := scrobbledtest.New(t, nil)

	// Prime at least one request so the counter vector has a series.
	_, err := client.Healthz(ctx)
	require.NoError(t, err)

	res, err := client.Request(ctx, http.MethodGet, "/metrics", nil)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "scrobbled_api_concurrent_requests"))
	require.True(t, strings.Contains(string(body), "scrobbled_api_requests_processed_total"))
}
