package scrobbled_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/coder/scrobble/scrobbled/database"
	"github.com/coder/scrobble/scrobbled/database/dbtime"
	"github.com/coder/scrobble/scrobbled/rollup"
	"github.com/coder/scrobble/scrobbled/scrobbledtest"
	"github.com/coder/scrobble/scrobblesdk"
	"github.com/coder/scrobble/testutil"
)

func seedRollupRow(ctx context.Context, t *testing.T, db database.Store, accountID, deviceID uuid.UUID, bucket time.Time, width int32, kind, key string, secs int64) {
	t.Helper()
	err := db.UpsertRollupRow(ctx, database.UpsertRollupRowParams{
		AccountID:       accountID,
		DeviceID:        deviceID,
		BucketStart:     bucket,
		BucketWidthSecs: width,
		Kind:            kind,
		Key:             key,
		Secs:            secs,
		EventAt:         bucket,
	})
	require.NoError(t, err)
}

func TestStatsToday(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	options := &scrobbledtest.Options{}
	client := scrobbledtest.New(t, options)
	account := scrobbledtest.CreateAccount(t, options.Database)
	authed, registered := scrobbledtest.RegisterDevice(t, client, account.EnrollmentKey)
	deviceID := registered.Device.ID

	midnight := rollup.Day(dbtime.Now())
	seedRollupRow(ctx, t, options.Database, account.ID, deviceID, midnight, 60, "app_usage", "com.spotify.music", 120)
	seedRollupRow(ctx, t, options.Database, account.ID, deviceID, midnight, 60, "app_usage", "org.mozilla.firefox", 30)
	// Screen aggregate and off-range or off-width rows stay out of app stats.
	seedRollupRow(ctx, t, options.Database, account.ID, deviceID, midnight, 60, "screen_time", "screen", 600)
	seedRollupRow(ctx, t, options.Database, account.ID, deviceID, midnight.Add(-time.Hour), 60, "app_usage", "com.spotify.music", 999)
	seedRollupRow(ctx, t, options.Database, account.ID, deviceID, midnight, 3600, "app_usage", "com.spotify.music", 999)

	resp, err := authed.StatsToday(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 150, resp.TotalSeconds)
	require.Len(t, resp.Apps, 2)
	require.Equal(t, "com.spotify.music", resp.Apps[0].Key)
	require.EqualValues(t, 120, resp.Apps[0].AggregatedSecs)
	require.Equal(t, "org.mozilla.firefox", resp.Apps[1].Key)
}

func TestStatsWeek(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitShort)
	options := &scrobbledtest.Options{}
	client := scrobbledtest.New(t, options)
	account := scrobbledtest.CreateAccount(t, options.Database)
	other := scrobbledtest.CreateAccount(t, options.Database)
	authed, registered := scrobbledtest.RegisterDevice(t, client, account.EnrollmentKey)
	deviceID := registered.Device.ID

	midnight := rollup.Day(dbtime.Now())
	seedRollupRow(ctx, t, options.Database, account.ID, deviceID, midnight.Add(-time.Hour), 60, "app_usage", "com.spotify.music", 100)
	seedRollupRow(ctx, t, options.Database, account.ID, deviceID, midnight, 60, "app_usage", "com.spotify.music", 20)
	seedRollupRow(ctx, t, options.Database, account.ID, deviceID, midnight.Add(-8*24*time.Hour), 60, "app_usage", "com.spotify.music", 999)
	// Another account's usage is invisible regardless of range.
	seedRollupRow(ctx, t, options.Database, other.ID, uuid.New(), midnight, 60, "app_usage", "com.spotify.music", 999)

	resp, err := authed.StatsWeek(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 120, resp.TotalSeconds)
	require.Len(t, resp.Apps, 1)
	require.EqualValues(t, 120, resp.Apps[0].AggregatedSecs)
}

func TestTopApps(t *testing.T) {
	t.Parallel()

	t.Run("OK", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		options := &scrobbledtest.Options{}
		client := scrobbledtest.New(t, options)
		account := scrobbledtest.CreateAccount(t, options.Database)
		authed, registered := scrobbledtest.RegisterDevice(t, client, account.EnrollmentKey)
		deviceID := registered.Device.ID

		midnight := rollup.Day(dbtime.Now())
		seedRollupRow(ctx, t, options.Database, account.ID, deviceID, midnight, 60, "app_usage", "com.spotify.music", 300)
		seedRollupRow(ctx, t, options.Database, account.ID, deviceID, midnight, 60, "app_usage", "org.mozilla.firefox", 200)
		seedRollupRow(ctx, t, options.Database, account.ID, deviceID, midnight, 60, "app_usage", "com.android.chrome", 100)

		apps, err := authed.TopApps(ctx, 2)
		require.NoError(t, err)
		require.Len(t, apps, 2)
		require.Equal(t, "com.spotify.music", apps[0].Key)
		require.Equal(t, "org.mozilla.firefox", apps[1].Key)
	})

	t.Run("BadLimit", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		options := &scrobbledtest.Options{}
		client := scrobbledtest.New(t, options)
		account := scrobbledtest.CreateAccount(t, options.Database)
		authed, _ := scrobbledtest.RegisterDevice(t, client, account.EnrollmentKey)

		_, err := authed.TopApps(ctx, -1)
		var apiErr *scrobblesdk.Error
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusBadRequest, apiErr.StatusCode())
	})
}

func TestUsageSeries(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)

	t.Run("Hourly", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		options := &scrobbledtest.Options{}
		client := scrobbledtest.New(t, options)
		account := scrobbledtest.CreateAccount(t, options.Database)
		authed, registered := scrobbledtest.RegisterDevice(t, client, account.EnrollmentKey)
		deviceID := registered.Device.ID

		seedRollupRow(ctx, t, options.Database, account.ID, deviceID, base, 3600, "app_usage", "com.spotify.music", 1200)
		seedRollupRow(ctx, t, options.Database, account.ID, deviceID, base.Add(time.Hour), 3600, "app_usage", "org.mozilla.firefox", 600)
		seedRollupRow(ctx, t, options.Database, account.ID, deviceID, base, 60, "app_usage", "com.spotify.music", 999)

		resp, err := authed.UsageSeries(ctx, "hour", base.Add(-time.Hour), base.Add(2*time.Hour))
		require.NoError(t, err)
		require.Equal(t, "hour", resp.Granularity)
		require.Len(t, resp.Points, 2)
		require.True(t, resp.Points[0].Bucket.Equal(base))
		require.EqualValues(t, 1200, resp.Points[0].Seconds)
		require.True(t, resp.Points[1].Bucket.Equal(base.Add(time.Hour)))
		require.EqualValues(t, 600, resp.Points[1].Seconds)
	})

	t.Run("Daily", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		options := &scrobbledtest.Options{}
		client := scrobbledtest.New(t, options)
		account := scrobbledtest.CreateAccount(t, options.Database)
		authed, registered := scrobbledtest.RegisterDevice(t, client, account.EnrollmentKey)
		deviceID := registered.Device.ID

		seedRollupRow(ctx, t, options.Database, account.ID, deviceID, base, 3600, "app_usage", "com.spotify.music", 1200)
		seedRollupRow(ctx, t, options.Database, account.ID, deviceID, base.Add(time.Hour), 3600, "app_usage", "org.mozilla.firefox", 600)

		resp, err := authed.UsageSeries(ctx, "day", base.Add(-time.Hour), base.Add(2*time.Hour))
		require.NoError(t, err)
		require.Len(t, resp.Points, 1)
		require.True(t, resp.Points[0].Bucket.Equal(rollup.Day(base)))
		require.EqualValues(t, 1800, resp.Points[0].Seconds)
	})

	t.Run("BadGranularity", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		options := &scrobbledtest.Options{}
		client := scrobbledtest.New(t, options)
		account := scrobbledtest.CreateAccount(t, options.Database)
		authed, _ := scrobbledtest.RegisterDevice(t, client, account.EnrollmentKey)

		_, err := authed.UsageSeries(ctx, "minute", base, base.Add(time.Hour))
		var apiErr *scrobblesdk.Error
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusBadRequest, apiErr.StatusCode())
	})

	t.Run("ReversedRange", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		options := &scrobbledtest.Options{}
		client := scrobbledtest.New(t, options)
		account := scrobbledtest.CreateAccount(t, options.Database)
		authed, _ := scrobbledtest.RegisterDevice(t, client, account.EnrollmentKey)

		_, err := authed.UsageSeries(ctx, "hour", base.Add(time.Hour), base)
		var apiErr *scrobblesdk.Error
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusBadRequest, apiErr.StatusCode())
	})
}
