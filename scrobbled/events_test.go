package scrobbled_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/coder/scrobble/scrobbled/database"
	"github.com/coder/scrobble/scrobbled/database/dbtime"
	"github.com/coder/scrobble/scrobbled/scrobbledtest"
	"github.com/coder/scrobble/scrobblesdk"
	"github.com/coder/scrobble/testutil"
)

func TestPostEventsBatch(t *testing.T) {
	t.Parallel()

	t.Run("AcksAll", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		options := &scrobbledtest.Options{}
		client := scrobbledtest.New(t, options)
		account := scrobbledtest.CreateAccount(t, options.Database)
		authed, registered := scrobbledtest.RegisterDevice(t, client, account.EnrollmentKey)

		wake := make(chan struct{}, 1)
		cancel, err := options.Pubsub.Subscribe(database.UsageEventsNotifyChannel, func(_ context.Context, _ []byte) {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		require.NoError(t, err)
		defer cancel()

		events := []scrobblesdk.Event{
			{ID: uuid.New(), TS: dbtime.Now().UnixMilli(), Kind: scrobblesdk.EventKindAppUsage, Key: "com.spotify.music", Secs: 40},
			{ID: uuid.New(), TS: dbtime.Now().UnixMilli(), Kind: scrobblesdk.EventKindAppSession, Key: "com.spotify.music", Secs: 40},
			{ID: uuid.New(), TS: dbtime.Now().UnixMilli(), Kind: scrobblesdk.EventKindScreenTime, Key: "screen", Secs: 55},
		}
		resp, err := authed.PostEvents(ctx, scrobblesdk.EventBatchRequest{
			DeviceID: registered.Device.ID,
			Events:   events,
		})
		require.NoError(t, err)
		require.Len(t, resp.AcknowledgedIDs, len(events))
		for i, event := range events {
			require.Equal(t, event.ID, resp.AcknowledgedIDs[i])
		}
		require.Zero(t, resp.BackoffSeconds)
		testutil.RequireReceive(ctx, t, wake)

		depth, err := options.Database.GetUsageEventQueueDepth(ctx)
		require.NoError(t, err)
		require.EqualValues(t, len(events), depth)
	})

	t.Run("ResendUnchanged", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		options := &scrobbledtest.Options{}
		client := scrobbledtest.New(t, options)
		account := scrobbledtest.CreateAccount(t, options.Database)
		authed, registered := scrobbledtest.RegisterDevice(t, client, account.EnrollmentKey)

		req := scrobblesdk.EventBatchRequest{
			DeviceID: registered.Device.ID,
			Events: []scrobblesdk.Event{
				{ID: uuid.New(), TS: dbtime.Now().UnixMilli(), Kind: scrobblesdk.EventKindAppUsage, Key: "com.spotify.music", Secs: 40},
				{ID: uuid.New(), TS: dbtime.Now().UnixMilli(), Kind: scrobblesdk.EventKindAppUsage, Key: "org.mozilla.firefox", Secs: 12},
			},
		}
		first, err := authed.PostEvents(ctx, req)
		require.NoError(t, err)

		// A client that lost the response resends the identical batch. The
		// acks must not shrink and the queue must not grow.
		second, err := authed.PostEvents(ctx, req)
		require.NoError(t, err)
		require.Equal(t, first.AcknowledgedIDs, second.AcknowledgedIDs)

		depth, err := options.Database.GetUsageEventQueueDepth(ctx)
		require.NoError(t, err)
		require.EqualValues(t, len(req.Events), depth)
	})

	t.Run("DeviceMismatch", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		options := &scrobbledtest.Options{}
		client := scrobbledtest.New(t, options)
		account := scrobbledtest.CreateAccount(t, options.Database)
		authed, _ := scrobbledtest.RegisterDevice(t, client, account.EnrollmentKey)

		_, err := authed.PostEvents(ctx, scrobblesdk.EventBatchRequest{
			DeviceID: uuid.New(),
			Events: []scrobblesdk.Event{
				{ID: uuid.New(), TS: dbtime.Now().UnixMilli(), Kind: scrobblesdk.EventKindAppUsage, Key: "com.spotify.music", Secs: 40},
			},
		})
		var apiErr *scrobblesdk.Error
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusForbidden, apiErr.StatusCode())
	})

	t.Run("TooManyItems", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		options := &scrobbledtest.Options{}
		client := scrobbledtest.New(t, options)
		account := scrobbledtest.CreateAccount(t, options.Database)
		authed, registered := scrobbledtest.RegisterDevice(t, client, account.EnrollmentKey)

		events := make([]scrobblesdk.Event, scrobblesdk.MaxBatchItems+1)
		for i := range events {
			events[i] = scrobblesdk.Event{
				ID:   uuid.New(),
				TS:   dbtime.Now().UnixMilli(),
				Kind: scrobblesdk.EventKindAppUsage,
				Key:  "com.spotify.music",
				Secs: 1,
			}
		}
		_, err := authed.PostEvents(ctx, scrobblesdk.EventBatchRequest{
			DeviceID: registered.Device.ID,
			Events:   events,
		})
		var apiErr *scrobblesdk.Error
		require.ErrorAs(t, err, &apiErr)
		require.Equal(t, http.StatusRequestEntityTooLarge, apiErr.StatusCode())

		depth, err := options.Database.GetUsageEventQueueDepth(ctx)
		require.NoError(t, err)
		require.Zero(t, depth, "an oversized batch must not be partially accepted")
	})

	t.Run("Unauthed", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		client := scrobbledtest.New(t, nil)

		_, err := client.PostEvents(ctx, scrobblesdk.EventBatchRequest{
			DeviceID: uuid.New(),
			Events: []scrobblesdk.Event{
				{ID: uuid.New(), TS: dbtime.Now().UnixMilli(), Kind: scrobblesdk.EventKindAppUsage, Key: "com.spotify.music", Secs: 40},
			},
		})
		require.True(t, scrobblesdk.IsUnauthorized(err))
	})

	t.Run("Backpressure", func(t *testing.T) {
		t.Parallel()
		ctx := testutil.Context(t, testutil.WaitShort)
		options := &scrobbledtest.Options{}
		client := scrobbledtest.New(t, options)
		account := scrobbledtest.CreateAccount(t, options.Database)
		authed, registered := scrobbledtest.RegisterDevice(t, client, account.EnrollmentKey)

		// Flood the queue directly so the next upload crosses the first
		// advisory threshold.
		flood := database.InsertUsageEventsParams{
			AccountID:  account.ID,
			DeviceID:   registered.Device.ID,
			EnqueuedAt: dbtime.Now(),
		}
		for i := 0; i < 5001; i++ {
			flood.EventIDs = append(flood.EventIDs, uuid.New())
			flood.Kinds = append(flood.Kinds, string(scrobblesdk.EventKindAppUsage))
			flood.Keys = append(flood.Keys, "com.spotify.music")
			flood.Secs = append(flood.Secs, 1)
			flood.EventTimes = append(flood.EventTimes, dbtime.Now())
		}
		_, err := options.Database.InsertUsageEvents(ctx, flood)
		require.NoError(t, err)

		resp, err := authed.PostEvents(ctx, scrobblesdk.EventBatchRequest{
			DeviceID: registered.Device.ID,
			Events: []scrobblesdk.Event{
				{ID: uuid.New(), TS: dbtime.Now().UnixMilli(), Kind: scrobblesdk.EventKindAppUsage, Key: "com.spotify.music", Secs: 40},
			},
		})
		require.NoError(t, err)
		require.Equal(t, 5, resp.BackoffSeconds)
	})
}
