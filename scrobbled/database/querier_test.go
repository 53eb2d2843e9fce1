package database_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/coder/scrobble/scrobbled/database"
	"github.com/coder/scrobble/scrobbled/database/dbtestutil"
	"github.com/coder/scrobble/scrobbled/database/dbtime"
	"github.com/coder/scrobble/testutil"
)

func TestUsageEventQueue(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitLong)
	db, _ := dbtestutil.NewDB(t)
	account, device := seedDevice(ctx, t, db)

	now := dbtime.Now()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	inserted, err := db.InsertUsageEvents(ctx, database.InsertUsageEventsParams{
		EventIDs:   ids,
		AccountID:  account.ID,
		DeviceID:   device.ID,
		Partition:  3,
		Kinds:      []string{"app_usage", "app_usage", "app_session"},
		Keys:       []string{"com.example.mail", "com.example.maps", "com.example.mail"},
		Secs:       []int64{60, 30, 90},
		EventTimes: []time.Time{now, now, now},
		EnqueuedAt: now,
	})
	require.NoError(t, err)
	require.EqualValues(t, 3, inserted)

	// Resending previously acked IDs only inserts the new one.
	extra := uuid.New()
	inserted, err = db.InsertUsageEvents(ctx, database.InsertUsageEventsParams{
		EventIDs:   []uuid.UUID{ids[0], ids[2], extra},
		AccountID:  account.ID,
		DeviceID:   device.ID,
		Partition:  3,
		Kinds:      []string{"app_usage", "app_session", "app_usage"},
		Keys:       []string{"com.example.mail", "com.example.mail", "com.example.news"},
		Secs:       []int64{60, 90, 15},
		EventTimes: []time.Time{now, now, now},
		EnqueuedAt: now,
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, inserted)

	depth, err := db.GetUsageEventQueueDepth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 4, depth)

	pending, err := db.GetPendingUsageEvents(ctx, database.GetPendingUsageEventsParams{
		Partition: 3,
		LimitOpt:  2,
	})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, ids[0], pending[0].EventID)
	require.Equal(t, ids[1], pending[1].EventID)

	empty, err := db.GetPendingUsageEvents(ctx, database.GetPendingUsageEventsParams{Partition: 7})
	require.NoError(t, err)
	require.Empty(t, empty)

	err = db.MarkUsageEventsProcessed(ctx, database.MarkUsageEventsProcessedParams{
		IDs:         []int64{pending[0].ID, pending[1].ID},
		ProcessedAt: now,
	})
	require.NoError(t, err)

	depth, err = db.GetUsageEventQueueDepth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, depth)

	remaining, err := db.GetPendingUsageEvents(ctx, database.GetPendingUsageEventsParams{Partition: 3})
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	require.Equal(t, ids[2], remaining[0].EventID)
	require.Equal(t, extra, remaining[1].EventID)

	deleted, err := db.DeleteProcessedUsageEventsBefore(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 2, deleted)
}

func TestUpsertUsageLog(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitLong)
	db, _ := dbtestutil.NewDB(t)
	account, device := seedDevice(ctx, t, db)

	start := dbtime.Now().Add(-time.Hour)
	end := start.Add(90 * time.Second)
	row, err := db.UpsertUsageLog(ctx, database.UpsertUsageLogParams{
		AccountID:   account.ID,
		DeviceID:    device.ID,
		AppKey:      "com.example.mail",
		WindowStart: start,
		WindowEnd:   end,
		DurationMS:  90_000,
		CreatedAt:   dbtime.Now(),
	})
	require.NoError(t, err)
	require.True(t, row.Inserted)
	require.EqualValues(t, 90_000, row.UsageLog.DurationMS)

	// The same window keeps the larger duration and reports not inserted.
	row, err = db.UpsertUsageLog(ctx, database.UpsertUsageLogParams{
		AccountID:   account.ID,
		DeviceID:    device.ID,
		AppKey:      "com.example.mail",
		WindowStart: start,
		WindowEnd:   end,
		DurationMS:  10_000,
		CreatedAt:   dbtime.Now(),
	})
	require.NoError(t, err)
	require.False(t, row.Inserted)
	require.EqualValues(t, 90_000, row.UsageLog.DurationMS)

	logs, err := db.GetUsageLogsInRange(ctx, database.GetUsageLogsInRangeParams{
		StartTime: start.Add(-time.Minute),
		EndTime:   start.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, logs, 1)

	logs, err = db.GetUsageLogsInRange(ctx, database.GetUsageLogsInRangeParams{
		StartTime: start.Add(time.Second),
		EndTime:   start.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Empty(t, logs)
}

func TestRollupRows(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitLong)
	db, _ := dbtestutil.NewDB(t)
	account, device := seedDevice(ctx, t, db)

	bucket := dbtime.Now().Truncate(time.Hour)
	upsert := func(width int32, kind, key string, secs int64, at time.Time) {
		err := db.UpsertRollupRow(ctx, database.UpsertRollupRowParams{
			AccountID:       account.ID,
			DeviceID:        device.ID,
			BucketStart:     bucket,
			BucketWidthSecs: width,
			Kind:            kind,
			Key:             key,
			Secs:            secs,
			EventAt:         at,
		})
		require.NoError(t, err)
	}

	at := dbtime.Now()
	upsert(60, "app_usage", "com.example.mail", 60, at)
	upsert(60, "app_usage", "com.example.mail", 30, at.Add(time.Second))
	upsert(60, "app_usage", "com.example.maps", 45, at)
	upsert(60, "screen_time", "screen", 600, at)
	upsert(3600, "app_usage", "com.example.mail", 90, at)

	top, err := db.GetTopRollupKeys(ctx, database.GetTopRollupKeysParams{
		AccountID: account.ID,
		StartTime: bucket.Add(-time.Hour),
		EndTime:   bucket.Add(time.Hour),
		LimitOpt:  10,
	})
	require.NoError(t, err)
	require.Len(t, top, 2)
	require.Equal(t, "com.example.mail", top[0].Key)
	require.EqualValues(t, 90, top[0].AggregatedSecs)
	require.EqualValues(t, 2, top[0].FragmentCount)
	require.Equal(t, "com.example.maps", top[1].Key)

	series, err := db.GetHourlyUsageSeries(ctx, database.GetUsageSeriesParams{
		AccountID: account.ID,
		StartTime: bucket.Add(-time.Hour),
		EndTime:   bucket.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, series, 1)
	require.EqualValues(t, 90, series[0].AggregatedSecs)
	require.True(t, series[0].Bucket.Equal(bucket))
}

func TestDailySessionRollup(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitLong)
	db, _ := dbtestutil.NewDB(t)
	account, device := seedDevice(ctx, t, db)

	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	addLog := func(appKey string, start, end time.Time) {
		_, err := db.UpsertUsageLog(ctx, database.UpsertUsageLogParams{
			AccountID:   account.ID,
			DeviceID:    device.ID,
			AppKey:      appKey,
			WindowStart: start,
			WindowEnd:   end,
			DurationMS:  end.Sub(start).Milliseconds(),
			CreatedAt:   dbtime.Now(),
		})
		require.NoError(t, err)
	}

	base := day.Add(10 * time.Hour)
	// First two windows merge: the second starts exactly at the 120s
	// gap boundary. The third starts one second past it.
	addLog("com.example.mail", base, base.Add(time.Minute))
	addLog("com.example.mail", base.Add(3*time.Minute), base.Add(4*time.Minute))
	addLog("com.example.mail", base.Add(6*time.Minute+time.Second), base.Add(7*time.Minute))
	addLog("android", base, base.Add(time.Hour))

	err := db.DeleteDeviceSessionsDailyByDay(ctx, day)
	require.NoError(t, err)
	inserted, err := db.InsertDeviceSessionsDailyFromLogs(ctx, database.InsertDeviceSessionsDailyFromLogsParams{
		Day:          day,
		GapSeconds:   120,
		ExcludedApps: []string{"android"},
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, inserted)

	sessions, err := db.GetDeviceSessionsDaily(ctx, database.GetDeviceSessionsDailyParams{
		AccountID: account.ID,
		Day:       day,
	})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "com.example.mail", sessions[0].AppKey)
	require.EqualValues(t, 2, sessions[0].SessionCount)
	require.EqualValues(t, 299, sessions[0].TotalSecs)
	require.EqualValues(t, 240, sessions[0].LongestSecs)

	err = db.DeleteUsageDailyTotalsByDay(ctx, day)
	require.NoError(t, err)
	inserted, err = db.InsertUsageDailyTotalsFromSessions(ctx, day)
	require.NoError(t, err)
	require.EqualValues(t, 1, inserted)

	totals, err := db.GetUsageDailyTotals(ctx, database.GetUsageDailyTotalsParams{
		AccountID: account.ID,
		StartDay:  day,
		EndDay:    day.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, totals, 1)
	require.EqualValues(t, 299, totals[0].TotalSecs)
	require.EqualValues(t, 1, totals[0].AppCount)
}

func TestTryAcquireLock(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitLong)
	db, _ := dbtestutil.NewDB(t)

	err := db.InTx(func(tx database.Store) error {
		acquired, err := tx.TryAcquireLock(ctx, database.LockIDDailyRollup)
		require.NoError(t, err)
		require.True(t, acquired)
		return nil
	}, nil)
	require.NoError(t, err)

	// The lock is transaction scoped, so it frees on commit.
	err = db.InTx(func(tx database.Store) error {
		acquired, err := tx.TryAcquireLock(ctx, database.LockIDDailyRollup)
		require.NoError(t, err)
		require.True(t, acquired)
		return nil
	}, nil)
	require.NoError(t, err)
}

func TestDeviceQueries(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitLong)
	db, _ := dbtestutil.NewDB(t)
	account, device := seedDevice(ctx, t, db)

	_, err := db.GetDeviceByUID(ctx, "missing")
	require.ErrorIs(t, err, sql.ErrNoRows)

	_, err = db.InsertDevice(ctx, database.InsertDeviceParams{
		ID:        uuid.New(),
		AccountID: account.ID,
		DeviceUID: device.DeviceUID,
		Name:      "other",
		Platform:  "android",
		JWTSecret: "secret",
		CreatedAt: dbtime.Now(),
		UpdatedAt: dbtime.Now(),
	})
	require.True(t, database.IsUniqueViolation(err, database.UniqueDevicesDeviceUID))

	now := dbtime.Now()
	err = db.UpdateDeviceConnection(ctx, database.UpdateDeviceConnectionParams{
		ID:              device.ID,
		ClientVersion:   "1.2.3",
		LastSeenAt:      now,
		UpdateHeartbeat: true,
	})
	require.NoError(t, err)

	got, err := db.GetDeviceByID(ctx, device.ID)
	require.NoError(t, err)
	require.Equal(t, "1.2.3", got.ClientVersion)
	require.True(t, got.LastSeenAt.Valid)
	require.True(t, got.LastHeartbeatAt.Valid)

	revoked, err := db.UpdateDeviceSecret(ctx, database.UpdateDeviceSecretParams{
		ID:        device.ID,
		JWTSecret: "rotated",
		Revoked:   true,
		UpdatedAt: dbtime.Now(),
	})
	require.NoError(t, err)
	require.True(t, revoked.Revoked)
	require.Equal(t, "rotated", revoked.JWTSecret)
}

func TestDeadLetterEvents(t *testing.T) {
	t.Parallel()
	ctx := testutil.Context(t, testutil.WaitLong)
	db, _ := dbtestutil.NewDB(t)
	_, device := seedDevice(ctx, t, db)

	for i := 0; i < 3; i++ {
		err := db.InsertDeadLetterEvent(ctx, database.InsertDeadLetterEventParams{
			DeviceID:  uuid.NullUUID{UUID: device.ID, Valid: true},
			Reason:    "invalid_duration",
			Payload:   []byte(`{"kind":"app_usage"}`),
			CreatedAt: dbtime.Now(),
		})
		require.NoError(t, err)
	}

	events, err := db.GetDeadLetterEvents(ctx, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Greater(t, events[0].ID, events[1].ID)
}

func seedDevice(ctx context.Context, t *testing.T, db database.Store) (database.Account, database.Device) {
	t.Helper()

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
	return account, device
}
