package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const insertAccount = `
INSERT INTO accounts (id, name, enrollment_key, controls, controls_updated_at, created_at)
VALUES ($1, $2, $3, '[]', $4, $4)
RETURNING id, name, enrollment_key, controls, controls_updated_at, created_at
`

func (q *sqlQuerier) InsertAccount(ctx context.Context, arg InsertAccountParams) (Account, error) {
	row := q.db.QueryRowContext(ctx, insertAccount, arg.ID, arg.Name, arg.EnrollmentKey, arg.CreatedAt)
	return scanAccount(row)
}

const getAccountByID = `
SELECT id, name, enrollment_key, controls, controls_updated_at, created_at
FROM accounts WHERE id = $1
`

func (q *sqlQuerier) GetAccountByID(ctx context.Context, id uuid.UUID) (Account, error) {
	return scanAccount(q.db.QueryRowContext(ctx, getAccountByID, id))
}

const getAccountByEnrollmentKey = `
SELECT id, name, enrollment_key, controls, controls_updated_at, created_at
FROM accounts WHERE enrollment_key = $1
`

func (q *sqlQuerier) GetAccountByEnrollmentKey(ctx context.Context, enrollmentKey string) (Account, error) {
	return scanAccount(q.db.QueryRowContext(ctx, getAccountByEnrollmentKey, enrollmentKey))
}

const updateAccountControls = `
UPDATE accounts SET controls = $2, controls_updated_at = $3 WHERE id = $1
RETURNING id, name, enrollment_key, controls, controls_updated_at, created_at
`

func (q *sqlQuerier) UpdateAccountControls(ctx context.Context, arg UpdateAccountControlsParams) (Account, error) {
	// Send the rules as text so the jsonb column parses the JSON itself
	// rather than a bytea hex literal.
	return scanAccount(q.db.QueryRowContext(ctx, updateAccountControls, arg.ID, string(arg.Controls), arg.ControlsUpdatedAt))
}

func scanAccount(row rowScanner) (Account, error) {
	var a Account
	err := row.Scan(
		&a.ID,
		&a.Name,
		&a.EnrollmentKey,
		&a.Controls,
		&a.ControlsUpdatedAt,
		&a.CreatedAt,
	)
	return a, err
}

const insertDevice = `
INSERT INTO devices (id, account_id, device_uid, name, platform, client_version, jwt_secret, revoked, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8, $9)
RETURNING id, account_id, device_uid, name, platform, client_version, jwt_secret, revoked, created_at, updated_at, last_seen_at, last_heartbeat_at
`

func (q *sqlQuerier) InsertDevice(ctx context.Context, arg InsertDeviceParams) (Device, error) {
	row := q.db.QueryRowContext(ctx, insertDevice,
		arg.ID,
		arg.AccountID,
		arg.DeviceUID,
		arg.Name,
		arg.Platform,
		arg.ClientVersion,
		arg.JWTSecret,
		arg.CreatedAt,
		arg.UpdatedAt,
	)
	return scanDevice(row)
}

const getDeviceByID = `
SELECT id, account_id, device_uid, name, platform, client_version, jwt_secret, revoked, created_at, updated_at, last_seen_at, last_heartbeat_at
FROM devices WHERE id = $1
`

func (q *sqlQuerier) GetDeviceByID(ctx context.Context, id uuid.UUID) (Device, error) {
	return scanDevice(q.db.QueryRowContext(ctx, getDeviceByID, id))
}

const getDeviceByUID = `
SELECT id, account_id, device_uid, name, platform, client_version, jwt_secret, revoked, created_at, updated_at, last_seen_at, last_heartbeat_at
FROM devices WHERE device_uid = $1
`

func (q *sqlQuerier) GetDeviceByUID(ctx context.Context, deviceUID string) (Device, error) {
	return scanDevice(q.db.QueryRowContext(ctx, getDeviceByUID, deviceUID))
}

const updateDeviceSecret = `
UPDATE devices SET jwt_secret = $2, revoked = $3, updated_at = $4 WHERE id = $1
RETURNING id, account_id, device_uid, name, platform, client_version, jwt_secret, revoked, created_at, updated_at, last_seen_at, last_heartbeat_at
`

func (q *sqlQuerier) UpdateDeviceSecret(ctx context.Context, arg UpdateDeviceSecretParams) (Device, error) {
	return scanDevice(q.db.QueryRowContext(ctx, updateDeviceSecret, arg.ID, arg.JWTSecret, arg.Revoked, arg.UpdatedAt))
}

const updateDeviceConnection = `
UPDATE devices SET
	last_seen_at = $2,
	last_heartbeat_at = CASE WHEN $3::boolean THEN $2 ELSE last_heartbeat_at END,
	client_version = CASE WHEN $4 <> '' THEN $4 ELSE client_version END,
	updated_at = $2
WHERE id = $1
`

func (q *sqlQuerier) UpdateDeviceConnection(ctx context.Context, arg UpdateDeviceConnectionParams) error {
	_, err := q.db.ExecContext(ctx, updateDeviceConnection, arg.ID, arg.LastSeenAt, arg.UpdateHeartbeat, arg.ClientVersion)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (Device, error) {
	var d Device
	err := row.Scan(
		&d.ID,
		&d.AccountID,
		&d.DeviceUID,
		&d.Name,
		&d.Platform,
		&d.ClientVersion,
		&d.JWTSecret,
		&d.Revoked,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.LastSeenAt,
		&d.LastHeartbeatAt,
	)
	return d, err
}

const insertUsageEvents = `
INSERT INTO usage_events (event_id, account_id, device_id, partition_id, kind, key, secs, event_ts, enqueued_at)
SELECT unnest($1::uuid[]), $2, $3, $4, unnest($5::text[]), unnest($6::text[]), unnest($7::bigint[]), unnest($8::timestamptz[]), $9
ON CONFLICT (event_id) DO NOTHING
`

func (q *sqlQuerier) InsertUsageEvents(ctx context.Context, arg InsertUsageEventsParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, insertUsageEvents,
		pq.Array(arg.EventIDs),
		arg.AccountID,
		arg.DeviceID,
		arg.Partition,
		pq.Array(arg.Kinds),
		pq.Array(arg.Keys),
		pq.Array(arg.Secs),
		pq.Array(arg.EventTimes),
		arg.EnqueuedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const getPendingUsageEvents = `
SELECT id, event_id, account_id, device_id, partition_id, kind, key, secs, event_ts, enqueued_at, processed_at
FROM usage_events
WHERE partition_id = $1 AND processed_at IS NULL
ORDER BY id ASC
LIMIT NULLIF($2 :: int, 0)
FOR UPDATE SKIP LOCKED
`

func (q *sqlQuerier) GetPendingUsageEvents(ctx context.Context, arg GetPendingUsageEventsParams) ([]UsageEvent, error) {
	rows, err := q.db.QueryContext(ctx, getPendingUsageEvents, arg.Partition, arg.LimitOpt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []UsageEvent
	for rows.Next() {
		var e UsageEvent
		err := rows.Scan(
			&e.ID,
			&e.EventID,
			&e.AccountID,
			&e.DeviceID,
			&e.Partition,
			&e.Kind,
			&e.Key,
			&e.Secs,
			&e.EventTS,
			&e.EnqueuedAt,
			&e.ProcessedAt,
		)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

const markUsageEventsProcessed = `
UPDATE usage_events SET processed_at = $2 WHERE id = ANY($1::bigint[])
`

func (q *sqlQuerier) MarkUsageEventsProcessed(ctx context.Context, arg MarkUsageEventsProcessedParams) error {
	_, err := q.db.ExecContext(ctx, markUsageEventsProcessed, pq.Array(arg.IDs), arg.ProcessedAt)
	return err
}

const getUsageEventQueueDepth = `
SELECT COUNT(*) FROM usage_events WHERE processed_at IS NULL
`

func (q *sqlQuerier) GetUsageEventQueueDepth(ctx context.Context) (int64, error) {
	var depth int64
	err := q.db.QueryRowContext(ctx, getUsageEventQueueDepth).Scan(&depth)
	return depth, err
}

const deleteProcessedUsageEventsBefore = `
DELETE FROM usage_events WHERE processed_at IS NOT NULL AND processed_at < $1
`

func (q *sqlQuerier) DeleteProcessedUsageEventsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteProcessedUsageEventsBefore, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const tryAcquireLock = `
SELECT pg_try_advisory_xact_lock($1)
`

func (q *sqlQuerier) TryAcquireLock(ctx context.Context, lockID int64) (bool, error) {
	var acquired bool
	err := q.db.QueryRowContext(ctx, tryAcquireLock, lockID).Scan(&acquired)
	return acquired, err
}

const upsertUsageLog = `
INSERT INTO usage_logs (account_id, device_id, app_key, window_start, window_end, duration_ms, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (device_id, app_key, window_start, window_end)
DO UPDATE SET duration_ms = GREATEST(usage_logs.duration_ms, EXCLUDED.duration_ms)
RETURNING id, account_id, device_id, app_key, window_start, window_end, duration_ms, created_at, (xmax = 0) AS inserted
`

func (q *sqlQuerier) UpsertUsageLog(ctx context.Context, arg UpsertUsageLogParams) (UpsertUsageLogRow, error) {
	row := q.db.QueryRowContext(ctx, upsertUsageLog,
		arg.AccountID,
		arg.DeviceID,
		arg.AppKey,
		arg.WindowStart,
		arg.WindowEnd,
		arg.DurationMS,
		arg.CreatedAt,
	)
	var r UpsertUsageLogRow
	err := row.Scan(
		&r.UsageLog.ID,
		&r.UsageLog.AccountID,
		&r.UsageLog.DeviceID,
		&r.UsageLog.AppKey,
		&r.UsageLog.WindowStart,
		&r.UsageLog.WindowEnd,
		&r.UsageLog.DurationMS,
		&r.UsageLog.CreatedAt,
		&r.Inserted,
	)
	return r, err
}

const getUsageLogsInRange = `
SELECT id, account_id, device_id, app_key, window_start, window_end, duration_ms, created_at
FROM usage_logs
WHERE window_start >= $1 AND window_start < $2
ORDER BY device_id, app_key, window_start, id
`

func (q *sqlQuerier) GetUsageLogsInRange(ctx context.Context, arg GetUsageLogsInRangeParams) ([]UsageLog, error) {
	rows, err := q.db.QueryContext(ctx, getUsageLogsInRange, arg.StartTime, arg.EndTime)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []UsageLog
	for rows.Next() {
		var l UsageLog
		err := rows.Scan(
			&l.ID,
			&l.AccountID,
			&l.DeviceID,
			&l.AppKey,
			&l.WindowStart,
			&l.WindowEnd,
			&l.DurationMS,
			&l.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

const upsertRollupRow = `
INSERT INTO rollup_rows (account_id, device_id, bucket_start, bucket_width_secs, kind, key, aggregated_secs, fragment_count, last_event_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8)
ON CONFLICT (account_id, device_id, bucket_start, bucket_width_secs, kind, key)
DO UPDATE SET
	aggregated_secs = rollup_rows.aggregated_secs + EXCLUDED.aggregated_secs,
	fragment_count = rollup_rows.fragment_count + 1,
	last_event_at = GREATEST(rollup_rows.last_event_at, EXCLUDED.last_event_at)
`

func (q *sqlQuerier) UpsertRollupRow(ctx context.Context, arg UpsertRollupRowParams) error {
	_, err := q.db.ExecContext(ctx, upsertRollupRow,
		arg.AccountID,
		arg.DeviceID,
		arg.BucketStart,
		arg.BucketWidthSecs,
		arg.Kind,
		arg.Key,
		arg.Secs,
		arg.EventAt,
	)
	return err
}

const getTopRollupKeys = `
SELECT key, SUM(aggregated_secs) AS aggregated_secs, SUM(fragment_count) AS fragment_count
FROM rollup_rows
WHERE account_id = $1
	AND bucket_width_secs = 60
	AND kind <> 'screen_time'
	AND bucket_start >= $2
	AND bucket_start < $3
GROUP BY key
ORDER BY aggregated_secs DESC, key ASC
LIMIT NULLIF($4 :: int, 0)
`

func (q *sqlQuerier) GetTopRollupKeys(ctx context.Context, arg GetTopRollupKeysParams) ([]GetTopRollupKeysRow, error) {
	rows, err := q.db.QueryContext(ctx, getTopRollupKeys, arg.AccountID, arg.StartTime, arg.EndTime, arg.LimitOpt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []GetTopRollupKeysRow
	for rows.Next() {
		var i GetTopRollupKeysRow
		if err := rows.Scan(&i.Key, &i.AggregatedSecs, &i.FragmentCount); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const getHourlyUsageSeries = `
SELECT bucket_start AS bucket, SUM(aggregated_secs) AS aggregated_secs
FROM rollup_rows
WHERE account_id = $1
	AND bucket_width_secs = 3600
	AND kind <> 'screen_time'
	AND bucket_start >= $2
	AND bucket_start < $3
GROUP BY bucket_start
ORDER BY bucket_start ASC
`

func (q *sqlQuerier) GetHourlyUsageSeries(ctx context.Context, arg GetUsageSeriesParams) ([]GetUsageSeriesRow, error) {
	return q.usageSeries(ctx, getHourlyUsageSeries, arg)
}

const getDailyUsageSeries = `
SELECT date_trunc('day', bucket_start AT TIME ZONE 'UTC') AT TIME ZONE 'UTC' AS bucket, SUM(aggregated_secs) AS aggregated_secs
FROM rollup_rows
WHERE account_id = $1
	AND bucket_width_secs = 3600
	AND kind <> 'screen_time'
	AND bucket_start >= $2
	AND bucket_start < $3
GROUP BY 1
ORDER BY 1 ASC
`

func (q *sqlQuerier) GetDailyUsageSeries(ctx context.Context, arg GetUsageSeriesParams) ([]GetUsageSeriesRow, error) {
	return q.usageSeries(ctx, getDailyUsageSeries, arg)
}

func (q *sqlQuerier) usageSeries(ctx context.Context, query string, arg GetUsageSeriesParams) ([]GetUsageSeriesRow, error) {
	rows, err := q.db.QueryContext(ctx, query, arg.AccountID, arg.StartTime, arg.EndTime)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []GetUsageSeriesRow
	for rows.Next() {
		var i GetUsageSeriesRow
		if err := rows.Scan(&i.Bucket, &i.AggregatedSecs); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const insertDeadLetterEvent = `
INSERT INTO dead_letter_events (device_id, reason, payload, created_at)
VALUES ($1, $2, $3, $4)
`

func (q *sqlQuerier) InsertDeadLetterEvent(ctx context.Context, arg InsertDeadLetterEventParams) error {
	// Send the payload as text so the jsonb column parses the JSON
	// itself rather than a bytea hex literal.
	_, err := q.db.ExecContext(ctx, insertDeadLetterEvent, arg.DeviceID, arg.Reason, string(arg.Payload), arg.CreatedAt)
	return err
}

const getDeadLetterEvents = `
SELECT id, device_id, reason, payload, created_at
FROM dead_letter_events
ORDER BY id DESC
LIMIT NULLIF($1 :: int, 0)
`

func (q *sqlQuerier) GetDeadLetterEvents(ctx context.Context, limit int32) ([]DeadLetterEvent, error) {
	rows, err := q.db.QueryContext(ctx, getDeadLetterEvents, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []DeadLetterEvent
	for rows.Next() {
		var e DeadLetterEvent
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Reason, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

const deleteDeviceSessionsDailyByDay = `
DELETE FROM device_sessions_daily WHERE day = ($1::timestamptz AT TIME ZONE 'UTC')::date
`

func (q *sqlQuerier) DeleteDeviceSessionsDailyByDay(ctx context.Context, day time.Time) error {
	_, err := q.db.ExecContext(ctx, deleteDeviceSessionsDailyByDay, day)
	return err
}

// insertDeviceSessionsDailyFromLogs rebuilds one day of session aggregates.
// Consecutive usage windows for the same device and app merge into one
// session when the next window starts within gap seconds of the previous
// end, inclusive at the boundary.
const insertDeviceSessionsDailyFromLogs = `
INSERT INTO device_sessions_daily (account_id, device_id, day, app_key, session_count, total_secs, longest_secs)
SELECT
	account_id,
	device_id,
	($1::timestamptz AT TIME ZONE 'UTC')::date AS day,
	app_key,
	COUNT(*) AS session_count,
	SUM(secs) AS total_secs,
	MAX(secs) AS longest_secs
FROM (
	SELECT
		account_id,
		device_id,
		app_key,
		grp,
		GREATEST(1, FLOOR(EXTRACT(EPOCH FROM (MAX(window_end) - MIN(window_start))))::bigint) AS secs
	FROM (
		SELECT
			*,
			SUM(new_session) OVER (PARTITION BY device_id, app_key ORDER BY window_start, id) AS grp
		FROM (
			SELECT
				*,
				CASE
					WHEN window_start <= LAG(window_end) OVER (PARTITION BY device_id, app_key ORDER BY window_start, id) + make_interval(secs => $2)
					THEN 0
					ELSE 1
				END AS new_session
			FROM usage_logs
			WHERE window_start >= $1
				AND window_start < $1::timestamptz + INTERVAL '1 day'
				AND NOT (app_key = ANY($3::text[]))
		) marked
	) grouped
	GROUP BY account_id, device_id, app_key, grp
) sessions
GROUP BY account_id, device_id, app_key
`

func (q *sqlQuerier) InsertDeviceSessionsDailyFromLogs(ctx context.Context, arg InsertDeviceSessionsDailyFromLogsParams) (int64, error) {
	if arg.ExcludedApps == nil {
		// A nil slice reaches the query as SQL NULL, and NOT (x = ANY(NULL))
		// filters every row instead of none.
		arg.ExcludedApps = []string{}
	}
	result, err := q.db.ExecContext(ctx, insertDeviceSessionsDailyFromLogs, arg.Day, arg.GapSeconds, pq.Array(arg.ExcludedApps))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const deleteUsageDailyTotalsByDay = `
DELETE FROM usage_daily_totals WHERE day = ($1::timestamptz AT TIME ZONE 'UTC')::date
`

func (q *sqlQuerier) DeleteUsageDailyTotalsByDay(ctx context.Context, day time.Time) error {
	_, err := q.db.ExecContext(ctx, deleteUsageDailyTotalsByDay, day)
	return err
}

const insertUsageDailyTotalsFromSessions = `
INSERT INTO usage_daily_totals (account_id, device_id, day, total_secs, app_count)
SELECT account_id, device_id, day, SUM(total_secs), COUNT(*)
FROM device_sessions_daily
WHERE day = ($1::timestamptz AT TIME ZONE 'UTC')::date
GROUP BY account_id, device_id, day
`

func (q *sqlQuerier) InsertUsageDailyTotalsFromSessions(ctx context.Context, day time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx, insertUsageDailyTotalsFromSessions, day)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const getDeviceSessionsDaily = `
SELECT account_id, device_id, day, app_key, session_count, total_secs, longest_secs
FROM device_sessions_daily
WHERE account_id = $1 AND day = ($2::timestamptz AT TIME ZONE 'UTC')::date
ORDER BY device_id, app_key
`

func (q *sqlQuerier) GetDeviceSessionsDaily(ctx context.Context, arg GetDeviceSessionsDailyParams) ([]DeviceSessionDaily, error) {
	rows, err := q.db.QueryContext(ctx, getDeviceSessionsDaily, arg.AccountID, arg.Day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var sessions []DeviceSessionDaily
	for rows.Next() {
		var s DeviceSessionDaily
		err := rows.Scan(
			&s.AccountID,
			&s.DeviceID,
			&s.Day,
			&s.AppKey,
			&s.SessionCount,
			&s.TotalSecs,
			&s.LongestSecs,
		)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

const getUsageDailyTotals = `
SELECT account_id, device_id, day, total_secs, app_count
FROM usage_daily_totals
WHERE account_id = $1
	AND day >= ($2::timestamptz AT TIME ZONE 'UTC')::date
	AND day < ($3::timestamptz AT TIME ZONE 'UTC')::date
ORDER BY day, device_id
`

func (q *sqlQuerier) GetUsageDailyTotals(ctx context.Context, arg GetUsageDailyTotalsParams) ([]UsageDailyTotal, error) {
	rows, err := q.db.QueryContext(ctx, getUsageDailyTotals, arg.AccountID, arg.StartDay, arg.EndDay)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var totals []UsageDailyTotal
	for rows.Next() {
		var t UsageDailyTotal
		if err := rows.Scan(&t.AccountID, &t.DeviceID, &t.Day, &t.TotalSecs, &t.AppCount); err != nil {
			return nil, err
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}
