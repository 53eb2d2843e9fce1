package database

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// querier contains every query the store supports. Implementations: the SQL
// store in queries.go and the in-memory store in dbmem.
type querier interface {
	// Accounts.
	InsertAccount(ctx context.Context, arg InsertAccountParams) (Account, error)
	GetAccountByID(ctx context.Context, id uuid.UUID) (Account, error)
	GetAccountByEnrollmentKey(ctx context.Context, enrollmentKey string) (Account, error)
	UpdateAccountControls(ctx context.Context, arg UpdateAccountControlsParams) (Account, error)

	// Devices.
	InsertDevice(ctx context.Context, arg InsertDeviceParams) (Device, error)
	GetDeviceByID(ctx context.Context, id uuid.UUID) (Device, error)
	GetDeviceByUID(ctx context.Context, deviceUID string) (Device, error)
	UpdateDeviceSecret(ctx context.Context, arg UpdateDeviceSecretParams) (Device, error)
	UpdateDeviceConnection(ctx context.Context, arg UpdateDeviceConnectionParams) error

	// Durable ordered queue.
	InsertUsageEvents(ctx context.Context, arg InsertUsageEventsParams) (int64, error)
	// GetPendingUsageEvents claims unprocessed rows in append order. Claimed
	// rows stay locked (SKIP LOCKED) until the surrounding transaction ends,
	// so call it inside InTx alongside the aggregation writes.
	GetPendingUsageEvents(ctx context.Context, arg GetPendingUsageEventsParams) ([]UsageEvent, error)
	MarkUsageEventsProcessed(ctx context.Context, arg MarkUsageEventsProcessedParams) error
	GetUsageEventQueueDepth(ctx context.Context) (int64, error)
	DeleteProcessedUsageEventsBefore(ctx context.Context, before time.Time) (int64, error)
	// TryAcquireLock obtains a transaction-scoped advisory lock. Only
	// meaningful inside InTx; the lock releases at commit or rollback.
	TryAcquireLock(ctx context.Context, lockID int64) (bool, error)

	// Session-form usage logs.
	UpsertUsageLog(ctx context.Context, arg UpsertUsageLogParams) (UpsertUsageLogRow, error)
	GetUsageLogsInRange(ctx context.Context, arg GetUsageLogsInRangeParams) ([]UsageLog, error)

	// Rollups.
	UpsertRollupRow(ctx context.Context, arg UpsertRollupRowParams) error
	GetTopRollupKeys(ctx context.Context, arg GetTopRollupKeysParams) ([]GetTopRollupKeysRow, error)
	GetHourlyUsageSeries(ctx context.Context, arg GetUsageSeriesParams) ([]GetUsageSeriesRow, error)
	GetDailyUsageSeries(ctx context.Context, arg GetUsageSeriesParams) ([]GetUsageSeriesRow, error)

	// Dead letters.
	InsertDeadLetterEvent(ctx context.Context, arg InsertDeadLetterEventParams) error
	GetDeadLetterEvents(ctx context.Context, limit int32) ([]DeadLetterEvent, error)

	// Daily rollup job.
	DeleteDeviceSessionsDailyByDay(ctx context.Context, day time.Time) error
	InsertDeviceSessionsDailyFromLogs(ctx context.Context, arg InsertDeviceSessionsDailyFromLogsParams) (int64, error)
	DeleteUsageDailyTotalsByDay(ctx context.Context, day time.Time) error
	InsertUsageDailyTotalsFromSessions(ctx context.Context, day time.Time) (int64, error)
	GetDeviceSessionsDaily(ctx context.Context, arg GetDeviceSessionsDailyParams) ([]DeviceSessionDaily, error)
	GetUsageDailyTotals(ctx context.Context, arg GetUsageDailyTotalsParams) ([]UsageDailyTotal, error)
}

type InsertAccountParams struct {
	ID            uuid.UUID `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	EnrollmentKey string    `db:"enrollment_key" json:"enrollment_key"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

type UpdateAccountControlsParams struct {
	ID                uuid.UUID `db:"id" json:"id"`
	Controls          []byte    `db:"controls" json:"controls"`
	ControlsUpdatedAt time.Time `db:"controls_updated_at" json:"controls_updated_at"`
}

type InsertDeviceParams struct {
	ID            uuid.UUID `db:"id" json:"id"`
	AccountID     uuid.UUID `db:"account_id" json:"account_id"`
	DeviceUID     string    `db:"device_uid" json:"device_uid"`
	Name          string    `db:"name" json:"name"`
	Platform      string    `db:"platform" json:"platform"`
	ClientVersion string    `db:"client_version" json:"client_version"`
	JWTSecret     string    `db:"jwt_secret" json:"jwt_secret"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

type UpdateDeviceSecretParams struct {
	ID        uuid.UUID `db:"id" json:"id"`
	JWTSecret string    `db:"jwt_secret" json:"jwt_secret"`
	Revoked   bool      `db:"revoked" json:"revoked"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

type UpdateDeviceConnectionParams struct {
	ID              uuid.UUID `db:"id" json:"id"`
	ClientVersion   string    `db:"client_version" json:"client_version"`
	LastSeenAt      time.Time `db:"last_seen_at" json:"last_seen_at"`
	UpdateHeartbeat bool      `db:"update_heartbeat" json:"update_heartbeat"`
}

// InsertUsageEventsParams carries a batch as parallel arrays, appended in a
// single statement. Conflicting event IDs are skipped, which is what makes
// a resent batch acknowledge cleanly.
type InsertUsageEventsParams struct {
	EventIDs   []uuid.UUID `db:"event_ids" json:"event_ids"`
	AccountID  uuid.UUID   `db:"account_id" json:"account_id"`
	DeviceID   uuid.UUID   `db:"device_id" json:"device_id"`
	Partition  int32       `db:"partition_id" json:"partition_id"`
	Kinds      []string    `db:"kinds" json:"kinds"`
	Keys       []string    `db:"keys" json:"keys"`
	Secs       []int64     `db:"secs" json:"secs"`
	EventTimes []time.Time `db:"event_times" json:"event_times"`
	EnqueuedAt time.Time   `db:"enqueued_at" json:"enqueued_at"`
}

type GetPendingUsageEventsParams struct {
	Partition int32 `db:"partition_id" json:"partition_id"`
	LimitOpt  int32 `db:"limit_opt" json:"limit_opt"`
}

type MarkUsageEventsProcessedParams struct {
	IDs         []int64   `db:"ids" json:"ids"`
	ProcessedAt time.Time `db:"processed_at" json:"processed_at"`
}

type UpsertUsageLogParams struct {
	AccountID   uuid.UUID `db:"account_id" json:"account_id"`
	DeviceID    uuid.UUID `db:"device_id" json:"device_id"`
	AppKey      string    `db:"app_key" json:"app_key"`
	WindowStart time.Time `db:"window_start" json:"window_start"`
	WindowEnd   time.Time `db:"window_end" json:"window_end"`
	DurationMS  int64     `db:"duration_ms" json:"duration_ms"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// UpsertUsageLogRow reports whether the upsert created the row. Inserted
// false means the window was already recorded: a duplicate, not an error.
type UpsertUsageLogRow struct {
	UsageLog UsageLog `db:"usage_log" json:"usage_log"`
	Inserted bool     `db:"inserted" json:"inserted"`
}

type GetUsageLogsInRangeParams struct {
	StartTime time.Time `db:"start_time" json:"start_time"`
	EndTime   time.Time `db:"end_time" json:"end_time"`
}

type UpsertRollupRowParams struct {
	AccountID       uuid.UUID `db:"account_id" json:"account_id"`
	DeviceID        uuid.UUID `db:"device_id" json:"device_id"`
	BucketStart     time.Time `db:"bucket_start" json:"bucket_start"`
	BucketWidthSecs int32     `db:"bucket_width_secs" json:"bucket_width_secs"`
	Kind            string    `db:"kind" json:"kind"`
	Key             string    `db:"key" json:"key"`
	Secs            int64     `db:"secs" json:"secs"`
	EventAt         time.Time `db:"event_at" json:"event_at"`
}

type GetTopRollupKeysParams struct {
	AccountID uuid.UUID `db:"account_id" json:"account_id"`
	StartTime time.Time `db:"start_time" json:"start_time"`
	EndTime   time.Time `db:"end_time" json:"end_time"`
	LimitOpt  int32     `db:"limit_opt" json:"limit_opt"`
}

type GetTopRollupKeysRow struct {
	Key            string `db:"key" json:"key"`
	AggregatedSecs int64  `db:"aggregated_secs" json:"aggregated_secs"`
	FragmentCount  int64  `db:"fragment_count" json:"fragment_count"`
}

type GetUsageSeriesParams struct {
	AccountID uuid.UUID `db:"account_id" json:"account_id"`
	StartTime time.Time `db:"start_time" json:"start_time"`
	EndTime   time.Time `db:"end_time" json:"end_time"`
}

type GetUsageSeriesRow struct {
	Bucket         time.Time `db:"bucket" json:"bucket"`
	AggregatedSecs int64     `db:"aggregated_secs" json:"aggregated_secs"`
}

type InsertDeadLetterEventParams struct {
	DeviceID  uuid.NullUUID `db:"device_id" json:"device_id"`
	Reason    string        `db:"reason" json:"reason"`
	Payload   []byte        `db:"payload" json:"payload"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
}

type InsertDeviceSessionsDailyFromLogsParams struct {
	Day          time.Time `db:"day" json:"day"`
	GapSeconds   int32     `db:"gap_seconds" json:"gap_seconds"`
	ExcludedApps []string  `db:"excluded_apps" json:"excluded_apps"`
}

type GetDeviceSessionsDailyParams struct {
	AccountID uuid.UUID `db:"account_id" json:"account_id"`
	Day       time.Time `db:"day" json:"day"`
}

type GetUsageDailyTotalsParams struct {
	AccountID uuid.UUID `db:"account_id" json:"account_id"`
	StartDay  time.Time `db:"start_day" json:"start_day"`
	EndDay    time.Time `db:"end_day" json:"end_day"`
}
