package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Account owns devices and the rollups derived from their usage. Controls
// holds the policy rules document devices poll, as raw JSON.
type Account struct {
	ID                uuid.UUID `db:"id" json:"id"`
	Name              string    `db:"name" json:"name"`
	EnrollmentKey     string    `db:"enrollment_key" json:"enrollment_key"`
	Controls          []byte    `db:"controls" json:"controls"`
	ControlsUpdatedAt time.Time `db:"controls_updated_at" json:"controls_updated_at"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// Device is a registered usage source. JWTSecret signs its tokens; rotating
// it revokes every token outstanding.
type Device struct {
	ID              uuid.UUID    `db:"id" json:"id"`
	AccountID       uuid.UUID    `db:"account_id" json:"account_id"`
	DeviceUID       string       `db:"device_uid" json:"device_uid"`
	Name            string       `db:"name" json:"name"`
	Platform        string       `db:"platform" json:"platform"`
	ClientVersion   string       `db:"client_version" json:"client_version"`
	JWTSecret       string       `db:"jwt_secret" json:"jwt_secret"`
	Revoked         bool         `db:"revoked" json:"revoked"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at" json:"updated_at"`
	LastSeenAt      sql.NullTime `db:"last_seen_at" json:"last_seen_at"`
	LastHeartbeatAt sql.NullTime `db:"last_heartbeat_at" json:"last_heartbeat_at"`
}

// UsageEvent is one row of the durable ordered queue. ID is the append
// order; EventID is the client-stable dedup identifier. ProcessedAt set
// means the stream processor aggregated (or dead-lettered) the event.
type UsageEvent struct {
	ID          int64        `db:"id" json:"id"`
	EventID     uuid.UUID    `db:"event_id" json:"event_id"`
	AccountID   uuid.UUID    `db:"account_id" json:"account_id"`
	DeviceID    uuid.UUID    `db:"device_id" json:"device_id"`
	Partition   int32        `db:"partition_id" json:"partition_id"`
	Kind        string       `db:"kind" json:"kind"`
	Key         string       `db:"key" json:"key"`
	Secs        int64        `db:"secs" json:"secs"`
	EventTS     time.Time    `db:"event_ts" json:"event_ts"`
	EnqueuedAt  time.Time    `db:"enqueued_at" json:"enqueued_at"`
	ProcessedAt sql.NullTime `db:"processed_at" json:"processed_at"`
}

// UsageLog is one accepted session-form window. The unique constraint on
// (device_id, app_key, window_start, window_end) is the storage-level
// duplicate guard for resent batches.
type UsageLog struct {
	ID          int64     `db:"id" json:"id"`
	AccountID   uuid.UUID `db:"account_id" json:"account_id"`
	DeviceID    uuid.UUID `db:"device_id" json:"device_id"`
	AppKey      string    `db:"app_key" json:"app_key"`
	WindowStart time.Time `db:"window_start" json:"window_start"`
	WindowEnd   time.Time `db:"window_end" json:"window_end"`
	DurationMS  int64     `db:"duration_ms" json:"duration_ms"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// RollupRow is one additive aggregate bucket. The primary key spans
// (account_id, device_id, bucket_start, bucket_width_secs, kind, key);
// upserts only ever increment.
type RollupRow struct {
	AccountID       uuid.UUID `db:"account_id" json:"account_id"`
	DeviceID        uuid.UUID `db:"device_id" json:"device_id"`
	BucketStart     time.Time `db:"bucket_start" json:"bucket_start"`
	BucketWidthSecs int32     `db:"bucket_width_secs" json:"bucket_width_secs"`
	Kind            string    `db:"kind" json:"kind"`
	Key             string    `db:"key" json:"key"`
	AggregatedSecs  int64     `db:"aggregated_secs" json:"aggregated_secs"`
	FragmentCount   int64     `db:"fragment_count" json:"fragment_count"`
	LastEventAt     time.Time `db:"last_event_at" json:"last_event_at"`
}

// DeadLetterEvent is an event that failed post-ingest validation, kept out
// of the main pipeline with the reason it was rejected.
type DeadLetterEvent struct {
	ID        int64         `db:"id" json:"id"`
	DeviceID  uuid.NullUUID `db:"device_id" json:"device_id"`
	Reason    string        `db:"reason" json:"reason"`
	Payload   []byte        `db:"payload" json:"payload"`
	CreatedAt time.Time     `db:"created_at" json:"created_at"`
}

// DeviceSessionDaily is a rebuilt daily session aggregate per app, produced
// by the daily rollup job from usage logs.
type DeviceSessionDaily struct {
	AccountID    uuid.UUID `db:"account_id" json:"account_id"`
	DeviceID     uuid.UUID `db:"device_id" json:"device_id"`
	Day          time.Time `db:"day" json:"day"`
	AppKey       string    `db:"app_key" json:"app_key"`
	SessionCount int64     `db:"session_count" json:"session_count"`
	TotalSecs    int64     `db:"total_secs" json:"total_secs"`
	LongestSecs  int64     `db:"longest_secs" json:"longest_secs"`
}

// UsageDailyTotal is the per-device daily total rebuilt alongside sessions.
type UsageDailyTotal struct {
	AccountID uuid.UUID `db:"account_id" json:"account_id"`
	DeviceID  uuid.UUID `db:"device_id" json:"device_id"`
	Day       time.Time `db:"day" json:"day"`
	TotalSecs int64     `db:"total_secs" json:"total_secs"`
	AppCount  int64     `db:"app_count" json:"app_count"`
}
