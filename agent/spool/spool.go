// Package spool is the agent's durable local store: the raw activity log the
// usage pipeline scans, the outbound batch queue, and the device's identity
// and credentials. Everything lives in one SQLite file so a crash or restart
// never loses captured activity and never replays an acknowledged batch.
package spool

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	// Database driver for the spool file.
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/xerrors"

	"github.com/coder/scrobble/agent/screenwatch"
	"github.com/coder/scrobble/scrobblesdk"
)

// EventKind labels a raw app transition exactly as observed.
type EventKind string

const (
	EventForeground EventKind = "foreground"
	EventBackground EventKind = "background"
)

// AppEvent is one observed app transition. The sessionizer pairs these into
// usage windows; until then they sit in the activity log untouched.
type AppEvent struct {
	App  string
	Kind EventKind
	At   time.Time
}

// Batch is one upload-ready group of items, durable until the server settles
// it. ScanEnd is the instant the cursor moves to when the batch is
// acknowledged.
type Batch struct {
	ID      int64
	Items   []scrobblesdk.UsageItem
	ScanEnd time.Time
}

const (
	keyCursor       = "cursor_ms"
	keyDeviceUID    = "device_uid"
	keyAccessToken  = "access_token"
	keyRefreshToken = "refresh_token"
)

// Timestamps are stored as integer milliseconds since the Unix epoch, the
// same resolution the wire format uses.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS app_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		app_key TEXT NOT NULL,
		kind TEXT NOT NULL,
		at_ms INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_app_events_at ON app_events (at_ms)`,
	`CREATE TABLE IF NOT EXISTS screen_windows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		start_ms INTEGER NOT NULL,
		end_ms INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_screen_windows_end ON screen_windows (end_ms)`,
	`CREATE TABLE IF NOT EXISTS batches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payload TEXT NOT NULL,
		scan_end_ms INTEGER NOT NULL,
		created_at_ms INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS device_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// Spool wraps the SQLite file. Safe for concurrent use; the collector writes
// the activity log while the flush loop owns the queue and cursor.
type Spool struct {
	db   *sql.DB
	path string
}

// Open opens or creates the spool at path, creating parent directories and
// applying the schema in place.
func Open(ctx context.Context, path string) (*Spool, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, xerrors.Errorf("create spool directory: %w", err)
		}
	}

	// WAL keeps collector inserts from blocking flush-loop scans; the busy
	// timeout absorbs the rare writer collision between the two. Both ride
	// the DSN so every pooled connection gets them.
	dsn := "file:" + path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, xerrors.Errorf("open spool: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, xerrors.Errorf("apply spool schema: %w", err)
		}
	}
	return &Spool{db: db, path: path}, nil
}

// Path returns the spool file location.
func (s *Spool) Path() string {
	return s.path
}

func (s *Spool) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordAppEvent appends one raw transition to the activity log.
func (s *Spool) RecordAppEvent(ctx context.Context, ev AppEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_events (app_key, kind, at_ms) VALUES (?, ?, ?)`,
		ev.App, string(ev.Kind), ev.At.UnixMilli(),
	)
	if err != nil {
		return xerrors.Errorf("record app event: %w", err)
	}
	return nil
}

// AppEvents returns raw transitions with start <= at < end in capture order.
// Ties on the timestamp keep insertion order, which matters when a reopened
// foreground lands on the same instant as the boundary that closed it.
func (s *Spool) AppEvents(ctx context.Context, start, end time.Time) ([]AppEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT app_key, kind, at_ms FROM app_events WHERE at_ms >= ? AND at_ms < ? ORDER BY at_ms, id`,
		start.UnixMilli(), end.UnixMilli(),
	)
	if err != nil {
		return nil, xerrors.Errorf("scan app events: %w", err)
	}
	defer rows.Close()

	var events []AppEvent
	for rows.Next() {
		var (
			ev   AppEvent
			kind string
			atMS int64
		)
		if err := rows.Scan(&ev.App, &kind, &atMS); err != nil {
			return nil, xerrors.Errorf("scan app event row: %w", err)
		}
		ev.Kind = EventKind(kind)
		ev.At = time.UnixMilli(atMS).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RecordScreenWindow appends one completed screen-on window.
func (s *Spool) RecordScreenWindow(ctx context.Context, w screenwatch.Window) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO screen_windows (start_ms, end_ms) VALUES (?, ?)`,
		w.Start.UnixMilli(), w.End.UnixMilli(),
	)
	if err != nil {
		return xerrors.Errorf("record screen window: %w", err)
	}
	return nil
}

// ScreenWindows returns every window overlapping [start, end), including ones
// that began before the range.
func (s *Spool) ScreenWindows(ctx context.Context, start, end time.Time) ([]screenwatch.Window, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT start_ms, end_ms FROM screen_windows WHERE end_ms > ? AND start_ms < ? ORDER BY start_ms, id`,
		start.UnixMilli(), end.UnixMilli(),
	)
	if err != nil {
		return nil, xerrors.Errorf("scan screen windows: %w", err)
	}
	defer rows.Close()

	var windows []screenwatch.Window
	for rows.Next() {
		var startMS, endMS int64
		if err := rows.Scan(&startMS, &endMS); err != nil {
			return nil, xerrors.Errorf("scan screen window row: %w", err)
		}
		windows = append(windows, screenwatch.Window{
			Start: time.UnixMilli(startMS).UTC(),
			End:   time.UnixMilli(endMS).UTC(),
		})
	}
	return windows, rows.Err()
}

// Cursor returns the last confirmed instant, zero before the first advance.
func (s *Spool) Cursor(ctx context.Context) (time.Time, error) {
	value, err := s.getState(ctx, keyCursor)
	if err != nil {
		return time.Time{}, err
	}
	if value == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, xerrors.Errorf("parse cursor %q: %w", value, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// AdvanceCursor moves the cursor forward to at, reporting whether it moved.
// Moves backward are ignored so a late acknowledgment can never regress a
// newer confirmation.
func (s *Spool) AdvanceCursor(ctx context.Context, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO device_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
		WHERE CAST(excluded.value AS INTEGER) > CAST(device_state.value AS INTEGER)`,
		keyCursor, strconv.FormatInt(at.UnixMilli(), 10),
	)
	if err != nil {
		return false, xerrors.Errorf("advance cursor: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, xerrors.Errorf("advance cursor result: %w", err)
	}
	return affected > 0, nil
}

// EnqueueBatch persists one upload-ready batch at the queue tail.
func (s *Spool) EnqueueBatch(ctx context.Context, items []scrobblesdk.UsageItem, scanEnd time.Time) (int64, error) {
	payload, err := json.Marshal(items)
	if err != nil {
		return 0, xerrors.Errorf("encode batch: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (payload, scan_end_ms, created_at_ms) VALUES (?, ?, ?)`,
		string(payload), scanEnd.UnixMilli(), time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, xerrors.Errorf("enqueue batch: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, xerrors.Errorf("enqueue batch id: %w", err)
	}
	return id, nil
}

// NextBatch returns the oldest queued batch without removing it. The second
// return is false when the queue is empty.
func (s *Spool) NextBatch(ctx context.Context) (Batch, bool, error) {
	var (
		batch     Batch
		payload   string
		scanEndMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, payload, scan_end_ms FROM batches ORDER BY id LIMIT 1`,
	).Scan(&batch.ID, &payload, &scanEndMS)
	if xerrors.Is(err, sql.ErrNoRows) {
		return Batch{}, false, nil
	}
	if err != nil {
		return Batch{}, false, xerrors.Errorf("peek batch: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &batch.Items); err != nil {
		return Batch{}, false, xerrors.Errorf("decode batch %d: %w", batch.ID, err)
	}
	batch.ScanEnd = time.UnixMilli(scanEndMS).UTC()
	return batch, true, nil
}

// DropBatch removes a settled batch from the queue.
func (s *Spool) DropBatch(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, id)
	if err != nil {
		return xerrors.Errorf("drop batch: %w", err)
	}
	return nil
}

// SplitBatch replaces a batch with its two halves, re-queued at the tail.
// The uploader calls this after a payload-shape rejection; a single item
// cannot split and is dropped instead, reported by the false return.
func (s *Spool) SplitBatch(ctx context.Context, id int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, xerrors.Errorf("begin split: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		payload   string
		scanEndMS int64
	)
	err = tx.QueryRowContext(ctx, `SELECT payload, scan_end_ms FROM batches WHERE id = ?`, id).
		Scan(&payload, &scanEndMS)
	if err != nil {
		return false, xerrors.Errorf("read batch %d: %w", id, err)
	}
	var items []scrobblesdk.UsageItem
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		return false, xerrors.Errorf("decode batch %d: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM batches WHERE id = ?`, id); err != nil {
		return false, xerrors.Errorf("remove batch %d: %w", id, err)
	}

	split := len(items) > 1
	if split {
		now := time.Now().UnixMilli()
		mid := len(items) / 2
		for _, half := range [][]scrobblesdk.UsageItem{items[:mid], items[mid:]} {
			data, err := json.Marshal(half)
			if err != nil {
				return false, xerrors.Errorf("encode half: %w", err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO batches (payload, scan_end_ms, created_at_ms) VALUES (?, ?, ?)`,
				string(data), scanEndMS, now,
			)
			if err != nil {
				return false, xerrors.Errorf("enqueue half: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, xerrors.Errorf("commit split: %w", err)
	}
	return split, nil
}

// QueuedBatches returns the number of batches awaiting settlement.
func (s *Spool) QueuedBatches(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batches`).Scan(&count)
	if err != nil {
		return 0, xerrors.Errorf("count batches: %w", err)
	}
	return count, nil
}

// Prune removes activity that can never be scanned again: app events before
// the given instant and screen windows ending before it. The scan start is
// monotone, so pruning at it is always safe.
func (s *Spool) Prune(ctx context.Context, before time.Time) (int64, error) {
	ms := before.UnixMilli()
	var pruned int64
	res, err := s.db.ExecContext(ctx, `DELETE FROM app_events WHERE at_ms < ?`, ms)
	if err != nil {
		return 0, xerrors.Errorf("prune app events: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		pruned += n
	}
	res, err = s.db.ExecContext(ctx, `DELETE FROM screen_windows WHERE end_ms < ?`, ms)
	if err != nil {
		return pruned, xerrors.Errorf("prune screen windows: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		pruned += n
	}
	return pruned, nil
}

// DeviceUID returns the persisted stable identifier, empty when unset.
func (s *Spool) DeviceUID(ctx context.Context) (string, error) {
	return s.getState(ctx, keyDeviceUID)
}

// SetDeviceUID persists the stable identifier. It is written once and never
// rotated; re-registration reuses it so the server maps the install to the
// same device.
func (s *Spool) SetDeviceUID(ctx context.Context, uid string) error {
	return s.setState(ctx, keyDeviceUID, uid)
}

// Credentials returns the stored token pair, zero-valued before the first
// registration.
func (s *Spool) Credentials(ctx context.Context) (scrobblesdk.TokenPair, error) {
	access, err := s.getState(ctx, keyAccessToken)
	if err != nil {
		return scrobblesdk.TokenPair{}, err
	}
	refresh, err := s.getState(ctx, keyRefreshToken)
	if err != nil {
		return scrobblesdk.TokenPair{}, err
	}
	return scrobblesdk.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// SetCredentials persists a token pair, replacing any prior one.
func (s *Spool) SetCredentials(ctx context.Context, pair scrobblesdk.TokenPair) error {
	if err := s.setState(ctx, keyAccessToken, pair.AccessToken); err != nil {
		return err
	}
	return s.setState(ctx, keyRefreshToken, pair.RefreshToken)
}

func (s *Spool) getState(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM device_state WHERE key = ?`, key).Scan(&value)
	if xerrors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", xerrors.Errorf("read %s: %w", key, err)
	}
	return value, nil
}

func (s *Spool) setState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return xerrors.Errorf("write %s: %w", key, err)
	}
	return nil
}
