package dbmem

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"golang.org/x/xerrors"

	"github.com/coder/scrobble/scrobbled/database"
)

// New returns an in-memory fake of the database.
func New() database.Store {
	return &fakeQuerier{
		mutex: &sync.RWMutex{},
		data: &data{
			accounts:            make([]database.Account, 0),
			devices:             make([]database.Device, 0),
			usageEvents:         make([]database.UsageEvent, 0),
			usageLogs:           make([]database.UsageLog, 0),
			rollupRows:          make([]database.RollupRow, 0),
			deadLetterEvents:    make([]database.DeadLetterEvent, 0),
			deviceSessionsDaily: make([]database.DeviceSessionDaily, 0),
			usageDailyTotals:    make([]database.UsageDailyTotal, 0),
			locks:               make(map[int64]struct{}),
		},
	}
}

type rwMutex interface {
	Lock()
	RLock()
	Unlock()
	RUnlock()
}

// inTxMutex is a no op, since inside a transaction we are already locked.
type inTxMutex struct{}

func (inTxMutex) Lock()    {}
func (inTxMutex) RLock()   {}
func (inTxMutex) Unlock()  {}
func (inTxMutex) RUnlock() {}

// fakeQuerier replicates database functionality to enable quick testing.
type fakeQuerier struct {
	mutex rwMutex
	*data
}

type data struct {
	accounts            []database.Account
	devices             []database.Device
	usageEvents         []database.UsageEvent
	usageLogs           []database.UsageLog
	rollupRows          []database.RollupRow
	deadLetterEvents    []database.DeadLetterEvent
	deviceSessionsDaily []database.DeviceSessionDaily
	usageDailyTotals    []database.UsageDailyTotal

	locks            map[int64]struct{}
	lastUsageEventID int64
	lastUsageLogID   int64
	lastDeadLetterID int64
}

func uniqueConstraintError(constraint database.UniqueConstraint) *pq.Error {
	return &pq.Error{
		Code:       "23505",
		Message:    "duplicate key value violates unique constraint",
		Constraint: string(constraint),
	}
}

func (*fakeQuerier) Ping(_ context.Context) (time.Duration, error) {
	return 0, nil
}

// fakeTx holds the advisory locks taken during one transaction so they
// release when the transaction finishes.
type fakeTx struct {
	*fakeQuerier
	locks map[int64]struct{}
}

// InTx doesn't rollback data properly for in-memory yet.
func (q *fakeQuerier) InTx(fn func(database.Store) error, _ *sql.TxOptions) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	tx := &fakeTx{
		fakeQuerier: &fakeQuerier{mutex: inTxMutex{}, data: q.data},
		locks:       map[int64]struct{}{},
	}
	defer func() {
		for id := range tx.locks {
			delete(q.data.locks, id)
		}
	}()
	return fn(tx)
}

func (*fakeQuerier) TryAcquireLock(_ context.Context, _ int64) (bool, error) {
	return false, xerrors.New("TryAcquireLock must only be called within a transaction")
}

func (tx *fakeTx) TryAcquireLock(_ context.Context, lockID int64) (bool, error) {
	if _, ok := tx.data.locks[lockID]; ok {
		return false, nil
	}
	tx.data.locks[lockID] = struct{}{}
	tx.locks[lockID] = struct{}{}
	return true, nil
}

func (q *fakeQuerier) InsertAccount(_ context.Context, arg database.InsertAccountParams) (database.Account, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for _, account := range q.accounts {
		if account.EnrollmentKey == arg.EnrollmentKey {
			return database.Account{}, uniqueConstraintError(database.UniqueAccountsEnrollKey)
		}
	}
	account := database.Account{
		ID:                arg.ID,
		Name:              arg.Name,
		EnrollmentKey:     arg.EnrollmentKey,
		Controls:          []byte("[]"),
		ControlsUpdatedAt: arg.CreatedAt,
		CreatedAt:         arg.CreatedAt,
	}
	q.accounts = append(q.accounts, account)
	return account, nil
}

func (q *fakeQuerier) GetAccountByID(_ context.Context, id uuid.UUID) (database.Account, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	for _, account := range q.accounts {
		if account.ID == id {
			return account, nil
		}
	}
	return database.Account{}, sql.ErrNoRows
}

func (q *fakeQuerier) UpdateAccountControls(_ context.Context, arg database.UpdateAccountControlsParams) (database.Account, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for index, account := range q.accounts {
		if account.ID != arg.ID {
			continue
		}
		account.Controls = arg.Controls
		account.ControlsUpdatedAt = arg.ControlsUpdatedAt
		q.accounts[index] = account
		return account, nil
	}
	return database.Account{}, sql.ErrNoRows
}

func (q *fakeQuerier) GetAccountByEnrollmentKey(_ context.Context, enrollmentKey string) (database.Account, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	for _, account := range q.accounts {
		if account.EnrollmentKey == enrollmentKey {
			return account, nil
		}
	}
	return database.Account{}, sql.ErrNoRows
}

func (q *fakeQuerier) InsertDevice(_ context.Context, arg database.InsertDeviceParams) (database.Device, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for _, device := range q.devices {
		if device.DeviceUID == arg.DeviceUID {
			return database.Device{}, uniqueConstraintError(database.UniqueDevicesDeviceUID)
		}
	}
	device := database.Device{
		ID:            arg.ID,
		AccountID:     arg.AccountID,
		DeviceUID:     arg.DeviceUID,
		Name:          arg.Name,
		Platform:      arg.Platform,
		ClientVersion: arg.ClientVersion,
		JWTSecret:     arg.JWTSecret,
		CreatedAt:     arg.CreatedAt,
		UpdatedAt:     arg.UpdatedAt,
	}
	q.devices = append(q.devices, device)
	return device, nil
}

func (q *fakeQuerier) GetDeviceByID(_ context.Context, id uuid.UUID) (database.Device, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	for _, device := range q.devices {
		if device.ID == id {
			return device, nil
		}
	}
	return database.Device{}, sql.ErrNoRows
}

func (q *fakeQuerier) GetDeviceByUID(_ context.Context, deviceUID string) (database.Device, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	for _, device := range q.devices {
		if device.DeviceUID == deviceUID {
			return device, nil
		}
	}
	return database.Device{}, sql.ErrNoRows
}

func (q *fakeQuerier) UpdateDeviceSecret(_ context.Context, arg database.UpdateDeviceSecretParams) (database.Device, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for index, device := range q.devices {
		if device.ID != arg.ID {
			continue
		}
		device.JWTSecret = arg.JWTSecret
		device.Revoked = arg.Revoked
		device.UpdatedAt = arg.UpdatedAt
		q.devices[index] = device
		return device, nil
	}
	return database.Device{}, sql.ErrNoRows
}

func (q *fakeQuerier) UpdateDeviceConnection(_ context.Context, arg database.UpdateDeviceConnectionParams) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for index, device := range q.devices {
		if device.ID != arg.ID {
			continue
		}
		device.LastSeenAt = sql.NullTime{Time: arg.LastSeenAt, Valid: true}
		if arg.UpdateHeartbeat {
			device.LastHeartbeatAt = sql.NullTime{Time: arg.LastSeenAt, Valid: true}
		}
		if arg.ClientVersion != "" {
			device.ClientVersion = arg.ClientVersion
		}
		device.UpdatedAt = arg.LastSeenAt
		q.devices[index] = device
		return nil
	}
	return sql.ErrNoRows
}

func (q *fakeQuerier) InsertUsageEvents(_ context.Context, arg database.InsertUsageEventsParams) (int64, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	existing := make(map[uuid.UUID]struct{}, len(q.usageEvents))
	for _, event := range q.usageEvents {
		existing[event.EventID] = struct{}{}
	}

	var inserted int64
	for i, eventID := range arg.EventIDs {
		if _, ok := existing[eventID]; ok {
			continue
		}
		existing[eventID] = struct{}{}
		q.lastUsageEventID++
		q.usageEvents = append(q.usageEvents, database.UsageEvent{
			ID:         q.lastUsageEventID,
			EventID:    eventID,
			AccountID:  arg.AccountID,
			DeviceID:   arg.DeviceID,
			Partition:  arg.Partition,
			Kind:       arg.Kinds[i],
			Key:        arg.Keys[i],
			Secs:       arg.Secs[i],
			EventTS:    arg.EventTimes[i],
			EnqueuedAt: arg.EnqueuedAt,
		})
		inserted++
	}
	return inserted, nil
}

func (q *fakeQuerier) GetPendingUsageEvents(_ context.Context, arg database.GetPendingUsageEventsParams) ([]database.UsageEvent, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	var events []database.UsageEvent
	for _, event := range q.usageEvents {
		if event.Partition != arg.Partition || event.ProcessedAt.Valid {
			continue
		}
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].ID < events[j].ID
	})
	if arg.LimitOpt > 0 && len(events) > int(arg.LimitOpt) {
		events = events[:arg.LimitOpt]
	}
	return events, nil
}

func (q *fakeQuerier) MarkUsageEventsProcessed(_ context.Context, arg database.MarkUsageEventsProcessedParams) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	ids := make(map[int64]struct{}, len(arg.IDs))
	for _, id := range arg.IDs {
		ids[id] = struct{}{}
	}
	for index, event := range q.usageEvents {
		if _, ok := ids[event.ID]; !ok {
			continue
		}
		event.ProcessedAt = sql.NullTime{Time: arg.ProcessedAt, Valid: true}
		q.usageEvents[index] = event
	}
	return nil
}

func (q *fakeQuerier) GetUsageEventQueueDepth(_ context.Context) (int64, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	var depth int64
	for _, event := range q.usageEvents {
		if !event.ProcessedAt.Valid {
			depth++
		}
	}
	return depth, nil
}

func (q *fakeQuerier) DeleteProcessedUsageEventsBefore(_ context.Context, before time.Time) (int64, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	var deleted int64
	kept := q.usageEvents[:0]
	for _, event := range q.usageEvents {
		if event.ProcessedAt.Valid && event.ProcessedAt.Time.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, event)
	}
	q.usageEvents = kept
	return deleted, nil
}

func (q *fakeQuerier) UpsertUsageLog(_ context.Context, arg database.UpsertUsageLogParams) (database.UpsertUsageLogRow, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for index, log := range q.usageLogs {
		if log.DeviceID != arg.DeviceID || log.AppKey != arg.AppKey ||
			!log.WindowStart.Equal(arg.WindowStart) || !log.WindowEnd.Equal(arg.WindowEnd) {
			continue
		}
		if arg.DurationMS > log.DurationMS {
			log.DurationMS = arg.DurationMS
		}
		q.usageLogs[index] = log
		return database.UpsertUsageLogRow{UsageLog: log, Inserted: false}, nil
	}

	q.lastUsageLogID++
	log := database.UsageLog{
		ID:          q.lastUsageLogID,
		AccountID:   arg.AccountID,
		DeviceID:    arg.DeviceID,
		AppKey:      arg.AppKey,
		WindowStart: arg.WindowStart,
		WindowEnd:   arg.WindowEnd,
		DurationMS:  arg.DurationMS,
		CreatedAt:   arg.CreatedAt,
	}
	q.usageLogs = append(q.usageLogs, log)
	return database.UpsertUsageLogRow{UsageLog: log, Inserted: true}, nil
}

func (q *fakeQuerier) GetUsageLogsInRange(_ context.Context, arg database.GetUsageLogsInRangeParams) ([]database.UsageLog, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	var logs []database.UsageLog
	for _, log := range q.usageLogs {
		if log.WindowStart.Before(arg.StartTime) || !log.WindowStart.Before(arg.EndTime) {
			continue
		}
		logs = append(logs, log)
	}
	sort.Slice(logs, func(i, j int) bool {
		a, b := logs[i], logs[j]
		if a.DeviceID != b.DeviceID {
			return a.DeviceID.String() < b.DeviceID.String()
		}
		if a.AppKey != b.AppKey {
			return a.AppKey < b.AppKey
		}
		if !a.WindowStart.Equal(b.WindowStart) {
			return a.WindowStart.Before(b.WindowStart)
		}
		return a.ID < b.ID
	})
	return logs, nil
}

func (q *fakeQuerier) UpsertRollupRow(_ context.Context, arg database.UpsertRollupRowParams) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for index, row := range q.rollupRows {
		if row.AccountID != arg.AccountID || row.DeviceID != arg.DeviceID ||
			!row.BucketStart.Equal(arg.BucketStart) || row.BucketWidthSecs != arg.BucketWidthSecs ||
			row.Kind != arg.Kind || row.Key != arg.Key {
			continue
		}
		row.AggregatedSecs += arg.Secs
		row.FragmentCount++
		if arg.EventAt.After(row.LastEventAt) {
			row.LastEventAt = arg.EventAt
		}
		q.rollupRows[index] = row
		return nil
	}

	q.rollupRows = append(q.rollupRows, database.RollupRow{
		AccountID:       arg.AccountID,
		DeviceID:        arg.DeviceID,
		BucketStart:     arg.BucketStart,
		BucketWidthSecs: arg.BucketWidthSecs,
		Kind:            arg.Kind,
		Key:             arg.Key,
		AggregatedSecs:  arg.Secs,
		FragmentCount:   1,
		LastEventAt:     arg.EventAt,
	})
	return nil
}

func (q *fakeQuerier) GetTopRollupKeys(_ context.Context, arg database.GetTopRollupKeysParams) ([]database.GetTopRollupKeysRow, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	byKey := make(map[string]*database.GetTopRollupKeysRow)
	for _, row := range q.rollupRows {
		if row.AccountID != arg.AccountID || row.BucketWidthSecs != 60 || row.Kind == "screen_time" {
			continue
		}
		if row.BucketStart.Before(arg.StartTime) || !row.BucketStart.Before(arg.EndTime) {
			continue
		}
		item, ok := byKey[row.Key]
		if !ok {
			item = &database.GetTopRollupKeysRow{Key: row.Key}
			byKey[row.Key] = item
		}
		item.AggregatedSecs += row.AggregatedSecs
		item.FragmentCount += row.FragmentCount
	}

	items := make([]database.GetTopRollupKeysRow, 0, len(byKey))
	for _, item := range byKey {
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].AggregatedSecs != items[j].AggregatedSecs {
			return items[i].AggregatedSecs > items[j].AggregatedSecs
		}
		return items[i].Key < items[j].Key
	})
	if arg.LimitOpt > 0 && len(items) > int(arg.LimitOpt) {
		items = items[:arg.LimitOpt]
	}
	return items, nil
}

func (q *fakeQuerier) GetHourlyUsageSeries(_ context.Context, arg database.GetUsageSeriesParams) ([]database.GetUsageSeriesRow, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	return q.usageSeriesLocked(arg, func(bucketStart time.Time) time.Time {
		return bucketStart
	}), nil
}

func (q *fakeQuerier) GetDailyUsageSeries(_ context.Context, arg database.GetUsageSeriesParams) ([]database.GetUsageSeriesRow, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	return q.usageSeriesLocked(arg, dateUTC), nil
}

func (q *fakeQuerier) usageSeriesLocked(arg database.GetUsageSeriesParams, truncate func(time.Time) time.Time) []database.GetUsageSeriesRow {
	byBucket := make(map[time.Time]int64)
	for _, row := range q.rollupRows {
		if row.AccountID != arg.AccountID || row.BucketWidthSecs != 3600 || row.Kind == "screen_time" {
			continue
		}
		if row.BucketStart.Before(arg.StartTime) || !row.BucketStart.Before(arg.EndTime) {
			continue
		}
		bucket := truncate(row.BucketStart.UTC())
		byBucket[bucket] += row.AggregatedSecs
	}

	items := make([]database.GetUsageSeriesRow, 0, len(byBucket))
	for bucket, secs := range byBucket {
		items = append(items, database.GetUsageSeriesRow{Bucket: bucket, AggregatedSecs: secs})
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Bucket.Before(items[j].Bucket)
	})
	return items
}

func (q *fakeQuerier) InsertDeadLetterEvent(_ context.Context, arg database.InsertDeadLetterEventParams) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.lastDeadLetterID++
	q.deadLetterEvents = append(q.deadLetterEvents, database.DeadLetterEvent{
		ID:        q.lastDeadLetterID,
		DeviceID:  arg.DeviceID,
		Reason:    arg.Reason,
		Payload:   arg.Payload,
		CreatedAt: arg.CreatedAt,
	})
	return nil
}

func (q *fakeQuerier) GetDeadLetterEvents(_ context.Context, limit int32) ([]database.DeadLetterEvent, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	events := make([]database.DeadLetterEvent, len(q.deadLetterEvents))
	copy(events, q.deadLetterEvents)
	sort.Slice(events, func(i, j int) bool {
		return events[i].ID > events[j].ID
	})
	if limit > 0 && len(events) > int(limit) {
		events = events[:limit]
	}
	return events, nil
}

func (q *fakeQuerier) DeleteDeviceSessionsDailyByDay(_ context.Context, day time.Time) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	day = dateUTC(day)
	kept := q.deviceSessionsDaily[:0]
	for _, session := range q.deviceSessionsDaily {
		if session.Day.Equal(day) {
			continue
		}
		kept = append(kept, session)
	}
	q.deviceSessionsDaily = kept
	return nil
}

func (q *fakeQuerier) InsertDeviceSessionsDailyFromLogs(_ context.Context, arg database.InsertDeviceSessionsDailyFromLogsParams) (int64, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	dayStart := dateUTC(arg.Day)
	dayEnd := dayStart.Add(24 * time.Hour)
	excluded := make(map[string]struct{}, len(arg.ExcludedApps))
	for _, app := range arg.ExcludedApps {
		excluded[app] = struct{}{}
	}

	type groupKey struct {
		deviceID uuid.UUID
		appKey   string
	}
	groups := make(map[groupKey][]database.UsageLog)
	for _, log := range q.usageLogs {
		if log.WindowStart.Before(dayStart) || !log.WindowStart.Before(dayEnd) {
			continue
		}
		if _, ok := excluded[log.AppKey]; ok {
			continue
		}
		key := groupKey{deviceID: log.DeviceID, appKey: log.AppKey}
		groups[key] = append(groups[key], log)
	}

	gap := time.Duration(arg.GapSeconds) * time.Second
	var inserted int64
	for key, logs := range groups {
		sort.Slice(logs, func(i, j int) bool {
			if !logs[i].WindowStart.Equal(logs[j].WindowStart) {
				return logs[i].WindowStart.Before(logs[j].WindowStart)
			}
			return logs[i].ID < logs[j].ID
		})

		session := database.DeviceSessionDaily{
			AccountID: logs[0].AccountID,
			DeviceID:  key.deviceID,
			Day:       dayStart,
			AppKey:    key.appKey,
		}
		sessionStart := logs[0].WindowStart
		sessionEnd := logs[0].WindowEnd
		prevEnd := logs[0].WindowEnd
		flush := func() {
			secs := int64(sessionEnd.Sub(sessionStart) / time.Second)
			if secs < 1 {
				secs = 1
			}
			session.SessionCount++
			session.TotalSecs += secs
			if secs > session.LongestSecs {
				session.LongestSecs = secs
			}
		}
		for _, log := range logs[1:] {
			// A window starting exactly gap seconds after the previous
			// window's end still merges into the same session.
			if log.WindowStart.After(prevEnd.Add(gap)) {
				flush()
				sessionStart = log.WindowStart
				sessionEnd = log.WindowEnd
			} else if log.WindowEnd.After(sessionEnd) {
				sessionEnd = log.WindowEnd
			}
			prevEnd = log.WindowEnd
		}
		flush()

		q.deviceSessionsDaily = append(q.deviceSessionsDaily, session)
		inserted++
	}
	return inserted, nil
}

func (q *fakeQuerier) DeleteUsageDailyTotalsByDay(_ context.Context, day time.Time) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	day = dateUTC(day)
	kept := q.usageDailyTotals[:0]
	for _, total := range q.usageDailyTotals {
		if total.Day.Equal(day) {
			continue
		}
		kept = append(kept, total)
	}
	q.usageDailyTotals = kept
	return nil
}

func (q *fakeQuerier) InsertUsageDailyTotalsFromSessions(_ context.Context, day time.Time) (int64, error) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	day = dateUTC(day)
	byDevice := make(map[uuid.UUID]*database.UsageDailyTotal)
	for _, session := range q.deviceSessionsDaily {
		if !session.Day.Equal(day) {
			continue
		}
		total, ok := byDevice[session.DeviceID]
		if !ok {
			total = &database.UsageDailyTotal{
				AccountID: session.AccountID,
				DeviceID:  session.DeviceID,
				Day:       day,
			}
			byDevice[session.DeviceID] = total
		}
		total.TotalSecs += session.TotalSecs
		total.AppCount++
	}

	var inserted int64
	for _, total := range byDevice {
		q.usageDailyTotals = append(q.usageDailyTotals, *total)
		inserted++
	}
	return inserted, nil
}

func (q *fakeQuerier) GetDeviceSessionsDaily(_ context.Context, arg database.GetDeviceSessionsDailyParams) ([]database.DeviceSessionDaily, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	day := dateUTC(arg.Day)
	var sessions []database.DeviceSessionDaily
	for _, session := range q.deviceSessionsDaily {
		if session.AccountID != arg.AccountID || !session.Day.Equal(day) {
			continue
		}
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].DeviceID != sessions[j].DeviceID {
			return sessions[i].DeviceID.String() < sessions[j].DeviceID.String()
		}
		return sessions[i].AppKey < sessions[j].AppKey
	})
	return sessions, nil
}

func (q *fakeQuerier) GetUsageDailyTotals(_ context.Context, arg database.GetUsageDailyTotalsParams) ([]database.UsageDailyTotal, error) {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	startDay := dateUTC(arg.StartDay)
	endDay := dateUTC(arg.EndDay)
	var totals []database.UsageDailyTotal
	for _, total := range q.usageDailyTotals {
		if total.Day.Before(startDay) || !total.Day.Before(endDay) {
			continue
		}
		if total.AccountID != arg.AccountID {
			continue
		}
		totals = append(totals, total)
	}
	sort.Slice(totals, func(i, j int) bool {
		if !totals[i].Day.Equal(totals[j].Day) {
			return totals[i].Day.Before(totals[j].Day)
		}
		return totals[i].DeviceID.String() < totals[j].DeviceID.String()
	})
	return totals, nil
}

func dateUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
