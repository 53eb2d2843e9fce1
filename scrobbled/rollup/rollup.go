// Package rollup rebuilds the daily summary tables from raw usage logs.
//
// The hot aggregation path (rollup_rows) is maintained incrementally by the
// stream processor; this package owns the once-a-day pass that gap-merges
// usage windows into sessions and recomputes per-device daily totals.
package rollup

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/quartz"

	"github.com/coder/scrobble/scrobbled/database"
	"github.com/coder/scrobble/scrobblesdk"
)

const (
	// DefaultSchedule rebuilds the previous UTC day shortly after midnight,
	// giving late uploads a few minutes to land first.
	DefaultSchedule = "CRON_TZ=UTC 5 0 * * *"

	// DefaultSessionGap merges usage windows separated by at most this gap
	// into one session. The boundary is inclusive: a window starting exactly
	// the gap after the previous window's end still merges.
	DefaultSessionGap = 120 * time.Second
)

// ErrAlreadyRunning is returned by RunOnce when another instance holds the
// rollup lock.
var ErrAlreadyRunning = xerrors.New("daily rollup already running")

// Event is sent on the optional event channel around every scheduled run.
// Tests use it to synchronize with the loop.
type Event struct {
	Init    bool `json:"-"`
	Day     time.Time
	Rebuilt bool
}

// Result reports what one rebuild wrote.
type Result struct {
	Day         time.Time `json:"day"`
	SessionRows int64     `json:"session_rows"`
	TotalRows   int64     `json:"total_rows"`
}

type Option func(*Rolluper)

// WithSchedule overrides the default daily schedule.
func WithSchedule(sched cron.Schedule) Option {
	return func(r *Rolluper) {
		r.sched = sched
	}
}

// WithClock replaces the clock for testing.
func WithClock(clock quartz.Clock) Option {
	return func(r *Rolluper) {
		r.clock = clock
	}
}

// WithEventChannel sets the event channel to use for rollup events.
//
// This is only used for testing.
func WithEventChannel(ch chan<- Event) Option {
	return func(r *Rolluper) {
		r.event = ch
	}
}

// WithSessionGap overrides the inclusive merge gap.
func WithSessionGap(gap time.Duration) Option {
	return func(r *Rolluper) {
		r.gap = gap
	}
}

// WithExcludedApps overrides the noise package exclusion list.
func WithExcludedApps(apps []string) Option {
	return func(r *Rolluper) {
		r.excluded = apps
	}
}

// Rolluper rebuilds device_sessions_daily and usage_daily_totals on a cron
// schedule. New starts the loop; Close stops it.
type Rolluper struct {
	cancel   context.CancelFunc
	closed   chan struct{}
	db       database.Store
	logger   slog.Logger
	clock    quartz.Clock
	sched    cron.Schedule
	event    chan<- Event
	gap      time.Duration
	excluded []string
}

func New(logger slog.Logger, db database.Store, opts ...Option) *Rolluper {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Rolluper{
		cancel:   cancel,
		closed:   make(chan struct{}),
		db:       db,
		logger:   logger,
		clock:    quartz.NewReal(),
		gap:      DefaultSessionGap,
		excluded: scrobblesdk.DefaultNoisePackages,
	}

	for _, o := range opts {
		o(r)
	}
	if r.sched == nil {
		// The default is a constant and always parses.
		r.sched, _ = cron.ParseStandard(DefaultSchedule)
	}

	go r.start(ctx)

	return r
}

func (r *Rolluper) start(ctx context.Context) {
	defer close(r.closed)

	if r.event != nil {
		select {
		case <-ctx.Done():
			return
		case r.event <- Event{Init: true}:
		}
	}

	for {
		now := r.clock.Now("rollup", "schedule")
		timer := r.clock.NewTimer(r.sched.Next(now).Sub(now), "rollup", "wait")
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		// Scheduled runs always rebuild the previous UTC day.
		day := Day(r.clock.Now().AddDate(0, 0, -1))
		start := r.clock.Now()
		res, err := r.RunOnce(ctx, day)

		ev := Event{Day: day}
		switch {
		case xerrors.Is(err, ErrAlreadyRunning):
			r.logger.Debug(ctx, "another instance is rebuilding, skipping", slog.F("day", day))
		case err != nil:
			if database.IsQueryCanceledError(err) || ctx.Err() != nil {
				return
			}
			r.logger.Error(ctx, "daily rollup failed", slog.Error(err), slog.F("day", day))
		default:
			ev.Rebuilt = true
			r.logger.Info(ctx, "daily rollup complete",
				slog.F("day", day),
				slog.F("session_rows", res.SessionRows),
				slog.F("total_rows", res.TotalRows),
				slog.F("took", r.clock.Since(start)),
			)
		}

		if r.event != nil {
			select {
			case <-ctx.Done():
				return
			case r.event <- ev:
			}
		}
	}
}

// RunOnce rebuilds both daily tables for one UTC day. It is safe to call
// while the scheduled loop runs; the advisory lock serializes rebuilds
// across instances and returns ErrAlreadyRunning to the loser.
func (r *Rolluper) RunOnce(ctx context.Context, day time.Time) (Result, error) {
	day = Day(day)
	res := Result{Day: day}
	err := r.db.InTx(func(tx database.Store) error {
		ok, err := tx.TryAcquireLock(ctx, database.LockIDDailyRollup)
		if err != nil {
			return xerrors.Errorf("acquire rollup lock: %w", err)
		}
		if !ok {
			return ErrAlreadyRunning
		}

		// Delete and rebuild rather than upsert: late uploads and re-runs
		// both converge on the same rows.
		if err := tx.DeleteDeviceSessionsDailyByDay(ctx, day); err != nil {
			return xerrors.Errorf("delete sessions for day: %w", err)
		}
		sessions, err := tx.InsertDeviceSessionsDailyFromLogs(ctx, database.InsertDeviceSessionsDailyFromLogsParams{
			Day:          day,
			GapSeconds:   int32(r.gap / time.Second),
			ExcludedApps: r.excluded,
		})
		if err != nil {
			return xerrors.Errorf("rebuild sessions: %w", err)
		}
		res.SessionRows = sessions

		if err := tx.DeleteUsageDailyTotalsByDay(ctx, day); err != nil {
			return xerrors.Errorf("delete totals for day: %w", err)
		}
		totals, err := tx.InsertUsageDailyTotalsFromSessions(ctx, day)
		if err != nil {
			return xerrors.Errorf("rebuild totals: %w", err)
		}
		res.TotalRows = totals
		return nil
	}, nil)
	if err != nil {
		return Result{Day: day}, err
	}
	return res, nil
}

func (r *Rolluper) Close() error {
	r.cancel()
	<-r.closed
	return nil
}

// Day truncates t to the start of its UTC day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
