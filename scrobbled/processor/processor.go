// Package processor drains the durable usage event queue into the additive
// rollup store.
//
// One worker goroutine owns each queue partition, which preserves per-device
// ordering while partitions proceed in parallel. Workers claim pending rows
// inside a transaction (SKIP LOCKED), so several processor instances can
// share one database without double-claiming. Per event the worker consults
// the recent-identifier cache, re-runs validation, and either dead-letters
// the event or folds it into every rollup granularity; the claim, the
// upserts, and the processed mark commit atomically.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/quartz"

	"github.com/coder/scrobble/scrobbled/database"
	"github.com/coder/scrobble/scrobbled/database/dbtime"
	"github.com/coder/scrobble/scrobbled/database/pubsub"
	"github.com/coder/scrobble/scrobblesdk"
)

const (
	// DefaultPollInterval is the fallback cadence at which workers check for
	// pending events when no pubsub wakeup arrives.
	DefaultPollInterval = 15 * time.Second

	// DefaultBatchSize caps how many events one claim transaction takes.
	DefaultBatchSize = 500

	// DefaultPurgeInterval is how often the janitor reaps processed queue
	// rows.
	DefaultPurgeInterval = time.Hour

	// DefaultPurgeAge keeps processed rows around long enough to debug an
	// ingest incident before the janitor deletes them. It must stay shorter
	// than DedupTTL or a purged event could be aggregated again on resend.
	DefaultPurgeAge = 24 * time.Hour
)

// BucketWidths are the rollup granularities every aggregated event lands in,
// in seconds: minute, five minutes, hour.
var BucketWidths = []int32{60, 300, 3600}

// Event reports one completed drain of a partition's backlog. It is only
// sent when an event channel is configured, which tests use to synchronize
// with the workers.
type Event struct {
	Partition    int32
	Aggregated   int
	Duplicates   int
	DeadLettered int
}

type Option func(*Processor)

// WithClock replaces the clock for testing.
func WithClock(clock quartz.Clock) Option {
	return func(p *Processor) {
		p.clock = clock
	}
}

// WithPartitions sets how many queue partitions this instance runs workers
// for. It must match the gateway's partition count or some partitions are
// never drained.
func WithPartitions(n int32) Option {
	return func(p *Processor) {
		p.partitions = n
	}
}

// WithBatchSize caps how many events one claim transaction takes.
func WithBatchSize(n int32) Option {
	return func(p *Processor) {
		p.batchSize = n
	}
}

// WithPollInterval overrides the fallback poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(p *Processor) {
		p.pollInterval = d
	}
}

// WithDeduper replaces the recent-identifier cache.
func WithDeduper(d Deduper) Option {
	return func(p *Processor) {
		p.deduper = d
	}
}

// WithMetrics sets the metrics instance so the processor shares a registry
// with the rest of the process.
func WithMetrics(m *Metrics) Option {
	return func(p *Processor) {
		p.metrics = m
	}
}

// WithEventChannel sets the channel drain results are reported on.
//
// This is only used for testing.
func WithEventChannel(ch chan<- Event) Option {
	return func(p *Processor) {
		p.event = ch
	}
}

// Processor owns the partition workers and the queue janitor. New starts
// them; Close stops them and waits for them to exit.
type Processor struct {
	cancel  context.CancelFunc
	closed  chan struct{}
	db      database.Store
	logger  slog.Logger
	clock   quartz.Clock
	deduper Deduper
	metrics *Metrics
	event   chan<- Event

	partitions    int32
	batchSize     int32
	pollInterval  time.Duration
	purgeInterval time.Duration
	purgeAge      time.Duration

	// wakes has one buffered channel per partition; the pubsub listener
	// nudges all of them and each worker drains its own.
	wakes []chan struct{}
	// nextPurge is touched only by the janitor goroutine.
	nextPurge time.Time
}

func New(logger slog.Logger, db database.Store, ps pubsub.Pubsub, opts ...Option) (*Processor, error) {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Processor{
		cancel:        cancel,
		closed:        make(chan struct{}),
		db:            db,
		logger:        logger,
		clock:         quartz.NewReal(),
		partitions:    database.DefaultQueuePartitions,
		batchSize:     DefaultBatchSize,
		pollInterval:  DefaultPollInterval,
		purgeInterval: DefaultPurgeInterval,
		purgeAge:      DefaultPurgeAge,
	}

	for _, o := range opts {
		o(p)
	}
	if p.deduper == nil {
		p.deduper = NewDeduper()
	}
	if p.metrics == nil {
		p.metrics = NewMetrics(prometheus.NewRegistry())
	}

	p.wakes = make([]chan struct{}, p.partitions)
	for i := range p.wakes {
		p.wakes[i] = make(chan struct{}, 1)
	}

	cancelSub, err := ps.Subscribe(database.UsageEventsNotifyChannel, func(_ context.Context, _ []byte) {
		for _, wake := range p.wakes {
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	})
	if err != nil {
		cancel()
		close(p.closed)
		return nil, xerrors.Errorf("subscribe to %s: %w", database.UsageEventsNotifyChannel, err)
	}

	go p.start(ctx, cancelSub)

	return p, nil
}

func (p *Processor) start(ctx context.Context, cancelSub func()) {
	defer close(p.closed)
	defer cancelSub()

	var wg sync.WaitGroup
	for i := int32(0); i < p.partitions; i++ {
		wg.Add(1)
		go func(partition int32) {
			defer wg.Done()
			p.worker(ctx, partition)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.clock.TickerFunc(ctx, p.pollInterval, func() error {
			p.maintain(ctx)
			return nil
		}, "processor", "janitor").Wait()
	}()

	wg.Wait()
}

// worker drains its partition, then sleeps until a pubsub nudge or the poll
// interval, whichever comes first. The initial drain picks up whatever was
// pending before this instance started.
func (p *Processor) worker(ctx context.Context, partition int32) {
	for {
		p.drain(ctx, partition)

		timer := p.clock.NewTimer(p.pollInterval, "processor", "poll")
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.wakes[partition]:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// drain claims batches until the partition has fewer pending events than one
// batch holds, then reports the combined result on the event channel.
func (p *Processor) drain(ctx context.Context, partition int32) {
	var ev Event
	ev.Partition = partition
	for {
		stats, claimed, err := p.processPass(ctx, partition)
		if err != nil {
			if ctx.Err() != nil || database.IsQueryCanceledError(err) {
				return
			}
			p.logger.Error(ctx, "process partition batch",
				slog.F("partition", partition),
				slog.Error(err),
			)
			break
		}

		// Only a committed pass marks the cache; a rolled-back batch must
		// stay aggregatable on retry.
		for _, id := range stats.aggregated {
			p.deduper.Mark(id)
		}
		for _, dl := range stats.deadLetters {
			p.logger.Warn(ctx, "dead lettered event",
				slog.F("partition", partition),
				slog.F("event_id", dl.eventID),
				slog.F("reason", dl.reason),
			)
		}
		p.metrics.EventsProcessed.Add(float64(len(stats.aggregated)))
		p.metrics.EventsDuplicate.Add(float64(stats.duplicates))
		p.metrics.EventsDeadLetter.Add(float64(len(stats.deadLetters)))

		ev.Aggregated += len(stats.aggregated)
		ev.Duplicates += stats.duplicates
		ev.DeadLettered += len(stats.deadLetters)
		if claimed < int(p.batchSize) {
			break
		}
	}

	if ev.Aggregated+ev.Duplicates+ev.DeadLettered > 0 {
		p.logger.Debug(ctx, "drained partition",
			slog.F("partition", partition),
			slog.F("aggregated", ev.Aggregated),
			slog.F("duplicates", ev.Duplicates),
			slog.F("dead_lettered", ev.DeadLettered),
		)
	}
	if p.event != nil {
		select {
		case <-ctx.Done():
		case p.event <- ev:
		}
	}
}

type deadLetter struct {
	eventID uuid.UUID
	reason  string
}

type passStats struct {
	aggregated  []uuid.UUID
	duplicates  int
	deadLetters []deadLetter
}

// processPass claims one batch and settles every event in it: duplicate,
// dead letter, or rollup upserts across all bucket widths. Everything
// commits atomically with the processed mark, so a crash mid-pass leaves
// the batch pending and re-deliverable.
func (p *Processor) processPass(ctx context.Context, partition int32) (passStats, int, error) {
	var (
		stats   passStats
		claimed int
	)
	start := p.clock.Now()
	err := p.db.InTx(func(tx database.Store) error {
		stats = passStats{}
		events, err := tx.GetPendingUsageEvents(ctx, database.GetPendingUsageEventsParams{
			Partition: partition,
			LimitOpt:  p.batchSize,
		})
		if err != nil {
			return xerrors.Errorf("claim pending events: %w", err)
		}
		claimed = len(events)
		if claimed == 0 {
			return nil
		}

		now := dbtime.Now()
		processed := make([]int64, 0, len(events))
		for _, event := range events {
			processed = append(processed, event.ID)

			if p.deduper.Seen(event.EventID) {
				stats.duplicates++
				continue
			}
			if rej := validateEvent(event, now); rej != nil {
				payload, _ := json.Marshal(event)
				err := tx.InsertDeadLetterEvent(ctx, database.InsertDeadLetterEventParams{
					DeviceID:  uuid.NullUUID{UUID: event.DeviceID, Valid: true},
					Reason:    rej.Error(),
					Payload:   payload,
					CreatedAt: now,
				})
				if err != nil {
					return xerrors.Errorf("insert dead letter: %w", err)
				}
				stats.deadLetters = append(stats.deadLetters, deadLetter{
					eventID: event.EventID,
					reason:  rej.Error(),
				})
				continue
			}

			for _, width := range BucketWidths {
				err := tx.UpsertRollupRow(ctx, database.UpsertRollupRowParams{
					AccountID:       event.AccountID,
					DeviceID:        event.DeviceID,
					BucketStart:     BucketStart(event.EventTS, width),
					BucketWidthSecs: width,
					Kind:            event.Kind,
					Key:             event.Key,
					Secs:            event.Secs,
					EventAt:         event.EventTS,
				})
				if err != nil {
					return xerrors.Errorf("upsert rollup width %d: %w", width, err)
				}
			}
			stats.aggregated = append(stats.aggregated, event.EventID)
		}

		return tx.MarkUsageEventsProcessed(ctx, database.MarkUsageEventsProcessedParams{
			IDs:         processed,
			ProcessedAt: now,
		})
	}, nil)
	if err != nil {
		return passStats{}, 0, err
	}
	if claimed > 0 {
		p.metrics.UpsertSeconds.Observe(p.clock.Since(start).Seconds())
	}
	return stats, claimed, nil
}

// maintain samples the queue depth gauge every poll interval and purges old
// processed rows once per purge interval. The advisory lock leaves the purge
// to a single instance at a time.
func (p *Processor) maintain(ctx context.Context) {
	depth, err := p.db.GetUsageEventQueueDepth(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn(ctx, "sample queue depth", slog.Error(err))
		}
	} else {
		p.metrics.QueueDepth.Set(float64(depth))
	}

	now := p.clock.Now("processor", "purge")
	if now.Before(p.nextPurge) {
		return
	}
	p.nextPurge = now.Add(p.purgeInterval)

	var purged int64
	err = p.db.InTx(func(tx database.Store) error {
		ok, err := tx.TryAcquireLock(ctx, database.LockIDQueuePurge)
		if err != nil {
			return xerrors.Errorf("acquire purge lock: %w", err)
		}
		if !ok {
			return nil
		}
		purged, err = tx.DeleteProcessedUsageEventsBefore(ctx, now.Add(-p.purgeAge))
		if err != nil {
			return xerrors.Errorf("delete processed events: %w", err)
		}
		return nil
	}, nil)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error(ctx, "purge processed queue rows", slog.Error(err))
		}
		return
	}
	if purged > 0 {
		p.metrics.QueueRowsPurged.Add(float64(purged))
		p.logger.Info(ctx, "purged processed queue rows",
			slog.F("rows", purged),
			slog.F("older_than", p.purgeAge),
		)
	}
}

func (p *Processor) Close() error {
	p.cancel()
	<-p.closed
	return nil
}

// validateEvent re-checks a queued event before aggregation. The gateway
// acknowledges raw batches without inspecting items, so this is where a
// malformed or skewed event leaves the pipeline for the dead letter table.
func validateEvent(event database.UsageEvent, now time.Time) *scrobblesdk.Rejection {
	if !scrobblesdk.EventKind(event.Kind).Valid() {
		return &scrobblesdk.Rejection{
			Code:   scrobblesdk.ReasonInvalidType,
			Detail: fmt.Sprintf("unknown event kind %q", event.Kind),
		}
	}
	if event.Key == "" {
		return &scrobblesdk.Rejection{
			Code:   scrobblesdk.ReasonMissingField,
			Detail: "event key is empty",
		}
	}
	if event.EventTS.IsZero() {
		return &scrobblesdk.Rejection{
			Code:   scrobblesdk.ReasonMissingField,
			Detail: "event timestamp is zero",
		}
	}
	if event.Secs <= 0 {
		return &scrobblesdk.Rejection{
			Code:   scrobblesdk.ReasonNonPositiveDuration,
			Detail: fmt.Sprintf("%d seconds", event.Secs),
		}
	}
	if ceiling := int64(scrobblesdk.MaxUsageDuration / time.Second); event.Secs > ceiling {
		return &scrobblesdk.Rejection{
			Code:   scrobblesdk.ReasonWindowTooLong,
			Detail: fmt.Sprintf("%d seconds exceeds the %d second ceiling", event.Secs, ceiling),
		}
	}
	if event.EventTS.After(now.Add(scrobblesdk.ClockSkewGrace)) {
		return &scrobblesdk.Rejection{
			Code:   scrobblesdk.ReasonClockSkew,
			Detail: fmt.Sprintf("event at %s is in the future", event.EventTS.UTC().Format(time.RFC3339)),
		}
	}
	return nil
}

// BucketStart floors t to the start of its width-second bucket. The fixed
// widths all divide an hour, so buckets align to UTC wall-clock boundaries.
func BucketStart(t time.Time, widthSecs int32) time.Time {
	return t.UTC().Truncate(time.Duration(widthSecs) * time.Second)
}
