// Package agent captures device activity, derives clamped usage windows from
// it, and uploads them to the ingest gateway with durable at-least-once
// delivery. All device state (activity log, outbound queue, cursor, identity,
// credentials) lives in the spool, so several simulated devices can run in
// one process.
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"math/rand"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/quartz"
	"github.com/coder/retry"

	"github.com/coder/scrobble/agent/screenwatch"
	"github.com/coder/scrobble/agent/spool"
	"github.com/coder/scrobble/buildinfo"
	"github.com/coder/scrobble/cryptorand"
	"github.com/coder/scrobble/scrobblesdk"
)

const (
	// DefaultFlushInterval paces the scan/upload cycle.
	DefaultFlushInterval = time.Minute
	// DefaultLookback caps how far behind the cursor a scan reaches.
	// Activity older than this is never replayed, which also bounds what an
	// offline stretch can re-derive.
	DefaultLookback = time.Hour
	// DefaultMergeGap coalesces same-app sessions separated by at most this
	// much. The boundary is inclusive.
	DefaultMergeGap = 30 * time.Second
	// DefaultHeartbeatInterval applies until the server advertises its own
	// cadence.
	DefaultHeartbeatInterval = 5 * time.Minute
	// DefaultControlsInterval paces policy document polls.
	DefaultControlsInterval = 5 * time.Minute
)

// Options configures a device agent. Logger, Client and Spool are required.
type Options struct {
	Logger slog.Logger
	// Client calls the gateway. The agent manages its session token.
	Client *scrobblesdk.Client
	// Spool is the durable local store. The caller owns it and closes it
	// after the agent.
	Spool *spool.Spool
	// Source streams device activity. Optional: without one the agent only
	// settles what is already spooled.
	Source Source
	// Clock substitutes time in tests.
	Clock quartz.Clock

	// DeviceName and Platform identify the device at registration. They
	// default to the hostname and the runtime OS.
	DeviceName string
	Platform   string
	// EnrollmentKey authorizes first-time registration. Unneeded once
	// credentials are spooled.
	EnrollmentKey string
	// DeviceUID overrides the derived stable identifier. Tests running
	// several simulated devices in one process give each its own.
	DeviceUID string

	FlushInterval     time.Duration
	Lookback          time.Duration
	MergeGap          time.Duration
	NoisePackages     []string
	HeartbeatInterval time.Duration
	ControlsInterval  time.Duration

	// EventChannel receives a FlushEvent per flush cycle. Tests only.
	EventChannel chan<- FlushEvent
}

// FlushEvent reports one flush cycle. Tests consume these to synchronize
// with the loop.
type FlushEvent struct {
	// Init marks the single event sent at startup, after credentials are
	// ready and before the first cycle.
	Init bool

	ScanStart time.Time
	ScanEnd   time.Time
	// Sessions survived the pipeline; Items passed local validation and
	// were enqueued; Dropped is what local validation rejected.
	Sessions int
	Items    int
	Dropped  int
	// Accepted, Duplicates and Rejected echo the server's settlement of
	// every batch drained this cycle, including carryover from prior runs.
	Accepted   int
	Duplicates int
	Rejected   int
	// CursorAdvanced reports whether this cycle moved the cursor.
	CursorAdvanced bool
}

// Agent runs the device-side pipeline. New starts its loops; Close stops
// them and waits.
type Agent struct {
	cancel  context.CancelFunc
	closed  chan struct{}
	logger  slog.Logger
	client  *scrobblesdk.Client
	spool   *spool.Spool
	clock   quartz.Clock
	tracker *screenwatch.Tracker
	screen  *screenwatch.ChannelSource
	event   chan<- FlushEvent

	name          string
	platform      string
	enrollmentKey string
	deviceUID     string

	flushInterval     time.Duration
	lookback          time.Duration
	mergeGap          time.Duration
	noise             map[string]struct{}
	heartbeatInterval time.Duration
	controlsInterval  time.Duration

	controlsMu sync.RWMutex
	controls   scrobblesdk.Controls
}

func New(options Options) (*Agent, error) {
	if options.Client == nil {
		return nil, xerrors.New("client is required")
	}
	if options.Spool == nil {
		return nil, xerrors.New("spool is required")
	}
	if options.Clock == nil {
		options.Clock = quartz.NewReal()
	}
	if options.DeviceName == "" {
		options.DeviceName, _ = os.Hostname()
		if options.DeviceName == "" {
			options.DeviceName = "device"
		}
	}
	if options.Platform == "" {
		options.Platform = runtime.GOOS
	}
	if options.FlushInterval <= 0 {
		options.FlushInterval = DefaultFlushInterval
	}
	if options.Lookback <= 0 {
		options.Lookback = DefaultLookback
	}
	if options.MergeGap <= 0 {
		options.MergeGap = DefaultMergeGap
	}
	if options.NoisePackages == nil {
		options.NoisePackages = scrobblesdk.DefaultNoisePackages
	}
	if options.HeartbeatInterval <= 0 {
		options.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if options.ControlsInterval <= 0 {
		options.ControlsInterval = DefaultControlsInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		cancel:            cancel,
		closed:            make(chan struct{}),
		logger:            options.Logger,
		client:            options.Client,
		spool:             options.Spool,
		clock:             options.Clock,
		screen:            screenwatch.NewChannelSource(),
		event:             options.EventChannel,
		name:              options.DeviceName,
		platform:          options.Platform,
		enrollmentKey:     options.EnrollmentKey,
		deviceUID:         options.DeviceUID,
		flushInterval:     options.FlushInterval,
		lookback:          options.Lookback,
		mergeGap:          options.MergeGap,
		noise:             noiseSet(options.NoisePackages),
		heartbeatInterval: options.HeartbeatInterval,
		controlsInterval:  options.ControlsInterval,
	}

	tracker, err := screenwatch.New(a.logger.Named("screenwatch"), a.screen, a.recordScreenWindow)
	if err != nil {
		cancel()
		return nil, xerrors.Errorf("start screen tracker: %w", err)
	}
	a.tracker = tracker

	var events <-chan SourceEvent
	if options.Source != nil {
		events, err = options.Source.Events(ctx)
		if err != nil {
			cancel()
			_ = tracker.Close()
			return nil, xerrors.Errorf("open activity source: %w", err)
		}
	}

	go a.start(ctx, events)
	return a, nil
}

// Close stops every loop and waits for them. The spool stays open; the
// caller owns it.
func (a *Agent) Close() error {
	a.cancel()
	<-a.closed
	return a.tracker.Close()
}

// Controls returns the most recently fetched policy document.
func (a *Agent) Controls() scrobblesdk.Controls {
	a.controlsMu.RLock()
	defer a.controlsMu.RUnlock()
	return a.controls
}

func (a *Agent) start(ctx context.Context, events <-chan SourceEvent) {
	defer close(a.closed)

	// Nothing works without credentials, so settle them first.
	r := retry.New(time.Second, 30*time.Second)
	for {
		err := a.ensureCredentials(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		a.logger.Warn(ctx, "device not yet registered", slog.Error(err))
		if !r.Wait(ctx) {
			return
		}
	}

	if a.event != nil {
		select {
		case <-ctx.Done():
			return
		case a.event <- FlushEvent{Init: true}:
		}
	}

	var wg sync.WaitGroup
	if events != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.collectLoop(ctx, events)
		}()
	}
	wg.Add(3)
	go func() {
		defer wg.Done()
		a.flushLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		a.controlsLoop(ctx)
	}()
	wg.Wait()
}

// collectLoop demuxes the activity stream: app transitions into the spool's
// activity log, screen toggles into the tracker.
func (a *Agent) collectLoop(ctx context.Context, events <-chan SourceEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				a.logger.Debug(ctx, "activity source ended")
				return
			}
			a.observe(ctx, ev)
		}
	}
}

func (a *Agent) observe(ctx context.Context, ev SourceEvent) {
	at := ev.At
	if at.IsZero() {
		at = a.clock.Now()
	}
	switch ev.Kind {
	case SourceForeground, SourceBackground:
		if ev.App == "" {
			a.logger.Debug(ctx, "dropping app event without app key")
			return
		}
		kind := spool.EventForeground
		if ev.Kind == SourceBackground {
			kind = spool.EventBackground
		}
		err := a.spool.RecordAppEvent(ctx, spool.AppEvent{App: ev.App, Kind: kind, At: at})
		if err != nil && ctx.Err() == nil {
			a.logger.Error(ctx, "record app event", slog.Error(err))
		}
	case SourceScreenOn, SourceScreenOff:
		_ = a.screen.Push(ctx, screenwatch.Toggle{On: ev.Kind == SourceScreenOn, At: at})
	default:
		a.logger.Debug(ctx, "dropping unknown activity event", slog.F("kind", ev.Kind))
	}
}

func (a *Agent) recordScreenWindow(ctx context.Context, w screenwatch.Window) {
	err := a.spool.RecordScreenWindow(ctx, w)
	if err != nil && ctx.Err() == nil {
		a.logger.Error(ctx, "record screen window", slog.Error(err))
	}
}

func (a *Agent) flushLoop(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.MaxInterval = 30 * time.Second

	// Run once immediately so a restart settles carryover batches without
	// waiting out the first interval.
	a.runFlush(ctx, bo)
	for {
		timer := a.clock.NewTimer(a.flushInterval, "agent", "flush")
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		a.runFlush(ctx, bo)
	}
}

// runFlush retries one cycle until it succeeds, backing off between spool
// failures. Upload retries are not failures; the cycle handles those itself.
func (a *Agent) runFlush(ctx context.Context, bo backoff.BackOff) {
	for {
		ev, err := a.flushOnce(ctx)
		if err == nil {
			bo.Reset()
			if a.event != nil {
				select {
				case <-ctx.Done():
				case a.event <- ev:
				}
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		a.logger.Error(ctx, "flush failed", slog.Error(err))

		timer := a.clock.NewTimer(bo.NextBackOff(), "agent", "flushbackoff")
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// flushOnce runs one full cycle: settle carryover, scan the activity log
// from the cursor, derive validated items, enqueue and settle them, then
// prune activity that can never be scanned again.
func (a *Agent) flushOnce(ctx context.Context) (FlushEvent, error) {
	scanEnd := a.clock.Now()
	a.tracker.Checkpoint(ctx, scanEnd)

	var settled drainResult
	carry, err := a.drainQueue(ctx)
	if err != nil {
		return FlushEvent{}, err
	}
	settled.add(carry)

	cursor, err := a.spool.Cursor(ctx)
	if err != nil {
		return FlushEvent{}, err
	}
	scanStart := scanEnd.Add(-a.lookback)
	if cursor.After(scanStart) {
		scanStart = cursor
	}

	events, err := a.spool.AppEvents(ctx, scanStart, scanEnd)
	if err != nil {
		return FlushEvent{}, err
	}
	screens, err := a.spool.ScreenWindows(ctx, scanStart, scanEnd)
	if err != nil {
		return FlushEvent{}, err
	}

	sessions, open := sessionize(events, scanEnd)
	for _, app := range open {
		// Reopen still-foreground apps at the boundary so the next scan
		// resumes them. Last-write-wins pairing makes the rescan of the
		// original transition harmless.
		err := a.spool.RecordAppEvent(ctx, spool.AppEvent{App: app, Kind: spool.EventForeground, At: scanEnd})
		if err != nil {
			return FlushEvent{}, err
		}
	}

	merged := MergeSessions(sessions, a.mergeGap)
	clamped := ClampToScreen(merged, screens)
	kept := FilterNoise(clamped, a.noise, scrobblesdk.MinUsageDuration)
	if dropped := len(clamped) - len(kept); dropped > 0 {
		a.logger.Debug(ctx, "filtered noise sessions", slog.F("count", dropped))
	}

	flush := FlushEvent{
		ScanStart: scanStart,
		ScanEnd:   scanEnd,
		Sessions:  len(kept),
	}

	items := make([]scrobblesdk.UsageItem, 0, len(kept))
	for _, s := range kept {
		item := scrobblesdk.NewUsageItem(s.App, s.Start, s.End)
		if _, err := item.Validate(scanEnd); err != nil {
			flush.Dropped++
			a.logger.Debug(ctx, "dropping invalid session",
				slog.F("package", s.App),
				slog.Error(err),
			)
			continue
		}
		items = append(items, item)
	}
	flush.Items = len(items)

	if len(items) == 0 {
		moved, err := a.spool.AdvanceCursor(ctx, scanEnd)
		if err != nil {
			return FlushEvent{}, err
		}
		settled.advanced = settled.advanced || moved
	} else {
		for _, chunk := range chunkBatch(items) {
			if _, err := a.spool.EnqueueBatch(ctx, chunk, scanEnd); err != nil {
				return FlushEvent{}, err
			}
		}
		res, err := a.drainQueue(ctx)
		if err != nil {
			return FlushEvent{}, err
		}
		settled.add(res)
	}

	if _, err := a.spool.Prune(ctx, scanStart); err != nil {
		a.logger.Warn(ctx, "prune spool", slog.Error(err))
	}

	flush.Accepted = settled.accepted
	flush.Duplicates = settled.duplicates
	flush.Rejected = settled.rejected
	flush.CursorAdvanced = settled.advanced

	fields := []slog.Field{
		slog.F("scan_start", scanStart),
		slog.F("scan_end", scanEnd),
		slog.F("sessions", flush.Sessions),
		slog.F("accepted", flush.Accepted),
		slog.F("duplicates", flush.Duplicates),
		slog.F("rejected", flush.Rejected),
	}
	if flush.Items > 0 || flush.Dropped > 0 {
		a.logger.Info(ctx, "flushed usage", fields...)
	} else {
		a.logger.Debug(ctx, "flush cycle idle", fields...)
	}
	return flush, nil
}

type drainResult struct {
	accepted   int
	duplicates int
	rejected   int
	advanced   bool
}

func (d *drainResult) add(o drainResult) {
	d.accepted += o.accepted
	d.duplicates += o.duplicates
	d.rejected += o.rejected
	d.advanced = d.advanced || o.advanced
}

// drainQueue settles queued batches oldest first until the queue is empty.
func (a *Agent) drainQueue(ctx context.Context) (drainResult, error) {
	var drained drainResult
	for {
		batch, ok, err := a.spool.NextBatch(ctx)
		if err != nil {
			return drained, err
		}
		if !ok {
			return drained, nil
		}
		res, err := a.uploadBatch(ctx, batch)
		if err != nil {
			return drained, err
		}
		drained.add(res)
	}
}

// uploadBatch sends one batch through the retry state machine until the
// server settles it. Returns only on settlement or context cancellation.
func (a *Agent) uploadBatch(ctx context.Context, batch spool.Batch) (drainResult, error) {
	for attempt := 0; ; attempt++ {
		outcome := a.sendOnce(ctx, batch)
		if ctx.Err() != nil {
			return drainResult{}, ctx.Err()
		}

		state, action := Transition(outcome, attempt, rand.Float64())
		switch state {
		case StateSuccess:
			if err := a.spool.DropBatch(ctx, batch.ID); err != nil {
				return drainResult{}, err
			}
			res := drainResult{
				accepted:   outcome.Accepted,
				duplicates: outcome.Duplicates,
				rejected:   outcome.Rejected,
			}
			if action.Advance {
				moved, err := a.spool.AdvanceCursor(ctx, batch.ScanEnd)
				if err != nil {
					return drainResult{}, err
				}
				res.advanced = moved
			}
			return res, nil

		case StateFatal:
			a.logger.Warn(ctx, "batch rejected for its shape, resplitting",
				slog.F("status", outcome.StatusCode),
				slog.F("items", len(batch.Items)),
			)
			split, err := a.spool.SplitBatch(ctx, batch.ID)
			if err != nil {
				return drainResult{}, err
			}
			if !split {
				a.logger.Warn(ctx, "dropping single-item batch the server will not take",
					slog.F("status", outcome.StatusCode),
				)
			}
			// The halves re-enter the queue; the drain loop picks them up.
			return drainResult{}, nil

		case StateRetry:
			if action.Refresh {
				if err := a.refreshCredentials(ctx); err != nil && ctx.Err() == nil {
					a.logger.Warn(ctx, "credential refresh failed", slog.Error(err))
				}
			}
			if action.Delay > 0 {
				fields := []slog.Field{
					slog.F("attempt", attempt),
					slog.F("delay", action.Delay),
					slog.F("status", outcome.StatusCode),
				}
				if outcome.Err != nil {
					fields = append(fields, slog.Error(outcome.Err))
				}
				a.logger.Warn(ctx, "upload retry", fields...)

				timer := a.clock.NewTimer(action.Delay, "agent", "uploadretry")
				select {
				case <-ctx.Done():
					timer.Stop()
					return drainResult{}, ctx.Err()
				case <-timer.C:
				}
			}
		}
	}
}

// sendOnce performs one upload attempt and maps the result into the state
// machine's vocabulary. Per-item rejections are logged here, where the
// response detail is still at hand.
func (a *Agent) sendOnce(ctx context.Context, batch spool.Batch) Outcome {
	resp, err := a.client.PostUsage(ctx, scrobblesdk.UsageBatchRequest{Items: batch.Items})
	if err != nil {
		if apiErr, ok := scrobblesdk.AsError(err); ok {
			return Outcome{StatusCode: apiErr.StatusCode()}
		}
		return Outcome{Err: err}
	}
	for _, itemErr := range resp.Errors {
		a.logger.Debug(ctx, "server rejected item",
			slog.F("index", itemErr.Index),
			slog.F("code", itemErr.Code),
			slog.F("detail", itemErr.Error),
		)
	}
	return Outcome{
		StatusCode: http.StatusOK,
		Accepted:   resp.Accepted,
		Duplicates: resp.Duplicates,
		Rejected:   resp.Rejected,
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	r := retry.New(time.Second, a.heartbeatInterval)
	for {
		resp, err := a.client.PostHeartbeat(ctx, scrobblesdk.HeartbeatRequest{
			ClientVersion: buildinfo.Version(),
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if scrobblesdk.IsUnauthorized(err) {
				if rerr := a.refreshCredentials(ctx); rerr != nil && ctx.Err() == nil {
					a.logger.Warn(ctx, "credential refresh failed", slog.Error(rerr))
				}
			}
			a.logger.Warn(ctx, "heartbeat failed", slog.Error(err))
			if !r.Wait(ctx) {
				return
			}
			continue
		}
		r.Reset()

		next := a.heartbeatInterval
		if resp.NextHeartbeatIn > 0 {
			next = time.Duration(resp.NextHeartbeatIn) * time.Second
		}
		a.logger.Debug(ctx, "heartbeat", slog.F("next", next))

		timer := a.clock.NewTimer(next, "agent", "heartbeat")
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (a *Agent) controlsLoop(ctx context.Context) {
	for {
		controls, err := a.client.Controls(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn(ctx, "controls fetch failed", slog.Error(err))
		} else {
			a.storeControls(ctx, controls)
		}

		timer := a.clock.NewTimer(a.controlsInterval, "agent", "controls")
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (a *Agent) storeControls(ctx context.Context, controls scrobblesdk.Controls) {
	a.controlsMu.Lock()
	changed := !controls.UpdatedAt.Equal(a.controls.UpdatedAt)
	a.controls = controls
	a.controlsMu.Unlock()

	if changed {
		a.logger.Info(ctx, "controls updated",
			slog.F("rules", len(controls.Rules)),
			slog.F("updated_at", controls.UpdatedAt),
		)
	}
}

// ensureCredentials makes the client able to authenticate: spooled tokens
// when present, a fresh registration otherwise.
func (a *Agent) ensureCredentials(ctx context.Context) error {
	pair, err := a.spool.Credentials(ctx)
	if err != nil {
		return err
	}
	if pair.AccessToken != "" {
		a.client.SetSessionToken(pair.AccessToken)
		return nil
	}
	return a.register(ctx)
}

// refreshCredentials trades the refresh token for a new pair, falling back
// to re-registration when the refresh token is dead too.
func (a *Agent) refreshCredentials(ctx context.Context) error {
	pair, err := a.spool.Credentials(ctx)
	if err != nil {
		return err
	}
	if pair.RefreshToken != "" {
		fresh, err := a.client.RefreshDeviceToken(ctx, pair.RefreshToken)
		if err == nil {
			a.client.SetSessionToken(fresh.AccessToken)
			return a.spool.SetCredentials(ctx, fresh)
		}
		if ctx.Err() != nil {
			return err
		}
		a.logger.Warn(ctx, "token refresh rejected, re-registering", slog.Error(err))
	}
	return a.register(ctx)
}

func (a *Agent) register(ctx context.Context) error {
	if a.enrollmentKey == "" {
		return xerrors.New("no stored credentials and no enrollment key")
	}
	uid, err := a.ensureDeviceUID(ctx)
	if err != nil {
		return err
	}
	resp, err := a.client.RegisterDevice(ctx, scrobblesdk.RegisterDeviceRequest{
		DeviceUID:     uid,
		Name:          a.name,
		Platform:      a.platform,
		ClientVersion: buildinfo.Version(),
		AccountKey:    a.enrollmentKey,
	})
	if err != nil {
		return xerrors.Errorf("register device: %w", err)
	}
	a.client.SetSessionToken(resp.AccessToken)
	if err := a.spool.SetCredentials(ctx, resp.TokenPair); err != nil {
		return err
	}
	a.logger.Info(ctx, "registered device",
		slog.F("device_id", resp.Device.ID),
		slog.F("device_uid", uid),
	)
	return nil
}

// ensureDeviceUID returns the install's stable identifier, deriving and
// persisting one on first use. Persisting makes even the random fallback
// stable across restarts.
func (a *Agent) ensureDeviceUID(ctx context.Context) (string, error) {
	uid, err := a.spool.DeviceUID(ctx)
	if err != nil {
		return "", err
	}
	if uid != "" {
		return uid, nil
	}
	uid = a.deviceUID
	if uid == "" {
		uid = deriveDeviceUID()
	}
	if err := a.spool.SetDeviceUID(ctx, uid); err != nil {
		return "", err
	}
	return uid, nil
}

// deriveDeviceUID hashes stable host identifiers into 32 hex characters.
// When nothing stable is readable it falls back to a random value.
func deriveDeviceUID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return cryptorand.MustHexString(32)
	}
	h := sha256.New()
	_, _ = io.WriteString(h, hostname)
	if machineID, err := os.ReadFile("/etc/machine-id"); err == nil {
		_, _ = h.Write(machineID)
	}
	_, _ = io.WriteString(h, runtime.GOOS)
	return hex.EncodeToString(h.Sum(nil))[:32]
}
