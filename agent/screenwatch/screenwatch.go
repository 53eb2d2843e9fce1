// Package screenwatch turns a stream of screen on/off toggles into completed
// screen-on windows. Platform notification facilities deliver toggles on
// their own callback timing; the tracker decouples that from the usage
// pipeline, which only ever reads materialized windows.
package screenwatch

import (
	"context"
	"sync"
	"time"

	"cdr.dev/slog/v3"
)

// Toggle is one observed screen state change.
type Toggle struct {
	On bool
	At time.Time
}

// Window is a completed interval during which the screen stayed on. The
// clamper trims app sessions against these.
type Window struct {
	Start time.Time
	End   time.Time
}

// Source streams screen toggles. Implementations wrap whatever the platform
// offers; the agent bridges its activity stream through a ChannelSource.
type Source interface {
	// Toggles returns a channel of state changes. The channel closes when
	// the source shuts down; consumers also stop when ctx is done.
	Toggles(ctx context.Context) (<-chan Toggle, error)
}

// ChannelSource is a Source fed by hand.
type ChannelSource struct {
	ch chan Toggle
}

func NewChannelSource() *ChannelSource {
	return &ChannelSource{ch: make(chan Toggle)}
}

func (s *ChannelSource) Toggles(_ context.Context) (<-chan Toggle, error) {
	return s.ch, nil
}

// Push delivers one toggle, blocking until the consumer takes it or ctx is
// done.
func (s *ChannelSource) Push(ctx context.Context, t Toggle) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.ch <- t:
		return nil
	}
}

// Tracker consumes a Source and materializes completed screen-on windows
// through the record callback. New starts the consumer; Close stops it.
//
// Record runs on the tracker's goroutine for windows closed by a toggle and
// on the caller's goroutine for windows closed by Checkpoint.
type Tracker struct {
	cancel context.CancelFunc
	closed chan struct{}
	logger slog.Logger
	record func(context.Context, Window)

	mu      sync.Mutex
	on      bool
	onSince time.Time
}

func New(logger slog.Logger, source Source, record func(context.Context, Window)) (*Tracker, error) {
	ctx, cancel := context.WithCancel(context.Background())

	t := &Tracker{
		cancel: cancel,
		closed: make(chan struct{}),
		logger: logger,
		record: record,
	}

	toggles, err := source.Toggles(ctx)
	if err != nil {
		cancel()
		close(t.closed)
		return nil, err
	}
	go t.start(ctx, toggles)

	return t, nil
}

func (t *Tracker) start(ctx context.Context, toggles <-chan Toggle) {
	defer close(t.closed)
	for {
		select {
		case <-ctx.Done():
			return
		case tog, ok := <-toggles:
			if !ok {
				return
			}
			t.observe(ctx, tog)
		}
	}
}

func (t *Tracker) observe(ctx context.Context, tog Toggle) {
	t.mu.Lock()
	var done *Window
	switch {
	case tog.On && !t.on:
		t.on = true
		t.onSince = tog.At
	case !tog.On && t.on:
		t.on = false
		if tog.At.After(t.onSince) {
			done = &Window{Start: t.onSince, End: tog.At}
		}
	default:
		// A repeated ON keeps the original start; an OFF with the screen
		// already off carries no information.
	}
	t.mu.Unlock()

	if done != nil {
		t.logger.Debug(ctx, "screen window completed",
			slog.F("start", done.Start),
			slog.F("duration", done.End.Sub(done.Start)),
		)
		t.record(ctx, *done)
	}
}

// Checkpoint materializes the elapsed part of an open screen-on window up to
// now and restarts the window there. The flush loop calls this at each scan
// boundary so sessions ending mid-window still clamp against observed screen
// time.
func (t *Tracker) Checkpoint(ctx context.Context, now time.Time) {
	t.mu.Lock()
	var done *Window
	if t.on && now.After(t.onSince) {
		done = &Window{Start: t.onSince, End: now}
		t.onSince = now
	}
	t.mu.Unlock()

	if done != nil {
		t.record(ctx, *done)
	}
}

// Close stops the consumer and waits for it.
func (t *Tracker) Close() error {
	t.cancel()
	<-t.closed
	return nil
}
