package screenwatch_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/slogtest"

	"github.com/coder/scrobble/agent/screenwatch"
	"github.com/coder/scrobble/testutil"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// startTracker wires a tracker whose completed windows land on the returned
// channel. The channel is buffered because Checkpoint records on the
// caller's goroutine.
func startTracker(t *testing.T) (*screenwatch.ChannelSource, *screenwatch.Tracker, <-chan screenwatch.Window) {
	t.Helper()
	logger := slogtest.Make(t, nil).Named("screenwatch").Leveled(slog.LevelDebug)

	source := screenwatch.NewChannelSource()
	windows := make(chan screenwatch.Window, 8)
	tracker, err := screenwatch.New(logger, source, func(ctx context.Context, w screenwatch.Window) {
		select {
		case windows <- w:
		case <-ctx.Done():
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, tracker.Close())
	})
	return source, tracker, windows
}

func TestTracker_MaterializesWindows(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	source, _, windows := startTracker(t)

	require.NoError(t, source.Push(ctx, screenwatch.Toggle{On: true, At: base}))
	require.NoError(t, source.Push(ctx, screenwatch.Toggle{On: false, At: base.Add(30 * time.Second)}))
	w := testutil.RequireReceive(ctx, t, windows)
	require.Equal(t, screenwatch.Window{Start: base, End: base.Add(30 * time.Second)}, w)

	require.NoError(t, source.Push(ctx, screenwatch.Toggle{On: true, At: base.Add(time.Minute)}))
	require.NoError(t, source.Push(ctx, screenwatch.Toggle{On: false, At: base.Add(90 * time.Second)}))
	w = testutil.RequireReceive(ctx, t, windows)
	require.Equal(t, screenwatch.Window{Start: base.Add(time.Minute), End: base.Add(90 * time.Second)}, w)
}

func TestTracker_IgnoresRedundantToggles(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	source, _, windows := startTracker(t)

	// An OFF with the screen already off carries nothing.
	require.NoError(t, source.Push(ctx, screenwatch.Toggle{On: false, At: base.Add(-time.Minute)}))

	// A repeated ON keeps the original start.
	require.NoError(t, source.Push(ctx, screenwatch.Toggle{On: true, At: base}))
	require.NoError(t, source.Push(ctx, screenwatch.Toggle{On: true, At: base.Add(10 * time.Second)}))
	require.NoError(t, source.Push(ctx, screenwatch.Toggle{On: false, At: base.Add(30 * time.Second)}))

	w := testutil.RequireReceive(ctx, t, windows)
	require.Equal(t, screenwatch.Window{Start: base, End: base.Add(30 * time.Second)}, w)
}

func TestTracker_DropsEmptyWindow(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	source, _, windows := startTracker(t)

	// ON and OFF at the same instant spans nothing.
	require.NoError(t, source.Push(ctx, screenwatch.Toggle{On: true, At: base}))
	require.NoError(t, source.Push(ctx, screenwatch.Toggle{On: false, At: base}))

	// The next real window is the first thing recorded.
	require.NoError(t, source.Push(ctx, screenwatch.Toggle{On: true, At: base.Add(time.Minute)}))
	require.NoError(t, source.Push(ctx, screenwatch.Toggle{On: false, At: base.Add(2 * time.Minute)}))
	w := testutil.RequireReceive(ctx, t, windows)
	require.Equal(t, screenwatch.Window{Start: base.Add(time.Minute), End: base.Add(2 * time.Minute)}, w)
}

func TestTracker_Checkpoint(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	source, tracker, windows := startTracker(t)

	require.NoError(t, source.Push(ctx, screenwatch.Toggle{On: true, At: base}))
	// The second handoff only completes once the first toggle is fully
	// processed; the repeat itself is ignored.
	require.NoError(t, source.Push(ctx, screenwatch.Toggle{On: true, At: base}))

	// Checkpoint materializes the elapsed part and restarts the window, so
	// the eventual OFF only covers the remainder.
	tracker.Checkpoint(ctx, base.Add(20*time.Second))
	w := testutil.RequireReceive(ctx, t, windows)
	require.Equal(t, screenwatch.Window{Start: base, End: base.Add(20 * time.Second)}, w)

	require.NoError(t, source.Push(ctx, screenwatch.Toggle{On: false, At: base.Add(30 * time.Second)}))
	w = testutil.RequireReceive(ctx, t, windows)
	require.Equal(t, screenwatch.Window{Start: base.Add(20 * time.Second), End: base.Add(30 * time.Second)}, w)
}

func TestTracker_CheckpointIdle(t *testing.T) {
	t.Parallel()

	ctx := testutil.Context(t, testutil.WaitShort)
	source, tracker, windows := startTracker(t)

	// Nothing on, nothing to materialize.
	tracker.Checkpoint(ctx, base)

	require.NoError(t, source.Push(ctx, screenwatch.Toggle{On: true, At: base.Add(time.Minute)}))
	require.NoError(t, source.Push(ctx, screenwatch.Toggle{On: false, At: base.Add(2 * time.Minute)}))
	w := testutil.RequireReceive(ctx, t, windows)
	require.Equal(t, screenwatch.Window{Start: base.Add(time.Minute), End: base.Add(2 * time.Minute)}, w)
}
