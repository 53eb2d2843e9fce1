package testutil

import (
	"context"
	"testing"
	"time"
)

// Constants for timing out operations in tests. Use the smallest unit that
// gives the operation a comfortable margin, never as a sleep.
const (
	WaitShort     = 10 * time.Second
	WaitMedium    = 15 * time.Second
	WaitLong      = 25 * time.Second
	WaitSuperLong = 60 * time.Second
)

// Constants for polling intervals in tests.
const (
	IntervalFast   = 25 * time.Millisecond
	IntervalMedium = 250 * time.Millisecond
	IntervalSlow   = time.Second
)

// Context returns a context whose timeout starts on first use and resets when
// the test advances to a new location, so long setup does not eat into the
// time allowed for later assertions. It is canceled on test cleanup.
func Context(t testing.TB, dur time.Duration) context.Context {
	return newLazyTimeoutContext(t, dur)
}
