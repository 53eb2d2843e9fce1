package agent

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/scrobble/scrobblesdk"
)

// Upload state machine:
//
//	IDLE → SENDING → SUCCESS   2xx, batch settled
//	               → RETRY     401 (refresh first), 429, 5xx, transport
//	               → FATAL     other 4xx, batch must be reshaped
//
// Transition is pure; the uploader owns every side effect it prescribes
// (delays, credential refresh, resplit, cursor advance).

// State identifies an upload state.
type State int

const (
	StateIdle State = iota
	StateSending
	StateSuccess
	StateRetry
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateSuccess:
		return "success"
	case StateRetry:
		return "retry"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the observed result of one send attempt.
type Outcome struct {
	// StatusCode is zero when the request never reached the server.
	StatusCode int
	// Err is the transport error when StatusCode is zero.
	Err error
	// Accepted, Duplicates and Rejected summarize a 2xx body. A duplicate
	// settles exactly like an accepted item: the server already holds it.
	Accepted   int
	Duplicates int
	Rejected   int
	// BackoffSeconds is the advisory delay from a 429 body, zero when
	// absent.
	BackoffSeconds int
}

// Action is what the uploader must do with the batch next.
type Action struct {
	// Delay before the next attempt.
	Delay time.Duration
	// Refresh credentials before resending.
	Refresh bool
	// Resplit the batch: it was rejected for its shape, not its content,
	// and must never be resent identically.
	Resplit bool
	// Advance the cursor: the server confirmed holding at least one item.
	Advance bool
}

const (
	// DefaultRateLimitDelay applies to a 429 carrying no advisory delay.
	DefaultRateLimitDelay = 30 * time.Second
	// MaxTransientDelay caps the exponential backoff for 5xx and transport
	// failures. Attempts are unbounded; only the delay saturates.
	MaxTransientDelay = 60 * time.Second
)

// Transition computes the state after one send attempt. attempt counts prior
// attempts for this batch, zero on the first. jitter in [0,1) spreads
// transient retry delays across a fleet; tests pass a constant.
func Transition(outcome Outcome, attempt int, jitter float64) (State, Action) {
	switch {
	case outcome.StatusCode == 0:
		return StateRetry, Action{Delay: transientDelay(attempt, jitter)}
	case outcome.StatusCode/100 == 2:
		return StateSuccess, Action{Advance: outcome.Accepted+outcome.Duplicates > 0}
	case outcome.StatusCode == http.StatusUnauthorized:
		action := Action{Refresh: true}
		if attempt > 0 {
			// The previous refresh did not take; pace the loop instead of
			// hammering the token endpoint.
			action.Delay = transientDelay(attempt, jitter)
		}
		return StateRetry, action
	case outcome.StatusCode == http.StatusTooManyRequests:
		delay := DefaultRateLimitDelay
		if outcome.BackoffSeconds > 0 {
			delay = time.Duration(outcome.BackoffSeconds) * time.Second
		}
		return StateRetry, Action{Delay: delay}
	case outcome.StatusCode/100 == 5:
		return StateRetry, Action{Delay: transientDelay(attempt, jitter)}
	default:
		// Any other 4xx means this batch shape will never be accepted.
		return StateFatal, Action{Resplit: true}
	}
}

// transientDelay is min(MaxTransientDelay, 2^attempt + jitter) seconds.
func transientDelay(attempt int, jitter float64) time.Duration {
	if attempt > 6 {
		attempt = 6
	}
	delay := time.Duration(1<<attempt)*time.Second + time.Duration(jitter*float64(time.Second))
	if delay > MaxTransientDelay {
		delay = MaxTransientDelay
	}
	return delay
}

// chunkBatch splits validated items into upload-sized batches honoring both
// the item-count and the encoded-byte ceiling.
func chunkBatch(items []scrobblesdk.UsageItem) [][]scrobblesdk.UsageItem {
	// Envelope plus per-item separators; generous enough that a chunk
	// passing this estimate always encodes under the ceiling.
	const envelopeOverhead = 64

	var (
		chunks  [][]scrobblesdk.UsageItem
		current []scrobblesdk.UsageItem
		size    = envelopeOverhead
	)
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			// UsageItem marshals from plain strings and integers; treat a
			// failure as a zero-sized item rather than dropping it.
			data = nil
		}
		itemSize := len(data) + 1
		if len(current) > 0 && (len(current) >= scrobblesdk.MaxBatchItems || size+itemSize > scrobblesdk.MaxBatchBytes) {
			chunks = append(chunks, current)
			current = nil
			size = envelopeOverhead
		}
		current = append(current, item)
		size += itemSize
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}
