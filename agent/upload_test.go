package agent_test

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coder/scrobble/agent"
)

func TestTransition(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		outcome agent.Outcome
		attempt int
		jitter  float64
		state   agent.State
		action  agent.Action
	}{
		{
			name:    "AcceptedSettles",
			outcome: agent.Outcome{StatusCode: 200, Accepted: 3},
			state:   agent.StateSuccess,
			action:  agent.Action{Advance: true},
		},
		{
			// A resend after a masked success comes back all duplicates;
			// the server holds every item, so the batch settles the same.
			name:    "DuplicatesSettle",
			outcome: agent.Outcome{StatusCode: 200, Duplicates: 2},
			state:   agent.StateSuccess,
			action:  agent.Action{Advance: true},
		},
		{
			name:    "AllRejectedSettlesWithoutAdvance",
			outcome: agent.Outcome{StatusCode: 200, Rejected: 4},
			state:   agent.StateSuccess,
			action:  agent.Action{},
		},
		{
			name:    "TransportErrorRetries",
			outcome: agent.Outcome{Err: io.ErrUnexpectedEOF},
			state:   agent.StateRetry,
			action:  agent.Action{Delay: time.Second},
		},
		{
			name:    "TransientDelayDoubles",
			outcome: agent.Outcome{StatusCode: 503},
			attempt: 3,
			state:   agent.StateRetry,
			action:  agent.Action{Delay: 8 * time.Second},
		},
		{
			name:    "TransientDelayCarriesJitter",
			outcome: agent.Outcome{StatusCode: 500},
			jitter:  0.5,
			state:   agent.StateRetry,
			action:  agent.Action{Delay: 1500 * time.Millisecond},
		},
		{
			name:    "TransientDelaySaturates",
			outcome: agent.Outcome{Err: io.ErrUnexpectedEOF},
			attempt: 9,
			jitter:  0.99,
			state:   agent.StateRetry,
			action:  agent.Action{Delay: agent.MaxTransientDelay},
		},
		{
			name:    "UnauthorizedRefreshesImmediately",
			outcome: agent.Outcome{StatusCode: 401},
			state:   agent.StateRetry,
			action:  agent.Action{Refresh: true},
		},
		{
			name:    "RepeatedUnauthorizedPaces",
			outcome: agent.Outcome{StatusCode: 401},
			attempt: 1,
			state:   agent.StateRetry,
			action:  agent.Action{Refresh: true, Delay: 2 * time.Second},
		},
		{
			name:    "RateLimitHonorsBody",
			outcome: agent.Outcome{StatusCode: 429, BackoffSeconds: 7},
			state:   agent.StateRetry,
			action:  agent.Action{Delay: 7 * time.Second},
		},
		{
			name:    "RateLimitDefaultsWithoutBody",
			outcome: agent.Outcome{StatusCode: 429},
			state:   agent.StateRetry,
			action:  agent.Action{Delay: agent.DefaultRateLimitDelay},
		},
		{
			name:    "PayloadTooLargeIsFatal",
			outcome: agent.Outcome{StatusCode: 413},
			state:   agent.StateFatal,
			action:  agent.Action{Resplit: true},
		},
		{
			name:    "MalformedEnvelopeIsFatal",
			outcome: agent.Outcome{StatusCode: 400},
			state:   agent.StateFatal,
			action:  agent.Action{Resplit: true},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			state, action := agent.Transition(tc.outcome, tc.attempt, tc.jitter)
			require.Equal(t, tc.state, state)
			require.Equal(t, tc.action, action)
		})
	}
}
