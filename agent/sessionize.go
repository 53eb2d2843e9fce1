package agent

import (
	"sort"
	"time"

	"github.com/coder/scrobble/agent/screenwatch"
	"github.com/coder/scrobble/agent/spool"
)

// Session is one contiguous foreground interval for a single app.
type Session struct {
	App   string
	Start time.Time
	End   time.Time
}

// Duration returns the session length.
func (s Session) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Sessionize pairs an ordered stream of foreground/background transitions
// into sessions. A FOREGROUND overwrites any pending start for its app (last
// write wins, the earlier unmatched start is discarded silently). A
// BACKGROUND emits a session only when a pending start exists and strictly
// precedes it; otherwise it is dropped silently.
func Sessionize(events []spool.AppEvent) []Session {
	sessions, _ := sessionize(events, time.Time{})
	return sessions
}

// sessionize additionally finalizes apps still in the foreground when
// finalizeAt is non-zero: each pending start emits a session ending at the
// boundary and the app is reported open so the caller can reopen it for the
// next scan. Finalized sessions are appended in app order for determinism.
func sessionize(events []spool.AppEvent, finalizeAt time.Time) ([]Session, []string) {
	pending := make(map[string]time.Time)
	var sessions []Session
	for _, ev := range events {
		switch ev.Kind {
		case spool.EventForeground:
			pending[ev.App] = ev.At
		case spool.EventBackground:
			start, ok := pending[ev.App]
			if !ok || !ev.At.After(start) {
				continue
			}
			delete(pending, ev.App)
			sessions = append(sessions, Session{App: ev.App, Start: start, End: ev.At})
		}
	}

	if finalizeAt.IsZero() {
		return sessions, nil
	}
	open := make([]string, 0, len(pending))
	for app := range pending {
		open = append(open, app)
	}
	sort.Strings(open)
	for _, app := range open {
		if start := pending[app]; finalizeAt.After(start) {
			sessions = append(sessions, Session{App: app, Start: start, End: finalizeAt})
		}
	}
	return sessions, open
}

// MergeSessions coalesces same-app sessions separated by at most gap,
// extending the earlier session's end. The boundary is inclusive: a session
// starting exactly gap after the previous end still merges. Input order does
// not matter; output is sorted by start.
func MergeSessions(sessions []Session, gap time.Duration) []Session {
	if len(sessions) == 0 {
		return nil
	}
	sorted := make([]Session, len(sessions))
	copy(sorted, sessions)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Start.Equal(sorted[j].Start) {
			return sorted[i].Start.Before(sorted[j].Start)
		}
		return sorted[i].App < sorted[j].App
	})

	last := make(map[string]int)
	merged := make([]Session, 0, len(sorted))
	for _, s := range sorted {
		if i, ok := last[s.App]; ok && !s.Start.After(merged[i].End.Add(gap)) {
			if s.End.After(merged[i].End) {
				merged[i].End = s.End
			}
			continue
		}
		merged = append(merged, s)
		last[s.App] = len(merged) - 1
	}
	return merged
}

// ClampToScreen trims sessions to observed screen-on time. Overlap is
// accumulated against every window: a session with any overlap is emitted
// spanning its first to its last overlapping instant, and a session with
// none is discarded entirely.
func ClampToScreen(sessions []Session, screens []screenwatch.Window) []Session {
	if len(sessions) == 0 {
		return nil
	}
	var clamped []Session
	for _, s := range sessions {
		var (
			overlap     time.Duration
			first, last time.Time
		)
		for _, w := range screens {
			start := laterOf(s.Start, w.Start)
			end := earlierOf(s.End, w.End)
			if !end.After(start) {
				continue
			}
			if overlap == 0 || start.Before(first) {
				first = start
			}
			if overlap == 0 || end.After(last) {
				last = end
			}
			overlap += end.Sub(start)
		}
		if overlap <= 0 {
			continue
		}
		clamped = append(clamped, Session{App: s.App, Start: first, End: last})
	}
	return clamped
}

// FilterNoise drops launcher-class noise packages and sessions below the
// usage floor. Both drops are expected measurement jitter, logged at debug
// by the caller, never errors.
func FilterNoise(sessions []Session, noise map[string]struct{}, floor time.Duration) []Session {
	var kept []Session
	for _, s := range sessions {
		if _, ok := noise[s.App]; ok {
			continue
		}
		if s.Duration() < floor {
			continue
		}
		kept = append(kept, s)
	}
	return kept
}

func noiseSet(packages []string) map[string]struct{} {
	set := make(map[string]struct{}, len(packages))
	for _, pkg := range packages {
		set[pkg] = struct{}{}
	}
	return set
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlierOf(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
