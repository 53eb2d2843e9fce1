package scrobblesdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/xerrors"
)

// Shared validation thresholds. The agent enforces these before upload and the
// server enforces them again on intake, so a stale or misbehaving client can
// never widen them.
const (
	// MinUsageDuration is the floor below which an item is treated as
	// measurement jitter rather than real usage.
	MinUsageDuration = 5 * time.Second
	// MaxUsageDuration caps a single usage window.
	MaxUsageDuration = 8 * time.Hour
	// ClockSkewGrace is how far into the future a window may end before it is
	// rejected as clock skew.
	ClockSkewGrace = 5 * time.Minute
)

// Batch ceilings. Batches exceeding either are rejected wholesale so the
// client can resplit; partial acceptance of an oversized batch is never
// attempted.
const (
	MaxBatchItems = 100
	MaxBatchBytes = 1 << 20
)

// DefaultNoisePackages are launcher-class surfaces that rack up foreground
// time without representing real app usage. The agent drops their sessions
// before upload and the daily rollup excludes them from per-app session
// summaries. Deployments extend the set through configuration.
var DefaultNoisePackages = []string{
	"com.google.android.apps.nexuslauncher",
	"com.android.launcher",
	"com.android.launcher3",
	"com.samsung.android.launcher",
	"com.miui.home",
	"com.microsoft.launcher",
}

// ReasonCode labels why an item was rejected. Codes are stable wire values;
// clients log them and never retry the rejected item unmodified.
type ReasonCode string

const (
	ReasonInvalidType            ReasonCode = "invalid_type"
	ReasonMissingField           ReasonCode = "missing_field"
	ReasonInvalidDuration        ReasonCode = "invalid_duration"
	ReasonNonPositiveDuration    ReasonCode = "non_positive_duration"
	ReasonBackgroundEvent        ReasonCode = "background_event"
	ReasonDurationBelowThreshold ReasonCode = "duration_below_threshold"
	ReasonInvalidISO             ReasonCode = "invalid_iso"
	ReasonTimezone               ReasonCode = "timezone"
	ReasonEndNotAfterStart       ReasonCode = "end_not_after_start"
	ReasonWindowTooLong          ReasonCode = "window_too_long"
	ReasonClockSkew              ReasonCode = "clock_skew"
	ReasonUnsupportedItem        ReasonCode = "unsupported_item"
	ReasonInvalidEntry           ReasonCode = "invalid_entry"
)

// Rejection describes why one item failed validation. It implements error so
// intake paths can wrap and log it, but a rejection is terminal for the item
// only and never escalates to the batch.
type Rejection struct {
	Code   ReasonCode
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Detail)
}

func reject(code ReasonCode, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// AsRejection attempts to convert err to a *Rejection.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	return r, xerrors.As(err, &r)
}

// UsageItem is one clamped, filtered app usage window in the session-form
// envelope. Window instants travel as strings so intake can distinguish an
// unparseable instant from one missing an explicit zone marker.
type UsageItem struct {
	Package     string `json:"package"`
	TotalMS     int64  `json:"totalMs"`
	WindowStart string `json:"windowStart"`
	WindowEnd   string `json:"windowEnd"`

	// Decode state for the tolerant field aliases, set by UnmarshalJSON.
	durationMissing bool
	durationInvalid bool
}

// NewUsageItem builds a wire item from parsed values. Instants are formatted
// in UTC with an explicit zone marker, which the validator requires.
func NewUsageItem(pkg string, start, end time.Time) UsageItem {
	return UsageItem{
		Package:     pkg,
		TotalMS:     end.Sub(start).Milliseconds(),
		WindowStart: start.UTC().Format(time.RFC3339Nano),
		WindowEnd:   end.UTC().Format(time.RFC3339Nano),
	}
}

// UnmarshalJSON accepts the field aliases older clients send: package may
// arrive as "app" or "app_package", totalMs as "total_ms" or "durationMs".
func (i *UsageItem) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*i = UsageItem{}
	i.Package = firstString(raw, "package", "app_package", "app")
	i.WindowStart = firstString(raw, "windowStart", "window_start", "start")
	i.WindowEnd = firstString(raw, "windowEnd", "window_end", "end")

	ms, found, valid := firstInt(raw, "totalMs", "total_ms", "durationMs", "duration_ms")
	i.TotalMS = ms
	i.durationMissing = !found
	i.durationInvalid = found && !valid
	return nil
}

func firstString(raw map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		data, ok := raw[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			return s
		}
	}
	return ""
}

func firstInt(raw map[string]json.RawMessage, keys ...string) (value int64, found, valid bool) {
	for _, key := range keys {
		data, ok := raw[key]
		if !ok {
			continue
		}
		var n int64
		if err := json.Unmarshal(data, &n); err == nil {
			return n, true, true
		}
		// A float with no fractional part is close enough; any other shape
		// is an invalid duration, not a missing one.
		var f float64
		if err := json.Unmarshal(data, &f); err == nil && f == float64(int64(f)) {
			return int64(f), true, true
		}
		return 0, true, false
	}
	return 0, false, false
}

// UsageWindow is the parsed, validated form of a UsageItem.
type UsageWindow struct {
	Package    string
	Start      time.Time
	End        time.Time
	DurationMS int64
}

// Seconds returns the aggregation contribution of the window: total
// milliseconds rounded up, with a floor of one second for any accepted item.
func (w UsageWindow) Seconds() int64 {
	return DurationSeconds(w.DurationMS)
}

// DurationSeconds converts milliseconds to whole seconds, rounding up, with a
// floor of one. An item that survived validation always counts for something.
func DurationSeconds(totalMS int64) int64 {
	secs := (totalMS + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Validate applies the shared item checks in order and returns the parsed
// window, or a *Rejection for the first failed check. The identical function
// runs in the agent before upload, in the ingest gateway, and again in the
// stream processor; a failure of one item never affects its siblings.
func (i UsageItem) Validate(now time.Time) (UsageWindow, error) {
	if i.Package == "" {
		return UsageWindow{}, reject(ReasonMissingField, "package is required")
	}
	if i.WindowStart == "" || i.WindowEnd == "" {
		return UsageWindow{}, reject(ReasonMissingField, "windowStart and windowEnd are required")
	}
	if i.durationMissing {
		return UsageWindow{}, reject(ReasonInvalidDuration, "totalMs is required")
	}
	if i.durationInvalid {
		return UsageWindow{}, reject(ReasonInvalidDuration, "totalMs must be an integer")
	}
	if i.TotalMS <= 0 {
		return UsageWindow{}, reject(ReasonNonPositiveDuration, "totalMs must be positive, got %d", i.TotalMS)
	}

	start, startOK, startZoned := parseInstant(i.WindowStart)
	end, endOK, endZoned := parseInstant(i.WindowEnd)
	if !startOK || !endOK {
		return UsageWindow{}, reject(ReasonInvalidISO, "window instants must be RFC 3339 timestamps")
	}
	if !startZoned || !endZoned {
		return UsageWindow{}, reject(ReasonTimezone, "window instants must carry an explicit zone marker")
	}
	if !end.After(start) {
		return UsageWindow{}, reject(ReasonEndNotAfterStart, "windowEnd must be after windowStart")
	}
	if end.Sub(start) > MaxUsageDuration {
		return UsageWindow{}, reject(ReasonWindowTooLong, "window exceeds %s", MaxUsageDuration)
	}
	if end.After(now.Add(ClockSkewGrace)) {
		return UsageWindow{}, reject(ReasonClockSkew, "windowEnd is more than %s in the future", ClockSkewGrace)
	}
	if time.Duration(i.TotalMS)*time.Millisecond < MinUsageDuration {
		return UsageWindow{}, reject(ReasonDurationBelowThreshold, "below the %s usage floor", MinUsageDuration)
	}

	return UsageWindow{
		Package:    i.Package,
		Start:      start.UTC(),
		End:        end.UTC(),
		DurationMS: i.TotalMS,
	}, nil
}

// parseInstant parses a wire timestamp. ok reports a syntactically valid
// instant; zoned reports that it carried an explicit zone marker. A valid but
// zone-naive instant is the one case the two differ.
func parseInstant(s string) (t time.Time, ok, zoned bool) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t, true, true
	}
	t, err = time.Parse("2006-01-02T15:04:05.999999999", s)
	if err == nil {
		return t, true, false
	}
	// A space separator is tolerated the same way.
	t, err = time.Parse("2006-01-02 15:04:05.999999999", strings.TrimSuffix(s, "Z"))
	if err == nil {
		return t, true, strings.HasSuffix(s, "Z")
	}
	return time.Time{}, false, false
}

// UsageBatchRequest is the session-form upload envelope.
type UsageBatchRequest struct {
	Items []UsageItem `json:"items" validate:"required"`
}

// UsageItemError pinpoints one rejected item in a batch.
type UsageItemError struct {
	Index int        `json:"index"`
	Error string     `json:"error"`
	Code  ReasonCode `json:"code"`
}

// UsageBatchResponse reports per-item intake results. Duplicates are not
// errors; they resolve to accepted-as-already-processed.
type UsageBatchResponse struct {
	Accepted   int              `json:"accepted"`
	Duplicates int              `json:"duplicates"`
	Rejected   int              `json:"rejected"`
	Errors     []UsageItemError `json:"errors,omitempty"`
}

// PostUsage uploads a session-form batch.
func (c *Client) PostUsage(ctx context.Context, req UsageBatchRequest) (UsageBatchResponse, error) {
	res, err := c.Request(ctx, http.MethodPost, "/api/v1/usage/batch", req)
	if err != nil {
		return UsageBatchResponse{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return UsageBatchResponse{}, ReadBodyAsError(res)
	}
	var resp UsageBatchResponse
	return resp, json.NewDecoder(res.Body).Decode(&resp)
}

// ValidateUsage submits a batch to the dry-run surface. The envelope and the
// response are identical to PostUsage, but nothing is persisted.
func (c *Client) ValidateUsage(ctx context.Context, req UsageBatchRequest) (UsageBatchResponse, error) {
	res, err := c.Request(ctx, http.MethodPost, "/api/v1/usage/validate", req)
	if err != nil {
		return UsageBatchResponse{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return UsageBatchResponse{}, ReadBodyAsError(res)
	}
	var resp UsageBatchResponse
	return resp, json.NewDecoder(res.Body).Decode(&resp)
}
