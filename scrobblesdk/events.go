package scrobblesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// EventKind labels what a raw event measured.
type EventKind string

const (
	// EventKindAppUsage is foreground time attributed to one app.
	EventKindAppUsage EventKind = "app_usage"
	// EventKindAppSession is a completed, gap-merged app session.
	EventKindAppSession EventKind = "app_session"
	// EventKindScreenTime is aggregate screen-on time not attributed to an app.
	EventKindScreenTime EventKind = "screen_time"
)

// Valid reports whether the kind is one the pipeline aggregates.
func (k EventKind) Valid() bool {
	switch k {
	case EventKindAppUsage, EventKindAppSession, EventKindScreenTime:
		return true
	default:
		return false
	}
}

// Event is one raw-form usage event. ID is the stable dedup identifier: a
// resent event carries the same ID, and the processor aggregates it at most
// once.
type Event struct {
	ID uuid.UUID `json:"event_id" validate:"required"`
	// TS is the event instant in epoch milliseconds.
	TS   int64     `json:"ts" validate:"required"`
	Kind EventKind `json:"kind" validate:"required"`
	Key  string    `json:"key" validate:"required"`
	// Secs is the usage contribution in whole seconds.
	Secs   int64             `json:"secs"`
	Extras map[string]string `json:"extras,omitempty"`
}

// Time returns the event instant.
func (e Event) Time() time.Time {
	return time.UnixMilli(e.TS).UTC()
}

// EventBatchRequest is the raw-form upload envelope.
type EventBatchRequest struct {
	DeviceID      uuid.UUID `json:"device_id" validate:"required"`
	SequenceStart int64     `json:"sequence_start"`
	Events        []Event   `json:"events" validate:"required,dive"`
	ClientVersion string    `json:"client_version"`
}

// EventBatchResponse acknowledges events that were durably queued.
// BackoffSeconds above zero asks the client to pause before its next upload;
// it is advisory backpressure, not an error.
type EventBatchResponse struct {
	AcknowledgedIDs []uuid.UUID `json:"acknowledged_ids"`
	BackoffSeconds  int         `json:"backoff_seconds"`
}

// PostEvents uploads a raw-form batch. A 200 means every acknowledged event
// is durably queued; aggregation happens asynchronously.
func (c *Client) PostEvents(ctx context.Context, req EventBatchRequest) (EventBatchResponse, error) {
	res, err := c.Request(ctx, http.MethodPost, "/api/v1/events/batch", req)
	if err != nil {
		return EventBatchResponse{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return EventBatchResponse{}, ReadBodyAsError(res)
	}
	var resp EventBatchResponse
	return resp, json.NewDecoder(res.Body).Decode(&resp)
}
