package scrobbled

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"cdr.dev/slog/v3"

	"github.com/coder/scrobble/scrobbled/database"
	"github.com/coder/scrobble/scrobbled/database/dbtime"
	"github.com/coder/scrobble/scrobbled/httpapi"
	"github.com/coder/scrobble/scrobbled/httpmw"
	"github.com/coder/scrobble/scrobblesdk"
)

func (api *api) postEventsBatch(rw http.ResponseWriter, r *http.Request) {
	device := httpmw.Device(r)

	var req scrobblesdk.EventBatchRequest
	if !httpapi.Read(rw, r, &req) {
		return
	}
	if req.DeviceID != device.ID {
		httpapi.Write(rw, http.StatusForbidden, scrobblesdk.Response{
			Message: "Envelope device does not match the authenticated device.",
		})
		return
	}
	if len(req.Events) > scrobblesdk.MaxBatchItems {
		httpapi.Write(rw, http.StatusRequestEntityTooLarge, scrobblesdk.Response{
			Message: fmt.Sprintf("Batch must not exceed %d events.", scrobblesdk.MaxBatchItems),
		})
		return
	}

	params := database.InsertUsageEventsParams{
		EventIDs:   make([]uuid.UUID, 0, len(req.Events)),
		AccountID:  device.AccountID,
		DeviceID:   device.ID,
		Partition:  database.PartitionForDevice(device.ID, api.QueuePartitions),
		Kinds:      make([]string, 0, len(req.Events)),
		Keys:       make([]string, 0, len(req.Events)),
		Secs:       make([]int64, 0, len(req.Events)),
		EventTimes: make([]time.Time, 0, len(req.Events)),
		EnqueuedAt: dbtime.Now(),
	}
	acked := make([]uuid.UUID, 0, len(req.Events))
	for _, event := range req.Events {
		params.EventIDs = append(params.EventIDs, event.ID)
		params.Kinds = append(params.Kinds, string(event.Kind))
		params.Keys = append(params.Keys, event.Key)
		params.Secs = append(params.Secs, event.Secs)
		params.EventTimes = append(params.EventTimes, event.Time())
		acked = append(acked, event.ID)
	}

	_, err := api.Database.InsertUsageEvents(r.Context(), params)
	if err != nil {
		httpapi.InternalServerError(rw, err)
		return
	}
	// The insert skips event IDs that are already queued, but resends still
	// receive their full acknowledgement. An ack means "stop resending", not
	// "newly queued". Semantic checks happen in the processor, which
	// dead-letters what it cannot aggregate.

	err = api.Pubsub.Publish(database.UsageEventsNotifyChannel, []byte{})
	if err != nil {
		// The processor polls as a fallback, so a failed wakeup only delays
		// aggregation.
		api.Logger.Warn(r.Context(), "publish queue wakeup", slog.Error(err))
	}

	depth, err := api.Database.GetUsageEventQueueDepth(r.Context())
	if err != nil {
		// The batch is durably queued; do not retract the ack over a failed
		// depth read.
		api.Logger.Warn(r.Context(), "read queue depth", slog.Error(err))
		depth = 0
	}
	httpapi.Write(rw, http.StatusOK, scrobblesdk.EventBatchResponse{
		AcknowledgedIDs: acked,
		BackoffSeconds:  backoffForDepth(depth),
	})
}

// backoffForDepth maps queue depth to advisory client backpressure. Thresholds
// are coarse on purpose; the signal only needs to slow the herd, not meter it.
func backoffForDepth(depth int64) int {
	switch {
	case depth > 50000:
		return 30
	case depth > 10000:
		return 15
	case depth > 5000:
		return 5
	default:
		return 0
	}
}
