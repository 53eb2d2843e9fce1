package scrobbled

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/coder/scrobble/scrobbled/database"
	"github.com/coder/scrobble/scrobbled/database/dbtime"
	"github.com/coder/scrobble/scrobbled/httpapi"
	"github.com/coder/scrobble/scrobbled/httpmw"
	"github.com/coder/scrobble/scrobblesdk"
)

// usageEventNamespace namespaces the deterministic event IDs minted for
// session-form items. The same window always maps to the same queue event, so
// a crash between a client's upload and its ack cannot double-aggregate.
var usageEventNamespace = uuid.MustParse("74c7e0a3-7b52-44d6-a71a-4c8e5e5a9c01")

func (api *api) postUsageBatch(rw http.ResponseWriter, r *http.Request) {
	device := httpmw.Device(r)

	req, ok := readUsageBatch(rw, r)
	if !ok {
		return
	}

	now := dbtime.Now()
	resp := scrobblesdk.UsageBatchResponse{}
	windows := make([]scrobblesdk.UsageWindow, 0, len(req.Items))
	for index, item := range req.Items {
		window, err := item.Validate(now)
		if err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, convertRejection(index, err))
			continue
		}
		windows = append(windows, window)
	}

	err := api.Database.InTx(func(tx database.Store) error {
		params := database.InsertUsageEventsParams{
			AccountID:  device.AccountID,
			DeviceID:   device.ID,
			Partition:  database.PartitionForDevice(device.ID, api.QueuePartitions),
			EnqueuedAt: now,
		}
		for _, window := range windows {
			row, err := tx.UpsertUsageLog(r.Context(), database.UpsertUsageLogParams{
				AccountID:   device.AccountID,
				DeviceID:    device.ID,
				AppKey:      window.Package,
				WindowStart: window.Start,
				WindowEnd:   window.End,
				DurationMS:  window.DurationMS,
				CreatedAt:   now,
			})
			if err != nil {
				return xerrors.Errorf("upsert usage log: %w", err)
			}
			if !row.Inserted {
				resp.Duplicates++
				continue
			}
			resp.Accepted++
			params.EventIDs = append(params.EventIDs, usageEventID(device.ID, window))
			params.Kinds = append(params.Kinds, string(scrobblesdk.EventKindAppUsage))
			params.Keys = append(params.Keys, window.Package)
			params.Secs = append(params.Secs, window.Seconds())
			params.EventTimes = append(params.EventTimes, window.Start)
		}
		if len(params.EventIDs) == 0 {
			return nil
		}
		// New windows flow into the same durable queue the raw form uses, so
		// the streaming rollups cover both intake shapes.
		_, err := tx.InsertUsageEvents(r.Context(), params)
		if err != nil {
			return xerrors.Errorf("queue usage events: %w", err)
		}
		return nil
	}, nil)
	if err != nil {
		httpapi.InternalServerError(rw, err)
		return
	}

	if resp.Accepted > 0 {
		err = api.Pubsub.Publish(database.UsageEventsNotifyChannel, []byte{})
		if err != nil {
			api.Logger.Warn(r.Context(), "publish queue wakeup", slog.Error(err))
		}
	}
	httpapi.Write(rw, http.StatusOK, resp)
}

func (api *api) postUsageValidate(rw http.ResponseWriter, r *http.Request) {
	req, ok := readUsageBatch(rw, r)
	if !ok {
		return
	}

	// Identical checks to the persisting path, but nothing is written, and
	// duplicate detection is skipped because it needs the store.
	now := dbtime.Now()
	resp := scrobblesdk.UsageBatchResponse{}
	for index, item := range req.Items {
		_, err := item.Validate(now)
		if err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, convertRejection(index, err))
			continue
		}
		resp.Accepted++
	}
	httpapi.Write(rw, http.StatusOK, resp)
}

// readUsageBatch decodes the session-form envelope and enforces the item
// ceiling. The byte ceiling is enforced by the router.
func readUsageBatch(rw http.ResponseWriter, r *http.Request) (scrobblesdk.UsageBatchRequest, bool) {
	var req scrobblesdk.UsageBatchRequest
	if !httpapi.Read(rw, r, &req) {
		return scrobblesdk.UsageBatchRequest{}, false
	}
	if len(req.Items) > scrobblesdk.MaxBatchItems {
		httpapi.Write(rw, http.StatusRequestEntityTooLarge, scrobblesdk.Response{
			Message: fmt.Sprintf("Batch must not exceed %d items.", scrobblesdk.MaxBatchItems),
		})
		return scrobblesdk.UsageBatchRequest{}, false
	}
	return req, true
}

func convertRejection(index int, err error) scrobblesdk.UsageItemError {
	itemError := scrobblesdk.UsageItemError{
		Index: index,
		Error: err.Error(),
		Code:  scrobblesdk.ReasonInvalidEntry,
	}
	if rejection, ok := scrobblesdk.AsRejection(err); ok {
		itemError.Error = rejection.Detail
		itemError.Code = rejection.Code
	}
	return itemError
}

// usageEventID derives the stable queue identifier for a usage window.
func usageEventID(deviceID uuid.UUID, window scrobblesdk.UsageWindow) uuid.UUID {
	name := fmt.Sprintf("%s/%s/%d/%d",
		deviceID, window.Package,
		window.Start.UnixMilli(), window.End.UnixMilli(),
	)
	return uuid.NewSHA1(usageEventNamespace, []byte(name))
}
