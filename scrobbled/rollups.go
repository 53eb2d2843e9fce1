package scrobbled

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/xerrors"

	"github.com/coder/scrobble/scrobbled/database/dbtime"
	"github.com/coder/scrobble/scrobbled/httpapi"
	"github.com/coder/scrobble/scrobbled/rollup"
	"github.com/coder/scrobble/scrobblesdk"
)

// defaultDeadLetterLimit bounds /deadletters when the caller does not say.
const defaultDeadLetterLimit = 100

func (api *api) postRollupRun(rw http.ResponseWriter, r *http.Request) {
	if api.DailyRolluper == nil {
		httpapi.Write(rw, http.StatusNotFound, scrobblesdk.Response{
			Message: "Daily rollups are not enabled.",
		})
		return
	}

	var req scrobblesdk.RollupRunRequest
	if !httpapi.Read(rw, r, &req) {
		return
	}
	day := rollup.Day(dbtime.Now().AddDate(0, 0, -1))
	if req.Day != "" {
		parsed, err := time.Parse("2006-01-02", req.Day)
		if err != nil {
			httpapi.Write(rw, http.StatusBadRequest, scrobblesdk.Response{
				Message: "Day must be formatted 2006-01-02.",
				Detail:  err.Error(),
			})
			return
		}
		day = rollup.Day(parsed)
	}

	result, err := api.DailyRolluper.RunOnce(r.Context(), day)
	if xerrors.Is(err, rollup.ErrAlreadyRunning) {
		httpapi.Write(rw, http.StatusConflict, scrobblesdk.Response{
			Message: "A daily rollup is already running.",
		})
		return
	}
	if err != nil {
		httpapi.InternalServerError(rw, err)
		return
	}
	httpapi.Write(rw, http.StatusOK, scrobblesdk.RollupRunResponse{
		Day:         result.Day,
		SessionRows: result.SessionRows,
		TotalRows:   result.TotalRows,
	})
}

func (api *api) deadLetters(rw http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			httpapi.Write(rw, http.StatusBadRequest, scrobblesdk.Response{
				Message: "Query param \"limit\" must be a positive integer.",
			})
			return
		}
		limit = parsed
	}

	rows, err := api.Database.GetDeadLetterEvents(r.Context(), int32(limit))
	if err != nil {
		httpapi.InternalServerError(rw, err)
		return
	}
	letters := make([]scrobblesdk.DeadLetter, 0, len(rows))
	for _, row := range rows {
		letters = append(letters, scrobblesdk.DeadLetter{
			ID:        row.ID,
			DeviceID:  row.DeviceID,
			Reason:    row.Reason,
			Payload:   json.RawMessage(row.Payload),
			CreatedAt: row.CreatedAt,
		})
	}
	httpapi.Write(rw, http.StatusOK, letters)
}
