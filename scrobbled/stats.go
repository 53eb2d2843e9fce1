package scrobbled

import (
	"net/http"
	"strconv"
	"time"

	"github.com/coder/scrobble/scrobbled/database"
	"github.com/coder/scrobble/scrobbled/database/dbtime"
	"github.com/coder/scrobble/scrobbled/httpapi"
	"github.com/coder/scrobble/scrobbled/httpmw"
	"github.com/coder/scrobble/scrobbled/rollup"
	"github.com/coder/scrobble/scrobblesdk"
)

// defaultTopAppsLimit bounds /apps/top when the caller does not say.
const defaultTopAppsLimit = 10

func (api *api) statsToday(rw http.ResponseWriter, r *http.Request) {
	now := dbtime.Now()
	api.stats(rw, r, rollup.Day(now), now)
}

func (api *api) statsWeek(rw http.ResponseWriter, r *http.Request) {
	now := dbtime.Now()
	api.stats(rw, r, now.Add(-7*24*time.Hour), now)
}

// stats reads the account's aggregated usage over [from, to) purely from the
// rollup rows. Raw events are never scanned on a read path.
func (api *api) stats(rw http.ResponseWriter, r *http.Request, from, to time.Time) {
	device := httpmw.Device(r)

	rows, err := api.Database.GetTopRollupKeys(r.Context(), database.GetTopRollupKeysParams{
		AccountID: device.AccountID,
		StartTime: from,
		EndTime:   to,
	})
	if err != nil {
		httpapi.InternalServerError(rw, err)
		return
	}
	resp := scrobblesdk.StatsResponse{
		From: from,
		To:   to,
		Apps: make([]scrobblesdk.AppStat, 0, len(rows)),
	}
	for _, row := range rows {
		resp.TotalSeconds += row.AggregatedSecs
		resp.Apps = append(resp.Apps, scrobblesdk.AppStat{
			Key:            row.Key,
			AggregatedSecs: row.AggregatedSecs,
			FragmentCount:  row.FragmentCount,
		})
	}
	httpapi.Write(rw, http.StatusOK, resp)
}

func (api *api) topApps(rw http.ResponseWriter, r *http.Request) {
	device := httpmw.Device(r)

	limit := defaultTopAppsLimit
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

	now := dbtime.Now()
	rows, err := api.Database.GetTopRollupKeys(r.Context(), database.GetTopRollupKeysParams{
		AccountID: device.AccountID,
		StartTime: now.Add(-7 * 24 * time.Hour),
		EndTime:   now,
		LimitOpt:  int32(limit),
	})
	if err != nil {
		httpapi.InternalServerError(rw, err)
		return
	}
	apps := make([]scrobblesdk.AppStat, 0, len(rows))
	for _, row := range rows {
		apps = append(apps, scrobblesdk.AppStat{
			Key:            row.Key,
			AggregatedSecs: row.AggregatedSecs,
			FragmentCount:  row.FragmentCount,
		})
	}
	httpapi.Write(rw, http.StatusOK, apps)
}

func (api *api) usageSeries(rw http.ResponseWriter, r *http.Request) {
	device := httpmw.Device(r)

	query := r.URL.Query()
	granularity := query.Get("granularity")
	if granularity == "" {
		granularity = "hour"
	}
	from, err := time.Parse(time.RFC3339, query.Get("from"))
	if err != nil {
		httpapi.Write(rw, http.StatusBadRequest, scrobblesdk.Response{
			Message: "Query param \"from\" must be an RFC 3339 timestamp.",
		})
		return
	}
	to, err := time.Parse(time.RFC3339, query.Get("to"))
	if err != nil {
		httpapi.Write(rw, http.StatusBadRequest, scrobblesdk.Response{
			Message: "Query param \"to\" must be an RFC 3339 timestamp.",
		})
		return
	}
	if !to.After(from) {
		httpapi.Write(rw, http.StatusBadRequest, scrobblesdk.Response{
			Message: "Query param \"to\" must be after \"from\".",
		})
		return
	}

	params := database.GetUsageSeriesParams{
		AccountID: device.AccountID,
		StartTime: from.UTC(),
		EndTime:   to.UTC(),
	}
	var rows []database.GetUsageSeriesRow
	switch granularity {
	case "hour":
		rows, err = api.Database.GetHourlyUsageSeries(r.Context(), params)
	case "day":
		rows, err = api.Database.GetDailyUsageSeries(r.Context(), params)
	default:
		httpapi.Write(rw, http.StatusBadRequest, scrobblesdk.Response{
			Message: "Query param \"granularity\" must be \"hour\" or \"day\".",
		})
		return
	}
	if err != nil {
		httpapi.InternalServerError(rw, err)
		return
	}
	resp := scrobblesdk.UsageSeriesResponse{
		Granularity: granularity,
		Points:      make([]scrobblesdk.UsagePoint, 0, len(rows)),
	}
	for _, row := range rows {
		resp.Points = append(resp.Points, scrobblesdk.UsagePoint{
			Bucket:  row.Bucket,
			Seconds: row.AggregatedSecs,
		})
	}
	httpapi.Write(rw, http.StatusOK, resp)
}
