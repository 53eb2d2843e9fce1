package scrobbled

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/scrobble/scrobbled/database"
	"github.com/coder/scrobble/scrobbled/database/dbtime"
	"github.com/coder/scrobble/scrobbled/httpapi"
	"github.com/coder/scrobble/scrobbled/httpmw"
	"github.com/coder/scrobble/scrobblesdk"
)

func (api *api) controls(rw http.ResponseWriter, r *http.Request) {
	device := httpmw.Device(r)

	account, err := api.Database.GetAccountByID(r.Context(), device.AccountID)
	if err != nil {
		httpapi.InternalServerError(rw, err)
		return
	}
	resp := scrobblesdk.Controls{
		UpdatedAt: account.ControlsUpdatedAt,
		Rules:     []scrobblesdk.ControlRule{},
	}
	if len(account.Controls) > 0 {
		err = json.Unmarshal(account.Controls, &resp.Rules)
		if err != nil {
			httpapi.InternalServerError(rw, err)
			return
		}
	}
	httpapi.Write(rw, http.StatusOK, resp)
}

func (api *api) putControls(rw http.ResponseWriter, r *http.Request) {
	var req scrobblesdk.UpdateControlsRequest
	if !httpapi.Read(rw, r, &req) {
		return
	}

	account, err := api.Database.GetAccountByEnrollmentKey(r.Context(), req.EnrollmentKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			httpapi.Write(rw, http.StatusUnauthorized, scrobblesdk.Response{
				Message: "Enrollment key is invalid.",
			})
			return
		}
		httpapi.InternalServerError(rw, err)
		return
	}

	rules := req.Rules
	if rules == nil {
		rules = []scrobblesdk.ControlRule{}
	}
	raw, err := json.Marshal(rules)
	if err != nil {
		httpapi.InternalServerError(rw, err)
		return
	}
	account, err = api.Database.UpdateAccountControls(r.Context(), database.UpdateAccountControlsParams{
		ID:                account.ID,
		Controls:          raw,
		ControlsUpdatedAt: dbtime.Now(),
	})
	if err != nil {
		httpapi.InternalServerError(rw, err)
		return
	}
	httpapi.Write(rw, http.StatusOK, scrobblesdk.Controls{
		UpdatedAt: account.ControlsUpdatedAt,
		Rules:     rules,
	})
}
