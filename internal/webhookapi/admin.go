package webhookapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/concierge/internal/dialog"
)

const authorHeader = "X-Author"

func author(r *http.Request) string {
	if a := r.Header.Get(authorHeader); a != "" {
		return a
	}
	return "admin"
}

//  Sessions

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.conv.Get(r.Context(), tenantFrom(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err, "failed to get session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.conv.Cancel(r.Context(), tenantFrom(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err, "failed to cancel session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	reply, err := a.conv.Respond(r.Context(), tenantFrom(r).ID, chi.URLParam(r, "id"), body.Text)
	if err != nil {
		a.fail(w, r, err, "failed to answer session")
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

//  Scripts

func (a *API) handleListScripts(w http.ResponseWriter, r *http.Request) {
	list, err := a.scripts.List(r.Context(), tenantFrom(r).ID)
	if err != nil {
		a.fail(w, r, err, "failed to list scripts")
		return
	}
	if list == nil {
		list = []*dialog.Script{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleGetScript(w http.ResponseWriter, r *http.Request) {
	sc, err := a.scripts.Get(r.Context(), tenantFrom(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err, "failed to get script")
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// handlePutScript checks the document against the script JSON schema
// before decoding it. The id and tenant come from the path.
func (a *API) handlePutScript(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "cannot read body")
		return
	}

	issues, err := dialog.ValidateDocument(body)
	if err != nil {
		a.fail(w, r, err, "schema check failed")
		return
	}
	if len(issues) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "script invalid", "issues": issues})
		return
	}

	var sc dialog.Script
	if err := json.Unmarshal(body, &sc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	sc.ID = chi.URLParam(r, "id")
	sc.TenantID = tenantFrom(r).ID

	saved, err := a.scripts.Save(r.Context(), &sc)
	if err != nil {
		a.fail(w, r, err, "failed to save script")
		return
	}
	a.logger.Info(r.Context(), "script saved", "tenant_id", sc.TenantID, "script_id", sc.ID, "author", author(r))
	writeJSON(w, http.StatusOK, saved)
}

func (a *API) handleValidateScript(w http.ResponseWriter, r *http.Request) {
	issues, err := a.scripts.Validate(r.Context(), tenantFrom(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err, "failed to validate script")
		return
	}
	if issues == nil {
		issues = []dialog.Issue{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":  !dialog.HasErrors(issues),
		"issues": issues,
	})
}

func (a *API) handlePublishScript(w http.ResponseWriter, r *http.Request) {
	sc, err := a.scripts.Publish(r.Context(), tenantFrom(r).ID, chi.URLParam(r, "id"), author(r))
	if err != nil {
		a.fail(w, r, err, "failed to publish script")
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (a *API) handleUnpublishScript(w http.ResponseWriter, r *http.Request) {
	sc, err := a.scripts.Unpublish(r.Context(), tenantFrom(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err, "failed to unpublish script")
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (a *API) handleSnapshotScript(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Note string `json:"note"`
	}
	// the note is optional; an empty body is fine
	_ = json.NewDecoder(r.Body).Decode(&body)

	v, err := a.scripts.Snapshot(r.Context(), tenantFrom(r).ID, chi.URLParam(r, "id"), author(r), body.Note)
	if err != nil {
		a.fail(w, r, err, "failed to snapshot script")
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (a *API) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := a.scripts.History(r.Context(), tenantFrom(r).ID, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err, "failed to list versions")
		return
	}
	if versions == nil {
		versions = []dialog.Version{}
	}
	writeJSON(w, http.StatusOK, versions)
}

func (a *API) handleRestoreScript(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "n"))
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "invalid version number")
		return
	}
	sc, err := a.scripts.Restore(r.Context(), tenantFrom(r).ID, chi.URLParam(r, "id"), n, author(r))
	if err != nil {
		a.fail(w, r, err, "failed to restore script")
		return
	}
	writeJSON(w, http.StatusOK, sc)
}
