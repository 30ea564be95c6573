package api

import (
	"fmt"
	"net/http"
	"strings"

	"clipfog/internal/models"
)

var knownClipStatuses = map[models.ClipStatus]bool{
	models.ClipPending:    true,
	models.ClipProcessing: true,
	models.ClipSent:       true,
	models.ClipStored:     true,
	models.ClipTooBig:     true,
	models.ClipFailed:     true,
}

func (h *Handler) ClipJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	status := models.ClipStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	if status != "" && !knownClipStatuses[status] {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown status %s", status))
		return
	}
	writeJSON(w, http.StatusOK, h.Store.ListClipJobs(status))
}

func (h *Handler) ClipJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("job id missing"))
		return
	}
	job, ok := h.Store.GetClipJob(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("clip job %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) SessionClipJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "job" {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown session resource"))
		return
	}
	job, ok := h.Store.GetClipJobBySession(parts[0])
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("session %s has no clip job", parts[0]))
		return
	}
	writeJSON(w, http.StatusOK, job)
}
