package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"clipfog/internal/storage"
)

type createSourceRequest struct {
	AccountID string `json:"accountId"`
	Name      string `json:"name"`
}

type updateSourceRequest struct {
	Name    *string `json:"name,omitempty"`
	Enabled *bool   `json:"enabled,omitempty"`
}

func (h *Handler) Sources(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		accountID := strings.TrimSpace(r.URL.Query().Get("accountId"))
		writeJSON(w, http.StatusOK, h.Store.ListSources(accountID))
	case http.MethodPost:
		var req createSourceRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		source, err := h.Store.CreateSource(req.AccountID, req.Name)
		if err != nil {
			if errors.Is(err, storage.ErrAccountNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, source)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) SourceByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/sources/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("source id missing"))
		return
	}
	sourceID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			source, ok := h.Store.GetSource(sourceID)
			if !ok {
				writeError(w, http.StatusNotFound, fmt.Errorf("source %s not found", sourceID))
				return
			}
			writeJSON(w, http.StatusOK, source)
		case http.MethodPatch:
			var req updateSourceRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			source, err := h.Store.UpdateSource(sourceID, storage.SourceUpdate{
				Name:    req.Name,
				Enabled: req.Enabled,
			})
			if err != nil {
				if errors.Is(err, storage.ErrSourceNotFound) {
					writeError(w, http.StatusNotFound, err)
					return
				}
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusOK, source)
		default:
			w.Header().Set("Allow", "GET, PATCH")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		}
		return
	}

	switch parts[1] {
	case "sessions":
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		sessions, err := h.Store.ListSessions(sourceID)
		if err != nil {
			if errors.Is(err, storage.ErrSourceNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, sessions)
	case "live":
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		session, ok := h.Store.CurrentSession(sourceID)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("source %s has no live session", sourceID))
			return
		}
		writeJSON(w, http.StatusOK, session)
	case "rotate-key":
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		source, err := h.Store.RotateSourceKey(sourceID)
		if err != nil {
			if errors.Is(err, storage.ErrSourceNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		h.logger().Info("stream key rotated", "source_id", sourceID)
		writeJSON(w, http.StatusOK, source)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown source resource %s", parts[1]))
	}
}
