// Package api exposes the ingest hook endpoints consumed by the media server
// and a small provisioning surface for accounts, sources, and clip jobs.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"clipfog/internal/observability/metrics"
	"clipfog/internal/queue"
	"clipfog/internal/storage"
)

type Handler struct {
	Store    storage.Repository
	Notifier queue.Notifier
	Metrics  *metrics.Recorder
	Logger   *slog.Logger

	// HookToken, when set, is required as a bearer or query token on the
	// ingest hook endpoints. Empty means the hooks trust the network.
	HookToken string
}

func NewHandler(store storage.Repository) *Handler {
	return &Handler{Store: store}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func decodeJSONAllowUnknown(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}
