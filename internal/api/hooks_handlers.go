package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"clipfog/internal/queue"
	"clipfog/internal/storage"
)

func constantTimeEqual(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	if len(expected) != len(provided) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

func (h *Handler) hookAuthorized(r *http.Request) bool {
	token := strings.TrimSpace(h.HookToken)
	if token == "" {
		return true
	}
	if r == nil {
		return false
	}

	if authHeader := strings.TrimSpace(r.Header.Get("Authorization")); authHeader != "" {
		if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if constantTimeEqual(token, strings.TrimSpace(parts[1])) {
				return true
			}
		}
	}

	if queryToken := strings.TrimSpace(r.URL.Query().Get("token")); queryToken != "" {
		if constantTimeEqual(token, queryToken) {
			return true
		}
	}

	return false
}

// parseHookRequest accepts both form-encoded callbacks (nginx-rtmp style)
// and JSON payloads carrying the same fields. Query parameters fill any
// field the body leaves blank.
func parseHookRequest(r *http.Request) (hookRequest, error) {
	var req hookRequest

	contentType := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Type")))
	if strings.Contains(contentType, "application/json") {
		if err := decodeJSONAllowUnknown(r, &req); err != nil && !errors.Is(err, io.EOF) {
			return hookRequest{}, err
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return hookRequest{}, err
		}
		req.Name = r.PostForm.Get("name")
		req.Key = r.PostForm.Get("key")
		req.TCURL = r.PostForm.Get("tcurl")
	}

	query := r.URL.Query()
	if strings.TrimSpace(req.Name) == "" {
		req.Name = query.Get("name")
	}
	if strings.TrimSpace(req.Key) == "" {
		req.Key = query.Get("key")
	}
	if strings.TrimSpace(req.TCURL) == "" {
		req.TCURL = query.Get("tcurl")
	}
	return req, nil
}

// PublishHook answers the broadcast-start callback. A non-2xx response tells
// the media server to drop the incoming stream.
func (h *Handler) PublishHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	logger := h.logger()
	if !h.hookAuthorized(r) {
		logger.Warn("publish hook rejected token", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
		return
	}

	req, err := parseHookRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key, strategy := extractStreamKey(req)
	if key == "" {
		h.recorder().BroadcastRejected("missing_key")
		writeError(w, http.StatusBadRequest, fmt.Errorf("stream key is required"))
		return
	}

	source, ok := h.Store.GetSourceByKey(key)
	if !ok {
		h.recorder().BroadcastRejected("unknown_key")
		logger.Warn("publish rejected for unknown stream key", "key_strategy", strategy)
		writeError(w, http.StatusForbidden, fmt.Errorf("unknown stream key"))
		return
	}
	if !source.Enabled {
		h.recorder().BroadcastRejected("source_disabled")
		logger.Warn("publish rejected for disabled source", "source_id", source.ID)
		writeError(w, http.StatusForbidden, fmt.Errorf("source is disabled"))
		return
	}

	account, ok := h.Store.GetAccount(source.AccountID)
	if !ok {
		h.recorder().BroadcastRejected("account_missing")
		writeError(w, http.StatusForbidden, fmt.Errorf("owning account not found"))
		return
	}
	switch {
	case !account.Approved:
		h.recorder().BroadcastRejected("account_not_approved")
		writeError(w, http.StatusForbidden, fmt.Errorf("account is not approved"))
		return
	case !account.Active:
		h.recorder().BroadcastRejected("account_inactive")
		writeError(w, http.StatusForbidden, fmt.Errorf("account is inactive"))
		return
	case account.Expired(time.Now().UTC()):
		h.recorder().BroadcastRejected("account_expired")
		writeError(w, http.StatusForbidden, fmt.Errorf("account has expired"))
		return
	}

	_, hadLive := h.Store.CurrentSession(source.ID)
	session, err := h.Store.StartSession(source.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if hadLive {
		h.recorder().BroadcastReplaced()
		logger.Info("live session replaced", "source_id", source.ID, "session_id", session.ID)
	}
	h.recorder().BroadcastStarted()
	logger.Info("broadcast started", "source_id", source.ID, "session_id", session.ID, "key_strategy", strategy)

	writeJSON(w, http.StatusOK, map[string]string{
		"sessionId": session.ID,
		"status":    string(session.Status),
	})
}

// UnpublishHook answers the broadcast-stop callback. Teardown is never
// blocked: every domain condition answers 2xx.
func (h *Handler) UnpublishHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	logger := h.logger()
	if !h.hookAuthorized(r) {
		logger.Warn("unpublish hook rejected token", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
		return
	}

	req, err := parseHookRequest(r)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	key, _ := extractStreamKey(req)
	if key == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	source, ok := h.Store.GetSourceByKey(key)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	session, job, err := h.Store.StopSession(source.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNoActiveSession) {
			logger.Error("failed to stop session", "source_id", source.ID, "error", err)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	h.recorder().BroadcastStopped()
	logger.Info("broadcast stopped", "source_id", source.ID, "session_id", session.ID, "job_id", job.ID)

	if h.Notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := h.Notifier.Publish(ctx, queue.Wake{
			JobID:      job.ID,
			SessionID:  session.ID,
			EnqueuedAt: job.CreatedAt,
		}); err != nil {
			logger.Warn("failed to publish job wake", "job_id", job.ID, "error", err)
		}
		cancel()
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"sessionId": session.ID,
		"jobId":     job.ID,
		"status":    string(session.Status),
	})
}
