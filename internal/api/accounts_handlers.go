package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"clipfog/internal/storage"
)

type createAccountRequest struct {
	Email         string `json:"email"`
	Approved      bool   `json:"approved"`
	Active        bool   `json:"active"`
	ExpiresAt     string `json:"expiresAt,omitempty"`
	ChatID        string `json:"chatId,omitempty"`
	KeepClips     bool   `json:"keepClips"`
	AutoDelete    bool   `json:"autoDelete"`
	MaxDeliveryMB int    `json:"maxDeliveryMB,omitempty"`
}

type updateAccountRequest struct {
	Approved *bool `json:"approved,omitempty"`
	Active   *bool `json:"active,omitempty"`
	// ExpiresAt accepts an RFC 3339 timestamp, or an empty string to clear
	// the expiry.
	ExpiresAt     *string `json:"expiresAt,omitempty"`
	ChatID        *string `json:"chatId,omitempty"`
	KeepClips     *bool   `json:"keepClips,omitempty"`
	AutoDelete    *bool   `json:"autoDelete,omitempty"`
	MaxDeliveryMB *int    `json:"maxDeliveryMB,omitempty"`
}

func (h *Handler) Accounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.Store.ListAccounts())
	case http.MethodPost:
		var req createAccountRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		params := storage.CreateAccountParams{
			Email:         req.Email,
			Approved:      req.Approved,
			Active:        req.Active,
			ChatID:        req.ChatID,
			KeepClips:     req.KeepClips,
			AutoDelete:    req.AutoDelete,
			MaxDeliveryMB: req.MaxDeliveryMB,
		}
		if trimmed := strings.TrimSpace(req.ExpiresAt); trimmed != "" {
			expires, err := time.Parse(time.RFC3339, trimmed)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("invalid expiresAt: %w", err))
				return
			}
			params.ExpiresAt = &expires
		}
		account, err := h.Store.CreateAccount(params)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, account)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) AccountByID(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/accounts/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("account id missing"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		account, ok := h.Store.GetAccount(id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("account %s not found", id))
			return
		}
		writeJSON(w, http.StatusOK, account)
	case http.MethodPatch:
		var req updateAccountRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		update := storage.AccountUpdate{
			Approved:      req.Approved,
			Active:        req.Active,
			ChatID:        req.ChatID,
			KeepClips:     req.KeepClips,
			AutoDelete:    req.AutoDelete,
			MaxDeliveryMB: req.MaxDeliveryMB,
		}
		if req.ExpiresAt != nil {
			if trimmed := strings.TrimSpace(*req.ExpiresAt); trimmed == "" {
				var cleared *time.Time
				update.ExpiresAt = &cleared
			} else {
				expires, err := time.Parse(time.RFC3339, trimmed)
				if err != nil {
					writeError(w, http.StatusBadRequest, fmt.Errorf("invalid expiresAt: %w", err))
					return
				}
				value := &expires
				update.ExpiresAt = &value
			}
		}
		account, err := h.Store.UpdateAccount(id, update)
		if err != nil {
			if errors.Is(err, storage.ErrAccountNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, account)
	default:
		w.Header().Set("Allow", "GET, PATCH")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}
