package models

import (
	"strings"
	"time"
)

// SessionStatus enumerates the lifecycle states of a broadcast session. LIVE
// is the only open state; DONE and ERROR are terminal.
type SessionStatus string

const (
	SessionLive  SessionStatus = "live"
	SessionDone  SessionStatus = "done"
	SessionError SessionStatus = "error"
)

// ClipStatus enumerates the states of a clip job. PENDING and PROCESSING are
// transient; the rest are terminal outcomes.
type ClipStatus string

const (
	ClipPending    ClipStatus = "pending"
	ClipProcessing ClipStatus = "processing"
	ClipSent       ClipStatus = "sent"
	ClipStored     ClipStatus = "stored"
	ClipTooBig     ClipStatus = "too_big"
	ClipFailed     ClipStatus = "failed"
)

// Terminal reports whether the status is a final outcome.
func (s ClipStatus) Terminal() bool {
	switch s {
	case ClipSent, ClipStored, ClipTooBig, ClipFailed:
		return true
	}
	return false
}

// DefaultMaxDeliveryMB matches the common bot-API payload ceiling applied when
// an account carries no explicit limit.
const DefaultMaxDeliveryMB = 50

// Account is the minimal projection of an owning account consulted by the
// ingest gateway and the clip worker. The core reads these fields and never
// mutates them outside the provisioning surface.
type Account struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Approved      bool       `json:"approved"`
	Active        bool       `json:"active"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	ChatID        string     `json:"chatId,omitempty"`
	KeepClips     bool       `json:"keepClips"`
	AutoDelete    bool       `json:"autoDelete"`
	MaxDeliveryMB int        `json:"maxDeliveryMB"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Expired reports whether the account's access window has lapsed.
func (a Account) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !now.Before(*a.ExpiresAt)
}

// MaxDeliveryBytes returns the exact byte ceiling for the delivery channel.
func (a Account) MaxDeliveryBytes() int64 {
	limit := a.MaxDeliveryMB
	if limit <= 0 {
		limit = DefaultMaxDeliveryMB
	}
	return int64(limit) * 1024 * 1024
}

// HasRecipient reports whether a delivery recipient is linked.
func (a Account) HasRecipient() bool {
	return strings.TrimSpace(a.ChatID) != ""
}

// Source is a registered broadcast endpoint authenticated by its stream key.
type Source struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Name      string    `json:"name"`
	StreamKey string    `json:"streamKey"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session records one broadcast attempt from start to end. Seq is assigned by
// the datastore and increases monotonically with creation order.
type Session struct {
	ID        string        `json:"id"`
	Seq       int64         `json:"seq"`
	SourceID  string        `json:"sourceId"`
	StartedAt time.Time     `json:"startedAt"`
	EndedAt   *time.Time    `json:"endedAt,omitempty"`
	Status    SessionStatus `json:"status"`
	Note      string        `json:"note,omitempty"`
}

// ClipJob is the unit of post-broadcast work, strictly one per session.
// Attempts and ClaimedAt back the bounded-retry lease sweep for workers that
// die mid-claim.
type ClipJob struct {
	ID         string     `json:"id"`
	Seq        int64      `json:"seq"`
	SessionID  string     `json:"sessionId"`
	Status     ClipStatus `json:"status"`
	ResultPath string     `json:"resultPath,omitempty"`
	Error      string     `json:"error,omitempty"`
	SizeBytes  *int64     `json:"sizeBytes,omitempty"`
	Attempts   int        `json:"attempts"`
	ClaimedAt  *time.Time `json:"claimedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}
