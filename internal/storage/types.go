package storage

import (
	"errors"
	"time"
)

const (
	// MaxJobErrorLength bounds the diagnostic text persisted on a failed
	// clip job so one broken job cannot grow the datastore without limit.
	MaxJobErrorLength = 2000

	// SessionReplacedNote is recorded on a LIVE session force-closed by a
	// newer broadcast from the same source.
	SessionReplacedNote = "replaced by new stream"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrSourceNotFound  = errors.New("source not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrJobNotFound     = errors.New("clip job not found")

	// ErrNoActiveSession signals a stop for a source with no open session.
	ErrNoActiveSession = errors.New("source has no active session")
	// ErrNoPendingJobs signals an empty queue to a claiming worker.
	ErrNoPendingJobs = errors.New("no pending clip jobs")
	// ErrDuplicateClipJob guards the one-job-per-session invariant.
	ErrDuplicateClipJob = errors.New("clip job already exists for session")
)

// CreateAccountParams captures the attributes set when provisioning an account.
type CreateAccountParams struct {
	Email         string
	Approved      bool
	Active        bool
	ExpiresAt     *time.Time
	ChatID        string
	KeepClips     bool
	AutoDelete    bool
	MaxDeliveryMB int
}

// AccountUpdate describes the mutable fields of an account. Nil fields are
// left untouched.
type AccountUpdate struct {
	Approved      *bool
	Active        *bool
	ExpiresAt     **time.Time
	ChatID        *string
	KeepClips     *bool
	AutoDelete    *bool
	MaxDeliveryMB *int
}

// SourceUpdate describes the mutable fields of a source.
type SourceUpdate struct {
	Name    *string
	Enabled *bool
}

// ClipJobUpdate describes the mutable fields of a clip job. Error text longer
// than MaxJobErrorLength is truncated before persisting.
type ClipJobUpdate struct {
	Status     *string
	ResultPath *string
	Error      *string
	SizeBytes  *int64
}

func truncateJobError(text string) string {
	if len(text) <= MaxJobErrorLength {
		return text
	}
	return text[:MaxJobErrorLength]
}
