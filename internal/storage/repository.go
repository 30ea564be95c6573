package storage

import (
	"context"
	"time"

	"clipfog/internal/models"
)

// Repository exposes the datastore operations required by the ingest gateway,
// the clip worker pool, and the provisioning tools.
type Repository interface {
	Ping(ctx context.Context) error

	CreateAccount(params CreateAccountParams) (models.Account, error)
	GetAccount(id string) (models.Account, bool)
	ListAccounts() []models.Account
	UpdateAccount(id string, update AccountUpdate) (models.Account, error)

	CreateSource(accountID, name string) (models.Source, error)
	GetSource(id string) (models.Source, bool)
	GetSourceByKey(streamKey string) (models.Source, bool)
	ListSources(accountID string) []models.Source
	UpdateSource(id string, update SourceUpdate) (models.Source, error)
	RotateSourceKey(id string) (models.Source, error)

	// StartSession opens a LIVE session for the source. An existing LIVE
	// session is force-closed with status ERROR and note "replaced by new
	// stream" in the same atomic step, so at most one open session per
	// source can ever be observed.
	StartSession(sourceID string) (models.Session, error)
	// StopSession closes the open session with status DONE and enqueues
	// exactly one PENDING clip job for it, atomically. Returns
	// ErrNoActiveSession when the source has no open session.
	StopSession(sourceID string) (models.Session, models.ClipJob, error)
	CurrentSession(sourceID string) (models.Session, bool)
	GetSession(id string) (models.Session, bool)
	ListSessions(sourceID string) ([]models.Session, error)

	// ClaimNextClipJob atomically selects the oldest PENDING job, moves it
	// to PROCESSING, stamps the claim time, and increments its attempt
	// counter. Returns ErrNoPendingJobs when the queue is empty. At most
	// one claimant can ever receive a given job.
	ClaimNextClipJob() (models.ClipJob, error)
	GetClipJob(id string) (models.ClipJob, bool)
	GetClipJobBySession(sessionID string) (models.ClipJob, bool)
	ListClipJobs(status models.ClipStatus) []models.ClipJob
	UpdateClipJob(id string, update ClipJobUpdate) (models.ClipJob, error)
	// RequeueStaleClipJobs returns PROCESSING jobs whose claim is older
	// than the timeout back to PENDING. Jobs that already spent
	// maxAttempts claims are marked FAILED instead. Returns the number of
	// jobs moved either way.
	RequeueStaleClipJobs(claimTimeout time.Duration, maxAttempts int) (int, error)
}

var _ Repository = (*Storage)(nil)
