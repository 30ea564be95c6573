package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"clipfog/internal/models"
)

type dataset struct {
	Accounts   map[string]models.Account `json:"accounts"`
	Sources    map[string]models.Source  `json:"sources"`
	Sessions   map[string]models.Session `json:"sessions"`
	ClipJobs   map[string]models.ClipJob `json:"clipJobs"`
	SessionSeq int64                     `json:"sessionSeq"`
	JobSeq     int64                     `json:"jobSeq"`
}

// Storage is the JSON-file datastore. All state lives in memory guarded by a
// RWMutex and is persisted atomically (temp file + rename) on every mutation,
// so the claim and session-transition operations are serialised by the write
// lock.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	now             func() time.Time
}

// Option mutates storage configuration.
type Option func(*Storage)

// WithClock overrides the time source, used by tests exercising retention and
// lease-timeout behaviour.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		if now != nil {
			s.now = now
		}
	}
}

func newDataset() dataset {
	return dataset{
		Accounts: make(map[string]models.Account),
		Sources:  make(map[string]models.Source),
		Sessions: make(map[string]models.Session),
		ClipJobs: make(map[string]models.ClipJob),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Accounts == nil {
		s.data.Accounts = make(map[string]models.Account)
	}
	if s.data.Sources == nil {
		s.data.Sources = make(map[string]models.Source)
	}
	if s.data.Sessions == nil {
		s.data.Sessions = make(map[string]models.Session)
	}
	if s.data.ClipJobs == nil {
		s.data.ClipJobs = make(map[string]models.ClipJob)
	}
}

// NewStorage opens (or creates) the JSON datastore at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Storage) persist() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// Ping reports datastore availability. The JSON store is always reachable
// once loaded.
func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Accounts

func (s *Storage) CreateAccount(params CreateAccountParams) (models.Account, error) {
	email := strings.TrimSpace(strings.ToLower(params.Email))
	if email == "" {
		return models.Account{}, fmt.Errorf("email is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.Accounts {
		if existing.Email == email {
			return models.Account{}, fmt.Errorf("email %s already registered", email)
		}
	}

	id, err := generateID()
	if err != nil {
		return models.Account{}, err
	}
	limit := params.MaxDeliveryMB
	if limit <= 0 {
		limit = models.DefaultMaxDeliveryMB
	}
	account := models.Account{
		ID:            id,
		Email:         email,
		Approved:      params.Approved,
		Active:        params.Active,
		ExpiresAt:     cloneTime(params.ExpiresAt),
		ChatID:        strings.TrimSpace(params.ChatID),
		KeepClips:     params.KeepClips,
		AutoDelete:    params.AutoDelete,
		MaxDeliveryMB: limit,
		CreatedAt:     s.now(),
	}
	s.data.Accounts[id] = account
	if err := s.persist(); err != nil {
		delete(s.data.Accounts, id)
		return models.Account{}, err
	}
	return account, nil
}

func (s *Storage) GetAccount(id string) (models.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.data.Accounts[id]
	return account, ok
}

func (s *Storage) ListAccounts() []models.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accounts := make([]models.Account, 0, len(s.data.Accounts))
	for _, account := range s.data.Accounts {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
	})
	return accounts
}

func (s *Storage) UpdateAccount(id string, update AccountUpdate) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.data.Accounts[id]
	if !ok {
		return models.Account{}, ErrAccountNotFound
	}
	original := account
	if update.Approved != nil {
		account.Approved = *update.Approved
	}
	if update.Active != nil {
		account.Active = *update.Active
	}
	if update.ExpiresAt != nil {
		account.ExpiresAt = cloneTime(*update.ExpiresAt)
	}
	if update.ChatID != nil {
		account.ChatID = strings.TrimSpace(*update.ChatID)
	}
	if update.KeepClips != nil {
		account.KeepClips = *update.KeepClips
	}
	if update.AutoDelete != nil {
		account.AutoDelete = *update.AutoDelete
	}
	if update.MaxDeliveryMB != nil && *update.MaxDeliveryMB > 0 {
		account.MaxDeliveryMB = *update.MaxDeliveryMB
	}
	s.data.Accounts[id] = account
	if err := s.persist(); err != nil {
		s.data.Accounts[id] = original
		return models.Account{}, err
	}
	return account, nil
}

// Sources

func (s *Storage) CreateSource(accountID, name string) (models.Source, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Source{}, fmt.Errorf("source name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Accounts[accountID]; !ok {
		return models.Source{}, ErrAccountNotFound
	}
	id, err := generateID()
	if err != nil {
		return models.Source{}, err
	}
	key, err := generateStreamKey()
	if err != nil {
		return models.Source{}, err
	}
	source := models.Source{
		ID:        id,
		AccountID: accountID,
		Name:      name,
		StreamKey: key,
		Enabled:   true,
		CreatedAt: s.now(),
	}
	s.data.Sources[id] = source
	if err := s.persist(); err != nil {
		delete(s.data.Sources, id)
		return models.Source{}, err
	}
	return source, nil
}

func (s *Storage) GetSource(id string) (models.Source, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	source, ok := s.data.Sources[id]
	return source, ok
}

func (s *Storage) GetSourceByKey(streamKey string) (models.Source, bool) {
	trimmed := strings.TrimSpace(streamKey)
	if trimmed == "" {
		return models.Source{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, source := range s.data.Sources {
		if source.StreamKey == trimmed {
			return source, true
		}
	}
	return models.Source{}, false
}

func (s *Storage) ListSources(accountID string) []models.Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sources := make([]models.Source, 0)
	for _, source := range s.data.Sources {
		if accountID == "" || source.AccountID == accountID {
			sources = append(sources, source)
		}
	}
	sort.Slice(sources, func(i, j int) bool {
		return sources[i].CreatedAt.Before(sources[j].CreatedAt)
	})
	return sources
}

func (s *Storage) UpdateSource(id string, update SourceUpdate) (models.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, ok := s.data.Sources[id]
	if !ok {
		return models.Source{}, ErrSourceNotFound
	}
	original := source
	if update.Name != nil {
		trimmed := strings.TrimSpace(*update.Name)
		if trimmed == "" {
			return models.Source{}, fmt.Errorf("source name is required")
		}
		source.Name = trimmed
	}
	if update.Enabled != nil {
		source.Enabled = *update.Enabled
	}
	s.data.Sources[id] = source
	if err := s.persist(); err != nil {
		s.data.Sources[id] = original
		return models.Source{}, err
	}
	return source, nil
}

func (s *Storage) RotateSourceKey(id string) (models.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	source, ok := s.data.Sources[id]
	if !ok {
		return models.Source{}, ErrSourceNotFound
	}
	key, err := generateStreamKey()
	if err != nil {
		return models.Source{}, err
	}
	original := source
	source.StreamKey = key
	s.data.Sources[id] = source
	if err := s.persist(); err != nil {
		s.data.Sources[id] = original
		return models.Source{}, err
	}
	return source, nil
}

// Sessions

func (s *Storage) liveSessionLocked(sourceID string) (models.Session, bool) {
	for _, session := range s.data.Sessions {
		if session.SourceID == sourceID && session.Status == models.SessionLive {
			return session, true
		}
	}
	return models.Session{}, false
}

func (s *Storage) StartSession(sourceID string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Sources[sourceID]; !ok {
		return models.Session{}, ErrSourceNotFound
	}

	now := s.now()
	var replaced *models.Session
	if live, ok := s.liveSessionLocked(sourceID); ok {
		original := live
		ended := now
		live.Status = models.SessionError
		live.EndedAt = &ended
		live.Note = SessionReplacedNote
		s.data.Sessions[live.ID] = live
		replaced = &original
	}

	id, err := generateID()
	if err != nil {
		s.restoreReplacedLocked(replaced)
		return models.Session{}, err
	}
	s.data.SessionSeq++
	session := models.Session{
		ID:        id,
		Seq:       s.data.SessionSeq,
		SourceID:  sourceID,
		StartedAt: now,
		Status:    models.SessionLive,
	}
	s.data.Sessions[id] = session
	if err := s.persist(); err != nil {
		delete(s.data.Sessions, id)
		s.data.SessionSeq--
		s.restoreReplacedLocked(replaced)
		return models.Session{}, err
	}
	return session, nil
}

func (s *Storage) restoreReplacedLocked(replaced *models.Session) {
	if replaced != nil {
		s.data.Sessions[replaced.ID] = *replaced
	}
}

func (s *Storage) StopSession(sourceID string) (models.Session, models.ClipJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Sources[sourceID]; !ok {
		return models.Session{}, models.ClipJob{}, ErrSourceNotFound
	}
	session, ok := s.liveSessionLocked(sourceID)
	if !ok {
		return models.Session{}, models.ClipJob{}, ErrNoActiveSession
	}
	if _, exists := s.jobBySessionLocked(session.ID); exists {
		return models.Session{}, models.ClipJob{}, ErrDuplicateClipJob
	}

	now := s.now()
	original := session
	session.Status = models.SessionDone
	session.EndedAt = &now
	s.data.Sessions[session.ID] = session

	jobID, err := generateID()
	if err != nil {
		s.data.Sessions[session.ID] = original
		return models.Session{}, models.ClipJob{}, err
	}
	s.data.JobSeq++
	job := models.ClipJob{
		ID:        jobID,
		Seq:       s.data.JobSeq,
		SessionID: session.ID,
		Status:    models.ClipPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.data.ClipJobs[jobID] = job
	if err := s.persist(); err != nil {
		delete(s.data.ClipJobs, jobID)
		s.data.JobSeq--
		s.data.Sessions[session.ID] = original
		return models.Session{}, models.ClipJob{}, err
	}
	return session, job, nil
}

func (s *Storage) CurrentSession(sourceID string) (models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveSessionLocked(sourceID)
}

func (s *Storage) GetSession(id string) (models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.data.Sessions[id]
	return session, ok
}

func (s *Storage) ListSessions(sourceID string) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.data.Sources[sourceID]; !ok {
		return nil, ErrSourceNotFound
	}
	sessions := make([]models.Session, 0)
	for _, session := range s.data.Sessions {
		if session.SourceID == sourceID {
			sessions = append(sessions, session)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Seq > sessions[j].Seq
	})
	return sessions, nil
}

// Clip jobs

func (s *Storage) jobBySessionLocked(sessionID string) (models.ClipJob, bool) {
	for _, job := range s.data.ClipJobs {
		if job.SessionID == sessionID {
			return job, true
		}
	}
	return models.ClipJob{}, false
}

func (s *Storage) ClaimNextClipJob() (models.ClipJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest models.ClipJob
	found := false
	for _, job := range s.data.ClipJobs {
		if job.Status != models.ClipPending {
			continue
		}
		if !found || job.Seq < oldest.Seq {
			oldest = job
			found = true
		}
	}
	if !found {
		return models.ClipJob{}, ErrNoPendingJobs
	}

	original := oldest
	now := s.now()
	oldest.Status = models.ClipProcessing
	oldest.ClaimedAt = &now
	oldest.Attempts++
	oldest.UpdatedAt = now
	s.data.ClipJobs[oldest.ID] = oldest
	if err := s.persist(); err != nil {
		s.data.ClipJobs[original.ID] = original
		return models.ClipJob{}, err
	}
	return oldest, nil
}

func (s *Storage) GetClipJob(id string) (models.ClipJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.data.ClipJobs[id]
	return job, ok
}

func (s *Storage) GetClipJobBySession(sessionID string) (models.ClipJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobBySessionLocked(sessionID)
}

func (s *Storage) ListClipJobs(status models.ClipStatus) []models.ClipJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := make([]models.ClipJob, 0)
	for _, job := range s.data.ClipJobs {
		if status == "" || job.Status == status {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].Seq < jobs[j].Seq
	})
	return jobs
}

func (s *Storage) UpdateClipJob(id string, update ClipJobUpdate) (models.ClipJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.data.ClipJobs[id]
	if !ok {
		return models.ClipJob{}, ErrJobNotFound
	}
	original := job
	if update.Status != nil {
		job.Status = models.ClipStatus(*update.Status)
	}
	if update.ResultPath != nil {
		job.ResultPath = *update.ResultPath
	}
	if update.Error != nil {
		job.Error = truncateJobError(*update.Error)
	}
	if update.SizeBytes != nil {
		size := *update.SizeBytes
		job.SizeBytes = &size
	}
	job.UpdatedAt = s.now()
	s.data.ClipJobs[id] = job
	if err := s.persist(); err != nil {
		s.data.ClipJobs[id] = original
		return models.ClipJob{}, err
	}
	return job, nil
}

func (s *Storage) RequeueStaleClipJobs(claimTimeout time.Duration, maxAttempts int) (int, error) {
	if claimTimeout <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-claimTimeout)
	originals := make(map[string]models.ClipJob)
	moved := 0
	for id, job := range s.data.ClipJobs {
		if job.Status != models.ClipProcessing || job.ClaimedAt == nil || job.ClaimedAt.After(cutoff) {
			continue
		}
		originals[id] = job
		job.ClaimedAt = nil
		job.UpdatedAt = now
		if maxAttempts > 0 && job.Attempts >= maxAttempts {
			job.Status = models.ClipFailed
			job.Error = truncateJobError("retry attempts exhausted")
		} else {
			job.Status = models.ClipPending
		}
		s.data.ClipJobs[id] = job
		moved++
	}
	if moved == 0 {
		return 0, nil
	}
	if err := s.persist(); err != nil {
		for id, job := range originals {
			s.data.ClipJobs[id] = job
		}
		return 0, err
	}
	return moved, nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cloned := *t
	return &cloned
}
