package storage

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T, opts ...Option) *Storage {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	store, err := NewStorage(path, opts...)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	return store
}

func newTestAccountAndSource(t *testing.T, store *Storage) (string, string) {
	t.Helper()
	account, err := store.CreateAccount(CreateAccountParams{
		Email:    "broadcaster@example.com",
		Approved: true,
		Active:   true,
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	source, err := store.CreateSource(account.ID, "Main camera")
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	return account.ID, source.ID
}

func TestCreateAccountRejectsDuplicateEmail(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.CreateAccount(CreateAccountParams{Email: "dup@example.com"}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := store.CreateAccount(CreateAccountParams{Email: "DUP@example.com"}); err == nil {
		t.Fatalf("expected duplicate email error")
	}
}

func TestCreateAccountDefaultsDeliveryLimit(t *testing.T) {
	store := newTestStore(t)

	account, err := store.CreateAccount(CreateAccountParams{Email: "limits@example.com"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if account.MaxDeliveryMB != 50 {
		t.Fatalf("expected default delivery limit 50, got %d", account.MaxDeliveryMB)
	}
	if got := account.MaxDeliveryBytes(); got != 50*1024*1024 {
		t.Fatalf("expected %d bytes, got %d", 50*1024*1024, got)
	}
}

func TestGetSourceByKeyIgnoresBlankKeys(t *testing.T) {
	store := newTestStore(t)
	newTestAccountAndSource(t, store)

	if _, ok := store.GetSourceByKey("   "); ok {
		t.Fatalf("expected blank key lookup to miss")
	}
	if _, ok := store.GetSourceByKey("nope"); ok {
		t.Fatalf("expected unknown key lookup to miss")
	}
}

func TestRotateSourceKeyReplacesKey(t *testing.T) {
	store := newTestStore(t)
	_, sourceID := newTestAccountAndSource(t, store)

	before, _ := store.GetSource(sourceID)
	after, err := store.RotateSourceKey(sourceID)
	if err != nil {
		t.Fatalf("RotateSourceKey: %v", err)
	}
	if after.StreamKey == before.StreamKey {
		t.Fatalf("expected stream key to change")
	}
	if _, ok := store.GetSourceByKey(before.StreamKey); ok {
		t.Fatalf("expected old key to stop resolving")
	}
	if resolved, ok := store.GetSourceByKey(after.StreamKey); !ok || resolved.ID != sourceID {
		t.Fatalf("expected new key to resolve to source %s", sourceID)
	}
}

func TestStartSessionForceClosesPriorLiveSession(t *testing.T) {
	store := newTestStore(t)
	_, sourceID := newTestAccountAndSource(t, store)

	first, err := store.StartSession(sourceID)
	if err != nil {
		t.Fatalf("StartSession first: %v", err)
	}
	second, err := store.StartSession(sourceID)
	if err != nil {
		t.Fatalf("StartSession second: %v", err)
	}

	closed, ok := store.GetSession(first.ID)
	if !ok {
		t.Fatalf("expected first session to survive")
	}
	if closed.Status != "error" {
		t.Fatalf("expected replaced session status error, got %s", closed.Status)
	}
	if closed.Note != SessionReplacedNote {
		t.Fatalf("expected note %q, got %q", SessionReplacedNote, closed.Note)
	}
	if closed.EndedAt == nil {
		t.Fatalf("expected replaced session to carry an end time")
	}

	current, ok := store.CurrentSession(sourceID)
	if !ok || current.ID != second.ID {
		t.Fatalf("expected second session to be live")
	}
	if second.Seq <= first.Seq {
		t.Fatalf("expected monotonic session seq, got %d then %d", first.Seq, second.Seq)
	}
}

func TestStartSessionKeepsAtMostOneLiveUnderConcurrency(t *testing.T) {
	store := newTestStore(t)
	_, sourceID := newTestAccountAndSource(t, store)

	const starters = 16
	var wg sync.WaitGroup
	wg.Add(starters)
	for i := 0; i < starters; i++ {
		go func() {
			defer wg.Done()
			if _, err := store.StartSession(sourceID); err != nil {
				t.Errorf("StartSession: %v", err)
			}
		}()
	}
	wg.Wait()

	sessions, err := store.ListSessions(sourceID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	live := 0
	for _, session := range sessions {
		if session.Status == "live" {
			live++
		}
	}
	if live != 1 {
		t.Fatalf("expected exactly one live session, got %d", live)
	}
}

func TestStopSessionEnqueuesOneJobUnderConcurrency(t *testing.T) {
	store := newTestStore(t)
	_, sourceID := newTestAccountAndSource(t, store)

	if _, err := store.StartSession(sourceID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	const stoppers = 16
	var wg sync.WaitGroup
	errs := make(chan error, stoppers)
	wg.Add(stoppers)
	for i := 0; i < stoppers; i++ {
		go func() {
			defer wg.Done()
			_, _, err := store.StopSession(sourceID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrNoActiveSession) || errors.Is(err, ErrDuplicateClipJob):
		default:
			t.Fatalf("unexpected StopSession error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one stop to win, got %d", wins)
	}
	if jobs := store.ListClipJobs(""); len(jobs) != 1 {
		t.Fatalf("expected exactly one clip job, got %d", len(jobs))
	}
}

func TestStopSessionClosesAndEnqueuesSingleJob(t *testing.T) {
	store := newTestStore(t)
	_, sourceID := newTestAccountAndSource(t, store)

	started, err := store.StartSession(sourceID)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	session, job, err := store.StopSession(sourceID)
	if err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if session.ID != started.ID {
		t.Fatalf("expected stop to close session %s, got %s", started.ID, session.ID)
	}
	if session.Status != "done" || session.EndedAt == nil {
		t.Fatalf("expected done session with end time, got %+v", session)
	}
	if job.SessionID != session.ID || job.Status != "pending" {
		t.Fatalf("unexpected job %+v", job)
	}

	if _, _, err := store.StopSession(sourceID); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession on second stop, got %v", err)
	}
	jobs := store.ListClipJobs("")
	if len(jobs) != 1 {
		t.Fatalf("expected one clip job, got %d", len(jobs))
	}
}

func TestStopSessionUnknownSource(t *testing.T) {
	store := newTestStore(t)

	if _, _, err := store.StopSession("missing"); !errors.Is(err, ErrSourceNotFound) {
		t.Fatalf("expected ErrSourceNotFound, got %v", err)
	}
}

func TestUpdateClipJobTruncatesError(t *testing.T) {
	store := newTestStore(t)
	_, sourceID := newTestAccountAndSource(t, store)
	if _, err := store.StartSession(sourceID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	_, job, err := store.StopSession(sourceID)
	if err != nil {
		t.Fatalf("StopSession: %v", err)
	}

	long := make([]byte, MaxJobErrorLength+500)
	for i := range long {
		long[i] = 'x'
	}
	text := string(long)
	status := "failed"
	updated, err := store.UpdateClipJob(job.ID, ClipJobUpdate{Status: &status, Error: &text})
	if err != nil {
		t.Fatalf("UpdateClipJob: %v", err)
	}
	if len(updated.Error) != MaxJobErrorLength {
		t.Fatalf("expected error truncated to %d chars, got %d", MaxJobErrorLength, len(updated.Error))
	}
}

func TestPersistFailureRollsBackSessionStart(t *testing.T) {
	store := newTestStore(t)
	_, sourceID := newTestAccountAndSource(t, store)

	first, err := store.StartSession(sourceID)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	store.persistOverride = func(dataset) error { return errors.New("disk full") }
	if _, err := store.StartSession(sourceID); err == nil {
		t.Fatalf("expected StartSession error when persist fails")
	}
	store.persistOverride = nil

	current, ok := store.CurrentSession(sourceID)
	if !ok || current.ID != first.ID {
		t.Fatalf("expected first session to stay live after rollback")
	}
	if current.Status != "live" || current.Note != "" {
		t.Fatalf("expected untouched live session, got %+v", current)
	}
}

func TestStorageReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")

	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	accountID, sourceID := newTestAccountAndSource(t, store)
	if _, err := store.StartSession(sourceID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, _, err := store.StopSession(sourceID); err != nil {
		t.Fatalf("StopSession: %v", err)
	}

	reloaded, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage reload: %v", err)
	}
	if _, ok := reloaded.GetAccount(accountID); !ok {
		t.Fatalf("expected account to survive reload")
	}
	jobs := reloaded.ListClipJobs("pending")
	if len(jobs) != 1 {
		t.Fatalf("expected pending job after reload, got %d", len(jobs))
	}

	// Seq counters must survive too, or new jobs would reuse positions.
	second, err := reloaded.CreateSource(accountID, "Backup camera")
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	if _, err := reloaded.StartSession(second.ID); err != nil {
		t.Fatalf("StartSession after reload: %v", err)
	}
	_, job, err := reloaded.StopSession(second.ID)
	if err != nil {
		t.Fatalf("StopSession after reload: %v", err)
	}
	if job.Seq != jobs[0].Seq+1 {
		t.Fatalf("expected job seq %d, got %d", jobs[0].Seq+1, job.Seq)
	}
}

func TestAccountExpiry(t *testing.T) {
	store := newTestStore(t)

	expires := time.Now().Add(-time.Hour)
	account, err := store.CreateAccount(CreateAccountParams{
		Email:     "expired@example.com",
		Approved:  true,
		Active:    true,
		ExpiresAt: &expires,
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if !account.Expired(time.Now()) {
		t.Fatalf("expected account to report expired")
	}

	var cleared *time.Time
	updated, err := store.UpdateAccount(account.ID, AccountUpdate{ExpiresAt: &cleared})
	if err != nil {
		t.Fatalf("UpdateAccount: %v", err)
	}
	if updated.ExpiresAt != nil {
		t.Fatalf("expected expiry to clear")
	}
	if updated.Expired(time.Now()) {
		t.Fatalf("expected account without expiry to never expire")
	}
}
