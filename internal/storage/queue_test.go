package storage

import (
	"errors"
	"sync"
	"testing"
	"time"

	"clipfog/internal/models"
)

func enqueueJobs(t *testing.T, store *Storage, accountID string, count int) []models.ClipJob {
	t.Helper()
	jobs := make([]models.ClipJob, 0, count)
	for i := 0; i < count; i++ {
		source, err := store.CreateSource(accountID, "cam")
		if err != nil {
			t.Fatalf("CreateSource: %v", err)
		}
		if _, err := store.StartSession(source.ID); err != nil {
			t.Fatalf("StartSession: %v", err)
		}
		_, job, err := store.StopSession(source.ID)
		if err != nil {
			t.Fatalf("StopSession: %v", err)
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func TestClaimNextClipJobFIFO(t *testing.T) {
	store := newTestStore(t)
	account, err := store.CreateAccount(CreateAccountParams{Email: "fifo@example.com"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	queued := enqueueJobs(t, store, account.ID, 4)

	for i, want := range queued {
		claimed, err := store.ClaimNextClipJob()
		if err != nil {
			t.Fatalf("ClaimNextClipJob %d: %v", i, err)
		}
		if claimed.ID != want.ID {
			t.Fatalf("claim %d: expected job %s, got %s", i, want.ID, claimed.ID)
		}
		if claimed.Status != models.ClipProcessing {
			t.Fatalf("claim %d: expected processing status, got %s", i, claimed.Status)
		}
		if claimed.Attempts != 1 {
			t.Fatalf("claim %d: expected attempts 1, got %d", i, claimed.Attempts)
		}
		if claimed.ClaimedAt == nil {
			t.Fatalf("claim %d: expected claim timestamp", i)
		}
	}

	if _, err := store.ClaimNextClipJob(); !errors.Is(err, ErrNoPendingJobs) {
		t.Fatalf("expected ErrNoPendingJobs on empty queue, got %v", err)
	}
}

func TestClaimNextClipJobExactlyOnceUnderConcurrency(t *testing.T) {
	store := newTestStore(t)
	account, err := store.CreateAccount(CreateAccountParams{Email: "race@example.com"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	const jobCount = 12
	enqueueJobs(t, store, account.ID, jobCount)

	const workers = 8
	var mu sync.Mutex
	claims := make(map[string]int)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for {
				job, err := store.ClaimNextClipJob()
				if errors.Is(err, ErrNoPendingJobs) {
					return
				}
				if err != nil {
					t.Errorf("ClaimNextClipJob: %v", err)
					return
				}
				mu.Lock()
				claims[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claims) != jobCount {
		t.Fatalf("expected %d distinct claims, got %d", jobCount, len(claims))
	}
	for id, count := range claims {
		if count != 1 {
			t.Fatalf("job %s claimed %d times", id, count)
		}
	}
}

func TestRequeueStaleClipJobs(t *testing.T) {
	current := time.Now().UTC()
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return current
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		current = current.Add(d)
		clockMu.Unlock()
	}

	store := newTestStore(t, WithClock(clock))
	account, err := store.CreateAccount(CreateAccountParams{Email: "stale@example.com"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	enqueueJobs(t, store, account.ID, 1)

	claimed, err := store.ClaimNextClipJob()
	if err != nil {
		t.Fatalf("ClaimNextClipJob: %v", err)
	}

	// Fresh claims stay claimed.
	moved, err := store.RequeueStaleClipJobs(15*time.Minute, 3)
	if err != nil {
		t.Fatalf("RequeueStaleClipJobs: %v", err)
	}
	if moved != 0 {
		t.Fatalf("expected no fresh claims requeued, got %d", moved)
	}

	advance(16 * time.Minute)
	moved, err = store.RequeueStaleClipJobs(15*time.Minute, 3)
	if err != nil {
		t.Fatalf("RequeueStaleClipJobs: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected one stale job requeued, got %d", moved)
	}
	job, ok := store.GetClipJob(claimed.ID)
	if !ok {
		t.Fatalf("expected job to survive requeue")
	}
	if job.Status != models.ClipPending || job.ClaimedAt != nil {
		t.Fatalf("expected pending job without claim, got %+v", job)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected attempts preserved across requeue, got %d", job.Attempts)
	}
}

func TestRequeueStaleClipJobsExhaustsAttempts(t *testing.T) {
	current := time.Now().UTC()
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return current
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		current = current.Add(d)
		clockMu.Unlock()
	}

	store := newTestStore(t, WithClock(clock))
	account, err := store.CreateAccount(CreateAccountParams{Email: "exhaust@example.com"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	queued := enqueueJobs(t, store, account.ID, 1)

	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		claimed, err := store.ClaimNextClipJob()
		if err != nil {
			t.Fatalf("ClaimNextClipJob attempt %d: %v", attempt, err)
		}
		if claimed.Attempts != attempt {
			t.Fatalf("expected attempts %d, got %d", attempt, claimed.Attempts)
		}
		advance(20 * time.Minute)
		if _, err := store.RequeueStaleClipJobs(15*time.Minute, maxAttempts); err != nil {
			t.Fatalf("RequeueStaleClipJobs attempt %d: %v", attempt, err)
		}
	}

	job, ok := store.GetClipJob(queued[0].ID)
	if !ok {
		t.Fatalf("expected job to exist")
	}
	if job.Status != models.ClipFailed {
		t.Fatalf("expected failed status after %d attempts, got %s", maxAttempts, job.Status)
	}
	if job.Error == "" {
		t.Fatalf("expected failure reason on exhausted job")
	}
	if _, err := store.ClaimNextClipJob(); !errors.Is(err, ErrNoPendingJobs) {
		t.Fatalf("expected empty queue after exhaustion, got %v", err)
	}
}

func TestRequeueStaleClipJobsIgnoresTerminalStates(t *testing.T) {
	current := time.Now().UTC()
	store := newTestStore(t, WithClock(func() time.Time { return current }))
	account, err := store.CreateAccount(CreateAccountParams{Email: "terminal@example.com"})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	enqueueJobs(t, store, account.ID, 1)

	claimed, err := store.ClaimNextClipJob()
	if err != nil {
		t.Fatalf("ClaimNextClipJob: %v", err)
	}
	status := string(models.ClipSent)
	if _, err := store.UpdateClipJob(claimed.ID, ClipJobUpdate{Status: &status}); err != nil {
		t.Fatalf("UpdateClipJob: %v", err)
	}

	current = current.Add(time.Hour)
	moved, err := store.RequeueStaleClipJobs(15*time.Minute, 3)
	if err != nil {
		t.Fatalf("RequeueStaleClipJobs: %v", err)
	}
	if moved != 0 {
		t.Fatalf("expected terminal jobs untouched, got %d requeued", moved)
	}
	job, _ := store.GetClipJob(claimed.ID)
	if job.Status != models.ClipSent {
		t.Fatalf("expected sent status preserved, got %s", job.Status)
	}
}
