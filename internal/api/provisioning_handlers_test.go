package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"clipfog/internal/models"
	"clipfog/internal/storage"
)

func newProvisioningHandler(t *testing.T) (*Handler, *storage.Storage) {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	return NewHandler(store), store
}

func doJSON(t *testing.T, handler http.HandlerFunc, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler(rr, req)
	return rr
}

func TestAccountsCreateAndPatch(t *testing.T) {
	handler, store := newProvisioningHandler(t)

	rr := doJSON(t, handler.Accounts, http.MethodPost, "/api/accounts",
		`{"email":"ops@example.com","approved":true,"active":true,"keepClips":true,"chatId":"chat-9"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var account models.Account
	if err := json.Unmarshal(rr.Body.Bytes(), &account); err != nil {
		t.Fatalf("unmarshal account: %v", err)
	}
	if account.MaxDeliveryMB != models.DefaultMaxDeliveryMB {
		t.Fatalf("expected default delivery limit, got %d", account.MaxDeliveryMB)
	}

	rr = doJSON(t, handler.AccountByID, http.MethodPatch, "/api/accounts/"+account.ID,
		`{"expiresAt":"2027-01-01T00:00:00Z","maxDeliveryMB":20}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	updated, ok := store.GetAccount(account.ID)
	if !ok || updated.ExpiresAt == nil || updated.MaxDeliveryMB != 20 {
		t.Fatalf("expected expiry and limit applied, got %+v", updated)
	}

	// An empty expiresAt clears the window again.
	rr = doJSON(t, handler.AccountByID, http.MethodPatch, "/api/accounts/"+account.ID, `{"expiresAt":""}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	updated, _ = store.GetAccount(account.ID)
	if updated.ExpiresAt != nil {
		t.Fatalf("expected expiry cleared, got %v", updated.ExpiresAt)
	}
}

func TestAccountsRejectsBadExpiry(t *testing.T) {
	handler, _ := newProvisioningHandler(t)
	rr := doJSON(t, handler.Accounts, http.MethodPost, "/api/accounts",
		`{"email":"ops@example.com","expiresAt":"next tuesday"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestSourcesLifecycle(t *testing.T) {
	handler, store := newProvisioningHandler(t)
	account, err := store.CreateAccount(storage.CreateAccountParams{Email: "src@example.com", Approved: true, Active: true})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	rr := doJSON(t, handler.Sources, http.MethodPost, "/api/sources",
		`{"accountId":"`+account.ID+`","name":"Backyard cam"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var source models.Source
	if err := json.Unmarshal(rr.Body.Bytes(), &source); err != nil {
		t.Fatalf("unmarshal source: %v", err)
	}
	if source.StreamKey == "" || !source.Enabled {
		t.Fatalf("expected enabled source with a key, got %+v", source)
	}

	rr = doJSON(t, handler.SourceByID, http.MethodPost, "/api/sources/"+source.ID+"/rotate-key", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var rotated models.Source
	if err := json.Unmarshal(rr.Body.Bytes(), &rotated); err != nil {
		t.Fatalf("unmarshal rotated source: %v", err)
	}
	if rotated.StreamKey == source.StreamKey {
		t.Fatalf("expected a fresh stream key after rotation")
	}

	rr = doJSON(t, handler.SourceByID, http.MethodGet, "/api/sources/"+source.ID+"/sessions", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("expected empty session list, got %s", rr.Body.String())
	}
}

func TestSourcesCreateForUnknownAccount(t *testing.T) {
	handler, _ := newProvisioningHandler(t)
	rr := doJSON(t, handler.Sources, http.MethodPost, "/api/sources",
		`{"accountId":"missing","name":"Cam"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestClipJobsFilterValidation(t *testing.T) {
	handler, _ := newProvisioningHandler(t)

	rr := doJSON(t, handler.ClipJobs, http.MethodGet, "/api/jobs?status=sideways", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rr.Code)
	}
	rr = doJSON(t, handler.ClipJobs, http.MethodGet, "/api/jobs?status=pending", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestSessionClipJobLookup(t *testing.T) {
	handler, store := newProvisioningHandler(t)
	account, err := store.CreateAccount(storage.CreateAccountParams{Email: "job@example.com", Approved: true, Active: true})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	source, err := store.CreateSource(account.ID, "Cam")
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	if _, err := store.StartSession(source.ID); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	session, job, err := store.StopSession(source.ID)
	if err != nil {
		t.Fatalf("StopSession: %v", err)
	}

	rr := doJSON(t, handler.SessionClipJob, http.MethodGet, "/api/sessions/"+session.ID+"/job", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var got models.ClipJob
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if got.ID != job.ID {
		t.Fatalf("expected job %s, got %s", job.ID, got.ID)
	}
}
