package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecorderWriteIncludesRequestCounters(t *testing.T) {
	rec := New()
	rec.ObserveRequest("get", "/hooks/publish", 200, 5*time.Millisecond)
	rec.ObserveRequest("GET", "/hooks/publish", 200, 5*time.Millisecond)
	rec.ObserveRequest("POST", "/hooks/unpublish", 403, time.Millisecond)

	var out strings.Builder
	rec.Write(&out)
	text := out.String()

	if !strings.Contains(text, `clipfog_http_requests_total{method="GET",path="/hooks/publish",status="200"} 2`) {
		t.Fatalf("missing GET counter in output:\n%s", text)
	}
	if !strings.Contains(text, `clipfog_http_requests_total{method="POST",path="/hooks/unpublish",status="403"} 1`) {
		t.Fatalf("missing POST counter in output:\n%s", text)
	}
}

func TestRecorderNormalizesIdentifierSegments(t *testing.T) {
	rec := New()
	rec.ObserveRequest("GET", "/api/sessions/0123456789abcdef0123456789abcdef", 200, time.Millisecond)

	var out strings.Builder
	rec.Write(&out)
	if !strings.Contains(out.String(), `path="/api/sessions/:id"`) {
		t.Fatalf("expected identifier segment collapsed to :id:\n%s", out.String())
	}
}

func TestBroadcastGaugeNeverGoesNegative(t *testing.T) {
	rec := New()
	rec.BroadcastStopped()
	if got := rec.ActiveBroadcasts(); got != 0 {
		t.Fatalf("expected gauge 0, got %d", got)
	}

	rec.BroadcastStarted()
	rec.BroadcastStarted()
	rec.BroadcastReplaced()
	rec.BroadcastStopped()
	if got := rec.ActiveBroadcasts(); got != 0 {
		t.Fatalf("expected gauge back to 0, got %d", got)
	}
}

func TestJobLifecycleCounters(t *testing.T) {
	rec := New()
	rec.JobClaimed()
	rec.JobFinished("sent")
	rec.JobClaimed()
	rec.JobFinished("too_big")
	rec.JobRequeued()

	if got := rec.ActiveClipJobs(); got != 0 {
		t.Fatalf("expected no active jobs, got %d", got)
	}

	var out strings.Builder
	rec.Write(&out)
	text := out.String()
	for _, want := range []string{
		`clipfog_clip_job_events_total{event="claimed"} 2`,
		`clipfog_clip_job_events_total{event="sent"} 1`,
		`clipfog_clip_job_events_total{event="too_big"} 1`,
		`clipfog_clip_job_events_total{event="requeued"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in output:\n%s", want, text)
		}
	}
}

func TestDeliveryCounters(t *testing.T) {
	rec := New()
	rec.ObserveDelivery("video", false)
	rec.ObserveDelivery("video", true)
	rec.ObserveDelivery("text", false)

	var out strings.Builder
	rec.Write(&out)
	text := out.String()
	if !strings.Contains(text, `clipfog_delivery_attempts_total{kind="video"} 2`) {
		t.Fatalf("missing video attempts:\n%s", text)
	}
	if !strings.Contains(text, `clipfog_delivery_failures_total{kind="video"} 1`) {
		t.Fatalf("missing video failures:\n%s", text)
	}
	if !strings.Contains(text, `clipfog_delivery_failures_total{kind="text"} 0`) {
		t.Fatalf("expected zero text failures line:\n%s", text)
	}
}

func TestResetClearsCountersAndGauges(t *testing.T) {
	rec := New()
	rec.ObserveRequest("GET", "/healthz", 200, time.Millisecond)
	rec.BroadcastStarted()
	rec.JobClaimed()

	rec.Reset()

	if got := rec.ActiveBroadcasts(); got != 0 {
		t.Fatalf("expected broadcast gauge reset, got %d", got)
	}
	if got := rec.ActiveClipJobs(); got != 0 {
		t.Fatalf("expected job gauge reset, got %d", got)
	}
	var out strings.Builder
	rec.Write(&out)
	if strings.Contains(out.String(), `path="/healthz"`) {
		t.Fatalf("expected request counters cleared:\n%s", out.String())
	}
}

func TestNilRecorderMethodsAreSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveRequest("GET", "/", 200, 0)
	rec.BroadcastStarted()
	rec.BroadcastRejected("unknown_key")
	rec.JobClaimed()
	rec.JobFinished("failed")
	rec.ObserveDelivery("text", true)
	rec.RetentionDeleted(3)
}

func TestHTTPMiddlewareRecordsStatus(t *testing.T) {
	rec := New()
	handler := HTTPMiddleware(rec, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	req := httptest.NewRequest(http.MethodPost, "/hooks/publish", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var out strings.Builder
	rec.Write(&out)
	if !strings.Contains(out.String(), `clipfog_http_requests_total{method="POST",path="/hooks/publish",status="403"} 1`) {
		t.Fatalf("expected 403 recorded:\n%s", out.String())
	}
}

func TestMetricsHandlerContentType(t *testing.T) {
	rec := New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, req)

	if got := rr.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("unexpected content type %q", got)
	}
	if !strings.Contains(rr.Body.String(), "clipfog_active_broadcasts 0") {
		t.Fatalf("expected gauge line in body:\n%s", rr.Body.String())
	}
}
