package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// broadcast lifecycle events, clip job outcomes, delivery attempts, and
// retention sweeps. All methods are safe for concurrent use.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	broadcastEvents  map[string]uint64
	jobEvents        map[string]uint64
	deliveryAttempts map[string]uint64
	deliveryFailures map[string]uint64
	retentionDeleted uint64
	activeBroadcasts atomic.Int64
	activeJobs       atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		broadcastEvents:  make(map[string]uint64),
		jobEvents:        make(map[string]uint64),
		deliveryAttempts: make(map[string]uint64),
		deliveryFailures: make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by packages that do not carry
// their own instrumentation wiring.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// BroadcastStarted records a session start and raises the live gauge.
func (r *Recorder) BroadcastStarted() {
	if r == nil {
		return
	}
	r.incrementBroadcastEvent("start")
	r.activeBroadcasts.Add(1)
}

// BroadcastStopped records a clean session stop and lowers the live gauge.
func (r *Recorder) BroadcastStopped() {
	if r == nil {
		return
	}
	r.incrementBroadcastEvent("stop")
	decrementGauge(&r.activeBroadcasts)
}

// BroadcastReplaced records a live session force-closed by a newer publish.
// The live gauge stays level because the replacing session starts immediately.
func (r *Recorder) BroadcastReplaced() {
	if r == nil {
		return
	}
	r.incrementBroadcastEvent("replaced")
	decrementGauge(&r.activeBroadcasts)
}

// BroadcastRejected records a publish attempt turned away at the hook.
func (r *Recorder) BroadcastRejected(reason string) {
	if r == nil {
		return
	}
	r.incrementBroadcastEvent("rejected_" + normalizeName(reason))
}

func (r *Recorder) incrementBroadcastEvent(event string) {
	r.mu.Lock()
	r.broadcastEvents[normalizeName(event)]++
	r.mu.Unlock()
}

// JobClaimed records a worker taking ownership of a clip job and raises the
// active job gauge.
func (r *Recorder) JobClaimed() {
	if r == nil {
		return
	}
	r.incrementJobEvent("claimed")
	r.activeJobs.Add(1)
}

// JobFinished records a job reaching a terminal status and lowers the active
// job gauge.
func (r *Recorder) JobFinished(status string) {
	if r == nil {
		return
	}
	r.incrementJobEvent(status)
	decrementGauge(&r.activeJobs)
}

// JobRequeued records a stale claim returned to the queue.
func (r *Recorder) JobRequeued() {
	if r == nil {
		return
	}
	r.incrementJobEvent("requeued")
}

func (r *Recorder) incrementJobEvent(event string) {
	r.mu.Lock()
	r.jobEvents[normalizeName(event)]++
	r.mu.Unlock()
}

// ObserveDelivery records a delivery attempt keyed by kind ("video" or
// "text") and whether it failed.
func (r *Recorder) ObserveDelivery(kind string, failed bool) {
	if r == nil {
		return
	}
	name := normalizeName(kind)
	r.mu.Lock()
	r.deliveryAttempts[name]++
	if failed {
		r.deliveryFailures[name]++
	}
	r.mu.Unlock()
}

// RetentionDeleted records clip files removed by the retention sweeper.
func (r *Recorder) RetentionDeleted(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.mu.Lock()
	r.retentionDeleted += uint64(count)
	r.mu.Unlock()
}

// ActiveBroadcasts exposes the current live session gauge.
func (r *Recorder) ActiveBroadcasts() int64 {
	return r.activeBroadcasts.Load()
}

// ActiveClipJobs exposes the number of jobs currently held by workers.
func (r *Recorder) ActiveClipJobs() int64 {
	return r.activeJobs.Load()
}

// Reset clears all counters and gauges. Intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.broadcastEvents = make(map[string]uint64)
	r.jobEvents = make(map[string]uint64)
	r.deliveryAttempts = make(map[string]uint64)
	r.deliveryFailures = make(map[string]uint64)
	r.retentionDeleted = 0
	r.activeBroadcasts.Store(0)
	r.activeJobs.Store(0)
}

// Handler exposes the Recorder as an http.Handler writing Prometheus text
// exposition data.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders metrics in Prometheus text format with label sets sorted for
// stable scrapes.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	broadcastEvents := sortedKeys(r.broadcastEvents)
	jobEvents := sortedKeys(r.jobEvents)
	deliveryKinds := r.sortedDeliveryKinds()

	fmt.Fprintln(w, "# HELP clipfog_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE clipfog_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "clipfog_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP clipfog_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE clipfog_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "clipfog_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP clipfog_broadcast_events_total Broadcast lifecycle events by type")
	fmt.Fprintln(w, "# TYPE clipfog_broadcast_events_total counter")
	for _, event := range broadcastEvents {
		fmt.Fprintf(w, "clipfog_broadcast_events_total{event=\"%s\"} %d\n", event, r.broadcastEvents[event])
	}

	fmt.Fprintln(w, "# HELP clipfog_active_broadcasts Current number of live broadcast sessions")
	fmt.Fprintln(w, "# TYPE clipfog_active_broadcasts gauge")
	fmt.Fprintf(w, "clipfog_active_broadcasts %d\n", r.activeBroadcasts.Load())

	fmt.Fprintln(w, "# HELP clipfog_clip_job_events_total Clip job events by outcome")
	fmt.Fprintln(w, "# TYPE clipfog_clip_job_events_total counter")
	for _, event := range jobEvents {
		fmt.Fprintf(w, "clipfog_clip_job_events_total{event=\"%s\"} %d\n", event, r.jobEvents[event])
	}

	fmt.Fprintln(w, "# HELP clipfog_clip_active_jobs Current number of claimed clip jobs")
	fmt.Fprintln(w, "# TYPE clipfog_clip_active_jobs gauge")
	fmt.Fprintf(w, "clipfog_clip_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP clipfog_delivery_attempts_total Delivery attempts by kind")
	fmt.Fprintln(w, "# TYPE clipfog_delivery_attempts_total counter")
	for _, kind := range deliveryKinds {
		fmt.Fprintf(w, "clipfog_delivery_attempts_total{kind=\"%s\"} %d\n", kind, r.deliveryAttempts[kind])
	}

	fmt.Fprintln(w, "# HELP clipfog_delivery_failures_total Delivery failures by kind")
	fmt.Fprintln(w, "# TYPE clipfog_delivery_failures_total counter")
	for _, kind := range deliveryKinds {
		fmt.Fprintf(w, "clipfog_delivery_failures_total{kind=\"%s\"} %d\n", kind, r.deliveryFailures[kind])
	}

	fmt.Fprintln(w, "# HELP clipfog_retention_deleted_total Clip files removed by the retention sweeper")
	fmt.Fprintln(w, "# TYPE clipfog_retention_deleted_total counter")
	fmt.Fprintf(w, "clipfog_retention_deleted_total %d\n", r.retentionDeleted)
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedDeliveryKinds() []string {
	seen := make(map[string]struct{}, len(r.deliveryAttempts)+len(r.deliveryFailures))
	for kind := range r.deliveryAttempts {
		seen[kind] = struct{}{}
	}
	for kind := range r.deliveryFailures {
		seen[kind] = struct{}{}
	}
	kinds := make([]string, 0, len(seen))
	for kind := range seen {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}
