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

// AdmissionLabel identifies an admission outcome.
type AdmissionLabel struct {
	Operation string
	Result    string
}

// TransitionLabel identifies a lifecycle edge.
type TransitionLabel struct {
	From string
	To   string
}

// JobLabel identifies a background job event.
type JobLabel struct {
	Kind   string
	Status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, live
// admission, ingest decisions, lifecycle transitions and replay jobs.
type Recorder struct {
	mu                sync.RWMutex
	requestCount      map[requestLabel]uint64
	requestDuration   map[requestLabel]time.Duration
	admissions        map[AdmissionLabel]uint64
	ingestDecisions   map[string]uint64
	transitions       map[TransitionLabel]uint64
	dependencyValue   map[string]float64
	dependencyState   map[string]string
	events            map[string]uint64
	transcodeAttempts map[string]uint64
	transcodeFailures map[string]uint64
	jobEvents         map[JobLabel]uint64
	activeSessions    atomic.Int64
	activeJobs        atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder.
func New() *Recorder {
	r := &Recorder{}
	r.resetLocked()
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

func (r *Recorder) resetLocked() {
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.admissions = make(map[AdmissionLabel]uint64)
	r.ingestDecisions = make(map[string]uint64)
	r.transitions = make(map[TransitionLabel]uint64)
	r.dependencyValue = make(map[string]float64)
	r.dependencyState = make(map[string]string)
	r.events = make(map[string]uint64)
	r.transcodeAttempts = make(map[string]uint64)
	r.transcodeFailures = make(map[string]uint64)
	r.jobEvents = make(map[JobLabel]uint64)
	r.activeSessions.Store(0)
	r.activeJobs.Store(0)
}

// ObserveRequest accumulates request count and duration by method,
// normalized path and status.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
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

// ObserveAdmission records the result of a create/update/delete request, e.g.
// ("create", "accepted") or ("create", "forbidden").
func (r *Recorder) ObserveAdmission(operation, result string) {
	label := AdmissionLabel{Operation: normalizeName(operation), Result: normalizeName(result)}
	r.mu.Lock()
	r.admissions[label]++
	r.mu.Unlock()
}

// ObserveIngestDecision records why an ingest connection was accepted or
// refused.
func (r *Recorder) ObserveIngestDecision(reason string) {
	normalized := normalizeName(reason)
	r.mu.Lock()
	r.ingestDecisions[normalized]++
	r.mu.Unlock()
}

// ObserveTransition records a lifecycle edge.
func (r *Recorder) ObserveTransition(from, to string) {
	label := TransitionLabel{From: normalizeName(from), To: normalizeName(to)}
	r.mu.Lock()
	r.transitions[label]++
	r.mu.Unlock()
}

// SessionStarted increments the active session gauge.
func (r *Recorder) SessionStarted() {
	r.activeSessions.Add(1)
}

// SessionEnded decrements the active session gauge without going negative.
func (r *Recorder) SessionEnded() {
	r.decrementGauge(&r.activeSessions)
}

// ActiveSessions exposes the current gauge value.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// ObserveEvent records a published lifecycle event.
func (r *Recorder) ObserveEvent(eventType string) {
	normalized := normalizeName(eventType)
	r.mu.Lock()
	r.events[normalized]++
	r.mu.Unlock()
}

// ObserveTranscodeAttempt records a packaging operation attempt keyed by
// operation name (e.g. "start", "stop").
func (r *Recorder) ObserveTranscodeAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.transcodeAttempts[op]++
	r.mu.Unlock()
}

// ObserveTranscodeFailure records a failed packaging operation. The caller
// records the attempt separately.
func (r *Recorder) ObserveTranscodeFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.transcodeFailures[op]++
	r.mu.Unlock()
}

// JobStarted records the start of a background job of the given kind
// (e.g. "replay") and increments the active job gauge.
func (r *Recorder) JobStarted(kind string) {
	r.recordJobEvent(kind, "start")
	r.activeJobs.Add(1)
}

func (r *Recorder) JobCompleted(kind string) {
	r.recordJobEvent(kind, "complete")
	r.decrementGauge(&r.activeJobs)
}

func (r *Recorder) JobFailed(kind string) {
	r.recordJobEvent(kind, "fail")
	r.decrementGauge(&r.activeJobs)
}

func (r *Recorder) recordJobEvent(kind, status string) {
	label := JobLabel{Kind: normalizeName(kind), Status: normalizeName(status)}
	r.mu.Lock()
	r.jobEvents[label]++
	r.mu.Unlock()
}

// SetDependencyHealth maps status strings to numeric health values and stores
// both for export.
func (r *Recorder) SetDependencyHealth(service, status string) {
	normalizedService := normalizeName(service)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := 0.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	default:
		value = -1
	}
	r.mu.Lock()
	r.dependencyValue[normalizedService] = value
	r.dependencyState[normalizedService] = normalizedStatus
	r.mu.Unlock()
}

// AdmissionCounts returns a copy of the admission counters.
func (r *Recorder) AdmissionCounts() map[AdmissionLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[AdmissionLabel]uint64, len(r.admissions))
	for k, v := range r.admissions {
		out[k] = v
	}
	return out
}

// IngestDecisions returns a copy of the ingest decision counters.
func (r *Recorder) IngestDecisions() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.ingestDecisions))
	for k, v := range r.ingestDecisions {
		out[k] = v
	}
	return out
}

// TransitionCounts returns a copy of the transition counters.
func (r *Recorder) TransitionCounts() map[TransitionLabel]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[TransitionLabel]uint64, len(r.transitions))
	for k, v := range r.transitions {
		out[k] = v
	}
	return out
}

// JobCounts returns copies of job event counters and the active job gauge.
func (r *Recorder) JobCounts() (events map[JobLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[JobLabel]uint64, len(r.jobEvents))
	for k, v := range r.jobEvents {
		events[k] = v
	}
	return events, r.activeJobs.Load()
}

// TranscodeCounts returns copies of packaging attempt and failure counters.
func (r *Recorder) TranscodeCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.transcodeAttempts))
	for k, v := range r.transcodeAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.transcodeFailures))
	for k, v := range r.transcodeFailures {
		failures[k] = v
	}
	return attempts, failures
}

// Reset clears all counters and gauges. It is intended for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
}

// Handler writes Prometheus text exposition data.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the metrics in Prometheus text format with sorted label sets.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()

	fmt.Fprintln(w, "# HELP peertube_live_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE peertube_live_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "peertube_live_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP peertube_live_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE peertube_live_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "peertube_live_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP peertube_live_admissions_total Live admission outcomes by operation and result")
	fmt.Fprintln(w, "# TYPE peertube_live_admissions_total counter")
	for _, label := range r.sortedAdmissionLabels() {
		fmt.Fprintf(w, "peertube_live_admissions_total{operation=\"%s\",result=\"%s\"} %d\n", label.Operation, label.Result, r.admissions[label])
	}

	fmt.Fprintln(w, "# HELP peertube_live_ingest_decisions_total Ingest connection decisions by reason")
	fmt.Fprintln(w, "# TYPE peertube_live_ingest_decisions_total counter")
	for _, reason := range sortedKeys(r.ingestDecisions) {
		fmt.Fprintf(w, "peertube_live_ingest_decisions_total{reason=\"%s\"} %d\n", reason, r.ingestDecisions[reason])
	}

	fmt.Fprintln(w, "# HELP peertube_live_transitions_total Lifecycle transitions by edge")
	fmt.Fprintln(w, "# TYPE peertube_live_transitions_total counter")
	for _, label := range r.sortedTransitionLabels() {
		fmt.Fprintf(w, "peertube_live_transitions_total{from=\"%s\",to=\"%s\"} %d\n", label.From, label.To, r.transitions[label])
	}

	fmt.Fprintln(w, "# HELP peertube_live_active_sessions Current number of ingest sessions holding a live")
	fmt.Fprintln(w, "# TYPE peertube_live_active_sessions gauge")
	fmt.Fprintf(w, "peertube_live_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP peertube_live_events_total Lifecycle events published by type")
	fmt.Fprintln(w, "# TYPE peertube_live_events_total counter")
	for _, event := range sortedKeys(r.events) {
		fmt.Fprintf(w, "peertube_live_events_total{event=\"%s\"} %d\n", event, r.events[event])
	}

	transcodeOps := mergedKeys(r.transcodeAttempts, r.transcodeFailures)
	fmt.Fprintln(w, "# HELP peertube_live_transcode_attempts_total Packaging operations attempted by action")
	fmt.Fprintln(w, "# TYPE peertube_live_transcode_attempts_total counter")
	for _, op := range transcodeOps {
		fmt.Fprintf(w, "peertube_live_transcode_attempts_total{operation=\"%s\"} %d\n", op, r.transcodeAttempts[op])
	}
	fmt.Fprintln(w, "# HELP peertube_live_transcode_failures_total Packaging operation failures by action")
	fmt.Fprintln(w, "# TYPE peertube_live_transcode_failures_total counter")
	for _, op := range transcodeOps {
		fmt.Fprintf(w, "peertube_live_transcode_failures_total{operation=\"%s\"} %d\n", op, r.transcodeFailures[op])
	}

	fmt.Fprintln(w, "# HELP peertube_live_jobs_total Background job events by kind and status")
	fmt.Fprintln(w, "# TYPE peertube_live_jobs_total counter")
	for _, label := range r.sortedJobLabels() {
		fmt.Fprintf(w, "peertube_live_jobs_total{kind=\"%s\",status=\"%s\"} %d\n", label.Kind, label.Status, r.jobEvents[label])
	}
	fmt.Fprintln(w, "# HELP peertube_live_active_jobs Current number of running background jobs")
	fmt.Fprintln(w, "# TYPE peertube_live_active_jobs gauge")
	fmt.Fprintf(w, "peertube_live_active_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP peertube_live_dependency_health Health reported by dependencies (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE peertube_live_dependency_health gauge")
	for _, service := range sortedKeys(r.dependencyState) {
		fmt.Fprintf(w, "peertube_live_dependency_health{service=\"%s\",status=\"%s\"} %f\n", service, r.dependencyState[service], r.dependencyValue[service])
	}
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

func (r *Recorder) sortedAdmissionLabels() []AdmissionLabel {
	labels := make([]AdmissionLabel, 0, len(r.admissions))
	for label := range r.admissions {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Operation != labels[j].Operation {
			return labels[i].Operation < labels[j].Operation
		}
		return labels[i].Result < labels[j].Result
	})
	return labels
}

func (r *Recorder) sortedTransitionLabels() []TransitionLabel {
	labels := make([]TransitionLabel, 0, len(r.transitions))
	for label := range r.transitions {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].From != labels[j].From {
			return labels[i].From < labels[j].From
		}
		return labels[i].To < labels[j].To
	})
	return labels
}

func (r *Recorder) sortedJobLabels() []JobLabel {
	labels := make([]JobLabel, 0, len(r.jobEvents))
	for label := range r.jobEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Kind != labels[j].Kind {
			return labels[i].Kind < labels[j].Kind
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func mergedKeys(a, b map[string]uint64) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	return sortedKeys(seen)
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

// looksLikeIdentifier catches numeric ids, UUIDs and short UUIDs.
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 20 {
		return true
	}
	for _, r := range segment {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
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

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveAdmission records an admission outcome on the default recorder.
func ObserveAdmission(operation, result string) {
	defaultRecorder.ObserveAdmission(operation, result)
}

// ObserveIngestDecision records an ingest decision on the default recorder.
func ObserveIngestDecision(reason string) {
	defaultRecorder.ObserveIngestDecision(reason)
}

// SetDependencyHealth updates dependency health on the default recorder.
func SetDependencyHealth(service, status string) {
	defaultRecorder.SetDependencyHealth(service, status)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
