package metrics

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "", want: "/"},
		{in: "/", want: "/"},
		{in: "/api/v1/videos/live/42", want: "/api/v1/videos/live/:id"},
		{in: "/api/v1/videos/live/42/end/", want: "/api/v1/videos/live/:id/end"},
		{in: "/api/v1/videos/live/6f4d9ab0-3e33-4c8f-9d5c-1b2b1e2d6f10", want: "/api/v1/videos/live/:id"},
		{in: "/api/v1/videos/live/eJ5tZ9nC2pQeB8wYtR1xk3", want: "/api/v1/videos/live/:id"},
		{in: "api/v1/config/live", want: "/api/v1/config/live"},
	}
	for _, tc := range cases {
		if got := normalizePath(tc.in); got != tc.want {
			t.Fatalf("normalizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRecorderWritesLiveFamilies(t *testing.T) {
	recorder := New()
	recorder.ObserveRequest("get", "/api/v1/videos/live/7", 200, 20*time.Millisecond)
	recorder.ObserveAdmission("create", "accepted")
	recorder.ObserveAdmission("create", "Forbidden")
	recorder.ObserveIngestDecision("conflict")
	recorder.ObserveTransition("ready", "streaming")
	recorder.SessionStarted()
	recorder.ObserveEvent("live.state")
	recorder.ObserveTranscodeAttempt("start")
	recorder.ObserveTranscodeFailure("start")
	recorder.JobStarted("replay")
	recorder.JobFailed("replay")
	recorder.SetDependencyHealth("redis", "ok")

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	for _, want := range []string{
		`peertube_live_http_requests_total{method="GET",path="/api/v1/videos/live/:id",status="200"} 1`,
		`peertube_live_admissions_total{operation="create",result="accepted"} 1`,
		`peertube_live_admissions_total{operation="create",result="forbidden"} 1`,
		`peertube_live_ingest_decisions_total{reason="conflict"} 1`,
		`peertube_live_transitions_total{from="ready",to="streaming"} 1`,
		`peertube_live_active_sessions 1`,
		`peertube_live_events_total{event="live.state"} 1`,
		`peertube_live_transcode_failures_total{operation="start"} 1`,
		`peertube_live_jobs_total{kind="replay",status="fail"} 1`,
		`peertube_live_active_jobs 0`,
		`peertube_live_dependency_health{service="redis",status="ok"} 1.000000`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestSessionGaugeNeverNegative(t *testing.T) {
	recorder := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			recorder.SessionStarted()
		}()
		go func() {
			defer wg.Done()
			recorder.SessionEnded()
		}()
	}
	wg.Wait()
	if recorder.ActiveSessions() < 0 {
		t.Fatalf("gauge went negative: %d", recorder.ActiveSessions())
	}

	recorder.Reset()
	recorder.SessionEnded()
	if recorder.ActiveSessions() != 0 {
		t.Fatalf("expected gauge to stay at zero, got %d", recorder.ActiveSessions())
	}
}

func TestRecorderCountsAreCopies(t *testing.T) {
	recorder := New()
	recorder.ObserveAdmission("update", "conflict")
	counts := recorder.AdmissionCounts()
	counts[AdmissionLabel{Operation: "update", Result: "conflict"}] = 99

	if got := recorder.AdmissionCounts()[AdmissionLabel{Operation: "update", Result: "conflict"}]; got != 1 {
		t.Fatalf("expected internal count to stay 1, got %d", got)
	}
}
