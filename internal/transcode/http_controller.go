package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

// HTTPController drives a packaging service over REST.
type HTTPController struct {
	config Config
	logger *slog.Logger
}

type jobRequest struct {
	LiveID     string      `json:"liveId"`
	LiveUUID   string      `json:"liveUuid"`
	SessionID  string      `json:"sessionId"`
	StreamKey  string      `json:"streamKey"`
	Record     bool        `json:"record"`
	Renditions []Rendition `json:"renditions"`
}

type jobResponse struct {
	JobID         string      `json:"jobId"`
	JobIDs        []string    `json:"jobIds"`
	PlaybackURL   string      `json:"playbackUrl"`
	RecordingPath string      `json:"recordingPath"`
	Renditions    []Rendition `json:"renditions"`
}

func (c *HTTPController) Start(ctx context.Context, params StartParams) (StartResult, error) {
	if params.SessionID == "" || params.StreamKey == "" {
		return StartResult{}, fmt.Errorf("sessionID and streamKey are required")
	}
	payload := jobRequest{
		LiveID:     strconv.FormatInt(params.LiveID, 10),
		LiveUUID:   params.LiveUUID,
		SessionID:  params.SessionID,
		StreamKey:  params.StreamKey,
		Record:     params.Record,
		Renditions: slices.Clone(c.config.Ladder),
	}
	var response jobResponse
	if err := c.postJSON(ctx, "start", "/v1/jobs", payload, &response); err != nil {
		return StartResult{}, fmt.Errorf("start packaging job: %w", err)
	}

	jobIDs := append([]string{}, response.JobIDs...)
	if response.JobID != "" {
		jobIDs = append(jobIDs, response.JobID)
	}
	result := StartResult{
		PlaybackURL:   response.PlaybackURL,
		RecordingPath: response.RecordingPath,
		Renditions:    slices.Clone(response.Renditions),
		JobIDs:        jobIDs,
	}
	if result.PlaybackURL == "" && c.config.PlaybackBaseURL != "" {
		result.PlaybackURL = playbackURL(c.config.PlaybackBaseURL, params.LiveUUID)
	}
	if result.PlaybackURL == "" {
		// Without a playback URL there is nothing to publish.
		c.rollback(ctx, params.SessionID, jobIDs)
		return StartResult{}, errors.New("packaging service returned no playback url")
	}
	return result, nil
}

func (c *HTTPController) Stop(ctx context.Context, sessionID string, jobIDs []string) error {
	var errs []error
	for _, jobID := range jobIDs {
		if err := c.delete(ctx, "stop", "/v1/jobs/"+jobID); err != nil {
			errs = append(errs, fmt.Errorf("stop job %s: %w", jobID, err))
		}
	}
	return errors.Join(errs...)
}

// HealthChecks probes HealthEndpoint once. Any 2xx counts as healthy.
func (c *HTTPController) HealthChecks(ctx context.Context) []HealthStatus {
	status := HealthStatus{Component: "transcoder", Status: "ok"}
	if err := c.send(ctx, request{method: http.MethodGet, path: c.config.HealthEndpoint}); err != nil {
		status.Status, status.Detail = "error", err.Error()
	}
	return []HealthStatus{status}
}

func (c *HTTPController) rollback(ctx context.Context, sessionID string, jobIDs []string) {
	if err := c.Stop(ctx, sessionID, jobIDs); err != nil {
		c.logger.Warn("rollback packaging jobs", "session_id", sessionID, "error", err)
	}
}

// request is one call to the packaging API. body is encoded as JSON and the
// response decoded into out when they are set.
type request struct {
	op     string
	method string
	path   string
	body   any
	out    any
}

func (c *HTTPController) postJSON(ctx context.Context, op, path string, body, out any) error {
	return c.withRetry(ctx, request{op: op, method: http.MethodPost, path: path, body: body, out: out})
}

func (c *HTTPController) delete(ctx context.Context, op, path string) error {
	return c.withRetry(ctx, request{op: op, method: http.MethodDelete, path: path})
}

// withRetry sends r up to MaxAttempts times, pausing RetryInterval between
// attempts that failed for a retryable reason.
func (c *HTTPController) withRetry(ctx context.Context, r request) error {
	metrics := c.config.Metrics
	var err error
	for attempt := 1; ; attempt++ {
		metrics.ObserveTranscodeAttempt(r.op)
		if err = c.send(ctx, r); err == nil {
			return nil
		}
		if attempt >= c.config.MaxAttempts || !retryable(err) {
			break
		}
		c.logger.Warn("transcoder call failed, retrying",
			"op", r.op, "path", r.path, "attempt", attempt, "error", err)
		if !pause(ctx, c.config.RetryInterval) {
			err = ctx.Err()
			break
		}
	}
	metrics.ObserveTranscodeFailure(r.op)
	return err
}

func (c *HTTPController) send(ctx context.Context, r request) error {
	var body io.Reader
	if r.body != nil {
		encoded, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", r.op, err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, strings.TrimRight(c.config.BaseURL, "/")+r.path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := strings.TrimSpace(c.config.Token); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &statusError{code: resp.StatusCode, status: resp.Status, body: strings.TrimSpace(string(snippet))}
	}
	if r.out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(r.out); err != nil {
		return fmt.Errorf("decode %s response: %w", r.op, err)
	}
	return nil
}

func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type statusError struct {
	code   int
	status string
	body   string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return e.status
	}
	return e.status + ": " + e.body
}

// retryable: transport failures, 5xx and 429.
func retryable(err error) bool {
	var se *statusError
	if !errors.As(err, &se) {
		return true
	}
	return se.code >= 500 || se.code == http.StatusTooManyRequests
}

func playbackURL(base, liveUUID string) string {
	return strings.TrimRight(base, "/") + "/" + liveUUID + "/master.m3u8"
}
