// Package transcode is the contract with the packaging pipeline that turns an
// accepted ingest into playable output. Transcoding itself happens elsewhere;
// this package only starts and stops jobs and reports their health.
package transcode

import "context"

// StartParams identifies the session whose output should be packaged.
type StartParams struct {
	LiveID    int64
	LiveUUID  string
	SessionID string
	StreamKey string
	// Record asks the pipeline to keep a recording for replay archiving.
	Record bool
}

// Rendition describes an output profile in the encoding ladder.
type Rendition struct {
	Name        string `json:"name"`
	ManifestURL string `json:"manifestUrl,omitempty"`
	Bitrate     int    `json:"bitrate,omitempty"`
}

// StartResult is returned once the pipeline confirms playable output.
type StartResult struct {
	PlaybackURL   string      `json:"playbackUrl"`
	RecordingPath string      `json:"recordingPath,omitempty"`
	Renditions    []Rendition `json:"renditions,omitempty"`
	JobIDs        []string    `json:"jobIds,omitempty"`
}

// HealthStatus captures the availability of a packaging dependency.
type HealthStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// Controller starts and stops packaging jobs. Implementations must be safe
// for concurrent use and must not call back into the session machine.
type Controller interface {
	Start(ctx context.Context, params StartParams) (StartResult, error)
	Stop(ctx context.Context, sessionID string, jobIDs []string) error
	HealthChecks(ctx context.Context) []HealthStatus
}

// NoopController reports immediate success without any external calls. The
// playback URL is derived from PlaybackBaseURL when set.
type NoopController struct {
	PlaybackBaseURL string
}

func (c NoopController) Start(ctx context.Context, params StartParams) (StartResult, error) {
	result := StartResult{}
	if c.PlaybackBaseURL != "" {
		result.PlaybackURL = playbackURL(c.PlaybackBaseURL, params.LiveUUID)
	}
	return result, nil
}

func (NoopController) Stop(ctx context.Context, sessionID string, jobIDs []string) error {
	return nil
}

func (NoopController) HealthChecks(ctx context.Context) []HealthStatus {
	return []HealthStatus{{Component: "transcoder", Status: "disabled"}}
}
