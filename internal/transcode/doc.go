// Package transcode talks to the packaging service that turns an accepted
// RTMP ingest into HLS renditions.
//
// The session machine calls Start once a publisher is admitted and Stop when
// the session ends. Start returns the playback URL viewers use and, when the
// live saves its replay, the path of the recording the replay worker will
// archive.
//
// Retry Semantics
//
// HTTPController retries transport failures, 5xx responses and 429 (Too Many
// Requests) up to Config.MaxAttempts, sleeping Config.RetryInterval between
// attempts. Any other 4xx response is permanent. Each attempt and each final
// failure is counted on the metrics recorder under the operation name
// ("start" or "stop").
//
// When no service is configured, Config.NewController returns a
// NoopController that reports success and derives playback URLs from
// Config.PlaybackBaseURL.
package transcode
