package main

import (
	"net/url"
	"strings"

	"peertube-live/internal/config"
)

// startupSummary describes the backends chosen at startup without leaking
// credentials.
type startupSummary struct {
	http      map[string]any
	datastore map[string]any
	redis     map[string]any
	ingest    map[string]any
	transcode map[string]any
	replay    map[string]any
	admission map[string]any
}

func newStartupSummary(cfg config.Config) startupSummary {
	s := startupSummary{
		http: map[string]any{
			"addr": cfg.Server.Addr,
			"tls":  cfg.TLS.CertFile != "",
		},
		ingest: map[string]any{
			"addr":       cfg.RTMP.Addr,
			"app":        cfg.RTMP.App,
			"public_url": cfg.RTMP.PublicURL,
		},
		admission: map[string]any{
			"order":               cfg.Admission.Order,
			"quota_basis":         cfg.Admission.QuotaBasis,
			"rotate_key_on_rearm": cfg.Session.RotateKeyOnRearm,
		},
	}

	switch {
	case strings.TrimSpace(cfg.Postgres.DSN) != "":
		s.datastore = map[string]any{"driver": "postgres", "dsn": redactDSN(cfg.Postgres.DSN)}
	case strings.TrimSpace(cfg.Data.JSONPath) != "":
		s.datastore = map[string]any{"driver": "json", "path": cfg.Data.JSONPath}
	default:
		s.datastore = map[string]any{"driver": "memory"}
	}

	if cfg.RedisEnabled() {
		s.redis = map[string]any{
			"enabled":       true,
			"addrs":         strings.Join(cfg.RedisClient().Addresses(), ","),
			"policy_key":    cfg.Policy.RedisKey,
			"event_stream":  cfg.Events.RedisStream,
			"login_limiter": cfg.RateLimit.UseRedis,
		}
		if cfg.Redis.MasterName != "" {
			s.redis["master_name"] = cfg.Redis.MasterName
		}
	} else {
		s.redis = map[string]any{"enabled": false}
	}

	if base := strings.TrimSpace(cfg.Transcode.BaseURL); base != "" {
		s.transcode = map[string]any{"enabled": true, "base_url": base, "max_attempts": cfg.Transcode.MaxAttempts}
	} else {
		s.transcode = map[string]any{"enabled": false}
	}

	switch {
	case strings.TrimSpace(cfg.Replay.S3.Bucket) != "":
		s.replay = map[string]any{"driver": "s3", "bucket": cfg.Replay.S3.Bucket, "endpoint": cfg.Replay.S3.Endpoint}
	case strings.TrimSpace(cfg.Replay.Dir) != "":
		s.replay = map[string]any{"driver": "local", "dir": cfg.Replay.Dir}
	default:
		s.replay = map[string]any{"driver": "none"}
	}
	return s
}

// LogArgs returns key/value pairs for slog.
func (s startupSummary) LogArgs() []any {
	return []any{
		"http", s.http,
		"datastore", s.datastore,
		"redis", s.redis,
		"ingest", s.ingest,
		"transcode", s.transcode,
		"replay", s.replay,
		"admission", s.admission,
	}
}

func redactDSN(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Scheme == "" {
		// key=value DSNs are summarised without their values.
		return "[redacted]"
	}
	if parsed.User != nil {
		if _, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(parsed.User.Username(), "*****")
		}
	}
	return parsed.String()
}
