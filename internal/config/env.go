package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "PEERTUBE_LIVE_"

type lookupFunc func(string) (string, bool)

type envBinding struct {
	name  string
	apply func(value string) error
}

func stringVar(target *string) func(string) error {
	return func(value string) error {
		*target = value
		return nil
	}
}

func listVar(target *[]string) func(string) error {
	return func(value string) error {
		*target = splitList(value)
		return nil
	}
}

func boolVar(target *bool) func(string) error {
	return func(value string) error {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*target = parsed
		return nil
	}
}

func intVar(target *int) func(string) error {
	return func(value string) error {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*target = parsed
		return nil
	}
}

func optionalIntVar(target **int) func(string) error {
	return func(value string) error {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*target = &parsed
		return nil
	}
}

func durationVar(target *time.Duration) func(string) error {
	return func(value string) error {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*target = parsed
		return nil
	}
}

func (c *Config) envBindings() []envBinding {
	return []envBinding{
		{"ADDR", stringVar(&c.Server.Addr)},
		{"TLS_CERT", stringVar(&c.TLS.CertFile)},
		{"TLS_KEY", stringVar(&c.TLS.KeyFile)},
		{"LOG_LEVEL", stringVar(&c.Log.Level)},
		{"LOG_FORMAT", stringVar(&c.Log.Format)},
		{"CORS_ALLOWED_ORIGINS", listVar(&c.CORS.AllowedOrigins)},
		{"RATE_LOGIN_LIMIT", intVar(&c.RateLimit.LoginLimit)},
		{"RATE_LOGIN_WINDOW", durationVar(&c.RateLimit.LoginWindow)},
		{"RATE_TRUSTED_PROXIES", listVar(&c.RateLimit.TrustedProxies)},
		{"RATE_USE_REDIS", boolVar(&c.RateLimit.UseRedis)},
		{"POSTGRES_DSN", stringVar(&c.Postgres.DSN)},
		{"DATA", stringVar(&c.Data.JSONPath)},
		{"REDIS_ADDR", stringVar(&c.Redis.Addr)},
		{"REDIS_ADDRS", listVar(&c.Redis.Addrs)},
		{"REDIS_USERNAME", stringVar(&c.Redis.Username)},
		{"REDIS_PASSWORD", stringVar(&c.Redis.Password)},
		{"REDIS_MASTER_NAME", stringVar(&c.Redis.MasterName)},
		{"LIVE_ENABLED", boolVar(&c.Policy.Enabled)},
		{"LIVE_MAX_INSTANCE_LIVES", optionalIntVar(&c.Policy.MaxInstanceLives)},
		{"LIVE_MAX_USER_LIVES", optionalIntVar(&c.Policy.MaxUserLives)},
		{"LIVE_ALLOW_REPLAY", boolVar(&c.Policy.AllowReplay)},
		{"ADMISSION_ORDER", stringVar(&c.Admission.Order)},
		{"ADMISSION_QUOTA_BASIS", stringVar(&c.Admission.QuotaBasis)},
		{"ROTATE_KEY_ON_REARM", boolVar(&c.Session.RotateKeyOnRearm)},
		{"RTMP_ADDR", stringVar(&c.RTMP.Addr)},
		{"RTMP_PUBLIC_URL", stringVar(&c.RTMP.PublicURL)},
		{"TRANSCODE_BASE_URL", stringVar(&c.Transcode.BaseURL)},
		{"TRANSCODE_TOKEN", stringVar(&c.Transcode.Token)},
		{"TRANSCODE_PLAYBACK_BASE_URL", stringVar(&c.Transcode.PlaybackBaseURL)},
		{"TRANSCODE_LADDER", stringVar(&c.Transcode.Ladder)},
		{"REPLAY_DIR", stringVar(&c.Replay.Dir)},
		{"REPLAY_BASE_URL", stringVar(&c.Replay.BaseURL)},
		{"REPLAY_DRAIN_TIMEOUT", durationVar(&c.Replay.DrainTimeout)},
		{"REPLAY_S3_ENDPOINT", stringVar(&c.Replay.S3.Endpoint)},
		{"REPLAY_S3_REGION", stringVar(&c.Replay.S3.Region)},
		{"REPLAY_S3_ACCESS_KEY", stringVar(&c.Replay.S3.AccessKey)},
		{"REPLAY_S3_SECRET_KEY", stringVar(&c.Replay.S3.SecretKey)},
		{"REPLAY_S3_BUCKET", stringVar(&c.Replay.S3.Bucket)},
		{"IMAGES_DIR", stringVar(&c.Images.Dir)},
		{"SESSION_TTL", durationVar(&c.Auth.SessionTTL)},
		{"BOOTSTRAP_ADMIN_USERNAME", stringVar(&c.BootstrapAdmin.Username)},
		{"BOOTSTRAP_ADMIN_PASSWORD", stringVar(&c.BootstrapAdmin.Password)},
	}
}

// applyEnv overrides fields from PEERTUBE_LIVE_* variables. Blank values
// are ignored.
func (c *Config) applyEnv(lookup lookupFunc) error {
	for _, binding := range c.envBindings() {
		name := envPrefix + binding.name
		raw, ok := lookup(name)
		if !ok {
			continue
		}
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		if err := binding.apply(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	return nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
