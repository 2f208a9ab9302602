// Package config loads the server settings from a YAML file, an optional
// .env file and PEERTUBE_LIVE_* environment variables, in that order of
// increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"peertube-live/internal/admission"
	"peertube-live/internal/models"
	"peertube-live/internal/redisutil"
)

type Config struct {
	Server         ServerConfig    `yaml:"server"`
	TLS            TLSConfig       `yaml:"tls"`
	Log            LogConfig       `yaml:"log"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	CORS           CORSConfig      `yaml:"cors"`
	Postgres       PostgresConfig  `yaml:"postgres"`
	Redis          RedisConfig     `yaml:"redis"`
	Data           DataConfig      `yaml:"data"`
	Policy         PolicyConfig    `yaml:"policy"`
	Admission      AdmissionConfig `yaml:"admission"`
	Session        SessionConfig   `yaml:"session"`
	RTMP           RTMPConfig      `yaml:"rtmp"`
	Transcode      TranscodeConfig `yaml:"transcode"`
	Replay         ReplayConfig    `yaml:"replay"`
	Events         EventsConfig    `yaml:"events"`
	Images         ImagesConfig    `yaml:"images"`
	Auth           AuthConfig      `yaml:"auth"`
	BootstrapAdmin BootstrapConfig `yaml:"bootstrap_admin"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
}

type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RateLimitConfig struct {
	GlobalRPS             float64       `yaml:"global_rps"`
	GlobalBurst           int           `yaml:"global_burst"`
	LoginLimit            int           `yaml:"login_limit"`
	LoginWindow           time.Duration `yaml:"login_window"`
	TrustForwardedHeaders bool          `yaml:"trust_forwarded_headers"`
	TrustedProxies        []string      `yaml:"trusted_proxies"`
	// UseRedis shares login counters across instances through Redis.
	UseRedis bool `yaml:"use_redis"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type PostgresConfig struct {
	DSN            string        `yaml:"dsn"`
	MaxConns       int32         `yaml:"max_conns"`
	MinConns       int32         `yaml:"min_conns"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	AppName        string        `yaml:"app_name"`
}

type RedisTLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

type RedisConfig struct {
	Addr       string         `yaml:"addr"`
	Addrs      []string       `yaml:"addrs"`
	Username   string         `yaml:"username"`
	Password   string         `yaml:"password"`
	MasterName string         `yaml:"master_name"`
	PoolSize   int            `yaml:"pool_size"`
	Timeout    time.Duration  `yaml:"timeout"`
	TLS        RedisTLSConfig `yaml:"tls"`
}

// DataConfig selects the JSON file used for the registry when no Postgres
// DSN is configured. Empty keeps lives in memory only.
type DataConfig struct {
	JSONPath string `yaml:"json_path"`
}

type PolicyConfig struct {
	Enabled          bool   `yaml:"enabled"`
	MaxInstanceLives *int   `yaml:"max_instance_lives"`
	MaxUserLives     *int   `yaml:"max_user_lives"`
	AllowReplay      bool   `yaml:"allow_replay"`
	RedisKey         string `yaml:"redis_key"`
}

type AdmissionConfig struct {
	Order      string `yaml:"order"`
	QuotaBasis string `yaml:"quota_basis"`
}

type SessionConfig struct {
	RotateKeyOnRearm  bool          `yaml:"rotate_key_on_rearm"`
	TransitionTimeout time.Duration `yaml:"transition_timeout"`
}

type RTMPConfig struct {
	Addr        string        `yaml:"addr"`
	App         string        `yaml:"app"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// PublicURL is the address handed to broadcasters.
	PublicURL string `yaml:"public_url"`
}

type TranscodeConfig struct {
	BaseURL         string        `yaml:"base_url"`
	Token           string        `yaml:"token"`
	PlaybackBaseURL string        `yaml:"playback_base_url"`
	HealthEndpoint  string        `yaml:"health_endpoint"`
	Ladder          string        `yaml:"ladder"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	Timeout         time.Duration `yaml:"timeout"`
}

type S3Config struct {
	Endpoint       string `yaml:"endpoint"`
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	Bucket         string `yaml:"bucket"`
	UseSSL         bool   `yaml:"use_ssl"`
	Prefix         string `yaml:"prefix"`
	PublicEndpoint string `yaml:"public_endpoint"`
}

type ReplayConfig struct {
	Dir          string        `yaml:"dir"`
	BaseURL      string        `yaml:"base_url"`
	Concurrency  int64         `yaml:"concurrency"`
	QueueSize    int           `yaml:"queue_size"`
	Timeout      time.Duration `yaml:"timeout"`
	// DrainTimeout lets replays queued at shutdown finish. Negative disables.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	S3           S3Config      `yaml:"s3"`
}

type EventsConfig struct {
	Buffer       int           `yaml:"buffer"`
	PingInterval time.Duration `yaml:"ping_interval"`
	// RedisStream enables the distributed audit stream when Redis is set.
	RedisStream string `yaml:"redis_stream"`
	RedisGroup  string `yaml:"redis_group"`
	// RedisMaxLen trims the stream to roughly this many entries.
	RedisMaxLen int64 `yaml:"redis_max_len"`
}

type ImagesConfig struct {
	Dir      string `yaml:"dir"`
	MaxBytes int    `yaml:"max_bytes"`
}

type AuthConfig struct {
	SessionTTL  time.Duration `yaml:"session_ttl"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// PurgeInterval paces the removal of expired tokens.
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

type BootstrapConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var cfg Config
	cfg.setDefaults()
	return cfg
}

// Load reads path, applies defaults and then the environment overrides. An
// empty path skips the file.
func Load(path string) (Config, error) {
	var cfg Config
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadEnvFile loads a .env file into the process environment. An explicit
// path overrides variables that are already set and must exist; the default
// ".env" is optional and never overrides.
func LoadEnvFile(path string) (string, error) {
	if path = strings.TrimSpace(path); path != "" {
		if err := godotenv.Overload(path); err != nil {
			return "", fmt.Errorf("load env file %s: %w", path, err)
		}
		return path, nil
	}
	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("load .env: %w", err)
	}
	return ".env", nil
}

func (c *Config) setDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":9000"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = 16 << 20
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.RateLimit.LoginLimit > 0 && c.RateLimit.LoginWindow <= 0 {
		c.RateLimit.LoginWindow = time.Minute
	}
	if c.Postgres.AppName == "" {
		c.Postgres.AppName = "peertube-live"
	}
	if c.Redis.Timeout <= 0 {
		c.Redis.Timeout = 2 * time.Second
	}
	if c.Policy.MaxInstanceLives == nil {
		c.Policy.MaxInstanceLives = intPtr(-1)
	}
	if c.Policy.MaxUserLives == nil {
		c.Policy.MaxUserLives = intPtr(-1)
	}
	if c.Policy.RedisKey == "" {
		c.Policy.RedisKey = "peertube:live:policy"
	}
	if c.Admission.Order == "" {
		c.Admission.Order = "enabled-first"
	}
	if c.Admission.QuotaBasis == "" {
		c.Admission.QuotaBasis = "active"
	}
	if c.Session.TransitionTimeout <= 0 {
		c.Session.TransitionTimeout = 30 * time.Second
	}
	if c.RTMP.Addr == "" {
		c.RTMP.Addr = ":1935"
	}
	if c.RTMP.App == "" {
		c.RTMP.App = "live"
	}
	if c.RTMP.IdleTimeout <= 0 {
		c.RTMP.IdleTimeout = 30 * time.Second
	}
	if c.RTMP.PublicURL == "" {
		c.RTMP.PublicURL = "rtmp://localhost:1935/" + c.RTMP.App
	}
	if c.Replay.Concurrency <= 0 {
		c.Replay.Concurrency = 2
	}
	if c.Replay.QueueSize <= 0 {
		c.Replay.QueueSize = 64
	}
	if c.Replay.Timeout <= 0 {
		c.Replay.Timeout = 10 * time.Minute
	}
	if c.Replay.DrainTimeout == 0 {
		c.Replay.DrainTimeout = 30 * time.Second
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 64
	}
	if c.Events.PingInterval <= 0 {
		c.Events.PingInterval = 30 * time.Second
	}
	if c.Events.RedisStream == "" {
		c.Events.RedisStream = "peertube:live:events"
	}
	if c.Events.RedisGroup == "" {
		c.Events.RedisGroup = "peertube-live-audit"
	}
	if c.Auth.SessionTTL <= 0 {
		c.Auth.SessionTTL = 24 * time.Hour
	}
	if c.Auth.PurgeInterval <= 0 {
		c.Auth.PurgeInterval = 15 * time.Minute
	}
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var problems []string
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		problems = append(problems, "tls needs both cert_file and key_file")
	}
	if _, err := admission.ParseOrder(c.Admission.Order); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := admission.ParseQuotaBasis(c.Admission.QuotaBasis); err != nil {
		problems = append(problems, err.Error())
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q must be json or text", c.Log.Format))
	}
	if c.RateLimit.UseRedis && !c.RedisEnabled() {
		problems = append(problems, "rate_limit.use_redis needs redis.addr")
	}
	if (c.BootstrapAdmin.Username == "") != (c.BootstrapAdmin.Password == "") {
		problems = append(problems, "bootstrap_admin needs both username and password")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// RedisEnabled reports whether a Redis endpoint is configured.
func (c Config) RedisEnabled() bool {
	return c.RedisClient().Enabled()
}

// RedisClient converts the Redis section for redisutil.NewClient.
func (c Config) RedisClient() redisutil.Config {
	return redisutil.Config{
		Addr:         c.Redis.Addr,
		Addrs:        c.Redis.Addrs,
		Username:     c.Redis.Username,
		Password:     c.Redis.Password,
		MasterName:   c.Redis.MasterName,
		PoolSize:     c.Redis.PoolSize,
		DialTimeout:  c.Redis.Timeout,
		ReadTimeout:  c.Redis.Timeout,
		WriteTimeout: c.Redis.Timeout,
		TLS: redisutil.TLSConfig{
			CAFile:             c.Redis.TLS.CAFile,
			CertFile:           c.Redis.TLS.CertFile,
			KeyFile:            c.Redis.TLS.KeyFile,
			ServerName:         c.Redis.TLS.ServerName,
			InsecureSkipVerify: c.Redis.TLS.InsecureSkipVerify,
		},
	}
}

// LivePolicy is the policy seeded into the store before an administrator
// changes it.
func (c Config) LivePolicy() models.LivePolicy {
	p := models.DefaultLivePolicy()
	p.Enabled = c.Policy.Enabled
	p.AllowReplay = c.Policy.AllowReplay
	if c.Policy.MaxInstanceLives != nil {
		p.MaxInstanceLives = normalizeQuota(*c.Policy.MaxInstanceLives)
	}
	if c.Policy.MaxUserLives != nil {
		p.MaxUserLives = normalizeQuota(*c.Policy.MaxUserLives)
	}
	return p
}

func normalizeQuota(v int) int {
	if v < 0 {
		return -1
	}
	return v
}

func intPtr(v int) *int {
	return &v
}
