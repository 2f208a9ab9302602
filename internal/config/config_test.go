package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Server.Addr != ":9000" || cfg.RTMP.Addr != ":1935" {
		t.Fatalf("unexpected listen defaults: %+v %+v", cfg.Server, cfg.RTMP)
	}
	if cfg.RTMP.PublicURL != "rtmp://localhost:1935/live" {
		t.Fatalf("unexpected rtmp url %q", cfg.RTMP.PublicURL)
	}
	policy := cfg.LivePolicy()
	if policy.Enabled || policy.MaxInstanceLives != -1 || policy.MaxUserLives != -1 {
		t.Fatalf("unexpected default policy %+v", policy)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadReadsYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":8080"
  shutdown_timeout: 3s
policy:
  enabled: true
  max_instance_lives: 0
  max_user_lives: -7
admission:
  order: quota-first
  quota_basis: resources
rtmp:
  app: broadcast
redis:
  addr: "127.0.0.1:6379"
rate_limit:
  login_limit: 5
  use_redis: true
`)
	t.Setenv("PEERTUBE_LIVE_ADDR", "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Server.ShutdownTimeout != 3*time.Second {
		t.Fatalf("unexpected server section %+v", cfg.Server)
	}
	policy := cfg.LivePolicy()
	if !policy.Enabled || policy.MaxInstanceLives != 0 || policy.MaxUserLives != -1 {
		t.Fatalf("unexpected policy %+v", policy)
	}
	if cfg.RTMP.PublicURL != "rtmp://localhost:1935/broadcast" {
		t.Fatalf("public url should follow the app name, got %q", cfg.RTMP.PublicURL)
	}
	if cfg.RateLimit.LoginWindow != time.Minute {
		t.Fatalf("expected default login window, got %v", cfg.RateLimit.LoginWindow)
	}
	if !cfg.RedisEnabled() || cfg.RedisClient().DialTimeout != 2*time.Second {
		t.Fatalf("unexpected redis client config %+v", cfg.RedisClient())
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "server:\n  adr: \":1\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
}

func TestLoadAcceptsEmptyFile(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Fatalf("expected defaults, got %q", cfg.Server.Addr)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":8080\"\npolicy:\n  max_user_lives: 3\n")
	t.Setenv("PEERTUBE_LIVE_ADDR", ":7070")
	t.Setenv("PEERTUBE_LIVE_LIVE_ENABLED", "true")
	t.Setenv("PEERTUBE_LIVE_LIVE_MAX_USER_LIVES", "1")
	t.Setenv("PEERTUBE_LIVE_CORS_ALLOWED_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("PEERTUBE_LIVE_SESSION_TTL", "2h")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":7070" {
		t.Fatalf("expected env addr, got %q", cfg.Server.Addr)
	}
	if p := cfg.LivePolicy(); !p.Enabled || p.MaxUserLives != 1 {
		t.Fatalf("unexpected policy %+v", p)
	}
	if got := strings.Join(cfg.CORS.AllowedOrigins, "|"); got != "https://a.example|https://b.example" {
		t.Fatalf("unexpected origins %q", got)
	}
	if cfg.Auth.SessionTTL != 2*time.Hour {
		t.Fatalf("unexpected ttl %v", cfg.Auth.SessionTTL)
	}
}

func TestEnvironmentRejectsMalformedValues(t *testing.T) {
	t.Setenv("PEERTUBE_LIVE_LIVE_ENABLED", "maybe")
	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "PEERTUBE_LIVE_LIVE_ENABLED") {
		t.Fatalf("expected named env error, got %v", err)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	cfg := Default()
	cfg.TLS.CertFile = "cert.pem"
	cfg.Admission.Order = "sideways"
	cfg.RateLimit.UseRedis = true
	cfg.BootstrapAdmin.Username = "root"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"tls", "sideways", "use_redis", "bootstrap_admin"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "live.env")
	if err := os.WriteFile(path, []byte("PEERTUBE_LIVE_RTMP_ADDR=:2935\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("PEERTUBE_LIVE_RTMP_ADDR", ":1")

	loaded, err := LoadEnvFile(path)
	if err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if loaded != path {
		t.Fatalf("unexpected loaded path %q", loaded)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RTMP.Addr != ":2935" {
		t.Fatalf("explicit env file should override, got %q", cfg.RTMP.Addr)
	}
}

func TestLoadEnvFileMissingExplicitPath(t *testing.T) {
	if _, err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Fatal("expected error for missing explicit env file")
	}
}
