package server

import (
	"fmt"
	"net/http"
	"time"
)

const (
	apiContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'"
	apiReferrerPolicy        = "no-referrer"
	apiPermissionsPolicy     = "camera=(), microphone=(), geolocation=()"
)

// SecurityConfig overrides the hardening headers. The API only serves JSON
// and websocket frames, so the defaults deny framing and all subresources.
type SecurityConfig struct {
	ContentSecurityPolicy string
	ReferrerPolicy        string
	PermissionsPolicy     string
	// HSTSMaxAge adds Strict-Transport-Security on TLS requests when positive.
	HSTSMaxAge time.Duration
}

type headerPair struct{ key, value string }

func (cfg SecurityConfig) headers() []headerPair {
	pick := func(v, fallback string) string {
		if v == "" {
			return fallback
		}
		return v
	}
	return []headerPair{
		{"Content-Security-Policy", pick(cfg.ContentSecurityPolicy, apiContentSecurityPolicy)},
		{"Referrer-Policy", pick(cfg.ReferrerPolicy, apiReferrerPolicy)},
		{"Permissions-Policy", pick(cfg.PermissionsPolicy, apiPermissionsPolicy)},
		{"X-Frame-Options", "DENY"},
		{"X-Content-Type-Options", "nosniff"},
	}
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	fixed := cfg.headers()
	var hsts string
	if cfg.HSTSMaxAge > 0 {
		hsts = fmt.Sprintf("max-age=%d", int64(cfg.HSTSMaxAge/time.Second))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, p := range fixed {
			h.Set(p.key, p.value)
		}
		if hsts != "" && r.TLS != nil {
			h.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}
