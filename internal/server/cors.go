package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	corsAllowMethods  = "GET, POST, PUT, DELETE, OPTIONS"
	corsAllowHeaders  = "Authorization, Content-Type"
	corsExposeHeaders = "Retry-After, X-Request-Id"
	defaultCORSMaxAge = 10 * time.Minute
)

// CORSConfig lists the browser origins allowed to call the API. Requests
// whose Origin matches the Host they were sent to always pass.
type CORSConfig struct {
	AllowedOrigins []string
	// MaxAge bounds how long browsers cache a preflight answer.
	MaxAge time.Duration
}

type corsPolicy struct {
	origins map[string]bool
	maxAge  string
}

func newCORSPolicy(cfg CORSConfig) (corsPolicy, error) {
	p := corsPolicy{origins: map[string]bool{}}
	for _, raw := range cfg.AllowedOrigins {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		origin, ok := canonicalOrigin(raw)
		if !ok {
			return corsPolicy{}, fmt.Errorf("invalid CORS origin %q: need scheme://host", raw)
		}
		p.origins[origin] = true
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultCORSMaxAge
	}
	p.maxAge = strconv.Itoa(int(maxAge / time.Second))
	return p, nil
}

// canonicalOrigin lower-cases scheme and host and drops anything after them.
func canonicalOrigin(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), true
}

// permits reports whether a browser on origin may read responses for r.
func (p corsPolicy) permits(origin string, r *http.Request) bool {
	canonical, ok := canonicalOrigin(origin)
	if !ok {
		return false
	}
	if p.origins[canonical] {
		return true
	}
	if r.Host == "" {
		return false
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return canonical == strings.ToLower(scheme+"://"+r.Host)
}

func corsMiddleware(policy corsPolicy, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !policy.permits(origin, r) {
			if logger != nil {
				logger.Warn("cors origin rejected", "origin", origin, "path", r.URL.Path)
			}
			writeMiddlewareError(w, http.StatusForbidden, "origin not allowed")
			return
		}

		h := w.Header()
		h.Add("Vary", "Origin")
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Expose-Headers", corsExposeHeaders)

		if r.Method != http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Access-Control-Request-Method") != "" {
			allowHeaders := r.Header.Get("Access-Control-Request-Headers")
			if allowHeaders == "" {
				allowHeaders = corsAllowHeaders
			}
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", allowHeaders)
			h.Set("Access-Control-Max-Age", policy.maxAge)
		}
		w.WriteHeader(http.StatusNoContent)
	})
}
