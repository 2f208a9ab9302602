package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"peertube-live/internal/admission"
	"peertube-live/internal/auth"
	"peertube-live/internal/events"
	"peertube-live/internal/observability/logging"
	"peertube-live/internal/observability/metrics"
	"peertube-live/internal/policy"
	"peertube-live/internal/session"
	"peertube-live/internal/transcode"
)

// HealthCheck probes one backing service.
type HealthCheck struct {
	Component string
	Ping      func(ctx context.Context) error
}

// Handler serves the live API. Admission, Sessions, Policies and Auth are
// required; Events enables the websocket endpoint.
type Handler struct {
	Admission  *admission.Controller
	Sessions   *session.Machine
	Policies   policy.Store
	Auth       *auth.Authenticator
	Events     events.Queue
	Transcoder transcode.Controller
	Checks     []HealthCheck

	// RTMPURL is handed to broadcasters, e.g. rtmp://live.example:1935/live.
	RTMPURL string
	// MaxUploadBytes bounds a multipart creation request.
	MaxUploadBytes int64
	// EventPingInterval paces websocket keepalives.
	EventPingInterval time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	return logging.WithContext(r.Context(), h.logger())
}

func (h *Handler) metrics() *metrics.Recorder {
	if h.Metrics == nil {
		return metrics.Default()
	}
	return h.Metrics
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Health reports the status of every backing service. Any failing probe
// degrades the answer to 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	overall := "ok"
	statusCode := http.StatusOK
	components := make([]componentStatus, 0, len(h.Checks)+1)
	for _, check := range h.Checks {
		status := componentStatus{Component: check.Component, Status: "ok"}
		if err := check.Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Error = err.Error()
		}
		components = append(components, status)
	}
	if h.Transcoder != nil {
		for _, check := range h.Transcoder.HealthChecks(ctx) {
			components = append(components, componentStatus{Component: check.Component, Status: check.Status, Error: check.Detail})
		}
	}
	for _, component := range components {
		h.metrics().SetDependencyHealth(component.Component, component.Status)
		switch strings.ToLower(component.Status) {
		case "ok", "disabled":
		default:
			overall = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, statusCode, map[string]interface{}{
		"status":   overall,
		"services": components,
	})
}

type loginRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	GrantType string `json:"grant_type,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	// ClientSecret is accepted for compatibility and ignored.
	ClientSecret string `json:"client_secret,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Login exchanges a username and password for a bearer token. Both JSON and
// form encoded bodies are accepted.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		req.Username = r.PostForm.Get("username")
		req.Password = r.PostForm.Get("password")
		req.GrantType = r.PostForm.Get("grant_type")
	} else if err := decodeJSON(r, &req); err != nil {
		writeServiceError(w, h.logger(), err)
		return
	}
	if req.GrantType != "" && req.GrantType != "password" {
		writeError(w, http.StatusBadRequest, errors.New("unsupported grant_type"))
		return
	}

	token, expiresAt, user, err := h.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		writeServiceError(w, h.requestLogger(r), err)
		return
	}
	h.requestLogger(r).Info("user logged in", "user_id", user.ID)
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(expiresAt).Seconds()),
	})
}

// RevokeToken ends the caller's session.
func (h *Handler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	if err := h.Auth.Logout(r.Context(), ExtractToken(r)); err != nil {
		writeServiceError(w, h.requestLogger(r), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
